package taskrunner

import "sync/atomic"

// WeakFactory ограничивает жизнь привязанных вызовов жизнью объекта,
// живущего в одном контексте.
//
// После Invalidate все привязанные через фабрику вызовы становятся no-op,
// даже если задача уже стоит в очереди другого контекста.
type WeakFactory struct {
	invalidated atomic.Bool
}

// NewWeakFactory создает действительную фабрику
func NewWeakFactory() *WeakFactory {
	return &WeakFactory{}
}

// Invalidate отзывает все выданные ссылки
func (f *WeakFactory) Invalidate() {
	f.invalidated.Store(true)
}

// Valid сообщает живы ли ссылки фабрики
func (f *WeakFactory) Valid() bool {
	return f != nil && !f.invalidated.Load()
}

// Bind возвращает функцию, которая выполняет fn в контексте runner,
// если фабрика еще действительна в момент выполнения.
func Bind(f *WeakFactory, runner TaskRunner, fn func()) func() {
	return func() {
		if !f.Valid() {
			return
		}
		runner.PostTask(func() {
			if f.Valid() {
				fn()
			}
		})
	}
}

// Bind1 аналог Bind для функции с одним аргументом
func Bind1[A any](f *WeakFactory, runner TaskRunner, fn func(A)) func(A) {
	return func(a A) {
		if !f.Valid() {
			return
		}
		runner.PostTask(func() {
			if f.Valid() {
				fn(a)
			}
		})
	}
}

// Bind2 аналог Bind для функции с двумя аргументами
func Bind2[A, B any](f *WeakFactory, runner TaskRunner, fn func(A, B)) func(A, B) {
	return func(a A, b B) {
		if !f.Valid() {
			return
		}
		runner.PostTask(func() {
			if f.Valid() {
				fn(a, b)
			}
		})
	}
}
