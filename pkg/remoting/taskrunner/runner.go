// Package taskrunner реализует контексты исполнения для remoting слоя.
//
// Каждый контекст обрабатывает задачи строго последовательно, поэтому состояние,
// принадлежащее контексту, не требует блокировок. Взаимодействие между
// контекстами выполняется только через PostTask.
//
// Реализации:
//   - Runner: отдельная горутина с неограниченной FIFO очередью
//   - ManualRunner: детерминированный контекст с виртуальным временем для тестов
package taskrunner

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CancelFunc отменяет отложенную задачу. Повторный вызов безопасен.
type CancelFunc func()

// TaskRunner контекст исполнения задач
type TaskRunner interface {
	// PostTask ставит задачу в очередь. Возвращает false если контекст остановлен.
	PostTask(task func()) bool

	// PostDelayedTask выполняет задачу в этом контексте не раньше чем через delay
	PostDelayedTask(delay time.Duration, task func()) CancelFunc

	// Now возвращает текущее время контекста
	Now() time.Time
}

// Runner контекст исполнения на выделенной горутине
type Runner struct {
	name string

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool

	done   chan struct{}
	logger *slog.Logger
}

// NewRunner создает и запускает контекст исполнения
func NewRunner(name string) *Runner {
	r := &Runner{
		name:   name,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "taskrunner", "runner", name),
	}
	go r.loop()
	return r
}

// Name возвращает имя контекста
func (r *Runner) Name() string {
	return r.name
}

// PostTask ставит задачу в очередь
func (r *Runner) PostTask(task func()) bool {
	if task == nil {
		return false
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, task)
	select {
	case r.wake <- struct{}{}:
	default:
	}
	r.mu.Unlock()
	return true
}

// PostDelayedTask выполняет задачу через delay
func (r *Runner) PostDelayedTask(delay time.Duration, task func()) CancelFunc {
	var cancelled atomic.Bool
	timer := time.AfterFunc(delay, func() {
		r.PostTask(func() {
			if !cancelled.Load() {
				task()
			}
		})
	})
	return func() {
		cancelled.Store(true)
		timer.Stop()
	}
}

// Now возвращает системное время
func (r *Runner) Now() time.Time {
	return time.Now()
}

// Sync блокируется пока не выполнятся все задачи, поставленные до вызова.
// Возвращает false если контекст остановлен.
func (r *Runner) Sync() bool {
	ch := make(chan struct{})
	if !r.PostTask(func() { close(ch) }) {
		return false
	}
	select {
	case <-ch:
		return true
	case <-r.done:
		return false
	}
}

// Stop останавливает контекст. Задачи, оставшиеся в очереди, отбрасываются.
// Нельзя вызывать из задачи этого же контекста.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	dropped := len(r.queue)
	r.queue = nil
	close(r.wake)
	r.mu.Unlock()

	<-r.done

	if dropped > 0 {
		r.logger.Debug("runner stopped with pending tasks", "dropped", dropped)
	}
}

// loop обрабатывает очередь задач
func (r *Runner) loop() {
	defer close(r.done)

	for range r.wake {
		for {
			r.mu.Lock()
			if len(r.queue) == 0 || r.stopped {
				r.mu.Unlock()
				break
			}
			task := r.queue[0]
			r.queue[0] = nil
			r.queue = r.queue[1:]
			r.mu.Unlock()

			task()
		}
	}
}
