package taskrunner

import "time"

// RepeatingTimer периодически выполняет задачу в заданном контексте.
//
// Все методы вызываются только из контекста runner.
type RepeatingTimer struct {
	runner     TaskRunner
	cancel     CancelFunc
	generation uint64
	running    bool
}

// NewRepeatingTimer создает остановленный таймер
func NewRepeatingTimer(runner TaskRunner) *RepeatingTimer {
	return &RepeatingTimer{runner: runner}
}

// Start запускает таймер с периодом period. Уже запущенный таймер перезапускается,
// отсчет периода начинается заново.
func (t *RepeatingTimer) Start(period time.Duration, fn func()) {
	t.Stop()
	t.running = true
	t.schedule(t.generation, period, fn)
}

// Stop останавливает таймер
func (t *RepeatingTimer) Stop() {
	t.generation++
	t.running = false
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// IsRunning сообщает запущен ли таймер
func (t *RepeatingTimer) IsRunning() bool {
	return t.running
}

func (t *RepeatingTimer) schedule(gen uint64, period time.Duration, fn func()) {
	t.cancel = t.runner.PostDelayedTask(period, func() {
		if gen != t.generation {
			return
		}
		t.schedule(gen, period, fn)
		fn()
	})
}
