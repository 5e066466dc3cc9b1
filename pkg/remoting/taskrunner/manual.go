package taskrunner

import (
	"sort"
	"sync"
	"time"
)

// ManualRunner детерминированный контекст исполнения с виртуальным временем.
//
// Задачи выполняются только в RunUntilIdle и Advance на горутине вызывающего.
// Время продвигается только через Advance, поэтому окна наблюдения и таймеры
// проверяются в тестах без sleep.
type ManualRunner struct {
	mu      sync.Mutex
	now     time.Time
	queue   []func()
	delayed []*delayedTask
	seq     uint64
}

type delayedTask struct {
	due       time.Time
	seq       uint64
	task      func()
	cancelled bool
}

// NewManualRunner создает контекст с начальным виртуальным временем start
func NewManualRunner(start time.Time) *ManualRunner {
	return &ManualRunner{now: start}
}

// PostTask ставит задачу в очередь
func (m *ManualRunner) PostTask(task func()) bool {
	if task == nil {
		return false
	}
	m.mu.Lock()
	m.queue = append(m.queue, task)
	m.mu.Unlock()
	return true
}

// PostDelayedTask планирует задачу на now+delay виртуального времени
func (m *ManualRunner) PostDelayedTask(delay time.Duration, task func()) CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	dt := &delayedTask{due: m.now.Add(delay), seq: m.seq, task: task}
	m.delayed = append(m.delayed, dt)
	sort.SliceStable(m.delayed, func(i, j int) bool {
		if m.delayed[i].due.Equal(m.delayed[j].due) {
			return m.delayed[i].seq < m.delayed[j].seq
		}
		return m.delayed[i].due.Before(m.delayed[j].due)
	})

	return func() {
		m.mu.Lock()
		dt.cancelled = true
		m.mu.Unlock()
	}
}

// Now возвращает виртуальное время
func (m *ManualRunner) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// RunUntilIdle выполняет все готовые задачи, включая поставленные во время выполнения
func (m *ManualRunner) RunUntilIdle() {
	for {
		m.mu.Lock()
		m.promoteDueLocked()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		task := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		task()
	}
}

// Advance продвигает виртуальное время на d, выполняя отложенные задачи в порядке
// их сроков. Время каждой задачи равно ее сроку.
func (m *ManualRunner) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.RunUntilIdle()

		m.mu.Lock()
		next := m.nextDueLocked()
		if next == nil || next.due.After(target) {
			m.now = target
			m.mu.Unlock()
			break
		}
		if next.due.After(m.now) {
			m.now = next.due
		}
		m.mu.Unlock()
	}
	m.RunUntilIdle()
}

// PendingDelayed возвращает число неотмененных отложенных задач
func (m *ManualRunner) PendingDelayed() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, dt := range m.delayed {
		if !dt.cancelled {
			n++
		}
	}
	return n
}

// promoteDueLocked переносит созревшие отложенные задачи в основную очередь
func (m *ManualRunner) promoteDueLocked() {
	kept := m.delayed[:0]
	for _, dt := range m.delayed {
		switch {
		case dt.cancelled:
		case !dt.due.After(m.now):
			m.queue = append(m.queue, dt.task)
		default:
			kept = append(kept, dt)
		}
	}
	for i := len(kept); i < len(m.delayed); i++ {
		m.delayed[i] = nil
	}
	m.delayed = kept
}

func (m *ManualRunner) nextDueLocked() *delayedTask {
	for _, dt := range m.delayed {
		if !dt.cancelled {
			return dt
		}
	}
	return nil
}
