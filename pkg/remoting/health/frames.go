package health

import "time"

type frameSample struct {
	at      time.Time
	decoded uint64
	dropped uint64
}

// FrameHealthTracker обнаруживает устойчиво высокую долю отброшенных видео кадров.
//
// Суммы по окну поддерживаются инкрементально: прибавляются при вставке и
// вычитаются при вытеснении. Используется только из контекста сессии.
type FrameHealthTracker struct {
	config      Config
	window      []frameSample
	sumDecoded  uint64
	sumDropped  uint64
	collecting  bool
	ignoreUntil time.Time
	onDegraded  func(decoded, dropped uint64)
}

// NewFrameHealthTracker создает трекер
func NewFrameHealthTracker(config Config, onDegraded func(decoded, dropped uint64)) *FrameHealthTracker {
	return &FrameHealthTracker{
		config:     config,
		onDegraded: onDegraded,
	}
}

// Reset очищает окно и начинает период стабилизации
func (t *FrameHealthTracker) Reset(now time.Time) {
	t.window = t.window[:0]
	t.sumDecoded = 0
	t.sumDropped = 0
	t.collecting = false
	t.ignoreUntil = now.Add(t.config.StabilizationPeriod)
}

// OnStatistics учитывает приращения счетчиков кадров из очередного отчета
func (t *FrameHealthTracker) OnStatistics(now time.Time, framesDecoded, framesDropped uint32, flushPending bool) {
	if flushPending {
		return
	}

	// Первый отчет с декодированными кадрами после сброса содержит разогрев
	if !t.collecting {
		if framesDecoded > 0 {
			t.collecting = true
		}
		return
	}

	if now.Before(t.ignoreUntil) {
		return
	}

	t.window = append(t.window, frameSample{at: now, decoded: uint64(framesDecoded), dropped: uint64(framesDropped)})
	t.sumDecoded += uint64(framesDecoded)
	t.sumDropped += uint64(framesDropped)
	if now.Sub(t.window[0].at) < t.config.TrackingWindow {
		return
	}

	if t.sumDecoded > 0 && t.sumDropped*100 > t.sumDecoded*uint64(t.config.MaxDroppedFramesPercent) {
		if t.onDegraded != nil {
			t.onDegraded(t.sumDecoded, t.sumDropped)
		}
	}

	back := t.window[len(t.window)-1]
	i := 0
	for i < len(t.window) && back.at.Sub(t.window[i].at) >= t.config.TrackingWindow {
		t.sumDecoded -= t.window[i].decoded
		t.sumDropped -= t.window[i].dropped
		i++
	}
	t.window = append(t.window[:0], t.window[i:]...)
}

// Sums текущие суммы по окну
func (t *FrameHealthTracker) Sums() (decoded, dropped uint64) {
	return t.sumDecoded, t.sumDropped
}

// Collecting сообщает пропущен ли уже отчет разогрева
func (t *FrameHealthTracker) Collecting() bool {
	return t.collecting
}
