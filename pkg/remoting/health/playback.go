package health

import "time"

type playbackSample struct {
	at        time.Time
	mediaTime time.Duration
}

// PlaybackTimeTracker обнаруживает отставание или опережение медиа времени приемника
// относительно настенного времени, масштабированного скоростью воспроизведения.
//
// Используется только из контекста сессии.
type PlaybackTimeTracker struct {
	config      Config
	window      []playbackSample
	ignoreUntil time.Time
	onDegraded  func(mediaDelta, expectedDelta time.Duration)
}

// NewPlaybackTimeTracker создает трекер. onDegraded вызывается при каждом
// превышении порога.
func NewPlaybackTimeTracker(config Config, onDegraded func(mediaDelta, expectedDelta time.Duration)) *PlaybackTimeTracker {
	return &PlaybackTimeTracker{
		config:     config,
		onDegraded: onDegraded,
	}
}

// Reset очищает окно и начинает период стабилизации
func (t *PlaybackTimeTracker) Reset(now time.Time) {
	t.window = t.window[:0]
	t.ignoreUntil = now.Add(t.config.StabilizationPeriod)
}

// OnMediaTimeUpdated учитывает новое медиа время, сообщенное приемником
func (t *PlaybackTimeTracker) OnMediaTimeUpdated(now time.Time, mediaTime time.Duration, playbackRate float64, flushPending bool) {
	if flushPending {
		return
	}
	if now.Before(t.ignoreUntil) {
		return
	}

	t.window = append(t.window, playbackSample{at: now, mediaTime: mediaTime})
	if now.Sub(t.window[0].at) < t.config.TrackingWindow {
		return
	}

	front, back := t.window[0], t.window[len(t.window)-1]
	mediaDelta := back.mediaTime - front.mediaTime
	expectedDelta := time.Duration(float64(back.at.Sub(front.at)) * playbackRate)
	if diff := mediaDelta - expectedDelta; diff >= t.config.PlaybackDelayThreshold || -diff >= t.config.PlaybackDelayThreshold {
		if t.onDegraded != nil {
			t.onDegraded(mediaDelta, expectedDelta)
		}
	}

	t.prune()
}

// Len число отсчетов в окне
func (t *PlaybackTimeTracker) Len() int {
	return len(t.window)
}

// prune удаляет старые отсчеты, пока окно не станет короче TrackingWindow
func (t *PlaybackTimeTracker) prune() {
	back := t.window[len(t.window)-1]
	i := 0
	for i < len(t.window) && back.at.Sub(t.window[i].at) >= t.config.TrackingWindow {
		i++
	}
	t.window = append(t.window[:0], t.window[i:]...)
}
