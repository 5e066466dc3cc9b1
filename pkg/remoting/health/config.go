// Package health отслеживает качество удаленного воспроизведения.
//
// Компоненты:
//   - PlaybackTimeTracker: сравнивает прогресс медиа времени с настенными часами
//   - FrameHealthTracker: контролирует долю отброшенных видео кадров
//   - DataRateSampler: периодически оценивает пропускную способность потоков
//
// Трекеры работают на скользящем окне и не собирают данные в период стабилизации
// после старта, перемотки, смены скорости и завершения flush.
package health

import (
	"fmt"
	"time"
)

// Config пороги и окна мониторинга
type Config struct {
	// TrackingWindow длина скользящего окна наблюдения
	TrackingWindow time.Duration

	// PlaybackDelayThreshold допустимое расхождение медиа времени и ожидаемого прогресса
	PlaybackDelayThreshold time.Duration

	// MaxDroppedFramesPercent допустимая доля отброшенных кадров в процентах
	MaxDroppedFramesPercent int

	// StabilizationPeriod время после сброса, в течение которого данные не собираются
	StabilizationPeriod time.Duration

	// DataFlowPollPeriod период опроса счетчиков байт адаптеров
	DataFlowPollPeriod time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		TrackingWindow:          3 * time.Second,
		PlaybackDelayThreshold:  450 * time.Millisecond,
		MaxDroppedFramesPercent: 3,
		StabilizationPeriod:     2 * time.Second,
		DataFlowPollPeriod:      10 * time.Second,
	}
}

// Validate заполняет незаданные поля значениями по умолчанию и проверяет корректность
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.TrackingWindow < 0 || c.PlaybackDelayThreshold < 0 || c.StabilizationPeriod < 0 ||
		c.DataFlowPollPeriod < 0 || c.MaxDroppedFramesPercent < 0 {
		return fmt.Errorf("отрицательные значения в конфигурации мониторинга: %+v", *c)
	}
	if c.MaxDroppedFramesPercent > 100 {
		return fmt.Errorf("MaxDroppedFramesPercent должен быть не больше 100, получено %d", c.MaxDroppedFramesPercent)
	}

	if c.TrackingWindow == 0 {
		c.TrackingWindow = def.TrackingWindow
	}
	if c.PlaybackDelayThreshold == 0 {
		c.PlaybackDelayThreshold = def.PlaybackDelayThreshold
	}
	if c.MaxDroppedFramesPercent == 0 {
		c.MaxDroppedFramesPercent = def.MaxDroppedFramesPercent
	}
	if c.StabilizationPeriod == 0 {
		c.StabilizationPeriod = def.StabilizationPeriod
	}
	if c.DataFlowPollPeriod == 0 {
		c.DataFlowPollPeriod = def.DataFlowPollPeriod
	}
	return nil
}
