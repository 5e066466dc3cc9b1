package health

import (
	"log/slog"
	"math"
	"time"

	"github.com/arzzra/media_remoting/pkg/remoting/taskrunner"
)

// bytesPerKilobit 1024 бит / 8
const bytesPerKilobit = 1024 / 8

// ByteCounter источник счетчика записанных байт
type ByteCounter interface {
	BytesWrittenAndReset() uint64
}

// RateSink получатель оценок скорости потоков в кбит/с
type RateSink interface {
	OnAudioRateEstimate(kbps int)
	OnVideoRateEstimate(kbps int)
}

// DataRateSampler периодически опрашивает счетчики байт адаптеров и оценивает
// устойчивую скорость передачи.
//
// Первый тик после Restart отбрасывается: в этот период приемник заполняет
// буфер с повышенной скоростью. Методы вызываются только из контекста runner.
type DataRateSampler struct {
	config Config
	runner taskrunner.TaskRunner
	timer  *taskrunner.RepeatingTimer
	sink   RateSink

	audio ByteCounter
	video ByteCounter

	lastTick  time.Time
	warmingUp bool

	logger *slog.Logger
}

// NewDataRateSampler создает остановленный сэмплер
func NewDataRateSampler(config Config, runner taskrunner.TaskRunner, sink RateSink, logger *slog.Logger) *DataRateSampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataRateSampler{
		config: config,
		runner: runner,
		timer:  taskrunner.NewRepeatingTimer(runner),
		sink:   sink,
		logger: logger.With("component", "data_rate_sampler"),
	}
}

// SetCounters задает опрашиваемые счетчики. nil означает отсутствие потока.
func (s *DataRateSampler) SetCounters(audio, video ByteCounter) {
	s.audio = audio
	s.video = video
}

// HasCounters сообщает есть ли хотя бы один счетчик
func (s *DataRateSampler) HasCounters() bool {
	return s.audio != nil || s.video != nil
}

// Restart (пере)запускает периодический опрос. Без счетчиков не делает ничего.
func (s *DataRateSampler) Restart() {
	if !s.HasCounters() {
		return
	}
	s.warmingUp = true
	s.lastTick = s.runner.Now()
	s.timer.Start(s.config.DataFlowPollPeriod, s.sample)
}

// Stop останавливает опрос
func (s *DataRateSampler) Stop() {
	s.timer.Stop()
}

// Running сообщает активен ли опрос
func (s *DataRateSampler) Running() bool {
	return s.timer.IsRunning()
}

// sample обрабатывает очередной тик
func (s *DataRateSampler) sample() {
	now := s.runner.Now()
	elapsed := now.Sub(s.lastTick)
	s.lastTick = now
	if elapsed <= 0 {
		elapsed = s.config.DataFlowPollPeriod
	}

	if s.warmingUp {
		s.warmingUp = false
		if s.audio != nil {
			s.audio.BytesWrittenAndReset()
		}
		if s.video != nil {
			s.video.BytesWrittenAndReset()
		}
		return
	}

	if s.audio != nil {
		kbps := estimateKbps(s.audio.BytesWrittenAndReset(), elapsed)
		s.logger.Debug("audio rate estimate", "kbps", kbps)
		if s.sink != nil {
			s.sink.OnAudioRateEstimate(kbps)
		}
	}
	if s.video != nil {
		kbps := estimateKbps(s.video.BytesWrittenAndReset(), elapsed)
		s.logger.Debug("video rate estimate", "kbps", kbps)
		if s.sink != nil {
			s.sink.OnVideoRateEstimate(kbps)
		}
	}
}

// estimateKbps переводит байты за интервал в кбит/с с насыщением до MaxInt32
func estimateKbps(bytes uint64, elapsed time.Duration) int {
	kbps := float64(bytes) / elapsed.Seconds() / bytesPerKilobit
	if kbps >= math.MaxInt32 || math.IsNaN(kbps) {
		return math.MaxInt32
	}
	return int(kbps)
}
