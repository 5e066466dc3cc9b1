// Package metrics экспортирует телеметрию remoting сессий в Prometheus.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config конфигурация телеметрии
type Config struct {
	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string

	// Registerer реестр метрик. nil означает prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Namespace: "media",
		Subsystem: "remoting",
	}
}

// Recorder собирает телеметрию remoting рендерера.
//
// Все методы потокобезопасны. Нулевой *Recorder допустим и ничего не делает.
type Recorder struct {
	renderersInitialized prometheus.Counter
	playoutEvidence      prometheus.Counter
	audioRate            prometheus.Histogram
	videoRate            prometheus.Histogram
	stopTriggers         *prometheus.CounterVec
	stateTransitions     *prometheus.CounterVec
	sessionsActive       prometheus.Gauge

	// Последние оценки для диагностики
	lastAudioKbps atomic.Int64
	lastVideoKbps atomic.Int64
	evidenceSeen  atomic.Bool
}

// NewRecorder создает и регистрирует метрики
func NewRecorder(config Config) *Recorder {
	if config.Namespace == "" && config.Subsystem == "" {
		def := DefaultConfig()
		config.Namespace, config.Subsystem = def.Namespace, def.Subsystem
	}
	reg := config.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	// Битрейты от 8 кбит/с до 64 Мбит/с
	rateBuckets := prometheus.ExponentialBuckets(8, 2, 14)

	return &Recorder{
		renderersInitialized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "renderers_initialized_total",
			Help:      "Total number of remote renderers that completed initialization",
		}),
		playoutEvidence: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "playout_evidence_total",
			Help:      "Number of receiver reports proving media is being played out",
		}),
		audioRate: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "audio_rate_kbps",
			Help:      "Sustained audio data rate sent to the receiver in kilobits per second",
			Buckets:   rateBuckets,
		}),
		videoRate: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "video_rate_kbps",
			Help:      "Sustained video data rate sent to the receiver in kilobits per second",
			Buckets:   rateBuckets,
		}),
		stopTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "stop_triggers_total",
			Help:      "Remoting sessions stopped by a fatal error, by reason",
		}, []string{"trigger"}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "state_transitions_total",
			Help:      "Remote renderer state transitions",
		}, []string{"from_state", "to_state"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "sessions_active",
			Help:      "Number of remote renderers currently alive",
		}),
	}
}

// OnRendererInitialized приемник подтвердил инициализацию
func (r *Recorder) OnRendererInitialized() {
	if r == nil {
		return
	}
	r.renderersInitialized.Inc()
}

// OnEvidenceOfPlayoutAtReceiver приемник сообщил о фактическом воспроизведении
func (r *Recorder) OnEvidenceOfPlayoutAtReceiver() {
	if r == nil {
		return
	}
	r.evidenceSeen.Store(true)
	r.playoutEvidence.Inc()
}

// OnAudioRateEstimate очередная оценка скорости аудио потока
func (r *Recorder) OnAudioRateEstimate(kbps int) {
	if r == nil {
		return
	}
	r.lastAudioKbps.Store(int64(kbps))
	r.audioRate.Observe(float64(kbps))
}

// OnVideoRateEstimate очередная оценка скорости видео потока
func (r *Recorder) OnVideoRateEstimate(kbps int) {
	if r == nil {
		return
	}
	r.lastVideoKbps.Store(int64(kbps))
	r.videoRate.Observe(float64(kbps))
}

// OnStopTrigger сессия остановлена по причине trigger
func (r *Recorder) OnStopTrigger(trigger string) {
	if r == nil {
		return
	}
	r.stopTriggers.WithLabelValues(trigger).Inc()
}

// OnStateTransition рендерер сменил состояние
func (r *Recorder) OnStateTransition(from, to string) {
	if r == nil {
		return
	}
	r.stateTransitions.WithLabelValues(from, to).Inc()
}

// OnSessionStarted рендерер создан
func (r *Recorder) OnSessionStarted() {
	if r == nil {
		return
	}
	r.sessionsActive.Inc()
}

// OnSessionEnded рендерер уничтожен
func (r *Recorder) OnSessionEnded() {
	if r == nil {
		return
	}
	r.sessionsActive.Dec()
}

// LastRates последние оценки скорости в кбит/с
func (r *Recorder) LastRates() (audioKbps, videoKbps int) {
	if r == nil {
		return 0, 0
	}
	return int(r.lastAudioKbps.Load()), int(r.lastVideoKbps.Load())
}

// PlayoutObserved сообщает поступало ли подтверждение воспроизведения
func (r *Recorder) PlayoutObserved() bool {
	return r != nil && r.evidenceSeen.Load()
}
