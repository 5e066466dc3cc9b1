// Package renderer реализует удаленный рендерер: клиентский конечный автомат,
// который передает воспроизведение удаленному приемнику, управляет им по RPC
// и следит за качеством воспроизведения.
//
// Рендерер работает в двух контекстах. Контекст владельца держит RPC брокер и
// контроллер и рисует заставки. Контекст сессии владеет автоматом, трекерами,
// сэмплером и адаптерами потоков. Публичные методы можно вызывать с любой
// горутины: они переносят работу в контекст сессии. Все вызовы между
// контекстами асинхронные и привязаны к WeakFactory рендерера, поэтому после
// Close они молча отбрасываются.
package renderer

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/media_remoting/pkg/remoting/health"
	"github.com/arzzra/media_remoting/pkg/remoting/metrics"
	"github.com/arzzra/media_remoting/pkg/remoting/rpc"
	"github.com/arzzra/media_remoting/pkg/remoting/stream"
	"github.com/arzzra/media_remoting/pkg/remoting/taskrunner"
)

// Renderer удаленный рендерер одной попытки воспроизведения
type Renderer struct {
	id     string
	config Config
	logger *slog.Logger

	owner taskrunner.TaskRunner
	media taskrunner.TaskRunner
	weak  *taskrunner.WeakFactory

	broker     Broker
	controller Controller
	metrics    *metrics.Recorder

	localHandle  rpc.Handle
	remoteHandle rpc.Handle

	// Поля ниже принадлежат контексту сессии
	state        *fsm.FSM
	provider     DemuxerStreamProvider
	client       Client
	initCB       InitCallback
	flushCB      func()
	playbackRate float64
	audio        StreamAdapter
	video        StreamAdapter
	handlers     map[rpc.Procedure]func(*rpc.Message)

	playbackTracker *health.PlaybackTimeTracker
	frameTracker    *health.FrameHealthTracker
	sampler         *health.DataRateSampler

	// Единственные поля, читаемые из других контекстов
	timeMutex        sync.Mutex
	currentMediaTime time.Duration
	currentMaxTime   time.Duration

	// Состояние заставки принадлежит контексту владельца
	interstitialBackground image.Image
	interstitialCanvas     Size
}

// New создает рендерер. owner контекст владельца (брокер, контроллер),
// media контекст сессии.
func New(config Config, owner, media taskrunner.TaskRunner, broker Broker, controller Controller) (*Renderer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	r := &Renderer{
		id:           uuid.NewString(),
		config:       config,
		owner:        owner,
		media:        media,
		weak:         taskrunner.NewWeakFactory(),
		broker:       broker,
		controller:   controller,
		metrics:      config.Metrics,
		localHandle:  broker.GetUniqueHandle(),
		remoteHandle: rpc.InvalidHandle,
		playbackRate: 1.0,
		client:       nopClient{},
	}
	r.logger = config.Logger.With("component", "remote_renderer", "renderer_id", r.id)
	r.state = newStateMachine(r.onStateTransition)
	r.handlers = r.buildHandlers()

	r.playbackTracker = health.NewPlaybackTimeTracker(config.Health, func(mediaDelta, expectedDelta time.Duration) {
		r.logger.Warn("media playback pacing too slowly",
			"media_delta", mediaDelta, "expected_delta", expectedDelta)
		r.onFatalError(StopTriggerPacingTooSlowly)
	})
	r.frameTracker = health.NewFrameHealthTracker(config.Health, func(decoded, dropped uint64) {
		r.logger.Warn("video frame drop rate too high",
			"frames_decoded", decoded, "frames_dropped", dropped)
		r.onFatalError(StopTriggerFrameDropRateHigh)
	})
	r.sampler = health.NewDataRateSampler(config.Health, media, r.metrics, r.logger)

	onMessage := taskrunner.Bind1(r.weak, media, r.onReceivedRPC)
	showInterstitial := r.bindShowInterstitial()
	owner.PostTask(func() {
		broker.RegisterMessageReceiver(r.localHandle, rpc.ReceiveFunc(onMessage))
		controller.SetShowInterstitialCallback(showInterstitial)
	})

	r.metrics.OnSessionStarted()
	r.logger.Debug("renderer created", "local_handle", r.localHandle)
	return r, nil
}

// ID идентификатор рендерера для журналов
func (r *Renderer) ID() string {
	return r.id
}

// LocalHandle handle, по которому приемник адресует сообщения рендереру
func (r *Renderer) LocalHandle() rpc.Handle {
	return r.localHandle
}

// State текущее состояние автомата. Потокобезопасен.
func (r *Renderer) State() State {
	return State(r.state.Current())
}

// GetMediaTime последнее медиа время, сообщенное приемником. Потокобезопасен.
func (r *Renderer) GetMediaTime() time.Duration {
	r.timeMutex.Lock()
	defer r.timeMutex.Unlock()
	return r.currentMediaTime
}

// Initialize запускает установку сессии: каналы данных, захват и инициализацию
// удаленного рендерера. cb вызывается ровно один раз в контексте сессии.
func (r *Renderer) Initialize(provider DemuxerStreamProvider, client Client, cb InitCallback) {
	r.onMedia(func() { r.initialize(provider, client, cb) })
}

// Flush сбрасывает буферизованные данные на приемнике
func (r *Renderer) Flush(cb func()) {
	r.onMedia(func() { r.flush(cb) })
}

// StartPlayingFrom начинает воспроизведение с позиции t
func (r *Renderer) StartPlayingFrom(t time.Duration) {
	r.onMedia(func() { r.startPlayingFrom(t) })
}

// SetPlaybackRate задает скорость воспроизведения
func (r *Renderer) SetPlaybackRate(rate float64) {
	r.onMedia(func() { r.setPlaybackRate(rate) })
}

// SetVolume задает громкость
func (r *Renderer) SetVolume(volume float64) {
	r.onMedia(func() { r.setVolume(volume) })
}

// SetCdm подключение CDM не поддерживается, cb всегда получает false
func (r *Renderer) SetCdm(cdmID int32, cb func(success bool)) {
	r.onMedia(func() {
		r.logger.Debug("SetCdm is not supported", "cdm_id", cdmID)
		cb(false)
	})
}

// Close уничтожает рендерер. Не ждет завершения: нейтральная заставка и
// отмена регистрации в брокере выполняются в контексте владельца позже.
func (r *Renderer) Close() {
	if !r.weak.Valid() {
		return
	}
	r.weak.Invalidate()

	r.media.PostTask(func() {
		r.sampler.Stop()
		for _, adapter := range []StreamAdapter{r.audio, r.video} {
			if c, ok := adapter.(io.Closer); ok {
				if err := c.Close(); err != nil {
					r.logger.Debug("adapter close failed", "error", err)
				}
			}
		}
	})
	r.owner.PostTask(func() {
		r.interstitialBackground = nil
		r.interstitialCanvas = DefaultCanvasSize
		r.controller.PaintInterstitial(nil, DefaultCanvasSize, InterstitialBetweenSessions)
		r.controller.SetShowInterstitialCallback(nil)
		r.broker.UnregisterMessageReceiver(r.localHandle)
	})

	r.metrics.OnSessionEnded()
	r.logger.Debug("renderer closed")
}

// onMedia выполняет fn в контексте сессии, если рендерер еще жив
func (r *Renderer) onMedia(fn func()) {
	taskrunner.Bind(r.weak, r.media, fn)()
}

// onOwner выполняет fn в контексте владельца, если рендерер еще жив
func (r *Renderer) onOwner(fn func()) {
	taskrunner.Bind(r.weak, r.owner, fn)()
}

func (r *Renderer) is(state State) bool {
	return r.state.Is(string(state))
}

// transition выполняет событие автомата
func (r *Renderer) transition(event string) bool {
	err := r.state.Event(context.Background(), event)
	if err == nil {
		return true
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return true
	}
	r.logger.Error("invalid state transition", "event", event, "state", r.state.Current(), "error", err)
	return false
}

func (r *Renderer) onStateTransition(from, to State) {
	r.logger.Info("state changed", "from", from.String(), "to", to.String())
	r.metrics.OnStateTransition(from.String(), to.String())
}

func (r *Renderer) sendRPC(msg *rpc.Message) {
	r.logger.Debug("sending RPC", "message", msg.String())
	broker := r.broker
	r.owner.PostTask(func() {
		broker.SendMessageToRemote(msg)
	})
}

func (r *Renderer) initialize(provider DemuxerStreamProvider, client Client, cb InitCallback) {
	if !r.is(StateUninitialized) {
		r.logger.Warn("initialize called twice", "state", r.state.Current())
		cb(ErrInvalidState)
		return
	}

	r.provider = provider
	if client != nil {
		r.client = client
	}
	r.initCB = cb
	r.transition(eventCreatePipe)

	hasAudio := provider.GetStream(stream.Audio) != nil
	hasVideo := provider.GetStream(stream.Video) != nil
	done := taskrunner.Bind2(r.weak, r.media, r.onDataPipeCreated)
	r.onOwner(func() {
		r.controller.StartDataPipe(hasAudio, hasVideo, done)
	})
}

func (r *Renderer) onDataPipeCreated(audioPipe, videoPipe DataPipe) {
	if r.is(StateError) {
		return
	}
	if !r.is(StateCreatePipe) {
		r.logger.Warn("unexpected data pipe", "state", r.state.Current())
		return
	}

	r.audio = r.createAdapter(stream.Audio, audioPipe)
	r.video = r.createAdapter(stream.Video, videoPipe)
	if r.audio == nil && r.video == nil {
		r.onFatalError(StopTriggerDataPipeCreateError)
		return
	}
	r.sampler.SetCounters(r.audio, r.video)

	r.transition(eventAcquire)
	r.sendRPC(&rpc.Message{
		Handle:  rpc.ReceiverHandle,
		Proc:    rpc.ProcAcquireRenderer,
		Payload: rpc.IntegerValue{Value: int32(r.localHandle)},
	})
}

func (r *Renderer) createAdapter(mediaType stream.MediaType, pipe DataPipe) StreamAdapter {
	src := r.provider.GetStream(mediaType)
	if src == nil {
		return nil
	}
	if !pipe.Valid() {
		r.logger.Warn("data pipe unavailable", "media", mediaType.String())
		return nil
	}
	handle := r.broker.GetUniqueHandle()
	adapter, err := r.config.AdapterFactory(mediaType, pipe, src, handle)
	if err != nil {
		r.logger.Warn("stream adapter failed", "media", mediaType.String(), "error", err)
		return nil
	}
	return adapter
}

func adapterHandle(adapter StreamAdapter) rpc.Handle {
	if adapter == nil {
		return rpc.InvalidHandle
	}
	return adapter.RPCHandle()
}

func (r *Renderer) flush(cb func()) {
	if r.is(StateError) {
		cb()
		return
	}
	if r.flushCB != nil {
		r.logger.Warn("flush already pending, request ignored")
		return
	}
	if !r.is(StatePlaying) {
		r.logger.Error("flush in unexpected state", "state", r.state.Current())
		return
	}

	var audioCount, videoCount *uint32
	if r.audio != nil {
		if n, ok := r.audio.SignalFlush(true); ok {
			audioCount = rpc.Uint32(n)
		}
	}
	if r.video != nil {
		if n, ok := r.video.SignalFlush(true); ok {
			videoCount = rpc.Uint32(n)
		}
	}
	if (r.audio != nil && audioCount == nil) || (r.video != nil && videoCount == nil) {
		r.logger.Info("ignoring flush request while adapters are flushing")
		if audioCount != nil {
			r.audio.SignalFlush(false)
		}
		if videoCount != nil {
			r.video.SignalFlush(false)
		}
		return
	}

	r.transition(eventFlush)
	r.flushCB = cb
	r.sendRPC(&rpc.Message{
		Handle: r.remoteHandle,
		Proc:   rpc.ProcRendererFlushUntil,
		Payload: rpc.RendererFlushUntil{
			AudioCount:     audioCount,
			VideoCount:     videoCount,
			CallbackHandle: r.localHandle,
		},
	})
}

func (r *Renderer) startPlayingFrom(t time.Duration) {
	if !r.is(StatePlaying) {
		r.logger.Debug("StartPlayingFrom ignored", "state", r.state.Current())
		return
	}
	r.sendRPC(&rpc.Message{
		Handle:  r.remoteHandle,
		Proc:    rpc.ProcRendererStartPlayingFrom,
		Payload: rpc.Integer64Value{Value: t.Microseconds()},
	})

	r.timeMutex.Lock()
	r.currentMediaTime = t
	r.timeMutex.Unlock()

	r.resetMeasurements()
}

func (r *Renderer) setPlaybackRate(rate float64) {
	if !r.is(StatePlaying) && !r.is(StateFlushing) {
		r.logger.Debug("SetPlaybackRate ignored", "state", r.state.Current())
		return
	}
	r.sendRPC(&rpc.Message{
		Handle:  r.remoteHandle,
		Proc:    rpc.ProcRendererSetPlaybackRate,
		Payload: rpc.DoubleValue{Value: rate},
	})
	r.playbackRate = rate
	r.resetMeasurements()
}

func (r *Renderer) setVolume(volume float64) {
	if !r.is(StatePlaying) && !r.is(StateFlushing) {
		r.logger.Debug("SetVolume ignored", "state", r.state.Current())
		return
	}
	r.sendRPC(&rpc.Message{
		Handle:  r.remoteHandle,
		Proc:    rpc.ProcRendererSetVolume,
		Payload: rpc.DoubleValue{Value: volume},
	})
}

// resetMeasurements начинает период стабилизации трекеров и перезапускает сэмплер
func (r *Renderer) resetMeasurements() {
	now := r.media.Now()
	r.playbackTracker.Reset(now)
	r.frameTracker.Reset(now)
	if !r.is(StateError) && r.sampler.HasCounters() {
		r.sampler.Restart()
	}
}

// onFatalError единственный путь фатальной ошибки. Контроллер уведомляется
// только при первом вызове, ожидающие колбэки разрешаются при каждом.
func (r *Renderer) onFatalError(trigger StopTrigger) {
	if !r.is(StateError) {
		r.logger.Error("fatal error", "trigger", trigger.String(), "state", r.state.Current())
		r.transition(eventFail)
		r.metrics.OnStopTrigger(trigger.String())
		r.onOwner(func() {
			r.controller.OnRendererFatalError(trigger)
		})
	}

	r.sampler.Stop()

	if r.initCB != nil {
		cb := r.initCB
		r.initCB = nil
		cb(newInitializationError(trigger))
		return
	}
	if r.flushCB != nil {
		cb := r.flushCB
		r.flushCB = nil
		cb()
	}
}

// bindShowInterstitial обработчик заставки для контроллера, привязанный к контексту владельца
func (r *Renderer) bindShowInterstitial() ShowInterstitialFunc {
	return func(background image.Image, canvas Size, kind InterstitialType) {
		r.onOwner(func() { r.updateInterstitial(background, canvas, kind) })
	}
}

// updateInterstitial обновляет состояние заставки и перерисовывает ее.
// Выполняется в контексте владельца.
func (r *Renderer) updateInterstitial(background image.Image, canvas Size, kind InterstitialType) {
	if background != nil {
		r.interstitialBackground = background
	}
	if !canvas.IsEmpty() {
		r.interstitialCanvas = canvas
	}
	if r.interstitialCanvas.IsEmpty() {
		r.interstitialCanvas = DefaultCanvasSize
	}
	r.controller.PaintInterstitial(r.interstitialBackground, r.interstitialCanvas, kind)
}
