package renderer

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_remoting/pkg/remoting/metrics"
	"github.com/arzzra/media_remoting/pkg/remoting/rpc"
	"github.com/arzzra/media_remoting/pkg/remoting/stream"
	"github.com/arzzra/media_remoting/pkg/remoting/taskrunner"
)

const remoteHandle = rpc.Handle(7)

var epoch = time.Unix(1_700_000_000, 0)

type fakeAdapter struct {
	handle      rpc.Handle
	flushing    bool
	epoch       uint32
	refuseFlush bool
	signals     []bool
	bytes       uint64
	closed      bool
}

func (a *fakeAdapter) SignalFlush(flushing bool) (uint32, bool) {
	a.signals = append(a.signals, flushing)
	if a.refuseFlush || a.flushing == flushing {
		return 0, false
	}
	a.flushing = flushing
	if flushing {
		a.epoch++
	}
	return a.epoch, true
}

func (a *fakeAdapter) BytesWrittenAndReset() uint64 {
	b := a.bytes
	a.bytes = 0
	return b
}

func (a *fakeAdapter) RPCHandle() rpc.Handle { return a.handle }

func (a *fakeAdapter) Close() error {
	a.closed = true
	return nil
}

type fakeDemuxer struct{ mediaType stream.MediaType }

func (d fakeDemuxer) Type() stream.MediaType { return d.mediaType }

func (d fakeDemuxer) Read(context.Context) (stream.Sample, error) {
	return stream.Sample{}, io.EOF
}

type fakeProvider struct{ audio, video bool }

func (p fakeProvider) GetStream(t stream.MediaType) stream.DemuxerStream {
	if (t == stream.Audio && p.audio) || (t == stream.Video && p.video) {
		return fakeDemuxer{mediaType: t}
	}
	return nil
}

type paint struct {
	background image.Image
	canvas     Size
	kind       InterstitialType
}

type fakeController struct {
	noPipes          bool
	pipeRequests     int
	fatal            []StopTrigger
	paints           []paint
	showInterstitial ShowInterstitialFunc
}

func (c *fakeController) StartDataPipe(audio, video bool, done func(audio, video DataPipe)) {
	c.pipeRequests++
	var a, v DataPipe
	if !c.noPipes {
		if audio {
			a = DataPipe{Writer: io.Discard, SenderHandle: 1}
		}
		if video {
			v = DataPipe{Writer: io.Discard, SenderHandle: 2}
		}
	}
	done(a, v)
}

func (c *fakeController) OnRendererFatalError(trigger StopTrigger) {
	c.fatal = append(c.fatal, trigger)
}

func (c *fakeController) SetShowInterstitialCallback(cb ShowInterstitialFunc) {
	c.showInterstitial = cb
}

func (c *fakeController) PaintInterstitial(background image.Image, canvas Size, kind InterstitialType) {
	c.paints = append(c.paints, paint{background: background, canvas: canvas, kind: kind})
}

type fakeClient struct {
	ended     int
	waiting   int
	stats     []PipelineStatistics
	buffering []BufferingState
	sizes     []Size
	opacity   []bool
	durations []time.Duration
}

func (c *fakeClient) OnEnded()                                { c.ended++ }
func (c *fakeClient) OnStatisticsUpdate(s PipelineStatistics) { c.stats = append(c.stats, s) }
func (c *fakeClient) OnBufferingStateChange(s BufferingState) { c.buffering = append(c.buffering, s) }
func (c *fakeClient) OnWaitingForDecryptionKey()              { c.waiting++ }
func (c *fakeClient) OnVideoNaturalSizeChange(s Size)         { c.sizes = append(c.sizes, s) }
func (c *fakeClient) OnVideoOpacityChange(opaque bool)        { c.opacity = append(c.opacity, opaque) }
func (c *fakeClient) OnDurationChange(d time.Duration)        { c.durations = append(c.durations, d) }

type harness struct {
	t          *testing.T
	runner     *taskrunner.ManualRunner
	broker     *rpc.Broker
	controller *fakeController
	client     *fakeClient
	registry   *prometheus.Registry
	recorder   *metrics.Recorder
	renderer   *Renderer
	adapters   map[stream.MediaType]*fakeAdapter
	sent       []*rpc.Message
	initErrs   []error
	initDone   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		runner:     taskrunner.NewManualRunner(epoch),
		controller: &fakeController{},
		client:     &fakeClient{},
		registry:   prometheus.NewRegistry(),
		adapters:   make(map[stream.MediaType]*fakeAdapter),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.broker = rpc.NewBroker(func(msg *rpc.Message) { h.sent = append(h.sent, msg) }, logger)

	mcfg := metrics.DefaultConfig()
	mcfg.Registerer = h.registry
	h.recorder = metrics.NewRecorder(mcfg)

	cfg := DefaultConfig()
	cfg.Logger = logger
	cfg.Metrics = h.recorder
	cfg.AdapterFactory = func(mediaType stream.MediaType, pipe DataPipe, src stream.DemuxerStream, handle rpc.Handle) (StreamAdapter, error) {
		a := &fakeAdapter{handle: handle}
		h.adapters[mediaType] = a
		return a, nil
	}

	r, err := New(cfg, h.runner, h.runner, h.broker, h.controller)
	require.NoError(t, err)
	h.renderer = r
	h.runner.RunUntilIdle()
	return h
}

func (h *harness) initCallback(err error) {
	h.initDone++
	h.initErrs = append(h.initErrs, err)
}

// deliver имитирует сообщение от приемника
func (h *harness) deliver(proc rpc.Procedure, payload rpc.Payload) {
	h.broker.ProcessMessageFromRemote(&rpc.Message{Handle: h.renderer.LocalHandle(), Proc: proc, Payload: payload})
	h.runner.RunUntilIdle()
}

func (h *harness) lastSent() *rpc.Message {
	require.NotEmpty(h.t, h.sent)
	return h.sent[len(h.sent)-1]
}

func (h *harness) startInitialize(audio, video bool) {
	h.renderer.Initialize(fakeProvider{audio: audio, video: video}, h.client, h.initCallback)
	h.runner.RunUntilIdle()
}

// play проводит рендерер через полное рукопожатие до PLAYING
func (h *harness) play(audio, video bool) {
	h.startInitialize(audio, video)
	require.Equal(h.t, StateAcquiring, h.renderer.State())
	h.deliver(rpc.ProcAcquireRendererDone, rpc.IntegerValue{Value: int32(remoteHandle)})
	require.Equal(h.t, StateInitializing, h.renderer.State())
	h.deliver(rpc.ProcRendererInitializeCallback, rpc.BooleanValue{Value: true})
	require.Equal(h.t, StatePlaying, h.renderer.State())
	require.Equal(h.t, []error{nil}, h.initErrs)
	h.sent = nil
}

func TestInitializeHandshake(t *testing.T) {
	h := newHarness(t)
	local := h.renderer.LocalHandle()
	assert.GreaterOrEqual(t, int32(local), int32(rpc.FirstHandle))

	h.startInitialize(true, false)
	assert.Equal(t, 1, h.controller.pipeRequests)
	require.Len(t, h.sent, 1)
	acquire := h.sent[0]
	assert.Equal(t, rpc.ReceiverHandle, acquire.Handle)
	assert.Equal(t, rpc.ProcAcquireRenderer, acquire.Proc)
	assert.Equal(t, int32(local), acquire.Integer())

	h.deliver(rpc.ProcAcquireRendererDone, rpc.IntegerValue{Value: int32(remoteHandle)})
	initMsg := h.lastSent()
	assert.Equal(t, remoteHandle, initMsg.Handle)
	assert.Equal(t, rpc.ProcRendererInitialize, initMsg.Proc)
	payload, ok := rpc.PayloadAs[rpc.RendererInitialize](initMsg)
	require.True(t, ok)
	assert.Equal(t, local, payload.ClientHandle)
	assert.Equal(t, local, payload.CallbackHandle)
	assert.Equal(t, h.adapters[stream.Audio].handle, payload.AudioDemuxerHandle)
	assert.Equal(t, rpc.InvalidHandle, payload.VideoDemuxerHandle)
	assert.Zero(t, h.initDone)

	h.deliver(rpc.ProcRendererInitializeCallback, rpc.BooleanValue{Value: true})
	assert.Equal(t, StatePlaying, h.renderer.State())
	assert.Equal(t, []error{nil}, h.initErrs)
	assert.Empty(t, h.controller.fatal)

	err := testutil.GatherAndCompare(h.registry, strings.NewReader(`
# HELP media_remoting_renderers_initialized_total Total number of remote renderers that completed initialization
# TYPE media_remoting_renderers_initialized_total counter
media_remoting_renderers_initialized_total 1
`), "media_remoting_renderers_initialized_total")
	assert.NoError(t, err)
}

func TestInitializeTwiceReportsInvalidState(t *testing.T) {
	h := newHarness(t)
	h.startInitialize(true, true)

	var second error
	h.renderer.Initialize(fakeProvider{audio: true}, h.client, func(err error) { second = err })
	h.runner.RunUntilIdle()
	assert.ErrorIs(t, second, ErrInvalidState)

	// Первая инициализация продолжается как обычно
	assert.Equal(t, StateAcquiring, h.renderer.State())
	h.deliver(rpc.ProcAcquireRendererDone, rpc.IntegerValue{Value: int32(remoteHandle)})
	h.deliver(rpc.ProcRendererInitializeCallback, rpc.BooleanValue{Value: true})
	assert.Equal(t, []error{nil}, h.initErrs)
}

func TestNoDataPipeIsFatal(t *testing.T) {
	h := newHarness(t)
	h.controller.noPipes = true
	h.startInitialize(true, true)

	assert.Equal(t, StateError, h.renderer.State())
	assert.Equal(t, []StopTrigger{StopTriggerDataPipeCreateError}, h.controller.fatal)
	require.Len(t, h.initErrs, 1)
	assert.ErrorIs(t, h.initErrs[0], ErrInitializationFailed)
	assert.Empty(t, h.sent)
}

func TestNoStreamsIsFatal(t *testing.T) {
	h := newHarness(t)
	h.startInitialize(false, false)

	assert.Equal(t, []StopTrigger{StopTriggerDataPipeCreateError}, h.controller.fatal)
	assert.Empty(t, h.adapters)
}

func TestReceiverInitializeFailure(t *testing.T) {
	h := newHarness(t)
	h.startInitialize(true, true)
	h.deliver(rpc.ProcAcquireRendererDone, rpc.IntegerValue{Value: int32(remoteHandle)})
	h.deliver(rpc.ProcRendererInitializeCallback, rpc.BooleanValue{Value: false})

	assert.Equal(t, StateError, h.renderer.State())
	assert.Equal(t, []StopTrigger{StopTriggerReceiverInitializeFailed}, h.controller.fatal)
	require.Len(t, h.initErrs, 1)
	var remotingErr *RemotingError
	require.True(t, errors.As(h.initErrs[0], &remotingErr))
	assert.Equal(t, StopTriggerReceiverInitializeFailed, remotingErr.Trigger)
}

func TestCallbacksOutOfSequenceAreFatal(t *testing.T) {
	cases := []struct {
		name string
		proc rpc.Procedure
	}{
		{"acquire done", rpc.ProcAcquireRendererDone},
		{"initialize callback", rpc.ProcRendererInitializeCallback},
		{"flush callback", rpc.ProcRendererFlushUntilCallback},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.play(true, true)

			h.deliver(tc.proc, rpc.BooleanValue{Value: true})
			assert.Equal(t, StateError, h.renderer.State())
			assert.Equal(t, []StopTrigger{StopTriggerPeersOutOfSync}, h.controller.fatal)
		})
	}
}

func TestFlushRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.play(true, true)

	flushed := 0
	h.renderer.Flush(func() { flushed++ })
	h.runner.RunUntilIdle()

	assert.Equal(t, StateFlushing, h.renderer.State())
	require.Len(t, h.sent, 1)
	msg := h.sent[0]
	assert.Equal(t, rpc.ProcRendererFlushUntil, msg.Proc)
	assert.Equal(t, remoteHandle, msg.Handle)
	payload, ok := rpc.PayloadAs[rpc.RendererFlushUntil](msg)
	require.True(t, ok)
	require.NotNil(t, payload.AudioCount)
	require.NotNil(t, payload.VideoCount)
	assert.Equal(t, uint32(1), *payload.AudioCount)
	assert.Equal(t, uint32(1), *payload.VideoCount)
	assert.Equal(t, h.renderer.LocalHandle(), payload.CallbackHandle)

	// Второй flush во время ожидания отклоняется
	h.renderer.Flush(func() { flushed += 100 })
	h.runner.RunUntilIdle()
	assert.Len(t, h.sent, 1)

	h.deliver(rpc.ProcRendererFlushUntilCallback, nil)
	assert.Equal(t, StatePlaying, h.renderer.State())
	assert.Equal(t, 1, flushed)
	assert.Equal(t, []bool{true, false}, h.adapters[stream.Audio].signals)
	assert.Equal(t, []bool{true, false}, h.adapters[stream.Video].signals)

	// Повторный ответ уже не ожидается
	h.deliver(rpc.ProcRendererFlushUntilCallback, nil)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, []StopTrigger{StopTriggerPeersOutOfSync}, h.controller.fatal)
}

func TestFlushOutsidePlaying(t *testing.T) {
	h := newHarness(t)

	flushed := 0
	h.renderer.Flush(func() { flushed++ })
	h.runner.RunUntilIdle()
	assert.Equal(t, StateUninitialized, h.renderer.State())
	assert.Zero(t, flushed)

	h.startInitialize(true, true)
	h.sent = nil
	h.renderer.Flush(func() { flushed++ })
	h.runner.RunUntilIdle()
	assert.Equal(t, StateAcquiring, h.renderer.State())
	assert.Empty(t, h.sent)
	assert.Zero(t, flushed)

	h.deliver(rpc.ProcClientOnError, nil)
	require.Equal(t, StateError, h.renderer.State())
	h.renderer.Flush(func() { flushed++ })
	h.runner.RunUntilIdle()
	assert.Equal(t, 1, flushed)
	assert.Empty(t, h.sent)
}

func TestFlushAbandonedWhenAdapterHasNoEpoch(t *testing.T) {
	h := newHarness(t)
	h.play(true, true)
	h.adapters[stream.Video].refuseFlush = true

	flushed := 0
	h.renderer.Flush(func() { flushed++ })
	h.runner.RunUntilIdle()

	assert.Equal(t, StatePlaying, h.renderer.State())
	assert.Empty(t, h.sent)
	assert.Zero(t, flushed)
	assert.Empty(t, h.controller.fatal)
	assert.False(t, h.adapters[stream.Audio].flushing)

	// Следующий flush возможен
	h.adapters[stream.Video].refuseFlush = false
	h.renderer.Flush(func() { flushed++ })
	h.runner.RunUntilIdle()
	assert.Equal(t, StateFlushing, h.renderer.State())
}

func TestFlushWithSingleStream(t *testing.T) {
	h := newHarness(t)
	h.play(false, true)

	h.renderer.Flush(func() {})
	h.runner.RunUntilIdle()
	payload, ok := rpc.PayloadAs[rpc.RendererFlushUntil](h.lastSent())
	require.True(t, ok)
	assert.Nil(t, payload.AudioCount)
	require.NotNil(t, payload.VideoCount)
}

func TestFatalErrorIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.play(true, true)

	flushed := 0
	h.renderer.Flush(func() { flushed++ })
	h.runner.RunUntilIdle()
	require.Equal(t, StateFlushing, h.renderer.State())

	h.runner.PostTask(func() {
		h.renderer.onFatalError(StopTriggerReceiverPipelineError)
		h.renderer.onFatalError(StopTriggerRPCInvalid)
	})
	h.runner.RunUntilIdle()

	assert.Equal(t, StateError, h.renderer.State())
	assert.Equal(t, []StopTrigger{StopTriggerReceiverPipelineError}, h.controller.fatal)
	assert.Equal(t, 1, flushed)

	err := testutil.GatherAndCompare(h.registry, strings.NewReader(`
# HELP media_remoting_stop_triggers_total Remoting sessions stopped by a fatal error, by reason
# TYPE media_remoting_stop_triggers_total counter
media_remoting_stop_triggers_total{trigger="RECEIVER_PIPELINE_ERROR"} 1
`), "media_remoting_stop_triggers_total")
	assert.NoError(t, err)
}

func TestFatalErrorResolvesPendingInit(t *testing.T) {
	h := newHarness(t)
	h.startInitialize(true, true)

	h.deliver(rpc.ProcClientOnTimeUpdate, nil)
	assert.Equal(t, []StopTrigger{StopTriggerRPCInvalid}, h.controller.fatal)
	require.Len(t, h.initErrs, 1)
	assert.ErrorIs(t, h.initErrs[0], ErrInitializationFailed)

	// Ответы приемника после ошибки не воскрешают сессию
	h.deliver(rpc.ProcAcquireRendererDone, rpc.IntegerValue{Value: int32(remoteHandle)})
	assert.Equal(t, StateError, h.renderer.State())
	assert.Len(t, h.initErrs, 1)
	assert.Len(t, h.controller.fatal, 1)
}

func TestTimeUpdateValidation(t *testing.T) {
	h := newHarness(t)
	h.play(true, true)

	h.deliver(rpc.ProcClientOnTimeUpdate, rpc.TimeUpdate{TimeUsec: 5_000_000, MaxTimeUsec: 10_000_000})
	assert.Equal(t, 5*time.Second, h.renderer.GetMediaTime())
	assert.True(t, h.recorder.PlayoutObserved())

	for _, bad := range []rpc.TimeUpdate{
		{TimeUsec: 11_000_000, MaxTimeUsec: 10_000_000},
		{TimeUsec: -1, MaxTimeUsec: 10_000_000},
		{TimeUsec: 1, MaxTimeUsec: -1},
	} {
		h.deliver(rpc.ProcClientOnTimeUpdate, bad)
		assert.Equal(t, 5*time.Second, h.renderer.GetMediaTime())
	}
	assert.Empty(t, h.controller.fatal)
}

func TestPacingTooSlowlyIsFatal(t *testing.T) {
	h := newHarness(t)
	h.play(true, true)

	h.renderer.StartPlayingFrom(10 * time.Second)
	h.runner.RunUntilIdle()
	h.runner.Advance(2 * time.Second)

	h.deliver(rpc.ProcClientOnTimeUpdate, rpc.TimeUpdate{TimeUsec: 10_000_000, MaxTimeUsec: 100_000_000})
	h.runner.Advance(3 * time.Second)
	h.deliver(rpc.ProcClientOnTimeUpdate, rpc.TimeUpdate{TimeUsec: 12_000_000, MaxTimeUsec: 100_000_000})

	assert.Equal(t, []StopTrigger{StopTriggerPacingTooSlowly}, h.controller.fatal)
}

func TestSmallPacingGapIsTolerated(t *testing.T) {
	h := newHarness(t)
	h.play(true, true)

	h.renderer.StartPlayingFrom(0)
	h.runner.RunUntilIdle()
	h.runner.Advance(2 * time.Second)

	h.deliver(rpc.ProcClientOnTimeUpdate, rpc.TimeUpdate{TimeUsec: 0, MaxTimeUsec: 100_000_000})
	h.runner.Advance(3 * time.Second)
	h.deliver(rpc.ProcClientOnTimeUpdate, rpc.TimeUpdate{TimeUsec: 2_800_000, MaxTimeUsec: 100_000_000})

	assert.Empty(t, h.controller.fatal)
	assert.Equal(t, StatePlaying, h.renderer.State())
}

func feedStats(h *harness, decoded, dropped uint32) {
	h.renderer.StartPlayingFrom(0)
	h.runner.RunUntilIdle()

	h.runner.Advance(time.Second)
	h.deliver(rpc.ProcClientOnStatisticsUpdate, rpc.StatisticsUpdate{VideoFramesDecoded: 100})
	h.runner.Advance(time.Second)
	for i := 0; i < 4; i++ {
		h.deliver(rpc.ProcClientOnStatisticsUpdate, rpc.StatisticsUpdate{
			VideoFramesDecoded: decoded,
			VideoFramesDropped: dropped,
		})
		h.runner.Advance(time.Second)
	}
}

func TestFrameDropRateHighIsFatal(t *testing.T) {
	h := newHarness(t)
	h.play(false, true)

	feedStats(h, 100, 4)
	assert.Equal(t, []StopTrigger{StopTriggerFrameDropRateHigh}, h.controller.fatal)
	assert.Len(t, h.client.stats, 5)
}

func TestAcceptableFrameDropRate(t *testing.T) {
	h := newHarness(t)
	h.play(false, true)

	feedStats(h, 100, 2)
	assert.Empty(t, h.controller.fatal)
}

func TestFlushSuppressesHealthChecks(t *testing.T) {
	h := newHarness(t)
	h.play(true, true)

	h.renderer.StartPlayingFrom(0)
	h.runner.RunUntilIdle()
	h.runner.Advance(2 * time.Second)
	h.renderer.Flush(func() {})
	h.runner.RunUntilIdle()

	h.deliver(rpc.ProcClientOnTimeUpdate, rpc.TimeUpdate{TimeUsec: 0, MaxTimeUsec: 100_000_000})
	h.runner.Advance(5 * time.Second)
	h.deliver(rpc.ProcClientOnTimeUpdate, rpc.TimeUpdate{TimeUsec: 0, MaxTimeUsec: 100_000_000})
	assert.Empty(t, h.controller.fatal)
}

func TestCommandsInPlaying(t *testing.T) {
	h := newHarness(t)

	// До инициализации команды игнорируются
	h.renderer.StartPlayingFrom(time.Second)
	h.renderer.SetPlaybackRate(2)
	h.renderer.SetVolume(0.5)
	h.runner.RunUntilIdle()
	assert.Empty(t, h.sent)

	h.play(true, true)
	h.renderer.StartPlayingFrom(1500 * time.Millisecond)
	h.renderer.SetPlaybackRate(2)
	h.renderer.SetVolume(0.5)
	h.runner.RunUntilIdle()

	require.Len(t, h.sent, 3)
	assert.Equal(t, rpc.ProcRendererStartPlayingFrom, h.sent[0].Proc)
	assert.Equal(t, int64(1_500_000), h.sent[0].Integer64())
	assert.Equal(t, rpc.ProcRendererSetPlaybackRate, h.sent[1].Proc)
	assert.Equal(t, 2.0, h.sent[1].Double())
	assert.Equal(t, rpc.ProcRendererSetVolume, h.sent[2].Proc)
	assert.Equal(t, 0.5, h.sent[2].Double())
	for _, msg := range h.sent {
		assert.Equal(t, remoteHandle, msg.Handle)
	}
	assert.Equal(t, 1500*time.Millisecond, h.renderer.GetMediaTime())

	// Во время flush скорость и громкость разрешены, перемотка нет
	h.renderer.Flush(func() {})
	h.runner.RunUntilIdle()
	h.sent = nil
	h.renderer.StartPlayingFrom(0)
	h.renderer.SetVolume(1)
	h.runner.RunUntilIdle()
	require.Len(t, h.sent, 1)
	assert.Equal(t, rpc.ProcRendererSetVolume, h.sent[0].Proc)
}

func TestClientEvents(t *testing.T) {
	h := newHarness(t)
	h.play(true, true)

	h.deliver(rpc.ProcClientOnBufferingStateChange, rpc.BufferingStateChange{State: rpc.BufferingHaveEnough})
	h.deliver(rpc.ProcClientOnBufferingStateChange, rpc.BufferingStateChange{State: 42})
	h.deliver(rpc.ProcClientOnVideoNaturalSizeChange, rpc.VideoNaturalSizeChange{Width: 1920, Height: 1080})
	h.deliver(rpc.ProcClientOnVideoNaturalSizeChange, rpc.VideoNaturalSizeChange{Width: 0, Height: 1080})
	h.deliver(rpc.ProcClientOnVideoOpacityChange, rpc.BooleanValue{Value: true})
	h.deliver(rpc.ProcClientOnDurationChange, rpc.Integer64Value{Value: 90_000_000})
	h.deliver(rpc.ProcClientOnDurationChange, rpc.Integer64Value{Value: -5})
	h.deliver(rpc.ProcClientOnWaitingForDecryptionKey, nil)
	h.deliver(rpc.ProcClientOnEnded, nil)
	h.deliver(rpc.ProcRendererSetCdmCallback, rpc.BooleanValue{Value: true})
	h.deliver(rpc.Procedure(999), nil)
	h.deliver(rpc.ProcRendererSetVolume, rpc.DoubleValue{Value: 1})

	assert.Equal(t, []BufferingState{BufferingHaveEnough}, h.client.buffering)
	assert.Equal(t, []Size{{Width: 1920, Height: 1080}}, h.client.sizes)
	assert.Equal(t, []bool{true}, h.client.opacity)
	assert.Equal(t, []time.Duration{90 * time.Second}, h.client.durations)
	assert.Equal(t, 1, h.client.waiting)
	assert.Equal(t, 1, h.client.ended)
	assert.Empty(t, h.controller.fatal)
	assert.Equal(t, StatePlaying, h.renderer.State())
}

func TestMissingPayloadsAreFatal(t *testing.T) {
	for _, proc := range []rpc.Procedure{
		rpc.ProcClientOnTimeUpdate,
		rpc.ProcClientOnBufferingStateChange,
		rpc.ProcClientOnVideoNaturalSizeChange,
		rpc.ProcClientOnStatisticsUpdate,
	} {
		t.Run(proc.String(), func(t *testing.T) {
			h := newHarness(t)
			h.play(true, true)
			h.deliver(proc, nil)
			assert.Equal(t, []StopTrigger{StopTriggerRPCInvalid}, h.controller.fatal)
		})
	}
}

func TestReceiverErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	h.play(true, true)
	h.deliver(rpc.ProcClientOnError, nil)

	assert.Equal(t, StateError, h.renderer.State())
	assert.Equal(t, []StopTrigger{StopTriggerReceiverPipelineError}, h.controller.fatal)
}

func TestDataRateSamplingReportsToMetrics(t *testing.T) {
	h := newHarness(t)
	h.play(true, true)

	h.renderer.StartPlayingFrom(0)
	h.runner.RunUntilIdle()

	audio, video := h.adapters[stream.Audio], h.adapters[stream.Video]
	audio.bytes, video.bytes = 1<<20, 1<<20
	h.runner.Advance(10 * time.Second)
	a, v := h.recorder.LastRates()
	assert.Zero(t, a)
	assert.Zero(t, v)

	audio.bytes, video.bytes = 160_000, 1_280_000
	h.runner.Advance(10 * time.Second)
	a, v = h.recorder.LastRates()
	assert.Equal(t, 125, a)
	assert.Equal(t, 1000, v)

	// После фатальной ошибки опрос остановлен
	h.deliver(rpc.ProcClientOnError, nil)
	assert.Zero(t, h.runner.PendingDelayed())
}

func TestInterstitialKeepsLastBackground(t *testing.T) {
	h := newHarness(t)
	require.NotNil(t, h.controller.showInterstitial)

	bg := image.NewRGBA(image.Rect(0, 0, 4, 4))
	h.controller.showInterstitial(bg, Size{Width: 640, Height: 360}, InterstitialInSession)
	h.runner.RunUntilIdle()
	h.controller.showInterstitial(nil, Size{}, InterstitialEncryptedMedia)
	h.runner.RunUntilIdle()

	require.Len(t, h.controller.paints, 2)
	assert.Same(t, bg, h.controller.paints[1].background)
	assert.Equal(t, Size{Width: 640, Height: 360}, h.controller.paints[1].canvas)
	assert.Equal(t, InterstitialEncryptedMedia, h.controller.paints[1].kind)
}

func TestSetCdmIsUnsupported(t *testing.T) {
	h := newHarness(t)
	result := true
	h.renderer.SetCdm(1, func(ok bool) { result = ok })
	h.runner.RunUntilIdle()
	assert.False(t, result)
}

func TestCloseTearsDown(t *testing.T) {
	h := newHarness(t)
	h.play(true, true)
	h.renderer.StartPlayingFrom(0)
	h.runner.RunUntilIdle()
	require.Positive(t, h.runner.PendingDelayed())

	h.renderer.Close()
	h.runner.RunUntilIdle()

	require.NotEmpty(t, h.controller.paints)
	last := h.controller.paints[len(h.controller.paints)-1]
	assert.Nil(t, last.background)
	assert.Equal(t, DefaultCanvasSize, last.canvas)
	assert.Equal(t, InterstitialBetweenSessions, last.kind)
	assert.Nil(t, h.controller.showInterstitial)
	assert.Zero(t, h.broker.Stats().Receivers)
	assert.True(t, h.adapters[stream.Audio].closed)
	assert.True(t, h.adapters[stream.Video].closed)
	assert.Zero(t, h.runner.PendingDelayed())

	// Вызовы после закрытия отбрасываются
	h.sent = nil
	flushed := false
	h.renderer.Flush(func() { flushed = true })
	h.deliver(rpc.ProcClientOnEnded, nil)
	assert.False(t, flushed)
	assert.Empty(t, h.sent)
	assert.Zero(t, h.client.ended)
}
