package renderer

import (
	"time"

	"github.com/arzzra/media_remoting/pkg/remoting/rpc"
)

// buildHandlers таблица обработчиков входящих процедур
func (r *Renderer) buildHandlers() map[rpc.Procedure]func(*rpc.Message) {
	return map[rpc.Procedure]func(*rpc.Message){
		rpc.ProcAcquireRendererDone:             r.acquireRendererDone,
		rpc.ProcRendererInitializeCallback:      r.initializeCallback,
		rpc.ProcRendererFlushUntilCallback:      r.flushUntilCallback,
		rpc.ProcRendererSetCdmCallback:          r.setCdmCallback,
		rpc.ProcClientOnTimeUpdate:              r.onTimeUpdate,
		rpc.ProcClientOnBufferingStateChange:    r.onBufferingStateChange,
		rpc.ProcClientOnEnded:                   r.onEnded,
		rpc.ProcClientOnError:                   r.onError,
		rpc.ProcClientOnVideoNaturalSizeChange:  r.onVideoNaturalSizeChange,
		rpc.ProcClientOnVideoOpacityChange:      r.onVideoOpacityChange,
		rpc.ProcClientOnStatisticsUpdate:        r.onStatisticsUpdate,
		rpc.ProcClientOnWaitingForDecryptionKey: r.onWaitingForDecryptionKey,
		rpc.ProcClientOnDurationChange:          r.onDurationChange,
	}
}

// onReceivedRPC разбирает входящее сообщение в контексте сессии
func (r *Renderer) onReceivedRPC(msg *rpc.Message) {
	if msg == nil {
		return
	}
	r.logger.Debug("received RPC", "message", msg.String())

	handler, ok := r.handlers[msg.Proc]
	switch {
	case ok:
		handler(msg)
	case !msg.Proc.Known():
		r.logger.Error("unknown RPC procedure, dropped", "procedure", int32(msg.Proc))
	default:
		r.logger.Error("unexpected RPC procedure, dropped", "procedure", msg.Proc.String())
	}
}

func (r *Renderer) acquireRendererDone(msg *rpc.Message) {
	if !r.is(StateAcquiring) || r.initCB == nil {
		r.logger.Warn("unexpected acquire renderer done", "state", r.state.Current())
		r.onFatalError(StopTriggerPeersOutOfSync)
		return
	}

	r.remoteHandle = rpc.Handle(msg.Integer())
	r.logger.Debug("renderer acquired", "remote_handle", r.remoteHandle)

	r.transition(eventInitialize)
	r.sendRPC(&rpc.Message{
		Handle: r.remoteHandle,
		Proc:   rpc.ProcRendererInitialize,
		Payload: rpc.RendererInitialize{
			ClientHandle:       r.localHandle,
			AudioDemuxerHandle: adapterHandle(r.audio),
			VideoDemuxerHandle: adapterHandle(r.video),
			CallbackHandle:     r.localHandle,
		},
	})
}

func (r *Renderer) initializeCallback(msg *rpc.Message) {
	if !r.is(StateInitializing) || r.initCB == nil {
		r.logger.Warn("unexpected initialize callback", "state", r.state.Current())
		r.onFatalError(StopTriggerPeersOutOfSync)
		return
	}
	if !msg.Boolean() {
		r.onFatalError(StopTriggerReceiverInitializeFailed)
		return
	}

	r.metrics.OnRendererInitialized()
	r.transition(eventPlay)
	cb := r.initCB
	r.initCB = nil
	cb(nil)
}

func (r *Renderer) flushUntilCallback(*rpc.Message) {
	if !r.is(StateFlushing) || r.flushCB == nil {
		r.logger.Warn("unexpected flush callback", "state", r.state.Current())
		r.onFatalError(StopTriggerPeersOutOfSync)
		return
	}

	r.transition(eventFlushDone)
	if r.audio != nil {
		r.audio.SignalFlush(false)
	}
	if r.video != nil {
		r.video.SignalFlush(false)
	}
	cb := r.flushCB
	r.flushCB = nil
	cb()

	r.resetMeasurements()
}

func (r *Renderer) setCdmCallback(msg *rpc.Message) {
	r.logger.Debug("SetCdm callback ignored", "message", msg.String())
}

func (r *Renderer) onTimeUpdate(msg *rpc.Message) {
	update, ok := rpc.PayloadAs[rpc.TimeUpdate](msg)
	if !ok {
		r.onFatalError(StopTriggerRPCInvalid)
		return
	}
	if update.TimeUsec < 0 || update.MaxTimeUsec < 0 || update.TimeUsec > update.MaxTimeUsec {
		r.logger.Debug("invalid media time dropped",
			"time_usec", update.TimeUsec, "max_time_usec", update.MaxTimeUsec)
		return
	}

	mediaTime := time.Duration(update.TimeUsec) * time.Microsecond
	r.timeMutex.Lock()
	r.currentMediaTime = mediaTime
	r.currentMaxTime = time.Duration(update.MaxTimeUsec) * time.Microsecond
	r.timeMutex.Unlock()

	r.metrics.OnEvidenceOfPlayoutAtReceiver()
	if !r.is(StateError) {
		r.playbackTracker.OnMediaTimeUpdated(r.media.Now(), mediaTime, r.playbackRate, r.flushCB != nil)
	}
}

func (r *Renderer) onBufferingStateChange(msg *rpc.Message) {
	change, ok := rpc.PayloadAs[rpc.BufferingStateChange](msg)
	if !ok {
		r.onFatalError(StopTriggerRPCInvalid)
		return
	}

	var state BufferingState
	switch change.State {
	case rpc.BufferingHaveNothing:
		state = BufferingHaveNothing
	case rpc.BufferingHaveEnough:
		state = BufferingHaveEnough
	default:
		r.logger.Debug("unknown buffering state dropped", "state", int32(change.State))
		return
	}
	r.client.OnBufferingStateChange(state)
}

func (r *Renderer) onEnded(*rpc.Message) {
	r.client.OnEnded()
}

func (r *Renderer) onError(*rpc.Message) {
	r.onFatalError(StopTriggerReceiverPipelineError)
}

func (r *Renderer) onVideoNaturalSizeChange(msg *rpc.Message) {
	change, ok := rpc.PayloadAs[rpc.VideoNaturalSizeChange](msg)
	if !ok {
		r.onFatalError(StopTriggerRPCInvalid)
		return
	}
	if change.Width <= 0 || change.Height <= 0 {
		r.logger.Debug("invalid natural size dropped", "width", change.Width, "height", change.Height)
		return
	}
	r.client.OnVideoNaturalSizeChange(Size{Width: int(change.Width), Height: int(change.Height)})
}

func (r *Renderer) onVideoOpacityChange(msg *rpc.Message) {
	r.client.OnVideoOpacityChange(msg.Boolean())
}

func (r *Renderer) onStatisticsUpdate(msg *rpc.Message) {
	update, ok := rpc.PayloadAs[rpc.StatisticsUpdate](msg)
	if !ok {
		r.onFatalError(StopTriggerRPCInvalid)
		return
	}

	stats := PipelineStatistics{
		AudioBytesDecoded:  update.AudioBytesDecoded,
		VideoBytesDecoded:  update.VideoBytesDecoded,
		VideoFramesDecoded: update.VideoFramesDecoded,
		VideoFramesDropped: update.VideoFramesDropped,
		AudioMemoryUsage:   update.AudioMemoryUsage,
		VideoMemoryUsage:   update.VideoMemoryUsage,
	}
	if stats.AudioBytesDecoded > 0 || stats.VideoFramesDecoded > 0 || stats.VideoFramesDropped > 0 {
		r.metrics.OnEvidenceOfPlayoutAtReceiver()
	}
	if !r.is(StateError) {
		r.frameTracker.OnStatistics(r.media.Now(), stats.VideoFramesDecoded, stats.VideoFramesDropped, r.flushCB != nil)
	}
	r.client.OnStatisticsUpdate(stats)
}

func (r *Renderer) onWaitingForDecryptionKey(*rpc.Message) {
	r.client.OnWaitingForDecryptionKey()
}

func (r *Renderer) onDurationChange(msg *rpc.Message) {
	usec := msg.Integer64()
	if usec < 0 {
		r.logger.Debug("negative duration dropped", "usec", usec)
		return
	}
	r.client.OnDurationChange(time.Duration(usec) * time.Microsecond)
}
