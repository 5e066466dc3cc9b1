package main

import (
	"context"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arzzra/media_remoting/pkg/remoting/receiver"
	"github.com/arzzra/media_remoting/pkg/remoting/renderer"
	"github.com/arzzra/media_remoting/pkg/remoting/rpc"
	"github.com/arzzra/media_remoting/pkg/remoting/stream"
)

// pipeController создает каналы данных на io.Pipe, читающую сторону
// которых обслуживает имитатор приемника.
type pipeController struct {
	ctx     context.Context
	group   *errgroup.Group
	sim     *receiver.Simulator
	handles func() rpc.Handle
	logger  *slog.Logger
	fatal   chan renderer.StopTrigger

	mu           sync.Mutex
	readers      []*io.PipeReader
	interstitial renderer.ShowInterstitialFunc
}

func newPipeController(ctx context.Context, group *errgroup.Group, sim *receiver.Simulator, handles func() rpc.Handle, logger *slog.Logger) *pipeController {
	return &pipeController{
		ctx:     ctx,
		group:   group,
		sim:     sim,
		handles: handles,
		logger:  logger.With("component", "controller"),
		fatal:   make(chan renderer.StopTrigger, 1),
	}
}

func (c *pipeController) StartDataPipe(audio, video bool, done func(audio, video renderer.DataPipe)) {
	var a, v renderer.DataPipe
	if audio {
		a = c.openPipe(stream.Audio)
	}
	if video {
		v = c.openPipe(stream.Video)
	}
	done(a, v)
}

func (c *pipeController) openPipe(mediaType stream.MediaType) renderer.DataPipe {
	pr, pw := io.Pipe()

	c.mu.Lock()
	c.readers = append(c.readers, pr)
	c.mu.Unlock()

	c.group.Go(func() error {
		return c.sim.ConsumeDataPipe(c.ctx, mediaType, pr)
	})
	c.logger.Info("data pipe started", "media", mediaType.String())
	return renderer.DataPipe{Writer: pw, SenderHandle: c.handles()}
}

func (c *pipeController) OnRendererFatalError(trigger renderer.StopTrigger) {
	c.logger.Error("remoting stopped", "trigger", trigger.String())
	select {
	case c.fatal <- trigger:
	default:
	}
}

func (c *pipeController) SetShowInterstitialCallback(cb renderer.ShowInterstitialFunc) {
	c.mu.Lock()
	c.interstitial = cb
	c.mu.Unlock()
}

func (c *pipeController) PaintInterstitial(background image.Image, canvas renderer.Size, kind renderer.InterstitialType) {
	c.logger.Info("paint interstitial",
		"kind", kind.String(),
		"width", canvas.Width,
		"height", canvas.Height,
		"has_background", background != nil)
}

// showInterstitial вызывает установленный рендерером обработчик
func (c *pipeController) showInterstitial(kind renderer.InterstitialType) {
	c.mu.Lock()
	cb := c.interstitial
	c.mu.Unlock()
	if cb != nil {
		cb(nil, renderer.DefaultCanvasSize, kind)
	}
}

// close закрывает читающие стороны каналов, завершая ConsumeDataPipe
func (c *pipeController) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pr := range c.readers {
		_ = pr.Close()
	}
	c.readers = nil
}

type syntheticProvider struct{}

func (syntheticProvider) GetStream(mediaType stream.MediaType) stream.DemuxerStream {
	if mediaType == stream.Audio {
		// 20 мс кадры Opus ~64 кбит/с
		return stream.NewSyntheticStream(mediaType, 160, 20*time.Millisecond, 0)
	}
	// ~1 Мбит/с при 30 кадрах в секунду
	return stream.NewSyntheticStream(mediaType, 4000, 33*time.Millisecond, 0)
}

// logClient печатает события воспроизведения
type logClient struct {
	logger *slog.Logger
	ended  chan struct{}
	once   sync.Once
}

func (c *logClient) OnEnded() {
	c.logger.Info("playback ended")
	c.once.Do(func() { close(c.ended) })
}

func (c *logClient) OnStatisticsUpdate(stats renderer.PipelineStatistics) {
	c.logger.Debug("statistics",
		"video_decoded", stats.VideoFramesDecoded,
		"video_dropped", stats.VideoFramesDropped,
		"audio_bytes", stats.AudioBytesDecoded)
}

func (c *logClient) OnBufferingStateChange(state renderer.BufferingState) {
	c.logger.Info("buffering state", "have_enough", state == renderer.BufferingHaveEnough)
}

func (c *logClient) OnWaitingForDecryptionKey() {
	c.logger.Warn("waiting for decryption key")
}

func (c *logClient) OnVideoNaturalSizeChange(size renderer.Size) {
	c.logger.Info("video size", "width", size.Width, "height", size.Height)
}

func (c *logClient) OnVideoOpacityChange(opaque bool) {
	c.logger.Info("video opacity", "opaque", opaque)
}

func (c *logClient) OnDurationChange(duration time.Duration) {
	c.logger.Info("duration", "duration", duration)
}
