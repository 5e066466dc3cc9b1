// Package receiver содержит имитатор удаленного приемника. Он отвечает на
// запросы рендерера по протоколу remoting, воспроизводит "медиа" в виртуальном
// или реальном времени и может изображать деградацию качества.
package receiver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/arzzra/media_remoting/pkg/remoting/rpc"
	"github.com/arzzra/media_remoting/pkg/remoting/stream"
	"github.com/arzzra/media_remoting/pkg/remoting/taskrunner"
)

// Config поведение имитатора
type Config struct {
	// TimeUpdateInterval период RC_ONTIMEUPDATE
	TimeUpdateInterval time.Duration

	// StatsInterval период RC_ONSTATISTICSUPDATE
	StatsInterval time.Duration

	// FrameRate декодируемых кадров в секунду
	FrameRate uint32

	// DropPercent доля отбрасываемых кадров
	DropPercent uint32

	// PacingFactor отношение скорости продвижения медиа времени к заказанной.
	// 1 означает нормальное воспроизведение.
	PacingFactor float64

	// Duration длительность медиа. 0 означает бесконечный поток.
	Duration time.Duration

	// FailInitialize отвечать на R_INITIALIZE неудачей
	FailInitialize bool

	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию здорового приемника
func DefaultConfig() Config {
	return Config{
		TimeUpdateInterval: 250 * time.Millisecond,
		StatsInterval:      time.Second,
		FrameRate:          30,
		PacingFactor:       1.0,
	}
}

// Validate заполняет значения по умолчанию
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.TimeUpdateInterval <= 0 {
		c.TimeUpdateInterval = def.TimeUpdateInterval
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = def.StatsInterval
	}
	if c.PacingFactor < 0 {
		return errors.New("PacingFactor не может быть отрицательным")
	}
	if c.DropPercent > 100 {
		return errors.New("DropPercent больше 100")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Stats счетчики имитатора
type Stats struct {
	Flushes      int
	LastAudioSeq *uint32
	LastVideoSeq *uint32
	Volume       float64
	PlaybackRate float64
	Playing      bool
	MediaTime    time.Duration
	AudioBytes   uint64
	VideoBytes   uint64
	AudioPackets uint64
	VideoPackets uint64
}

// Simulator удаленный приемник поверх собственного брокера.
// Все обработчики выполняются в контексте runner.
type Simulator struct {
	config Config
	broker *rpc.Broker
	runner taskrunner.TaskRunner
	logger *slog.Logger

	rendererHandle rpc.Handle
	clientHandle   rpc.Handle

	playing   bool
	rate      float64
	volume    float64
	mediaTime time.Duration
	lastTick  time.Time
	ended     bool
	flushes   int
	lastFlush rpc.RendererFlushUntil

	timeTimer  *taskrunner.RepeatingTimer
	statsTimer *taskrunner.RepeatingTimer

	// Счетчики каналов данных пишутся горутинами ConsumeDataPipe
	audioBytes    atomic.Uint64
	videoBytes    atomic.Uint64
	audioPackets  atomic.Uint64
	videoPackets  atomic.Uint64
	reportedAudio uint64
}

// New создает имитатор и регистрирует его на общеизвестном handle брокера
func New(config Config, broker *rpc.Broker, runner taskrunner.TaskRunner) (*Simulator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Simulator{
		config:         config,
		broker:         broker,
		runner:         runner,
		logger:         config.Logger.With("component", "receiver_simulator"),
		rendererHandle: broker.GetUniqueHandle(),
		clientHandle:   rpc.InvalidHandle,
		rate:           1.0,
		volume:         1.0,
		timeTimer:      taskrunner.NewRepeatingTimer(runner),
		statsTimer:     taskrunner.NewRepeatingTimer(runner),
	}
	broker.RegisterMessageReceiver(rpc.ReceiverHandle, s.post)
	broker.RegisterMessageReceiver(s.rendererHandle, s.post)
	return s, nil
}

// Close останавливает таймеры и снимает регистрацию
func (s *Simulator) Close() {
	s.broker.UnregisterMessageReceiver(rpc.ReceiverHandle)
	s.broker.UnregisterMessageReceiver(s.rendererHandle)
	s.runner.PostTask(func() {
		s.timeTimer.Stop()
		s.statsTimer.Stop()
	})
}

// RendererHandle handle удаленного рендерера
func (s *Simulator) RendererHandle() rpc.Handle {
	return s.rendererHandle
}

// Stats снимок состояния. Вызывается из контекста runner.
func (s *Simulator) Stats() Stats {
	return Stats{
		Flushes:      s.flushes,
		LastAudioSeq: s.lastFlush.AudioCount,
		LastVideoSeq: s.lastFlush.VideoCount,
		Volume:       s.volume,
		PlaybackRate: s.rate,
		Playing:      s.playing,
		MediaTime:    s.mediaTime,
		AudioBytes:   s.audioBytes.Load(),
		VideoBytes:   s.videoBytes.Load(),
		AudioPackets: s.audioPackets.Load(),
		VideoPackets: s.videoPackets.Load(),
	}
}

// InjectError сообщает клиенту об ошибке конвейера приемника
func (s *Simulator) InjectError() {
	s.runner.PostTask(func() {
		s.sendToClient(rpc.ProcClientOnError, nil)
	})
}

// ConsumeDataPipe читает RTP кадры из канала данных до конца потока или отмены ctx
func (s *Simulator) ConsumeDataPipe(ctx context.Context, mediaType stream.MediaType, pipe io.Reader) error {
	bytes, packets := &s.audioBytes, &s.audioPackets
	if mediaType == stream.Video {
		bytes, packets = &s.videoBytes, &s.videoPackets
	}
	for ctx.Err() == nil {
		_, n, err := stream.ReadPacket(pipe)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			return nil
		}
		if err != nil {
			return err
		}
		bytes.Add(uint64(n))
		packets.Add(1)
	}
	return ctx.Err()
}

func (s *Simulator) post(msg *rpc.Message) {
	s.runner.PostTask(func() { s.handle(msg) })
}

func (s *Simulator) send(handle rpc.Handle, proc rpc.Procedure, payload rpc.Payload) {
	s.broker.SendMessageToRemote(&rpc.Message{Handle: handle, Proc: proc, Payload: payload})
}

func (s *Simulator) sendToClient(proc rpc.Procedure, payload rpc.Payload) {
	if !s.clientHandle.Valid() {
		return
	}
	s.send(s.clientHandle, proc, payload)
}

func (s *Simulator) handle(msg *rpc.Message) {
	s.logger.Debug("receiver got RPC", "message", msg.String())

	switch msg.Proc {
	case rpc.ProcAcquireRenderer:
		s.send(rpc.Handle(msg.Integer()), rpc.ProcAcquireRendererDone, rpc.IntegerValue{Value: int32(s.rendererHandle)})

	case rpc.ProcRendererInitialize:
		req, ok := rpc.PayloadAs[rpc.RendererInitialize](msg)
		if !ok {
			s.logger.Warn("initialize without payload")
			return
		}
		s.clientHandle = req.ClientHandle
		s.send(req.CallbackHandle, rpc.ProcRendererInitializeCallback, rpc.BooleanValue{Value: !s.config.FailInitialize})
		if !s.config.FailInitialize && s.config.Duration > 0 {
			s.sendToClient(rpc.ProcClientOnDurationChange, rpc.Integer64Value{Value: s.config.Duration.Microseconds()})
		}

	case rpc.ProcRendererFlushUntil:
		flush, ok := rpc.PayloadAs[rpc.RendererFlushUntil](msg)
		if !ok {
			s.logger.Warn("flush without payload")
			return
		}
		s.advance()
		s.playing = false
		s.flushes++
		s.lastFlush = flush
		s.sendToClient(rpc.ProcClientOnBufferingStateChange, rpc.BufferingStateChange{State: rpc.BufferingHaveNothing})
		s.send(flush.CallbackHandle, rpc.ProcRendererFlushUntilCallback, nil)

	case rpc.ProcRendererStartPlayingFrom:
		s.mediaTime = time.Duration(msg.Integer64()) * time.Microsecond
		s.ended = false
		s.start()

	case rpc.ProcRendererSetPlaybackRate:
		s.advance()
		s.rate = msg.Double()

	case rpc.ProcRendererSetVolume:
		s.volume = msg.Double()

	case rpc.ProcRendererSetCdm:
		setCdm, _ := rpc.PayloadAs[rpc.RendererSetCdm](msg)
		s.send(setCdm.CallbackHandle, rpc.ProcRendererSetCdmCallback, rpc.BooleanValue{Value: false})

	default:
		s.logger.Warn("receiver ignores procedure", "procedure", msg.Proc.String())
	}
}

func (s *Simulator) start() {
	s.playing = true
	s.lastTick = s.runner.Now()
	s.sendToClient(rpc.ProcClientOnBufferingStateChange, rpc.BufferingStateChange{State: rpc.BufferingHaveEnough})
	s.timeTimer.Start(s.config.TimeUpdateInterval, s.onTimeTick)
	s.statsTimer.Start(s.config.StatsInterval, s.onStatsTick)
}

// advance продвигает медиа время до текущего момента
func (s *Simulator) advance() {
	now := s.runner.Now()
	if s.playing {
		elapsed := now.Sub(s.lastTick)
		s.mediaTime += time.Duration(float64(elapsed) * s.rate * s.config.PacingFactor)
		if s.config.Duration > 0 && s.mediaTime > s.config.Duration {
			s.mediaTime = s.config.Duration
		}
	}
	s.lastTick = now
}

func (s *Simulator) onTimeTick() {
	if !s.playing {
		return
	}
	s.advance()

	maxTime := s.config.Duration
	if maxTime == 0 {
		maxTime = s.mediaTime
	}
	s.sendToClient(rpc.ProcClientOnTimeUpdate, rpc.TimeUpdate{
		TimeUsec:    s.mediaTime.Microseconds(),
		MaxTimeUsec: maxTime.Microseconds(),
	})

	if s.config.Duration > 0 && s.mediaTime >= s.config.Duration && !s.ended {
		s.ended = true
		s.playing = false
		s.timeTimer.Stop()
		s.statsTimer.Stop()
		s.sendToClient(rpc.ProcClientOnEnded, nil)
	}
}

func (s *Simulator) onStatsTick() {
	if !s.playing {
		return
	}
	seconds := s.config.StatsInterval.Seconds()
	decoded := uint32(float64(s.config.FrameRate) * seconds * s.rate)
	dropped := decoded * s.config.DropPercent / 100

	audioBytes := s.audioBytes.Load()
	delta := audioBytes - s.reportedAudio
	s.reportedAudio = audioBytes

	s.sendToClient(rpc.ProcClientOnStatisticsUpdate, rpc.StatisticsUpdate{
		AudioBytesDecoded:  delta,
		VideoBytesDecoded:  uint64(decoded) * 1000,
		VideoFramesDecoded: decoded - dropped,
		VideoFramesDropped: dropped,
	})
}
