// Package stream реализует адаптер потока: отправку закодированных сэмплов
// одного типа медиа приемнику по каналу данных.
//
// Каждый сэмпл упаковывается в один или несколько RTP пакетов, которые пишутся
// в канал с 16-битным префиксом длины (RFC 4571), так как канал данных является
// потоковым. Адаптер поддерживает эпохи flush и счетчик записанных байт.
package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/media_remoting/pkg/remoting/rpc"
)

// MediaType тип медиа потока
type MediaType int

const (
	Audio MediaType = iota
	Video
)

func (t MediaType) String() string {
	switch t {
	case Audio:
		return "audio"
	case Video:
		return "video"
	default:
		return fmt.Sprintf("media(%d)", int(t))
	}
}

// maxFrameSize предел длины кадра с 16-битным префиксом
const maxFrameSize = 0xFFFF

// Config параметры RTP упаковки
type Config struct {
	// PayloadType тип нагрузки в RTP заголовке
	PayloadType uint8

	// ClockRate частота RTP часов в Гц
	ClockRate uint32

	// SSRC идентификатор источника. 0 означает случайное значение.
	SSRC uint32

	// MaxPayloadSize максимальный размер нагрузки одного пакета
	MaxPayloadSize int
}

// DefaultConfig возвращает конфигурацию по умолчанию для типа медиа
func DefaultConfig(mediaType MediaType) Config {
	if mediaType == Video {
		return Config{PayloadType: 96, ClockRate: 90000, MaxPayloadSize: 1200}
	}
	return Config{PayloadType: 97, ClockRate: 48000, MaxPayloadSize: 1200}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.PayloadType > 127 {
		return fmt.Errorf("недопустимый payload type: %d", c.PayloadType)
	}
	if c.ClockRate == 0 {
		return fmt.Errorf("частота RTP часов не задана")
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = 1200
	}
	if c.MaxPayloadSize+12 > maxFrameSize {
		return fmt.Errorf("MaxPayloadSize %d не помещается в кадр", c.MaxPayloadSize)
	}
	return nil
}

// Sample закодированный фрагмент медиа, прочитанный из демультиплексора
type Sample struct {
	Data      []byte
	Timestamp time.Duration
	KeyFrame  bool
}

// DemuxerStream источник сэмплов. Read возвращает io.EOF в конце потока.
type DemuxerStream interface {
	Type() MediaType
	Read(ctx context.Context) (Sample, error)
}

// ErrClosed адаптер закрыт
var ErrClosed = errors.New("stream adapter closed")

// Adapter отправляет сэмплы одного потока приемнику.
//
// SignalFlush и BytesWrittenAndReset вызываются из контекста сессии,
// WriteSample из горутины Pump. Все методы потокобезопасны. Запись в канал
// идет без mutex, поэтому остановившийся приемник не блокирует SignalFlush.
type Adapter struct {
	config    Config
	mediaType MediaType
	handle    rpc.Handle

	pipe io.Writer
	// writeMutex упорядочивает записи в канал, SignalFlush его не берет
	writeMutex sync.Mutex

	mutex    sync.Mutex
	seq      uint16
	flushing bool
	epoch    uint32
	closed   bool

	bytesWritten atomic.Uint64
	dropped      atomic.Uint64

	logger *slog.Logger
}

// NewAdapter создает адаптер поверх канала данных pipe.
// handle используется приемником для адресации RPC к адаптеру.
func NewAdapter(mediaType MediaType, pipe io.Writer, handle rpc.Handle, config Config, logger *slog.Logger) (*Adapter, error) {
	if pipe == nil {
		return nil, fmt.Errorf("канал данных %s не задан", mediaType)
	}
	if !handle.Valid() {
		return nil, fmt.Errorf("недействительный RPC handle для %s", mediaType)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("конфигурация адаптера %s: %w", mediaType, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.SSRC == 0 {
		config.SSRC = uint32(time.Now().UnixNano())
	}
	return &Adapter{
		config:    config,
		mediaType: mediaType,
		handle:    handle,
		pipe:      pipe,
		logger:    logger.With("component", "stream_adapter", "media", mediaType.String()),
	}, nil
}

// Type тип медиа адаптера
func (a *Adapter) Type() MediaType {
	return a.mediaType
}

// RPCHandle handle адаптера для RPC адресации
func (a *Adapter) RPCHandle() rpc.Handle {
	return a.handle
}

// SignalFlush начинает (true) или завершает (false) flush.
//
// При начале возвращает новую эпоху: приемник отбрасывает сэмплы до нее.
// Повторный сигнал с тем же значением ничего не меняет и возвращает false.
func (a *Adapter) SignalFlush(flushing bool) (uint32, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.closed || a.flushing == flushing {
		return 0, false
	}
	a.flushing = flushing
	if flushing {
		a.epoch++
	}
	a.logger.Debug("flush signalled", "flushing", flushing, "epoch", a.epoch)
	return a.epoch, true
}

// Flushing сообщает идет ли flush
func (a *Adapter) Flushing() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.flushing
}

// BytesWrittenAndReset возвращает число байт, записанных в канал с прошлого вызова
func (a *Adapter) BytesWrittenAndReset() uint64 {
	return a.bytesWritten.Swap(0)
}

// Dropped число сэмплов, отброшенных во время flush
func (a *Adapter) Dropped() uint64 {
	return a.dropped.Load()
}

// WriteSample упаковывает сэмпл в RTP пакеты и пишет их в канал.
// Во время flush сэмпл отбрасывается без ошибки.
func (a *Adapter) WriteSample(sample Sample) error {
	a.writeMutex.Lock()
	defer a.writeMutex.Unlock()

	frames, err := a.packetize(sample)
	if err != nil || frames == nil {
		return err
	}

	written, err := a.pipe.Write(frames)
	a.bytesWritten.Add(uint64(written))
	if err != nil {
		return fmt.Errorf("ошибка записи в канал %s: %w", a.mediaType, err)
	}
	return nil
}

// packetize под mutex проверяет состояние, выдает номера последовательности
// и возвращает кадры пакетов с префиксом длины. nil означает, что сэмпл отброшен.
func (a *Adapter) packetize(sample Sample) ([]byte, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	if a.flushing {
		a.dropped.Add(1)
		return nil, nil
	}

	timestamp := rtpTimestamp(sample.Timestamp, a.config.ClockRate)
	data := sample.Data
	frames := make([]byte, 0, len(data)+64)
	seq := a.seq
	for {
		n := len(data)
		if n > a.config.MaxPayloadSize {
			n = a.config.MaxPayloadSize
		}
		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         n == len(data),
				PayloadType:    a.config.PayloadType,
				SequenceNumber: seq,
				Timestamp:      timestamp,
				SSRC:           a.config.SSRC,
			},
			Payload: data[:n],
		}
		raw, err := packet.Marshal()
		if err != nil {
			return nil, fmt.Errorf("ошибка упаковки RTP пакета: %w", err)
		}
		frames = binary.BigEndian.AppendUint16(frames, uint16(len(raw)))
		frames = append(frames, raw...)
		seq++

		data = data[n:]
		if len(data) == 0 {
			break
		}
	}
	a.seq = seq
	return frames, nil
}

// rtpTimestamp переводит медиа время в такты clockRate по модулю 2^32
func rtpTimestamp(t time.Duration, clockRate uint32) uint32 {
	if t < 0 {
		t = 0
	}
	seconds := uint64(t / time.Second)
	rest := uint64(t % time.Second)
	ticks := seconds*uint64(clockRate) + rest*uint64(clockRate)/uint64(time.Second)
	return uint32(ticks)
}

// Pump читает сэмплы из src и отправляет их, пока поток не закончится,
// не отменится ctx или не произойдет ошибка записи. Конец потока не является ошибкой.
func (a *Adapter) Pump(ctx context.Context, src DemuxerStream) error {
	a.logger.Debug("pump started")
	defer a.logger.Debug("pump stopped")

	for {
		sample, err := src.Read(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := a.WriteSample(sample); err != nil {
			return err
		}
	}
}

// Close запрещает дальнейшую запись. Канал закрывается, если реализует io.Closer.
func (a *Adapter) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if c, ok := a.pipe.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ReadPacket читает из канала очередной RTP пакет с префиксом длины
func ReadPacket(r io.Reader) (*rtp.Packet, int, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, 0, err
	}
	raw := make([]byte, binary.BigEndian.Uint16(prefix[:]))
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, 0, fmt.Errorf("обрезанный RTP кадр: %w", err)
	}
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(raw); err != nil {
		return nil, 0, fmt.Errorf("ошибка разбора RTP пакета: %w", err)
	}
	return packet, len(raw) + 2, nil
}
