package renderer

import (
	"image"
	"io"
	"time"

	"github.com/arzzra/media_remoting/pkg/remoting/rpc"
	"github.com/arzzra/media_remoting/pkg/remoting/stream"
)

// DataPipe канал данных для одного типа медиа, созданный контроллером
type DataPipe struct {
	// Writer потоковая запись в канал
	Writer io.Writer
	// SenderHandle handle отправителя на стороне приемника
	SenderHandle rpc.Handle
}

// Valid сообщает пригоден ли канал для адаптера
func (p DataPipe) Valid() bool {
	return p.Writer != nil && p.SenderHandle.Valid()
}

// Size размеры в пикселях
type Size struct {
	Width  int
	Height int
}

// IsEmpty сообщает нулевой ли размер
func (s Size) IsEmpty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// DefaultCanvasSize холст нейтральной заставки
var DefaultCanvasSize = Size{Width: 1280, Height: 720}

// InterstitialType вид заставки, показываемой вместо локального видео
type InterstitialType int

const (
	InterstitialBetweenSessions InterstitialType = iota
	InterstitialInSession
	InterstitialEncryptedMedia
)

func (t InterstitialType) String() string {
	switch t {
	case InterstitialBetweenSessions:
		return "between_sessions"
	case InterstitialInSession:
		return "in_session"
	case InterstitialEncryptedMedia:
		return "encrypted_media"
	default:
		return "unknown"
	}
}

// ShowInterstitialFunc запрос показа заставки. background nil сохраняет предыдущее изображение.
type ShowInterstitialFunc func(background image.Image, canvas Size, kind InterstitialType)

// Controller владелец сессии. Все методы вызываются в контексте владельца.
type Controller interface {
	// StartDataPipe создает каналы данных для запрошенных типов медиа и
	// вызывает done с результатом. Отсутствующий канал имеет нулевое значение.
	StartDataPipe(audio, video bool, done func(audio, video DataPipe))

	// OnRendererFatalError сессия не может продолжаться
	OnRendererFatalError(trigger StopTrigger)

	// SetShowInterstitialCallback устанавливает (nil снимает) обработчик показа заставки
	SetShowInterstitialCallback(cb ShowInterstitialFunc)

	// PaintInterstitial отрисовывает заставку
	PaintInterstitial(background image.Image, canvas Size, kind InterstitialType)
}

// Broker RPC канал владельца
type Broker interface {
	GetUniqueHandle() rpc.Handle
	RegisterMessageReceiver(handle rpc.Handle, receiver rpc.ReceiveFunc)
	UnregisterMessageReceiver(handle rpc.Handle)
	SendMessageToRemote(msg *rpc.Message)
}

// DemuxerStreamProvider источник потоков. GetStream возвращает nil при отсутствии типа.
type DemuxerStreamProvider interface {
	GetStream(mediaType stream.MediaType) stream.DemuxerStream
}

// BufferingState состояние буферизации, сообщаемое клиенту
type BufferingState int

const (
	BufferingHaveNothing BufferingState = iota
	BufferingHaveEnough
)

// PipelineStatistics приращения статистики воспроизведения на приемнике
type PipelineStatistics struct {
	AudioBytesDecoded  uint64
	VideoBytesDecoded  uint64
	VideoFramesDecoded uint32
	VideoFramesDropped uint32
	AudioMemoryUsage   int64
	VideoMemoryUsage   int64
}

// Client получатель событий воспроизведения. Вызывается в контексте сессии.
type Client interface {
	OnEnded()
	OnStatisticsUpdate(stats PipelineStatistics)
	OnBufferingStateChange(state BufferingState)
	OnWaitingForDecryptionKey()
	OnVideoNaturalSizeChange(size Size)
	OnVideoOpacityChange(opaque bool)
	OnDurationChange(duration time.Duration)
}

// StreamAdapter адаптер потока одного типа медиа
type StreamAdapter interface {
	// SignalFlush начинает или завершает flush, возвращая эпоху если она есть
	SignalFlush(flushing bool) (uint32, bool)
	// BytesWrittenAndReset байты, записанные в канал с прошлого вызова
	BytesWrittenAndReset() uint64
	// RPCHandle handle адаптера
	RPCHandle() rpc.Handle
}

// AdapterFactory создает адаптер для канала pipe, читающий сэмплы из src
type AdapterFactory func(mediaType stream.MediaType, pipe DataPipe, src stream.DemuxerStream, handle rpc.Handle) (StreamAdapter, error)

// InitCallback результат инициализации. nil означает успех.
type InitCallback func(err error)

// nopClient используется до Initialize и когда клиент не задан
type nopClient struct{}

func (nopClient) OnEnded()                              {}
func (nopClient) OnStatisticsUpdate(PipelineStatistics) {}
func (nopClient) OnBufferingStateChange(BufferingState) {}
func (nopClient) OnWaitingForDecryptionKey()            {}
func (nopClient) OnVideoNaturalSizeChange(Size)         {}
func (nopClient) OnVideoOpacityChange(bool)             {}
func (nopClient) OnDurationChange(time.Duration)        {}
