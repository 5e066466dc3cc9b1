// Package rpc определяет модель сообщений remoting протокола и брокер,
// распределяющий сообщения между логическими объектами по handle.
package rpc

import "fmt"

// Handle идентифицирует адресуемый через RPC логический объект
// (рендерер, адаптер потока или ожидаемый колбэк)
type Handle int32

const (
	// InvalidHandle отсутствующий handle
	InvalidHandle Handle = -1
	// ReceiverHandle общеизвестный handle удаленного приемника
	ReceiverHandle Handle = 0
	// FirstHandle первый handle, выдаваемый брокером
	FirstHandle Handle = 100
)

// Valid сообщает является ли handle действительным
func (h Handle) Valid() bool {
	return h != InvalidHandle
}

// Procedure тип RPC сообщения
type Procedure int32

// Значения фиксированы, так как передаются по сети
const (
	ProcUnknown Procedure = 0

	ProcAcquireRenderer     Procedure = 1
	ProcAcquireRendererDone Procedure = 2

	ProcRendererInitialize         Procedure = 10
	ProcRendererInitializeCallback Procedure = 11
	ProcRendererFlushUntil         Procedure = 12
	ProcRendererFlushUntilCallback Procedure = 13
	ProcRendererStartPlayingFrom   Procedure = 14
	ProcRendererSetPlaybackRate    Procedure = 15
	ProcRendererSetVolume          Procedure = 16
	ProcRendererSetCdm             Procedure = 17
	ProcRendererSetCdmCallback     Procedure = 18

	ProcClientOnTimeUpdate              Procedure = 30
	ProcClientOnBufferingStateChange    Procedure = 31
	ProcClientOnEnded                   Procedure = 32
	ProcClientOnError                   Procedure = 33
	ProcClientOnVideoNaturalSizeChange  Procedure = 34
	ProcClientOnVideoOpacityChange      Procedure = 35
	ProcClientOnStatisticsUpdate        Procedure = 36
	ProcClientOnWaitingForDecryptionKey Procedure = 37
	ProcClientOnDurationChange          Procedure = 38
)

var procedureNames = map[Procedure]string{
	ProcAcquireRenderer:                 "ACQUIRE_RENDERER",
	ProcAcquireRendererDone:             "ACQUIRE_RENDERER_DONE",
	ProcRendererInitialize:              "R_INITIALIZE",
	ProcRendererInitializeCallback:      "R_INITIALIZE_CALLBACK",
	ProcRendererFlushUntil:              "R_FLUSHUNTIL",
	ProcRendererFlushUntilCallback:      "R_FLUSHUNTIL_CALLBACK",
	ProcRendererStartPlayingFrom:        "R_STARTPLAYINGFROM",
	ProcRendererSetPlaybackRate:         "R_SETPLAYBACKRATE",
	ProcRendererSetVolume:               "R_SETVOLUME",
	ProcRendererSetCdm:                  "R_SETCDM",
	ProcRendererSetCdmCallback:          "R_SETCDM_CALLBACK",
	ProcClientOnTimeUpdate:              "RC_ONTIMEUPDATE",
	ProcClientOnBufferingStateChange:    "RC_ONBUFFERINGSTATECHANGE",
	ProcClientOnEnded:                   "RC_ONENDED",
	ProcClientOnError:                   "RC_ONERROR",
	ProcClientOnVideoNaturalSizeChange:  "RC_ONVIDEONATURALSIZECHANGE",
	ProcClientOnVideoOpacityChange:      "RC_ONVIDEOOPACITYCHANGE",
	ProcClientOnStatisticsUpdate:        "RC_ONSTATISTICSUPDATE",
	ProcClientOnWaitingForDecryptionKey: "RC_ONWAITINGFORDECRYPTIONKEY",
	ProcClientOnDurationChange:          "RC_ONDURATIONCHANGE",
}

// String возвращает имя процедуры
func (p Procedure) String() string {
	if name, ok := procedureNames[p]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(p))
}

// Known сообщает входит ли процедура в протокол
func (p Procedure) Known() bool {
	_, ok := procedureNames[p]
	return ok
}

// BufferingState состояние буферизации на стороне приемника
type BufferingState int32

const (
	BufferingHaveNothing BufferingState = 0
	BufferingHaveEnough  BufferingState = 1
)

// Payload закрытый набор полезных нагрузок сообщения
type Payload interface {
	isPayload()
}

// IntegerValue скалярное int32 значение
type IntegerValue struct{ Value int32 }

// Integer64Value скалярное int64 значение (время в микросекундах)
type Integer64Value struct{ Value int64 }

// DoubleValue скалярное значение с плавающей точкой
type DoubleValue struct{ Value float64 }

// BooleanValue скалярное логическое значение
type BooleanValue struct{ Value bool }

// RendererInitialize параметры R_INITIALIZE
type RendererInitialize struct {
	ClientHandle       Handle
	AudioDemuxerHandle Handle
	VideoDemuxerHandle Handle
	CallbackHandle     Handle
}

// RendererFlushUntil параметры R_FLUSHUNTIL. Счетчик nil означает отсутствие потока.
type RendererFlushUntil struct {
	AudioCount     *uint32
	VideoCount     *uint32
	CallbackHandle Handle
}

// RendererSetCdm параметры R_SETCDM и R_SETCDM_CALLBACK
type RendererSetCdm struct {
	CdmID          int32
	CallbackHandle Handle
}

// TimeUpdate параметры RC_ONTIMEUPDATE
type TimeUpdate struct {
	TimeUsec    int64
	MaxTimeUsec int64
}

// BufferingStateChange параметры RC_ONBUFFERINGSTATECHANGE
type BufferingStateChange struct {
	State BufferingState
}

// VideoNaturalSizeChange параметры RC_ONVIDEONATURALSIZECHANGE
type VideoNaturalSizeChange struct {
	Width  int32
	Height int32
}

// StatisticsUpdate параметры RC_ONSTATISTICSUPDATE. Значения являются приращениями
// с момента предыдущего отчета.
type StatisticsUpdate struct {
	AudioBytesDecoded  uint64
	VideoBytesDecoded  uint64
	VideoFramesDecoded uint32
	VideoFramesDropped uint32
	AudioMemoryUsage   int64
	VideoMemoryUsage   int64
}

func (IntegerValue) isPayload()           {}
func (Integer64Value) isPayload()         {}
func (DoubleValue) isPayload()            {}
func (BooleanValue) isPayload()           {}
func (RendererInitialize) isPayload()     {}
func (RendererFlushUntil) isPayload()     {}
func (RendererSetCdm) isPayload()         {}
func (TimeUpdate) isPayload()             {}
func (BufferingStateChange) isPayload()   {}
func (VideoNaturalSizeChange) isPayload() {}
func (StatisticsUpdate) isPayload()       {}

// Message RPC сообщение
type Message struct {
	Handle  Handle
	Proc    Procedure
	Payload Payload
}

// String краткое описание для логов
func (m *Message) String() string {
	return fmt.Sprintf("%s -> %d %+v", m.Proc, m.Handle, m.Payload)
}

// Integer возвращает int32 значение, по умолчанию 0
func (m *Message) Integer() int32 {
	if v, ok := m.Payload.(IntegerValue); ok {
		return v.Value
	}
	return 0
}

// Integer64 возвращает int64 значение, по умолчанию 0
func (m *Message) Integer64() int64 {
	if v, ok := m.Payload.(Integer64Value); ok {
		return v.Value
	}
	return 0
}

// Double возвращает значение с плавающей точкой, по умолчанию 0
func (m *Message) Double() float64 {
	if v, ok := m.Payload.(DoubleValue); ok {
		return v.Value
	}
	return 0
}

// Boolean возвращает логическое значение, по умолчанию false
func (m *Message) Boolean() bool {
	if v, ok := m.Payload.(BooleanValue); ok {
		return v.Value
	}
	return false
}

// PayloadAs извлекает структурированную нагрузку нужного типа
func PayloadAs[T Payload](m *Message) (T, bool) {
	v, ok := m.Payload.(T)
	return v, ok
}

// Uint32 возвращает указатель на копию v, для опциональных полей
func Uint32(v uint32) *uint32 {
	return &v
}
