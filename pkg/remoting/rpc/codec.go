package rpc

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed сообщение не удалось разобрать
var ErrMalformed = errors.New("rpc: malformed message")

// Номера полей сообщения в protobuf представлении
const (
	fieldHandle                 protowire.Number = 1
	fieldProc                   protowire.Number = 2
	fieldIntegerValue           protowire.Number = 3
	fieldInteger64Value         protowire.Number = 4
	fieldBooleanValue           protowire.Number = 5
	fieldDoubleValue            protowire.Number = 6
	fieldRendererInitialize     protowire.Number = 10
	fieldRendererFlushUntil     protowire.Number = 11
	fieldRendererSetCdm         protowire.Number = 12
	fieldTimeUpdate             protowire.Number = 20
	fieldBufferingStateChange   protowire.Number = 21
	fieldVideoNaturalSizeChange protowire.Number = 22
	fieldStatisticsUpdate       protowire.Number = 23
)

// Marshal кодирует сообщение в protobuf wire формат
func Marshal(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}

	b := appendInt(nil, fieldHandle, int64(msg.Handle))
	b = appendInt(b, fieldProc, int64(msg.Proc))

	switch p := msg.Payload.(type) {
	case nil:
	case IntegerValue:
		b = appendInt(b, fieldIntegerValue, int64(p.Value))
	case Integer64Value:
		b = appendInt(b, fieldInteger64Value, p.Value)
	case BooleanValue:
		b = protowire.AppendTag(b, fieldBooleanValue, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(p.Value))
	case DoubleValue:
		b = protowire.AppendTag(b, fieldDoubleValue, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(p.Value))
	case RendererInitialize:
		var sub []byte
		sub = appendInt(sub, 1, int64(p.ClientHandle))
		sub = appendInt(sub, 2, int64(p.AudioDemuxerHandle))
		sub = appendInt(sub, 3, int64(p.VideoDemuxerHandle))
		sub = appendInt(sub, 4, int64(p.CallbackHandle))
		b = appendMessage(b, fieldRendererInitialize, sub)
	case RendererFlushUntil:
		var sub []byte
		if p.AudioCount != nil {
			sub = appendInt(sub, 1, int64(*p.AudioCount))
		}
		if p.VideoCount != nil {
			sub = appendInt(sub, 2, int64(*p.VideoCount))
		}
		sub = appendInt(sub, 3, int64(p.CallbackHandle))
		b = appendMessage(b, fieldRendererFlushUntil, sub)
	case RendererSetCdm:
		var sub []byte
		sub = appendInt(sub, 1, int64(p.CdmID))
		sub = appendInt(sub, 2, int64(p.CallbackHandle))
		b = appendMessage(b, fieldRendererSetCdm, sub)
	case TimeUpdate:
		var sub []byte
		sub = appendInt(sub, 1, p.TimeUsec)
		sub = appendInt(sub, 2, p.MaxTimeUsec)
		b = appendMessage(b, fieldTimeUpdate, sub)
	case BufferingStateChange:
		b = appendMessage(b, fieldBufferingStateChange, appendInt(nil, 1, int64(p.State)))
	case VideoNaturalSizeChange:
		var sub []byte
		sub = appendInt(sub, 1, int64(p.Width))
		sub = appendInt(sub, 2, int64(p.Height))
		b = appendMessage(b, fieldVideoNaturalSizeChange, sub)
	case StatisticsUpdate:
		var sub []byte
		sub = appendUint(sub, 1, p.AudioBytesDecoded)
		sub = appendUint(sub, 2, p.VideoBytesDecoded)
		sub = appendUint(sub, 3, uint64(p.VideoFramesDecoded))
		sub = appendUint(sub, 4, uint64(p.VideoFramesDropped))
		sub = appendInt(sub, 5, p.AudioMemoryUsage)
		sub = appendInt(sub, 6, p.VideoMemoryUsage)
		b = appendMessage(b, fieldStatisticsUpdate, sub)
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", ErrMalformed, p)
	}
	return b, nil
}

// wireTypes ожидаемый wire тип известных полей верхнего уровня
var wireTypes = map[protowire.Number]protowire.Type{
	fieldHandle:                 protowire.VarintType,
	fieldProc:                   protowire.VarintType,
	fieldIntegerValue:           protowire.VarintType,
	fieldInteger64Value:         protowire.VarintType,
	fieldBooleanValue:           protowire.VarintType,
	fieldDoubleValue:            protowire.Fixed64Type,
	fieldRendererInitialize:     protowire.BytesType,
	fieldRendererFlushUntil:     protowire.BytesType,
	fieldRendererSetCdm:         protowire.BytesType,
	fieldTimeUpdate:             protowire.BytesType,
	fieldBufferingStateChange:   protowire.BytesType,
	fieldVideoNaturalSizeChange: protowire.BytesType,
	fieldStatisticsUpdate:       protowire.BytesType,
}

// Unmarshal разбирает сообщение. Неизвестные поля пропускаются, при нескольких
// нагрузках побеждает последняя. Известное поле с чужим wire типом дает ErrMalformed.
func Unmarshal(data []byte) (*Message, error) {
	msg := &Message{Handle: InvalidHandle}

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, value []byte, scalar uint64) error {
		if want, known := wireTypes[num]; known && typ != want {
			return fmt.Errorf("%w: field %d: wire type %d, want %d", ErrMalformed, num, typ, want)
		}

		switch num {
		case fieldHandle:
			msg.Handle = Handle(int32(scalar))
		case fieldProc:
			msg.Proc = Procedure(int32(scalar))
		case fieldIntegerValue:
			msg.Payload = IntegerValue{Value: int32(scalar)}
		case fieldInteger64Value:
			msg.Payload = Integer64Value{Value: int64(scalar)}
		case fieldBooleanValue:
			msg.Payload = BooleanValue{Value: protowire.DecodeBool(scalar)}
		case fieldDoubleValue:
			msg.Payload = DoubleValue{Value: math.Float64frombits(scalar)}
		case fieldRendererInitialize:
			p := RendererInitialize{
				ClientHandle:       InvalidHandle,
				AudioDemuxerHandle: InvalidHandle,
				VideoDemuxerHandle: InvalidHandle,
				CallbackHandle:     InvalidHandle,
			}
			err := walkVarints(value, 4, func(n protowire.Number, v uint64) {
				switch n {
				case 1:
					p.ClientHandle = Handle(int32(v))
				case 2:
					p.AudioDemuxerHandle = Handle(int32(v))
				case 3:
					p.VideoDemuxerHandle = Handle(int32(v))
				case 4:
					p.CallbackHandle = Handle(int32(v))
				}
			})
			if err != nil {
				return err
			}
			msg.Payload = p
		case fieldRendererFlushUntil:
			p := RendererFlushUntil{CallbackHandle: InvalidHandle}
			err := walkVarints(value, 3, func(n protowire.Number, v uint64) {
				switch n {
				case 1:
					p.AudioCount = Uint32(uint32(v))
				case 2:
					p.VideoCount = Uint32(uint32(v))
				case 3:
					p.CallbackHandle = Handle(int32(v))
				}
			})
			if err != nil {
				return err
			}
			msg.Payload = p
		case fieldRendererSetCdm:
			p := RendererSetCdm{CallbackHandle: InvalidHandle}
			err := walkVarints(value, 2, func(n protowire.Number, v uint64) {
				switch n {
				case 1:
					p.CdmID = int32(v)
				case 2:
					p.CallbackHandle = Handle(int32(v))
				}
			})
			if err != nil {
				return err
			}
			msg.Payload = p
		case fieldTimeUpdate:
			var p TimeUpdate
			err := walkVarints(value, 2, func(n protowire.Number, v uint64) {
				switch n {
				case 1:
					p.TimeUsec = int64(v)
				case 2:
					p.MaxTimeUsec = int64(v)
				}
			})
			if err != nil {
				return err
			}
			msg.Payload = p
		case fieldBufferingStateChange:
			var p BufferingStateChange
			err := walkVarints(value, 1, func(_ protowire.Number, v uint64) {
				p.State = BufferingState(int32(v))
			})
			if err != nil {
				return err
			}
			msg.Payload = p
		case fieldVideoNaturalSizeChange:
			var p VideoNaturalSizeChange
			err := walkVarints(value, 2, func(n protowire.Number, v uint64) {
				switch n {
				case 1:
					p.Width = int32(v)
				case 2:
					p.Height = int32(v)
				}
			})
			if err != nil {
				return err
			}
			msg.Payload = p
		case fieldStatisticsUpdate:
			var p StatisticsUpdate
			err := walkVarints(value, 6, func(n protowire.Number, v uint64) {
				switch n {
				case 1:
					p.AudioBytesDecoded = v
				case 2:
					p.VideoBytesDecoded = v
				case 3:
					p.VideoFramesDecoded = uint32(v)
				case 4:
					p.VideoFramesDropped = uint32(v)
				case 5:
					p.AudioMemoryUsage = int64(v)
				case 6:
					p.VideoMemoryUsage = int64(v)
				}
			})
			if err != nil {
				return err
			}
			msg.Payload = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// walkVarints перебирает поля вложенного сообщения, у которого поля 1..last
// кодируются как varint. Поля за пределами диапазона пропускаются.
func walkVarints(b []byte, last protowire.Number, fn func(num protowire.Number, v uint64)) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, _ []byte, v uint64) error {
		if num < 1 || num > last {
			return nil
		}
		if typ != protowire.VarintType {
			return fmt.Errorf("%w: nested field %d: wire type %d, want varint", ErrMalformed, num, typ)
		}
		fn(num, v)
		return nil
	})
}

// walkFields перебирает поля верхнего уровня. Для varint и fixed64 полей значение
// передается в scalar, для length-delimited в value.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte, scalar uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			value  []byte
			scalar uint64
		)
		switch typ {
		case protowire.VarintType:
			scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			scalar, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			value, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, value, scalar); err != nil {
			return err
		}
	}
	return nil
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}
