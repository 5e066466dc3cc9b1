package renderer

import "fmt"

// StopTrigger причина, по которой сессия перешла в состояние ошибки
type StopTrigger int

const (
	StopTriggerUnknown StopTrigger = iota
	// StopTriggerDataPipeCreateError не удалось создать ни одного канала данных
	StopTriggerDataPipeCreateError
	// StopTriggerPeersOutOfSync ответ приемника не соответствует ожидаемому шагу протокола
	StopTriggerPeersOutOfSync
	// StopTriggerReceiverInitializeFailed приемник не смог инициализировать рендерер
	StopTriggerReceiverInitializeFailed
	// StopTriggerReceiverPipelineError приемник сообщил об ошибке конвейера
	StopTriggerReceiverPipelineError
	// StopTriggerRPCInvalid сообщение без обязательной нагрузки
	StopTriggerRPCInvalid
	// StopTriggerPacingTooSlowly медиа время приемника не поспевает за настенным
	StopTriggerPacingTooSlowly
	// StopTriggerFrameDropRateHigh слишком большая доля отброшенных кадров
	StopTriggerFrameDropRateHigh
)

var stopTriggerNames = map[StopTrigger]string{
	StopTriggerUnknown:                  "UNKNOWN_STOP_TRIGGER",
	StopTriggerDataPipeCreateError:      "DATA_PIPE_CREATE_ERROR",
	StopTriggerPeersOutOfSync:           "PEERS_OUT_OF_SYNC",
	StopTriggerReceiverInitializeFailed: "RECEIVER_INITIALIZE_FAILED",
	StopTriggerReceiverPipelineError:    "RECEIVER_PIPELINE_ERROR",
	StopTriggerRPCInvalid:               "RPC_INVALID",
	StopTriggerPacingTooSlowly:          "PACING_TOO_SLOWLY",
	StopTriggerFrameDropRateHigh:        "FRAME_DROP_RATE_HIGH",
}

func (t StopTrigger) String() string {
	if name, ok := stopTriggerNames[t]; ok {
		return name
	}
	return fmt.Sprintf("STOP_TRIGGER(%d)", int(t))
}

// ErrorCode код ошибки рендерера
type ErrorCode int

const (
	ErrorCodeInvalidState ErrorCode = iota + 2000
	ErrorCodeInitializationFailed
	ErrorCodeConfig
)

// RemotingError ошибка удаленного рендерера
type RemotingError struct {
	Code    ErrorCode
	Message string
	Trigger StopTrigger
	Wrapped error
}

// Error реализует интерфейс error
func (e *RemotingError) Error() string {
	if e.Trigger != StopTriggerUnknown {
		return fmt.Sprintf("[remoting:%d] %s (%s)", e.Code, e.Message, e.Trigger)
	}
	return fmt.Sprintf("[remoting:%d] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку
func (e *RemotingError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *RemotingError) Is(target error) bool {
	if t, ok := target.(*RemotingError); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	// ErrInvalidState операция недопустима в текущем состоянии
	ErrInvalidState = &RemotingError{Code: ErrorCodeInvalidState, Message: "недопустимое состояние рендерера"}

	// ErrInitializationFailed инициализация прервана фатальной ошибкой
	ErrInitializationFailed = &RemotingError{Code: ErrorCodeInitializationFailed, Message: "инициализация не удалась"}
)

// newInitializationError ошибка инициализации с указанием причины
func newInitializationError(trigger StopTrigger) error {
	return &RemotingError{
		Code:    ErrorCodeInitializationFailed,
		Message: "инициализация не удалась",
		Trigger: trigger,
	}
}
