package renderer

import (
	"context"

	"github.com/looplab/fsm"
)

// State состояние удаленного рендерера
type State string

const (
	StateUninitialized State = "uninitialized"
	StateCreatePipe    State = "create_pipe"
	StateAcquiring     State = "acquiring"
	StateInitializing  State = "initializing"
	StatePlaying       State = "playing"
	StateFlushing      State = "flushing"
	StateError         State = "error"
)

func (s State) String() string {
	return string(s)
}

// События конечного автомата
const (
	eventCreatePipe = "create_pipe"
	eventAcquire    = "acquire"
	eventInitialize = "initialize"
	eventPlay       = "play"
	eventFlush      = "flush"
	eventFlushDone  = "flush_done"
	eventFail       = "fail"
)

// newStateMachine строит граф состояний. ERROR поглощающее: из него нет переходов.
func newStateMachine(onTransition func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateUninitialized),
		fsm.Events{
			{Name: eventCreatePipe, Src: []string{string(StateUninitialized)}, Dst: string(StateCreatePipe)},
			{Name: eventAcquire, Src: []string{string(StateCreatePipe)}, Dst: string(StateAcquiring)},
			{Name: eventInitialize, Src: []string{string(StateAcquiring)}, Dst: string(StateInitializing)},
			{Name: eventPlay, Src: []string{string(StateInitializing)}, Dst: string(StatePlaying)},
			{Name: eventFlush, Src: []string{string(StatePlaying)}, Dst: string(StateFlushing)},
			{Name: eventFlushDone, Src: []string{string(StateFlushing)}, Dst: string(StatePlaying)},
			{Name: eventFail, Src: []string{
				string(StateUninitialized),
				string(StateCreatePipe),
				string(StateAcquiring),
				string(StateInitializing),
				string(StatePlaying),
				string(StateFlushing),
			}, Dst: string(StateError)},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if onTransition != nil {
					onTransition(State(e.Src), State(e.Dst))
				}
			},
		},
	)
}
