package router

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

const (
	StateIdle          = "idle"
	StateInterpreting  = "interpreting"
	StateDirectAnswer  = "direct_answer"
	StateToolPlanning  = "tool_planning"
	StateToolExecuting = "tool_executing"
	StateResponding    = "responding"
)

const (
	EventInterpret = "interpret"
	EventAnswer    = "answer"
	EventPlan      = "plan"
	EventExecute   = "execute"
	EventObserve   = "observe"
	EventRespond   = "respond"
	EventFinish    = "finish"
)

func turnEvents() fsm.Events {
	return fsm.Events{
		{Name: EventInterpret, Src: []string{StateIdle}, Dst: StateInterpreting},
		{Name: EventAnswer, Src: []string{StateInterpreting}, Dst: StateDirectAnswer},
		{Name: EventPlan, Src: []string{StateInterpreting}, Dst: StateToolPlanning},
		{Name: EventExecute, Src: []string{StateToolPlanning}, Dst: StateToolExecuting},
		{Name: EventObserve, Src: []string{StateToolExecuting}, Dst: StateInterpreting},
		{
			Name: EventRespond,
			Src: []string{
				StateIdle,
				StateInterpreting,
				StateDirectAnswer,
				StateToolPlanning,
				StateToolExecuting,
			},
			Dst: StateResponding,
		},
		{Name: EventFinish, Src: []string{StateResponding}, Dst: StateIdle},
	}
}

// machine tracks one turn. The router drives it from outside; callbacks only observe.
type machine struct {
	fsm   *fsm.FSM
	trail []string
	log   *zap.Logger
}

func newMachine(log *zap.Logger) *machine {
	m := &machine{log: log, trail: []string{StateIdle}}
	m.fsm = fsm.NewFSM(StateIdle, turnEvents(), fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			m.trail = append(m.trail, e.Dst)
			m.log.Debug("turn state", zap.String("event", e.Event), zap.String("from", e.Src), zap.String("to", e.Dst))
		},
	})
	return m
}

// fire performs a transition. An invalid transition is a programming error
// and is logged; the turn continues so a final message is still produced.
func (m *machine) fire(ctx context.Context, event string) {
	// Transitions complete even after the turn deadline so Responding is reachable.
	if err := m.fsm.Event(context.WithoutCancel(ctx), event); err != nil {
		m.log.Error("invalid turn transition", zap.String("event", event), zap.String("state", m.fsm.Current()), zap.Error(err))
	}
}

func (m *machine) current() string { return m.fsm.Current() }

// Trail returns the visited states in order.
func (m *machine) Trail() []string { return append([]string(nil), m.trail...) }
