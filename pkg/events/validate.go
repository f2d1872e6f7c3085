package events

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrInvalidSequence = errors.New("invalid event sequence")

// SequenceError reports the first event that broke the run protocol.
type SequenceError struct {
	Seq    int64
	Type   EventType
	Reason string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("invalid event sequence at seq=%d type=%s: %s", e.Seq, e.Type, e.Reason)
}

func (e *SequenceError) Is(target error) bool {
	return target == ErrInvalidSequence
}

type blockPhase int

const (
	phaseOpen blockPhase = iota + 1
	phaseClosed
	phaseResolved
)

// Validator checks a run's event stream incrementally against the ordering
// rules of the protocol. It is not safe for concurrent use.
type Validator struct {
	started   bool
	finished  bool
	sawError  bool
	lastSeq   int64
	runID     string
	texts     map[string]blockPhase
	toolCalls map[string]blockPhase
}

func NewValidator() *Validator {
	return &Validator{
		texts:     map[string]blockPhase{},
		toolCalls: map[string]blockPhase{},
	}
}

func (v *Validator) fail(e Event, reason string, args ...interface{}) error {
	return &SequenceError{Seq: e.Metadata().Seq, Type: e.Type(), Reason: fmt.Sprintf(reason, args...)}
}

// Observe feeds the next event. The first violation is returned; the
// validator should not be used after an error.
func (v *Validator) Observe(e Event) error {
	meta := e.Metadata()

	if v.finished {
		return v.fail(e, "event after terminal RUN_FINISHED")
	}
	if e.Type() == EventTypeRunStarted {
		if v.started {
			return v.fail(e, "duplicate RUN_STARTED")
		}
		v.started = true
		v.runID = meta.RunID
		v.lastSeq = meta.Seq
		return nil
	}
	if !v.started {
		return v.fail(e, "event before RUN_STARTED")
	}
	if meta.RunID != v.runID {
		return v.fail(e, "run id %q does not match %q", meta.RunID, v.runID)
	}
	if meta.Seq != 0 || v.lastSeq != 0 {
		if meta.Seq <= v.lastSeq {
			return v.fail(e, "sequence number %d not greater than %d", meta.Seq, v.lastSeq)
		}
		v.lastSeq = meta.Seq
	}
	if v.sawError && e.Type() != EventTypeRunFinished {
		return v.fail(e, "RUN_ERROR must be followed by RUN_FINISHED")
	}

	switch ev := e.(type) {
	case *TextStart:
		if _, ok := v.texts[ev.MessageID]; ok {
			return v.fail(e, "text message %s started twice", ev.MessageID)
		}
		v.texts[ev.MessageID] = phaseOpen
	case *TextDelta:
		if v.texts[ev.MessageID] != phaseOpen {
			return v.fail(e, "text delta for message %s outside start/end", ev.MessageID)
		}
		if ev.Delta == "" {
			return v.fail(e, "empty text delta for message %s", ev.MessageID)
		}
	case *TextEnd:
		if v.texts[ev.MessageID] != phaseOpen {
			return v.fail(e, "text end for message %s that is not open", ev.MessageID)
		}
		v.texts[ev.MessageID] = phaseClosed
	case *ToolCallStart:
		if _, ok := v.toolCalls[ev.ToolCallID]; ok {
			return v.fail(e, "tool call %s started twice", ev.ToolCallID)
		}
		v.toolCalls[ev.ToolCallID] = phaseOpen
	case *ToolCallArgsDelta:
		if v.toolCalls[ev.ToolCallID] != phaseOpen {
			return v.fail(e, "args delta for tool call %s outside start/end", ev.ToolCallID)
		}
	case *ToolCallArgsEnd:
		if v.toolCalls[ev.ToolCallID] != phaseOpen {
			return v.fail(e, "args end for tool call %s that is not open", ev.ToolCallID)
		}
		v.toolCalls[ev.ToolCallID] = phaseClosed
	case *ToolCallResult:
		if v.toolCalls[ev.ToolCallID] != phaseClosed {
			return v.fail(e, "result for tool call %s before its arguments ended", ev.ToolCallID)
		}
		v.toolCalls[ev.ToolCallID] = phaseResolved
	case *RunError:
		v.sawError = true
	case *RunFinished:
		if v.sawError && ev.Outcome != OutcomeError {
			return v.fail(e, "RUN_FINISHED after RUN_ERROR must have outcome error")
		}
		if ev.Outcome == OutcomeInterrupt && ev.Interrupt == nil {
			return v.fail(e, "interrupt outcome without interrupt info")
		}
		if ev.Outcome == OutcomeSuccess {
			for id, phase := range v.texts {
				if phase == phaseOpen {
					return v.fail(e, "run finished with text message %s still open", id)
				}
			}
		}
		v.finished = true
	}

	return nil
}

// Finish reports whether the stream reached its terminal event.
func (v *Validator) Finish() error {
	if !v.started {
		return &SequenceError{Reason: "stream had no RUN_STARTED"}
	}
	if !v.finished {
		return &SequenceError{Seq: v.lastSeq, Reason: "stream closed without terminal event"}
	}
	return nil
}

// ValidateSequence runs a full event list through a fresh Validator.
func ValidateSequence(evs []Event) error {
	v := NewValidator()
	for _, e := range evs {
		if err := v.Observe(e); err != nil {
			return err
		}
	}
	return v.Finish()
}
