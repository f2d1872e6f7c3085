package session

import (
	"context"
	"errors"
	"sync"

	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/inference/emitter"
)

var ErrHandleNil = errors.New("run handle is nil")

// Handle represents a single in-flight run.
//
// It is cancelable and waitable. Events are delivered in emission order on
// Events(); the channel is closed after the terminal event.
type Handle struct {
	ThreadID string
	RunID    string

	queue *events.Queue
	done  chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	result emitter.Result
}

func newHandle(threadID, runID string, cancel context.CancelFunc) *Handle {
	return &Handle{
		ThreadID: threadID,
		RunID:    runID,
		queue:    events.NewQueue(),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
}

func (h *Handle) sink() events.EventSink {
	return events.NewQueueSink(h.queue)
}

func (h *Handle) setResult(res emitter.Result) {
	h.mu.Lock()
	h.result = res
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	close(h.done)
	h.queue.Close()
	if cancel != nil {
		cancel()
	}
}

// Events returns the run's ordered event stream.
func (h *Handle) Events() <-chan events.Event {
	return h.queue.Out()
}

// Cancel cancels the in-flight run. It is safe to call multiple times. The
// run still ends with a terminal event.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Abandon cancels the run and drops undelivered events. Used when the
// consumer went away.
func (h *Handle) Abandon() {
	if h == nil {
		return
	}
	h.Cancel()
	h.queue.Abandon()
}

// Done is closed once the terminal event has been queued.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run has finished and returns its result. The error
// is the run's failure, if any.
func (h *Handle) Wait() (emitter.Result, error) {
	if h == nil {
		return emitter.Result{}, ErrHandleNil
	}
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.result.Err
}

// IsRunning reports whether the run appears to still be running.
func (h *Handle) IsRunning() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
