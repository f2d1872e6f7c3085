package emitter

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrNoActiveRun = errors.New("no active run in context")

// publisher stamps events with the run's ids and a strictly increasing
// sequence number. Server tools publish through it concurrently.
type publisher struct {
	mu       sync.Mutex
	sink     events.EventSink
	threadID string
	runID    string
	seq      int64
	now      func() time.Time
}

func (p *publisher) publish(build func(events.EventMetadata) events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	e := build(events.EventMetadata{
		ThreadID:  p.threadID,
		RunID:     p.runID,
		Seq:       p.seq,
		Timestamp: p.now(),
	})
	if err := p.sink.PublishEvent(e); err != nil {
		log.Debug().Err(err).Str("event_type", string(e.Type())).Str("run_id", p.runID).Msg("sink rejected event")
	}
}

type publisherKey struct{}

func withPublisher(ctx context.Context, p *publisher) context.Context {
	return context.WithValue(ctx, publisherKey{}, p)
}

// PublishStateDelta lets a server tool emit a STATE_DELTA on the run that is
// executing it.
func PublishStateDelta(ctx context.Context, ops ...events.PatchOperation) error {
	p, ok := ctx.Value(publisherKey{}).(*publisher)
	if !ok || p == nil {
		return ErrNoActiveRun
	}
	if len(ops) == 0 {
		return nil
	}
	p.publish(func(m events.EventMetadata) events.Event {
		return events.NewStateDelta(m, ops)
	})
	return nil
}
