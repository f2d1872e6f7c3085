package fixtures

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/pkg/errors"
)

// EventLogSink writes events as NDJSON, one event per line.
type EventLogSink struct {
	mu sync.Mutex
	w  io.Writer
}

var _ events.EventSink = (*EventLogSink)(nil)

func NewEventLogSink(w io.Writer) *EventLogSink {
	return &EventLogSink{w: w}
}

func (s *EventLogSink) PublishEvent(e events.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "could not encode event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(b, '\n'))
	return err
}

// ReadEventLog decodes an NDJSON event log. Blank lines are skipped.
func ReadEventLog(r io.Reader) ([]events.Event, error) {
	var ret []events.Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		e, err := events.NewEventFromJson(b)
		if err != nil {
			return ret, errors.Wrapf(err, "line %d", line)
		}
		ret = append(ret, e)
	}
	return ret, sc.Err()
}

func ReadEventLogFile(path string) ([]events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open event log %s", path)
	}
	defer func() { _ = f.Close() }()
	return ReadEventLog(f)
}
