package events

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// EventCodec decodes a JSON payload into a concrete Event instance.
type EventCodec func([]byte) (Event, error)

var (
	registryOnce sync.Once
	reg          *eventRegistry
)

type eventRegistry struct {
	mu       sync.RWMutex
	decoders map[string]EventCodec
}

func ensureRegistry() {
	registryOnce.Do(func() {
		reg = &eventRegistry{
			decoders: make(map[string]EventCodec),
		}
	})
}

// RegisterEventCodec registers a decoder for a custom event type name, for
// hosts that extend the stream with their own events. Built-in type names
// cannot be overridden.
func RegisterEventCodec(typeName string, dec EventCodec) error {
	if isBuiltin(EventType(typeName)) {
		return errors.Errorf("cannot override built-in event type %q", typeName)
	}
	ensureRegistry()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.decoders[typeName]; exists {
		return errors.Errorf("decoder already registered for type %q", typeName)
	}
	reg.decoders[typeName] = dec
	return nil
}

// RegisterEventFactory registers a factory based on standard json.Unmarshal.
func RegisterEventFactory(typeName string, factory func() Event) error {
	return RegisterEventCodec(typeName, func(b []byte) (Event, error) {
		ev := factory()
		if err := json.Unmarshal(b, ev); err != nil {
			return nil, err
		}
		return ev, nil
	})
}

func lookupDecoder(typeName string) EventCodec {
	ensureRegistry()
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.decoders[typeName]
}

func isBuiltin(t EventType) bool {
	switch t {
	case EventTypeRunStarted, EventTypeRunFinished, EventTypeRunError,
		EventTypeTextStart, EventTypeTextDelta, EventTypeTextEnd,
		EventTypeToolCallStart, EventTypeToolCallArgsDelta, EventTypeToolCallArgsEnd, EventTypeToolCallResult,
		EventTypeStateSnapshot, EventTypeStateDelta, EventTypeMessagesSnapshot:
		return true
	}
	return false
}
