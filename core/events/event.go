package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a structured state change emitted by the engine.
type Event interface {
	EventType() string
	Attributes() map[string]string
}

// Emitter broadcasts events to downstream subscribers (e.g. journal, streams).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Record is the rendered form of an event handed to sinks and subscribers.
type Record struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  time.Time         `json:"timestamp"`
}

// NewRecord renders evt with a fresh identifier.
func NewRecord(evt Event, now time.Time) Record {
	attrs := map[string]string{}
	for k, v := range evt.Attributes() {
		attrs[k] = v
	}
	return Record{
		ID:         uuid.NewString(),
		Type:       evt.EventType(),
		Attributes: attrs,
		Timestamp:  now.UTC(),
	}
}

// Sink persists rendered records.
type Sink interface {
	Append(Record) error
}

// Bus fans emitted events out to sinks and live subscribers. Slow subscribers
// miss records rather than stall the emitter.
type Bus struct {
	mu      sync.RWMutex
	sinks   []Sink
	subs    map[int]chan Record
	nextSub int
	clock   func() time.Time
	onError func(Record, error)
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Record), clock: time.Now}
}

// SetClock overrides the time source for deterministic testing.
func (b *Bus) SetClock(clock func() time.Time) {
	if b == nil || clock == nil {
		return
	}
	b.clock = clock
}

// OnSinkError registers a callback for sink failures.
func (b *Bus) OnSinkError(fn func(Record, error)) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.onError = fn
	b.mu.Unlock()
}

// AddSink registers a persistent sink.
func (b *Bus) AddSink(sink Sink) {
	if b == nil || sink == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// Subscribe returns a channel receiving every record emitted after the call
// and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Record, buffer)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Emit implements Emitter.
func (b *Bus) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	record := NewRecord(evt, b.clock())
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sink := range b.sinks {
		if err := sink.Append(record); err != nil && b.onError != nil {
			b.onError(record, err)
		}
	}
	for _, ch := range b.subs {
		select {
		case ch <- record:
		default:
		}
	}
}
