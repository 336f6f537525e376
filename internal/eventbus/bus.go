// Package eventbus broadcasts investigation lifecycle and reasoning events
// to live subscribers. Delivery is best-effort: publishing never blocks on
// consumer readiness, and a consumer that falls behind misses events. The
// durable evidence trail on the persisted investigation is the fallback for
// full recovery, so correctness never depends on a connected subscriber.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindStatus      Kind = "status"
	KindReasoning   Kind = "reasoning"
	KindStageResult Kind = "stage_result"
	KindFailure     Kind = "failure"
	KindSnapshot    Kind = "snapshot"
)

// Event is one published record. Sequence is strictly increasing per
// investigation and assigned by the bus at publish time; consumers use it
// to detect gaps.
type Event struct {
	InvestigationID string          `json:"investigation_id"`
	Sequence        uint64          `json:"sequence_number"`
	Kind            Kind            `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Subscription is one consumer's feed. Events delivers the snapshot first,
// then the live tail. The channel is closed when the stream ends or the
// subscription is cancelled.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() { s.cancel() }

type subscriber struct {
	ch chan Event
}

type stream struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*subscriber]struct{}
	done bool
}

// endedStreamTTL is how long a closed stream stays in the map so late
// subscribers still see it ended rather than a silently empty feed.
const endedStreamTTL = 5 * time.Minute

// Bus fans out events to subscribers, one ordered stream per investigation.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream

	// evictDelay is how long a closed stream lingers before eviction.
	evictDelay time.Duration

	// onDrop is invoked when a slow subscriber misses an event.
	onDrop func(investigationID string)
}

// New creates an empty bus. onDrop may be nil.
func New(onDrop func(investigationID string)) *Bus {
	return &Bus{streams: make(map[string]*stream), evictDelay: endedStreamTTL, onDrop: onDrop}
}

func (b *Bus) stream(id string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[id]
	if !ok {
		st = &stream{subs: make(map[*subscriber]struct{})}
		b.streams[id] = st
	}
	return st
}

// Publish assigns the next sequence number and fans the event out without
// blocking. Returns the assigned sequence number. Publishing to an ended
// stream is a no-op returning 0.
func (b *Bus) Publish(investigationID string, kind Kind, payload json.RawMessage) uint64 {
	st := b.stream(investigationID)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return 0
	}
	st.seq++
	ev := Event{
		InvestigationID: investigationID,
		Sequence:        st.seq,
		Kind:            kind,
		Payload:         payload,
		Timestamp:       time.Now().UTC(),
	}
	for sub := range st.subs {
		select {
		case sub.ch <- ev:
		default:
			if b.onDrop != nil {
				b.onDrop(investigationID)
			}
		}
	}
	return ev.Sequence
}

// Subscribe attaches a consumer. The subscriber and the current sequence
// number are registered under the stream lock, so every event published
// afterwards is delivered; the snapshot payload itself may be a slow store
// read and is computed off the lock so publishers never wait on it. The
// snapshot event always arrives first and carries the sequence number last
// assigned at attach time. buffer sizes the tail buffer; a consumer that
// falls behind it misses events.
func (b *Bus) Subscribe(investigationID string, buffer int, snapshot func() json.RawMessage) *Subscription {
	if buffer < 1 {
		buffer = 64
	}
	st := b.stream(investigationID)
	sub := &subscriber{ch: make(chan Event, buffer)}

	st.mu.Lock()
	seq := st.seq
	done := st.done
	if !done {
		st.subs[sub] = struct{}{}
	}
	st.mu.Unlock()
	if done {
		close(sub.ch)
	}

	out := make(chan Event, 1)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		// out is empty and buffered, so the snapshot send cannot block
		// and precedes every tail event.
		out <- Event{
			InvestigationID: investigationID,
			Sequence:        seq,
			Kind:            KindSnapshot,
			Payload:         snapshot(),
			Timestamp:       time.Now().UTC(),
		}
		for ev := range sub.ch {
			select {
			case out <- ev:
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		st.mu.Lock()
		if _, ok := st.subs[sub]; ok {
			delete(st.subs, sub)
			close(sub.ch)
		}
		st.mu.Unlock()
		once.Do(func() { close(stop) })
	}
	return &Subscription{C: out, cancel: cancel}
}

// Close ends a stream: subscriber channels are closed and later publishes
// are dropped. Called when an investigation reaches a terminal status. The
// ended stream lingers for endedStreamTTL so late subscribers still get
// the snapshot plus an immediately closed channel, then is evicted so
// terminal investigations do not accumulate in the map forever.
func (b *Bus) Close(investigationID string) {
	b.mu.Lock()
	st, ok := b.streams[investigationID]
	b.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if st.done {
		st.mu.Unlock()
		return
	}
	st.done = true
	for sub := range st.subs {
		delete(st.subs, sub)
		close(sub.ch)
	}
	st.mu.Unlock()

	time.AfterFunc(b.evictDelay, func() {
		b.mu.Lock()
		if cur, ok := b.streams[investigationID]; ok && cur == st {
			delete(b.streams, investigationID)
		}
		b.mu.Unlock()
	})
}
