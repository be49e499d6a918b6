// Package bus is the in-process Event Bus.
//
// Publish delivers each event synchronously to subscribed listeners in
// subscription order, so events of one utterance arrive in publish order.
// A panicking listener is logged and skipped. Stream subscribers (SSE) get a
// buffered channel; a full buffer drops the event for that subscriber only.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/halbridge/halbridge/pkg/contracts"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// Bus fans events out to listeners and streams. Safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	listeners []contracts.Listener
	streams   map[int]chan models.Event
	nextID    int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{streams: make(map[int]chan models.Event)}
}

// Subscribe adds a listener. Listeners run on the publishing goroutine and
// must not block.
func (b *Bus) Subscribe(l contracts.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Stream opens a buffered subscription. The returned func closes it.
func (b *Bus) Stream(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.streams[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.streams, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish stamps ev with an ID and timestamp when missing and delivers it.
func (b *Bus) Publish(ev models.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, l := range b.listeners {
		deliver(l, ev)
	}
	for id, ch := range b.streams {
		select {
		case ch <- ev:
		default:
			log.Warn().Int("stream", id).Str("event", string(ev.Type)).Msg("Event stream full, dropping event")
		}
	}
}

func deliver(l contracts.Listener, ev models.Event) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("event", string(ev.Type)).Msg("Event listener panicked")
		}
	}()
	l.OnEvent(ev)
}

// LogListener logs every event at debug level.
func LogListener() contracts.Listener {
	return contracts.ListenerFunc(func(ev models.Event) {
		e := log.Debug().
			Str("event", string(ev.Type)).
			Str("utterance_id", ev.UtteranceID)
		if ev.DecisionID != "" {
			e = e.Str("decision_id", ev.DecisionID)
		}
		if ev.Capability != "" {
			e = e.Str("capability", ev.Capability).Int("attempt", ev.Attempt)
		}
		if ev.Verdict != nil {
			e = e.Str("verdict", string(ev.Verdict.Status))
		}
		e.Msg("📣 Event")
	})
}
