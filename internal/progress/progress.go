// Package progress publishes percentage events to any number of subscribers.
package progress

import (
	"sync"
	"time"
)

// Kind classifies an Event.
type Kind string

const (
	KindProgress Kind = "progress"
	KindDone     Kind = "done"
	KindFailed   Kind = "failed"
)

// Event is one progress notification.
type Event struct {
	Kind    Kind      `json:"kind"`
	Percent int       `json:"percent"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Terminal reports whether no event follows this one.
func (e Event) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindFailed
}

const subscriberBuffer = 16

// Stream fans progress out to subscribers. Percentages never decrease, the
// last event is always Done or Failed, and nothing is published after it.
// A slow subscriber loses intermediate events but always sees the newest one
// and the terminal one.
type Stream struct {
	mu       sync.Mutex
	percent  int
	last     *Event
	terminal bool
	subs     map[chan Event]struct{}
}

// NewStream returns an open stream at 0%.
func NewStream() *Stream {
	return &Stream{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events and a function that detaches it.
// The channel is closed after the terminal event or on unsubscribe. Late
// subscribers first receive the most recent event.
func (s *Stream) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last != nil {
		ch <- *s.last
	}
	if s.terminal {
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		})
	}
}

// Update publishes pct, clamped to [0, 99] and never below the previous
// value. Completion is reported by Done only. It returns false once the
// stream is terminal.
func (s *Stream) Update(pct int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return false
	}
	if pct > 99 {
		pct = 99
	}
	if pct < s.percent {
		pct = s.percent
	}
	if s.last != nil && pct == s.percent {
		return true
	}
	s.percent = pct
	s.publishLocked(Event{Kind: KindProgress, Percent: pct, At: time.Now().UTC()})
	return true
}

// Done publishes 100% and closes the stream.
func (s *Stream) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}
	s.percent = 100
	s.finishLocked(Event{Kind: KindDone, Percent: 100, At: time.Now().UTC()})
}

// Fail publishes a failure at the current percentage and closes the stream.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}
	msg := "failed"
	if err != nil {
		msg = err.Error()
	}
	s.finishLocked(Event{Kind: KindFailed, Percent: s.percent, Error: msg, At: time.Now().UTC()})
}

// Last returns the most recent event, if any.
func (s *Stream) Last() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Event{}, false
	}
	return *s.last, true
}

func (s *Stream) finishLocked(ev Event) {
	s.publishLocked(ev)
	s.terminal = true
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

func (s *Stream) publishLocked(ev Event) {
	s.last = &ev
	for ch := range s.subs {
		deliver(ch, ev)
	}
}

// deliver never blocks: a full buffer drops its oldest event to make room.
func deliver(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
