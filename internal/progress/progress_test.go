package progress

import (
	"errors"
	"testing"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestStreamIsMonotonicAndEndsAtHundred(t *testing.T) {
	s := NewStream()
	ch, _ := s.Subscribe()

	for _, pct := range []int{0, 10, 5, 40, 40, 100, 120} {
		s.Update(pct)
	}
	s.Done()

	events := drain(ch)
	if len(events) == 0 {
		t.Fatal("expected events")
	}
	prev := -1
	for _, ev := range events {
		if ev.Percent < prev {
			t.Fatalf("percent decreased: %d after %d", ev.Percent, prev)
		}
		if ev.Percent < 0 || ev.Percent > 100 {
			t.Fatalf("percent out of range: %d", ev.Percent)
		}
		prev = ev.Percent
	}
	last := events[len(events)-1]
	if last.Kind != KindDone || last.Percent != 100 {
		t.Fatalf("expected done at 100, got %+v", last)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Percent == 100 {
			t.Fatal("only the done event may report 100")
		}
	}
}

func TestNothingAfterTerminal(t *testing.T) {
	s := NewStream()
	ch, _ := s.Subscribe()
	s.Update(30)
	s.Fail(errors.New("transport reset"))

	if s.Update(60) {
		t.Fatal("update after failure must be refused")
	}
	s.Done()

	events := drain(ch)
	last := events[len(events)-1]
	if last.Kind != KindFailed || last.Error != "transport reset" || last.Percent != 30 {
		t.Fatalf("unexpected terminal event %+v", last)
	}
	for _, ev := range events {
		if ev.Kind == KindDone {
			t.Fatal("done published after failure")
		}
	}
}

func TestSlowSubscriberStillSeesTerminal(t *testing.T) {
	s := NewStream()
	ch, _ := s.Subscribe()

	for pct := 0; pct < 99; pct++ {
		s.Update(pct)
	}
	s.Done()

	events := drain(ch)
	if len(events) > subscriberBuffer {
		t.Fatalf("buffer overflowed: %d events", len(events))
	}
	if events[len(events)-1].Kind != KindDone {
		t.Fatalf("terminal event lost: %+v", events[len(events)-1])
	}
}

func TestMultipleSubscribers(t *testing.T) {
	s := NewStream()
	a, _ := s.Subscribe()
	b, _ := s.Subscribe()

	s.Update(50)
	s.Done()

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		events := drain(ch)
		if len(events) != 2 {
			t.Fatalf("%s: expected 2 events, got %d", name, len(events))
		}
	}
}

func TestLateSubscriberGetsLastEvent(t *testing.T) {
	s := NewStream()
	s.Update(20)
	s.Done()

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()
	events := drain(ch)
	if len(events) != 1 || events[0].Kind != KindDone {
		t.Fatalf("expected only the done event, got %+v", events)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := NewStream()
	ch, unsubscribe := s.Subscribe()
	unsubscribe()
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	s.Update(10)
	s.Done()
}
