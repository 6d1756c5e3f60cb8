package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }
func (timeoutError) Timeout() bool { return true }

var fast = Policy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	var retried []int
	attempts, err := fast.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return timeoutError{}
		}
		return nil
	}, func(attempt int, err error) { retried = append(retried, attempt) })

	if err != nil || attempts != 3 || calls != 3 {
		t.Fatalf("expected success on third call, got attempts=%d calls=%d err=%v", attempts, calls, err)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Fatalf("unexpected retry callbacks %v", retried)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	boom := errors.New("constraint violated")
	calls := 0
	attempts, err := fast.Do(context.Background(), func() error {
		calls++
		return boom
	}, nil)
	if !errors.Is(err, boom) || attempts != 1 || calls != 1 {
		t.Fatalf("expected a single call, got attempts=%d err=%v", attempts, err)
	}
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	attempts, err := fast.Do(context.Background(), func() error {
		calls++
		return timeoutError{}
	}, nil)
	if attempts != 3 || calls != 3 || !Transient(err) {
		t.Fatalf("expected three transient failures, got attempts=%d err=%v", attempts, err)
	}
}

func TestDoHonoursCancellationWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := Policy{Attempts: 5, Initial: time.Hour}
	attempts, err := slow.Do(ctx, func() error {
		cancel()
		return timeoutError{}
	}, nil)
	if !errors.Is(err, context.Canceled) || attempts != 1 {
		t.Fatalf("expected cancellation after one call, got attempts=%d err=%v", attempts, err)
	}
}

func TestZeroPolicyCallsOnce(t *testing.T) {
	calls := 0
	if _, err := (Policy{}).Do(context.Background(), func() error {
		calls++
		return timeoutError{}
	}, nil); err == nil || calls != 1 {
		t.Fatalf("expected one call, got %d (err=%v)", calls, err)
	}
}

func TestTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("query: %w", timeoutError{}), true},
		{context.Canceled, false},
	}
	for _, tc := range cases {
		if got := Transient(tc.err); got != tc.want {
			t.Fatalf("Transient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
