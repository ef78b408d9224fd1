package detect

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if got := backoffWithJitter(time.Nanosecond, time.Nanosecond, 1); got > time.Nanosecond {
		t.Fatalf("tiny backoff should not exceed its cap: %s", got)
	}
}

func TestSleepCtxStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
