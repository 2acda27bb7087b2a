package backoff

import (
	"testing"
	"time"
)

func TestDelayZeroAttemptIsZero(t *testing.T) {
	if d := Delay(0, time.Second, time.Minute); d != 0 {
		t.Errorf("Delay(0, ...) = %v, want 0", d)
	}
}

func TestDelayGrowsExponentiallyWithinJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second

	for attempt := 1; attempt <= 5; attempt++ {
		want := base * time.Duration(1<<(attempt-1))
		if want > max {
			want = max
		}
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		if hi < lo {
			lo, hi = hi, lo
		}
		for i := 0; i < 20; i++ {
			d := Delay(attempt, base, max)
			if d < 0 {
				t.Fatalf("attempt %d: Delay returned negative duration %v", attempt, d)
			}
			if d < lo-time.Millisecond || d > hi+time.Millisecond {
				t.Errorf("attempt %d: Delay() = %v, want within [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestDelayNeverExceedsMaxPlusJitter(t *testing.T) {
	base := time.Second
	max := 5 * time.Second
	for attempt := 1; attempt <= 50; attempt++ {
		d := Delay(attempt, base, max)
		if d > max+max/5+time.Millisecond {
			t.Errorf("attempt %d: Delay() = %v exceeds max+jitter %v", attempt, d, max)
		}
	}
}
