package telemetry

import (
	"testing"
	"time"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	d := timer.Duration()
	if d < 5*time.Millisecond {
		t.Fatalf("expected duration >= 5ms, got %v", d)
	}
}

func TestTimerObserveDuration(t *testing.T) {
	h := NewTimer()
	time.Sleep(time.Millisecond)
	h.ObserveDuration(ProbeDuration)
}
