package safego

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clinicore/identity/internal/telemetry"
)

func wait(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background task did not finish")
	}
}

func TestGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go("test-run", func() { close(done) })
	wait(t, done)
}

func TestGo_RecoversPanicAndCounts(t *testing.T) {
	counter := telemetry.BackgroundPanicsTotal.WithLabelValues("test-panic")
	before := testutil.ToFloat64(counter)

	done := make(chan struct{})
	Go("test-panic", func() {
		defer close(done)
		panic("boom")
	})
	wait(t, done)

	// the deferred close runs before Recover, so poll briefly for the counter
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(counter) == before {
		if time.Now().After(deadline) {
			t.Fatal("panic was not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecover_NoPanicIsNoop(t *testing.T) {
	counter := telemetry.BackgroundPanicsTotal.WithLabelValues("test-noop")
	before := testutil.ToFloat64(counter)
	func() {
		defer Recover("test-noop")
	}()
	if got := testutil.ToFloat64(counter); got != before {
		t.Errorf("counter = %v, want %v", got, before)
	}
}
