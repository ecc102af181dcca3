package rolesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rcourtman/pulse-rolesync/internal/metrics"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
)

type fakeStateCounter struct {
	counts map[registry.LinkState]int
	err    error
	calls  chan struct{}
}

func (f *fakeStateCounter) CountByState(context.Context) (map[registry.LinkState]int, error) {
	if f.calls != nil {
		select {
		case f.calls <- struct{}{}:
		default:
		}
	}
	return f.counts, f.err
}

func linkStateGaugeValue(state registry.LinkState) float64 {
	return testutil.ToFloat64(metrics.LinksByState.WithLabelValues(string(state)))
}

func TestUpdateLinkStateGauges_KnownAndUnexpectedStates(t *testing.T) {
	unexpectedState := registry.LinkState("unexpected_state_label")

	// Seed a stale value to verify known labels are overwritten.
	metrics.LinksByState.WithLabelValues(string(registry.LinkStateErrored)).Set(42)

	updateLinkStateGauges(context.Background(), &fakeStateCounter{counts: map[registry.LinkState]int{
		registry.LinkStateLinked:            3,
		registry.LinkStateMembershipPending: 1,
		unexpectedState:                     2,
	}})

	wantKnown := map[registry.LinkState]float64{
		registry.LinkStateUnlinked:          0,
		registry.LinkStateLinked:            3,
		registry.LinkStateMembershipPending: 1,
		registry.LinkStateErrored:           0,
	}
	for state, want := range wantKnown {
		if got := linkStateGaugeValue(state); got != want {
			t.Fatalf("state %q gauge = %v, want %v", state, got, want)
		}
	}
	if got := linkStateGaugeValue(unexpectedState); got != 2 {
		t.Fatalf("unexpected state gauge = %v, want 2", got)
	}
}

func TestUpdateLinkStateGauges_CounterErrorDoesNotMutateGauges(t *testing.T) {
	metrics.LinksByState.WithLabelValues(string(registry.LinkStateLinked)).Set(7)

	updateLinkStateGauges(context.Background(), &fakeStateCounter{err: errors.New("database is closed")})

	if got := linkStateGaugeValue(registry.LinkStateLinked); got != 7 {
		t.Fatalf("linked gauge = %v, want 7", got)
	}
}

func TestRunLinkStateMetrics_PrimesAndStops(t *testing.T) {
	counter := &fakeStateCounter{
		counts: map[registry.LinkState]int{registry.LinkStateLinked: 5},
		calls:  make(chan struct{}, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runLinkStateMetrics(ctx, counter)
		close(done)
	}()

	select {
	case <-counter.calls:
	case <-time.After(time.Second):
		t.Fatal("runLinkStateMetrics did not prime the gauges")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runLinkStateMetrics did not stop after cancel")
	}
}
