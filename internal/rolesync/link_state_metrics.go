package rolesync

import (
	"context"
	"time"

	"github.com/rcourtman/pulse-rolesync/internal/metrics"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
	"github.com/rs/zerolog/log"
)

const linkStateMetricsInterval = 30 * time.Second

// StateCounter counts linked accounts per link state.
type StateCounter interface {
	CountByState(ctx context.Context) (map[registry.LinkState]int, error)
}

func runLinkStateMetrics(ctx context.Context, counter StateCounter) {
	ticker := time.NewTicker(linkStateMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateLinkStateGauges(ctx, counter)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateLinkStateGauges(ctx, counter)
		}
	}
}

func updateLinkStateGauges(ctx context.Context, counter StateCounter) {
	counts, err := counter.CountByState(context.WithoutCancel(ctx))
	if err != nil {
		log.Error().Err(err).Msg("Failed to update link state metrics")
		return
	}

	seen := make(map[registry.LinkState]struct{}, len(counts))

	// Stable label set for known states.
	for _, state := range registry.LinkStates {
		seen[state] = struct{}{}
		metrics.LinksByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}

	// Rows written by a newer build may carry states this one doesn't know.
	for state, c := range counts {
		if _, ok := seen[state]; ok {
			continue
		}
		metrics.LinksByState.WithLabelValues(string(state)).Set(float64(c))
	}
}
