package admin

import (
	"context"
	"net/http"

	"github.com/rcourtman/pulse-rolesync/internal/metrics"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
)

// Pinger checks backing store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StateCounter counts linked accounts per link state.
type StateCounter interface {
	CountByState(ctx context.Context) (map[registry.LinkState]int, error)
}

type statusResponse struct {
	Version        string                     `json:"version"`
	TotalLinks     int                        `json:"total_links"`
	Linked         int                        `json:"linked"`
	NeedsAttention int                        `json:"needs_attention"`
	ByState        map[registry.LinkState]int `json:"by_state"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if db == nil || db.Ping(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate link status.
func HandleStatus(counter StateCounter, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := counter.CountByState(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		for state, c := range counts {
			metrics.LinksByState.WithLabelValues(string(state)).Set(float64(c))
		}

		total := 0
		for _, c := range counts {
			total += c
		}

		writeJSON(w, http.StatusOK, statusResponse{
			Version:        version,
			TotalLinks:     total,
			Linked:         counts[registry.LinkStateLinked],
			NeedsAttention: counts[registry.LinkStateMembershipPending] + counts[registry.LinkStateErrored],
			ByState:        counts,
		})
	}
}
