package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	syncerrors "github.com/rcourtman/pulse-rolesync/internal/errors"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/reconcile"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/roles"
	"github.com/rs/zerolog/log"
)

const maxRequestBody = 64 * 1024

// LinkLister lists linked accounts.
type LinkLister interface {
	List(ctx context.Context) ([]*registry.LinkedAccount, error)
	ListByState(ctx context.Context, state registry.LinkState) ([]*registry.LinkedAccount, error)
}

// Reconciler runs and undoes reconciliations.
type Reconciler interface {
	Reconcile(ctx context.Context, internalUserID string, plan roles.Plan) (*reconcile.Outcome, error)
	Unlink(ctx context.Context, internalUserID string) (*reconcile.Outcome, error)
}

// PlanBook resolves and records plans.
type PlanBook interface {
	Current(ctx context.Context, internalUserID string) (roles.Plan, error)
	Record(ctx context.Context, internalUserID string, plan roles.Plan) error
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// HandleListLinks returns an authenticated handler that lists linked accounts.
// Tokens never leave the registry.
func HandleListLinks(links LinkLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Optional state filter
		stateFilter := strings.TrimSpace(r.URL.Query().Get("state"))

		var accounts []*registry.LinkedAccount
		var err error
		if stateFilter != "" {
			accounts, err = links.ListByState(r.Context(), registry.LinkState(stateFilter))
		} else {
			accounts, err = links.List(r.Context())
		}
		if err != nil {
			log.Error().Err(err).Msg("List linked accounts failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if accounts == nil {
			accounts = []*registry.LinkedAccount{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"links": accounts,
			"count": len(accounts),
		})
	}
}

// HandleUnlink returns a handler for DELETE /admin/links/{user_id}. Managed
// roles are removed before the link is dropped.
func HandleUnlink(rec Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
			return
		}

		outcome, err := rec.Unlink(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		switch outcome.Status {
		case reconcile.StatusNotLinked:
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "account not linked"})
		case reconcile.StatusPartialFailure:
			writeJSON(w, http.StatusBadGateway, outcome)
		default:
			writeJSON(w, http.StatusOK, outcome)
		}
	}
}

type reconcileRequest struct {
	UserID string `json:"user_id"`
	Plan   string `json:"plan,omitempty"`
}

// HandleReconcile returns a handler for POST /admin/reconcile. An explicit
// plan is recorded before the run; without one the recorded plan is used.
func HandleReconcile(rec Reconciler, book PlanBook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req reconcileRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
		req.UserID = strings.TrimSpace(req.UserID)
		if req.UserID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
			return
		}

		var plan roles.Plan
		var err error
		if strings.TrimSpace(req.Plan) != "" {
			plan, err = roles.ParsePlan(req.Plan)
			if err == nil {
				err = book.Record(r.Context(), req.UserID, plan)
			}
		} else {
			plan, err = book.Current(r.Context(), req.UserID)
		}
		if err != nil {
			writeError(w, err)
			return
		}

		outcome, err := rec.Reconcile(r.Context(), req.UserID, plan)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	}
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, err error) {
	status := syncerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Admin request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: syncerrors.Label(err)})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("rolesync.admin: encode response")
	}
}
