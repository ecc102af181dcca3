package rolesync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	syncerrors "github.com/rcourtman/pulse-rolesync/internal/errors"
	"github.com/rcourtman/pulse-rolesync/internal/logging"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/linker"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/reconcile"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/roles"
	"github.com/rs/zerolog/log"
)

// LinkFlow is the OAuth half of account linking.
type LinkFlow interface {
	BuildAuthorizationURL(redirectURI, state string) (string, error)
	Complete(ctx context.Context, internalUserID, code, redirectURI string) (*registry.LinkedAccount, error)
}

// StateTokens issues and verifies OAuth state values.
type StateTokens interface {
	Issue(internalUserID string) (string, error)
	Verify(state string) (string, error)
}

// RoleSync runs reconciliations and reports link status.
type RoleSync interface {
	Reconcile(ctx context.Context, internalUserID string, plan roles.Plan) (*reconcile.Outcome, error)
	GetLinkStatus(ctx context.Context, internalUserID string) (*reconcile.LinkStatus, error)
}

// PlanSource returns the plan a user is currently entitled to.
type PlanSource interface {
	Current(ctx context.Context, internalUserID string) (roles.Plan, error)
}

type linkStartResponse struct {
	URL string `json:"url"`
}

type linkCallbackResponse struct {
	Linked         bool               `json:"linked"`
	UserID         string             `json:"user_id"`
	ExternalID     string             `json:"external_id"`
	Username       string             `json:"username,omitempty"`
	Reconciliation *reconcile.Outcome `json:"reconciliation,omitempty"`
	ReconcileError string             `json:"reconcile_error,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// HandleLinkStart returns the consent URL for ?user_id=. The state parameter
// is signed so the callback can trust which user started the flow.
func HandleLinkStart(flow LinkFlow, states StateTokens, redirectURI string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "user_id is required"})
			return
		}

		state, err := states.Issue(userID)
		if err != nil {
			log.Error().Err(err).Msg("Issue link state failed")
			writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
			return
		}
		authURL, err := flow.BuildAuthorizationURL(redirectURI, state)
		if err != nil {
			log.Error().Err(err).Msg("Build authorization URL failed")
			writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, linkStartResponse{URL: authURL})
	}
}

// HandleLinkCallback completes the OAuth flow and immediately reconciles the
// newly linked account against the user's recorded plan. A failed
// reconciliation does not undo the link; the sweep retries it.
func HandleLinkCallback(flow LinkFlow, states StateTokens, roleSync RoleSync, plans PlanSource, redirectURI string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		if denied := q.Get("error"); denied != "" {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "authorization was not granted", Kind: denied})
			return
		}

		userID, err := states.Verify(q.Get("state"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid or expired state"})
			return
		}
		ctx, _ := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		ctx = logging.WithLogger(ctx, log.With().Str("user_id", userID).Logger())

		account, err := flow.Complete(ctx, userID, q.Get("code"), redirectURI)
		if err != nil {
			writeAPIError(w, err)
			return
		}

		resp := linkCallbackResponse{
			Linked:     true,
			UserID:     account.InternalUserID,
			ExternalID: account.ExternalID,
			Username:   account.Username,
		}

		plan, err := plans.Current(ctx, userID)
		if err == nil {
			resp.Reconciliation, err = roleSync.Reconcile(ctx, userID, plan)
		}
		if err != nil {
			logger := logging.FromContext(ctx)
			logger.Warn().Err(err).Msg("Initial reconciliation after link failed")
			resp.ReconcileError = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleLinkStatus returns the link status for the {user_id} path value.
func HandleLinkStatus(roleSync RoleSync) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "user_id is required"})
			return
		}
		status, err := roleSync.GetLinkStatus(r.Context(), userID)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func writeAPIError(w http.ResponseWriter, err error) {
	status := syncerrors.HTTPStatus(err)
	if errors.Is(err, linker.ErrInvalidState) {
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
		writeJSON(w, status, apiError{Error: "internal error", Kind: syncerrors.Label(err)})
		return
	}
	writeJSON(w, status, apiError{Error: err.Error(), Kind: syncerrors.Label(err)})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("rolesync: encode response")
	}
}
