package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rcourtman/pulse-rolesync/internal/crypto"
	"github.com/rcourtman/pulse-rolesync/internal/metrics"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
)

func newTestRegistry(t *testing.T) *registry.LinkRegistry {
	t.Helper()
	cipher, err := crypto.NewTokenCipher("admin-test-token-key")
	if err != nil {
		t.Fatalf("NewTokenCipher: %v", err)
	}
	reg, err := registry.NewLinkRegistry(t.TempDir(), cipher)
	if err != nil {
		t.Fatalf("NewLinkRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func linkTestAccount(t *testing.T, reg *registry.LinkRegistry, userID, externalID string, state registry.LinkState) {
	t.Helper()
	ctx := context.Background()
	if _, err := reg.LinkIdentity(ctx, &registry.LinkedAccount{
		InternalUserID: userID,
		ExternalID:     externalID,
		Username:       "user-" + externalID,
		AccessToken:    "secret-access-" + externalID,
		RefreshToken:   "secret-refresh-" + externalID,
		TokenExpiry:    time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("LinkIdentity(%s): %v", userID, err)
	}
	if state != registry.LinkStateLinked {
		if err := reg.UpdateSyncState(ctx, userID, registry.SyncState{LinkState: state, LastError: "test"}); err != nil {
			t.Fatalf("UpdateSyncState(%s): %v", userID, err)
		}
	}
}

func TestHandleHealthz(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	HandleHealthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestHandleReadyz(t *testing.T) {
	reg := newTestRegistry(t)
	handler := HandleReadyz(reg)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ready" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ready")
	}
}

func TestHandleReadyzNotReady(t *testing.T) {
	closed := newTestRegistry(t)
	if err := closed.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for name, db := range map[string]Pinger{"nil": nil, "closed": closed} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleReadyz(db)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
			}
			if rec.Body.String() != "not ready" {
				t.Errorf("body = %q, want %q", rec.Body.String(), "not ready")
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	reg := newTestRegistry(t)
	linkTestAccount(t, reg, "u_1", "111", registry.LinkStateLinked)
	linkTestAccount(t, reg, "u_2", "222", registry.LinkStateLinked)
	linkTestAccount(t, reg, "u_3", "333", registry.LinkStateMembershipPending)
	linkTestAccount(t, reg, "u_4", "444", registry.LinkStateErrored)

	rec := httptest.NewRecorder()
	HandleStatus(reg, "1.2.3")(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Version != "1.2.3" || resp.TotalLinks != 4 || resp.Linked != 2 || resp.NeedsAttention != 2 {
		t.Fatalf("unexpected status response: %+v", resp)
	}
	if got := testutil.ToFloat64(metrics.LinksByState.WithLabelValues(string(registry.LinkStateMembershipPending))); got != 1 {
		t.Fatalf("membership_pending gauge = %v, want 1", got)
	}
}
