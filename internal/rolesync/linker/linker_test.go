package linker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcourtman/pulse-rolesync/internal/crypto"
	"github.com/rcourtman/pulse-rolesync/internal/discord"
	syncerrors "github.com/rcourtman/pulse-rolesync/internal/errors"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const testRedirect = "https://app.example.com/api/link/callback"

// fakePlatform serves the token and identity endpoints.
type fakePlatform struct {
	refreshCalls atomic.Int32
	identities   map[string]string // access token -> external ID
}

func (f *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/oauth2/token":
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			code := r.PostForm.Get("code")
			if r.PostForm.Get("redirect_uri") != testRedirect || !strings.HasPrefix(code, "good-") {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid \"code\" in request."}`))
				return
			}
			writeToken(w, "at-"+strings.TrimPrefix(code, "good-"), "rt-"+strings.TrimPrefix(code, "good-"))
		case "refresh_token":
			f.refreshCalls.Add(1)
			rt := r.PostForm.Get("refresh_token")
			if !strings.HasPrefix(rt, "rt-") {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			writeToken(w, "at-refreshed", "rt-rotated")
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unsupported_grant_type"}`))
		}
	case "/users/@me":
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		id, ok := f.identities[token]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"401: Unauthorized","code":0}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "username": "user" + id})
	default:
		http.NotFound(w, r)
	}
}

func writeToken(w http.ResponseWriter, access, refresh string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    604800,
		"scope":         "identify guilds.join",
	})
}

type testEnv struct {
	linker   *Linker
	registry *registry.LinkRegistry
	platform *fakePlatform
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	platform := &fakePlatform{identities: map[string]string{
		"at-alice":     "111",
		"at-alice2":    "111",
		"at-bob":       "222",
		"at-refreshed": "111",
	}}
	server := httptest.NewServer(platform)
	t.Cleanup(server.Close)

	unlimited := discord.RoutePolicy{Rate: rate.Inf, Burst: 1}
	client, err := discord.NewClient(discord.Config{
		BaseURL: server.URL,
		Policies: map[discord.RouteClass]discord.RoutePolicy{
			discord.RouteOAuthToken:  unlimited,
			discord.RouteCurrentUser: unlimited,
		},
	})
	require.NoError(t, err)

	cipher, err := crypto.NewTokenCipher("linker-test-key-0123456789")
	require.NoError(t, err)
	reg, err := registry.NewLinkRegistry(t.TempDir(), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	l, err := New(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  testRedirect,
		TokenURL:     server.URL + "/oauth2/token",
	}, client, reg)
	require.NoError(t, err)

	return &testEnv{linker: l, registry: reg, platform: platform}
}

func TestBuildAuthorizationURL(t *testing.T) {
	env := newTestEnv(t)

	raw, err := env.linker.BuildAuthorizationURL(testRedirect, "state-123")
	require.NoError(t, err)
	again, err := env.linker.BuildAuthorizationURL(testRedirect, "state-123")
	require.NoError(t, err)
	assert.Equal(t, raw, again)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "discord.com", u.Host)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, testRedirect, q.Get("redirect_uri"))
	assert.Equal(t, "identify guilds.join", q.Get("scope"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Empty(t, q.Get("prompt"))

	noState, err := env.linker.BuildAuthorizationURL(testRedirect, "")
	require.NoError(t, err)
	parsed, err := url.Parse(noState)
	require.NoError(t, err)
	_, hasState := parsed.Query()["state"]
	assert.False(t, hasState)
}

func TestCompleteLinksAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account, err := env.linker.Complete(ctx, "u_1", "good-alice", testRedirect)
	require.NoError(t, err)
	assert.Equal(t, "111", account.ExternalID)
	assert.Equal(t, registry.LinkStateLinked, account.LinkState)
	assert.Equal(t, "at-alice", account.AccessToken)
	assert.Equal(t, "rt-alice", account.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), account.TokenExpiry, time.Minute)

	stored, err := env.registry.Get(ctx, "u_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "111", stored.ExternalID)
}

func TestCompleteRejectsBadCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.linker.Complete(ctx, "u_1", "stale", testRedirect)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerrors.ErrInvalidGrant))

	_, err = env.linker.Complete(ctx, "u_1", "good-alice", "https://evil.example.com/cb")
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerrors.ErrInvalidGrant), "redirect mismatch: %v", err)

	_, err = env.linker.ExchangeCode(ctx, "  ", testRedirect)
	assert.True(t, errors.Is(err, syncerrors.ErrInvalidGrant))

	stored, err := env.registry.Get(ctx, "u_1")
	require.NoError(t, err)
	assert.Nil(t, stored, "no account should exist after a failed exchange")
}

func TestCompleteRefusesIdentityOwnedByAnotherUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.linker.Complete(ctx, "u_1", "good-alice", testRedirect)
	require.NoError(t, err)

	_, err = env.linker.Complete(ctx, "u_2", "good-alice2", testRedirect)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerrors.ErrIdentityAlreadyLinked))

	owner, err := env.registry.GetByExternalID(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, "u_1", owner.InternalUserID)

	// The owner may re-link the same identity.
	_, err = env.linker.Complete(ctx, "u_1", "good-alice2", testRedirect)
	assert.NoError(t, err)
}

// recordingSwapper stands in for the reconciler: it records each identity
// change and either runs the commit or refuses it.
type recordingSwapper struct {
	calls []string
	err   error
}

func (s *recordingSwapper) SwapIdentity(ctx context.Context, internalUserID, externalID string, commit func(context.Context) (*registry.LinkedAccount, error)) (*registry.LinkedAccount, error) {
	s.calls = append(s.calls, internalUserID+"->"+externalID)
	if s.err != nil {
		return nil, s.err
	}
	return commit(ctx)
}

func TestCompleteRoutesLinkWritesThroughSwapper(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	swapper := &recordingSwapper{}
	env.linker.GuardRelinks(swapper)

	_, err := env.linker.Complete(ctx, "u_1", "good-alice", testRedirect)
	require.NoError(t, err)
	account, err := env.linker.Complete(ctx, "u_1", "good-bob", testRedirect)
	require.NoError(t, err)
	assert.Equal(t, "222", account.ExternalID)
	assert.Equal(t, []string{"u_1->111", "u_1->222"}, swapper.calls)
}

func TestCompleteKeepsOldLinkWhenSwapFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.linker.Complete(ctx, "u_1", "good-alice", testRedirect)
	require.NoError(t, err)

	swapErr := errors.New("retire previous identity 111: role removal unavailable")
	env.linker.GuardRelinks(&recordingSwapper{err: swapErr})
	_, err = env.linker.Complete(ctx, "u_1", "good-bob", testRedirect)
	require.ErrorIs(t, err, swapErr)

	stored, err := env.registry.Get(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, "111", stored.ExternalID)
}

func TestFetchIdentityExpiredToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.linker.FetchIdentity(context.Background(), "revoked")
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerrors.ErrTokenExpired))

	identity, err := env.linker.FetchIdentity(context.Background(), "at-bob")
	require.NoError(t, err)
	assert.Equal(t, "222", identity.ID)
	assert.Equal(t, "user222", identity.Username)
}

func TestFreshAccessTokenKeepsValidToken(t *testing.T) {
	env := newTestEnv(t)
	account := &registry.LinkedAccount{
		InternalUserID: "u_1",
		AccessToken:    "at-alice",
		RefreshToken:   "rt-alice",
		TokenExpiry:    time.Now().Add(time.Hour),
	}

	token, err := env.linker.FreshAccessToken(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "at-alice", token)
	assert.Equal(t, int32(0), env.platform.refreshCalls.Load())
}

func TestFreshAccessTokenRefreshesAndPersists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account, err := env.linker.Complete(ctx, "u_1", "good-alice", testRedirect)
	require.NoError(t, err)
	account.TokenExpiry = time.Now().Add(30 * time.Second) // inside the refresh window

	token, err := env.linker.FreshAccessToken(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, "at-refreshed", token)
	assert.Equal(t, "rt-rotated", account.RefreshToken)
	assert.Equal(t, int32(1), env.platform.refreshCalls.Load())

	stored, err := env.registry.Get(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, "at-refreshed", stored.AccessToken)
	assert.Equal(t, "rt-rotated", stored.RefreshToken)
}

func TestFreshAccessTokenRejectedRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.linker.FreshAccessToken(ctx, &registry.LinkedAccount{
		InternalUserID: "u_1",
		AccessToken:    "at-old",
		RefreshToken:   "revoked",
		TokenExpiry:    time.Now().Add(-time.Hour),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerrors.ErrTokenExpired))

	_, err = env.linker.FreshAccessToken(ctx, &registry.LinkedAccount{InternalUserID: "u_1"})
	assert.True(t, errors.Is(err, syncerrors.ErrTokenExpired))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{ClientID: "id", TokenURL: "https://x"}, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{ClientID: "id", ClientSecret: "secret"}, nil, nil)
	assert.Error(t, err)
}
