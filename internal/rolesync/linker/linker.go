// Package linker binds internal users to community identities through the
// OAuth2 authorization code flow.
package linker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/pulse-rolesync/internal/discord"
	syncerrors "github.com/rcourtman/pulse-rolesync/internal/errors"
	"github.com/rcourtman/pulse-rolesync/internal/logging"
	"github.com/rcourtman/pulse-rolesync/internal/metrics"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	// DefaultAuthURL is the platform's OAuth2 consent page.
	DefaultAuthURL = "https://discord.com/oauth2/authorize"

	// refreshSkew refreshes tokens that expire within this window.
	refreshSkew = time.Minute
)

// DefaultScopes are the scopes needed to read the identity and join the guild
// on the user's behalf.
var DefaultScopes = []string{"identify", "guilds.join"}

// Identity is the external account behind an access token.
type Identity struct {
	ID         string
	Username   string
	GlobalName string
}

// Store is the subset of the link registry the linker writes to.
type Store interface {
	LinkIdentity(ctx context.Context, a *registry.LinkedAccount) (*registry.LinkedAccount, error)
	UpdateTokens(ctx context.Context, internalUserID, accessToken, refreshToken string, expiry time.Time) error
}

// IdentitySwapper runs commit while no role mutation for internalUserID is in
// flight, first retiring any identity the user is moving away from.
type IdentitySwapper interface {
	SwapIdentity(ctx context.Context, internalUserID, externalID string, commit func(context.Context) (*registry.LinkedAccount, error)) (*registry.LinkedAccount, error)
}

// Platform is the subset of the platform client the linker needs.
type Platform interface {
	CurrentUser(ctx context.Context, accessToken string) (*discord.User, error)
	HTTPClient(route discord.RouteClass) *http.Client
}

// Config holds OAuth2 application settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string // defaults to DefaultAuthURL
	TokenURL     string // platform base URL + /oauth2/token
	Scopes       []string
}

// Linker runs the authorization code exchange and owns the account's tokens.
type Linker struct {
	oauth      oauth2.Config
	platform   Platform
	store      Store
	swapper    IdentitySwapper
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a Linker.
func New(cfg Config, platform Platform, store Store) (*Linker, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("linker: client ID and secret are required")
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, fmt.Errorf("linker: token URL is required")
	}
	if platform == nil || store == nil {
		return nil, fmt.Errorf("linker: platform and store are required")
	}
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	return &Linker{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		platform:   platform,
		store:      store,
		httpClient: platform.HTTPClient(discord.RouteOAuthToken),
		logger:     logging.Component("linker"),
		now:        time.Now,
	}, nil
}

// GuardRelinks routes link writes through s, so a user who links a different
// identity loses the managed roles held by the old one.
func (l *Linker) GuardRelinks(s IdentitySwapper) {
	l.swapper = s
}

func (l *Linker) configFor(redirectURI string) *oauth2.Config {
	cfg := l.oauth
	if redirectURI != "" {
		cfg.RedirectURL = redirectURI
	}
	return &cfg
}

func (l *Linker) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, l.httpClient)
}

// BuildAuthorizationURL returns the consent URL. It performs no I/O. state is
// omitted from the URL when empty.
func (l *Linker) BuildAuthorizationURL(redirectURI, state string) (string, error) {
	cfg := l.configFor(redirectURI)
	if cfg.RedirectURL == "" {
		return "", fmt.Errorf("linker: redirect URI is required")
	}
	return cfg.AuthCodeURL(state), nil
}

// ExchangeCode trades a one-time authorization code for tokens. A rejected
// code, including one issued for a different redirect URI, is an InvalidGrant
// LinkError.
func (l *Linker) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	if strings.TrimSpace(code) == "" {
		return nil, syncerrors.NewLinkError(syncerrors.LinkInvalidGrant, "exchange_code", "", errors.New("empty authorization code"))
	}
	token, err := l.configFor(redirectURI).Exchange(l.oauthContext(ctx), code)
	if err != nil {
		if isGrantRejected(err) {
			return nil, syncerrors.NewLinkError(syncerrors.LinkInvalidGrant, "exchange_code", "", err)
		}
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return token, nil
}

// FetchIdentity resolves the external identity behind accessToken.
func (l *Linker) FetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	user, err := l.platform.CurrentUser(ctx, accessToken)
	if err != nil {
		if syncerrors.StatusCode(err) == http.StatusUnauthorized {
			return nil, syncerrors.NewLinkError(syncerrors.LinkTokenExpired, "fetch_identity", "", err)
		}
		return nil, fmt.Errorf("fetch identity: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("fetch identity: platform returned an empty user ID")
	}
	return &Identity{ID: user.ID, Username: user.Username, GlobalName: user.GlobalName}, nil
}

// UpsertLinkedAccount creates or updates the link for internalUserID. It never
// reassigns an identity owned by another user.
func (l *Linker) UpsertLinkedAccount(ctx context.Context, internalUserID string, token *oauth2.Token, identity *Identity) (*registry.LinkedAccount, error) {
	if internalUserID == "" || token == nil || identity == nil {
		return nil, fmt.Errorf("upsert linked account: user, token and identity are required")
	}
	account, err := l.store.LinkIdentity(ctx, &registry.LinkedAccount{
		InternalUserID: internalUserID,
		ExternalID:     identity.ID,
		Username:       identity.Username,
		AccessToken:    token.AccessToken,
		RefreshToken:   token.RefreshToken,
		TokenExpiry:    token.Expiry,
	})
	if err != nil {
		if errors.Is(err, registry.ErrExternalIDTaken) {
			return nil, syncerrors.NewLinkError(syncerrors.LinkIdentityAlreadyLinked, "upsert_linked_account", internalUserID, err)
		}
		return nil, fmt.Errorf("upsert linked account: %w", err)
	}
	return account, nil
}

// Complete runs the callback half of the flow. The link exists only once the
// exchange, the identity fetch and the upsert have all succeeded.
func (l *Linker) Complete(ctx context.Context, internalUserID, code, redirectURI string) (*registry.LinkedAccount, error) {
	account, err := l.complete(ctx, internalUserID, code, redirectURI)
	metrics.LinkAttemptsTotal.WithLabelValues(syncerrors.Label(err)).Inc()
	if err != nil {
		l.logger.Warn().Err(err).Str("user_id", internalUserID).Msg("Account link failed")
		return nil, err
	}
	l.logger.Info().
		Str("user_id", internalUserID).
		Str("external_id", account.ExternalID).
		Msg("Account linked")
	return account, nil
}

func (l *Linker) complete(ctx context.Context, internalUserID, code, redirectURI string) (*registry.LinkedAccount, error) {
	token, err := l.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}
	identity, err := l.FetchIdentity(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}
	if l.swapper == nil {
		return l.UpsertLinkedAccount(ctx, internalUserID, token, identity)
	}
	return l.swapper.SwapIdentity(ctx, internalUserID, identity.ID, func(ctx context.Context) (*registry.LinkedAccount, error) {
		return l.UpsertLinkedAccount(ctx, internalUserID, token, identity)
	})
}

// FreshAccessToken returns a usable access token for account, refreshing and
// persisting it when it is expired or about to expire. account is updated in
// place. A refresh the platform rejects is a TokenExpired LinkError.
func (l *Linker) FreshAccessToken(ctx context.Context, account *registry.LinkedAccount) (string, error) {
	if account.AccessToken != "" && (account.TokenExpiry.IsZero() || account.TokenExpiry.Sub(l.now()) > refreshSkew) {
		return account.AccessToken, nil
	}
	if account.RefreshToken == "" {
		return "", syncerrors.NewLinkError(syncerrors.LinkTokenExpired, "refresh_token", account.InternalUserID, errors.New("no refresh token"))
	}

	// An empty access token forces the source to refresh.
	source := l.oauth.TokenSource(l.oauthContext(ctx), &oauth2.Token{RefreshToken: account.RefreshToken})
	token, err := source.Token()
	if err != nil {
		if isGrantRejected(err) {
			return "", syncerrors.NewLinkError(syncerrors.LinkTokenExpired, "refresh_token", account.InternalUserID, err)
		}
		return "", fmt.Errorf("refresh token for %s: %w", account.InternalUserID, err)
	}

	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = account.RefreshToken
	}
	if err := l.store.UpdateTokens(ctx, account.InternalUserID, token.AccessToken, refreshToken, token.Expiry); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	account.AccessToken = token.AccessToken
	account.RefreshToken = refreshToken
	account.TokenExpiry = token.Expiry

	l.logger.Debug().Str("user_id", account.InternalUserID).Time("expiry", token.Expiry).Msg("Refreshed access token")
	return token.AccessToken, nil
}

// isGrantRejected reports whether the token endpoint refused the grant
// itself, as opposed to failing in transit.
func isGrantRejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	return re.Response != nil && re.Response.StatusCode == http.StatusBadRequest && strings.Contains(string(re.Body), "invalid_grant")
}
