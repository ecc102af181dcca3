// Package membership confirms that a linked identity is a member of the
// community, joining it on the user's behalf when allowed.
package membership

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rcourtman/pulse-rolesync/internal/discord"
	syncerrors "github.com/rcourtman/pulse-rolesync/internal/errors"
	"github.com/rcourtman/pulse-rolesync/internal/logging"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
	"github.com/rs/zerolog"
)

// Platform is the subset of the platform client used for membership.
type Platform interface {
	GetMember(ctx context.Context, guildID, userID string) (*discord.Member, error)
	AddMember(ctx context.Context, guildID, userID, accessToken string) (bool, *discord.Member, error)
}

// TokenProvider yields a usable user access token for the join call.
type TokenProvider interface {
	FreshAccessToken(ctx context.Context, account *registry.LinkedAccount) (string, error)
}

// Config controls the ensurer.
type Config struct {
	GuildID string
	// AutoJoin adds absent identities to the guild with their own token.
	AutoJoin bool
}

// Result describes a confirmed membership.
type Result struct {
	// Observed is true when Roles reflects the platform's view of the member.
	// A join answered with "already a member" carries no role list.
	Observed bool
	Roles    []string
	Joined   bool
}

// Ensurer confirms guild membership for linked accounts.
type Ensurer struct {
	cfg      Config
	platform Platform
	tokens   TokenProvider
	logger   zerolog.Logger
}

// New creates an Ensurer.
func New(cfg Config, platform Platform, tokens TokenProvider) (*Ensurer, error) {
	if cfg.GuildID == "" {
		return nil, fmt.Errorf("membership: guild ID is required")
	}
	if platform == nil || tokens == nil {
		return nil, fmt.Errorf("membership: platform and token provider are required")
	}
	return &Ensurer{
		cfg:      cfg,
		platform: platform,
		tokens:   tokens,
		logger:   logging.Component("membership"),
	}, nil
}

// EnsureMember makes sure account's identity is in the guild. Failures are
// returned as *errors.MembershipError, except context cancellation which is
// returned as is.
func (e *Ensurer) EnsureMember(ctx context.Context, account *registry.LinkedAccount) (*Result, error) {
	userID := account.InternalUserID
	externalID := account.ExternalID

	member, err := e.platform.GetMember(ctx, e.cfg.GuildID, externalID)
	if err == nil {
		return &Result{Observed: true, Roles: member.Roles}, nil
	}
	if ctxErr := contextError(ctx, err); ctxErr != nil {
		return nil, ctxErr
	}
	if !syncerrors.IsNotFound(err) {
		return nil, syncerrors.NewMembershipError(syncerrors.MembershipTransport, userID, err)
	}

	if !e.cfg.AutoJoin {
		return nil, syncerrors.NewMembershipError(syncerrors.MembershipNotFound, userID, err)
	}

	accessToken, err := e.tokens.FreshAccessToken(ctx, account)
	if err != nil {
		if ctxErr := contextError(ctx, err); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, syncerrors.ErrTokenExpired) {
			return nil, syncerrors.NewMembershipError(syncerrors.MembershipTokenExpired, userID, err)
		}
		return nil, syncerrors.NewMembershipError(syncerrors.MembershipTransport, userID, err)
	}

	joined, member, err := e.platform.AddMember(ctx, e.cfg.GuildID, externalID, accessToken)
	if err != nil {
		if ctxErr := contextError(ctx, err); ctxErr != nil {
			return nil, ctxErr
		}
		switch {
		case syncerrors.IsNotFound(err):
			return nil, syncerrors.NewMembershipError(syncerrors.MembershipNotFound, userID, err)
		case syncerrors.StatusCode(err) == http.StatusUnauthorized:
			return nil, syncerrors.NewMembershipError(syncerrors.MembershipTokenExpired, userID, err)
		default:
			return nil, syncerrors.NewMembershipError(syncerrors.MembershipTransport, userID, err)
		}
	}

	e.logger.Info().
		Str("user_id", userID).
		Str("external_id", externalID).
		Bool("joined", joined).
		Msg("Ensured guild membership")

	if member != nil {
		return &Result{Observed: true, Roles: member.Roles, Joined: joined}, nil
	}
	return &Result{Joined: joined}, nil
}

func contextError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}
