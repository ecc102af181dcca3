package membership

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/rcourtman/pulse-rolesync/internal/discord"
	syncerrors "github.com/rcourtman/pulse-rolesync/internal/errors"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPlatform struct {
	mock.Mock
}

func (m *mockPlatform) GetMember(ctx context.Context, guildID, userID string) (*discord.Member, error) {
	args := m.Called(ctx, guildID, userID)
	member, _ := args.Get(0).(*discord.Member)
	return member, args.Error(1)
}

func (m *mockPlatform) AddMember(ctx context.Context, guildID, userID, accessToken string) (bool, *discord.Member, error) {
	args := m.Called(ctx, guildID, userID, accessToken)
	member, _ := args.Get(1).(*discord.Member)
	return args.Bool(0), member, args.Error(2)
}

type mockTokens struct {
	mock.Mock
}

func (m *mockTokens) FreshAccessToken(ctx context.Context, account *registry.LinkedAccount) (string, error) {
	args := m.Called(ctx, account)
	return args.String(0), args.Error(1)
}

func testAccount() *registry.LinkedAccount {
	return &registry.LinkedAccount{InternalUserID: "u_1", ExternalID: "111", AccessToken: "at"}
}

func newEnsurer(t *testing.T, autoJoin bool) (*Ensurer, *mockPlatform, *mockTokens) {
	t.Helper()
	platform := &mockPlatform{}
	tokens := &mockTokens{}
	e, err := New(Config{GuildID: "g1", AutoJoin: autoJoin}, platform, tokens)
	require.NoError(t, err)
	return e, platform, tokens
}

func notFound() error {
	return syncerrors.NewTransportError(http.MethodGet, "member_lookup", http.StatusNotFound)
}

func TestEnsureMemberAlreadyPresent(t *testing.T) {
	e, platform, tokens := newEnsurer(t, true)
	platform.On("GetMember", mock.Anything, "g1", "111").Return(&discord.Member{Roles: []string{"100", "999"}}, nil)

	res, err := e.EnsureMember(context.Background(), testAccount())
	require.NoError(t, err)
	assert.True(t, res.Observed)
	assert.False(t, res.Joined)
	assert.Equal(t, []string{"100", "999"}, res.Roles)

	platform.AssertNotCalled(t, "AddMember", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	tokens.AssertNotCalled(t, "FreshAccessToken", mock.Anything, mock.Anything)
}

func TestEnsureMemberJoinsAbsentIdentity(t *testing.T) {
	e, platform, tokens := newEnsurer(t, true)
	account := testAccount()
	platform.On("GetMember", mock.Anything, "g1", "111").Return(nil, notFound())
	tokens.On("FreshAccessToken", mock.Anything, account).Return("fresh-at", nil)
	platform.On("AddMember", mock.Anything, "g1", "111", "fresh-at").Return(true, &discord.Member{Roles: []string{}}, nil)

	res, err := e.EnsureMember(context.Background(), account)
	require.NoError(t, err)
	assert.True(t, res.Joined)
	assert.True(t, res.Observed)
	assert.Empty(t, res.Roles)
	platform.AssertExpectations(t)
	tokens.AssertExpectations(t)
}

func TestEnsureMemberJoinAlreadyMember(t *testing.T) {
	e, platform, tokens := newEnsurer(t, true)
	platform.On("GetMember", mock.Anything, "g1", "111").Return(nil, notFound())
	tokens.On("FreshAccessToken", mock.Anything, mock.Anything).Return("at", nil)
	platform.On("AddMember", mock.Anything, "g1", "111", "at").Return(false, nil, nil)

	res, err := e.EnsureMember(context.Background(), testAccount())
	require.NoError(t, err)
	assert.False(t, res.Joined)
	assert.False(t, res.Observed)
}

func TestEnsureMemberAutoJoinDisabled(t *testing.T) {
	e, platform, tokens := newEnsurer(t, false)
	platform.On("GetMember", mock.Anything, "g1", "111").Return(nil, notFound())

	_, err := e.EnsureMember(context.Background(), testAccount())
	require.Error(t, err)

	var membershipErr *syncerrors.MembershipError
	require.ErrorAs(t, err, &membershipErr)
	assert.Equal(t, syncerrors.MembershipNotFound, membershipErr.Kind)
	tokens.AssertNotCalled(t, "FreshAccessToken", mock.Anything, mock.Anything)
}

func TestEnsureMemberJoinFailures(t *testing.T) {
	tests := []struct {
		name     string
		tokenErr error
		joinErr  error
		want     syncerrors.MembershipKind
	}{
		{
			name:    "identity does not exist",
			joinErr: syncerrors.NewTransportError(http.MethodPut, "member_join", http.StatusNotFound),
			want:    syncerrors.MembershipNotFound,
		},
		{
			name:    "join unauthorized",
			joinErr: syncerrors.NewTransportError(http.MethodPut, "member_join", http.StatusUnauthorized),
			want:    syncerrors.MembershipTokenExpired,
		},
		{
			name:     "refresh rejected",
			tokenErr: syncerrors.NewLinkError(syncerrors.LinkTokenExpired, "refresh_token", "u_1", nil),
			want:     syncerrors.MembershipTokenExpired,
		},
		{
			name:    "platform unavailable",
			joinErr: syncerrors.NewTransportError(http.MethodPut, "member_join", http.StatusBadGateway),
			want:    syncerrors.MembershipTransport,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, platform, tokens := newEnsurer(t, true)
			platform.On("GetMember", mock.Anything, "g1", "111").Return(nil, notFound())
			if tt.tokenErr != nil {
				tokens.On("FreshAccessToken", mock.Anything, mock.Anything).Return("", tt.tokenErr)
			} else {
				tokens.On("FreshAccessToken", mock.Anything, mock.Anything).Return("at", nil)
				platform.On("AddMember", mock.Anything, "g1", "111", "at").Return(false, nil, tt.joinErr)
			}

			_, err := e.EnsureMember(context.Background(), testAccount())
			var membershipErr *syncerrors.MembershipError
			require.ErrorAs(t, err, &membershipErr)
			assert.Equal(t, tt.want, membershipErr.Kind)
		})
	}
}

func TestEnsureMemberLookupUnavailableIsRecoverable(t *testing.T) {
	e, platform, _ := newEnsurer(t, true)
	platform.On("GetMember", mock.Anything, "g1", "111").
		Return(nil, syncerrors.NewTransportError(http.MethodGet, "member_lookup", http.StatusServiceUnavailable))

	_, err := e.EnsureMember(context.Background(), testAccount())
	var membershipErr *syncerrors.MembershipError
	require.ErrorAs(t, err, &membershipErr)
	assert.Equal(t, syncerrors.MembershipTransport, membershipErr.Kind)
	assert.True(t, syncerrors.IsRetryable(err))
	assert.True(t, errors.Is(err, syncerrors.ErrUnavailable))
}

func TestEnsureMemberPassesThroughCancellation(t *testing.T) {
	e, platform, _ := newEnsurer(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	platform.On("GetMember", mock.Anything, "g1", "111").Return(nil, context.Canceled)

	_, err := e.EnsureMember(ctx, testAccount())
	assert.ErrorIs(t, err, context.Canceled)
	var membershipErr *syncerrors.MembershipError
	assert.False(t, errors.As(err, &membershipErr))
}

func TestNewRequiresGuild(t *testing.T) {
	_, err := New(Config{}, &mockPlatform{}, &mockTokens{})
	assert.Error(t, err)
}
