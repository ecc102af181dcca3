package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// User is the subset of the platform user object the service reads.
type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
}

// Member is a guild member as returned by the member endpoints.
type Member struct {
	User     *User     `json:"user,omitempty"`
	Roles    []string  `json:"roles"`
	JoinedAt time.Time `json:"joined_at"`
	Pending  bool      `json:"pending,omitempty"`
}

func memberPath(guildID, userID string) string {
	return "/guilds/" + url.PathEscape(guildID) + "/members/" + url.PathEscape(userID)
}

// GetMember looks up a guild member with the bot credential. A missing member
// surfaces as a NotFound TransportError.
func (c *Client) GetMember(ctx context.Context, guildID, userID string) (*Member, error) {
	resp, err := c.Invoke(ctx, Request{
		Route:  RouteMemberLookup,
		Major:  guildID,
		Method: http.MethodGet,
		Path:   memberPath(guildID, userID),
	})
	if err != nil {
		return nil, err
	}
	var member Member
	if err := resp.Decode(&member); err != nil {
		return nil, fmt.Errorf("discord: decode member: %w", err)
	}
	return &member, nil
}

// AddMember joins userID to the guild using the user's OAuth access token
// (guilds.join scope). joined is false when the platform answered 204 because
// the user was already a member; that is a success, not an error.
func (c *Client) AddMember(ctx context.Context, guildID, userID, accessToken string) (joined bool, member *Member, err error) {
	body, err := json.Marshal(map[string]string{"access_token": accessToken})
	if err != nil {
		return false, nil, fmt.Errorf("discord: encode join body: %w", err)
	}
	resp, err := c.Invoke(ctx, Request{
		Route:  RouteMemberJoin,
		Major:  guildID,
		Method: http.MethodPut,
		Path:   memberPath(guildID, userID),
		Body:   body,
	})
	if err != nil {
		return false, nil, err
	}
	joined = resp.StatusCode == http.StatusCreated
	if resp.StatusCode == http.StatusNoContent || len(resp.Body) == 0 {
		return joined, nil, nil
	}
	var m Member
	if err := resp.Decode(&m); err != nil {
		// The join itself succeeded; only the role snapshot is lost.
		c.logger.Warn().
			Err(err).
			Str("guild_id", guildID).
			Str("user_id", userID).
			Int("status", resp.StatusCode).
			Msg("Join response body unreadable; member roles not observed")
		return joined, nil, nil
	}
	return joined, &m, nil
}

// AddMemberRole grants roleID. The platform answers 204 whether or not the
// member already held the role, so the call is idempotent.
func (c *Client) AddMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	_, err := c.Invoke(ctx, Request{
		Route:  RouteMemberRoles,
		Major:  guildID,
		Method: http.MethodPut,
		Path:   memberPath(guildID, userID) + "/roles/" + url.PathEscape(roleID),
		Header: http.Header{"X-Audit-Log-Reason": []string{"subscription plan sync"}},
	})
	return err
}

// RemoveMemberRole revokes roleID; revoking a role the member lacks is a 204.
func (c *Client) RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	_, err := c.Invoke(ctx, Request{
		Route:  RouteMemberRoles,
		Major:  guildID,
		Method: http.MethodDelete,
		Path:   memberPath(guildID, userID) + "/roles/" + url.PathEscape(roleID),
		Header: http.Header{"X-Audit-Log-Reason": []string{"subscription plan sync"}},
	})
	return err
}

// CurrentUser resolves the identity behind a user access token.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*User, error) {
	resp, err := c.Invoke(ctx, Request{
		Route:         RouteCurrentUser,
		Method:        http.MethodGet,
		Path:          "/users/@me",
		Authorization: "Bearer " + accessToken,
		SkipBotAuth:   true,
	})
	if err != nil {
		return nil, err
	}
	var user User
	if err := resp.Decode(&user); err != nil {
		return nil, fmt.Errorf("discord: decode user: %w", err)
	}
	return &user, nil
}
