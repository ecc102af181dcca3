package registry

import (
	"errors"
	"sort"
	"time"
)

// ErrExternalIDTaken is returned when an external identity is already owned by
// a different internal user.
var ErrExternalIDTaken = errors.New("external identity already linked to another user")

// LinkState is the lifecycle state of a linked account.
type LinkState string

const (
	LinkStateUnlinked          LinkState = "unlinked"
	LinkStateLinked            LinkState = "linked"
	LinkStateMembershipPending LinkState = "membership_pending"
	LinkStateErrored           LinkState = "errored"
)

// LinkStates lists every state, for metrics that must report zero counts.
var LinkStates = []LinkState{LinkStateUnlinked, LinkStateLinked, LinkStateMembershipPending, LinkStateErrored}

// LinkedAccount binds an internal user to an external community identity.
// Tokens are owned by the linker and are encrypted at rest.
type LinkedAccount struct {
	InternalUserID string    `json:"internal_user_id"`
	ExternalID     string    `json:"external_id"`
	Username       string    `json:"username,omitempty"`
	AccessToken    string    `json:"-"`
	RefreshToken   string    `json:"-"`
	TokenExpiry    time.Time `json:"-"`

	LastKnownRoles   []string   `json:"last_known_roles"`
	LinkState        LinkState  `json:"link_state"`
	LastError        string     `json:"last_error,omitempty"`
	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// PlanRecord is the last plan committed by billing for a user.
type PlanRecord struct {
	InternalUserID string    `json:"internal_user_id"`
	Plan           string    `json:"plan"`
	EventAt        time.Time `json:"event_at,omitzero"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SyncState is the outcome of a reconciliation persisted onto an account.
type SyncState struct {
	LinkState      LinkState
	LastKnownRoles []string
	LastError      string
	ReconciledAt   *time.Time
}

func normalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
