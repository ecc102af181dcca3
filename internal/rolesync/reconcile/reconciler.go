// Package reconcile converges a member's community roles onto the role their
// subscription plan entitles them to.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	syncerrors "github.com/rcourtman/pulse-rolesync/internal/errors"
	"github.com/rcourtman/pulse-rolesync/internal/logging"
	"github.com/rcourtman/pulse-rolesync/internal/metrics"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/membership"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/roles"
	"github.com/rs/zerolog"
)

// Status is the terminal state of a reconciliation run.
type Status string

const (
	StatusReconciled     Status = "reconciled"
	StatusPartialFailure Status = "partial_failure"
	StatusNotLinked      Status = "not_linked"
	StatusUnlinked       Status = "unlinked"
)

// MutationOp is a single role change.
type MutationOp string

const (
	OpAdd    MutationOp = "add"
	OpRemove MutationOp = "remove"
)

// MutationFailure records a role change that did not take effect.
type MutationFailure struct {
	Op      MutationOp `json:"op"`
	RoleID  string     `json:"role_id"`
	Message string     `json:"error"`
	Err     error      `json:"-"`
}

// Outcome is the structured result of a run. A partial failure is an
// outcome, not an error; re-running Reconcile retries exactly the failed
// mutations.
type Outcome struct {
	RunID    string            `json:"run_id"`
	UserID   string            `json:"user_id"`
	Plan     roles.Plan        `json:"plan"`
	Status   Status            `json:"status"`
	Joined   bool              `json:"joined,omitempty"`
	Added    []string          `json:"added,omitempty"`
	Removed  []string          `json:"removed,omitempty"`
	Failures []MutationFailure `json:"failures,omitempty"`
}

// LinkStatus is the read-only projection shown to users.
type LinkStatus struct {
	IsConnected      bool               `json:"is_connected"`
	ExternalID       string             `json:"external_id,omitempty"`
	Username         string             `json:"username,omitempty"`
	LastKnownRoles   []string           `json:"last_known_roles"`
	LinkState        registry.LinkState `json:"link_state"`
	LastError        string             `json:"last_error,omitempty"`
	LastReconciledAt *time.Time         `json:"last_reconciled_at,omitempty"`
}

// Store is the subset of the link registry the reconciler uses. Its leases
// serialize runs for one user across every process sharing the registry.
type Store interface {
	Leaser
	Get(ctx context.Context, internalUserID string) (*registry.LinkedAccount, error)
	GetByExternalID(ctx context.Context, externalID string) (*registry.LinkedAccount, error)
	UpdateSyncState(ctx context.Context, internalUserID string, s registry.SyncState) error
	Delete(ctx context.Context, internalUserID string) (bool, error)
}

// MemberEnsurer confirms guild membership.
type MemberEnsurer interface {
	EnsureMember(ctx context.Context, account *registry.LinkedAccount) (*membership.Result, error)
}

// RoleClient applies role mutations. Both calls must be idempotent.
type RoleClient interface {
	AddMemberRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error
}

// RoleMapper resolves plans to roles.
type RoleMapper interface {
	DesiredRole(plan roles.Plan) (string, error)
	IsManaged(roleID string) bool
}

// Reconciler runs reconciliations. It is safe for concurrent use; runs for
// the same user are serialized, including against other processes.
type Reconciler struct {
	guildID string
	store   Store
	members MemberEnsurer
	roles   RoleClient
	mapper  RoleMapper
	locks   *userLock
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a Reconciler for guildID.
func New(guildID string, store Store, members MemberEnsurer, roleClient RoleClient, mapper RoleMapper) (*Reconciler, error) {
	if guildID == "" {
		return nil, fmt.Errorf("reconcile: guild ID is required")
	}
	if store == nil || members == nil || roleClient == nil || mapper == nil {
		return nil, fmt.Errorf("reconcile: store, ensurer, role client and mapper are required")
	}
	logger := logging.Component("reconcile")
	return &Reconciler{
		guildID: guildID,
		store:   store,
		members: members,
		roles:   roleClient,
		mapper:  mapper,
		locks: &userLock{
			local:  newKeyedMutex(),
			leases: store,
			owner:  ulid.Make().String(),
			ttl:    defaultLeaseTTL,
			poll:   defaultLeasePoll,
			logger: logger,
		},
		logger: logger,
		now:    time.Now,
	}, nil
}

// Reconcile brings internalUserID's managed roles in line with plan.
//
// Errors are returned for failures that stop the run before any mutation:
// membership errors (*errors.MembershipError), an unknown plan
// (*errors.ConfigError), registry failures and cancellation.
func (r *Reconciler) Reconcile(ctx context.Context, internalUserID string, plan roles.Plan) (*Outcome, error) {
	start := r.now()
	outcome := &Outcome{
		RunID:  ulid.Make().String(),
		UserID: internalUserID,
		Plan:   plan,
	}
	logger := r.logger.With().
		Str("run_id", outcome.RunID).
		Str("user_id", internalUserID).
		Str("plan", string(plan)).
		Logger()

	err := r.run(logging.WithLogger(ctx, logger), outcome)

	label := string(outcome.Status)
	if err != nil {
		label = syncerrors.Label(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			label = "canceled"
		}
	}
	metrics.ReconciliationsTotal.WithLabelValues(label).Inc()
	metrics.ReconcileDuration.Observe(r.now().Sub(start).Seconds())

	if err != nil {
		logger.Warn().Err(err).Msg("Reconciliation failed")
		return nil, err
	}

	event := logger.Info()
	if outcome.Status == StatusPartialFailure {
		event = logger.Warn().Int("failures", len(outcome.Failures))
	}
	event.
		Str("status", string(outcome.Status)).
		Strs("added", outcome.Added).
		Strs("removed", outcome.Removed).
		Dur("duration", r.now().Sub(start)).
		Msg("Reconciliation finished")
	return outcome, nil
}

func (r *Reconciler) run(ctx context.Context, outcome *Outcome) error {
	logger := logging.FromContext(ctx)
	userID := outcome.UserID

	unlock, err := r.locks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	account, err := r.store.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load linked account: %w", err)
	}
	if account == nil || account.LinkState == registry.LinkStateUnlinked {
		outcome.Status = StatusNotLinked
		return nil
	}

	desired, err := r.mapper.DesiredRole(outcome.Plan)
	if err != nil {
		return err
	}

	member, err := r.members.EnsureMember(ctx, account)
	if err != nil {
		r.recordMembershipFailure(ctx, account, err)
		return err
	}
	outcome.Joined = member.Joined
	logger.Debug().Bool("observed", member.Observed).Strs("roles", member.Roles).Msg("Membership checked")

	held := managedSubset(r.mapper.IsManaged, account.LastKnownRoles)
	if member.Observed {
		held = managedSubset(r.mapper.IsManaged, member.Roles)
	}
	diff := computeDiff(r.mapper.IsManaged, desired, account.LastKnownRoles, member.Roles, member.Observed)
	if diff.Empty() {
		logger.Debug().Strs("roles", held).Msg("Roles already converged")
	} else {
		logger.Debug().Strs("to_add", diff.ToAdd).Strs("to_remove", diff.ToRemove).Msg("Roles diffed")
	}

	cache := make(map[string]struct{}, len(held)+1)
	for _, role := range held {
		cache[role] = struct{}{}
	}

	var runErr error
	apply := func(op MutationOp, roleID string) {
		if runErr != nil {
			return
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			return
		}
		var err error
		if op == OpRemove {
			err = r.roles.RemoveMemberRole(ctx, r.guildID, account.ExternalID, roleID)
		} else {
			err = r.roles.AddMemberRole(ctx, r.guildID, account.ExternalID, roleID)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				runErr = ctxErr
				return
			}
			metrics.RoleMutationsTotal.WithLabelValues(string(op), "failed").Inc()
			outcome.Failures = append(outcome.Failures, MutationFailure{Op: op, RoleID: roleID, Message: err.Error(), Err: err})
			logger.Warn().Err(err).Str("op", string(op)).Str("role_id", roleID).Msg("Role mutation failed")
			// The member may still hold it even if the observed roles missed it.
			if op == OpRemove {
				cache[roleID] = struct{}{}
			}
			return
		}
		metrics.RoleMutationsTotal.WithLabelValues(string(op), "ok").Inc()
		if op == OpRemove {
			delete(cache, roleID)
			outcome.Removed = append(outcome.Removed, roleID)
		} else {
			cache[roleID] = struct{}{}
			outcome.Added = append(outcome.Added, roleID)
		}
	}

	// Removals go first so a member never briefly holds two tiers.
	for _, roleID := range diff.ToRemove {
		apply(OpRemove, roleID)
	}
	for _, roleID := range diff.ToAdd {
		apply(OpAdd, roleID)
	}

	lastKnown := make([]string, 0, len(cache))
	for role := range cache {
		lastKnown = append(lastKnown, role)
	}

	state := registry.SyncState{
		LinkState:      registry.LinkStateLinked,
		LastKnownRoles: lastKnown,
	}
	switch {
	case runErr != nil:
		state.LastError = runErr.Error()
	case len(outcome.Failures) > 0:
		outcome.Status = StatusPartialFailure
		state.LastError = failureSummary(outcome.Failures)
	default:
		outcome.Status = StatusReconciled
		now := r.now().UTC()
		state.ReconciledAt = &now
	}

	// Persist what actually happened even when the caller has gone away.
	if err := r.store.UpdateSyncState(context.WithoutCancel(ctx), userID, state); err != nil {
		if runErr != nil {
			return errors.Join(runErr, fmt.Errorf("persist sync state: %w", err))
		}
		return fmt.Errorf("persist sync state: %w", err)
	}
	return runErr
}

// Unlink strips the managed roles recorded for internalUserID and then drops
// the link. If any removal fails the link is kept with the remaining roles
// cached and the outcome reports a partial failure, so a repeat call finishes
// the job.
func (r *Reconciler) Unlink(ctx context.Context, internalUserID string) (*Outcome, error) {
	outcome := &Outcome{RunID: ulid.Make().String(), UserID: internalUserID}
	logger := r.logger.With().Str("run_id", outcome.RunID).Str("user_id", internalUserID).Logger()

	unlock, err := r.locks.Lock(ctx, internalUserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	account, err := r.store.Get(ctx, internalUserID)
	if err != nil {
		return nil, fmt.Errorf("load linked account: %w", err)
	}
	if account == nil {
		outcome.Status = StatusNotLinked
		return outcome, nil
	}

	remaining, err := r.stripManaged(ctx, account.ExternalID, account.LastKnownRoles, outcome)
	if err != nil {
		return nil, err
	}

	if len(outcome.Failures) > 0 {
		outcome.Status = StatusPartialFailure
		err := r.store.UpdateSyncState(context.WithoutCancel(ctx), internalUserID, registry.SyncState{
			LinkState:      account.LinkState,
			LastKnownRoles: remaining,
			LastError:      failureSummary(outcome.Failures),
		})
		if err != nil {
			return nil, fmt.Errorf("persist sync state: %w", err)
		}
		logger.Warn().Int("failures", len(outcome.Failures)).Msg("Unlink left roles in place")
		return outcome, nil
	}

	if _, err := r.store.Delete(context.WithoutCancel(ctx), internalUserID); err != nil {
		return nil, fmt.Errorf("delete linked account: %w", err)
	}
	outcome.Status = StatusUnlinked
	logger.Info().Strs("removed", outcome.Removed).Msg("Account unlinked")
	return outcome, nil
}

// SwapIdentity runs commit, which points internalUserID at externalID, while
// holding the user's lock. When the user is currently linked to a different
// identity, the managed roles cached for that identity are stripped first. If
// any removal fails the old link is kept with the remaining roles cached and
// commit is not run, so linking again retries the cleanup.
func (r *Reconciler) SwapIdentity(ctx context.Context, internalUserID, externalID string, commit func(context.Context) (*registry.LinkedAccount, error)) (*registry.LinkedAccount, error) {
	unlock, err := r.locks.Lock(ctx, internalUserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	owner, err := r.store.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("look up identity owner: %w", err)
	}
	if owner != nil && owner.InternalUserID != internalUserID {
		return nil, syncerrors.NewLinkError(syncerrors.LinkIdentityAlreadyLinked, "swap_identity", internalUserID, registry.ErrExternalIDTaken)
	}

	account, err := r.store.Get(ctx, internalUserID)
	if err != nil {
		return nil, fmt.Errorf("load linked account: %w", err)
	}
	if account != nil && account.ExternalID != externalID {
		if err := r.retireIdentity(ctx, account); err != nil {
			return nil, err
		}
	}
	return commit(ctx)
}

func (r *Reconciler) retireIdentity(ctx context.Context, account *registry.LinkedAccount) error {
	outcome := &Outcome{RunID: ulid.Make().String(), UserID: account.InternalUserID}
	logger := r.logger.With().
		Str("run_id", outcome.RunID).
		Str("user_id", account.InternalUserID).
		Str("external_id", account.ExternalID).
		Logger()

	remaining, err := r.stripManaged(ctx, account.ExternalID, account.LastKnownRoles, outcome)
	if err != nil {
		return err
	}
	state := registry.SyncState{LinkState: account.LinkState, LastKnownRoles: remaining}
	if len(outcome.Failures) > 0 {
		state.LastError = "retire identity " + account.ExternalID + ": " + failureSummary(outcome.Failures)
	}
	if err := r.store.UpdateSyncState(context.WithoutCancel(ctx), account.InternalUserID, state); err != nil {
		return fmt.Errorf("persist sync state: %w", err)
	}
	if len(outcome.Failures) > 0 {
		logger.Warn().Int("failures", len(outcome.Failures)).Msg("Previous identity still holds managed roles")
		return fmt.Errorf("retire previous identity %s: %w", account.ExternalID, outcome.Failures[0].Err)
	}
	logger.Info().Strs("removed", outcome.Removed).Msg("Previous identity retired")
	return nil
}

// stripManaged removes the managed roles in roleIDs from externalID and
// returns the ones that could not be removed. A 404 means the member or role
// is already gone and counts as removed.
func (r *Reconciler) stripManaged(ctx context.Context, externalID string, roleIDs []string, outcome *Outcome) ([]string, error) {
	var remaining []string
	for _, roleID := range managedSubset(r.mapper.IsManaged, roleIDs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := r.roles.RemoveMemberRole(ctx, r.guildID, externalID, roleID)
		if err != nil && !syncerrors.IsNotFound(err) {
			metrics.RoleMutationsTotal.WithLabelValues(string(OpRemove), "failed").Inc()
			outcome.Failures = append(outcome.Failures, MutationFailure{Op: OpRemove, RoleID: roleID, Message: err.Error(), Err: err})
			remaining = append(remaining, roleID)
			continue
		}
		metrics.RoleMutationsTotal.WithLabelValues(string(OpRemove), "ok").Inc()
		outcome.Removed = append(outcome.Removed, roleID)
	}
	return remaining, nil
}

func (r *Reconciler) recordMembershipFailure(ctx context.Context, account *registry.LinkedAccount, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	state := account.LinkState
	var membershipErr *syncerrors.MembershipError
	if errors.As(err, &membershipErr) {
		switch membershipErr.Kind {
		case syncerrors.MembershipNotFound:
			state = registry.LinkStateMembershipPending
		case syncerrors.MembershipTokenExpired:
			state = registry.LinkStateErrored
		}
	}
	persistErr := r.store.UpdateSyncState(context.WithoutCancel(ctx), account.InternalUserID, registry.SyncState{
		LinkState:      state,
		LastKnownRoles: account.LastKnownRoles,
		LastError:      err.Error(),
	})
	if persistErr != nil {
		logger := logging.FromContext(ctx)
		logger.Error().Err(persistErr).Msg("Failed to record membership failure")
	}
}

func failureSummary(failures []MutationFailure) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s %s: %s", f.Op, f.RoleID, f.Message))
	}
	return strings.Join(parts, "; ")
}

// GetLinkStatus returns the display projection for internalUserID.
func (r *Reconciler) GetLinkStatus(ctx context.Context, internalUserID string) (*LinkStatus, error) {
	account, err := r.store.Get(ctx, internalUserID)
	if err != nil {
		return nil, fmt.Errorf("load linked account: %w", err)
	}
	if account == nil {
		return &LinkStatus{LinkState: registry.LinkStateUnlinked, LastKnownRoles: []string{}}, nil
	}
	lastKnown := account.LastKnownRoles
	if lastKnown == nil {
		lastKnown = []string{}
	}
	return &LinkStatus{
		IsConnected:      account.LinkState != registry.LinkStateUnlinked,
		ExternalID:       account.ExternalID,
		Username:         account.Username,
		LastKnownRoles:   lastKnown,
		LinkState:        account.LinkState,
		LastError:        account.LastError,
		LastReconciledAt: account.LastReconciledAt,
	}, nil
}
