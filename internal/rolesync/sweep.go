package rolesync

import (
	"context"
	"errors"
	"time"

	syncerrors "github.com/rcourtman/pulse-rolesync/internal/errors"
	"github.com/rcourtman/pulse-rolesync/internal/logging"
	"github.com/rcourtman/pulse-rolesync/internal/metrics"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/reconcile"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/roles"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// AccountLister lists every linked account.
type AccountLister interface {
	List(ctx context.Context) ([]*registry.LinkedAccount, error)
}

// Reconciler applies a plan to one user.
type Reconciler interface {
	Reconcile(ctx context.Context, internalUserID string, plan roles.Plan) (*reconcile.Outcome, error)
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Accounts  int `json:"accounts"`
	Converged int `json:"converged"`
	Partial   int `json:"partial"`
	Failed    int `json:"failed"`
}

// Sweeper periodically re-reconciles every linked account against its
// recorded plan. It repairs drift and finishes work left by failed runs.
type Sweeper struct {
	accounts    AccountLister
	plans       PlanSource
	reconciler  Reconciler
	interval    time.Duration
	concurrency int
	logger      zerolog.Logger
}

// NewSweeper creates a Sweeper. An interval of zero disables Run.
func NewSweeper(accounts AccountLister, plans PlanSource, reconciler Reconciler, interval time.Duration, concurrency int) *Sweeper {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Sweeper{
		accounts:    accounts,
		plans:       plans,
		reconciler:  reconciler,
		interval:    interval,
		concurrency: concurrency,
		logger:      logging.Component("sweep"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info().Msg("Periodic sweep disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Sweep failed")
			}
		}
	}
}

// SweepOnce reconciles every linked account once. Per-account failures are
// logged and counted; only a failure to list accounts or cancellation is
// returned.
func (s *Sweeper) SweepOnce(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return nil, err
	}

	results := make(chan string, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, account := range accounts {
		if account.LinkState == registry.LinkStateUnlinked {
			continue
		}
		userID := account.InternalUserID
		g.Go(func() error {
			result := s.sweepAccount(gctx, userID)
			metrics.SweepAccountsTotal.WithLabelValues(result).Inc()
			results <- result
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	res := &SweepResult{}
	for result := range results {
		res.Accounts++
		switch result {
		case string(reconcile.StatusReconciled), string(reconcile.StatusNotLinked):
			res.Converged++
		case string(reconcile.StatusPartialFailure):
			res.Partial++
		default:
			res.Failed++
		}
	}

	s.logger.Info().
		Int("accounts", res.Accounts).
		Int("converged", res.Converged).
		Int("partial", res.Partial).
		Int("failed", res.Failed).
		Dur("duration", time.Since(start)).
		Msg("Sweep finished")
	return res, ctx.Err()
}

func (s *Sweeper) sweepAccount(ctx context.Context, userID string) string {
	plan, err := s.plans.Current(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Sweep skipped account with unreadable plan")
		return syncerrors.Label(err)
	}
	outcome, err := s.reconciler.Reconcile(ctx, userID, plan)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "canceled"
		}
		return syncerrors.Label(err)
	}
	return string(outcome.Status)
}
