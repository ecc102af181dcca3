package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/rcourtman/pulse-rolesync/internal/rolesync"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/roles"
	"github.com/spf13/cobra"
)

// openService is swapped in tests.
var openService = func() (*rolesync.Service, error) {
	return rolesync.Open(Version)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service (webhook, link flow, admin API, periodic sweep)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <user-id> [plan]",
	Short: "Reconcile one user's roles, optionally recording a new plan first",
	Long: `Reconcile one user's community roles.

With a plan argument the plan is recorded as the user's current plan before
reconciling; without one the recorded plan (or free) is used.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var plan roles.Plan
		if len(args) == 2 {
			p, err := roles.ParsePlan(args[1])
			if err != nil {
				return err
			}
			plan = p
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		userID := args[0]
		if plan != "" {
			if err := svc.Plans.Record(ctx, userID, plan); err != nil {
				return fmt.Errorf("record plan: %w", err)
			}
		} else if plan, err = svc.Plans.Current(ctx, userID); err != nil {
			return err
		}

		outcome, err := svc.Reconciler.Reconcile(ctx, userID, plan)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), outcome)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Show a user's link status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		status, err := svc.Reconciler.GetLinkStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), status)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile every linked account once against its recorded plan",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		result, err := svc.Sweeper.SweepOnce(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
