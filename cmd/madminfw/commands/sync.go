package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Rebuild all managed chains from the rule store",
	Long: `Sync flushes and rebuilds every MADMIN core chain from the stored rules and
rewrites the managed jump blocks (core chain first, module chains by
priority). Idempotent; run it to recover from manual iptables changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return a.engine.Synchronize(cmd.Context())
	},
}

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Snapshot the live rule-set to the persistent rules files",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return a.engine.Save(cmd.Context())
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Load the persisted rules files into the kernel verbatim",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return a.engine.Restore(cmd.Context())
	},
}

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot sequence: restore persisted rules, then rebuild from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.engine.Restore(cmd.Context()); err != nil {
			a.log.Warnw("boot restore failed, rebuilding from store only", "error", err)
		}
		return a.engine.Initialize(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Compare live kernel chains against the rule store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.engine.Drift(cmd.Context())
		if err != nil {
			return err
		}
		if report.InSync {
			fmt.Println("kernel state matches the rule store")
			return nil
		}
		for _, g := range report.Groups {
			fmt.Printf("%s/%s out of sync:\n  store: %s\n  live:  %s\n",
				g.Table, g.Chain, idList(g.Expected), idList(g.Live))
		}
		return fmt.Errorf("%d chain group(s) out of sync, run madminfw sync", len(report.Groups))
	},
}

func idList(ids []string) string {
	if len(ids) == 0 {
		return "(empty)"
	}
	return strings.Join(ids, ", ")
}
