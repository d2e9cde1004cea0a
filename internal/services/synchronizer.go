package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/EdoardoFiore/madmin/internal/models"
)

// Synchronizer brings the live kernel chains into agreement with the Rule
// Store and Chain Registry. It only ever rewrites chains the engine owns:
// the MADMIN core chain of each (table, base chain) group and the managed
// jump block inside the base chain. Base chain rules installed by anything
// else are never touched, and module chain contents belong to their modules.
//
// A pass is a full flush-and-rebuild from the store, which makes it
// idempotent: rerunning it without intervening mutations reproduces the
// exact same kernel state.
type Synchronizer struct {
	log     *zap.SugaredLogger
	runner  Runner
	rules   *RuleStore
	chains  *ChainRegistry
	persist *PersistService
}

func NewSynchronizer(log *zap.SugaredLogger, runner Runner, rules *RuleStore, chains *ChainRegistry, persist *PersistService) *Synchronizer {
	return &Synchronizer{log: log, runner: runner, rules: rules, chains: chains, persist: persist}
}

// Sync rebuilds every managed (table, base chain) group. A failing group is
// rolled back to a safe empty state and reported, but does not stop the
// remaining groups. The kernel rule-set is snapshotted only when every group
// succeeded.
func (s *Synchronizer) Sync(ctx context.Context) error {
	var errs []error
	for _, g := range models.ChainGroups() {
		if err := s.syncGroup(ctx, g.Table, g.ParentChain); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		if err := s.persist.Save(ctx); err != nil {
			errs = append(errs, err)
		}
	} else {
		s.log.Warnw("skipping rule-set snapshot after partial sync failure", "errors", len(errs))
	}
	return errors.Join(errs...)
}

// SyncGroup rebuilds a single (table, base chain) group and snapshots on
// success. Used when a mutation only affects one group.
func (s *Synchronizer) SyncGroup(ctx context.Context, table, parent string) error {
	if _, ok := models.CoreChain(table, parent); !ok {
		return fmt.Errorf("unknown chain group %s/%s", table, parent)
	}
	if err := s.syncGroup(ctx, table, parent); err != nil {
		return err
	}
	return s.persist.Save(ctx)
}

func (s *Synchronizer) syncGroup(ctx context.Context, table, parent string) error {
	core, _ := models.CoreChain(table, parent)

	mods, err := s.chains.ListGroup(table, parent)
	if err != nil {
		return fmt.Errorf("failed to load module chains for %s/%s: %w", table, parent, err)
	}

	// The core chain is fully regenerated from the store; module chain
	// contents are owned by their modules, so those chains are only
	// guaranteed to exist.
	if err := s.ensureChain(ctx, table, core); err != nil {
		return s.failGroup(table, parent, err)
	}
	if err := s.iptables(ctx, table, "-F", core); err != nil {
		return s.failGroup(table, parent, err)
	}
	for _, mc := range mods {
		if err := s.ensureChain(ctx, table, mc.ChainName); err != nil {
			return s.failGroup(table, parent, err)
		}
	}

	rules, err := s.rules.ListGroup(table, parent)
	if err != nil {
		return fmt.Errorf("failed to load rules for %s/%s: %w", table, parent, err)
	}
	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		args, err := CompileRule(r, core)
		if err != nil {
			// A stored rule that no longer compiles means the store was
			// tampered with; degrade the chain rather than apply half of it.
			s.rollbackChain(ctx, table, core)
			return &SyncError{Table: table, Chain: parent, Command: []string{"-A", core}, Stderr: err.Error()}
		}
		if err := s.runner.Run(ctx, "iptables", args...); err != nil {
			s.rollbackChain(ctx, table, core)
			return &SyncError{Table: table, Chain: parent, Command: args, Stderr: stderrOf(err)}
		}
	}

	if err := s.rebuildJumpBlock(ctx, table, parent, core, mods); err != nil {
		s.rollbackChain(ctx, table, core)
		return err
	}

	if err := s.rules.SetGroupApplied(table, parent, true); err != nil {
		return err
	}
	s.log.Debugw("synchronized chain group", "table", table, "chain", parent, "rules", len(rules), "module_chains", len(mods))
	return nil
}

// rebuildJumpBlock rewrites the managed jumps in the base chain: the core
// chain first, then module chains by ascending priority. Stale managed jumps
// are removed before re-inserting so repeated passes never accumulate
// duplicates.
func (s *Synchronizer) rebuildJumpBlock(ctx context.Context, table, parent, core string, mods []models.ModuleChain) error {
	targets := make([]string, 0, len(mods)+1)
	targets = append(targets, core)
	for _, mc := range mods {
		targets = append(targets, mc.ChainName)
	}

	for _, target := range targets {
		// Absent jumps make this fail; that is the expected case on first run.
		_ = s.iptables(ctx, table, "-D", parent, "-j", target)
	}

	for i, target := range targets {
		args := []string{"-t", table, "-I", parent, strconv.Itoa(i + 1), "-j", target}
		if err := s.runner.Run(ctx, "iptables", args...); err != nil {
			return &SyncError{Table: table, Chain: parent, Command: args, Stderr: stderrOf(err)}
		}
	}
	return nil
}

// RemoveModuleChain tears down an unregistered module chain: drop its jump
// from the parent, flush it and delete it. Best effort, the registry record
// is already gone.
func (s *Synchronizer) RemoveModuleChain(ctx context.Context, mc *models.ModuleChain) {
	if err := s.iptables(ctx, mc.Table, "-D", mc.ParentChain, "-j", mc.ChainName); err != nil {
		s.log.Debugw("no jump to remove for module chain", "chain", mc.ChainName)
	}
	if err := s.iptables(ctx, mc.Table, "-F", mc.ChainName); err != nil {
		s.log.Warnw("failed to flush module chain", "chain", mc.ChainName, "error", err)
		return
	}
	if err := s.iptables(ctx, mc.Table, "-X", mc.ChainName); err != nil {
		s.log.Warnw("failed to delete module chain", "chain", mc.ChainName, "error", err)
	}
}

// ensureChain creates the chain when it does not exist yet.
func (s *Synchronizer) ensureChain(ctx context.Context, table, chain string) error {
	if err := s.iptables(ctx, table, "-L", chain, "-n"); err == nil {
		return nil
	}
	return s.iptables(ctx, table, "-N", chain)
}

// rollbackChain forces a failed chain to a safe empty state. There is no
// snapshot of the previous contents to restore, so empty-and-flagged beats
// guessing.
func (s *Synchronizer) rollbackChain(ctx context.Context, table, chain string) {
	if err := s.iptables(ctx, table, "-F", chain); err != nil {
		s.log.Errorw("rollback flush failed, chain state unknown", "table", table, "chain", chain, "error", err)
		return
	}
	s.log.Warnw("chain rolled back to empty after sync failure, operator attention required", "table", table, "chain", chain)
}

func (s *Synchronizer) failGroup(table, parent string, err error) error {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return &SyncError{Table: table, Chain: parent, Command: cmdErr.Args, Stderr: cmdErr.Stderr}
	}
	return fmt.Errorf("sync failed for %s/%s: %w", table, parent, err)
}

func (s *Synchronizer) iptables(ctx context.Context, table string, args ...string) error {
	full := append([]string{"-t", table}, args...)
	return s.runner.Run(ctx, "iptables", full...)
}

func stderrOf(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.Stderr != "" {
		return cmdErr.Stderr
	}
	return err.Error()
}
