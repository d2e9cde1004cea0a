package services

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/EdoardoFiore/madmin/internal/config"
	"github.com/EdoardoFiore/madmin/internal/database"
	"github.com/EdoardoFiore/madmin/internal/logger"
	"github.com/EdoardoFiore/madmin/internal/models"
)

// fakeRunner records every command and lets tests script failures. Unlike
// MockCommandRunner it needs no per-command expectations, which keeps
// full-pass synchronizer tests readable.
type fakeRunner struct {
	mu         sync.Mutex
	commands   [][]string
	saveOutput string
	failOn     func(name string, args []string) error
}

func (f *fakeRunner) record(name string, args []string) error {
	f.mu.Lock()
	cmd := append([]string{name}, args...)
	f.commands = append(f.commands, cmd)
	failOn := f.failOn
	f.mu.Unlock()

	if failOn != nil {
		return failOn(name, args)
	}
	return nil
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	return f.record(name, args)
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := f.record(name, args); err != nil {
		return nil, err
	}
	return []byte(f.saveOutput), nil
}

func (f *fakeRunner) RunInput(ctx context.Context, input string, name string, args ...string) error {
	return f.record(name, args)
}

func (f *fakeRunner) setFailOn(fn func(name string, args []string) error) {
	f.mu.Lock()
	f.failOn = fn
	f.mu.Unlock()
}

func (f *fakeRunner) reset() {
	f.mu.Lock()
	f.commands = nil
	f.mu.Unlock()
}

func (f *fakeRunner) recorded() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// joined returns the recorded commands as single strings for substring
// matching.
func (f *fakeRunner) joined() []string {
	var out []string
	for _, cmd := range f.recorded() {
		out = append(out, strings.Join(cmd, " "))
	}
	return out
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type testEnv struct {
	runner  *fakeRunner
	rules   *RuleStore
	chains  *ChainRegistry
	persist *PersistService
	synchro *Synchronizer
	engine  *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	log := logger.Nop()
	runner := &fakeRunner{}

	dir := t.TempDir()
	cfg := config.FirewallConfig{
		RulesV4: filepath.Join(dir, "rules.v4"),
		RulesV6: filepath.Join(dir, "rules.v6"),
	}

	rules := NewRuleStore(db)
	chains := NewChainRegistry(db)
	persist := NewPersistService(log, runner, cfg, rules, chains)
	synchro := NewSynchronizer(log, runner, rules, chains, persist)
	engine := NewEngine(log, rules, chains, synchro, persist, nil)

	return &testEnv{
		runner:  runner,
		rules:   rules,
		chains:  chains,
		persist: persist,
		synchro: synchro,
		engine:  engine,
	}
}

func acceptRule(id string) *models.Rule {
	return &models.Rule{
		ID:      id,
		Table:   models.TableFilter,
		Chain:   models.ChainInput,
		Action:  "ACCEPT",
		Enabled: true,
	}
}

// assertContiguous checks the store invariant: orders in a group are exactly
// 0..n-1.
func assertContiguous(t *testing.T, rules []models.Rule) {
	t.Helper()
	for i, r := range rules {
		require.Equal(t, i, r.Order, "rule %s out of place", r.ID)
	}
}
