package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EdoardoFiore/madmin/internal/models"
)

func intp(n int) *int { return &n }

func TestEngineCreateRuleValidatesBeforeKernel(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.CreateRule(context.Background(), models.RuleInput{
		Table:  models.TableNAT,
		Chain:  models.ChainPrerouting,
		Action: "DNAT", // missing to_destination
	})

	var invalid *InvalidRuleError
	require.ErrorAs(t, err, &invalid)
	assert.Empty(t, env.runner.recorded(), "invalid input never reaches the kernel")
}

func TestEngineCreateRuleAppliesGroup(t *testing.T) {
	env := newTestEnv(t)

	rule, err := env.engine.CreateRule(context.Background(), models.RuleInput{
		Chain:    models.ChainInput,
		Action:   "ACCEPT",
		Protocol: "tcp",
		Port:     "22",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TableFilter, rule.Table, "table defaults to filter")
	assert.True(t, rule.Applied)
	assert.True(t, rule.Enabled)

	stored, err := env.engine.GetRule(rule.ID)
	require.NoError(t, err)
	assert.True(t, stored.Applied)
}

func TestEngineCreateRuleAtPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	accept, err := env.engine.CreateRule(ctx, models.RuleInput{
		Chain:    models.ChainInput,
		Action:   "ACCEPT",
		Protocol: "tcp",
		Port:     "22",
	})
	require.NoError(t, err)

	env.runner.reset()
	drop, err := env.engine.CreateRule(ctx, models.RuleInput{
		Chain:    models.ChainInput,
		Action:   "DROP",
		Protocol: "tcp",
		Port:     "23",
		Comment:  "block telnet",
		Order:    intp(0),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, drop.Order)

	rules, err := env.engine.ListRules(models.TableFilter)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, drop.ID, rules[0].ID)
	assert.Equal(t, accept.ID, rules[1].ID)
	assertContiguous(t, rules)

	// The rebuild replays the group in store order: DROP before ACCEPT.
	commands := env.runner.joined()
	dropIdx := commandIndex(commands, "--dport 23")
	acceptIdx := commandIndex(commands, "--dport 22")
	require.GreaterOrEqual(t, dropIdx, 0)
	require.Greater(t, acceptIdx, dropIdx)
}

func TestEngineCreateRuleReturnsStoredOnSyncFailure(t *testing.T) {
	env := newTestEnv(t)

	env.runner.setFailOn(func(name string, args []string) error {
		if strings.Contains(strings.Join(args, " "), "-A MADMIN_INPUT") {
			return &CommandError{Name: name, Args: args, Stderr: "boom"}
		}
		return nil
	})

	rule, err := env.engine.CreateRule(context.Background(), models.RuleInput{
		Chain:  models.ChainInput,
		Action: "ACCEPT",
	})

	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	require.NotNil(t, rule, "the stored rule is returned alongside the error")
	assert.False(t, rule.Applied)

	stored, getErr := env.engine.GetRule(rule.ID)
	require.NoError(t, getErr)
	assert.False(t, stored.Applied, "rule stays observable as not applied")
}

func TestEngineUpdateRuleMovesGroups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rule, err := env.engine.CreateRule(ctx, models.RuleInput{
		Chain:  models.ChainInput,
		Action: "ACCEPT",
	})
	require.NoError(t, err)

	env.runner.reset()
	updated, err := env.engine.UpdateRule(ctx, rule.ID, models.RuleInput{
		Chain:  models.ChainForward,
		Action: "DROP",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ChainForward, updated.Chain)

	// Both the new and the old group are rebuilt.
	commands := env.runner.joined()
	assert.True(t, hasCommand(commands, "-F MADMIN_FORWARD"))
	assert.True(t, hasCommand(commands, "-F MADMIN_INPUT"))
}

func TestEngineUpdateRuleNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.UpdateRule(context.Background(), "missing", models.RuleInput{
		Chain:  models.ChainInput,
		Action: "ACCEPT",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngineDeleteRuleResyncsGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rule, err := env.engine.CreateRule(ctx, models.RuleInput{
		Chain:  models.ChainInput,
		Action: "ACCEPT",
	})
	require.NoError(t, err)

	env.runner.reset()
	require.NoError(t, env.engine.DeleteRule(ctx, rule.ID))

	commands := env.runner.joined()
	assert.True(t, hasCommand(commands, "-F MADMIN_INPUT"))
	assert.False(t, hasCommand(commands, "ID_"+rule.ID), "deleted rule is not replayed")

	assert.ErrorIs(t, env.engine.DeleteRule(ctx, rule.ID), ErrNotFound)
}

func TestEngineReorderRule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.engine.CreateRule(ctx, models.RuleInput{Chain: models.ChainInput, Action: "ACCEPT"})
	require.NoError(t, err)
	b, err := env.engine.CreateRule(ctx, models.RuleInput{Chain: models.ChainInput, Action: "DROP"})
	require.NoError(t, err)

	require.NoError(t, env.engine.ReorderRule(ctx, b.ID, 0))

	rules, err := env.engine.ListRules(models.TableFilter)
	require.NoError(t, err)
	assert.Equal(t, b.ID, rules[0].ID)
	assert.Equal(t, a.ID, rules[1].ID)
	assertContiguous(t, rules)
}

func TestEngineRegisterModuleChainRequiresNamespace(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.RegisterModuleChain(context.Background(), "mod-a", models.TableFilter, models.ChainInput, "MYCHAIN")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MOD_")

	_, err = env.engine.RegisterModuleChain(context.Background(), "mod-a", models.TableNAT, models.ChainInput, "MOD_A")
	require.Error(t, err, "nat has no INPUT group")
}

func TestEngineRegisterModuleChainBuildsJump(t *testing.T) {
	env := newTestEnv(t)

	mc, err := env.engine.RegisterModuleChain(context.Background(), "mod-a", models.TableFilter, models.ChainInput, "MOD_A")
	require.NoError(t, err)
	assert.Equal(t, 10, mc.Priority)

	commands := env.runner.joined()
	assert.True(t, hasCommand(commands, "-I INPUT 1 -j MADMIN_INPUT"))
	assert.True(t, hasCommand(commands, "-I INPUT 2 -j MOD_A"))
}

func TestEngineUnregisterModuleChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mc, err := env.engine.RegisterModuleChain(ctx, "mod-a", models.TableFilter, models.ChainInput, "MOD_A")
	require.NoError(t, err)

	env.runner.reset()
	require.NoError(t, env.engine.UnregisterModuleChain(ctx, mc.ID))

	commands := env.runner.joined()
	assert.True(t, hasCommand(commands, "-X MOD_A"))

	chains, err := env.engine.ListChains("")
	require.NoError(t, err)
	assert.Empty(t, chains)
}

func TestEngineReorderChainsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.engine.RegisterModuleChain(ctx, "mod-a", models.TableFilter, models.ChainInput, "MOD_A")
	require.NoError(t, err)
	b, err := env.engine.RegisterModuleChain(ctx, "mod-b", models.TableFilter, models.ChainInput, "MOD_B")
	require.NoError(t, err)

	env.runner.setFailOn(func(name string, args []string) error {
		if strings.Contains(strings.Join(args, " "), "-I INPUT") {
			return &CommandError{Name: name, Args: args, Stderr: "boom"}
		}
		return nil
	})

	err = env.engine.ReorderChains(ctx, models.TableFilter, models.ChainInput, []string{b.ID, a.ID})
	require.Error(t, err)

	// Priorities rolled back to the pre-reorder order.
	chains, listErr := env.engine.ListChains(models.TableFilter)
	require.NoError(t, listErr)
	require.Len(t, chains, 2)
	assert.Equal(t, a.ID, chains[0].ID)
	assert.Equal(t, b.ID, chains[1].ID)
}

func TestEngineReorderChainsRejectsPartialSet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.engine.RegisterModuleChain(ctx, "mod-a", models.TableFilter, models.ChainInput, "MOD_A")
	require.NoError(t, err)
	_, err = env.engine.RegisterModuleChain(ctx, "mod-b", models.TableFilter, models.ChainInput, "MOD_B")
	require.NoError(t, err)

	env.runner.reset()
	err = env.engine.ReorderChains(ctx, models.TableFilter, models.ChainInput, []string{a.ID})

	var invalid *InvalidReorderError
	require.ErrorAs(t, err, &invalid)
	assert.Empty(t, env.runner.recorded(), "rejected reorder never touches the kernel")
}

func TestEngineExportImportRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.CreateRule(ctx, models.RuleInput{
		Chain:    models.ChainInput,
		Action:   "ACCEPT",
		Protocol: "tcp",
		Port:     "22",
		Comment:  "ssh",
	})
	require.NoError(t, err)

	doc, err := env.engine.ExportRules(models.TableFilter)
	require.NoError(t, err)
	require.Len(t, doc.Rules, 1)

	importErrs, err := env.engine.ImportRules(ctx, doc, ImportReplace)
	require.NoError(t, err)
	assert.Empty(t, importErrs)

	rules, err := env.engine.ListRules(models.TableFilter)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "ssh", rules[0].Comment)
	assertContiguous(t, rules)
}
