package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EdoardoFiore/madmin/internal/models"
)

func hasCommand(commands []string, substr string) bool {
	for _, c := range commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func commandIndex(commands []string, substr string) int {
	for i, c := range commands {
		if strings.Contains(c, substr) {
			return i
		}
	}
	return -1
}

func TestSyncIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.rules.Create(acceptRule("a"), nil))
	drop := acceptRule("b")
	drop.Action = "DROP"
	drop.Protocol = "tcp"
	drop.Port = "23"
	require.NoError(t, env.rules.Create(drop, nil))

	require.NoError(t, env.synchro.Sync(ctx))
	first := env.runner.joined()

	env.runner.reset()
	require.NoError(t, env.synchro.Sync(ctx))
	second := env.runner.joined()

	assert.Equal(t, first, second, "a second pass without mutations issues the same commands")
}

func TestSyncGroupRebuildsCoreChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.rules.Create(acceptRule("a"), nil))
	drop := acceptRule("b")
	drop.Action = "DROP"
	require.NoError(t, env.rules.Create(drop, nil))

	require.NoError(t, env.synchro.SyncGroup(ctx, models.TableFilter, models.ChainInput))
	commands := env.runner.joined()

	flush := commandIndex(commands, "-t filter -F MADMIN_INPUT")
	firstAppend := commandIndex(commands, "-A MADMIN_INPUT -j ACCEPT")
	secondAppend := commandIndex(commands, "-A MADMIN_INPUT -j DROP")
	require.GreaterOrEqual(t, flush, 0)
	require.Greater(t, firstAppend, flush, "appends happen after the flush")
	require.Greater(t, secondAppend, firstAppend, "store order is kernel order")
}

func TestSyncJumpBlockOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.chains.Register("mod-b", models.TableFilter, models.ChainInput, "MOD_B")
	require.NoError(t, err)
	_, _, err = env.chains.Register("mod-a", models.TableFilter, models.ChainInput, "MOD_A")
	require.NoError(t, err)

	require.NoError(t, env.synchro.SyncGroup(ctx, models.TableFilter, models.ChainInput))
	commands := env.runner.joined()

	// Core chain jumps first, then module chains by ascending priority
	// (MOD_B registered first, so it precedes MOD_A).
	assert.True(t, hasCommand(commands, "-t filter -I INPUT 1 -j MADMIN_INPUT"))
	assert.True(t, hasCommand(commands, "-t filter -I INPUT 2 -j MOD_B"))
	assert.True(t, hasCommand(commands, "-t filter -I INPUT 3 -j MOD_A"))
}

func TestSyncNeverFlushesModuleChains(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.chains.Register("mod-a", models.TableFilter, models.ChainInput, "MOD_A")
	require.NoError(t, err)

	require.NoError(t, env.synchro.SyncGroup(ctx, models.TableFilter, models.ChainInput))

	assert.False(t, hasCommand(env.runner.joined(), "-F MOD_A"),
		"module chain contents are module-owned")
}

func TestSyncSkipsDisabledRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.rules.Create(acceptRule("on"), nil))
	off := acceptRule("off")
	off.Action = "DROP"
	off.Enabled = false
	require.NoError(t, env.rules.Create(off, nil))

	require.NoError(t, env.synchro.SyncGroup(ctx, models.TableFilter, models.ChainInput))
	commands := env.runner.joined()

	assert.True(t, hasCommand(commands, "ID_on"))
	assert.False(t, hasCommand(commands, "ID_off"))
}

func TestSyncGroupMarksApplied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.rules.Create(acceptRule("a"), nil))
	require.NoError(t, env.synchro.SyncGroup(ctx, models.TableFilter, models.ChainInput))

	r, err := env.rules.Get("a")
	require.NoError(t, err)
	assert.True(t, r.Applied)
}

func TestSyncFailureRollsBackToEmpty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.rules.Create(acceptRule("a"), nil))
	env.runner.setFailOn(func(name string, args []string) error {
		if strings.Contains(strings.Join(args, " "), "-A MADMIN_INPUT") {
			return &CommandError{Name: name, Args: args, Stderr: "iptables: No chain/target/match by that name."}
		}
		return nil
	})

	err := env.synchro.SyncGroup(ctx, models.TableFilter, models.ChainInput)
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, models.TableFilter, syncErr.Table)
	assert.Equal(t, models.ChainInput, syncErr.Chain)
	assert.Contains(t, syncErr.Stderr, "No chain/target/match")

	commands := env.runner.joined()
	failed := commandIndex(commands, "-A MADMIN_INPUT")
	last := commandIndex(commands[failed+1:], "-t filter -F MADMIN_INPUT")
	assert.GreaterOrEqual(t, last, 0, "failed chain is flushed back to empty")

	r, err := env.rules.Get("a")
	require.NoError(t, err)
	assert.False(t, r.Applied)
}

func TestSyncFailureIsContainedPerGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.rules.Create(acceptRule("good"), nil))
	bad := acceptRule("bad")
	bad.Table = models.TableNAT
	bad.Chain = models.ChainPrerouting
	bad.Action = "MASQUERADE"
	require.NoError(t, env.rules.Create(bad, nil))

	env.runner.setFailOn(func(name string, args []string) error {
		if strings.Contains(strings.Join(args, " "), "-A MADMIN_PREROUTING ") {
			return &CommandError{Name: name, Args: args, Stderr: "boom"}
		}
		return nil
	})

	err := env.synchro.Sync(ctx)
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, models.TableNAT, syncErr.Table)
	assert.Equal(t, models.ChainPrerouting, syncErr.Chain)

	// The filter group still went through.
	assert.True(t, hasCommand(env.runner.joined(), "ID_good"))
	good, err := env.rules.Get("good")
	require.NoError(t, err)
	assert.True(t, good.Applied)

	// No snapshot after a partial failure.
	assert.False(t, hasCommand(env.runner.joined(), "iptables-save"))
}

func TestSyncSnapshotsOnFullSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.rules.Create(acceptRule("a"), nil))
	require.NoError(t, env.synchro.Sync(ctx))

	assert.True(t, hasCommand(env.runner.joined(), "iptables-save"))
}

func TestRemoveModuleChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mc := &models.ModuleChain{
		Table:       models.TableFilter,
		ParentChain: models.ChainInput,
		ChainName:   "MOD_OLD",
	}
	env.synchro.RemoveModuleChain(ctx, mc)

	commands := env.runner.joined()
	assert.True(t, hasCommand(commands, "-t filter -D INPUT -j MOD_OLD"))
	assert.True(t, hasCommand(commands, "-t filter -F MOD_OLD"))
	assert.True(t, hasCommand(commands, "-t filter -X MOD_OLD"))
}
