package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoreChainNames(t *testing.T) {
	cases := []struct {
		table  string
		parent string
		want   string
	}{
		{TableFilter, ChainInput, "MADMIN_INPUT"},
		{TableNAT, ChainOutput, "MADMIN_OUTPUT_NAT"},
		{TableMangle, ChainPostrouting, "MADMIN_POSTROUTING_MANGLE"},
		{TableRaw, ChainPrerouting, "MADMIN_PREROUTING_RAW"},
	}
	for _, tc := range cases {
		name, ok := CoreChain(tc.table, tc.parent)
		require.True(t, ok, "%s/%s", tc.table, tc.parent)
		assert.Equal(t, tc.want, name)
	}

	_, ok := CoreChain(TableNAT, ChainInput)
	assert.False(t, ok)
	_, ok = CoreChain("broute", ChainInput)
	assert.False(t, ok)
}

func TestChainGroupsCoversEveryPair(t *testing.T) {
	groups := ChainGroups()
	assert.Len(t, groups, 13) // 3 filter + 3 nat + 5 mangle + 2 raw

	// Fixed order: tables in filter, nat, mangle, raw sequence.
	assert.Equal(t, ChainGroup{TableFilter, ChainInput}, groups[0])
	assert.Equal(t, ChainGroup{TableRaw, ChainOutput}, groups[12])

	// Every group has a core chain and they are all distinct.
	seen := make(map[string]bool)
	for _, g := range groups {
		name, ok := CoreChain(g.Table, g.ParentChain)
		require.True(t, ok)
		assert.False(t, seen[name], "core chain %s reused", name)
		seen[name] = true
	}
}

func TestValidChainAndAction(t *testing.T) {
	assert.True(t, ValidChain(TableFilter, ChainForward))
	assert.False(t, ValidChain(TableFilter, ChainPrerouting))
	assert.False(t, ValidChain(TableRaw, ChainInput))

	assert.True(t, ValidAction(TableNAT, "MASQUERADE"))
	assert.False(t, ValidAction(TableFilter, "MASQUERADE"))
	assert.True(t, ValidAction(TableRaw, "NOTRACK"))
	assert.False(t, ValidAction(TableRaw, "DROP"))
}

func TestRuleInputDefaults(t *testing.T) {
	in := RuleInput{Chain: ChainInput, Action: "ACCEPT"}
	r := in.Rule("id-1")
	assert.Equal(t, TableFilter, r.Table)
	assert.True(t, r.Enabled)
	assert.Equal(t, "id-1", r.ID)

	off := false
	in.Enabled = &off
	r = in.Rule("id-2")
	assert.False(t, r.Enabled)
}
