package services

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a rule or module chain id does not exist.
var ErrNotFound = errors.New("not found")

// InvalidRuleError is a semantic validation failure (bad table/chain/action
// pairing, missing required action parameter, malformed match field). It is
// raised before any kernel interaction.
type InvalidRuleError struct {
	Field  string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid rule: %s", e.Reason)
	}
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Reason)
}

// InvalidReorderError is returned when a reorder request does not match the
// current contents of the targeted (table, chain) group.
type InvalidReorderError struct {
	Reason string
}

func (e *InvalidReorderError) Error() string {
	return fmt.Sprintf("invalid reorder: %s", e.Reason)
}

// SyncError reports a firewall command rejected by the control plane during
// a synchronization pass. The affected chain is left flushed (degraded
// empty) and needs operator attention; other groups are unaffected.
type SyncError struct {
	Table   string
	Chain   string
	Command []string
	Stderr  string
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed for %s/%s: iptables %s: %s",
		e.Table, e.Chain, strings.Join(e.Command, " "), friendlyIptablesError(e.Stderr))
}

// PersistError reports a failed kernel snapshot or restore. The live rules
// are still correct when a save fails; only reboot survivability is at risk.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// friendlyIptablesError rewrites common iptables/nftables stderr output into
// something an operator can act on without reading netfilter source.
func friendlyIptablesError(stderr string) string {
	err := strings.ToLower(stderr)

	switch {
	case strings.Contains(err, "rule_append failed (invalid argument)"):
		if strings.Contains(err, "dnat") && strings.Contains(err, "output") {
			return "DNAT is not allowed in this chain (use the nat table's OUTPUT chain)"
		}
		return "invalid parameters for this chain/table (e.g. DNAT is nat-only)"
	case strings.Contains(err, "no chain/target/match by that name"):
		return "chain, target or match module not found"
	case strings.Contains(err, "bad rule (does a matching rule exist in that chain?)"):
		return "rule not found in chain"
	case strings.Contains(err, "permission denied"):
		return "permission denied (root privileges required)"
	case strings.Contains(err, "resource temporarily unavailable"):
		return "iptables lock held by another process, retry"
	}

	return strings.TrimSpace(stderr)
}
