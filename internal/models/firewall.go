package models

import (
	"time"
)

// Firewall tables supported by the engine. Each table has a fixed set of
// valid base chains and rule actions.
const (
	TableFilter = "filter"
	TableNAT    = "nat"
	TableMangle = "mangle"
	TableRaw    = "raw"
)

// Built-in base chains.
const (
	ChainInput       = "INPUT"
	ChainOutput      = "OUTPUT"
	ChainForward     = "FORWARD"
	ChainPrerouting  = "PREROUTING"
	ChainPostrouting = "POSTROUTING"
)

// TableChains maps each table to its valid base chains.
var TableChains = map[string][]string{
	TableFilter: {ChainInput, ChainOutput, ChainForward},
	TableNAT:    {ChainPrerouting, ChainOutput, ChainPostrouting},
	TableMangle: {ChainPrerouting, ChainInput, ChainForward, ChainOutput, ChainPostrouting},
	TableRaw:    {ChainPrerouting, ChainOutput},
}

// TableActions maps each table to its valid rule actions.
var TableActions = map[string][]string{
	TableFilter: {"ACCEPT", "DROP", "REJECT", "LOG", "RETURN"},
	TableNAT:    {"SNAT", "DNAT", "MASQUERADE", "REDIRECT", "ACCEPT", "RETURN"},
	TableMangle: {"MARK", "TOS", "TTL", "ACCEPT", "RETURN"},
	TableRaw:    {"NOTRACK", "ACCEPT", "RETURN"},
}

// coreChains maps (table, base chain) to the dedicated MADMIN chain holding
// machine rules for that pair. These are the only chains whose contents the
// synchronizer rebuilds; the base chains themselves carry nothing but the
// managed jump block.
var coreChains = map[string]map[string]string{
	TableFilter: {
		ChainInput:   "MADMIN_INPUT",
		ChainOutput:  "MADMIN_OUTPUT",
		ChainForward: "MADMIN_FORWARD",
	},
	TableNAT: {
		ChainPrerouting:  "MADMIN_PREROUTING",
		ChainOutput:      "MADMIN_OUTPUT_NAT",
		ChainPostrouting: "MADMIN_POSTROUTING",
	},
	TableMangle: {
		ChainPrerouting:  "MADMIN_PREROUTING_MANGLE",
		ChainInput:       "MADMIN_INPUT_MANGLE",
		ChainForward:     "MADMIN_FORWARD_MANGLE",
		ChainOutput:      "MADMIN_OUTPUT_MANGLE",
		ChainPostrouting: "MADMIN_POSTROUTING_MANGLE",
	},
	TableRaw: {
		ChainPrerouting: "MADMIN_PREROUTING_RAW",
		ChainOutput:     "MADMIN_OUTPUT_RAW",
	},
}

// ChainGroup identifies one (table, base chain) pair managed by the engine.
type ChainGroup struct {
	Table       string `json:"table"`
	ParentChain string `json:"parent_chain"`
}

// CoreChain returns the MADMIN chain name for a (table, base chain) pair.
func CoreChain(table, parent string) (string, bool) {
	chains, ok := coreChains[table]
	if !ok {
		return "", false
	}
	name, ok := chains[parent]
	return name, ok
}

// ChainGroups returns every managed (table, base chain) pair in a fixed
// order so synchronization passes are reproducible.
func ChainGroups() []ChainGroup {
	var groups []ChainGroup
	for _, table := range []string{TableFilter, TableNAT, TableMangle, TableRaw} {
		for _, parent := range TableChains[table] {
			groups = append(groups, ChainGroup{Table: table, ParentChain: parent})
		}
	}
	return groups
}

// ValidChain reports whether chain is a valid base chain for table.
func ValidChain(table, chain string) bool {
	for _, c := range TableChains[table] {
		if c == chain {
			return true
		}
	}
	return false
}

// ValidAction reports whether action is a valid rule action for table.
func ValidAction(table, action string) bool {
	for _, a := range TableActions[table] {
		if a == action {
			return true
		}
	}
	return false
}

// ConnectionStates lists the accepted conntrack states for rule matching.
var ConnectionStates = []string{"NEW", "ESTABLISHED", "RELATED"}

// Rule is one machine firewall rule as stored in the Rule Store.
//
// Match fields are optional and independently combinable. Action-specific
// fields live in ActionParams; the compiler emits them conditionally per
// action and the validator requires the mandatory ones before any kernel
// interaction.
type Rule struct {
	ID     string `json:"id"`
	Table  string `json:"table"`
	Chain  string `json:"chain"`
	Action string `json:"action"`

	Protocol     string `json:"protocol,omitempty"`
	Source       string `json:"source,omitempty"`
	Destination  string `json:"destination,omitempty"`
	Port         string `json:"port,omitempty"`
	InInterface  string `json:"in_interface,omitempty"`
	OutInterface string `json:"out_interface,omitempty"`
	State        string `json:"state,omitempty"`
	LimitRate    string `json:"limit_rate,omitempty"`
	LimitBurst   int    `json:"limit_burst,omitempty"`

	ActionParams

	Comment string `json:"comment,omitempty"`
	Order   int    `json:"order"`
	Enabled bool   `json:"enabled"`

	// Applied reports whether the rule's (table, chain) group was
	// successfully synchronized to the kernel after the last mutation.
	Applied bool `json:"applied"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionParams carries the per-action parameters. Only the fields belonging
// to the rule's action are ever consulted; validation is a match over the
// action.
type ActionParams struct {
	ToDestination string `json:"to_destination,omitempty"` // DNAT (required)
	ToSource      string `json:"to_source,omitempty"`      // SNAT (required)
	ToPorts       string `json:"to_ports,omitempty"`       // REDIRECT/MASQUERADE (optional)
	LogPrefix     string `json:"log_prefix,omitempty"`     // LOG (optional, <=29 chars)
	LogLevel      string `json:"log_level,omitempty"`      // LOG (optional)
	RejectWith    string `json:"reject_with,omitempty"`    // REJECT (defaults to icmp-port-unreachable)
	SetMark       string `json:"set_mark,omitempty"`       // MARK (required)
}

// RuleInput is the mutable subset of a Rule accepted by create and update
// operations.
type RuleInput struct {
	Table  string `json:"table"`
	Chain  string `json:"chain"`
	Action string `json:"action"`

	Protocol     string `json:"protocol,omitempty"`
	Source       string `json:"source,omitempty"`
	Destination  string `json:"destination,omitempty"`
	Port         string `json:"port,omitempty"`
	InInterface  string `json:"in_interface,omitempty"`
	OutInterface string `json:"out_interface,omitempty"`
	State        string `json:"state,omitempty"`
	LimitRate    string `json:"limit_rate,omitempty"`
	LimitBurst   int    `json:"limit_burst,omitempty"`

	ActionParams

	Comment string `json:"comment,omitempty"`

	// Order is the requested position within the (table, chain) group.
	// Nil appends to the end; surrounding rules shift to keep positions
	// contiguous.
	Order *int `json:"order,omitempty"`

	// Enabled defaults to true when nil.
	Enabled *bool `json:"enabled,omitempty"`
}

// Rule materializes the input into a Rule with the given id. Order and
// Applied are left for the store and synchronizer to manage.
func (in RuleInput) Rule(id string) *Rule {
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	table := in.Table
	if table == "" {
		table = TableFilter
	}
	return &Rule{
		ID:           id,
		Table:        table,
		Chain:        in.Chain,
		Action:       in.Action,
		Protocol:     in.Protocol,
		Source:       in.Source,
		Destination:  in.Destination,
		Port:         in.Port,
		InInterface:  in.InInterface,
		OutInterface: in.OutInterface,
		State:        in.State,
		LimitRate:    in.LimitRate,
		LimitBurst:   in.LimitBurst,
		ActionParams: in.ActionParams,
		Comment:      in.Comment,
		Enabled:      enabled,
	}
}

// ModuleChain is a chain contributed by an installed module, jumped to from
// a base chain after the MADMIN core chain, in ascending priority order.
type ModuleChain struct {
	ID          string    `json:"id"`
	ModuleID    string    `json:"module_id"`
	Table       string    `json:"table"`
	ParentChain string    `json:"parent_chain"`
	ChainName   string    `json:"chain_name"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
}
