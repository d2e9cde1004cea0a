package services

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/EdoardoFiore/madmin/internal/models"
)

// The compiler translates a Rule into the iptables argument vector and back.
// It is pure: no side effects, deterministic output for equal inputs.

const (
	maxLogPrefixLen = 29
	maxCommentLen   = 255

	// idCommentPrefix tags kernel rules with the store id so live state can
	// be matched back to records (round-trip identification).
	idCommentPrefix = "ID_"
)

var (
	commentSanitizer   = regexp.MustCompile(`[^a-zA-Z0-9_\-. ]`)
	logPrefixSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_\-. \[\]]`)
	limitRatePattern   = regexp.MustCompile(`^\d+/(second|minute|hour|day)$`)
)

// ValidateRule checks a rule against the per-table chain and action sets and
// the per-action required parameters. It never touches the kernel.
func ValidateRule(r *models.Rule) error {
	if _, ok := models.TableChains[r.Table]; !ok {
		return &InvalidRuleError{Field: "table", Reason: fmt.Sprintf("unknown table %q", r.Table)}
	}
	if !models.ValidChain(r.Table, r.Chain) {
		return &InvalidRuleError{
			Field:  "chain",
			Reason: fmt.Sprintf("chain %q not valid for table %s (valid: %s)", r.Chain, r.Table, strings.Join(models.TableChains[r.Table], ", ")),
		}
	}
	if !models.ValidAction(r.Table, r.Action) {
		return &InvalidRuleError{
			Field:  "action",
			Reason: fmt.Sprintf("action %q not valid for table %s (valid: %s)", r.Action, r.Table, strings.Join(models.TableActions[r.Table], ", ")),
		}
	}

	switch r.Protocol {
	case "", "all", "tcp", "udp", "icmp":
	default:
		return &InvalidRuleError{Field: "protocol", Reason: fmt.Sprintf("unsupported protocol %q", r.Protocol)}
	}

	if r.Port != "" {
		if err := validatePortSpec(r.Port); err != nil {
			return err
		}
	}
	if r.Source != "" {
		if err := validateAddress("source", r.Source); err != nil {
			return err
		}
	}
	if r.Destination != "" {
		if err := validateAddress("destination", r.Destination); err != nil {
			return err
		}
	}
	if r.State != "" {
		for _, st := range strings.Split(r.State, ",") {
			if !validState(strings.TrimSpace(st)) {
				return &InvalidRuleError{
					Field:  "state",
					Reason: fmt.Sprintf("unknown connection state %q (valid: %s)", st, strings.Join(models.ConnectionStates, ", ")),
				}
			}
		}
	}
	if r.LimitRate != "" && !limitRatePattern.MatchString(r.LimitRate) {
		return &InvalidRuleError{Field: "limit_rate", Reason: `must look like "10/second" or "100/minute"`}
	}
	if r.LimitBurst < 0 {
		return &InvalidRuleError{Field: "limit_burst", Reason: "must not be negative"}
	}
	if r.LimitBurst > 0 && r.LimitRate == "" {
		return &InvalidRuleError{Field: "limit_burst", Reason: "requires limit_rate"}
	}

	// Per-action required parameters.
	switch r.Action {
	case "DNAT":
		if r.ToDestination == "" {
			return &InvalidRuleError{Field: "to_destination", Reason: "required for DNAT"}
		}
	case "SNAT":
		if r.ToSource == "" {
			return &InvalidRuleError{Field: "to_source", Reason: "required for SNAT"}
		}
	case "MARK":
		if r.SetMark == "" {
			return &InvalidRuleError{Field: "set_mark", Reason: "required for MARK"}
		}
	}

	return nil
}

func validState(s string) bool {
	for _, valid := range models.ConnectionStates {
		if s == valid {
			return true
		}
	}
	return false
}

func validateAddress(field, addr string) error {
	if _, _, err := net.ParseCIDR(addr); err == nil {
		return nil
	}
	if net.ParseIP(addr) != nil {
		return nil
	}
	return &InvalidRuleError{Field: field, Reason: fmt.Sprintf("%q is not an IP or CIDR", addr)}
}

func validatePortSpec(spec string) error {
	for _, part := range strings.Split(spec, ",") {
		lo, hi, found := strings.Cut(part, ":")
		if err := validatePort(lo); err != nil {
			return err
		}
		if found {
			if err := validatePort(hi); err != nil {
				return err
			}
			l, _ := strconv.Atoi(lo)
			h, _ := strconv.Atoi(hi)
			if l > h {
				return &InvalidRuleError{Field: "port", Reason: fmt.Sprintf("range %q is inverted", part)}
			}
		}
	}
	return nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return &InvalidRuleError{Field: "port", Reason: fmt.Sprintf("%q is not a port number", s)}
	}
	return nil
}

// CompileRule translates a rule into the iptables argument vector appending
// it to chain. The emitted order is fixed:
//
//	-t T -A CHAIN [-p P] [-s S] [-d D] [-i I] [-o O]
//	[-m state --state LIST] [--dport P | -m multiport --dports LIST]
//	[-m limit --limit R [--limit-burst B]]
//	-j ACTION [action args] [-m comment --comment C]
func CompileRule(r *models.Rule, chain string) ([]string, error) {
	if err := ValidateRule(r); err != nil {
		return nil, err
	}

	args := []string{"-t", r.Table, "-A", chain}

	if r.Protocol != "" && r.Protocol != "all" {
		args = append(args, "-p", r.Protocol)
	}
	if r.Source != "" && r.Source != "0.0.0.0/0" {
		args = append(args, "-s", r.Source)
	}
	if r.Destination != "" && r.Destination != "0.0.0.0/0" {
		args = append(args, "-d", r.Destination)
	}
	if r.InInterface != "" {
		args = append(args, "-i", r.InInterface)
	}
	if r.OutInterface != "" {
		args = append(args, "-o", r.OutInterface)
	}
	if r.State != "" {
		args = append(args, "-m", "state", "--state", r.State)
	}

	// Port matches only make sense for tcp/udp; for any other protocol the
	// port data is dropped, never emitted.
	if r.Port != "" && (r.Protocol == "tcp" || r.Protocol == "udp") {
		if strings.Contains(r.Port, ",") {
			args = append(args, "-m", "multiport", "--dports", r.Port)
		} else {
			args = append(args, "--dport", r.Port)
		}
	}

	if r.LimitRate != "" {
		args = append(args, "-m", "limit", "--limit", r.LimitRate)
		if r.LimitBurst > 0 {
			args = append(args, "--limit-burst", strconv.Itoa(r.LimitBurst))
		}
	}

	args = append(args, "-j", r.Action)

	switch r.Action {
	case "DNAT":
		args = append(args, "--to-destination", r.ToDestination)
	case "SNAT":
		args = append(args, "--to-source", r.ToSource)
	case "REDIRECT", "MASQUERADE":
		if r.ToPorts != "" {
			args = append(args, "--to-ports", r.ToPorts)
		}
	case "LOG":
		if r.LogPrefix != "" {
			prefix := logPrefixSanitizer.ReplaceAllString(r.LogPrefix, "")
			if len(prefix) > maxLogPrefixLen {
				prefix = prefix[:maxLogPrefixLen]
			}
			args = append(args, "--log-prefix", prefix)
		}
		if r.LogLevel != "" {
			args = append(args, "--log-level", r.LogLevel)
		}
	case "REJECT":
		rejectWith := r.RejectWith
		if rejectWith == "" {
			rejectWith = "icmp-port-unreachable"
		}
		args = append(args, "--reject-with", rejectWith)
	case "MARK":
		args = append(args, "--set-mark", r.SetMark)
	}

	if comment := kernelComment(r); comment != "" {
		args = append(args, "-m", "comment", "--comment", comment)
	}

	return args, nil
}

// kernelComment builds the comment carried into the kernel rule: the store
// id first for round-trip identification, then the user comment.
func kernelComment(r *models.Rule) string {
	var parts []string
	if r.ID != "" {
		parts = append(parts, idCommentPrefix+r.ID)
	}
	if r.Comment != "" {
		parts = append(parts, commentSanitizer.ReplaceAllString(r.Comment, ""))
	}
	comment := strings.Join(parts, " ")
	if len(comment) > maxCommentLen {
		comment = comment[:maxCommentLen]
	}
	return comment
}

// ParseSaveLine is the compiler's inverse: it rebuilds a Rule from one
// iptables-save "-A CHAIN ..." line of the given table. Used by the drift
// diagnostics and save-format import. Best effort: a match the compiler
// never emits is an error, not a guess.
func ParseSaveLine(table, line string) (*models.Rule, error) {
	tokens, err := shlex.Split(strings.TrimSpace(line))
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize rule line: %w", err)
	}
	if len(tokens) < 2 || tokens[0] != "-A" {
		return nil, fmt.Errorf("not an append rule line: %q", line)
	}

	r := &models.Rule{Table: table, Chain: tokens[1], Enabled: true}

	// Every token the compiler emits takes exactly one value.
	for i := 2; i < len(tokens); i += 2 {
		tok := tokens[i]
		if i+1 >= len(tokens) {
			return nil, fmt.Errorf("missing value for %s", tok)
		}
		val := tokens[i+1]

		switch tok {
		case "-p":
			r.Protocol = val
		case "-s":
			r.Source = val
		case "-d":
			r.Destination = val
		case "-i":
			r.InInterface = val
		case "-o":
			r.OutInterface = val
		case "-m":
			switch val {
			case "state", "conntrack", "multiport", "limit", "comment", "tcp", "udp":
			default:
				return nil, fmt.Errorf("unsupported match module %q", val)
			}
		case "--state", "--ctstate":
			r.State = val
		case "--dport", "--dports":
			r.Port = val
		case "--limit":
			r.LimitRate = val
		case "--limit-burst":
			burst, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("invalid limit burst %q", val)
			}
			r.LimitBurst = burst
		case "--comment":
			r.ID, r.Comment = splitKernelComment(val)
		case "-j":
			r.Action = val
		case "--to-destination":
			r.ToDestination = val
		case "--to-source":
			r.ToSource = val
		case "--to-ports":
			r.ToPorts = val
		case "--log-prefix":
			r.LogPrefix = val
		case "--log-level":
			r.LogLevel = val
		case "--reject-with":
			r.RejectWith = val
		case "--set-mark", "--set-xmark":
			r.SetMark = val
		default:
			return nil, fmt.Errorf("unrecognized token %q in rule line", tok)
		}
	}

	if r.Action == "" {
		return nil, fmt.Errorf("rule line has no target: %q", line)
	}
	return r, nil
}

// splitKernelComment undoes kernelComment: a leading ID_<id> word becomes
// the id, the remainder the user comment.
func splitKernelComment(comment string) (id, rest string) {
	if !strings.HasPrefix(comment, idCommentPrefix) {
		return "", comment
	}
	word, rest, _ := strings.Cut(comment, " ")
	return strings.TrimPrefix(word, idCommentPrefix), rest
}
