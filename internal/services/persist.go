package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EdoardoFiore/madmin/internal/config"
	"github.com/EdoardoFiore/madmin/internal/models"
)

// PersistService is the bridge between the live kernel rule-set and durable
// storage: it snapshots the full rule-set to the rules.v4/rules.v6 file pair
// after synchronization, replays them verbatim at boot, and moves Rule Store
// contents in and out of portable export documents.
type PersistService struct {
	log    *zap.SugaredLogger
	runner Runner
	cfg    config.FirewallConfig
	rules  *RuleStore
	chains *ChainRegistry
}

func NewPersistService(log *zap.SugaredLogger, runner Runner, cfg config.FirewallConfig, rules *RuleStore, chains *ChainRegistry) *PersistService {
	return &PersistService{log: log, runner: runner, cfg: cfg, rules: rules, chains: chains}
}

// Save dumps the current IPv4 rule-set to the rules.v4 artifact and, best
// effort, the IPv6 rule-set to rules.v6. IPv6 failure is logged but not
// raised; not every host has ip6tables support loaded.
func (s *PersistService) Save(ctx context.Context) error {
	out, err := s.runner.Output(ctx, "iptables-save")
	if err != nil {
		return &PersistError{Op: "save", Err: err}
	}
	if err := os.WriteFile(s.cfg.RulesV4, out, 0600); err != nil {
		return &PersistError{Op: "save", Err: err}
	}

	out6, err := s.runner.Output(ctx, "ip6tables-save")
	if err != nil {
		s.log.Warnw("ip6tables-save failed, skipping IPv6 snapshot", "error", err)
		return nil
	}
	if err := os.WriteFile(s.cfg.RulesV6, out6, 0600); err != nil {
		s.log.Warnw("failed to write IPv6 rules file", "error", err)
	}
	return nil
}

// Restore replays both artifacts into the kernel verbatim. This is the raw
// boot-time restore, independent of the Rule Store; missing artifacts are
// not an error on a fresh host.
func (s *PersistService) Restore(ctx context.Context) error {
	data, err := os.ReadFile(s.cfg.RulesV4)
	switch {
	case os.IsNotExist(err):
		s.log.Infow("no saved IPv4 rules to restore", "path", s.cfg.RulesV4)
	case err != nil:
		return &PersistError{Op: "restore", Err: err}
	default:
		if err := s.runner.RunInput(ctx, string(data), "iptables-restore"); err != nil {
			return &PersistError{Op: "restore", Err: err}
		}
		s.log.Infow("restored IPv4 rules", "path", s.cfg.RulesV4)
	}

	data6, err := os.ReadFile(s.cfg.RulesV6)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warnw("failed to read IPv6 rules file", "error", err)
		}
		return nil
	}
	if err := s.runner.RunInput(ctx, string(data6), "ip6tables-restore"); err != nil {
		s.log.Warnw("ip6tables-restore failed", "error", err)
	}
	return nil
}

// Import modes.
const (
	ImportAppend  = "append"
	ImportReplace = "replace"
)

// ExportDocument is the portable backup/migration format for the Rule Store
// and Chain Registry.
type ExportDocument struct {
	Version    int                  `json:"version"`
	ExportedAt time.Time            `json:"exported_at"`
	Table      string               `json:"table,omitempty"`
	Rules      []models.Rule        `json:"rules"`
	Chains     []models.ModuleChain `json:"chains,omitempty"`
}

const exportVersion = 1

// Export serializes the Rule Store and Chain Registry, optionally scoped to
// one table.
func (s *PersistService) Export(table string) (*ExportDocument, error) {
	rules, err := s.rules.List(table)
	if err != nil {
		return nil, fmt.Errorf("failed to export rules: %w", err)
	}
	chains, err := s.chains.List(table)
	if err != nil {
		return nil, fmt.Errorf("failed to export module chains: %w", err)
	}
	return &ExportDocument{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		Table:      table,
		Rules:      rules,
		Chains:     chains,
	}, nil
}

// Import loads rules from a document into the Rule Store. Append mode
// inserts incoming rules after the existing ones of each group; replace mode
// clears the affected scope first. Per-rule failures are collected, not
// fatal; the caller runs a full synchronization afterwards.
func (s *PersistService) Import(doc *ExportDocument, mode string) ([]string, error) {
	if doc.Version != exportVersion {
		return nil, fmt.Errorf("unsupported export document version %d", doc.Version)
	}
	if mode != ImportAppend && mode != ImportReplace {
		return nil, fmt.Errorf("unknown import mode %q", mode)
	}

	if mode == ImportReplace {
		if err := s.rules.DeleteAll(doc.Table); err != nil {
			return nil, err
		}
	}

	var importErrs []string
	for i := range doc.Rules {
		r := doc.Rules[i]
		if doc.Table != "" && r.Table != doc.Table {
			importErrs = append(importErrs, fmt.Sprintf("rule %s: table %s outside import scope %s", r.ID, r.Table, doc.Table))
			continue
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if err := ValidateRule(&r); err != nil {
			importErrs = append(importErrs, fmt.Sprintf("rule %s: %v", r.ID, err))
			continue
		}
		// Appending (nil position) keeps the document's relative order and
		// renormalizes each group to 0..n-1.
		if err := s.rules.Create(&r, nil); err != nil {
			importErrs = append(importErrs, fmt.Sprintf("rule %s: %v", r.ID, err))
		}
	}

	s.log.Infow("imported rules", "mode", mode, "total", len(doc.Rules), "failed", len(importErrs))
	return importErrs, nil
}

// GroupDrift describes one (table, base chain) group whose live kernel rules
// disagree with the Rule Store.
type GroupDrift struct {
	Table    string   `json:"table"`
	Chain    string   `json:"chain"`
	Expected []string `json:"expected"` // rule ids in store order
	Live     []string `json:"live"`     // rule ids parsed from the kernel
}

// DriftReport is the result of comparing the live rule-set against the
// store. InSync means every managed group matches exactly.
type DriftReport struct {
	InSync bool         `json:"in_sync"`
	Groups []GroupDrift `json:"groups,omitempty"`
}

// Drift parses the live iptables-save output back into rules and compares
// the id sequence of every managed core chain against the enabled rules in
// the store. Used by diagnostics to detect manual kernel tampering.
func (s *PersistService) Drift(ctx context.Context) (*DriftReport, error) {
	out, err := s.runner.Output(ctx, "iptables-save")
	if err != nil {
		return nil, &PersistError{Op: "drift", Err: err}
	}
	live, err := parseSaveOutput(string(out))
	if err != nil {
		return nil, err
	}

	report := &DriftReport{InSync: true}
	for _, g := range models.ChainGroups() {
		core, _ := models.CoreChain(g.Table, g.ParentChain)

		rules, err := s.rules.ListGroup(g.Table, g.ParentChain)
		if err != nil {
			return nil, err
		}
		var expected []string
		for _, r := range rules {
			if r.Enabled {
				expected = append(expected, r.ID)
			}
		}

		var liveIDs []string
		for _, r := range live[g.Table] {
			if r.Chain == core {
				liveIDs = append(liveIDs, r.ID)
			}
		}

		if !equalIDs(expected, liveIDs) {
			report.InSync = false
			report.Groups = append(report.Groups, GroupDrift{
				Table:    g.Table,
				Chain:    g.ParentChain,
				Expected: expected,
				Live:     liveIDs,
			})
		}
	}
	return report, nil
}

// parseSaveOutput splits iptables-save output into per-table rule lists,
// parsing each -A line back through the compiler's inverse. Lines that do
// not parse are skipped; foreign rules routinely use matches the engine
// never emits.
func parseSaveOutput(out string) (map[string][]models.Rule, error) {
	tables := make(map[string][]models.Rule)
	var current string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "*"):
			current = strings.TrimPrefix(line, "*")
		case strings.HasPrefix(line, "-A "):
			if current == "" {
				return nil, fmt.Errorf("rule line before table header: %q", line)
			}
			r, err := ParseSaveLine(current, line)
			if err != nil {
				continue
			}
			tables[current] = append(tables[current], *r)
		}
	}
	return tables, nil
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
