package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EdoardoFiore/madmin/internal/models"
)

// Engine is the operation surface the admin panel (and the madminfw CLI)
// drives. It owns the single mutation lock: the kernel rule-set is one
// shared resource, so at most one synchronization pass runs at a time and
// concurrent mutations queue behind it instead of interleaving partial
// rebuilds.
//
// Mutations that change the store but fail to synchronize still return the
// stored record alongside the error; the record stays observable as not
// applied until a later pass succeeds.
type Engine struct {
	mu sync.Mutex

	log     *zap.SugaredLogger
	rules   *RuleStore
	chains  *ChainRegistry
	synchro *Synchronizer
	persist *PersistService
	net     *NetlinkService // nil when interface lookups are unavailable
}

func NewEngine(log *zap.SugaredLogger, rules *RuleStore, chains *ChainRegistry, synchro *Synchronizer, persist *PersistService, net *NetlinkService) *Engine {
	return &Engine{
		log:     log,
		rules:   rules,
		chains:  chains,
		synchro: synchro,
		persist: persist,
		net:     net,
	}
}

// Initialize builds all MADMIN core chains and jump blocks and replays the
// store. Called at startup after the raw boot restore.
func (e *Engine) Initialize(ctx context.Context) error {
	e.log.Info("initializing machine firewall chains")
	return e.Synchronize(ctx)
}

// Synchronize runs a full pass; idempotent and callable standalone for
// recovery after manual kernel tampering.
func (e *Engine) Synchronize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synchro.Sync(ctx)
}

// --- Rules ---

func (e *Engine) ListRules(table string) ([]models.Rule, error) {
	return e.rules.List(table)
}

func (e *Engine) GetRule(id string) (*models.Rule, error) {
	return e.rules.Get(id)
}

// CreateRule validates the input, stores the rule at the requested position
// and synchronizes its (table, chain) group. On a sync failure the stored
// rule is returned together with the error.
func (e *Engine) CreateRule(ctx context.Context, in models.RuleInput) (*models.Rule, error) {
	rule := in.Rule(uuid.NewString())
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}
	e.warnUnknownInterfaces(rule)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.rules.Create(rule, in.Order); err != nil {
		return nil, err
	}
	e.log.Infow("created firewall rule", "id", rule.ID, "table", rule.Table, "chain", rule.Chain, "order", rule.Order)

	if err := e.syncGroups(ctx, group{rule.Table, rule.Chain}); err != nil {
		return rule, err
	}
	rule.Applied = true
	return rule, nil
}

// UpdateRule replaces a rule's definition. When the rule moves between
// (table, chain) groups both groups are resynchronized.
func (e *Engine) UpdateRule(ctx context.Context, id string, in models.RuleInput) (*models.Rule, error) {
	old, err := e.rules.Get(id)
	if err != nil {
		return nil, err
	}

	rule := in.Rule(id)
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}
	e.warnUnknownInterfaces(rule)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.rules.Update(rule); err != nil {
		return nil, err
	}
	if in.Order != nil && *in.Order != rule.Order {
		if _, err := e.rules.Reorder(id, *in.Order); err != nil {
			return nil, err
		}
	}
	e.log.Infow("updated firewall rule", "id", id, "table", rule.Table, "chain", rule.Chain)

	groups := []group{{rule.Table, rule.Chain}}
	if old.Table != rule.Table || old.Chain != rule.Chain {
		groups = append(groups, group{old.Table, old.Chain})
	}
	if err := e.syncGroups(ctx, groups...); err != nil {
		return rule, err
	}
	rule.Applied = true
	return rule, nil
}

func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, err := e.rules.Delete(id)
	if err != nil {
		return err
	}
	e.log.Infow("deleted firewall rule", "id", id, "table", rule.Table, "chain", rule.Chain)
	return e.syncGroups(ctx, group{rule.Table, rule.Chain})
}

// ReorderRule moves a rule to newOrder within its group, shifting the
// surrounding rules to keep positions contiguous.
func (e *Engine) ReorderRule(ctx context.Context, id string, newOrder int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, err := e.rules.Reorder(id, newOrder)
	if err != nil {
		return err
	}
	e.log.Infow("moved firewall rule", "id", id, "order", rule.Order)
	return e.syncGroups(ctx, group{rule.Table, rule.Chain})
}

// --- Module chains ---

func (e *Engine) ListChains(table string) ([]models.ModuleChain, error) {
	return e.chains.List(table)
}

// RegisterModuleChain records a module's chain under (table, parentChain)
// and rebuilds the jump block. Called by the module lifecycle manager on
// enable; re-registration preserves existing kernel chain contents.
func (e *Engine) RegisterModuleChain(ctx context.Context, moduleID, table, parentChain, chainName string) (*models.ModuleChain, error) {
	if _, ok := models.CoreChain(table, parentChain); !ok {
		return nil, fmt.Errorf("unknown chain group %s/%s", table, parentChain)
	}
	if !strings.HasPrefix(chainName, "MOD_") {
		return nil, fmt.Errorf("module chain name %q must be MOD_ namespaced", chainName)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	mc, created, err := e.chains.Register(moduleID, table, parentChain, chainName)
	if err != nil {
		return nil, err
	}
	if created {
		e.log.Infow("registered module chain", "chain", chainName, "module", moduleID, "table", table, "parent", parentChain)
	}
	if err := e.syncGroups(ctx, group{table, parentChain}); err != nil {
		return mc, err
	}
	return mc, nil
}

// UnregisterModuleChain removes the registration and tears the kernel chain
// down. Called on module disable/uninstall.
func (e *Engine) UnregisterModuleChain(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	mc, err := e.chains.Unregister(id)
	if err != nil {
		return err
	}
	e.synchro.RemoveModuleChain(ctx, mc)
	e.log.Infow("unregistered module chain", "chain", mc.ChainName, "module", mc.ModuleID)
	return e.syncGroups(ctx, group{mc.Table, mc.ParentChain})
}

// ReorderChains applies the given jump order to the module chains of one
// (table, parentChain) group. All-or-nothing: if the follow-up
// synchronization fails, the previous priorities are restored before the
// error is returned.
func (e *Engine) ReorderChains(ctx context.Context, table, parentChain string, orderedIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, err := e.chains.Reorder(table, parentChain, orderedIDs)
	if err != nil {
		return err
	}

	if err := e.synchro.SyncGroup(ctx, table, parentChain); err != nil {
		if restoreErr := e.chains.SetPriorities(prev); restoreErr != nil {
			e.log.Errorw("failed to restore chain priorities after sync failure", "error", restoreErr)
		}
		return err
	}
	e.log.Infow("reordered module chains", "table", table, "parent", parentChain, "chains", len(orderedIDs))
	return nil
}

// --- Export / import / persistence ---

func (e *Engine) ExportRules(table string) (*ExportDocument, error) {
	return e.persist.Export(table)
}

// ImportRules loads a document into the store and runs a full pass.
// Per-rule failures come back as a list; a sync failure is the returned
// error.
func (e *Engine) ImportRules(ctx context.Context, doc *ExportDocument, mode string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	importErrs, err := e.persist.Import(doc, mode)
	if err != nil {
		return nil, err
	}
	return importErrs, e.synchro.Sync(ctx)
}

// Restore replays the persisted rules.v4/rules.v6 artifacts verbatim. Meant
// for boot; does not consult the Rule Store.
func (e *Engine) Restore(ctx context.Context) error {
	return e.persist.Restore(ctx)
}

// Save snapshots the live rule-set without a rebuild.
func (e *Engine) Save(ctx context.Context) error {
	return e.persist.Save(ctx)
}

// Drift compares live kernel state against the store.
func (e *Engine) Drift(ctx context.Context) (*DriftReport, error) {
	return e.persist.Drift(ctx)
}

// ListInterfaces exposes host interfaces for rule building.
func (e *Engine) ListInterfaces() ([]models.NetworkInterface, error) {
	if e.net == nil {
		return nil, nil
	}
	return e.net.ListInterfaces()
}

type group struct {
	table string
	chain string
}

// syncGroups synchronizes the affected groups; callers hold the mutation
// lock.
func (e *Engine) syncGroups(ctx context.Context, groups ...group) error {
	for _, g := range groups {
		if err := e.synchro.SyncGroup(ctx, g.table, g.chain); err != nil {
			return err
		}
	}
	return nil
}

// warnUnknownInterfaces logs rules bound to interfaces the host does not
// have. Not a validation failure: iptables accepts names of interfaces that
// may appear later.
func (e *Engine) warnUnknownInterfaces(r *models.Rule) {
	if e.net == nil {
		return
	}
	for _, name := range []string{r.InInterface, r.OutInterface} {
		if name != "" && !e.net.HasInterface(name) {
			e.log.Warnw("rule references unknown interface", "rule", r.ID, "interface", name)
		}
	}
}
