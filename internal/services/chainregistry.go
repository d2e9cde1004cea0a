package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/EdoardoFiore/madmin/internal/database"
	"github.com/EdoardoFiore/madmin/internal/models"
)

// ChainRegistry is the durable table of module-contributed chains. For a
// given (table, parent chain) the jump order in the parent equals ascending
// priority; the MADMIN core chain always jumps first regardless of any
// module priority.
type ChainRegistry struct {
	db *database.DB
}

func NewChainRegistry(db *database.DB) *ChainRegistry {
	return &ChainRegistry{db: db}
}

const chainColumns = `id, module_id, fw_table, parent_chain, chain_name, priority, created_at`

func scanChain(row rowScanner) (*models.ModuleChain, error) {
	var c models.ModuleChain
	err := row.Scan(&c.ID, &c.ModuleID, &c.Table, &c.ParentChain, &c.ChainName, &c.Priority, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns registered chains, optionally filtered by table, ordered by
// group and priority.
func (s *ChainRegistry) List(table string) ([]models.ModuleChain, error) {
	query := `SELECT ` + chainColumns + ` FROM module_chains`
	var args []any
	if table != "" {
		query += ` WHERE fw_table = ?`
		args = append(args, table)
	}
	query += ` ORDER BY fw_table, parent_chain, priority`

	return s.queryChains(query, args...)
}

// ListGroup returns the chains under one (table, parent chain) in jump
// order.
func (s *ChainRegistry) ListGroup(table, parent string) ([]models.ModuleChain, error) {
	return s.queryChains(
		`SELECT `+chainColumns+` FROM module_chains
		 WHERE fw_table = ? AND parent_chain = ? ORDER BY priority`, table, parent)
}

func (s *ChainRegistry) queryChains(query string, args ...any) ([]models.ModuleChain, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list module chains: %w", err)
	}
	defer rows.Close()

	var chains []models.ModuleChain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module chain: %w", err)
		}
		chains = append(chains, *c)
	}
	return chains, rows.Err()
}

func (s *ChainRegistry) Get(id string) (*models.ModuleChain, error) {
	row := s.db.QueryRow(`SELECT `+chainColumns+` FROM module_chains WHERE id = ?`, id)
	c, err := scanChain(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module chain: %w", err)
	}
	return c, nil
}

func (s *ChainRegistry) GetByName(chainName string) (*models.ModuleChain, error) {
	row := s.db.QueryRow(`SELECT `+chainColumns+` FROM module_chains WHERE chain_name = ?`, chainName)
	c, err := scanChain(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module chain: %w", err)
	}
	return c, nil
}

// Register records a module chain. Re-registering an existing chain_name
// updates its group and module binding but keeps its id; new chains are
// placed at the end of their group (max priority + 10). Returns the chain
// and whether it was newly created.
func (s *ChainRegistry) Register(moduleID, table, parent, chainName string) (*models.ModuleChain, bool, error) {
	existing, err := s.GetByName(chainName)
	if err != nil && err != ErrNotFound {
		return nil, false, err
	}

	if existing != nil {
		existing.ModuleID = moduleID
		existing.Table = table
		existing.ParentChain = parent
		_, err := s.db.Exec(
			`UPDATE module_chains SET module_id = ?, fw_table = ?, parent_chain = ? WHERE id = ?`,
			moduleID, table, parent, existing.ID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to update module chain: %w", err)
		}
		return existing, false, nil
	}

	var maxPriority sql.NullInt64
	err = s.db.QueryRow(
		`SELECT MAX(priority) FROM module_chains WHERE fw_table = ? AND parent_chain = ?`,
		table, parent).Scan(&maxPriority)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read group priorities: %w", err)
	}

	c := &models.ModuleChain{
		ID:          uuid.NewString(),
		ModuleID:    moduleID,
		Table:       table,
		ParentChain: parent,
		ChainName:   chainName,
		Priority:    int(maxPriority.Int64) + 10,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.Exec(
		`INSERT INTO module_chains (`+chainColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ModuleID, c.Table, c.ParentChain, c.ChainName, c.Priority, c.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert module chain: %w", err)
	}
	return c, true, nil
}

// Unregister removes a chain record and returns it so the caller can tear
// down the kernel chain.
func (s *ChainRegistry) Unregister(id string) (*models.ModuleChain, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`DELETE FROM module_chains WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete module chain: %w", err)
	}
	return c, nil
}

// Reorder assigns priorities (index+1)*10 following orderedIDs, which must
// be exactly the ids currently registered under (table, parent). The
// previous priorities are returned so a failed follow-up synchronization can
// be rolled back with SetPriorities.
func (s *ChainRegistry) Reorder(table, parent string, orderedIDs []string) (map[string]int, error) {
	current, err := s.ListGroup(table, parent)
	if err != nil {
		return nil, err
	}

	if len(orderedIDs) != len(current) {
		return nil, &InvalidReorderError{
			Reason: fmt.Sprintf("expected %d chain ids for %s/%s, got %d", len(current), table, parent, len(orderedIDs)),
		}
	}
	prev := make(map[string]int, len(current))
	for _, c := range current {
		prev[c.ID] = c.Priority
	}
	seen := make(map[string]bool, len(orderedIDs))
	for _, id := range orderedIDs {
		if _, ok := prev[id]; !ok {
			return nil, &InvalidReorderError{Reason: fmt.Sprintf("chain %s does not belong to %s/%s", id, table, parent)}
		}
		if seen[id] {
			return nil, &InvalidReorderError{Reason: fmt.Sprintf("chain %s listed twice", id)}
		}
		seen[id] = true
	}

	next := make(map[string]int, len(orderedIDs))
	for i, id := range orderedIDs {
		next[id] = (i + 1) * 10
	}
	if err := s.SetPriorities(next); err != nil {
		return nil, err
	}
	return prev, nil
}

// SetPriorities writes a priority per chain id in one transaction.
func (s *ChainRegistry) SetPriorities(priorities map[string]int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for id, priority := range priorities {
		if _, err := tx.Exec(`UPDATE module_chains SET priority = ? WHERE id = ?`, priority, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to update priority: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
