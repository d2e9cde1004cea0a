package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/EdoardoFiore/madmin/internal/database"
	"github.com/EdoardoFiore/madmin/internal/models"
)

// RuleStore is the durable table of machine firewall rules. Within one
// (table, chain) group the rule_order column is always a contiguous
// permutation of 0..n-1; every mutation here preserves that invariant.
type RuleStore struct {
	db *database.DB
}

func NewRuleStore(db *database.DB) *RuleStore {
	return &RuleStore{db: db}
}

const ruleColumns = `id, fw_table, chain, action, protocol, source, destination, port,
	in_interface, out_interface, state, limit_rate, limit_burst,
	to_destination, to_source, to_ports, log_prefix, log_level, reject_with, set_mark,
	comment, rule_order, enabled, applied, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*models.Rule, error) {
	var r models.Rule
	err := row.Scan(
		&r.ID, &r.Table, &r.Chain, &r.Action, &r.Protocol, &r.Source, &r.Destination, &r.Port,
		&r.InInterface, &r.OutInterface, &r.State, &r.LimitRate, &r.LimitBurst,
		&r.ToDestination, &r.ToSource, &r.ToPorts, &r.LogPrefix, &r.LogLevel, &r.RejectWith, &r.SetMark,
		&r.Comment, &r.Order, &r.Enabled, &r.Applied, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RuleStore) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// List returns all rules, optionally filtered by table, ordered by group and
// position.
func (s *RuleStore) List(table string) ([]models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM machine_firewall_rules`
	var args []any
	if table != "" {
		query += ` WHERE fw_table = ?`
		args = append(args, table)
	}
	query += ` ORDER BY fw_table, chain, rule_order`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// ListGroup returns the rules of one (table, chain) group in kernel order.
func (s *RuleStore) ListGroup(table, chain string) ([]models.Rule, error) {
	rows, err := s.db.Query(
		`SELECT `+ruleColumns+` FROM machine_firewall_rules
		 WHERE fw_table = ? AND chain = ? ORDER BY rule_order`, table, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to list group rules: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func (s *RuleStore) Get(id string) (*models.Rule, error) {
	row := s.db.QueryRow(
		`SELECT `+ruleColumns+` FROM machine_firewall_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

func groupCount(tx *sql.Tx, table, chain string) (int, error) {
	var n int
	err := tx.QueryRow(
		`SELECT COUNT(*) FROM machine_firewall_rules WHERE fw_table = ? AND chain = ?`,
		table, chain).Scan(&n)
	return n, err
}

// Create inserts the rule at the requested position, shifting the rest of
// the group up. A nil position (or one past the end) appends.
func (s *RuleStore) Create(r *models.Rule, position *int) error {
	return s.withTx(func(tx *sql.Tx) error {
		n, err := groupCount(tx, r.Table, r.Chain)
		if err != nil {
			return fmt.Errorf("failed to count group rules: %w", err)
		}

		pos := n
		if position != nil && *position >= 0 && *position < n {
			pos = *position
			_, err = tx.Exec(
				`UPDATE machine_firewall_rules SET rule_order = rule_order + 1
				 WHERE fw_table = ? AND chain = ? AND rule_order >= ?`,
				r.Table, r.Chain, pos)
			if err != nil {
				return fmt.Errorf("failed to shift rules: %w", err)
			}
		}

		now := time.Now().UTC()
		r.Order = pos
		r.Applied = false
		r.CreatedAt = now
		r.UpdatedAt = now

		_, err = tx.Exec(
			`INSERT INTO machine_firewall_rules (`+ruleColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Table, r.Chain, r.Action, r.Protocol, r.Source, r.Destination, r.Port,
			r.InInterface, r.OutInterface, r.State, r.LimitRate, r.LimitBurst,
			r.ToDestination, r.ToSource, r.ToPorts, r.LogPrefix, r.LogLevel, r.RejectWith, r.SetMark,
			r.Comment, r.Order, r.Enabled, r.Applied, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}

		return markGroupUnapplied(tx, r.Table, r.Chain)
	})
}

// Update replaces the mutable fields of a rule. When the rule changes
// (table, chain) group it leaves its old group (closing the gap) and is
// appended to the new one.
func (s *RuleStore) Update(r *models.Rule) error {
	old, err := s.Get(r.ID)
	if err != nil {
		return err
	}

	return s.withTx(func(tx *sql.Tx) error {
		order := old.Order
		sameGroup := old.Table == r.Table && old.Chain == r.Chain

		if !sameGroup {
			_, err := tx.Exec(
				`UPDATE machine_firewall_rules SET rule_order = rule_order - 1
				 WHERE fw_table = ? AND chain = ? AND rule_order > ?`,
				old.Table, old.Chain, old.Order)
			if err != nil {
				return fmt.Errorf("failed to close order gap: %w", err)
			}
			n, err := groupCount(tx, r.Table, r.Chain)
			if err != nil {
				return fmt.Errorf("failed to count group rules: %w", err)
			}
			order = n // append to the new group
			if err := markGroupUnapplied(tx, old.Table, old.Chain); err != nil {
				return err
			}
		}

		r.Order = order
		r.CreatedAt = old.CreatedAt
		r.UpdatedAt = time.Now().UTC()
		r.Applied = false

		_, err := tx.Exec(
			`UPDATE machine_firewall_rules SET
				fw_table = ?, chain = ?, action = ?, protocol = ?, source = ?, destination = ?, port = ?,
				in_interface = ?, out_interface = ?, state = ?, limit_rate = ?, limit_burst = ?,
				to_destination = ?, to_source = ?, to_ports = ?, log_prefix = ?, log_level = ?,
				reject_with = ?, set_mark = ?, comment = ?, rule_order = ?, enabled = ?, applied = ?,
				updated_at = ?
			 WHERE id = ?`,
			r.Table, r.Chain, r.Action, r.Protocol, r.Source, r.Destination, r.Port,
			r.InInterface, r.OutInterface, r.State, r.LimitRate, r.LimitBurst,
			r.ToDestination, r.ToSource, r.ToPorts, r.LogPrefix, r.LogLevel,
			r.RejectWith, r.SetMark, r.Comment, r.Order, r.Enabled, r.Applied,
			r.UpdatedAt, r.ID)
		if err != nil {
			return fmt.Errorf("failed to update rule: %w", err)
		}

		return markGroupUnapplied(tx, r.Table, r.Chain)
	})
}

// Delete removes a rule and closes the order gap in its group. The deleted
// rule is returned so the caller knows which group to resynchronize.
func (s *RuleStore) Delete(id string) (*models.Rule, error) {
	r, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	err = s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM machine_firewall_rules WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete rule: %w", err)
		}
		_, err := tx.Exec(
			`UPDATE machine_firewall_rules SET rule_order = rule_order - 1
			 WHERE fw_table = ? AND chain = ? AND rule_order > ?`,
			r.Table, r.Chain, r.Order)
		if err != nil {
			return fmt.Errorf("failed to close order gap: %w", err)
		}
		return markGroupUnapplied(tx, r.Table, r.Chain)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Reorder moves a rule to newOrder within its group, shifting the rules in
// between. newOrder is clamped to the group bounds.
func (s *RuleStore) Reorder(id string, newOrder int) (*models.Rule, error) {
	r, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	err = s.withTx(func(tx *sql.Tx) error {
		n, err := groupCount(tx, r.Table, r.Chain)
		if err != nil {
			return fmt.Errorf("failed to count group rules: %w", err)
		}
		if newOrder < 0 {
			newOrder = 0
		}
		if newOrder > n-1 {
			newOrder = n - 1
		}
		if newOrder == r.Order {
			return nil
		}

		if newOrder < r.Order {
			// Moving up: everything in [newOrder, old) shifts down one slot.
			_, err = tx.Exec(
				`UPDATE machine_firewall_rules SET rule_order = rule_order + 1
				 WHERE fw_table = ? AND chain = ? AND rule_order >= ? AND rule_order < ? AND id != ?`,
				r.Table, r.Chain, newOrder, r.Order, id)
		} else {
			// Moving down: everything in (old, newOrder] shifts up one slot.
			_, err = tx.Exec(
				`UPDATE machine_firewall_rules SET rule_order = rule_order - 1
				 WHERE fw_table = ? AND chain = ? AND rule_order > ? AND rule_order <= ? AND id != ?`,
				r.Table, r.Chain, r.Order, newOrder, id)
		}
		if err != nil {
			return fmt.Errorf("failed to shift rules: %w", err)
		}

		_, err = tx.Exec(
			`UPDATE machine_firewall_rules SET rule_order = ?, updated_at = ? WHERE id = ?`,
			newOrder, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to move rule: %w", err)
		}
		r.Order = newOrder
		return markGroupUnapplied(tx, r.Table, r.Chain)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// DeleteAll clears the store, optionally scoped to one table. Used by
// replace-mode import.
func (s *RuleStore) DeleteAll(table string) error {
	query := `DELETE FROM machine_firewall_rules`
	var args []any
	if table != "" {
		query += ` WHERE fw_table = ?`
		args = append(args, table)
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to clear rules: %w", err)
	}
	return nil
}

// SetGroupApplied flips the applied flag for every rule in a group. The
// synchronizer calls it with true after a successful pass.
func (s *RuleStore) SetGroupApplied(table, chain string, applied bool) error {
	_, err := s.db.Exec(
		`UPDATE machine_firewall_rules SET applied = ? WHERE fw_table = ? AND chain = ?`,
		applied, table, chain)
	if err != nil {
		return fmt.Errorf("failed to update applied flag: %w", err)
	}
	return nil
}

func markGroupUnapplied(tx *sql.Tx, table, chain string) error {
	_, err := tx.Exec(
		`UPDATE machine_firewall_rules SET applied = FALSE WHERE fw_table = ? AND chain = ?`,
		table, chain)
	if err != nil {
		return fmt.Errorf("failed to clear applied flag: %w", err)
	}
	return nil
}
