package database

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "madmin.db")
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	d := &DB{db}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return d, nil
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS machine_firewall_rules (
			id TEXT PRIMARY KEY,
			fw_table TEXT NOT NULL DEFAULT 'filter',
			chain TEXT NOT NULL,
			action TEXT NOT NULL,
			protocol TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			destination TEXT NOT NULL DEFAULT '',
			port TEXT NOT NULL DEFAULT '',
			in_interface TEXT NOT NULL DEFAULT '',
			out_interface TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			limit_rate TEXT NOT NULL DEFAULT '',
			limit_burst INTEGER NOT NULL DEFAULT 0,
			to_destination TEXT NOT NULL DEFAULT '',
			to_source TEXT NOT NULL DEFAULT '',
			to_ports TEXT NOT NULL DEFAULT '',
			log_prefix TEXT NOT NULL DEFAULT '',
			log_level TEXT NOT NULL DEFAULT '',
			reject_with TEXT NOT NULL DEFAULT '',
			set_mark TEXT NOT NULL DEFAULT '',
			comment TEXT NOT NULL DEFAULT '',
			rule_order INTEGER NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			applied BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_group ON machine_firewall_rules(fw_table, chain, rule_order)`,
		`CREATE TABLE IF NOT EXISTS module_chains (
			id TEXT PRIMARY KEY,
			module_id TEXT NOT NULL,
			fw_table TEXT NOT NULL DEFAULT 'filter',
			parent_chain TEXT NOT NULL,
			chain_name TEXT UNIQUE NOT NULL,
			priority INTEGER NOT NULL DEFAULT 50,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_module_chains_group ON module_chains(fw_table, parent_chain, priority)`,
	}

	for _, m := range migrations {
		if _, err := d.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
