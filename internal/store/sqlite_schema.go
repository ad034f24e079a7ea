package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS contabilizacao (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		data TEXT,
		musicians INTEGER,
		organists INTEGER,
		instruments TEXT,
		printed INTEGER DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS change_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot_id INTEGER NOT NULL,
		timestamp TEXT,
		field_name TEXT NOT NULL,
		old_value TEXT,
		new_value TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS change_log_snapshot_idx ON change_log (snapshot_id)`,
}

// columns added after the first schema, in the order they are added to
// databases created by older servers.
var sqliteAddedColumns = []struct {
	name string
	decl string
}{
	{"printed", "INTEGER DEFAULT 0"},
	{"data_ensaio", "TEXT"},
	{"cidade", "TEXT"},
	{"estado", "TEXT"},
	{"local_ensaio", "TEXT"},
	{"presidencia", "TEXT"},
	{"palavra", "TEXT"},
	{"encarregado", "TEXT"},
	{"regencia", "TEXT"},
	{"hinos", "TEXT"},
	{"hinos_numeros", "TEXT"},
	{"ministerio", "TEXT"},
}

// EnsureSQLiteSchema creates the tables and adds any column a legacy
// database is missing.
func EnsureSQLiteSchema(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite schema statement %d: %w", i, err)
		}
	}

	var columns []struct {
		CID       int     `db:"cid"`
		Name      string  `db:"name"`
		Type      string  `db:"type"`
		NotNull   int     `db:"notnull"`
		Default   *string `db:"dflt_value"`
		PrimaryPK int     `db:"pk"`
	}
	if err := db.SelectContext(ctx, &columns, `PRAGMA table_info(contabilizacao)`); err != nil {
		return fmt.Errorf("inspect contabilizacao: %w", err)
	}
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c.Name] = true
	}
	for _, c := range sqliteAddedColumns {
		if present[c.name] {
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE contabilizacao ADD COLUMN %s %s`, c.name, c.decl)); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS contabilizacao_data_ensaio_idx ON contabilizacao (data_ensaio)`); err != nil {
		return fmt.Errorf("index data_ensaio: %w", err)
	}
	return nil
}
