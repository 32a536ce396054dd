package jobdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

func (d *DB) schemaStatements() []string {
	cols := make([]string, 0, len(d.fields)+1)
	for _, f := range d.fields {
		cols = append(cols, f.columnDef(d.dialect))
	}
	cols = append(cols, "`state` VARCHAR(20) NOT NULL DEFAULT 'INCOMING'")

	if d.dialect == dialectMySQL {
		cols = append(cols, "INDEX state_index (`state`)")
		return []string{
			"CREATE TABLE IF NOT EXISTS jobs (\n\t" + strings.Join(cols, ",\n\t") + "\n)",
			"CREATE TABLE IF NOT EXISTS dependencies (\n" +
				"\tchild VARCHAR(40) NOT NULL,\n" +
				"\tparent VARCHAR(40) NOT NULL,\n" +
				"\tINDEX child_index (child),\n" +
				"\tINDEX parent_index (parent)\n)",
		}
	}

	return []string{
		"CREATE TABLE IF NOT EXISTS jobs (\n\t" + strings.Join(cols, ",\n\t") + "\n)",
		"CREATE INDEX IF NOT EXISTS state_index ON jobs(`state`)",
		`CREATE TABLE IF NOT EXISTS dependencies (
			child VARCHAR(40) NOT NULL,
			parent VARCHAR(40) NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS child_index ON dependencies(child)",
		"CREATE INDEX IF NOT EXISTS parent_index ON dependencies(parent)",
	}
}

// CreateTables creates the jobs and dependencies tables and their indexes if
// they do not already exist.
func (d *DB) CreateTables(ctx context.Context) error {
	stmts := d.schemaStatements()
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// DropTables removes the jobs and dependencies tables if they exist.
func (d *DB) DropTables(ctx context.Context) error {
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"jobs", "dependencies"} {
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				return fmt.Errorf("drop %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	return nil
}
