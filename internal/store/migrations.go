package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var initialSchemaSQL string

// schemaRevision is one versioned step of the jobs/schedules schema.
type schemaRevision struct {
	version int
	name    string
	script  string
}

// schemaRevisions is append-only: released revisions never change, new ones
// go at the end with the next version number.
var schemaRevisions = []schemaRevision{
	{version: 1, name: "initial_schema", script: initialSchemaSQL},
}

// ensureSchema brings the database up to the latest revision. Applied
// revisions are recorded in schema_migrations, making startup idempotent.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedRevisions(ctx, db)
	if err != nil {
		return err
	}

	for _, rev := range schemaRevisions {
		if applied[rev.version] {
			continue
		}
		if err := applyRevision(ctx, db, rev); err != nil {
			return err
		}
	}
	return nil
}

func appliedRevisions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// applyRevision runs one revision's statements and records it in a single
// transaction, so a failed migration leaves no partial schema behind.
func applyRevision(ctx context.Context, db *sql.DB, rev schemaRevision) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revision %d: %w", rev.version, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range sqlStatements(rev.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("revision %d (%s): %w", rev.version, rev.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`,
		rev.version, rev.name); err != nil {
		return fmt.Errorf("record revision %d: %w", rev.version, err)
	}
	return tx.Commit()
}

// sqlStatements splits an embedded script into executable statements. Comment
// and blank lines are dropped first so a trailing comment cannot turn into an
// empty statement.
func sqlStatements(script string) []string {
	var code []string
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		code = append(code, line)
	}

	var stmts []string
	for _, raw := range strings.Split(strings.Join(code, "\n"), ";") {
		if stmt := strings.TrimSpace(raw); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
