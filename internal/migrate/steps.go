package migrate

import (
	"fmt"

	"github.com/repcue/localsync/internal/schema"
)

// Step is one schema version. DDL runs first, then Transform is applied to
// every row of each table in Tables. Both happen inside the same transaction
// as the version marker update.
type Step struct {
	Version   int
	Name      string
	DDL       func() []string
	Tables    []string
	Transform RowFunc

	// Columns lists columns added by the step as table -> column -> type.
	// They are added only when missing, so a store that already carries
	// them (an old export re-imported, a half-written legacy file) migrates
	// cleanly.
	Columns map[string][]Column
}

// Column is a column added by ALTER TABLE.
type Column struct {
	Name string
	Decl string
}

// LatestVersion is the schema version this binary writes.
const LatestVersion = 5

// Queue tables live beside the entity tables but are never touched by row
// transforms.
const (
	QueueTable      = "sync_queue"
	DeadLetterTable = "sync_dead_letters"
	MetaTable       = "schema_meta"
)

// Steps returns every migration step in version order.
func Steps() []Step {
	tables := schema.Tables()

	envelopeColumns := []Column{
		{Name: "owner_id", Decl: "TEXT"},
		{Name: "version", Decl: "INTEGER NOT NULL DEFAULT 1"},
		{Name: "updated_at", Decl: "TEXT NOT NULL DEFAULT ''"},
		{Name: "deleted", Decl: "INTEGER NOT NULL DEFAULT 0"},
		{Name: "dirty", Decl: "INTEGER NOT NULL DEFAULT 0"},
		{Name: "op", Decl: "TEXT NOT NULL DEFAULT 'upsert'"},
	}
	v2Columns := make(map[string][]Column, len(tables))
	v5Columns := make(map[string][]Column, len(tables))
	for _, t := range tables {
		v2Columns[t] = envelopeColumns
		v5Columns[t] = []Column{{Name: "synced_at", Decl: "TEXT"}}
	}

	return []Step{
		{
			Version: 1,
			Name:    "base tables",
			DDL: func() []string {
				stmts := make([]string, 0, len(tables))
				for _, t := range tables {
					stmts = append(stmts, fmt.Sprintf(
						`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, data TEXT NOT NULL DEFAULT '{}')`, t))
				}
				return stmts
			},
		},
		{
			Version:   2,
			Name:      "sync envelope",
			Columns:   v2Columns,
			Tables:    tables,
			Transform: BackfillEnvelope,
		},
		{
			Version:   3,
			Name:      "snake_case field names",
			Tables:    tables,
			Transform: RenameLegacyFields,
		},
		{
			Version: 4,
			Name:    "retry queue and sync indexes",
			DDL: func() []string {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS ` + QueueTable + ` (
						seq INTEGER PRIMARY KEY AUTOINCREMENT,
						id TEXT NOT NULL UNIQUE,
						type TEXT NOT NULL,
						endpoint TEXT NOT NULL,
						payload BLOB,
						priority INTEGER NOT NULL,
						retry_count INTEGER NOT NULL DEFAULT 0,
						max_retries INTEGER NOT NULL DEFAULT 5,
						enqueued_at TEXT NOT NULL,
						next_retry_at TEXT NOT NULL,
						last_error TEXT,
						record_key TEXT
					)`,
					`CREATE INDEX IF NOT EXISTS idx_sync_queue_ready ON ` + QueueTable + `(next_retry_at)`,
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_record_key ON ` + QueueTable + `(record_key) WHERE record_key IS NOT NULL`,
					`CREATE TABLE IF NOT EXISTS ` + DeadLetterTable + ` (
						id TEXT PRIMARY KEY,
						type TEXT NOT NULL,
						endpoint TEXT NOT NULL,
						payload BLOB,
						priority INTEGER NOT NULL,
						retry_count INTEGER NOT NULL,
						max_retries INTEGER NOT NULL,
						enqueued_at TEXT NOT NULL,
						failed_at TEXT NOT NULL,
						reason TEXT NOT NULL,
						permanent INTEGER NOT NULL DEFAULT 0,
						record_key TEXT
					)`,
					`CREATE INDEX IF NOT EXISTS idx_sync_dead_letters_failed ON ` + DeadLetterTable + `(failed_at)`,
				}
				for _, t := range tables {
					stmts = append(stmts,
						fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_dirty ON %s(dirty)`, t, t),
						fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_owner ON %s(owner_id)`, t, t),
						fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_live ON %s(deleted, updated_at)`, t, t),
					)
				}
				return stmts
			},
		},
		{
			Version: 5,
			Name:    "synced_at",
			Columns: v5Columns,
		},
	}
}
