package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/envelope"
	"github.com/repcue/localsync/internal/schema"
)

// ImportOptions configures ImportLegacyExport.
type ImportOptions struct {
	Path   string // JSON export written by an older client
	DryRun bool   // Parse and transform without writing
	Backup bool   // Copy the export next to itself before importing
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Imported      map[string]int // table -> rows inserted
	Existing      int            // ids already present locally, left untouched
	Tombstones    int            // deleted records in the export, skipped
	BackupCreated string
	Errors        []string
}

// Total returns the number of rows inserted across all tables.
func (r *ImportResult) Total() int {
	total := 0
	for _, n := range r.Imported {
		total += n
	}
	return total
}

// ImportLegacyExport ingests a JSON export from an older client: an object of
// table name to array of records, with camelCase or snake_case field names.
// Every record goes through the same row transforms as a stored legacy row,
// then is inserted as a dirty, anonymous version 1 record. A record that does
// not decode and validate as its typed form is reported in Errors and
// skipped. Records whose id already exists locally are never overwritten.
// The whole import is one transaction.
func (m *Migrator) ImportLegacyExport(ctx context.Context, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{Imported: make(map[string]int)}

	// #nosec G304 - controlled path from CLI
	raw, err := os.ReadFile(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.Path + ".backup." + time.Now().Format("20060102-150405")
		if err := os.WriteFile(backupPath, raw, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	var export map[string][]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &export); err != nil {
		return nil, fmt.Errorf("invalid export: %w", err)
	}

	// Deterministic order keeps parents before children.
	names := make([]string, 0, len(export))
	for name := range export {
		names = append(names, name)
	}
	sort.Strings(names)
	sort.SliceStable(names, func(i, j int) bool { return tableRank(names[i]) < tableRank(names[j]) })

	transform := Chain(BackfillEnvelope, RenameLegacyFields)

	var pending []Row
	for _, name := range names {
		table, ok := tableFor(name)
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("unknown table %q skipped", name))
			continue
		}
		for i, fields := range export[name] {
			if isTrue(fields["deleted"]) {
				result.Tombstones++
				continue
			}
			id := stringField(fields, "id")
			if id == "" {
				id = envelope.NewID()
			}
			out, err := transform(Row{Table: table, ID: id, Data: fields})
			if err == nil {
				err = validateRow(out)
			}
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s[%d] %s: %v", name, i, id, err))
				continue
			}
			pending = append(pending, out)
		}
	}

	if opts.DryRun {
		for _, r := range pending {
			result.Imported[r.Table]++
		}
		return result, nil
	}

	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, r := range pending {
			data, err := json.Marshal(r.Data)
			if err != nil {
				return fmt.Errorf("row %s: %w", r.ID, err)
			}
			res, err := tx.ExecContext(ctx, fmt.Sprintf(
				`INSERT INTO %s (id, data, owner_id, version, updated_at, deleted, dirty, op, synced_at)
				 VALUES (?, ?, NULL, 1, ?, 0, 1, 'upsert', NULL)
				 ON CONFLICT(id) DO NOTHING`, r.Table),
				r.ID, string(data), r.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert %s %s: %w", r.Table, r.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				result.Existing++
				continue
			}
			result.Imported[r.Table]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("imported legacy export",
		zap.String("path", opts.Path),
		zap.Int("rows", result.Total()),
		zap.Int("existing", result.Existing))
	return result, nil
}

// validateRow decodes a transformed row the way the store reads it back.
func validateRow(r Row) error {
	kind, err := schema.ParseKind(r.Table)
	if err != nil {
		return err
	}
	data, err := json.Marshal(r.Data)
	if err != nil {
		return err
	}
	rec, err := schema.DecodeData(kind, envelope.Envelope{ID: r.ID}, data)
	if err != nil {
		return err
	}
	return rec.Validate()
}

// tableFor maps a table name, kind name or camelCase table name to its table.
func tableFor(name string) (string, bool) {
	if k, err := schema.ParseKind(name); err == nil {
		return k.Table(), true
	}
	flat := strings.ToLower(strings.ReplaceAll(name, "_", ""))
	for _, t := range schema.Tables() {
		if strings.ReplaceAll(t, "_", "") == flat {
			return t, true
		}
	}
	return "", false
}

func tableRank(name string) int {
	table, ok := tableFor(name)
	if !ok {
		return len(schema.Tables())
	}
	for i, t := range schema.Tables() {
		if t == table {
			return i
		}
	}
	return len(schema.Tables())
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// isTrue accepts a JSON boolean or a 0/1 flag.
func isTrue(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var n int
	return json.Unmarshal(raw, &n) == nil && n != 0
}
