package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/repcue/localsync/internal/schema"
)

// Export writes every stored record, tombstones included, as JSON lines of
// schema.Wire. Kinds are written in schema.Kinds order and rows by id.
// Fallback records are not exported. It returns the number of lines written.
func (s *Store) Export(ctx context.Context, w io.Writer) (int, error) {
	conn, err := s.db.Conn()
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	n := 0
	for _, kind := range schema.Kinds() {
		recs, err := s.queryRecords(ctx, conn, kind, `ORDER BY id`)
		if err != nil {
			return n, err
		}
		for _, rec := range recs {
			wire, err := schema.ToWire(rec)
			if err != nil {
				return n, err
			}
			if err := enc.Encode(wire); err != nil {
				return n, fmt.Errorf("failed to write %s %s: %w", kind, rec.Envelope().ID, err)
			}
			n++
		}
	}
	return n, nil
}
