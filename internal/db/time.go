package db

import (
	"database/sql"
	"fmt"
	"time"
)

// TimeFormat is the fixed-width UTC layout used for every timestamp column.
// Fixed width keeps lexical order equal to chronological order, which
// RFC3339Nano does not guarantee because it trims trailing zeros.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime accepts TimeFormat and any RFC3339 variant written by older
// clients.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// NullTime converts an optional time to a nullable column value.
func NullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// TimePtr converts a nullable column value back to an optional time. Values
// that do not parse are treated as absent.
func TimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// NullString converts an optional string to a nullable column value.
func NullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// StringPtr converts a nullable column value back to an optional string.
// An empty string is preserved so that legacy '' owners stay visible to the
// ownership claim.
func StringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
