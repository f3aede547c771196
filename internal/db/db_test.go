package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	tmpDir := t.TempDir()
	return filepath.Join(tmpDir, "test.db")
}

func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("path = %q, want %q", db.Path(), path)
	}

	var mode string
	if err := db.RawDB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode query failed: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	var fk int
	if err := db.RawDB().QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("foreign_keys query failed: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("directory not created: %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("first Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestWithTx_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := db.RawDB().Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv VALUES ('a', '1')`)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx() commit failed: %v", err)
	}

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv VALUES ('b', '2')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	var count int
	if err := db.RawDB().QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (rolled back insert must not persist)", count)
	}
}

func TestTableAndColumnExists(t *testing.T) {
	ctx := context.Background()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := db.RawDB().Exec(`CREATE TABLE things (id TEXT PRIMARY KEY, data TEXT)`); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	ok, err := TableExists(ctx, db.RawDB(), "things")
	if err != nil || !ok {
		t.Errorf("TableExists(things) = %v, %v", ok, err)
	}
	ok, err = TableExists(ctx, db.RawDB(), "missing")
	if err != nil || ok {
		t.Errorf("TableExists(missing) = %v, %v", ok, err)
	}
	ok, err = ColumnExists(ctx, db.RawDB(), "things", "data")
	if err != nil || !ok {
		t.Errorf("ColumnExists(things.data) = %v, %v", ok, err)
	}
	ok, err = ColumnExists(ctx, db.RawDB(), "things", "version")
	if err != nil || ok {
		t.Errorf("ColumnExists(things.version) = %v, %v", ok, err)
	}
}

func TestIsCorrupt_NotADatabase(t *testing.T) {
	path := testDBPath(t)
	if err := os.WriteFile(path, []byte("this is definitely not a sqlite file, just some text padding it out"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	db, err := Open(path)
	if err == nil {
		_, err = db.RawDB().Exec(`SELECT * FROM sqlite_master`)
		db.Close()
	}
	if err == nil {
		t.Fatal("expected an error opening a non-database file")
	}
	if !IsCorrupt(err) {
		t.Errorf("IsCorrupt(%v) = false, want true", err)
	}
	if IsBusy(err) {
		t.Errorf("IsBusy(%v) = true, want false", err)
	}
}

func TestTimeFormat_SortsChronologically(t *testing.T) {
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(500 * time.Millisecond),
		base,
		base.Add(time.Nanosecond),
		base.Add(-time.Second),
	}

	formatted := make([]string, len(times))
	for i, ts := range times {
		formatted[i] = FormatTime(ts)
	}
	sort.Strings(formatted)

	var prev time.Time
	for i, s := range formatted {
		got, err := ParseTime(s)
		if err != nil {
			t.Fatalf("ParseTime(%q) failed: %v", s, err)
		}
		if i > 0 && !got.After(prev) {
			t.Errorf("lexical order broke at %q", s)
		}
		prev = got
	}
}

func TestParseTime_AcceptsRFC3339(t *testing.T) {
	got, err := ParseTime("2025-05-01T14:00:00+02:00")
	if err != nil {
		t.Fatalf("ParseTime() failed: %v", err)
	}
	want := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("ParseTime() = %v, want %v", got, want)
	}

	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("ParseTime(yesterday) should fail")
	}
}

func TestNullableHelpers(t *testing.T) {
	if TimePtr(NullTime(nil)) != nil {
		t.Error("nil time should stay nil")
	}
	now := time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)
	if got := TimePtr(NullTime(&now)); got == nil || !got.Equal(now) {
		t.Errorf("time round trip = %v, want %v", got, now)
	}

	empty := ""
	if got := StringPtr(NullString(&empty)); got == nil || *got != "" {
		t.Error("empty string must survive as a non-nil pointer")
	}
	if StringPtr(NullString(nil)) != nil {
		t.Error("nil string should stay nil")
	}
}

func TestRecreate_DropsEverything(t *testing.T) {
	ctx := context.Background()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := db.RawDB().Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	if err := db.Recreate(); err != nil {
		t.Fatalf("Recreate() failed: %v", err)
	}

	ok, err := TableExists(ctx, db.RawDB(), "kv")
	if err != nil {
		t.Fatalf("TableExists() failed: %v", err)
	}
	if ok {
		t.Error("table kv survived Recreate()")
	}
}

func TestConn_AfterClose(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	_ = db.Close()

	if _, err := db.Conn(); !errors.Is(err, ErrClosed) {
		t.Errorf("Conn() after Close = %v, want ErrClosed", err)
	}
	err = db.WithTx(context.Background(), func(tx *sql.Tx) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("WithTx() after Close = %v, want ErrClosed", err)
	}
}
