package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_MissingFileIsAnonymous(t *testing.T) {
	f, err := Open(filepath.Join(t.TempDir(), FileName), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if f.HasConsent() {
		t.Error("HasConsent() = true for a missing file")
	}
	if owner, ok := f.CurrentOwnerID(); ok || owner != "" {
		t.Errorf("CurrentOwnerID() = %q, %v", owner, ok)
	}
	if _, err := f.Token(); !errors.Is(err, ErrSignedOut) {
		t.Errorf("Token() error = %v, want ErrSignedOut", err)
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	f, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	want := Session{OwnerID: "user-1", AccessToken: "tok", Consent: true}
	if err := f.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if got := f.Current(); got != want {
		t.Errorf("Current() = %+v, want %+v", got, want)
	}

	other, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := other.Current(); got != want {
		t.Errorf("reopened session = %+v, want %+v", got, want)
	}
	if !other.Current().SignedIn() {
		t.Error("SignedIn() = false")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("session file mode = %o, want 600", perm)
	}
}

func TestReload_PicksUpExternalChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	f, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"owner_id":"user-2","token":"abc","consent":true}`), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := f.Reload()
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if s.OwnerID != "user-2" || !f.HasConsent() {
		t.Errorf("Reload() = %+v", s)
	}
	if tok, _ := f.Token(); tok != "abc" {
		t.Errorf("Token() = %q", tok)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Reload(); err != nil {
		t.Fatalf("Reload() after remove error = %v", err)
	}
	if f.HasConsent() {
		t.Error("consent survived removing the session file")
	}
}

func TestReload_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(`{not json`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, nil); err == nil {
		t.Error("Open() accepted an invalid session file")
	}
}
