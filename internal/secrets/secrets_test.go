package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "secrets.json"), filepath.Join(dir, "master.key")), dir
}

func TestGetAPIKeyMissingFile(t *testing.T) {
	store, _ := newTestStore(t)
	key, err := store.GetAPIKey()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if key != "" {
		t.Fatalf("key = %q", key)
	}
}

func TestSetGetClearRoundTrip(t *testing.T) {
	store, dir := newTestStore(t)
	if err := store.SetAPIKey("sk-very-secret"); err != nil {
		t.Fatalf("set: %v", err)
	}
	key, err := store.GetAPIKey()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if key != "sk-very-secret" {
		t.Fatalf("key = %q", key)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "secrets.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "sk-very-secret") {
		t.Fatalf("secret stored in plaintext")
	}

	if err := store.ClearAPIKey(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	key, err = store.GetAPIKey()
	if err != nil {
		t.Fatalf("get after clear: %v", err)
	}
	if key != "" {
		t.Fatalf("key after clear = %q", key)
	}
}

func TestFilePermissions(t *testing.T) {
	store, dir := newTestStore(t)
	if err := store.SetAPIKey("sk-x"); err != nil {
		t.Fatalf("set: %v", err)
	}
	for _, name := range []string{"secrets.json", "master.key"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("%s mode = %v", name, info.Mode().Perm())
		}
	}
}
