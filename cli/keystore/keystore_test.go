package keystore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestKeystore(t *testing.T) *FileKeystore {
	t.Helper()
	ks, err := NewFileKeystore(filepath.Join(t.TempDir(), "keys.enc"), StaticMasterKey("test-master"))
	if err != nil {
		t.Fatalf("NewFileKeystore() error = %v", err)
	}
	return ks
}

func TestFileKeystoreSetAndGet(t *testing.T) {
	ks := newTestKeystore(t)

	if err := ks.Set("default", "rk-test-key-12345"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	value, err := ks.Get("default")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if value != "rk-test-key-12345" {
		t.Errorf("Get() = %q, want rk-test-key-12345", value)
	}
}

func TestFileKeystoreGetNotFound(t *testing.T) {
	ks := newTestKeystore(t)

	_, err := ks.Get("nonexistent")
	var nf *ErrKeyNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("Get() error = %v, want *ErrKeyNotFound", err)
	}
	if nf.Name != "nonexistent" {
		t.Errorf("Name = %q", nf.Name)
	}
}

func TestFileKeystoreDelete(t *testing.T) {
	ks := newTestKeystore(t)

	if err := ks.Set("gpu-box", "rk-gpu"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := ks.Delete("gpu-box"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := ks.Get("gpu-box"); err == nil {
		t.Error("Get() after Delete() should fail")
	}
	if err := ks.Delete("gpu-box"); err == nil {
		t.Error("second Delete() should fail")
	}
}

func TestFileKeystoreListSorted(t *testing.T) {
	ks := newTestKeystore(t)

	names, err := ks.List()
	if err != nil || len(names) != 0 {
		t.Fatalf("List() on empty keystore = %v, %v", names, err)
	}

	for _, n := range []string{"staging", "default", "gpu-box"} {
		if err := ks.Set(n, "rk-"+n); err != nil {
			t.Fatalf("Set(%q) error = %v", n, err)
		}
	}
	names, err = ks.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"default", "gpu-box", "staging"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("List() = %v, want %v", names, want)
	}
}

func TestFileKeystorePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "keys.enc")
	ks, err := NewFileKeystore(path, StaticMasterKey("m1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ks.Set("default", "rk-persist"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("keystore file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}

	again, _ := NewFileKeystore(path, StaticMasterKey("m1"))
	if v, err := again.Get("default"); err != nil || v != "rk-persist" {
		t.Errorf("reopened Get() = %q, %v", v, err)
	}
}

func TestFileKeystoreDoesNotStorePlaintext(t *testing.T) {
	ks := newTestKeystore(t)
	if err := ks.Set("default", "rk-very-secret"); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(ks.Path())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "rk-very-secret") || strings.Contains(string(raw), "default") {
		t.Error("keystore file contains plaintext")
	}
	if !strings.HasPrefix(string(raw), magic) {
		t.Error("keystore file lacks magic header")
	}
}

func TestFileKeystoreWrongMasterKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.enc")
	ks, _ := NewFileKeystore(path, StaticMasterKey("right"))
	if err := ks.Set("default", "rk-x"); err != nil {
		t.Fatal(err)
	}

	wrong, _ := NewFileKeystore(path, StaticMasterKey("wrong"))
	if _, err := wrong.Get("default"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Get() with wrong master key = %v, want ErrCorrupt", err)
	}
}

func TestFileKeystoreTamperedFile(t *testing.T) {
	ks := newTestKeystore(t)
	if err := ks.Set("default", "rk-x"); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(ks.Path())
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(ks.Path(), raw, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ks.Get("default"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Get() on tampered file = %v, want ErrCorrupt", err)
	}
}

func TestFileKeystoreRejectsEmptyName(t *testing.T) {
	if err := newTestKeystore(t).Set("", "v"); err == nil {
		t.Error("Set() with empty name should fail")
	}
}

func TestMasterKeySources(t *testing.T) {
	t.Setenv(MasterKeyEnv, "")
	if _, err := (EnvMasterKey{}).MasterKey(); err == nil {
		t.Error("EnvMasterKey without env should fail")
	}
	if _, ok := DefaultMasterKey().(MachineMasterKey); !ok {
		t.Error("DefaultMasterKey() should fall back to the machine key")
	}

	t.Setenv(MasterKeyEnv, "from-env")
	k, err := DefaultMasterKey().MasterKey()
	if err != nil || string(k) != "from-env" {
		t.Errorf("DefaultMasterKey() = %q, %v", k, err)
	}

	m1, _ := MachineMasterKey{}.MasterKey()
	m2, _ := MachineMasterKey{}.MasterKey()
	if len(m1) != 32 || string(m1) != string(m2) {
		t.Error("MachineMasterKey should be a stable 32-byte key")
	}

	if _, err := StaticMasterKey(nil).MasterKey(); err == nil {
		t.Error("empty StaticMasterKey should fail")
	}
}

func TestDefaultKeystorePath(t *testing.T) {
	path := DefaultKeystorePath()
	if filepath.Base(path) != "keys.enc" {
		t.Errorf("DefaultKeystorePath() = %q", path)
	}
	if os.Getenv("HOME") != "" && filepath.Base(filepath.Dir(path)) != ".llm-router" {
		t.Errorf("DefaultKeystorePath() = %q, want it under .llm-router", path)
	}
}
