// Package keystore stores router API keys encrypted at rest.
package keystore

import (
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// Keystore holds named router credentials. Names are usually a router
// profile or host, for example "default" or "gpu-box".
type Keystore interface {
	// Set stores a key under name, replacing any previous value.
	Set(name, value string) error
	// Get returns the key stored under name.
	Get(name string) (string, error)
	// Delete removes name.
	Delete(name string) error
	// List returns all stored names, sorted.
	List() ([]string, error)
}

// ErrKeyNotFound is returned when a requested key does not exist.
type ErrKeyNotFound struct {
	Name string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Name
}

// MasterKeyEnv names the environment variable holding the master key.
const MasterKeyEnv = "LLM_ROUTER_MASTER_KEY"

// MasterKeySource supplies the secret every entry key is derived from.
type MasterKeySource interface {
	MasterKey() ([]byte, error)
}

// EnvMasterKey reads the master key from MasterKeyEnv.
type EnvMasterKey struct{}

// MasterKey implements MasterKeySource.
func (EnvMasterKey) MasterKey() ([]byte, error) {
	v := os.Getenv(MasterKeyEnv)
	if v == "" {
		return nil, errors.New(MasterKeyEnv + " is not set")
	}
	return []byte(v), nil
}

// StaticMasterKey is a fixed master key, mostly for tests.
type StaticMasterKey []byte

// MasterKey implements MasterKeySource.
func (k StaticMasterKey) MasterKey() ([]byte, error) {
	if len(k) == 0 {
		return nil, errors.New("empty master key")
	}
	return []byte(k), nil
}

// MachineMasterKey derives a master key from the host and user names.
// It only keeps keys off disk in plain text; anyone on the same account
// can rebuild it.
type MachineMasterKey struct{}

// MasterKey implements MasterKeySource.
func (MachineMasterKey) MasterKey() ([]byte, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	sum := sha256.Sum256([]byte(host + ":" + user + ":llm-router-keystore"))
	return sum[:], nil
}

// DefaultMasterKey prefers MasterKeyEnv and falls back to the machine key.
func DefaultMasterKey() MasterKeySource {
	if os.Getenv(MasterKeyEnv) != "" {
		return EnvMasterKey{}
	}
	return MachineMasterKey{}
}

// DefaultKeystorePath returns the default keystore file path.
// - macOS/Linux: ~/.llm-router/keys.enc
// - Windows: %USERPROFILE%\.llm-router\keys.enc
func DefaultKeystorePath() string {
	var homeDir string

	if runtime.GOOS == "windows" {
		homeDir = os.Getenv("USERPROFILE")
	} else {
		homeDir = os.Getenv("HOME")
	}

	if homeDir == "" {
		return "keys.enc"
	}

	return filepath.Join(homeDir, ".llm-router", "keys.enc")
}

// NewKeystore opens the keystore at the default path with the default
// master key.
func NewKeystore() (Keystore, error) {
	return NewFileKeystore(DefaultKeystorePath(), DefaultMasterKey())
}
