package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
)

// File layout: [magic (4)] [version (1)] [salt (16)] [nonce (12)] [sealed JSON map].
// The header is authenticated as GCM additional data.
const (
	magic       = "LLMR"
	version     = byte(0x01)
	saltLength  = 16
	nonceLength = 12
	headerLen   = len(magic) + 1 + saltLength + nonceLength
)

// Argon2id parameters (OWASP recommended)
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32
)

// ErrCorrupt is returned when the keystore file cannot be decrypted.
var ErrCorrupt = errors.New("keystore: file is corrupt or the master key is wrong")

// FileKeystore implements Keystore as a single AES-256-GCM sealed file.
// Every write picks a fresh salt and nonce.
type FileKeystore struct {
	path      string
	masterKey []byte
	mu        sync.RWMutex
}

// NewFileKeystore opens (or prepares to create) the keystore at path.
func NewFileKeystore(path string, source MasterKeySource) (*FileKeystore, error) {
	key, err := source.MasterKey()
	if err != nil {
		return nil, err
	}
	return &FileKeystore{path: path, masterKey: key}, nil
}

// Path is the backing file.
func (f *FileKeystore) Path() string {
	return f.path
}

// Set stores a key-value pair.
func (f *FileKeystore) Set(name, value string) error {
	if name == "" {
		return errors.New("keystore: empty name")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}
	data[name] = value
	return f.save(data)
}

// Get retrieves a value by name.
func (f *FileKeystore) Get(name string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := f.load()
	if err != nil {
		return "", err
	}
	value, ok := data[name]
	if !ok {
		return "", &ErrKeyNotFound{Name: name}
	}
	return value, nil
}

// Delete removes a key by name.
func (f *FileKeystore) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := data[name]; !ok {
		return &ErrKeyNotFound{Name: name}
	}
	delete(data, name)
	return f.save(data)
}

// List returns all stored key names.
func (f *FileKeystore) List() ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := f.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *FileKeystore) load() (map[string]string, error) {
	data := make(map[string]string)

	sealed, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, nil
		}
		return nil, err
	}
	if len(sealed) == 0 {
		return data, nil
	}

	plaintext, err := f.open(sealed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, ErrCorrupt
	}
	return data, nil
}

func (f *FileKeystore) save(data map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	plaintext, err := json.Marshal(data)
	if err != nil {
		return err
	}
	sealed, err := f.seal(plaintext)
	if err != nil {
		return err
	}

	// Write to a sibling and rename so a crash never leaves half a file.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileKeystore) gcm(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(f.masterKey, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (f *FileKeystore) seal(plaintext []byte) ([]byte, error) {
	header := make([]byte, headerLen)
	copy(header, magic)
	header[len(magic)] = version
	salt := header[len(magic)+1 : len(magic)+1+saltLength]
	nonce := header[len(magic)+1+saltLength:]
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	aead, err := f.gcm(salt)
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerLen, headerLen+len(plaintext)+aead.Overhead())
	copy(out, header)
	return aead.Seal(out, nonce, plaintext, header), nil
}

func (f *FileKeystore) open(sealed []byte) ([]byte, error) {
	if len(sealed) < headerLen || string(sealed[:len(magic)]) != magic || sealed[len(magic)] != version {
		return nil, ErrCorrupt
	}
	header := sealed[:headerLen]
	salt := header[len(magic)+1 : len(magic)+1+saltLength]
	nonce := header[len(magic)+1+saltLength:]

	aead, err := f.gcm(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, sealed[headerLen:], header)
	if err != nil {
		return nil, ErrCorrupt
	}
	return plaintext, nil
}

var _ Keystore = (*FileKeystore)(nil)
