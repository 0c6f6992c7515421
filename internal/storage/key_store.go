package storage

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/promptgate/promptgate/internal/models"
)

// ErrKeyNotFound is returned for unknown or revoked keys
var ErrKeyNotFound = errors.New("api key not found")

// KeyStore holds API keys in memory, persisting each one as a JSON file.
// Keys are indexed by the SHA-256 of the raw key; the raw key is never written.
type KeyStore struct {
	keysDir string

	mu     sync.RWMutex
	byHash map[string]*models.APIKey
	byID   map[string]*models.APIKey
}

// NewKeyStore creates an empty key store persisting into keysDir.
// An empty keysDir keeps keys in memory only.
func NewKeyStore(keysDir string) *KeyStore {
	return &KeyStore{
		keysDir: keysDir,
		byHash:  make(map[string]*models.APIKey),
		byID:    make(map[string]*models.APIKey),
	}
}

// OpenKeyStore creates a key store and loads every key file in keysDir
func OpenKeyStore(keysDir string) (*KeyStore, error) {
	s := NewKeyStore(keysDir)
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads all key files from disk into the index
func (s *KeyStore) Load() error {
	if s.keysDir == "" {
		return nil
	}

	entries, err := os.ReadDir(s.keysDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read keys directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.keysDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read key file %s: %w", entry.Name(), err)
		}

		var key models.APIKey
		if err := json.Unmarshal(data, &key); err != nil {
			return fmt.Errorf("failed to unmarshal key file %s: %w", entry.Name(), err)
		}
		if key.KeyHash == "" {
			continue
		}
		if key.ID == "" {
			key.ID = models.KeyID(key.KeyHash)
		}
		s.index(&key)
	}
	return nil
}

// Lookup resolves a raw key. Unknown and revoked keys both return ErrKeyNotFound.
func (s *KeyStore) Lookup(raw string) (*models.APIKey, error) {
	if raw == "" {
		return nil, ErrKeyNotFound
	}

	s.mu.RLock()
	key, ok := s.byHash[models.HashKey(raw)]
	if !ok || !key.Active {
		s.mu.RUnlock()
		return nil, ErrKeyNotFound
	}
	cp := *key
	s.mu.RUnlock()

	return &cp, nil
}

// Get returns a key by id, including revoked keys
func (s *KeyStore) Get(id string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *key
	return &cp, nil
}

// Provision generates a new key and returns its record and the raw key.
// The raw key is not recoverable afterwards.
func (s *KeyStore) Provision(name string, quota int) (*models.APIKey, string, error) {
	raw, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}
	key, err := s.Import(raw, name, quota)
	if err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

// Import registers a known raw key. Importing an existing key updates its
// name and quota; a revoked key stays revoked.
func (s *KeyStore) Import(raw, name string, quota int) (*models.APIKey, error) {
	if raw == "" {
		return nil, errors.New("api key must not be empty")
	}
	if quota < 0 {
		return nil, fmt.Errorf("quota must not be negative, got %d", quota)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.NewAPIKey(raw, name, quota)
	if existing, ok := s.byHash[key.KeyHash]; ok {
		key.CreatedAt = existing.CreatedAt
		key.Active = existing.Active
		key.RevokedAt = existing.RevokedAt
	}
	if err := s.persist(key); err != nil {
		return nil, err
	}
	s.index(key)

	cp := *key
	return &cp, nil
}

// Revoke deactivates a key by id
func (s *KeyStore) Revoke(id string) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}

	revoked := *key
	revoked.Revoke()
	if err := s.persist(&revoked); err != nil {
		return nil, err
	}
	s.index(&revoked)

	cp := revoked
	return &cp, nil
}

// List returns all keys ordered by creation time
func (s *KeyStore) List() []*models.APIKey {
	s.mu.RLock()
	keys := make([]*models.APIKey, 0, len(s.byID))
	for _, k := range s.byID {
		cp := *k
		keys = append(keys, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt != keys[j].CreatedAt {
			return keys[i].CreatedAt < keys[j].CreatedAt
		}
		return keys[i].ID < keys[j].ID
	})
	return keys
}

// Count returns the number of keys and how many are active
func (s *KeyStore) Count() (total, active int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.byID {
		total++
		if k.Active {
			active++
		}
	}
	return total, active
}

// index replaces the key's entries; callers hold mu
func (s *KeyStore) index(key *models.APIKey) {
	s.byHash[key.KeyHash] = key
	s.byID[key.ID] = key
}

// persist writes the key file; callers hold mu
func (s *KeyStore) persist(key *models.APIKey) error {
	if s.keysDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.keysDir, 0755); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}

	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}

	path := filepath.Join(s.keysDir, key.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// GenerateKey returns a new random "sk-" key
func GenerateKey() (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 40)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("failed to generate key: %w", err)
		}
		b[i] = charset[n.Int64()]
	}
	return "sk-" + string(b), nil
}
