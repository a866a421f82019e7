// Package keystore persists issued API keys in a JSON file with a short-TTL
// in-process shadow for reads. Mutations read-modify-write the durable file
// and invalidate the shadow immediately, so the shadow never diverges for
// longer than its TTL. The file contract is single-writer: writes serialize
// on the store's mutex, but two processes sharing the file can lose updates.
package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one issued API key with its usage counters.
type Record struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"createdAt"`
	LastUsed     int64  `json:"lastUsed,omitempty"`
	RequestCount int    `json:"requestCount"`
}

type storeFile struct {
	Keys []Record `json:"keys"`
}

type Store struct {
	path       string
	staticKeys []string
	shadowTTL  time.Duration
	now        func() time.Time
	log        *zap.Logger

	mu       sync.Mutex
	shadow   *storeFile
	shadowAt time.Time
}

// New creates a store backed by the JSON file at path. staticKeys are the
// env-configured keys merged into AllValidKeys; they have no Record and no
// usage counters.
func New(path string, staticKeys []string, shadowTTL time.Duration, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		path:       path,
		staticKeys: staticKeys,
		shadowTTL:  shadowTTL,
		now:        time.Now,
		log:        log,
	}
}

// GenerateKey returns "tk_" followed by 48 lowercase hex characters derived
// from 24 bytes of cryptographically secure randomness.
func GenerateKey() (string, error) {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return "tk_" + hex.EncodeToString(b[:]), nil
}

// Create issues a new key under the given name and appends it to the durable
// store.
func (s *Store) Create(name string) (Record, error) {
	key, err := GenerateKey()
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Key:       key,
		Name:      name,
		CreatedAt: s.now().UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	store := s.load()
	store.Keys = append(store.Keys, rec)
	if err := s.save(store); err != nil {
		return Record{}, err
	}
	s.invalidate()
	return rec, nil
}

// Delete removes a key by exact match. Returns false if the key is absent.
func (s *Store) Delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store := s.load()
	for i, rec := range store.Keys {
		if rec.Key == key {
			store.Keys = append(store.Keys[:i], store.Keys[i+1:]...)
			if err := s.save(store); err != nil {
				return false, err
			}
			s.invalidate()
			return true, nil
		}
	}
	return false, nil
}

// List returns all dynamic key records, served from the shadow when fresh.
func (s *Store) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store := s.cached()
	out := make([]Record, len(store.Keys))
	copy(out, store.Keys)
	return out, nil
}

// RecordUsage bumps the request counter and last-used time for a dynamic key.
// Unknown keys (including static env keys) are a no-op.
func (s *Store) RecordUsage(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	store := s.load()
	for i := range store.Keys {
		if store.Keys[i].Key == key {
			store.Keys[i].LastUsed = s.now().UnixMilli()
			store.Keys[i].RequestCount++
			if err := s.save(store); err != nil {
				return err
			}
			s.invalidate()
			return nil
		}
	}
	return nil
}

// AllValidKeys returns the union of static env keys and every dynamic key.
func (s *Store) AllValidKeys() (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store := s.cached()
	keys := make(map[string]struct{}, len(s.staticKeys)+len(store.Keys))
	for _, k := range s.staticKeys {
		keys[k] = struct{}{}
	}
	for _, rec := range store.Keys {
		keys[rec.Key] = struct{}{}
	}
	return keys, nil
}

// cached returns the shadow copy, reloading from disk once it is older than
// the shadow TTL. Caller holds s.mu.
func (s *Store) cached() *storeFile {
	if s.shadow == nil || s.now().Sub(s.shadowAt) > s.shadowTTL {
		s.shadow = s.load()
		s.shadowAt = s.now()
	}
	return s.shadow
}

func (s *Store) invalidate() {
	s.shadow = nil
	s.shadowAt = time.Time{}
}

// load always reads the durable file, never the shadow. A missing or corrupt
// file loads as an empty store.
func (s *Store) load() *storeFile {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("read key store", zap.String("path", s.path), zap.Error(err))
		}
		return &storeFile{}
	}
	var store storeFile
	if err := json.Unmarshal(data, &store); err != nil {
		s.log.Warn("parse key store", zap.String("path", s.path), zap.Error(err))
		return &storeFile{}
	}
	return &store
}

func (s *Store) save(store *storeFile) error {
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("save key store: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("save key store: %w", err)
	}
	return nil
}
