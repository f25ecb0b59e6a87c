// Package auth provides API key authentication for the escrow API.
//
// Authentication model:
//   - read:  query payment and purchase records created by the key
//   - pay:   read, plus create records and set user intents on them
//   - admin: everything, including manual overrides and key management
//
// Raw keys are shown once at creation; only their SHA-256 hash is stored.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey          = errors.New("API key required")
	ErrInvalidAPIKey     = errors.New("invalid or expired API key")
	ErrKeyNotFound       = errors.New("API key not found")
	ErrInvalidPermission = errors.New("permission must be read, pay or admin")
)

// Permission is the access level of a key.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionPay   Permission = "pay"
	PermissionAdmin Permission = "admin"
)

func (p Permission) rank() int {
	switch p {
	case PermissionRead:
		return 1
	case PermissionPay:
		return 2
	case PermissionAdmin:
		return 3
	}
	return 0
}

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool { return p.rank() > 0 }

// Allows reports whether a key with p may use an endpoint requiring required.
func (p Permission) Allows(required Permission) bool {
	return p.Valid() && p.rank() >= required.rank()
}

// AdminKeyID is the id of the key bootstrapped from ADMIN_API_KEY.
const AdminKeyID = "ak_admin"

// APIKey represents an API key
type APIKey struct {
	ID         string     `json:"id"`
	Hash       string     `json:"-"` // SHA256 hash of key (stored)
	Name       string     `json:"name"`
	Permission Permission `json:"permission"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsed   time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// IsAdmin reports whether the key carries admin permission.
func (k *APIKey) IsAdmin() bool {
	return k != nil && k.Permission == PermissionAdmin
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	Get(ctx context.Context, id string) (*APIKey, error)
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	List(ctx context.Context) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// Manager handles authentication
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey creates a new API key.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, name string, perm Permission) (rawKey string, key *APIKey, err error) {
	if !perm.Valid() {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidPermission, perm)
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = "sk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:         "ak_" + hex.EncodeToString(b[:8]),
		Hash:       hashKey(rawKey),
		Name:       name,
		Permission: perm,
		CreatedAt:  m.now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// Bootstrap registers rawKey as the admin key. It is a no-op when the admin
// key already exists with the same hash; a changed key replaces the old hash.
func (m *Manager) Bootstrap(ctx context.Context, rawKey string) error {
	rawKey = strings.TrimSpace(rawKey)
	if !strings.HasPrefix(rawKey, "sk_") || len(rawKey) < 19 {
		return fmt.Errorf("%w: admin key must start with sk_ and be at least 16 characters after it", ErrInvalidAPIKey)
	}

	existing, err := m.store.Get(ctx, AdminKeyID)
	switch {
	case err == nil:
		if existing.Hash == hashKey(rawKey) && !existing.Revoked {
			return nil
		}
		existing.Hash = hashKey(rawKey)
		existing.Revoked = false
		existing.Permission = PermissionAdmin
		return m.store.Update(ctx, existing)
	case errors.Is(err, ErrKeyNotFound):
		return m.store.Create(ctx, &APIKey{
			ID:         AdminKeyID,
			Hash:       hashKey(rawKey),
			Name:       "bootstrap admin",
			Permission: PermissionAdmin,
			CreatedAt:  m.now(),
		})
	default:
		return err
	}
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	id, at := key.ID, m.now()
	go func() {
		_ = m.store.Touch(context.Background(), id, at)
	}()

	return key, nil
}

// ListKeys returns every key, newest first.
func (m *Manager) ListKeys(ctx context.Context) ([]*APIKey, error) {
	return m.store.List(ctx)
}

// RevokeKey revokes an API key
func (m *Manager) RevokeKey(ctx context.Context, keyID string) error {
	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return err
	}
	key.Revoked = true
	return m.store.Update(ctx, key)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return fmt.Errorf("auth: key %s already exists", key.ID)
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) List(ctx context.Context) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		cp := *k
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return ErrKeyNotFound
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.LastUsed = at
	return nil
}
