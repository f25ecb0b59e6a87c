package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "Test key", PermissionPay)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("Expected raw key to start with sk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "sk_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.Permission != PermissionPay {
		t.Errorf("Expected pay permission, got %s", key.Permission)
	}
	if key.Hash == rawKey || key.Hash == "" {
		t.Error("Expected the stored hash to differ from the raw key")
	}
}

func TestGenerateKey_RejectsUnknownPermission(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	_, _, err := mgr.GenerateKey(context.Background(), "bad", Permission("root"))
	if !errors.Is(err, ErrInvalidPermission) {
		t.Errorf("Expected ErrInvalidPermission, got %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, created, err := mgr.GenerateKey(ctx, "Primary", PermissionRead)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed for valid key: %v", err)
	}
	if key.ID != created.ID {
		t.Errorf("Expected key %s, got %s", created.ID, key.ID)
	}

	if _, err := mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "sk_wrongkey12345678901234567890123456789012345678901234567890")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for wrong key, got: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "")
	if err != ErrNoAPIKey {
		t.Errorf("Expected ErrNoAPIKey for empty key, got: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "not_a_valid_key")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for malformed key, got: %v", err)
	}
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "Short lived", PermissionRead)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	key.ExpiresAt = &past
	if err := store.Update(ctx, key); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for expired key, got: %v", err)
	}
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "To revoke", PermissionPay)

	if err := mgr.RevokeKey(ctx, key.ID); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected revoked key to be rejected, got: %v", err)
	}

	if err := mgr.RevokeKey(ctx, "ak_missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got: %v", err)
	}
}

func TestListKeys_NewestFirst(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	mgr.now = func() time.Time { tick = tick.Add(time.Second); return tick }

	_, first, _ := mgr.GenerateKey(ctx, "first", PermissionRead)
	_, second, _ := mgr.GenerateKey(ctx, "second", PermissionPay)

	keys, err := mgr.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Expected 2 keys, got %d", len(keys))
	}
	if keys[0].ID != second.ID || keys[1].ID != first.ID {
		t.Errorf("Expected newest first, got %s, %s", keys[0].ID, keys[1].ID)
	}
}

func TestBootstrap(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	raw := "sk_" + strings.Repeat("ab", 20)

	if err := mgr.Bootstrap(ctx, raw); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	// Idempotent.
	if err := mgr.Bootstrap(ctx, raw); err != nil {
		t.Fatalf("second Bootstrap failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, raw)
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if key.ID != AdminKeyID || !key.IsAdmin() {
		t.Errorf("Expected bootstrap admin key, got %s (%s)", key.ID, key.Permission)
	}

	// Rotating the configured key replaces the old one.
	rotated := "sk_" + strings.Repeat("cd", 20)
	if err := mgr.Bootstrap(ctx, rotated); err != nil {
		t.Fatalf("rotate Bootstrap failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, raw); err != ErrInvalidAPIKey {
		t.Errorf("Expected old admin key to be rejected, got: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rotated); err != nil {
		t.Errorf("Expected rotated admin key to validate, got: %v", err)
	}
}

func TestBootstrap_RejectsWeakKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	if err := mgr.Bootstrap(context.Background(), "sk_short"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestPermission_Allows(t *testing.T) {
	tests := []struct {
		have, need Permission
		want       bool
	}{
		{PermissionRead, PermissionRead, true},
		{PermissionRead, PermissionPay, false},
		{PermissionPay, PermissionRead, true},
		{PermissionPay, PermissionAdmin, false},
		{PermissionAdmin, PermissionPay, true},
		{Permission("bogus"), PermissionRead, false},
	}
	for _, tc := range tests {
		if got := tc.have.Allows(tc.need); got != tc.want {
			t.Errorf("%s.Allows(%s) = %v, want %v", tc.have, tc.need, got, tc.want)
		}
	}
}
