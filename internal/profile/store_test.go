package profile

import (
	"context"
	"testing"
	"time"
)

func TestSQLiteStore_PutGetDelete(t *testing.T) {
	store, err := NewTestStore()
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	p := &Profile{
		ID:                 "p1",
		Name:               "staging box",
		Host:               "staging.example.com",
		Port:               2222,
		Username:           "deploy",
		AuthMethod:         AuthMethodKey,
		CredentialRef:      "STAGING_DEPLOY_KEY",
		HostKeyFingerprint: "SHA256:abcdef",
	}
	if err := store.Put(ctx, p); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Host != "staging.example.com" || got.Port != 2222 || got.Username != "deploy" {
		t.Errorf("profile mismatch: %+v", got)
	}
	if got.AuthMethod != AuthMethodKey || got.CredentialRef != "STAGING_DEPLOY_KEY" {
		t.Errorf("credential fields mismatch: %+v", got)
	}
	if got.HostKeyFingerprint != "SHA256:abcdef" {
		t.Errorf("fingerprint mismatch: %q", got.HostKeyFingerprint)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}

	// Put is an upsert
	p.Host = "staging2.example.com"
	if err := store.Put(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = store.Get(ctx, "p1")
	if got.Host != "staging2.example.com" {
		t.Errorf("expected updated host, got %q", got.Host)
	}

	if err := store.Delete(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "p1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	store, err := NewTestStore()
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStaticCredentialSource(t *testing.T) {
	src := StaticCredentialSource{"DB_PASSWORD": "hunter2"}
	ctx := context.Background()

	secret, err := src.Secret(ctx, "DB_PASSWORD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret != "hunter2" {
		t.Errorf("expected 'hunter2', got %q", secret)
	}

	if _, err := src.Secret(ctx, "MISSING"); err == nil {
		t.Error("expected an error for an unknown reference")
	}
}

func TestEnvCredentialSource(t *testing.T) {
	t.Setenv("TEST_SSH_PASSWORD", "secret-value")

	src := EnvCredentialSource{}
	ctx := context.Background()

	secret, err := src.Secret(ctx, "TEST_SSH_PASSWORD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret != "secret-value" {
		t.Errorf("expected 'secret-value', got %q", secret)
	}

	if _, err := src.Secret(ctx, "TEST_SSH_PASSWORD_MISSING"); err == nil {
		t.Error("expected an error for an unset variable")
	}
	if _, err := src.Secret(ctx, ""); err == nil {
		t.Error("expected an error for an empty reference")
	}
}

func TestProfileTimestamps(t *testing.T) {
	store, err := NewTestStore()
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	p := &Profile{
		ID:            "p2",
		Name:          "old",
		Host:          "h",
		Port:          22,
		Username:      "u",
		AuthMethod:    AuthMethodPassword,
		CredentialRef: "REF",
		CreatedAt:     created,
	}
	if err := store.Put(ctx, p); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "p2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("expected created_at %s, got %s", created, got.CreatedAt)
	}
	if !got.UpdatedAt.After(created) {
		t.Errorf("expected updated_at after created_at, got %s", got.UpdatedAt)
	}
}
