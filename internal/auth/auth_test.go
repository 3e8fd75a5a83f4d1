package auth

import (
	"context"
	"testing"
)

func TestStatic_Authenticate(t *testing.T) {
	a := NewStatic(map[string]Principal{
		"token-1": {ID: "user1", DeviceID: "device1"},
	})
	ctx := context.Background()

	p, err := a.Authenticate(ctx, "token-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "user1" || p.DeviceID != "device1" {
		t.Errorf("unexpected principal: %+v", p)
	}

	if _, err := a.Authenticate(ctx, "wrong-token"); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := a.Authenticate(ctx, ""); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestStatic_NilMap(t *testing.T) {
	a := NewStatic(nil)
	if _, err := a.Authenticate(context.Background(), "any"); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}
