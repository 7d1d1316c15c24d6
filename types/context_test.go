package types

import (
	"context"
	"testing"
)

func TestContextPropagation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctx = WithTenantID(ctx, "tenant-1")
	ctx = WithUserID(ctx, "user-1")

	if v, ok := TenantID(ctx); !ok || v != "tenant-1" {
		t.Fatalf("tenant id not propagated, got %q", v)
	}
	if v, ok := UserID(ctx); !ok || v != "user-1" {
		t.Fatalf("user id not propagated, got %q", v)
	}
}

func TestContextAbsentValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if _, ok := UserID(ctx); ok {
		t.Fatalf("expected absent user id")
	}
	if _, ok := Roles(ctx); ok {
		t.Fatalf("expected absent roles")
	}

	// Empty string values are treated as absent.
	ctx = WithUserID(ctx, "")
	if _, ok := UserID(ctx); ok {
		t.Fatalf("empty user id should read as absent")
	}
}

func TestContextRoles(t *testing.T) {
	t.Parallel()

	ctx := WithRoles(context.Background(), []string{"admin", "user"})
	roles, ok := Roles(ctx)
	if !ok || len(roles) != 2 || roles[0] != "admin" {
		t.Fatalf("roles not propagated, got %v", roles)
	}
}
