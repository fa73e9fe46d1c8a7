package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ctx = WithTraceID(ctx, "t1")
	if got, ok := TraceID(ctx); !ok || got != "t1" {
		t.Fatalf("TraceID mismatch: %v %v", got, ok)
	}

	ctx = WithUserID(ctx, "user")
	if got, ok := UserID(ctx); !ok || got != "user" {
		t.Fatalf("UserID mismatch: %v %v", got, ok)
	}

	ctx = WithRequestID(ctx, "req-1")
	if got, ok := RequestID(ctx); !ok || got != "req-1" {
		t.Fatalf("RequestID mismatch: %v %v", got, ok)
	}

	roles := []string{"image:edit"}
	ctx = WithRoles(ctx, roles)
	roles[0] = "admin"
	if got := Roles(ctx); len(got) != 1 || got[0] != "image:edit" {
		t.Fatalf("Roles must be copied on write: %v", got)
	}

	if _, ok := UserID(context.Background()); ok {
		t.Fatalf("empty context must not report a user")
	}
}
