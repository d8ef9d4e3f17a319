package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bdobrica/Hangar/common/trace"
)

func TestGenerateID_Format(t *testing.T) {
	id := trace.GenerateID()
	if !strings.HasPrefix(id, "t_") || len(id) != 34 {
		t.Fatalf("unexpected trace id %q", id)
	}
	if id == trace.GenerateID() {
		t.Fatal("expected distinct ids")
	}
}

func TestEnsure_KeepsExisting(t *testing.T) {
	ctx := trace.WithTraceID(context.Background(), "t_fixed")
	ctx, id := trace.Ensure(ctx)
	if id != "t_fixed" || trace.FromContext(ctx) != "t_fixed" {
		t.Fatalf("expected existing id to be kept, got %q", id)
	}
}

func TestEnsure_GeneratesWhenMissing(t *testing.T) {
	ctx, id := trace.Ensure(context.Background())
	if id == "" || trace.FromContext(ctx) != id {
		t.Fatalf("expected generated id in context, got %q", id)
	}
}
