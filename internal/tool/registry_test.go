package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/zipsaai/zipsa/internal/retrieval"
)

func noopInvoker() Invoker {
	return InvokerFunc(func(ctx context.Context, query string, filters map[string]string) (retrieval.ResultSet, error) {
		return retrieval.ResultSet{}, nil
	})
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(Descriptor{Invoker: noopInvoker()}); err == nil {
		t.Fatalf("expected error for missing name")
	}
	if err := r.Register(Descriptor{Name: "broken"}); err == nil {
		t.Fatalf("expected error for missing invoker")
	}
	if err := r.Register(Descriptor{Name: "ok", Invoker: noopInvoker()}); err != nil {
		t.Fatalf("valid register failed: %v", err)
	}
}

func TestGetUnknownToolWrapsErrToolNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("ghost")
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"general", "legal", "loan"} {
		if err := r.Register(Descriptor{Name: name, Invoker: noopInvoker()}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	got := r.List()
	want := []string{"general", "legal", "loan"}
	if len(got) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestReRegisterReplacesButKeepsOrderSlot(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Descriptor{Name: "general", Description: "v1", Invoker: noopInvoker()})
	_ = r.Register(Descriptor{Name: "legal", Invoker: noopInvoker()})
	_ = r.Register(Descriptor{Name: "general", Description: "v2", Invoker: noopInvoker()})

	got := r.List()
	if len(got) != 2 || got[0] != "general" || got[1] != "legal" {
		t.Fatalf("unexpected order after re-register: %v", got)
	}
	d, err := r.Get("general")
	if err != nil {
		t.Fatalf("get general: %v", err)
	}
	if d.Description != "v2" {
		t.Fatalf("expected replaced descriptor, got %q", d.Description)
	}
}

func TestByCapability(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Descriptor{Name: "general", Capabilities: []string{"general_search"}, Invoker: noopInvoker()})
	_ = r.Register(Descriptor{Name: "legal", Capabilities: []string{"legal_search"}, Invoker: noopInvoker()})
	_ = r.Register(Descriptor{Name: "lease", Capabilities: []string{"general_search", "legal_search"}, Invoker: noopInvoker()})

	legal := r.ByCapability("legal_search")
	if len(legal) != 2 || legal[0].Name != "legal" || legal[1].Name != "lease" {
		t.Fatalf("unexpected legal_search agents: %+v", legal)
	}
	if got := r.ByCapability("unknown_tag"); got != nil {
		t.Fatalf("expected no agents for unknown tag, got %+v", got)
	}
}
