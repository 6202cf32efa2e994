package wiki

import (
	"context"
	"testing"
)

func TestCheckBelowThresholdIsAccessDenied(t *testing.T) {
	t.Parallel()

	gate, err := NewAccessGate(&stubAuthorizer{defaultLevel: LevelRead})
	if err != nil {
		t.Fatalf("NewAccessGate returned error: %v", err)
	}

	if err := gate.Check(context.Background(), Caller{Name: "bob"}, "page", LevelRead); err != nil {
		t.Fatalf("expected read access, got %v", err)
	}

	err = gate.Check(context.Background(), Caller{Name: "bob"}, "page", LevelEdit)
	requireKind(t, err, KindAccessDenied)
}

func TestLevelForResolvesGroupsWhenNil(t *testing.T) {
	t.Parallel()

	auth := &stubAuthorizer{
		defaultLevel: LevelEdit,
		groups:       map[string][]string{"alice": {"staff"}},
	}
	gate, err := NewAccessGate(auth)
	if err != nil {
		t.Fatalf("NewAccessGate returned error: %v", err)
	}

	level, err := gate.LevelFor(context.Background(), "page", "alice", nil)
	if err != nil {
		t.Fatalf("LevelFor returned error: %v", err)
	}
	if level != LevelEdit {
		t.Fatalf("expected edit level, got %d", level)
	}
}

func TestLevelForUnknownUserUsesEmptyGroupSet(t *testing.T) {
	t.Parallel()

	gate, err := NewAccessGate(&stubAuthorizer{defaultLevel: LevelNone})
	if err != nil {
		t.Fatalf("NewAccessGate returned error: %v", err)
	}

	level, err := gate.LevelFor(context.Background(), "page", "stranger", nil)
	if err != nil {
		t.Fatalf("LevelFor returned error: %v", err)
	}
	if level != LevelNone {
		t.Fatalf("expected no access for an unknown user, got %d", level)
	}
}

func TestNewAccessGateRequiresAuthorizer(t *testing.T) {
	t.Parallel()

	if _, err := NewAccessGate(nil); err == nil {
		t.Fatalf("expected constructor error for nil authorizer")
	}
}
