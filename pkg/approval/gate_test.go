package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"adgov/pkg/models"
	"adgov/pkg/store"
)

func newTestGate(timeout time.Duration) *Gate {
	return NewGate(store.NewMemoryStore(), timeout)
}

func TestCreateAndApprove(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(time.Minute)
	dry := NewDryRun().AddChange("Budget: $50 -> $75").RiskLevel(models.RiskMedium).Build()
	id, err := g.CreateRequest(ctx, "update_budget", "campaigns/123", "acct-42", dry, "agent@example.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	req, err := g.GetRequest(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if req.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}
	if req.AccountID != "acct-42" {
		t.Fatalf("expected account acct-42, got %q", req.AccountID)
	}
	if g.IsApproved(ctx, id) {
		t.Fatal("pending request must not be approved")
	}
	approved, err := g.ApproveRequest(ctx, id, "admin@example.com")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != models.StatusApproved || approved.ApprovedBy != "admin@example.com" || approved.ApprovedAt == nil {
		t.Fatalf("unexpected approved request: %+v", approved)
	}
	if !g.IsApproved(ctx, id) {
		t.Fatal("expected IsApproved true")
	}
}

func TestApproveTwiceFails(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(time.Minute)
	id, _ := g.CreateRequest(ctx, "pause_campaign", "campaigns/9", "", NewDryRun().Build(), "agent")
	if _, err := g.ApproveRequest(ctx, id, "admin"); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if _, err := g.ApproveRequest(ctx, id, "admin"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	if _, err := g.RejectRequest(ctx, id, "admin"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on reject-after-approve, got %v", err)
	}
}

func TestApproveUnknownID(t *testing.T) {
	g := newTestGate(time.Minute)
	if _, err := g.ApproveRequest(context.Background(), "nope", "admin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(50 * time.Millisecond)
	now := time.Now().UTC()
	g.Now = func() time.Time { return now }
	id, err := g.CreateRequest(ctx, "update_budget", "campaigns/1", "", NewDryRun().Build(), "agent")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	now = now.Add(100 * time.Millisecond)
	if _, err := g.GetRequest(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired request, got %v", err)
	}
	if _, err := g.ApproveRequest(ctx, id, "admin"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on expired approve, got %v", err)
	}
	// Storage still holds the record until Cleanup; it is just rejected now.
	raw, err := g.Store.Get(ctx, id)
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if string(raw) == "" {
		t.Fatal("expired record should remain stored until cleanup")
	}
}

func TestApprovedRequestExpires(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(time.Minute)
	now := time.Now().UTC()
	g.Now = func() time.Time { return now }
	id, _ := g.CreateRequest(ctx, "op", "target", "", NewDryRun().Build(), "agent")
	if _, err := g.ApproveRequest(ctx, id, "admin"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if g.IsApproved(ctx, id) {
		t.Fatal("approval must not outlive its deadline")
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(time.Minute)
	now := time.Now().UTC()
	g.Now = func() time.Time { return now }
	id1, _ := g.CreateRequest(ctx, "op", "t1", "", NewDryRun().Build(), "agent")
	if _, err := g.ApproveRequest(ctx, id1, "admin"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	now = now.Add(30 * time.Second)
	id2, _ := g.CreateRequest(ctx, "op", "t2", "", NewDryRun().Build(), "agent")
	now = now.Add(45 * time.Second) // id1 expired, id2 still live
	removed, err := g.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := g.Store.Get(ctx, id1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected id1 deleted, got %v", err)
	}
	if _, err := g.GetRequest(ctx, id2); err != nil {
		t.Fatalf("id2 should survive cleanup: %v", err)
	}
}

func TestDryRunBuilderCopies(t *testing.T) {
	b := NewDryRun().AddChange("Budget: $50 -> $75").RiskLevel(models.RiskMedium)
	first := b.Build()
	second := b.Build()
	if len(first.Changes) != 1 || first.Changes[0] != "Budget: $50 -> $75" {
		t.Fatalf("unexpected changes: %v", first.Changes)
	}
	if first.RiskLevel != models.RiskMedium {
		t.Fatalf("unexpected risk: %s", first.RiskLevel)
	}
	first.Changes[0] = "mutated"
	if second.Changes[0] != "Budget: $50 -> $75" {
		t.Fatal("builds must be independent copies")
	}
}

func TestDryRunBuilderDefaults(t *testing.T) {
	d := NewDryRun().Build()
	if !d.WouldSucceed || d.RiskLevel != models.RiskLow {
		t.Fatalf("unexpected defaults: %+v", d)
	}
	d2 := NewDryRun().WouldFail().Build()
	if d2.WouldSucceed {
		t.Fatal("WouldFail should clear WouldSucceed")
	}
}

func TestDryRunBuilderIgnoresBadRisk(t *testing.T) {
	d := NewDryRun().RiskLevel("catastrophic").Build()
	if d.RiskLevel != models.RiskLow {
		t.Fatalf("invalid risk level should be ignored, got %s", d.RiskLevel)
	}
}

func TestAssessRisk(t *testing.T) {
	cases := []struct {
		name string
		dry  models.DryRunResult
		want string
	}{
		{"empty", models.DryRunResult{WouldSucceed: true}, models.RiskLow},
		{"one warning", models.DryRunResult{WouldSucceed: true, Warnings: []string{"w"}}, models.RiskMedium},
		{"failing", models.DryRunResult{WouldSucceed: false}, models.RiskHigh},
		{"wide", models.DryRunResult{WouldSucceed: true, Changes: make([]string, 11)}, models.RiskHigh},
		{"several changes", models.DryRunResult{WouldSucceed: true, Changes: make([]string, 4)}, models.RiskMedium},
	}
	for _, tc := range cases {
		if got := AssessRisk(tc.dry); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(models.StatusPending, models.StatusApproved) {
		t.Fatal("pending->approved must be legal")
	}
	if !CanTransition(models.StatusPending, models.StatusRejected) {
		t.Fatal("pending->rejected must be legal")
	}
	if CanTransition(models.StatusApproved, models.StatusRejected) {
		t.Fatal("approved->rejected must be illegal")
	}
	if CanTransition(models.StatusRejected, models.StatusApproved) {
		t.Fatal("rejected->approved must be illegal")
	}
}
