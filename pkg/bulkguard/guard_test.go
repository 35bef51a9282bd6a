package bulkguard

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var campaigns = []string{"Brand A", "Brand B", "Brand C", "Other"}

func TestMatchUnderCap(t *testing.T) {
	g := New(5)
	result, err := MatchWildcard(g, "Brand*", campaigns)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalMatched != 3 {
		t.Fatalf("expected 3 matches, got %d", result.TotalMatched)
	}
	if !result.RequiresConfirmation {
		t.Fatal("non-empty match must require confirmation")
	}
	if !strings.Contains(result.ConfirmationMessage, "Brand B") {
		t.Fatalf("confirmation message missing item:\n%s", result.ConfirmationMessage)
	}
}

func TestMatchOverCap(t *testing.T) {
	g := New(2)
	result, err := MatchWildcard(g, "Brand*", campaigns)
	if err == nil {
		t.Fatal("expected TooManyMatchesError")
	}
	if !errors.Is(err, ErrTooManyMatches) {
		t.Fatalf("expected ErrTooManyMatches, got %v", err)
	}
	var tooMany *TooManyMatchesError
	if !errors.As(err, &tooMany) {
		t.Fatalf("expected *TooManyMatchesError, got %T", err)
	}
	// The full violating list is still computed and attached.
	if tooMany.Result.TotalMatched != 3 || len(tooMany.Result.MatchedItems) != 3 {
		t.Fatalf("error must carry full result: %+v", tooMany.Result)
	}
	if result.TotalMatched != 3 {
		t.Fatalf("returned result must also carry the full list: %+v", result)
	}
}

func TestMatchNoMatches(t *testing.T) {
	g := New(5)
	result, err := MatchWildcard(g, "Video*", campaigns)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalMatched != 0 || result.RequiresConfirmation {
		t.Fatalf("empty match must not require confirmation: %+v", result)
	}
}

func TestMatchSingleItemStillRequiresConfirmation(t *testing.T) {
	g := New(5)
	result, err := MatchWildcard(g, "Other", campaigns)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalMatched != 1 || !result.RequiresConfirmation {
		t.Fatalf("1-item match must require confirmation: %+v", result)
	}
}

func TestCreateBulkOperation(t *testing.T) {
	op := CreateBulkOperation("pause_campaigns", "Brand*", []string{"Brand A", "Brand B"},
		func(s string) string { return s })
	if !op.RequiresConfirmation {
		t.Fatal("bulk operations always require confirmation")
	}
	if len(op.ItemsToConfirm) != 2 {
		t.Fatalf("expected 2 items, got %d", len(op.ItemsToConfirm))
	}
	if !strings.Contains(op.ConfirmationMessage, "pause_campaigns") || !strings.Contains(op.ConfirmationMessage, "Brand A") {
		t.Fatalf("confirmation message incomplete:\n%s", op.ConfirmationMessage)
	}
}

func TestMatchTypedItems(t *testing.T) {
	type campaign struct {
		Name   string
		Budget int
	}
	items := []campaign{{"Search - US", 100}, {"Search - UK", 80}, {"Display", 50}}
	g := New(10)
	result, err := Match(g, "Search*", items,
		func(p string, c campaign) bool { return WildcardMatch(p, c.Name) },
		func(c campaign) string { return c.Name })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalMatched != 2 {
		t.Fatalf("expected 2, got %d", result.TotalMatched)
	}
}

func TestWildcardMatch(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"Brand*", "Brand A", true},
		{"brand*", "BRAND A", true},
		{"*", "anything", true},
		{"Brand?", "BrandX", true},
		{"Brand?", "Brand", false},
		{"Brand", "Brand A", false},
		{"*US", "Search - US", true},
		{"**A", "Brand A", true},
		{"", "", true},
		{"", "x", false},
	}
	for _, tc := range cases {
		if got := WildcardMatch(tc.pattern, tc.name); got != tc.want {
			t.Fatalf("WildcardMatch(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}

func TestWildcardMatchBacktracking(t *testing.T) {
	long := strings.Repeat("a", 5000)
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"a*a*a*a*b", long + "b", true},
		{"a*a*a*a*b", long, false},
		{"*a*b*c", "xxaxxbxxc", true},
		{"*a*b*c", "xxaxxcxxb", false},
		{"a*?b", "axb", true},
		{"a*?b", "ab", false},
	}
	for _, tc := range cases {
		start := time.Now()
		if got := WildcardMatch(tc.pattern, tc.name); got != tc.want {
			t.Fatalf("WildcardMatch(%q, len %d) = %v, want %v", tc.pattern, len(tc.name), got, tc.want)
		}
		// Hostile patterns arrive over HTTP; matching must stay linear.
		if d := time.Since(start); d > time.Second {
			t.Fatalf("WildcardMatch(%q) took %s", tc.pattern, d)
		}
	}
}

func TestDefaultCap(t *testing.T) {
	g := New(0)
	if g.MaxBulkItems != DefaultMaxBulkItems {
		t.Fatalf("expected default cap %d, got %d", DefaultMaxBulkItems, g.MaxBulkItems)
	}
}
