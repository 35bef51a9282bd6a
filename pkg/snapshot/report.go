package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"adgov/pkg/models"
)

// GenerateComparisonReport renders a human-readable before/after diff for
// audit and support use.
func GenerateComparisonReport(snap models.Snapshot) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "Snapshot %s\n", snap.SnapshotID)
	fmt.Fprintf(b, "Operation: %s on %s/%s\n", snap.Operation, snap.ResourceType, snap.ResourceID)
	fmt.Fprintf(b, "Captured:  %s\n", snap.CreatedAt.Format(time.RFC3339))
	if snap.ExecutedAt != nil {
		fmt.Fprintf(b, "Executed:  %s\n", snap.ExecutedAt.Format(time.RFC3339))
	}
	if snap.RolledBackAt != nil {
		outcome := "failed"
		if snap.RollbackSuccessful != nil && *snap.RollbackSuccessful {
			outcome = "succeeded"
		}
		fmt.Fprintf(b, "Rollback:  %s at %s\n", outcome, snap.RolledBackAt.Format(time.RFC3339))
	}
	b.WriteString("\nState changes:\n")
	if len(snap.AfterState) == 0 {
		b.WriteString("  (not executed yet)\n")
	} else {
		for _, line := range diffLines(snap.BeforeState, snap.AfterState) {
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if fi := snap.FinancialImpact; fi != nil {
		b.WriteString("\nFinancial impact:\n")
		if fi.EstimatedDailyCost != 0 {
			fmt.Fprintf(b, "  estimated daily cost:   $%.2f\n", fi.EstimatedDailyCost)
		}
		if fi.EstimatedMonthlyCost != 0 {
			fmt.Fprintf(b, "  estimated monthly cost: $%.2f\n", fi.EstimatedMonthlyCost)
		}
		if fi.ActualCostDuringErr != 0 {
			fmt.Fprintf(b, "  actual cost during error window: $%.2f\n", fi.ActualCostDuringErr)
		}
		if fi.ErrorPeriodStart != nil && fi.ErrorPeriodEnd != nil {
			fmt.Fprintf(b, "  error window: %s - %s\n",
				fi.ErrorPeriodStart.Format(time.RFC3339), fi.ErrorPeriodEnd.Format(time.RFC3339))
		}
		for _, day := range sortedDays(fi.CostByDay) {
			fmt.Fprintf(b, "  %s: $%.2f\n", day, fi.CostByDay[day])
		}
	}
	return b.String()
}

// diffLines compares two opaque state blobs field-by-field when both decode
// as JSON objects, and falls back to raw rendering otherwise.
func diffLines(before, after json.RawMessage) []string {
	var bm, am map[string]interface{}
	if json.Unmarshal(before, &bm) != nil || json.Unmarshal(after, &am) != nil {
		return []string{fmt.Sprintf("before: %s", compact(before)), fmt.Sprintf("after:  %s", compact(after))}
	}
	keys := map[string]struct{}{}
	for k := range bm {
		keys[k] = struct{}{}
	}
	for k := range am {
		keys[k] = struct{}{}
	}
	var lines []string
	for _, k := range sortedKeys(keys) {
		bv, inBefore := bm[k]
		av, inAfter := am[k]
		switch {
		case !inBefore:
			lines = append(lines, fmt.Sprintf("%s: (added) %s", k, render(av)))
		case !inAfter:
			lines = append(lines, fmt.Sprintf("%s: %s (removed)", k, render(bv)))
		case render(bv) != render(av):
			lines = append(lines, fmt.Sprintf("%s: %s -> %s", k, render(bv), render(av)))
		default:
			lines = append(lines, fmt.Sprintf("%s: %s (unchanged)", k, render(bv)))
		}
	}
	if len(lines) == 0 {
		lines = []string{"(no fields)"}
	}
	return lines
}

func render(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func compact(raw json.RawMessage) string {
	b := &bytes.Buffer{}
	if err := json.Compact(b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedDays(m map[string]float64) []string {
	days := make([]string, 0, len(m))
	for d := range m {
		days = append(days, d)
	}
	sort.Strings(days)
	return days
}
