package bulkguard

import (
	"errors"
	"fmt"
	"strings"

	"adgov/pkg/metrics"
	"adgov/pkg/models"
)

// DefaultMaxBulkItems caps how many resources a single pattern mutation may
// touch. The cap is a hard ceiling, not a warning: a pattern over the cap is
// refused outright so a human is never asked to review an unreadable list.
const DefaultMaxBulkItems = 50

var ErrTooManyMatches = errors.New("pattern matches too many items")

// TooManyMatchesError carries the fully computed match result so the caller
// can show the user exactly what the refused mutation would have touched.
type TooManyMatchesError struct {
	Result models.PatternMatchResult
	Max    int
}

func (e *TooManyMatchesError) Error() string {
	return fmt.Sprintf("pattern %q matches %d items, max is %d", e.Result.Pattern, e.Result.TotalMatched, e.Max)
}

func (e *TooManyMatchesError) Unwrap() error { return ErrTooManyMatches }

// MatchFunc decides whether an item is selected by the pattern.
type MatchFunc[T any] func(pattern string, item T) bool

// FormatFunc renders one item for the confirmation list.
type FormatFunc[T any] func(item T) string

// Guard enforces the blast-radius cap on pattern-scoped mutations.
type Guard struct {
	MaxBulkItems int
	Metrics      *metrics.Registry
}

func New(maxItems int) *Guard {
	if maxItems <= 0 {
		maxItems = DefaultMaxBulkItems
	}
	return &Guard{MaxBulkItems: maxItems}
}

// Match resolves pattern against items. Any non-empty match requires
// confirmation. Over the cap it returns a TooManyMatchesError with the full
// violating result attached; the mutation must not proceed.
func Match[T any](g *Guard, pattern string, items []T, matchFn MatchFunc[T], formatFn FormatFunc[T]) (models.PatternMatchResult, error) {
	result := models.PatternMatchResult{Pattern: pattern, MatchedItems: []string{}}
	for _, item := range items {
		if matchFn(pattern, item) {
			result.MatchedItems = append(result.MatchedItems, formatFn(item))
		}
	}
	result.TotalMatched = len(result.MatchedItems)
	if result.TotalMatched > 0 {
		result.RequiresConfirmation = true
		result.ConfirmationMessage = confirmationMessage(pattern, result.MatchedItems)
	}
	if result.TotalMatched > g.MaxBulkItems {
		if g.Metrics != nil {
			g.Metrics.IncGuardBlock()
		}
		return result, &TooManyMatchesError{Result: result, Max: g.MaxBulkItems}
	}
	return result, nil
}

// MatchWildcard is Match with the standard wildcard grammar: '*' matches any
// run of characters, '?' exactly one, both case-insensitive.
func MatchWildcard(g *Guard, pattern string, items []string) (models.PatternMatchResult, error) {
	return Match(g, pattern, items,
		func(p, item string) bool { return WildcardMatch(p, item) },
		func(item string) string { return item })
}

// CreateBulkOperation builds the confirmation payload for an already-resolved
// match. Every bulk mutation requires confirmation, even a 1-item match:
// "the pattern matched exactly one item" is itself something the caller
// should see before mutating.
func CreateBulkOperation[T any](operation, pattern string, matchedItems []T, formatFn FormatFunc[T]) models.BulkOperation {
	items := make([]string, 0, len(matchedItems))
	for _, item := range matchedItems {
		items = append(items, formatFn(item))
	}
	return models.BulkOperation{
		Operation:            operation,
		Pattern:              pattern,
		RequiresConfirmation: true,
		ConfirmationMessage: fmt.Sprintf("%s will be applied to %d item(s) matching %q:\n%s",
			operation, len(items), pattern, bulletList(items)),
		ItemsToConfirm: items,
	}
}

// WildcardMatch reports whether name matches the pattern, where '*' matches
// any run of characters and '?' any single character, ignoring case.
func WildcardMatch(pattern, name string) bool {
	return wildcard(strings.ToLower(pattern), strings.ToLower(name))
}

// wildcard walks pattern and name with two cursors, remembering the last
// '*' so a mismatch rewinds there instead of recursing. Both inputs arrive
// from HTTP callers, so matching must stay linear per item.
func wildcard(pattern, name string) bool {
	p, n := 0, 0
	star, mark := -1, 0
	for n < len(name) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == name[n]):
			p++
			n++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = n
			p++
		case star >= 0:
			mark++
			p = star + 1
			n = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

func confirmationMessage(pattern string, items []string) string {
	return fmt.Sprintf("Pattern %q matched %d item(s):\n%s\nConfirm before proceeding.", pattern, len(items), bulletList(items))
}

func bulletList(items []string) string {
	b := &strings.Builder{}
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("  - ")
		b.WriteString(item)
	}
	return b.String()
}
