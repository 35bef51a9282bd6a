package audit

import (
	"context"
	"sync"

	"adgov/pkg/models"
)

// RingSink keeps the most recent entries in memory so the API can serve
// a tail without reading the durable sink back.
type RingSink struct {
	mu      sync.Mutex
	entries []models.AuditLogEntry
	max     int
}

func NewRingSink(max int) *RingSink {
	if max <= 0 {
		max = 256
	}
	return &RingSink{max: max}
}

func (s *RingSink) Append(_ context.Context, entry models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.max {
		s.entries = s.entries[len(s.entries)-s.max:]
	}
	return nil
}

// Recent returns up to n entries, newest last.
func (s *RingSink) Recent(n int) []models.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]models.AuditLogEntry, n)
	copy(out, s.entries[len(s.entries)-n:])
	return out
}

// MultiSink writes each entry to every sink, returning the first error
// after all sinks have been tried.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, entry models.AuditLogEntry) error {
	var first error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Append(ctx, entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}
