package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"adgov/pkg/models"
)

type captureSink struct {
	entries []models.AuditLogEntry
	err     error
}

func (s *captureSink) Append(_ context.Context, entry models.AuditLogEntry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func TestTrailStampsTimestamp(t *testing.T) {
	sink := &captureSink{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trail := &Trail{Sink: sink, Now: func() time.Time { return fixed }}

	trail.Success(context.Background(), "ops@corp.test", "update_budget", "prop-1", models.OpWrite, "budget 100 -> 200")

	if len(sink.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(sink.entries))
	}
	got := sink.entries[0]
	if !got.Timestamp.Equal(fixed) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, fixed)
	}
	if got.Result != models.ResultSuccess {
		t.Fatalf("result = %q", got.Result)
	}
}

func TestTrailKeepsExplicitTimestamp(t *testing.T) {
	sink := &captureSink{}
	trail := &Trail{Sink: sink}
	explicit := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	trail.Record(context.Background(), models.AuditLogEntry{
		Timestamp: explicit,
		Action:    "rollback",
		Result:    models.ResultSuccess,
	})

	if !sink.entries[0].Timestamp.Equal(explicit) {
		t.Fatalf("timestamp rewritten: %v", sink.entries[0].Timestamp)
	}
}

func TestTrailSwallowsSinkError(t *testing.T) {
	trail := &Trail{Sink: &captureSink{err: errors.New("disk full")}}
	// must not panic or propagate
	trail.Failure(context.Background(), "u", "pause_campaign", "p", models.OpWrite, errors.New("timeout"))
}

func TestTrailRedactsUser(t *testing.T) {
	sink := &captureSink{}
	trail := &Trail{Sink: sink, RedactUsers: true, HashSalt: []byte("pepper")}

	trail.Blocked(context.Background(), "alice@corp.test", "bulk_pause", "*", models.OpWrite, "52 matches over cap")

	got := sink.entries[0]
	if got.User == "alice@corp.test" || got.User == "" {
		t.Fatalf("user not redacted: %q", got.User)
	}
	if got.User != hashString("alice@corp.test", []byte("pepper")) {
		t.Fatalf("unexpected hash %q", got.User)
	}
	if got.Result != models.ResultBlocked {
		t.Fatalf("result = %q", got.Result)
	}
}

func TestNilTrailIsSafe(t *testing.T) {
	var trail *Trail
	trail.Success(context.Background(), "u", "a", "p", models.OpWrite, "")
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer sink.Close()

	trail := &Trail{Sink: sink}
	trail.Success(context.Background(), "u1", "update_budget", "p1", models.OpWrite, "")
	trail.Failure(context.Background(), "u2", "rollback", "p2", models.OpWrite, errors.New("no snapshot"))

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []models.AuditLogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e models.AuditLogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if lines[1].ErrorMessage != "no snapshot" {
		t.Fatalf("error_message = %q", lines[1].ErrorMessage)
	}
}

type execRecorder struct {
	sql  string
	args []any
	err  error
}

func (r *execRecorder) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = sql
	r.args = args
	return pgconn.CommandTag{}, r.err
}

func TestPostgresSinkInsert(t *testing.T) {
	rec := &execRecorder{}
	sink := &PostgresSink{DB: rec}

	entry := models.AuditLogEntry{
		Timestamp:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		User:          "ops",
		Action:        "approve",
		Property:      "prop",
		OperationType: models.OpWrite,
		Result:        models.ResultSuccess,
	}
	if err := sink.Append(context.Background(), entry); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(rec.args) != 8 {
		t.Fatalf("args = %d, want 8", len(rec.args))
	}
	if rec.args[1] != "ops" || rec.args[5] != models.ResultSuccess {
		t.Fatalf("unexpected args %v", rec.args)
	}
}

func TestPostgresSinkErrorSurfacesToSinkNotCaller(t *testing.T) {
	rec := &execRecorder{err: errors.New("conn reset")}
	trail := &Trail{Sink: &PostgresSink{DB: rec}}
	// trail swallows it; direct Append returns it
	trail.Success(context.Background(), "u", "a", "p", models.OpWrite, "")
	if err := (&PostgresSink{DB: rec}).Append(context.Background(), models.AuditLogEntry{}); err == nil {
		t.Fatal("expected error from sink")
	}
}
