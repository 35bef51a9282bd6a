package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"adgov/pkg/metrics"
	"adgov/pkg/models"
	"adgov/pkg/store"
	"adgov/pkg/stream"

	"github.com/google/uuid"
)

// DefaultRetentionDays bounds how long snapshots survive CleanupOldSnapshots.
const DefaultRetentionDays = 30

var (
	ErrNotFound = errors.New("snapshot not found")

	// ErrRollbackExecution marks a rollback where the caller's executor failed.
	ErrRollbackExecution = errors.New("rollback executor failed")
)

// Executor replays a captured before-state against the provider. The engine
// never performs the forward mutation itself; this is the only external call
// it makes on the caller's behalf.
type Executor func(ctx context.Context, beforeState json.RawMessage) (json.RawMessage, error)

// CreateParams describes the mutation about to run.
type CreateParams struct {
	Operation    string
	ResourceType string
	ResourceID   string
	BeforeState  json.RawMessage
}

// Store captures before/after state around mutations and drives rollback.
// Rollback carries no double-invocation guard: a second call re-runs the
// executor, so only idempotent executors are safe to retry.
type Store struct {
	KV      store.Store
	Events  *stream.Hub
	Metrics *metrics.Registry
	Now     func() time.Time

	mu sync.Mutex
}

func NewStore(kv store.Store) *Store {
	return &Store{KV: kv, Now: func() time.Time { return time.Now().UTC() }}
}

// CreateSnapshot stores the before-state and returns the snapshot id.
// AfterState stays empty until RecordExecution.
func (s *Store) CreateSnapshot(ctx context.Context, p CreateParams) (string, error) {
	snap := models.Snapshot{
		SnapshotID:   uuid.New().String(),
		Operation:    p.Operation,
		ResourceType: p.ResourceType,
		ResourceID:   p.ResourceID,
		BeforeState:  p.BeforeState,
		CreatedAt:    s.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.put(ctx, snap); err != nil {
		return "", err
	}
	log.Printf("snapshot: captured %s op=%s %s/%s", snap.SnapshotID, p.Operation, p.ResourceType, p.ResourceID)
	return snap.SnapshotID, nil
}

// RecordExecution stamps the after-state once the external mutation executor
// has returned successfully. The engine cannot detect execution itself.
func (s *Store) RecordExecution(ctx context.Context, id string, afterState json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	now := s.Now()
	snap.AfterState = afterState
	snap.ExecutedAt = &now
	return s.put(ctx, *snap)
}

// AttachFinancialImpact merges an impact record onto the snapshot, used when
// a verification pass reconstructs unexpected spend.
func (s *Store) AttachFinancialImpact(ctx context.Context, id string, impact models.FinancialImpact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	snap.FinancialImpact = mergeImpact(snap.FinancialImpact, impact)
	return s.put(ctx, *snap)
}

// Rollback replays the snapshot's before-state through the executor, exactly
// once per call. Executor failure is reported in the result, not returned as
// an error; the snapshot keeps RollbackSuccessful=false for manual follow-up.
func (s *Store) Rollback(ctx context.Context, id string, execute Executor) (models.RollbackResult, error) {
	s.mu.Lock()
	snap, err := s.get(ctx, id)
	s.mu.Unlock()
	if err != nil {
		return models.RollbackResult{}, err
	}

	_, execErr := execute(ctx, snap.BeforeState)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-read: the executor may have taken long enough for concurrent
	// impact attachment.
	current, err := s.get(ctx, id)
	if err != nil {
		return models.RollbackResult{}, err
	}
	now := s.Now()
	ok := execErr == nil
	current.RolledBackAt = &now
	current.RollbackSuccessful = &ok
	if err := s.put(ctx, *current); err != nil {
		return models.RollbackResult{}, err
	}
	result := models.RollbackResult{Success: ok, FinancialImpact: current.FinancialImpact}
	if ok {
		result.Message = fmt.Sprintf("rolled back %s/%s to pre-%s state", current.ResourceType, current.ResourceID, current.Operation)
		log.Printf("snapshot: rollback %s succeeded", id)
	} else {
		result.Message = fmt.Sprintf("%v: %v", ErrRollbackExecution, execErr)
		log.Printf("snapshot: rollback %s failed: %v", id, execErr)
	}
	if s.Metrics != nil {
		if ok {
			s.Metrics.IncRollback("success")
		} else {
			s.Metrics.IncRollback("failure")
		}
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventSnapshotRollback, map[string]interface{}{
			"snapshot_id": id,
			"success":     ok,
			"message":     result.Message,
		}))
	}
	return result, nil
}

// GetSnapshot returns a copy of the stored snapshot.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, id)
}

// CleanupOldSnapshots deletes snapshots older than the retention window and
// returns how many were removed. Retention is enforced only here, never by a
// background sweep.
func (s *Store) CleanupOldSnapshots(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := s.Now().AddDate(0, 0, -retentionDays)
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.KV.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		snap, err := s.get(ctx, key)
		if err != nil {
			continue
		}
		if snap.CreatedAt.Before(cutoff) {
			if err := s.KV.Delete(ctx, key); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		log.Printf("snapshot: cleanup removed %d snapshots older than %dd", removed, retentionDays)
	}
	return removed, nil
}

func (s *Store) get(ctx context.Context, id string) (*models.Snapshot, error) {
	raw, err := s.KV.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap models.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot record %s: %w", id, err)
	}
	return &snap, nil
}

func (s *Store) put(ctx context.Context, snap models.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.KV.Put(ctx, snap.SnapshotID, raw)
}

func mergeImpact(base *models.FinancialImpact, in models.FinancialImpact) *models.FinancialImpact {
	if base == nil {
		out := in
		return &out
	}
	if in.EstimatedDailyCost != 0 {
		base.EstimatedDailyCost = in.EstimatedDailyCost
	}
	if in.EstimatedMonthlyCost != 0 {
		base.EstimatedMonthlyCost = in.EstimatedMonthlyCost
	}
	if in.ActualCostDuringErr != 0 {
		base.ActualCostDuringErr = in.ActualCostDuringErr
	}
	if in.ErrorPeriodStart != nil {
		base.ErrorPeriodStart = in.ErrorPeriodStart
	}
	if in.ErrorPeriodEnd != nil {
		base.ErrorPeriodEnd = in.ErrorPeriodEnd
	}
	if len(in.CostByDay) > 0 {
		if base.CostByDay == nil {
			base.CostByDay = map[string]float64{}
		}
		for day, cost := range in.CostByDay {
			base.CostByDay[day] = cost
		}
	}
	return base
}
