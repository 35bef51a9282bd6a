package approval

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

// DefaultTimeout is how long a pending request stays approvable.
const DefaultTimeout = 10 * time.Minute

// Gate manages the two-phase confirm protocol: it previews a mutation, parks
// it as a pending request, and hands the caller a token that must come back
// before the mutation may run. Expiry is detected lazily on access; Cleanup
// is the only proactive sweep.
type Gate struct {
	Store   store.Store
	Timeout time.Duration
	Events  *stream.Hub
	Metrics *metrics.Registry
	Now     func() time.Time

	mu sync.Mutex
}

func NewGate(st store.Store, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{Store: st, Timeout: timeout, Now: func() time.Time { return time.Now().UTC() }}
}

// CreateRequest stores a new pending request and returns its id, which doubles
// as the confirmation token handed back to the caller.
func (g *Gate) CreateRequest(ctx context.Context, operation, target, accountID string, dryRun models.DryRunResult, requestedBy string) (string, error) {
	now := g.Now()
	req := models.ApprovalRequest{
		ID:          uuid.New().String(),
		Operation:   operation,
		Target:      target,
		AccountID:   accountID,
		DryRun:      dryRun,
		RequestedBy: requestedBy,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.Timeout),
		Status:      models.StatusPending,
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.put(ctx, req); err != nil {
		return "", err
	}
	log.Printf("approval: created request %s op=%s target=%s by=%s expires=%s",
		req.ID, operation, target, requestedBy, req.ExpiresAt.Format(time.RFC3339))
	g.observe(models.StatusPending)
	g.publish(stream.EventApprovalCreated, req)
	return req.ID, nil
}

// GetRequest returns a request, flipping a pending request whose deadline has
// passed to rejected first. Missing and expired requests both come back as
// ErrNotFound so a stale token never looks live to the caller.
func (g *Gate) GetRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, err := g.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsExpired(g.Now(), req.ExpiresAt) {
		if req.Status == models.StatusPending {
			req.Status = models.StatusRejected
			if err := g.put(ctx, *req); err != nil {
				return nil, err
			}
			log.Printf("approval: request %s expired, marked rejected", id)
			g.observe(models.StatusRejected)
		}
		return nil, ErrNotFound
	}
	return req, nil
}

// ApproveRequest converts a pending request into an approved one. An unknown
// id is ErrNotFound; anything not pending (decided or expired) is
// ErrNotPending.
func (g *Gate) ApproveRequest(ctx context.Context, id, approvedBy string) (*models.ApprovalRequest, error) {
	return g.decide(ctx, id, approvedBy, models.StatusApproved)
}

// RejectRequest is the symmetric decision.
func (g *Gate) RejectRequest(ctx context.Context, id, rejectedBy string) (*models.ApprovalRequest, error) {
	return g.decide(ctx, id, rejectedBy, models.StatusRejected)
}

func (g *Gate) decide(ctx context.Context, id, decidedBy, to string) (*models.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, err := g.get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := g.Now()
	if IsExpired(now, req.ExpiresAt) {
		if req.Status == models.StatusPending {
			req.Status = models.StatusRejected
			_ = g.put(ctx, *req)
		}
		return nil, fmt.Errorf("request %s expired: %w", id, ErrNotPending)
	}
	if !CanTransition(req.Status, to) {
		return nil, fmt.Errorf("request %s is %s: %w", id, req.Status, ErrNotPending)
	}
	req.Status = to
	req.ApprovedBy = decidedBy
	req.ApprovedAt = &now
	if err := g.put(ctx, *req); err != nil {
		return nil, err
	}
	log.Printf("approval: request %s %s by %s", id, to, decidedBy)
	g.observe(to)
	if to == models.StatusApproved {
		g.publish(stream.EventApprovalApproved, req)
	} else {
		g.publish(stream.EventApprovalRejected, req)
	}
	return req, nil
}

// IsApproved reports whether the token is currently good to execute against.
func (g *Gate) IsApproved(ctx context.Context, id string) bool {
	req, err := g.GetRequest(ctx, id)
	if err != nil {
		return false
	}
	return req.Status == models.StatusApproved
}

// Cleanup deletes every request past its deadline regardless of status and
// returns how many were removed.
func (g *Gate) Cleanup(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys, err := g.Store.Keys(ctx)
	if err != nil {
		return 0, err
	}
	now := g.Now()
	removed := 0
	for _, key := range keys {
		req, err := g.get(ctx, key)
		if err != nil {
			continue
		}
		if IsExpired(now, req.ExpiresAt) {
			if err := g.Store.Delete(ctx, key); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		log.Printf("approval: cleanup removed %d expired requests", removed)
	}
	if g.Metrics != nil {
		g.Metrics.SetGauge("approvals_stored", float64(len(keys)-removed))
	}
	return removed, nil
}

func (g *Gate) get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	raw, err := g.Store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var req models.ApprovalRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("corrupt approval record %s: %w", id, err)
	}
	return &req, nil
}

func (g *Gate) put(ctx context.Context, req models.ApprovalRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return g.Store.Put(ctx, req.ID, raw)
}

func (g *Gate) observe(status string) {
	if g.Metrics != nil {
		g.Metrics.IncApproval(status)
	}
}

func (g *Gate) publish(eventType string, data interface{}) {
	if g.Events != nil {
		g.Events.Publish(stream.NewEvent(eventType, data))
	}
}
