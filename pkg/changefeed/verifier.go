package changefeed

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"adgov/pkg/metrics"
	"adgov/pkg/models"
	"adgov/pkg/stream"
)

const (
	// DefaultTolerance is how far a provider-logged change may sit from the
	// operation time and still count as the same mutation.
	DefaultTolerance = 5 * time.Minute

	// DefaultQueryPadding widens the feed query around the operation time to
	// absorb provider propagation delay.
	DefaultQueryPadding = time.Hour
)

// VerifyParams identifies one mutation to reconcile against the feed.
type VerifyParams struct {
	Scope         string
	SnapshotID    string
	OperationTime time.Time
	ResourceType  string
	ResourceName  string
}

// RollbackChangesParams selects everything that touched a resource after a
// snapshot was taken.
type RollbackChangesParams struct {
	Scope             string
	SnapshotTimestamp time.Time
	ResourceType      string
	ResourceName      string
}

// Verifier cross-checks mutations this engine believes it made against the
// provider's own change log. A mismatch is an expected operating condition:
// it is reported as data, never as an error.
type Verifier struct {
	Feed    Feed
	Tail    *Tailer
	Metrics *metrics.Registry
	Events  *stream.Hub

	Tolerance    time.Duration
	QueryPadding time.Duration
	Now          func() time.Time
}

func NewVerifier(feed Feed) *Verifier {
	return &Verifier{
		Feed:         feed,
		Tolerance:    DefaultTolerance,
		QueryPadding: DefaultQueryPadding,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// VerifyOperation looks for a feed event matching the resource within the
// tolerance window. verified=false means "flag for human review", covering
// propagation delay, partial failure, or a concurrent external overwrite.
func (v *Verifier) VerifyOperation(ctx context.Context, p VerifyParams) models.VerificationResult {
	start := v.Now()
	defer func() {
		if v.Metrics != nil {
			v.Metrics.ObserveVerifyLatency(v.Now().Sub(start))
		}
	}()

	if v.Tail != nil {
		if evt, ok := v.Tail.Lookup(p.ResourceName, p.OperationTime, v.Tolerance); ok {
			return models.VerificationResult{
				Verified:    true,
				ChangeEvent: &evt,
				Message:     fmt.Sprintf("change to %s confirmed from live feed at %s", p.ResourceName, evt.ChangeDateTime.Format(time.RFC3339)),
			}
		}
	}

	result, err := v.Feed.QueryChangeHistory(ctx, Query{
		ResourceScope:  p.Scope,
		StartDate:      p.OperationTime.Add(-v.QueryPadding),
		EndDate:        p.OperationTime.Add(v.QueryPadding),
		ResourceType:   p.ResourceType,
		ResourceFilter: p.ResourceName,
	})
	if err != nil {
		log.Printf("changefeed: verify query failed for %s: %v", p.ResourceName, err)
		return models.VerificationResult{
			Verified: false,
			Message:  fmt.Sprintf("change history unavailable: %v", err),
		}
	}

	if evt, ok := closestMatch(result.Events, p, v.Tolerance); ok {
		return models.VerificationResult{
			Verified:    true,
			ChangeEvent: &evt,
			Message:     fmt.Sprintf("change to %s confirmed in provider log at %s by %s", p.ResourceName, evt.ChangeDateTime.Format(time.RFC3339), evt.UserEmail),
		}
	}

	msg := fmt.Sprintf("no provider-logged change for %s within %s of %s (%d events in window); the mutation may not have landed",
		p.ResourceName, v.Tolerance, p.OperationTime.Format(time.RFC3339), result.TotalEvents)
	log.Printf("changefeed: %s", msg)
	if v.Events != nil {
		v.Events.Publish(stream.NewEvent(stream.EventVerifyMismatch, map[string]string{
			"snapshot_id":   p.SnapshotID,
			"resource_name": p.ResourceName,
			"message":       msg,
		}))
	}
	return models.VerificationResult{Verified: false, Message: msg}
}

// GetChangesForRollback returns all feed events on the resource since the
// snapshot. A non-empty tail beyond the engine's own mutation means someone
// else edited the resource and a blind before-state replay would clobber it.
func (v *Verifier) GetChangesForRollback(ctx context.Context, p RollbackChangesParams) ([]models.ChangeEvent, error) {
	result, err := v.Feed.QueryChangeHistory(ctx, Query{
		ResourceScope:  p.Scope,
		StartDate:      p.SnapshotTimestamp,
		EndDate:        v.Now(),
		ResourceType:   p.ResourceType,
		ResourceFilter: p.ResourceName,
	})
	if err != nil {
		return nil, err
	}
	events := make([]models.ChangeEvent, 0, len(result.Events))
	for _, evt := range result.Events {
		if !matchesResource(evt, p.ResourceType, p.ResourceName) {
			continue
		}
		if evt.ChangeDateTime.Before(p.SnapshotTimestamp) {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

func closestMatch(events []models.ChangeEvent, p VerifyParams, tolerance time.Duration) (models.ChangeEvent, bool) {
	var best models.ChangeEvent
	bestDelta := tolerance + 1
	found := false
	for _, evt := range events {
		if !matchesResource(evt, p.ResourceType, p.ResourceName) {
			continue
		}
		delta := evt.ChangeDateTime.Sub(p.OperationTime)
		if delta < 0 {
			delta = -delta
		}
		if delta <= tolerance && delta < bestDelta {
			best = evt
			bestDelta = delta
			found = true
		}
	}
	return best, found
}

func matchesResource(evt models.ChangeEvent, resourceType, resourceName string) bool {
	if resourceName != "" && !strings.EqualFold(evt.ChangeResourceName, resourceName) {
		return false
	}
	if resourceType != "" && !strings.EqualFold(evt.ChangeResourceType, resourceType) {
		return false
	}
	return true
}
