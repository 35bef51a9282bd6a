package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"adgov/pkg/metrics"
	"adgov/pkg/models"
	"adgov/pkg/stream"

	"github.com/google/uuid"
)

// CentralAdmin receives every governance event in real time.
type CentralAdmin struct {
	Email    string
	RealTime bool
}

// AgencyManager receives an hourly digest covering the accounts delegated to
// them. Managers never receive real-time messages.
type AgencyManager struct {
	UserID     string   `json:"user_id"`
	Email      string   `json:"email"`
	AccountIDs []string `json:"account_ids"`
}

// Event is one governance occurrence to fan out.
type Event struct {
	Type      string
	Priority  string
	UserID    string
	AccountID string
	Message   string
}

// Router fans governance events out to two audiences at two cadences:
// immediate delivery to the central admin and a per-manager hourly batch.
// Delivery failure on either path never blocks the governed operation.
type Router struct {
	Central  CentralAdmin
	Managers []AgencyManager
	Mailer   Mailer
	Events   *stream.Hub
	Metrics  *metrics.Registry
	Now      func() time.Time

	mu      sync.Mutex
	pending map[string][]*models.Notification
}

func NewRouter(central CentralAdmin, managers []AgencyManager, mailer Mailer) *Router {
	return &Router{
		Central:  central,
		Managers: managers,
		Mailer:   mailer,
		Now:      func() time.Time { return time.Now().UTC() },
		pending:  map[string][]*models.Notification{},
	}
}

// Notify records the event, delivers it to the central admin if real-time
// delivery is configured, and enqueues it for every manager whose accounts
// include the event's account. The returned copy reflects central delivery
// but not the later batch flush.
func (r *Router) Notify(ctx context.Context, evt Event) models.Notification {
	n := &models.Notification{
		ID:        uuid.New().String(),
		Type:      evt.Type,
		Priority:  priorityOrDefault(evt.Priority),
		Timestamp: r.Now(),
		UserID:    evt.UserID,
		AccountID: evt.AccountID,
		Message:   evt.Message,
	}

	if r.Central.RealTime && r.Central.Email != "" {
		subject, text, html := renderCentral(*n)
		if err := r.Mailer.Send(ctx, r.Central.Email, subject, text, html); err != nil {
			log.Printf("notify: central delivery for %s failed: %v", n.ID, err)
		} else {
			now := r.Now()
			n.SentToCentral = true
			n.CentralSentAt = &now
			if r.Metrics != nil {
				r.Metrics.IncNotification("central")
			}
		}
	}

	r.mu.Lock()
	for _, mgr := range r.Managers {
		if containsAccount(mgr.AccountIDs, evt.AccountID) {
			r.pending[mgr.UserID] = append(r.pending[mgr.UserID], n)
		}
	}
	r.mu.Unlock()

	if r.Events != nil {
		r.Events.Publish(stream.NewEvent(stream.EventNotification, n))
	}
	return *n
}

// PendingFor returns copies of a manager's queued notifications.
func (r *Router) PendingFor(userID string) []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.pending[userID]
	out := make([]models.Notification, 0, len(queue))
	for _, n := range queue {
		out = append(out, *n)
	}
	return out
}

// Flush builds and sends one digest per manager with pending notifications,
// then stamps SentToAgency on every batched item and drops it from the
// queue. A failed send keeps that manager's queue intact for the next flush.
// Returns the number of digests delivered.
func (r *Router) Flush(ctx context.Context) int {
	r.mu.Lock()
	batches := map[string][]*models.Notification{}
	for _, mgr := range r.Managers {
		if queue := r.pending[mgr.UserID]; len(queue) > 0 {
			batches[mgr.UserID] = queue
		}
	}
	r.mu.Unlock()

	sent := 0
	for _, mgr := range r.Managers {
		queue, ok := batches[mgr.UserID]
		if !ok {
			continue
		}
		subject, text, html := renderDigest(mgr, copyAll(queue), r.Now())
		if err := r.Mailer.Send(ctx, mgr.Email, subject, text, html); err != nil {
			log.Printf("notify: digest for %s (%d items) failed: %v", mgr.UserID, len(queue), err)
			continue
		}
		now := r.Now()
		r.mu.Lock()
		for _, n := range queue {
			if !n.SentToAgency {
				n.SentToAgency = true
				n.AgencySentAt = &now
			}
		}
		// Trim only what went into this digest. Anything enqueued while
		// the mail was in flight stays queued for the next flush.
		if rest := r.pending[mgr.UserID]; len(rest) > len(queue) {
			r.pending[mgr.UserID] = rest[len(queue):]
		} else {
			r.pending[mgr.UserID] = nil
		}
		r.mu.Unlock()
		sent++
		if r.Metrics != nil {
			r.Metrics.IncNotification("agency")
		}
		log.Printf("notify: digest sent to %s with %d items", mgr.Email, len(queue))
	}
	return sent
}

// Flusher drives Flush on a fixed cadence with an explicit start/stop
// lifecycle so shutdown is deterministic.
type Flusher struct {
	Router   *Router
	Interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewFlusher(router *Router, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Flusher{Router: router, Interval: interval}
}

func (f *Flusher) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Router.Flush(ctx)
			}
		}
	}()
}

// Stop cancels the loop, waits for it to exit, and drains any remaining
// queue so shutdown does not lose batched notifications.
func (f *Flusher) Stop(ctx context.Context) {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.Router.Flush(ctx)
}

func priorityOrDefault(p string) string {
	switch p {
	case models.PriorityLow, models.PriorityMedium, models.PriorityHigh, models.PriorityCritical:
		return p
	default:
		return models.PriorityMedium
	}
}

func containsAccount(ids []string, account string) bool {
	for _, id := range ids {
		if id == account {
			return true
		}
	}
	return false
}

func copyAll(queue []*models.Notification) []models.Notification {
	out := make([]models.Notification, 0, len(queue))
	for _, n := range queue {
		out = append(out, *n)
	}
	return out
}
