package approval

import (
	"errors"
	"time"

	"adgov/pkg/models"
)

var (
	ErrNotFound   = errors.New("approval request not found")
	ErrNotPending = errors.New("approval request is not pending")
)

// CanTransition reports whether a request status change is legal. The only
// legal transitions are pending->approved and pending->rejected.
func CanTransition(from, to string) bool {
	if from != models.StatusPending {
		return false
	}
	return to == models.StatusApproved || to == models.StatusRejected
}

func IsTerminal(status string) bool {
	return status == models.StatusApproved || status == models.StatusRejected
}

func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.UTC().After(expiresAt.UTC())
}
