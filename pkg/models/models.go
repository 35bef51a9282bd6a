package models

import (
	"encoding/json"
	"time"
)

// Risk levels for a previewed mutation.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// DryRunResult is the computed preview of a mutation that has not run yet.
type DryRunResult struct {
	WouldSucceed    bool            `json:"would_succeed"`
	ExpectedResult  json.RawMessage `json:"expected_result,omitempty"`
	Changes         []string        `json:"changes"`
	Warnings        []string        `json:"warnings,omitempty"`
	RiskLevel       string          `json:"risk_level"`
	EstimatedImpact string          `json:"estimated_impact,omitempty"`
}

// Approval request status values.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// ApprovalRequest is a time-boxed pending decision over a previewed mutation.
type ApprovalRequest struct {
	ID          string       `json:"id"`
	Operation   string       `json:"operation"`
	Target      string       `json:"target"`
	AccountID   string       `json:"account_id,omitempty"`
	DryRun      DryRunResult `json:"dry_run"`
	RequestedBy string       `json:"requested_by"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Status      string       `json:"status"`
	ApprovedBy  string       `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time   `json:"approved_at,omitempty"`
}

// FinancialImpact quantifies the spend consequences of a mutation, filled in
// when a verification pass reconstructs a discrepancy window.
type FinancialImpact struct {
	EstimatedDailyCost   float64            `json:"estimated_daily_cost,omitempty"`
	EstimatedMonthlyCost float64            `json:"estimated_monthly_cost,omitempty"`
	ActualCostDuringErr  float64            `json:"actual_cost_during_error,omitempty"`
	ErrorPeriodStart     *time.Time         `json:"error_period_start,omitempty"`
	ErrorPeriodEnd       *time.Time         `json:"error_period_end,omitempty"`
	CostByDay            map[string]float64 `json:"cost_by_day,omitempty"`
}

// Snapshot captures resource state around a mutation for rollback and audit.
// BeforeState and AfterState are caller-defined blobs keyed by ResourceType.
type Snapshot struct {
	SnapshotID         string           `json:"snapshot_id"`
	Operation          string           `json:"operation"`
	ResourceType       string           `json:"resource_type"`
	ResourceID         string           `json:"resource_id"`
	BeforeState        json.RawMessage  `json:"before_state"`
	AfterState         json.RawMessage  `json:"after_state,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	ExecutedAt         *time.Time       `json:"executed_at,omitempty"`
	RolledBackAt       *time.Time       `json:"rolled_back_at,omitempty"`
	RollbackSuccessful *bool            `json:"rollback_successful,omitempty"`
	FinancialImpact    *FinancialImpact `json:"financial_impact,omitempty"`
}

// PatternMatchResult reports how a wildcard selection resolved.
type PatternMatchResult struct {
	Pattern              string   `json:"pattern"`
	MatchedItems         []string `json:"matched_items"`
	TotalMatched         int      `json:"total_matched"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	ConfirmationMessage  string   `json:"confirmation_message,omitempty"`
}

// BulkOperation is the confirmation payload for a pattern-scoped mutation.
// There is no silent bulk apply: RequiresConfirmation is always true.
type BulkOperation struct {
	Operation            string   `json:"operation"`
	Pattern              string   `json:"pattern"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	ConfirmationMessage  string   `json:"confirmation_message"`
	ItemsToConfirm       []string `json:"items_to_confirm"`
}

// ChangeEvent is one entry from the provider's authoritative change feed.
// Read-only to this engine.
type ChangeEvent struct {
	ChangeDateTime     time.Time `json:"change_date_time"`
	ChangeResourceType string    `json:"change_resource_type"`
	ChangeResourceName string    `json:"change_resource_name"`
	UserEmail          string    `json:"user_email"`
	ChangeOperation    string    `json:"change_operation"`
	OldValue           string    `json:"old_value,omitempty"`
	NewValue           string    `json:"new_value,omitempty"`
}

// ChangeHistoryResult wraps a change-feed query.
type ChangeHistoryResult struct {
	Events      []ChangeEvent `json:"events"`
	TotalEvents int           `json:"total_events"`
	StartDate   time.Time     `json:"start_date"`
	EndDate     time.Time     `json:"end_date"`
}

// VerificationResult reports whether a mutation this engine believes it made
// is visible in the provider's own change log.
type VerificationResult struct {
	Verified    bool         `json:"verified"`
	ChangeEvent *ChangeEvent `json:"change_event,omitempty"`
	Message     string       `json:"message"`
}

// Notification priorities.
const (
	PriorityLow      = "LOW"
	PriorityMedium   = "MEDIUM"
	PriorityHigh     = "HIGH"
	PriorityCritical = "CRITICAL"
)

// Notification types emitted by the governance engine.
const (
	NotifyBudgetChange   = "BUDGET_CHANGE"
	NotifyStatusChange   = "STATUS_CHANGE"
	NotifyBulkOperation  = "BULK_OPERATION"
	NotifyRollback       = "ROLLBACK"
	NotifyVerifyMismatch = "VERIFY_MISMATCH"
	NotifyBlocked        = "OPERATION_BLOCKED"
)

// Notification is a governance event moving through dual-cadence delivery.
// SentToAgency only flips as part of a batch flush, never individually.
type Notification struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Priority      string     `json:"priority"`
	Timestamp     time.Time  `json:"timestamp"`
	UserID        string     `json:"user_id"`
	AccountID     string     `json:"account_id"`
	Message       string     `json:"message"`
	SentToCentral bool       `json:"sent_to_central"`
	SentToAgency  bool       `json:"sent_to_agency"`
	CentralSentAt *time.Time `json:"central_sent_at,omitempty"`
	AgencySentAt  *time.Time `json:"agency_sent_at,omitempty"`
}

// Audit operation types and results.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpDelete = "delete"

	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultBlocked = "blocked"
)

// AuditLogEntry is one append-only record of an operation attempt.
type AuditLogEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	User          string    `json:"user"`
	Action        string    `json:"action"`
	Property      string    `json:"property"`
	OperationType string    `json:"operation_type"`
	Result        string    `json:"result"`
	Details       string    `json:"details,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// RollbackResult is returned by the snapshot store after a rollback attempt.
type RollbackResult struct {
	Success         bool             `json:"success"`
	Message         string           `json:"message"`
	FinancialImpact *FinancialImpact `json:"financial_impact,omitempty"`
}
