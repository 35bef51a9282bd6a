package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"adgov/pkg/approval"
	"adgov/pkg/bulkguard"
	"adgov/pkg/changefeed"
	"adgov/pkg/httpx"
	"adgov/pkg/models"
	"adgov/pkg/notify"
	"adgov/pkg/snapshot"
	"adgov/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

func caller(r *http.Request) string {
	if u := r.Header.Get("X-User"); u != "" {
		return u
	}
	return "anonymous"
}

type previewRequest struct {
	Operation       string          `json:"operation"`
	Target          string          `json:"target"`
	AccountID       string          `json:"account_id,omitempty"`
	Changes         []string        `json:"changes"`
	Warnings        []string        `json:"warnings,omitempty"`
	EstimatedImpact string          `json:"estimated_impact,omitempty"`
	ExpectedResult  json.RawMessage `json:"expected_result,omitempty"`
	WouldFail       bool            `json:"would_fail,omitempty"`
}

// handlePreview runs phase one of two-phase confirm: compute the dry
// run, store a pending approval request, and hand back its id as the
// confirmation token.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Operation == "" || req.Target == "" {
		httpx.Error(w, http.StatusBadRequest, "operation and target required")
		return
	}

	b := approval.NewDryRun()
	for _, c := range req.Changes {
		b.AddChange(c)
	}
	for _, wmsg := range req.Warnings {
		b.AddWarning(wmsg)
	}
	if req.EstimatedImpact != "" {
		b.EstimatedImpact(req.EstimatedImpact)
	}
	if len(req.ExpectedResult) > 0 {
		b.ExpectedResult(req.ExpectedResult)
	}
	if req.WouldFail {
		b.WouldFail()
	}
	dryRun := b.Build()
	dryRun.RiskLevel = approval.AssessRisk(dryRun)

	user := caller(r)
	token, err := s.Gate.CreateRequest(r.Context(), req.Operation, req.Target, req.AccountID, dryRun, user)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not store approval request")
		return
	}
	stored, err := s.Gate.GetRequest(r.Context(), token)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not load approval request")
		return
	}
	s.Trail.Success(r.Context(), user, "preview:"+req.Operation, req.Target, models.OpWrite, "risk="+dryRun.RiskLevel)
	httpx.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"confirmation_token": token,
		"status":             stored.Status,
		"expires_at":         stored.ExpiresAt,
		"dry_run":            stored.DryRun,
	})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.Gate.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, approval.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "approval request not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, false)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	id := chi.URLParam(r, "id")
	user := caller(r)

	var req *models.ApprovalRequest
	var err error
	if approve {
		req, err = s.Gate.ApproveRequest(r.Context(), id, user)
	} else {
		req, err = s.Gate.RejectRequest(r.Context(), id, user)
	}
	switch {
	case errors.Is(err, approval.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "approval request not found")
		return
	case errors.Is(err, approval.ErrNotPending):
		httpx.Error(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		httpx.Error(w, http.StatusInternalServerError, "decision failed")
		return
	}

	action := "reject:" + req.Operation
	if approve {
		action = "approve:" + req.Operation
	}
	s.Trail.Success(r.Context(), user, action, req.Target, models.OpWrite, "")
	s.Notifier.Notify(r.Context(), notify.Event{
		Type:      models.NotifyStatusChange,
		Priority:  models.PriorityHigh,
		UserID:    req.RequestedBy,
		AccountID: req.AccountID,
		Message:   action + " on " + req.Target + " by " + user,
	})
	httpx.WriteJSON(w, http.StatusOK, req)
}

type bulkMatchRequest struct {
	Operation string   `json:"operation"`
	Pattern   string   `json:"pattern"`
	Items     []string `json:"items"`
}

// handleBulkMatch resolves a wildcard selection against the caller's
// item names. Over-cap selections come back as 422 carrying the full
// match result so the caller can show what would have been hit.
func (s *Server) handleBulkMatch(w http.ResponseWriter, r *http.Request) {
	var req bulkMatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Pattern == "" {
		httpx.Error(w, http.StatusBadRequest, "pattern required")
		return
	}

	result, err := bulkguard.MatchWildcard(s.Guard, req.Pattern, req.Items)
	if err != nil {
		var tooMany *bulkguard.TooManyMatchesError
		if errors.As(err, &tooMany) {
			s.Trail.Blocked(r.Context(), caller(r), "bulk:"+req.Operation, req.Pattern, models.OpWrite,
				strconv.Itoa(tooMany.Result.TotalMatched)+" matches over cap")
			s.Notifier.Notify(r.Context(), notify.Event{
				Type:     models.NotifyBlocked,
				Priority: models.PriorityCritical,
				UserID:   caller(r),
				Message:  "bulk pattern " + req.Pattern + " blocked: " + err.Error(),
			})
			httpx.WriteJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":        err.Error(),
				"match_result": tooMany.Result,
			})
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "match failed")
		return
	}

	resp := map[string]interface{}{"match_result": result}
	if result.RequiresConfirmation {
		op := bulkguard.CreateBulkOperation(req.Operation, req.Pattern, result.MatchedItems,
			func(item string) string { return item })
		resp["bulk_operation"] = op
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type createSnapshotRequest struct {
	Operation    string          `json:"operation"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	BeforeState  json.RawMessage `json:"before_state"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Operation == "" || req.ResourceType == "" || req.ResourceID == "" {
		httpx.Error(w, http.StatusBadRequest, "operation, resource_type and resource_id required")
		return
	}
	id, err := s.Snapshots.CreateSnapshot(r.Context(), snapshot.CreateParams{
		Operation:    req.Operation,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		BeforeState:  req.BeforeState,
	})
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not store snapshot")
		return
	}
	s.Trail.Success(r.Context(), caller(r), "snapshot:"+req.Operation, req.ResourceID, models.OpWrite, "snapshot_id="+id)
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"snapshot_id": id})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Snapshots.GetSnapshot(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, snapshot.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSnapshotReport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Snapshots.GetSnapshot(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, snapshot.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"report": snapshot.GenerateComparisonReport(*snap)})
}

type recordExecutionRequest struct {
	AfterState json.RawMessage `json:"after_state"`
}

func (s *Server) handleRecordExecution(w http.ResponseWriter, r *http.Request) {
	var req recordExecutionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	id := chi.URLParam(r, "id")
	err := s.Snapshots.RecordExecution(r.Context(), id, req.AfterState)
	if errors.Is(err, snapshot.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not record execution")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"snapshot_id": id})
}

func (s *Server) handleAttachImpact(w http.ResponseWriter, r *http.Request) {
	var impact models.FinancialImpact
	if err := httpx.DecodeJSON(r, &impact); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	id := chi.URLParam(r, "id")
	err := s.Snapshots.AttachFinancialImpact(r.Context(), id, impact)
	if errors.Is(err, snapshot.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not attach impact")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"snapshot_id": id})
}

// handleRollback re-applies a snapshot's before-state through the
// configured provider apply endpoint. Executor failure is reported in
// the result body, not as an HTTP error.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if s.RollbackExec == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "no provider apply endpoint configured")
		return
	}
	id := chi.URLParam(r, "id")
	user := caller(r)
	result, err := s.Snapshots.Rollback(r.Context(), id, s.RollbackExec)
	if errors.Is(err, snapshot.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "rollback failed")
		return
	}
	if result.Success {
		s.Trail.Success(r.Context(), user, "rollback", id, models.OpWrite, result.Message)
	} else {
		s.Trail.Failure(r.Context(), user, "rollback", id, models.OpWrite, errors.New(result.Message))
	}
	s.Notifier.Notify(r.Context(), notify.Event{
		Type:     models.NotifyRollback,
		Priority: models.PriorityHigh,
		UserID:   user,
		Message:  "rollback of snapshot " + id + ": " + result.Message,
	})
	httpx.WriteJSON(w, http.StatusOK, result)
}

type changesSinceRequest struct {
	Scope        string `json:"scope"`
	ResourceType string `json:"resource_type,omitempty"`
	ResourceName string `json:"resource_name,omitempty"`
}

// handleChangesSince lists provider-logged changes made after a
// snapshot was taken, so a caller can judge whether rollback would
// clobber someone else's work.
func (s *Server) handleChangesSince(w http.ResponseWriter, r *http.Request) {
	var req changesSinceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	snap, err := s.Snapshots.GetSnapshot(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, snapshot.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	events, err := s.Verifier.GetChangesForRollback(r.Context(), changefeed.RollbackChangesParams{
		Scope:             req.Scope,
		SnapshotTimestamp: snap.CreatedAt,
		ResourceType:      req.ResourceType,
		ResourceName:      req.ResourceName,
	})
	if err != nil {
		httpx.Error(w, http.StatusBadGateway, "change feed unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"events":         events,
		"total_events":   len(events),
		"snapshot_taken": snap.CreatedAt,
	})
}

type verifyRequest struct {
	Scope         string    `json:"scope"`
	SnapshotID    string    `json:"snapshot_id,omitempty"`
	OperationTime time.Time `json:"operation_time"`
	ResourceType  string    `json:"resource_type"`
	ResourceName  string    `json:"resource_name"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.OperationTime.IsZero() || req.ResourceName == "" {
		httpx.Error(w, http.StatusBadRequest, "operation_time and resource_name required")
		return
	}
	result := s.Verifier.VerifyOperation(r.Context(), changefeed.VerifyParams{
		Scope:         req.Scope,
		SnapshotID:    req.SnapshotID,
		OperationTime: req.OperationTime,
		ResourceType:  req.ResourceType,
		ResourceName:  req.ResourceName,
	})
	if !result.Verified {
		s.Notifier.Notify(r.Context(), notify.Event{
			Type:     models.NotifyVerifyMismatch,
			Priority: models.PriorityCritical,
			UserID:   caller(r),
			Message:  "verification failed for " + req.ResourceName + ": " + result.Message,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleChangeQuery(w http.ResponseWriter, r *http.Request) {
	var q changefeed.Query
	if err := httpx.DecodeJSON(r, &q); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	result, err := s.Feed.QueryChangeHistory(r.Context(), q)
	if err != nil {
		httpx.Error(w, http.StatusBadGateway, "change feed unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"result": result,
		"report": changefeed.FormatChangeHistoryReport(result),
	})
}

type notifyRequest struct {
	Type      string `json:"type"`
	Priority  string `json:"priority,omitempty"`
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id,omitempty"`
	Message   string `json:"message"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Type == "" || req.Message == "" {
		httpx.Error(w, http.StatusBadRequest, "type and message required")
		return
	}
	n := s.Notifier.Notify(r.Context(), notify.Event{
		Type:      req.Type,
		Priority:  req.Priority,
		UserID:    req.UserID,
		AccountID: req.AccountID,
		Message:   req.Message,
	})
	httpx.WriteJSON(w, http.StatusCreated, n)
}

func (s *Server) handlePendingNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httpx.Error(w, http.StatusBadRequest, "user_id required")
		return
	}
	pending := s.Notifier.PendingFor(userID)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"pending": pending,
		"count":   len(pending),
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	sent := s.Notifier.Flush(r.Context())
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"digests_sent": sent})
}

func (s *Server) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.Error(w, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}
	entries := s.AuditTail.Recent(limit)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
