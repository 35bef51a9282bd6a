package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"adgov/pkg/httpx"
	"adgov/pkg/models"
)

// Query selects a window of the provider's change-history feed.
type Query struct {
	ResourceScope  string    `json:"resource_scope"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	ResourceType   string    `json:"resource_type,omitempty"`
	ResourceFilter string    `json:"resource_filter,omitempty"`
}

// Feed is the provider's authoritative change log, the source of truth for
// "did this change really happen".
type Feed interface {
	QueryChangeHistory(ctx context.Context, q Query) (models.ChangeHistoryResult, error)
}

// Client queries the provider change-history API over HTTP.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

func NewClient(baseURL string, client *http.Client) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: client,
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
	}
}

func (c *Client) QueryChangeHistory(ctx context.Context, q Query) (models.ChangeHistoryResult, error) {
	out := models.ChangeHistoryResult{StartDate: q.StartDate, EndDate: q.EndDate}
	body, err := json.Marshal(q)
	if err != nil {
		return out, err
	}
	headers := map[string]string{}
	if c.AuthHeader != "" && c.AuthToken != "" {
		headers[c.AuthHeader] = c.AuthToken
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.HTTPClient, http.MethodPost,
		c.BaseURL+"/v1/change-history", body, headers, c.Retries, c.RetryDelay)
	if err != nil {
		return out, fmt.Errorf("change history query: %w", err)
	}
	if status != http.StatusOK {
		return out, fmt.Errorf("change history query: status %d: %s", status, respBody)
	}
	var payload struct {
		Events []models.ChangeEvent `json:"events"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return out, fmt.Errorf("change history decode: %w", err)
	}
	out.Events = payload.Events
	out.TotalEvents = len(payload.Events)
	return out, nil
}
