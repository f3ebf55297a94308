package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/offboardhq/offboard/internal/schema"
)

// HTTPSyncer submits mutations to a remote authority over HTTP.
//
// Each mutation is POSTed as JSON to the endpoint. The response maps to
// an Outcome:
//
//	200, 201, 204  accepted
//	409            conflict; body carries {"remote": ..., "reason": ...}
//
// Anything else is a transport error: the pass returns the mutation to
// pending for a later attempt.
type HTTPSyncer struct {
	endpoint string
	client   *http.Client
}

// conflictBody is the expected shape of a 409 response.
type conflictBody struct {
	Remote json.RawMessage `json:"remote"`
	Reason string          `json:"reason"`
}

// NewHTTPSyncer creates a syncer posting to endpoint. A nil client uses
// a default with a 30 second timeout.
func NewHTTPSyncer(endpoint string, client *http.Client) *HTTPSyncer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSyncer{
		endpoint: endpoint,
		client:   client,
	}
}

// Sync implements Syncer.
func (h *HTTPSyncer) Sync(ctx context.Context, m *schema.Mutation) (Outcome, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to marshal mutation %s: %w", m.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to submit mutation %s: %w", m.ID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return Success(), nil

	case http.StatusConflict:
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to read conflict body for %s: %w", m.ID, err)
		}
		var c conflictBody
		if err := json.Unmarshal(data, &c); err != nil {
			return Outcome{}, fmt.Errorf("malformed conflict body for %s: %w", m.ID, err)
		}
		if c.Reason == "" {
			c.Reason = "remote record diverged"
		}
		return ConflictOutcome(c.Remote, c.Reason), nil

	default:
		return Outcome{}, fmt.Errorf("remote returned %s for mutation %s", resp.Status, m.ID)
	}
}
