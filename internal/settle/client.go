// Package settle is the client boundary to the external settlement
// collaborator. Settlement itself (payment capture, bookkeeping) happens on
// the other side; this client only triggers it, idempotently keyed by
// session id.
package settle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/astroline/consult/internal/finalize"
)

// Client calls the settlement collaborator over HTTP.
type Client struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

func NewClient(url string) *Client {
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: zap.L().Named("settlement"),
	}
}

type triggerRequest struct {
	SessionID string `json:"sessionId"`
}

type triggerResponse struct {
	Status string `json:"status"` // "ok" | "alreadySettled" | "error"
	Detail string `json:"detail,omitempty"`
}

// TriggerSettlement asks the collaborator to settle the session. The session
// id doubles as the idempotency key, so duplicate triggers are absorbed
// server-side.
func (c *Client) TriggerSettlement(ctx context.Context, sessionID string) (finalize.SettleOutcome, error) {
	body, err := json.Marshal(triggerRequest{SessionID: sessionID})
	if err != nil {
		return finalize.SettleError, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return finalize.SettleError, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sessionID)

	resp, err := c.http.Do(req)
	if err != nil {
		return finalize.SettleError, fmt.Errorf("settlement request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return finalize.SettleError, fmt.Errorf("settlement returned status %d", resp.StatusCode)
	}

	var tr triggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return finalize.SettleError, fmt.Errorf("failed to decode response: %w", err)
	}

	switch tr.Status {
	case "ok":
		return finalize.SettleOK, nil
	case "alreadySettled":
		c.logger.Info("session already settled", zap.String("session", sessionID))
		return finalize.SettleAlready, nil
	default:
		return finalize.SettleError, fmt.Errorf("settlement rejected: %s", tr.Detail)
	}
}
