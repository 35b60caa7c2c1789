package notification

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

// WebhookDeliverer posts the transcript to an HTTP endpoint, for
// deployments that run their own notification fan-out.
type WebhookDeliverer struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

func NewWebhookDeliverer(url string) *WebhookDeliverer {
	return &WebhookDeliverer{
		url:    url,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: zap.L().Named("webhook-deliverer"),
	}
}

func (w *WebhookDeliverer) DeliverTranscript(ctx context.Context, rec *finalize.Record) (finalize.DeliverOutcome, error) {
	if len(rec.Transcript) == 0 {
		return finalize.DeliverNoTranscript, nil
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return finalize.DeliverError, fmt.Errorf("failed to marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return finalize.DeliverError, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.SessionID)

	resp, err := w.http.Do(req)
	if err != nil {
		return finalize.DeliverError, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return finalize.DeliverError, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Info("transcript posted", zap.String("session", rec.SessionID))
	return finalize.DeliverOK, nil
}
