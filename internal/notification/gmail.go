// Package notification delivers finished transcripts to the participant,
// the boundary to the external notification collaborator.
package notification

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/astroline/consult/internal/finalize"
)

// GmailConfig holds OAuth2 app credentials from Google Cloud Console plus
// the stored user token. The OAuth consent flow happens out-of-band; this
// component only sends.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	Token        *oauth2.Token
	ToEmail      string
	FromEmail    string // defaults to the authenticated account
}

// GmailDeliverer sends the transcript by email through the Gmail API.
type GmailDeliverer struct {
	svc    *gmail.Service
	cfg    GmailConfig
	logger *zap.Logger
}

func NewGmailDeliverer(ctx context.Context, cfg GmailConfig) (*GmailDeliverer, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("Gmail OAuth2 ClientID/ClientSecret are required")
	}
	if cfg.ToEmail == "" {
		return nil, fmt.Errorf("recipient email address (ToEmail) is required")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("OAuth2 token is required")
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailSendScope}, // Minimal scope: send-only
	}

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(oauthCfg.Client(ctx, cfg.Token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &GmailDeliverer{
		svc:    svc,
		cfg:    cfg,
		logger: zap.L().Named("gmail-deliverer"),
	}, nil
}

// DeliverTranscript emails the transcript.
func (g *GmailDeliverer) DeliverTranscript(ctx context.Context, rec *finalize.Record) (finalize.DeliverOutcome, error) {
	if len(rec.Transcript) == 0 {
		g.logger.Info("no transcript to deliver", zap.String("session", rec.SessionID))
		return finalize.DeliverNoTranscript, nil
	}

	raw := buildMessage(g.cfg.FromEmail, g.cfg.ToEmail,
		fmt.Sprintf("Consultation transcript %s", rec.SessionID),
		formatTranscript(rec))

	_, err := g.svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return finalize.DeliverError, fmt.Errorf("failed to send transcript email: %w", err)
	}

	g.logger.Info("transcript emailed",
		zap.String("session", rec.SessionID),
		zap.String("to", g.cfg.ToEmail),
		zap.Int("lines", len(rec.Transcript)))
	return finalize.DeliverOK, nil
}

// buildMessage assembles a minimal RFC 2822 message and base64url-encodes it
// the way the Gmail API expects.
func buildMessage(from, to, subject, body string) string {
	var b strings.Builder
	if from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}

func formatTranscript(rec *finalize.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s ended %s (%ds, reason: %s)\n\n",
		rec.SessionID, rec.EndedAt.Format("2006-01-02 15:04:05 MST"),
		rec.DurationSeconds, rec.Reason)
	for _, line := range rec.Transcript {
		fmt.Fprintf(&b, "[%s] %s: %s\n", line.Time.Format("15:04:05"), line.Speaker, line.Text)
	}
	return b.String()
}
