package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/astroline/consult/internal/config"
	"github.com/astroline/consult/internal/diag"
	"github.com/astroline/consult/internal/finalize"
	"github.com/astroline/consult/internal/media"
	"github.com/astroline/consult/internal/notification"
	"github.com/astroline/consult/internal/relay"
	"github.com/astroline/consult/internal/rtc"
	"github.com/astroline/consult/internal/session"
	"github.com/astroline/consult/internal/settle"
	sig "github.com/astroline/consult/internal/signal"
	"github.com/astroline/consult/internal/transcript"
)

// Application holds all components for one participant process.
type Application struct {
	config   *config.Config
	role     sig.Role
	mailbox  sig.Mailbox
	wsConn   *sig.WSMailbox
	capture  *media.Capture
	peer     rtc.Peer
	relay    *relay.Server
	recorder *transcript.Recorder
	manager  *session.Manager
	store    *finalize.PostgresStore
	diag     *diag.Server
}

func main() {
	cfg := config.NewDefaultConfig()

	var loopback, noMedia, runRelay bool
	flag.StringVar(&cfg.SessionID, "session", "", "session identifier shared by both participants")
	flag.StringVar(&cfg.Role, "role", cfg.Role, "participant role: caller or callee")
	flag.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "display name shown to the other participant")
	flag.StringVar(&cfg.Mailbox.Addr, "mailbox", cfg.Mailbox.Addr, "mailbox gateway address")
	flag.StringVar(&cfg.DiagAddr, "diag", cfg.DiagAddr, "loopback diagnostics address, e.g. 127.0.0.1:8099 (empty disables)")
	flag.StringVar(&cfg.Finalize.SettlementURL, "settlement-url", cfg.Finalize.SettlementURL, "settlement collaborator endpoint")
	flag.StringVar(&cfg.Notify.WebhookURL, "webhook-url", cfg.Notify.WebhookURL, "transcript delivery webhook")
	flag.BoolVar(&loopback, "loopback", false, "use an in-process mailbox and store (no external services)")
	flag.BoolVar(&noMedia, "no-media", false, "negotiate without capturing local devices")
	flag.BoolVar(&runRelay, "relay", false, "run the embedded TURN relay")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if cfg.SessionID == "" {
		log.Fatal("a -session identifier is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg, loopback, noMedia, runRelay)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	defer app.Cleanup()

	go func() {
		<-ctx.Done()
		app.manager.Disconnect()
	}()

	if err := app.manager.Run(ctx); err != nil {
		log.Fatalf("Session failed: %v", err)
	}
	logger.Info("session finished", zap.String("reason", string(app.manager.Reason())))
}

func NewApplication(ctx context.Context, cfg *config.Config, loopback, noMedia, runRelay bool) (*Application, error) {
	role := sig.Role(cfg.Role)
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}

	app := &Application{config: cfg, role: role}

	if err := app.connectMailbox(ctx, loopback); err != nil {
		return nil, err
	}

	var iceServers []string
	if runRelay {
		app.relay = relay.NewServer(ctx, cfg.Relay)
		if err := app.relay.Start(); err != nil {
			return nil, fmt.Errorf("failed to start relay: %w", err)
		}
		iceServers = app.relay.URLs()
	}

	var source rtc.TrackSource
	var mediaSource session.MediaSource
	if !noMedia {
		capture, err := media.NewCapture(cfg.Media)
		if err != nil {
			return nil, fmt.Errorf("failed to create capture: %w", err)
		}
		app.capture = capture
		source = capture
		mediaSource = capture
	}

	peer, err := rtc.NewPionPeer(rtc.PionPeerConfig{
		ICEServers: iceServers,
		Source:     source,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer: %w", err)
	}
	app.peer = peer

	app.recorder = transcript.NewRecorder(cfg.SessionID, app.mailbox, cfg.Session.TranscriptGrace)

	finalizer, err := app.buildFinalizer(ctx, loopback)
	if err != nil {
		return nil, err
	}

	var orch session.Orchestrator
	var negotiate func(context.Context) error
	if role == sig.RoleCaller {
		caller := rtc.NewCaller(cfg.SessionID, app.mailbox, peer, cfg.Session.ReadyWait)
		orch = caller
		negotiate = caller.Negotiate
	} else {
		orch = rtc.NewCallee(cfg.SessionID, app.mailbox, peer)
	}

	app.manager = session.NewManager(session.Params{
		Config:      cfg.Session,
		SessionID:   cfg.SessionID,
		Role:        role,
		DisplayName: cfg.DisplayName,
		Mailbox:     app.mailbox,
		Media:       mediaSource,
		Orch:        orch,
		Negotiate:   negotiate,
		Recorder:    app.recorder,
		Finalizer:   finalizer,
	})

	if cfg.DiagAddr != "" {
		var relaySource diag.RelaySource
		if app.relay != nil {
			relaySource = app.relay
		}
		app.diag = diag.NewServer(cfg.DiagAddr, app.manager, relaySource)
		app.diag.Start()
	}
	return app, nil
}

func (app *Application) connectMailbox(ctx context.Context, loopback bool) error {
	var mb sig.Mailbox
	if loopback {
		mb = sig.NewMemoryMailbox()
	} else {
		ws, err := sig.DialMailbox(ctx, app.config.Mailbox.Addr, app.config.Mailbox.DialTimeout)
		if err != nil {
			return fmt.Errorf("failed to reach mailbox at %s: %w", app.config.Mailbox.Addr, err)
		}
		app.wsConn = ws
		mb = ws
	}
	app.mailbox = sig.WithRetry(mb, app.config.Mailbox.WriteRetries, app.config.Mailbox.RetryBackoff)
	return nil
}

// buildFinalizer assembles the teardown pipeline. Every collaborator except
// the store is optional; a missing configuration disables that leg.
func (app *Application) buildFinalizer(ctx context.Context, loopback bool) (*finalize.Finalizer, error) {
	fc := app.config.Finalize

	var store finalize.Store
	if loopback {
		store = finalize.NewMemoryStore()
	} else {
		pg, err := finalize.NewPostgresStore(fc.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to open finalization store: %w", err)
		}
		app.store = pg
		store = pg
	}

	var archive finalize.Archiver
	if fc.Archive.Endpoint != "" {
		a, err := finalize.NewMinIOArchive(fc.Archive)
		if err != nil {
			zap.L().Warn("transcript archive disabled", zap.Error(err))
		} else {
			archive = a
		}
	}

	var settler finalize.Settler
	if fc.SettlementURL != "" {
		settler = settle.NewClient(fc.SettlementURL)
	}

	deliver, err := app.buildDeliverer(ctx)
	if err != nil {
		return nil, err
	}

	return finalize.New(store, archive, settler, deliver, fc.MaxCollabCall), nil
}

func (app *Application) buildDeliverer(ctx context.Context) (finalize.Deliverer, error) {
	nc := app.config.Notify
	if nc.ClientID != "" && nc.ClientSecret != "" {
		token := &oauth2.Token{RefreshToken: os.Getenv("CONSULT_GMAIL_REFRESH_TOKEN")}
		g, err := notification.NewGmailDeliverer(ctx, notification.GmailConfig{
			ClientID:     nc.ClientID,
			ClientSecret: nc.ClientSecret,
			Token:        token,
			ToEmail:      nc.ToEmail,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gmail deliverer: %w", err)
		}
		return g, nil
	}
	if nc.WebhookURL != "" {
		return notification.NewWebhookDeliverer(nc.WebhookURL), nil
	}
	return nil, nil
}

func (app *Application) Cleanup() {
	if app.diag != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		app.diag.Stop(ctx)
		cancel()
	}
	if app.relay != nil {
		if err := app.relay.Stop(); err != nil {
			zap.L().Warn("relay stop failed", zap.Error(err))
		}
	}
	if app.store != nil {
		app.store.Close()
	}
	if app.wsConn != nil {
		app.wsConn.Close()
	}
}
