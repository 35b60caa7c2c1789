package finalize

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/astroline/consult/internal/config"
)

// PostgresStore implements Store on PostgreSQL. The status column carries
// the completed guard: once a session's row is completed, later saves are
// no-ops, which is what absorbs duplicate finalization attempts across
// processes.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewPostgresStore(cfg config.PostgresConfig) (*PostgresStore, error) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{
		db:     db,
		logger: zap.L().Named("finalize-store"),
	}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS finalizations (
		session_id VARCHAR(255) PRIMARY KEY,
		status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'completed')),
		reason VARCHAR(40) NOT NULL,

		ended_at TIMESTAMPTZ NOT NULL,
		duration_seconds INTEGER NOT NULL DEFAULT 0,

		transcript JSONB NOT NULL DEFAULT '[]',
		transcript_lines INTEGER NOT NULL DEFAULT 0,
		participants JSONB NOT NULL DEFAULT '[]',

		created_at TIMESTAMPTZ DEFAULT NOW(),
		updated_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_finalizations_ended_at ON finalizations(ended_at DESC);
	CREATE INDEX IF NOT EXISTS idx_finalizations_reason ON finalizations(reason);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Save upserts the finalization record. A row that already reached
// 'completed' is left untouched.
func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	transcriptJSON, err := json.Marshal(rec.Transcript)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}
	participantsJSON, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}

	query := `
		INSERT INTO finalizations (
			session_id, status, reason, ended_at, duration_seconds,
			transcript, transcript_lines, participants
		) VALUES (
			$1, 'completed', $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (session_id) DO UPDATE SET
			status = 'completed',
			reason = EXCLUDED.reason,
			ended_at = EXCLUDED.ended_at,
			duration_seconds = EXCLUDED.duration_seconds,
			transcript = EXCLUDED.transcript,
			transcript_lines = EXCLUDED.transcript_lines,
			participants = EXCLUDED.participants,
			updated_at = NOW()
		WHERE finalizations.status <> 'completed'
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.SessionID, rec.Reason, rec.EndedAt, rec.DurationSeconds,
		transcriptJSON, len(rec.Transcript), participantsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save finalization: %w", err)
	}

	s.logger.Info("finalization saved", zap.String("session", rec.SessionID))
	return nil
}

// Get retrieves a finalization record by session id.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	query := `
		SELECT session_id, reason, ended_at, duration_seconds, transcript, participants
		FROM finalizations
		WHERE session_id = $1
	`
	var rec Record
	var transcriptJSON, participantsJSON []byte
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&rec.SessionID, &rec.Reason, &rec.EndedAt, &rec.DurationSeconds,
		&transcriptJSON, &participantsJSON,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("finalization not found: %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get finalization: %w", err)
	}

	if err := json.Unmarshal(transcriptJSON, &rec.Transcript); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transcript: %w", err)
	}
	if err := json.Unmarshal(participantsJSON, &rec.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
