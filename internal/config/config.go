package config

import "time"

// Config holds all application configuration
type Config struct {
	SessionID   string
	Role        string // "caller" or "callee"
	DisplayName string
	DiagAddr    string // loopback diagnostics address, empty disables

	Mailbox  MailboxConfig
	Session  SessionConfig
	Media    MediaConfig
	Relay    RelayConfig
	Finalize FinalizeConfig
	Notify   NotifyConfig
}

// MailboxConfig configures the signaling mailbox transport.
type MailboxConfig struct {
	Addr         string // websocket address of the mailbox gateway
	DialTimeout  time.Duration
	WriteRetries uint64 // retries per Put/Append on transient failure
	RetryBackoff time.Duration
}

// SessionConfig holds the timed knobs of the session state machine.
type SessionConfig struct {
	DurationCap        time.Duration // hard ceiling on the Connected phase
	ReadyWait          time.Duration // caller wait for callee readiness
	NegotiationRetries int           // full negotiation epochs before giving up
	TranscriptGrace    time.Duration // late-utterance window after Ended
	DiscoveryInterval  time.Duration
	DiscoveryAttempts  int
}

type MediaConfig struct {
	Width         int
	Height        int
	Framerate     float32
	VideoBitRate  int
	AudioBitRate  int
	DisableVideo  bool
	DisableAudio  bool
	CaptureDevice string // optional device id override
}

// RelayConfig configures the optional embedded TURN relay.
type RelayConfig struct {
	Enabled  bool
	PublicIP string
	Port     int
	Realm    string
	Users    string // "user=pass,user2=pass2"
	Threads  int
}

type FinalizeConfig struct {
	Postgres      PostgresConfig
	Archive       ArchiveConfig
	SettlementURL string
	MaxCollabCall int // per-collaborator call ceiling
}

type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
}

type ArchiveConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	MasterKey       string // base64 AES-256 key; empty disables sealing
}

type NotifyConfig struct {
	// Gmail OAuth2 app credentials; when unset the webhook deliverer is used.
	ClientID     string
	ClientSecret string
	ToEmail      string
	WebhookURL   string
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Role:        "caller",
		DisplayName: "anonymous",
		Mailbox: MailboxConfig{
			Addr:         "localhost:7000",
			DialTimeout:  10 * time.Second,
			WriteRetries: 4,
			RetryBackoff: 250 * time.Millisecond,
		},
		Session: SessionConfig{
			DurationCap:        90 * time.Minute,
			ReadyWait:          60 * time.Second,
			NegotiationRetries: 3,
			TranscriptGrace:    5 * time.Second,
			DiscoveryInterval:  time.Second,
			DiscoveryAttempts:  30,
		},
		Media: MediaConfig{
			Width:        640,
			Height:       480,
			Framerate:    20,
			VideoBitRate: 100_000,
			AudioBitRate: 32_000,
		},
		Relay: RelayConfig{
			Port:    3478,
			Realm:   "consult.astroline",
			Threads: 2,
		},
		Finalize: FinalizeConfig{
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "consult",
				SSLMode:  "disable",
			},
			Archive: ArchiveConfig{
				Bucket: "consult-transcripts",
			},
			MaxCollabCall: 3,
		},
	}
}
