// Package relay embeds a TURN/STUN relay so two participants behind
// restrictive NATs can still reach each other without an external relay
// deployment. The pion peer picks it up through the ICE server list.
package relay

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/astroline/consult/internal/config"
	"github.com/astroline/consult/internal/diag"
)

var userPairRe = regexp.MustCompile(`(\w+)=(\w+)`)

// Server is an embedded pion TURN server with a fixed long-term credential
// set, intended for single-host deployments that front both participants.
type Server struct {
	cfg    config.RelayConfig
	logger *zap.Logger

	mu        sync.RWMutex
	srv       *turn.Server
	running   bool
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Stats is a point-in-time view of the relay for diagnostics.
type Stats struct {
	ActiveAllocations int
	Uptime            time.Duration
	State             string
}

func NewServer(ctx context.Context, cfg config.RelayConfig) *Server {
	sctx, cancel := context.WithCancel(ctx)
	return &Server{
		cfg:    cfg,
		logger: zap.L().Named("relay"),
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// URLs returns the ICE server URLs clients should dial for this relay.
func (s *Server) URLs() []string {
	host := s.cfg.PublicIP
	if host == "" {
		host = "127.0.0.1"
	}
	return []string{
		fmt.Sprintf("stun:%s:%d", host, s.cfg.Port),
		fmt.Sprintf("turn:%s:%d", host, s.cfg.Port),
	}
}

// Start binds the UDP listeners and begins serving. It is an error to start
// an already-running relay.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("relay already running")
	}

	srv, err := s.build(s.ctx)
	if err != nil {
		return fmt.Errorf("initializing relay: %w", err)
	}

	s.srv = srv
	s.startTime = time.Now()
	s.running = true

	go func() {
		defer close(s.done)
		s.serve()
	}()

	s.logger.Info("relay started", zap.Int("port", s.cfg.Port), zap.String("realm", s.cfg.Realm))
	return nil
}

func (s *Server) build(ctx context.Context) (*turn.Server, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("0.0.0.0:%d", s.cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("parsing relay address: %w", err)
	}

	// Long-term credentials come in as "user=pass,user2=pass2"; keys are
	// precomputed once so AuthHandler is a plain map lookup.
	usersMap := map[string][]byte{}
	for _, kv := range userPairRe.FindAllStringSubmatch(s.cfg.Users, -1) {
		usersMap[kv[1]] = turn.GenerateAuthKey(kv[1], s.cfg.Realm, kv[2])
	}

	// Several UDP listeners share the same address:port via SO_REUSEPORT;
	// the kernel load-balances received packets per the IP 5-tuple.
	listenerConfig := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if cerr := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); cerr != nil {
				return cerr
			}
			return operr
		},
	}

	relayAddressGenerator := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: net.ParseIP(s.cfg.PublicIP),
		Address:      "0.0.0.0",
		MinPort:      49152,
		MaxPort:      65535,
	}
	if err := relayAddressGenerator.Validate(); err != nil {
		return nil, fmt.Errorf("validating relay address generator: %w", err)
	}

	threads := s.cfg.Threads
	if threads < 1 {
		threads = 1
	}
	packetConnConfigs := make([]turn.PacketConnConfig, threads)
	for i := 0; i < threads; i++ {
		conn, listErr := listenerConfig.ListenPacket(ctx, addr.Network(), addr.String())
		if listErr != nil {
			return nil, fmt.Errorf("allocating UDP listener at %s: %w", addr.String(), listErr)
		}
		packetConnConfigs[i] = turn.PacketConnConfig{
			PacketConn:            conn,
			RelayAddressGenerator: relayAddressGenerator,
		}
		s.logger.Info("relay listener bound", zap.Int("index", i), zap.String("addr", conn.LocalAddr().String()))
	}

	return turn.NewServer(turn.ServerConfig{
		Realm: s.cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			if key, ok := usersMap[username]; ok {
				return key, true
			}
			return nil, false
		},
		PacketConnConfigs: packetConnConfigs,
	})
}

// Stop shuts the relay down and waits for the serve loop to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	if s.srv != nil {
		if err := s.srv.Close(); err != nil {
			return fmt.Errorf("closing relay: %w", err)
		}
	}
	s.running = false

	select {
	case <-s.done:
		s.logger.Info("relay stopped")
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout waiting for relay to stop")
	}
	return nil
}

func (s *Server) serve() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic in relay", zap.Any("panic", r))
			debug.PrintStack()
		}
	}()

	healthCheck := time.NewTicker(30 * time.Second)
	defer healthCheck.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-healthCheck.C:
			s.mu.RLock()
			running := s.running
			s.mu.RUnlock()
			if !running {
				continue
			}
			if err := s.checkPort(); err != nil {
				s.logger.Warn("relay port check failed", zap.Error(err))
			}
		}
	}
}

// checkPort probes the local UDP stack. Binding the serving port again
// would fail while the relay holds it, so an ephemeral bind is used.
func (s *Server) checkPort() error {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return fmt.Errorf("UDP stack unavailable: %w", err)
	}
	return conn.Close()
}

func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// State reports a coarse health string for diagnostics.
func (s *Server) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.srv == nil:
		return "uninitialized"
	case !s.running:
		return "stopped"
	case s.srv.AllocationCount() > 0:
		return "active"
	default:
		return "idle"
	}
}

// DiagView reports the relay for the diagnostics surface.
func (s *Server) DiagView() diag.RelayView {
	st := s.GetStats()
	return diag.RelayView{
		Running:           s.IsRunning(),
		State:             st.State,
		ActiveAllocations: st.ActiveAllocations,
		UptimeSeconds:     int(st.Uptime / time.Second),
	}
}

func (s *Server) GetStats() Stats {
	st := Stats{
		Uptime: time.Since(s.startTime),
		State:  s.State(),
	}
	s.mu.RLock()
	if s.srv != nil {
		st.ActiveAllocations = s.srv.AllocationCount()
	}
	s.mu.RUnlock()
	return st
}
