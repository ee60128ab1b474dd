package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pelicanmail/pelican/logger"
	"github.com/pelicanmail/pelican/pkg/metrics"
	"github.com/pelicanmail/pelican/provider"
	"github.com/pelicanmail/pelican/server/idgen"
)

// POP3Server accepts connections on a plaintext (STLS-capable) endpoint
// and an implicit-TLS endpoint, and runs one session goroutine per
// connection. Sessions share nothing but the provider.
type POP3Server struct {
	hostname string
	provider provider.Provider

	appCtx context.Context
	cancel context.CancelFunc

	addr      string
	tlsAddr   string
	tlsConfig *tls.Config

	listener    net.Listener
	tlsListener net.Listener

	maxAuthErrors  int
	authErrorDelay time.Duration
	idleTimeout    time.Duration

	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*POP3Session]struct{}
	sessionsWg          sync.WaitGroup
}

type POP3ServerOptions struct {
	Addr        string // plaintext endpoint; empty disables it
	TLSAddr     string // implicit-TLS endpoint; empty disables it
	TLSCertFile string
	TLSKeyFile  string
	TLSConfig   *tls.Config // overrides the certificate files when set

	MaxAuthErrors  int           // failed auth attempts before disconnect (0 = unlimited)
	AuthErrorDelay time.Duration // delay before each auth failure response
	IdleTimeout    time.Duration // 0 = default 5 minutes
}

func New(appCtx context.Context, hostname string, prov provider.Provider, options POP3ServerOptions) (*POP3Server, error) {
	serverCtx, serverCancel := context.WithCancel(appCtx)

	server := &POP3Server{
		hostname:       hostname,
		provider:       prov,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		addr:           options.Addr,
		tlsAddr:        options.TLSAddr,
		tlsConfig:      options.TLSConfig,
		maxAuthErrors:  options.MaxAuthErrors,
		authErrorDelay: options.AuthErrorDelay,
		idleTimeout:    options.IdleTimeout,
		activeSessions: make(map[*POP3Session]struct{}),
	}
	if server.idleTimeout == 0 {
		server.idleTimeout = 5 * time.Minute
	}

	if server.tlsConfig == nil && options.TLSCertFile != "" && options.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(options.TLSCertFile, options.TLSKeyFile)
		if err != nil {
			serverCancel()
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		server.tlsConfig = &tls.Config{
			Certificates:  []tls.Certificate{cert},
			MinVersion:    tls.VersionTLS12,
			ClientAuth:    tls.NoClientCert,
			ServerName:    hostname,
			NextProtos:    []string{"pop3"},
			Renegotiation: tls.RenegotiateNever,
		}
	}
	if server.tlsAddr != "" && server.tlsConfig == nil {
		serverCancel()
		return nil, fmt.Errorf("implicit-TLS endpoint %s requires a certificate", server.tlsAddr)
	}
	if server.addr == "" && server.tlsAddr == "" {
		serverCancel()
		return nil, fmt.Errorf("no listen address configured")
	}

	// The provider's push signal feeds observability only; session-level
	// activity detection is always the snapshot comparison.
	prov.RegisterActivityCallback(func(username string) {
		metrics.ActivitySignals.WithLabelValues("provider", "new").Inc()
		logger.Debug("mailbox activity", "backend", prov.Name(), "user", username)
	})

	return server, nil
}

// Listen binds the configured endpoints. Addresses may use port 0; the
// bound addresses are queryable afterwards via Addr and TLSAddr.
func (s *POP3Server) Listen() error {
	if s.addr != "" {
		listener, err := net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("failed to create listener: %w", err)
		}
		s.listener = listener
		logger.Info("POP3 server listening", "hostname", s.hostname, "addr", listener.Addr().String(), "tls", false)
	}
	if s.tlsAddr != "" {
		listener, err := net.Listen("tcp", s.tlsAddr)
		if err != nil {
			if s.listener != nil {
				s.listener.Close()
			}
			return fmt.Errorf("failed to create TLS listener: %w", err)
		}
		s.tlsListener = tls.NewListener(listener, s.tlsConfig)
		logger.Info("POP3 server listening", "hostname", s.hostname, "addr", listener.Addr().String(), "tls", true)
	}
	return nil
}

// Addr returns the bound plaintext address, or nil when disabled.
func (s *POP3Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// TLSAddr returns the bound implicit-TLS address, or nil when disabled.
func (s *POP3Server) TLSAddr() net.Addr {
	if s.tlsListener == nil {
		return nil
	}
	return s.tlsListener.Addr()
}

// Serve runs the accept loops until the context is cancelled or a fatal
// listener error occurs, which is reported on errChan.
func (s *POP3Server) Serve(errChan chan error) {
	go func() {
		<-s.appCtx.Done()
		logger.Debug("POP3 server stopping", "hostname", s.hostname)
		if s.listener != nil {
			s.listener.Close()
		}
		if s.tlsListener != nil {
			s.tlsListener.Close()
		}
	}()

	var wg sync.WaitGroup
	if s.listener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.acceptLoop(s.listener, "plain", errChan)
		}()
	}
	if s.tlsListener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.acceptLoop(s.tlsListener, "tls", errChan)
		}()
	}
	wg.Wait()
}

func (s *POP3Server) acceptLoop(listener net.Listener, label string, errChan chan error) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("POP3 listener stopped gracefully", "listener", label)
				return
			default:
				errChan <- err
				return
			}
		}

		sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

		totalCount := s.totalConnections.Add(1)
		metrics.ConnectionsTotal.WithLabelValues(label).Inc()
		metrics.ConnectionsCurrent.WithLabelValues(label).Inc()

		session := &POP3Session{
			server:    s,
			conn:      conn,
			reader:    bufio.NewReader(conn),
			writer:    bufio.NewWriter(conn),
			id:        idgen.New(),
			listener:  label,
			ctx:       sessionCtx,
			cancel:    sessionCancel,
			isTLS:     label == "tls",
			startTime: time.Now(),
		}
		session.log = logger.With(
			"protocol", "pop3",
			"session_id", session.id,
			"remote", conn.RemoteAddr().String(),
			"listener", label,
		)
		session.log.Debug("new connection", "total_connections", totalCount)

		s.addSession(session)
		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

// Close shuts the server down gracefully: nudge active sessions, cancel
// the context so the accept loops stop, and drain sessions with a timeout.
func (s *POP3Server) Close() {
	s.sendGracefulShutdownMessage()

	if s.cancel != nil {
		s.cancel()
	}

	s.waitForSessionsDrain(30 * time.Second)
}

func (s *POP3Server) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("POP3 sessions drained gracefully", "hostname", s.hostname)
	case <-time.After(timeout):
		logger.Debug("POP3 session drain timeout, forcing shutdown", "hostname", s.hostname, "timeout", timeout)
	}
}

func (s *POP3Server) addSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
}

func (s *POP3Server) removeSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

func (s *POP3Server) sendGracefulShutdownMessage() {
	s.activeSessionsMutex.RLock()
	activeSessions := make([]*POP3Session, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		activeSessions = append(activeSessions, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(activeSessions) == 0 {
		return
	}

	logger.Debug("POP3: notifying active connections of shutdown", "count", len(activeSessions))

	// Write directly to the sockets; the owning goroutines may be blocked
	// in a read.
	for _, session := range activeSessions {
		fmt.Fprint(session.conn, "-ERR Server shutting down, please reconnect\r\n")
	}

	// Give clients a brief moment to receive the message.
	time.Sleep(1 * time.Second)

	for _, session := range activeSessions {
		session.conn.Close()
	}
}

// GetTotalConnections returns the current total connection count.
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count.
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}
