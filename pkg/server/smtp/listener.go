package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/inbucket/rcptfilter/pkg/config"
	"github.com/inbucket/rcptfilter/pkg/extension"
	"github.com/inbucket/rcptfilter/pkg/policy"
	"github.com/inbucket/rcptfilter/pkg/relay"
	"github.com/rs/zerolog/log"
)

// Server holds the configuration and state of our SMTP server.
type Server struct {
	config     config.SMTP        // SMTP configuration.
	addrPolicy *policy.Addressing // Address policy.
	extHost    *extension.Host    // Extension host, the recipient filter listens here.
	relay      relay.Deliverer    // Forwards accepted messages.
	listener   net.Listener       // Incoming network connections.
	wg         *sync.WaitGroup    // Waitgroup tracks individual sessions.
	tlsConfig  *tls.Config        // TLS encryption configuration.
	notify     chan error         // Notify on fatal error.
}

// NewServer creates a new, unstarted, SMTP server instance with the specified config.
func NewServer(
	smtpConfig config.SMTP,
	extHost *extension.Host,
	deliverer relay.Deliverer,
) *Server {
	slog := log.With().Str("module", "smtp").Str("phase", "tls").Logger()
	tlsConfig := &tls.Config{}
	if smtpConfig.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(smtpConfig.TLSCert, smtpConfig.TLSPrivKey)
		if err != nil {
			slog.Error().Err(err).Msg("Failed loading X509 KeyPair, disabling STARTTLS support")
			smtpConfig.TLSEnabled = false
			smtpConfig.ForceTLS = false
		} else {
			tlsConfig.Certificates = []tls.Certificate{cert}
			slog.Debug().Msg("STARTTLS feature available")
		}
	}

	return &Server{
		config:     smtpConfig,
		addrPolicy: &policy.Addressing{Config: smtpConfig},
		extHost:    extHost,
		relay:      deliverer,
		wg:         new(sync.WaitGroup),
		tlsConfig:  tlsConfig,
		notify:     make(chan error, 1),
	}
}

// Start the listener and handle incoming connections.  readyFunc is called once the listener
// is accepting connections.
func (s *Server) Start(ctx context.Context, readyFunc func()) {
	slog := log.With().Str("module", "smtp").Str("phase", "startup").Logger()
	addr, err := net.ResolveTCPAddr("tcp4", s.config.Addr)
	if err != nil {
		slog.Error().Err(err).Msg("Failed to build tcp4 address")
		s.notify <- err
		close(s.notify)
		return
	}
	slog.Info().Str("addr", addr.String()).Msg("SMTP listening on tcp4")
	if s.config.ForceTLS {
		s.listener, err = tls.Listen("tcp4", addr.String(), s.tlsConfig)
	} else {
		s.listener, err = net.ListenTCP("tcp4", addr)
	}
	if err != nil {
		slog.Error().Err(err).Msg("Failed to start tcp4 listener")
		s.notify <- err
		close(s.notify)
		return
	}
	if readyFunc != nil {
		readyFunc()
	}

	// Listener go routine.
	go s.serve(ctx)

	// Wait for shutdown.
	<-ctx.Done()
	slog = log.With().Str("module", "smtp").Str("phase", "shutdown").Logger()
	slog.Debug().Msg("SMTP shutdown requested, connections will be drained")

	// Closing the listener will cause the serve() go routine to exit.
	if err := s.listener.Close(); err != nil {
		slog.Error().Err(err).Msg("Failed to close SMTP listener")
	}
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// serve is the listen/accept loop.
func (s *Server) serve(ctx context.Context) {
	// Handle incoming connections.
	var tempDelay time.Duration
	for sessionID := 1; ; sessionID++ {
		conn, err := s.listener.Accept()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				// Temporary error, sleep for a bit and try again.
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Error().Str("module", "smtp").Err(err).
					Msgf("SMTP accept error; retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			}

			// Permanent error.
			select {
			case <-ctx.Done():
				// SMTP is shutting down.
				return
			default:
				// Something went wrong.
				s.notify <- err
				close(s.notify)
				return
			}
		}

		tempDelay = 0
		go s.startSession(sessionID, conn, log.Logger)
	}
}

// Drain causes the caller to block until all active SMTP sessions have finished
func (s *Server) Drain() {
	// Wait for sessions to close.
	s.wg.Wait()
	log.Debug().Str("module", "smtp").Str("phase", "shutdown").Msg("SMTP connections have drained")
}

// Notify allows the running SMTP server to be monitored for a fatal error.
func (s *Server) Notify() <-chan error {
	return s.notify
}
