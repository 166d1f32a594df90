// Package relay forwards accepted messages to an upstream SMTP server.
package relay

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
	"github.com/inbucket/rcptfilter/pkg/config"
	"github.com/inbucket/rcptfilter/pkg/metric"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Relay results reported to metric.RelayTotal.
const (
	resultSuccess   = "success"
	resultFailure   = "failure"
	resultDiscarded = "discarded"
)

// Error wraps an upstream failure with whether retrying could succeed.
type Error struct {
	Err       error
	Permanent bool // 5xx replies; network problems and 4xx replies are temporary.
}

func (e *Error) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a permanent delivery failure.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Permanent
	}
	var serr *smtp.SMTPError
	if errors.As(err, &serr) {
		return !serr.Temporary()
	}
	return false
}

// Deliverer sends a message on to its recipients.
type Deliverer interface {
	Deliver(from string, to []string, data []byte) error
}

// Relay delivers to the configured upstream.  With no upstream address, messages are logged
// and discarded.
type Relay struct {
	addr      string
	startTLS  bool
	tlsConfig *tls.Config
	localName string
	logger    zerolog.Logger
}

var _ Deliverer = &Relay{}

// New creates a Relay; localName is sent in EHLO.
func New(c config.Relay, localName string) *Relay {
	return &Relay{
		addr:     c.Addr,
		startTLS: c.StartTLS,
		tlsConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !c.TLSVerify,
		},
		localName: localName,
		logger:    log.With().Str("module", "relay").Str("upstream", c.Addr).Logger(),
	}
}

// Deliver sends data from the envelope sender to every recipient in one transaction.  An
// empty from is sent as the null reverse-path.
func (r *Relay) Deliver(from string, to []string, data []byte) (err error) {
	if r.addr == "" {
		metric.RelayTotal.WithLabelValues(resultDiscarded).Inc()
		r.logger.Info().Str("from", from).Strs("to", to).Int("size", len(data)).
			Msg("No upstream configured, discarding message")
		return nil
	}
	defer func() {
		if err != nil {
			metric.RelayTotal.WithLabelValues(resultFailure).Inc()
			r.logger.Warn().Err(err).Str("from", from).Strs("to", to).Msg("Relay failed")
			return
		}
		metric.RelayTotal.WithLabelValues(resultSuccess).Inc()
		r.logger.Debug().Str("from", from).Strs("to", to).Msg("Relayed message")
	}()

	c, err := smtp.Dial(r.addr)
	if err != nil {
		return &Error{Err: fmt.Errorf("connect: %w", err)}
	}
	defer c.Close()

	if r.localName != "" {
		if err := c.Hello(r.localName); err != nil {
			return &Error{Err: fmt.Errorf("hello: %w", err), Permanent: IsPermanent(err)}
		}
	}
	if r.startTLS {
		if err := c.StartTLS(r.tlsConfig); err != nil {
			return &Error{Err: fmt.Errorf("starttls: %w", err), Permanent: IsPermanent(err)}
		}
	}
	if err := c.Mail(from, nil); err != nil {
		return &Error{Err: fmt.Errorf("sender: %w", err), Permanent: IsPermanent(err)}
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &Error{Err: fmt.Errorf("recipient %s: %w", rcpt, err), Permanent: IsPermanent(err)}
		}
	}
	wc, err := c.Data()
	if err != nil {
		return &Error{Err: fmt.Errorf("data: %w", err), Permanent: IsPermanent(err)}
	}
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return &Error{Err: fmt.Errorf("write: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &Error{Err: fmt.Errorf("end data: %w", err), Permanent: IsPermanent(err)}
	}
	if err := c.Quit(); err != nil {
		// Message already accepted.
		r.logger.Debug().Err(err).Msg("QUIT failed")
	}
	return nil
}
