// Package test provides helpers shared by rcptfilter tests.
package test

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
)

// Received is a message captured by an Upstream server.
type Received struct {
	From string
	To   []string
	Data string
}

// Upstream is a go-smtp backend standing in for the mail server rcptfilter relays to.
type Upstream struct {
	// RcptErr, if set, is returned for every RCPT TO.
	RcptErr error

	mu       sync.Mutex
	messages []Received
}

var _ smtp.Backend = &Upstream{}

// StartUpstream serves u on a loopback port until the test completes, returning the
// listening address.
func StartUpstream(t *testing.T, u *Upstream) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := smtp.NewServer(u)
	srv.Domain = "upstream.test"
	srv.AllowInsecureAuth = true
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return l.Addr().String()
}

// NewSession implements smtp.Backend.
func (u *Upstream) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &upstreamSession{u: u}, nil
}

// Messages returns a copy of the messages received so far.
func (u *Upstream) Messages() []Received {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Received(nil), u.messages...)
}

type upstreamSession struct {
	u   *Upstream
	msg Received
}

func (s *upstreamSession) Mail(from string, _ *smtp.MailOptions) error {
	s.msg.From = from
	return nil
}

func (s *upstreamSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.u.RcptErr != nil {
		return s.u.RcptErr
	}
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *upstreamSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = string(b)
	s.u.mu.Lock()
	s.u.messages = append(s.u.messages, s.msg)
	s.u.mu.Unlock()
	return nil
}

func (s *upstreamSession) Reset()        { s.msg = Received{} }
func (s *upstreamSession) Logout() error { return nil }

// AuthPlain implements smtp.Session; the upstream does not support authentication.
func (s *upstreamSession) AuthPlain(username, password string) error {
	return smtp.ErrAuthUnsupported
}
