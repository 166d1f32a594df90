package smtp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/inbucket/rcptfilter/pkg/config"
	"github.com/inbucket/rcptfilter/pkg/extension"
	"github.com/inbucket/rcptfilter/pkg/extension/event"
	"github.com/inbucket/rcptfilter/pkg/filter"
	"github.com/inbucket/rcptfilter/pkg/policy"
	"github.com/inbucket/rcptfilter/pkg/rules"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptStep struct {
	send   string
	expect int
}

// delivery is a message captured by mockRelay.
type delivery struct {
	from string
	to   []string
	data string
}

// mockRelay records deliveries, failing with err when set.
type mockRelay struct {
	sync.Mutex
	deliveries []delivery
	err        error
}

func (m *mockRelay) Deliver(from string, to []string, data []byte) error {
	m.Lock()
	defer m.Unlock()
	if m.err != nil {
		return m.err
	}
	m.deliveries = append(m.deliveries, delivery{from: from, to: to, data: string(data)})
	return nil
}

func (m *mockRelay) Deliveries() []delivery {
	m.Lock()
	defer m.Unlock()
	return append([]delivery(nil), m.deliveries...)
}

// Test valid commands in GREET state.
func TestGreetStateValidCommands(t *testing.T) {
	server := setupSMTPServer(&mockRelay{}, extension.NewHost())

	tests := []scriptStep{
		{"HELO mydomain", 250},
		{"HELO mydom.com", 250},
		{"HelO mydom.com", 250},
		{"helo 127.0.0.1", 250},
		{"HELO ABC", 250},
		{"EHLO mydomain", 250},
		{"EHLO mydom.com", 250},
		{"EhlO mydom.com", 250},
		{"ehlo 127.0.0.1", 250},
		{"EHLO a", 250},
	}

	for _, tc := range tests {
		t.Run(tc.send, func(t *testing.T) {
			script := []scriptStep{
				tc,
				{"QUIT", 221}}
			playSession(t, server, script)
		})
	}
}

// Test invalid commands in GREET state.
func TestGreetState(t *testing.T) {
	server := setupSMTPServer(&mockRelay{}, extension.NewHost())

	tests := []scriptStep{
		{"HELO", 501},
		{"EHLO", 501},
		{"HELLO", 500},
		{"HELL", 500},
		{"hello", 500},
		{"Outlook", 500},
		{"MAIL FROM:<john@gmail.com>", 503},
	}

	for _, tc := range tests {
		t.Run(tc.send, func(t *testing.T) {
			script := []scriptStep{
				tc,
				{"QUIT", 221}}
			playSession(t, server, script)
		})
	}
}

// The null reverse-path is used by bounces and must be accepted.
func TestNullReversePath(t *testing.T) {
	server := setupSMTPServer(&mockRelay{}, extension.NewHost())

	playSession(t, server, []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
	})
	playSession(t, server, []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM: <>", 250},
	})
}

func TestAuthNotImplemented(t *testing.T) {
	server := setupSMTPServer(&mockRelay{}, extension.NewHost())

	playSession(t, server, []scriptStep{
		{"EHLO localhost", 250},
		{"AUTH PLAIN aW5idWNrZXQ6cGFzc3dvcmQK", 502},
		{"AUTH LOGIN", 502},
		{"MAIL FROM:<john@gmail.com>", 250},
	})
}

// Test TLS commands.
func TestTLS(t *testing.T) {
	server := setupSMTPServer(&mockRelay{}, extension.NewHost())

	// Test Start TLS parsing.
	script := []scriptStep{
		{"HELO localhost", 250},
		{"STARTTLS", 454}, // TLS unconfigured.
	}

	playSession(t, server, script)
}

// Test valid commands in READY state.
func TestReadyStateValidCommands(t *testing.T) {
	server := setupSMTPServer(&mockRelay{}, extension.NewHost())

	// Test out some valid MAIL commands
	tests := []scriptStep{
		{"MAIL FROM:<john@gmail.com>", 250},
		{"MAIL FROM: <john@gmail.com>", 250},
		{"MAIL FROM: <john@gmail.com> BODY=8BITMIME", 250},
		{"MAIL FROM:<john@gmail.com> SIZE=1024", 250},
		{"MAIL FROM:<john@gmail.com> SIZE=1024 BODY=8BITMIME", 250},
		{"MAIL FROM:<bounces@onmicrosoft.com> SIZE=4096 AUTH=<>", 250},
		{"MAIL FROM:<b@o.com> SIZE=4096 AUTH=<> BODY=7BIT", 250},
		{"MAIL FROM:<host!host!user/data@foo.com>", 250},
		{"MAIL FROM:<\"first last\"@space.com>", 250},
		{"MAIL FROM:<user\\@internal@external.com>", 250},
		{"MAIL FROM:<user\\>name@host.com>", 250},
		{"MAIL FROM:<\"user>name\"@host.com>", 250},
		{"MAIL FROM:<\"user@internal\"@external.com>", 250},
	}

	for _, tc := range tests {
		t.Run(tc.send, func(t *testing.T) {
			script := []scriptStep{
				{"HELO localhost", 250},
				tc,
				{"QUIT", 221}}
			playSession(t, server, script)
		})
	}
}

// Test invalid commands in READY state.
func TestReadyStateInvalidCommands(t *testing.T) {
	server := setupSMTPServer(&mockRelay{}, extension.NewHost())

	tests := []scriptStep{
		{"FOOB", 500},
		{"HELO", 503},
		{"DATA", 503},
		{"MAIL", 501},
		{"MAIL FROM john@gmail.com", 501},
		{"MAIL FROM:john@gmail.com", 501},
		{"MAIL FROM:<john@gmail.com> SIZE=147KB", 501},
		{"MAIL FROM: <john@gmail.com> SIZE147", 501},
		{"MAIL FROM:<john@gmail.com> SIZE=9999", 552},
		{"MAIL FROM:<first@last@gmail.com>", 501},
		{"MAIL FROM:<first last@gmail.com>", 501},
		{"MAIL FROM:<john>", 501},
	}

	for _, tc := range tests {
		t.Run(tc.send, func(t *testing.T) {
			script := []scriptStep{
				{"HELO localhost", 250},
				tc,
				{"QUIT", 221}}
			playSession(t, server, script)
		})
	}
}

// Test commands in MAIL state
func TestMailState(t *testing.T) {
	server := setupSMTPServer(&mockRelay{}, extension.NewHost())

	// Test out some mangled READY commands
	script := []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"FOOB", 500},
		{"HELO", 503},
		{"DATA", 503},
		{"MAIL", 503},
		{"RCPT", 501},
		{"RCPT TO", 501},
		{"RCPT TO james@gmail.com", 501},
		{"RCPT TO:<first last@host.com>", 501},
		{"RCPT TO:<fred@fish@host.com", 501},
		{"RCPT TO:<nodomain>", 501},
		{"RCPT TO:<u1@gmail.com>NOTIFY=NEVER", 501},
		{"RCPT TO:<u1@gmail.com> NOTIFY", 501},
	}
	playSession(t, server, script)

	// Test out some good RCPT commands
	script = []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"RCPT TO: <u2@gmail.com>", 250},
		{"RCPT TO:u3@gmail.com", 250},
		{"RCPT TO:u3@deny.com", 550},
		{"RCPT TO: u4@GMAIL.com", 250},
		{"RSET", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{`RCPT TO:<"first/last"@host.com>`, 250},
		{"RCPT TO:<u5@gmail.com> NOTIFY=NEVER", 250},
		{"RCPT TO:<u6@gmail.com> NOTIFY=SUCCESS ORCPT=rfc822 ", 250},
	}
	playSession(t, server, script)

	// Test out recipient limit
	script = []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"RCPT TO:<u2@gmail.com>", 250},
		{"RCPT TO:<u3@gmail.com>", 250},
		{"RCPT TO:<u4@gmail.com>", 250},
		{"RCPT TO:<u5@gmail.com>", 250},
		{"RCPT TO:<u6@gmail.com>", 552},
	}
	playSession(t, server, script)

	// Test DATA
	script = []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"DATA", 354},
		{".", 250},
	}
	playSession(t, server, script)

	// Test late EHLO, similar to RSET
	script = []scriptStep{
		{"EHLO localhost", 250},
		{"EHLO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"EHLO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
	}
	playSession(t, server, script)

	// Test RSET
	script = []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"RSET", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
	}
	playSession(t, server, script)

	// Test QUIT
	script = []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"QUIT", 221},
	}
	playSession(t, server, script)
}

// Test commands in DATA state
func TestDataState(t *testing.T) {
	mr := &mockRelay{}
	server := setupSMTPServer(mr, extension.NewHost())

	c := startSession(t, server)
	playScriptAgainst(t, c, []scriptStep{
		{"HELO client.example", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"RCPT TO:<u2@gmail.com>", 250},
		{"DATA", 354},
	})

	// Send a message
	body := "To: u1@gmail.com\r\nFrom: john@gmail.com\r\nSubject: test\r\n\r\nHi!\r\n"
	sendData(t, c, body, 250)
	_, _ = c.Cmd("QUIT")
	_, _, _ = c.ReadCodeLine(221)

	got := mr.Deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "john@gmail.com", got[0].from)
	assert.Equal(t, []string{"u1@gmail.com", "u2@gmail.com"}, got[0].to)
	assert.Contains(t, got[0].data, "Received: from client.example ([pipe]) by rcptfilter.local")
	assert.Contains(t, got[0].data, "for <u1@gmail.com>, <u2@gmail.com>;")
	assert.Contains(t, got[0].data, "Subject: test")
}

func TestDataStateOversized(t *testing.T) {
	mr := &mockRelay{}
	server := setupSMTPServer(mr, extension.NewHost())

	c := startSession(t, server)
	playScriptAgainst(t, c, []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"DATA", 354},
	})
	body := make([]byte, 6000)
	for i := range body {
		body[i] = 'x'
	}
	sendData(t, c, string(body)+"\r\n", 552)
	playScriptAgainst(t, c, []scriptStep{{"MAIL FROM:<john@gmail.com>", 250}})
	assert.Empty(t, mr.Deliveries())
}

func TestDataStateRelayFailure(t *testing.T) {
	tcs := map[string]struct {
		err    error
		expect int
	}{
		"temporary": {err: errors.New("connection refused"), expect: 451},
		"permanent": {err: &gosmtp.SMTPError{Code: 550, Message: "no"}, expect: 554},
	}
	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			server := setupSMTPServer(&mockRelay{err: tc.err}, extension.NewHost())
			c := startSession(t, server)
			playScriptAgainst(t, c, []scriptStep{
				{"HELO localhost", 250},
				{"MAIL FROM:<john@gmail.com>", 250},
				{"RCPT TO:<u1@gmail.com>", 250},
				{"DATA", 354},
			})
			sendData(t, c, "Subject: x\r\n\r\nbody\r\n", tc.expect)
			// Session is reset and usable.
			playScriptAgainst(t, c, []scriptStep{{"MAIL FROM:<john@gmail.com>", 250}})
		})
	}
}

// Tests "RCPT TO" emits BeforeRcptToAccepted event.
func TestBeforeRcptToAcceptedEventEmitted(t *testing.T) {
	extHost := extension.NewHost()
	server := setupSMTPServer(&mockRelay{}, extHost)

	var got []event.Recipient
	extHost.Events.BeforeRcptToAccepted.AddListener(
		"test",
		func(r event.Recipient) *event.RcptResponse {
			got = append(got, r)
			return nil
		})

	playSession(t, server, []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<user@gmail.com>", 250},
		{"RCPT TO:<user2@gmail.com>", 250},
		{"QUIT", 221}})

	require.Len(t, got, 2)
	assert.Equal(t, "user@gmail.com", got[0].Address.Address)
	assert.Equal(t, "user2@gmail.com", got[1].Address.Address)
	require.NotNil(t, got[0].From)
	assert.Equal(t, "john@gmail.com", got[0].From.Address)
	assert.Equal(t, "pipe", got[0].RemoteAddr)
}

func TestRcptParamsStripped(t *testing.T) {
	extHost := extension.NewHost()
	server := setupSMTPServer(&mockRelay{}, extHost)

	var got []string
	extHost.Events.BeforeRcptToAccepted.AddListener(
		"test",
		func(r event.Recipient) *event.RcptResponse {
			got = append(got, r.Address.Address)
			return nil
		})

	playSession(t, server, []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<user@gmail.com> NOTIFY=NEVER", 250},
		{"RCPT TO: <user2@gmail.com> ORCPT=rfc822", 250},
		{"QUIT", 221}})

	assert.Equal(t, []string{"user@gmail.com", "user2@gmail.com"}, got)
}

// Test "RCPT TO" acts on BeforeRcptToAccepted event result.
func TestBeforeRcptToAcceptedEventResponse(t *testing.T) {
	extHost := extension.NewHost()
	server := setupSMTPServer(&mockRelay{}, extHost)

	var shouldReturn *event.RcptResponse
	extHost.Events.BeforeRcptToAccepted.AddListener(
		"test",
		func(event.Recipient) *event.RcptResponse {
			return shouldReturn
		})

	tcs := map[string]struct {
		script   scriptStep         // Command to send and SMTP code expected.
		eventRes event.RcptResponse // Response to send from event listener.
	}{
		"allow": {
			script:   scriptStep{"RCPT TO:<john@gmail.com>", 250},
			eventRes: event.RcptResponse{Action: event.ActionAllow},
		},
		"allow overrides domain policy": {
			script:   scriptStep{"RCPT TO:<john@deny.com>", 250},
			eventRes: event.RcptResponse{Action: event.ActionAllow},
		},
		"deny": {
			script: scriptStep{"RCPT TO:<john@gmail.com>", 550},
			eventRes: event.RcptResponse{
				Action:       event.ActionDeny,
				ErrorCode:    550,
				EnhancedCode: "5.1.1",
				ErrorMsg:     "meh",
			},
		},
		"defer": {
			script:   scriptStep{"RCPT TO:<john@gmail.com>", 250},
			eventRes: event.RcptResponse{Action: event.ActionDefer},
		},
		"defer to domain policy": {
			script:   scriptStep{"RCPT TO:<john@deny.com>", 550},
			eventRes: event.RcptResponse{Action: event.ActionDefer},
		},
		"rewrite": {
			script:   scriptStep{"RCPT TO:<john@deny.com>", 250},
			eventRes: event.RcptResponse{Action: event.ActionRewrite, Rewrite: "john@gmail.com"},
		},
		"bad rewrite": {
			script:   scriptStep{"RCPT TO:<john@gmail.com>", 451},
			eventRes: event.RcptResponse{Action: event.ActionRewrite, Rewrite: "not an address"},
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			shouldReturn = &tc.eventRes

			script := []scriptStep{
				{"HELO localhost", 250},
				{"MAIL FROM:<user@gmail.com>", 250},
				tc.script, // error code is the significant part.
				{"QUIT", 221}}
			playSession(t, server, script)
		})
	}
}

func TestDenyResponseText(t *testing.T) {
	assert.Equal(t, "500 Recipient blocked",
		rcptReply(&event.RcptResponse{ErrorCode: 500, ErrorMsg: "Recipient blocked"}))
	assert.Equal(t, "550 5.1.1 meh",
		rcptReply(&event.RcptResponse{ErrorCode: 550, EnhancedCode: "5.1.1", ErrorMsg: "meh"}))
}

// End to end through the recipient filter.
func TestFilteredSession(t *testing.T) {
	store := rules.NewStore(rules.NewLoader(policy.ValidAddress, false))
	_, err := store.TryReload(rules.Static{
		{Kind: rules.KindBan, Address: "john.spam@domain.com"},
		{Kind: rules.KindRedirect, Pattern: `^john.*@domain\.com$`, Address: "john@domain.com"},
		{Kind: rules.KindRedirect, Pattern: `^sales.*@`, Address: "sales@gmail.com"},
	})
	require.NoError(t, err)

	extHost := extension.NewHost()
	filter.NewService(store, nil).Register(extHost)
	mr := &mockRelay{}
	server := setupSMTPServer(mr, extHost)

	c := startSession(t, server)
	playScriptAgainst(t, c, []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<sender@gmail.com>", 250},
		{"RCPT TO:<john.spam@domain.com>", 500},
		{"RCPT TO:<john.spam@domain.com> NOTIFY=NEVER", 500},
		{"RCPT TO:<John.West@domain.com>", 250},
		{"RCPT TO:<john.east@domain.com>", 250},
		{"RCPT TO:<mary@domain.com>", 250},
		{"RCPT TO:<sales@deny.com>", 250},
		{"RCPT TO:<mary@deny.com>", 550},
		{"DATA", 354},
	})
	sendData(t, c, "Subject: hi\r\n\r\nbody\r\n", 250)
	_, _ = c.Cmd("QUIT")
	_, _, _ = c.ReadCodeLine(221)

	got := mr.Deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, []string{"john@domain.com", "mary@domain.com", "sales@gmail.com"}, got[0].to)
}

// startSession creates a new session and reads the greeting.
func startSession(t *testing.T, server *Server) *textproto.Conn {
	t.Helper()
	pipe := setupSMTPSession(t, server)
	c := textproto.NewConn(pipe)
	if code, _, err := c.ReadCodeLine(220); err != nil {
		t.Fatalf("expected a 220 greeting, got %v", code)
	}
	return c
}

// sendData writes a dot-terminated message body and checks the reply code.
func sendData(t *testing.T, c *textproto.Conn, body string, expect int) {
	t.Helper()
	dw := c.DotWriter()
	_, _ = io.WriteString(dw, body)
	_ = dw.Close()
	if code, msg, err := c.ReadCodeLine(expect); err != nil {
		t.Fatalf("expected %v after DATA, got %v: %q", expect, code, msg)
	}
}

// playSession creates a new session, reads the greeting and then plays the script
func playSession(t *testing.T, server *Server, script []scriptStep) {
	t.Helper()
	c := startSession(t, server)

	playScriptAgainst(t, c, script)

	// Not all tests leave the session in a clean state, so the following two calls can fail
	_, _ = c.Cmd("QUIT")
	_, _, _ = c.ReadCodeLine(221)
}

// playScriptAgainst an existing connection, does not handle server greeting
func playScriptAgainst(t *testing.T, c *textproto.Conn, script []scriptStep) {
	t.Helper()

	for i, step := range script {
		id, err := c.Cmd("%s", step.send)
		if err != nil {
			t.Fatalf("Step %d, failed to send %q: %v", i, step.send, err)
		}

		c.StartResponse(id)
		code, msg, err := c.ReadResponse(step.expect)
		if err != nil {
			err = fmt.Errorf("Step %d, sent %q, expected %v, got %v: %q",
				i, step.send, step.expect, code, msg)
		}
		c.EndResponse(id)

		if err != nil {
			// Fail after c.EndResponse so we don't hang the connection
			t.Fatal(err)
		}
	}
}

// net.Pipe does not implement deadlines
type mockConn struct {
	net.Conn
}

func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// Creates an unstarted smtp.Server.
func setupSMTPServer(deliverer *mockRelay, extHost *extension.Host) *Server {
	cfg := config.SMTP{
		Addr:            "127.0.0.1:2500",
		Domain:          "rcptfilter.local",
		MaxRecipients:   5,
		MaxMessageBytes: 5000,
		AcceptDomains:   []string{"gmail.com", "domain.com", "host.com"},
		Timeout:         5 * time.Second,
	}

	// Create a server, but don't start it.
	return NewServer(cfg, extHost, deliverer)
}

var sessionNum int

func setupSMTPSession(t *testing.T, server *Server) net.Conn {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		_ = clientConn.Close()

		// Drain is required to prevent a test-logging data race. If a (failing) test run is
		// hanging, this may be the culprit.
		server.Drain()
	})

	// Start the session.
	sessionNum++
	go server.startSession(sessionNum, &mockConn{serverConn}, logger)

	return clientConn
}
