package smtp

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/inbucket/rcptfilter/pkg/extension/event"
	"github.com/inbucket/rcptfilter/pkg/metric"
	"github.com/inbucket/rcptfilter/pkg/policy"
	"github.com/inbucket/rcptfilter/pkg/relay"
	"github.com/rs/zerolog"
)

// State tracks the current mode of our SMTP state machine.
type State int

const (
	// GREET State: Waiting for HELO
	GREET State = iota
	// READY State: Got HELO, waiting for MAIL
	READY
	// MAIL State: Got MAIL, accepting RCPTs
	MAIL
	// DATA State: Got DATA, waiting for "."
	DATA
	// QUIT State: Client requested end of session
	QUIT
)

// fromRegex captures the from address and optional parameters.  Matches FROM, while accepting '>'
// as quoted pair and in double quoted strings (?i) makes the regex case insensitive, (?:) is
// non-grouping sub-match.  Accepts empty angle bracket value in options for 'AUTH=<>'.
var fromRegex = regexp.MustCompile(
	`(?i)^FROM:\s*<((?:(?:\\>|[^>])+|"[^"]+"@[^>])+)?>( ([\w= ]|=<>)+)?$`)

// argRegex splits ESMTP parameters.
var argRegex = regexp.MustCompile(` (\w+)=(\w+|<>)`)

func (s State) String() string {
	switch s {
	case GREET:
		return "GREET"
	case READY:
		return "READY"
	case MAIL:
		return "MAIL"
	case DATA:
		return "DATA"
	case QUIT:
		return "QUIT"
	}
	return "Unknown"
}

var commands = map[string]bool{
	"HELO":     true,
	"EHLO":     true,
	"MAIL":     true,
	"RCPT":     true,
	"DATA":     true,
	"RSET":     true,
	"SEND":     true,
	"SOML":     true,
	"SAML":     true,
	"VRFY":     true,
	"EXPN":     true,
	"HELP":     true,
	"NOOP":     true,
	"QUIT":     true,
	"TURN":     true,
	"STARTTLS": true,
	"AUTH":     true,
}

// envelopeRecipient is an accepted RCPT TO, with the address mail will be relayed to.
type envelopeRecipient struct {
	requested string // Address given by the client.
	deliverTo string // Address after any redirect.
}

// Session holds the state of an SMTP session
type Session struct {
	*Server                          // Server this session belongs to.
	id           int                 // Session ID.
	conn         net.Conn            // TCP connection.
	remoteDomain string              // Remote domain from HELO command.
	remoteHost   string              // Remote host.
	sendError    error               // Last network send error.
	state        State               // Session state machine.
	reader       *bufio.Reader       // Buffered reading for TCP conn.
	from         *mail.Address       // Sender from MAIL command, nil for the null reverse-path.
	recipients   []envelopeRecipient // Recipients from RCPT commands.
	logger       zerolog.Logger      // Session specific logger.
	debug        bool                // Print network traffic to stdout.
	tlsState     *tls.ConnectionState
	text         *textproto.Conn
}

// NewSession creates a new Session for the given connection
func NewSession(server *Server, id int, conn net.Conn, logger zerolog.Logger) *Session {
	reader := bufio.NewReader(conn)

	remoteHost := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(remoteHost); err == nil {
		remoteHost = host
	}

	session := &Session{
		Server:     server,
		id:         id,
		conn:       conn,
		state:      GREET,
		reader:     reader,
		remoteHost: remoteHost,
		recipients: make([]envelopeRecipient, 0),
		logger:     logger,
		debug:      server.config.Debug,
		text:       textproto.NewConn(conn),
	}
	if tlsConn, ok := conn.(*tls.Conn); ok && server.config.ForceTLS {
		session.tlsState = new(tls.ConnectionState)
		*session.tlsState = tlsConn.ConnectionState()
	}
	return session
}

func (s *Session) String() string {
	return fmt.Sprintf("Session{id: %v, state: %v}", s.id, s.state)
}

// Session flow:
//  1. Send initial greeting
//  2. Receive cmd
//  3. If good cmd, respond, optionally change state
//  4. If bad cmd, respond error
//  5. Goto 2
func (s *Server) startSession(id int, conn net.Conn, logger zerolog.Logger) {
	logger = logger.Hook(logHook{}).With().
		Str("module", "smtp").
		Str("remote", conn.RemoteAddr().String()).
		Int("session", id).Logger()
	logger.Info().Msg("Starting SMTP session")

	// Update WaitGroup and counters.
	s.wg.Add(1)
	metric.SMTPConnectsCurrent.Inc()
	metric.SMTPConnectsTotal.Inc()
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn().Err(err).Msg("Closing connection")
		}
		s.wg.Done()
		metric.SMTPConnectsCurrent.Dec()
	}()

	ssn := NewSession(s, id, conn, logger)
	ssn.greet()

	// This is our command reading loop
	for ssn.state != QUIT && ssn.sendError == nil {
		if ssn.state == DATA {
			// Special case, does not use SMTP command format
			ssn.dataHandler()
			continue
		}
		line, err := ssn.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				switch ssn.state {
				case GREET, READY:
					// EOF is common here
					ssn.logger.Info().Msgf("Client closed connection (state %v)", ssn.state)
				default:
					ssn.logger.Warn().Msgf("Got EOF while in state %v", ssn.state)
				}
				break
			}
			// Not an EOF
			ssn.logger.Warn().Msgf("Connection error: %v", err)
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				ssn.send("221 Idle timeout, bye bye")
				break
			}
			ssn.send("221 Connection error, sorry")
			break
		}

		cmd, arg, ok := ssn.parseCmd(line)
		if !ok {
			ssn.send("500 Syntax error, command garbled")
			continue
		}
		// Check against valid SMTP commands
		if cmd == "" {
			ssn.send("500 Speak up")
			continue
		}
		if !commands[cmd] {
			ssn.send(fmt.Sprintf("500 Syntax error, %v command unrecognized", cmd))
			ssn.logger.Warn().Msgf("Unrecognized command: %v", cmd)
			continue
		}

		// Commands we handle in any state
		switch cmd {
		case "SEND", "SOML", "SAML", "EXPN", "HELP", "TURN", "AUTH":
			// These commands are not implemented in any state
			ssn.send(fmt.Sprintf("502 %v command not implemented", cmd))
			ssn.logger.Warn().Msgf("Command %v not implemented", cmd)
			continue
		case "VRFY":
			ssn.send("252 Cannot VRFY user, but will accept message")
			continue
		case "NOOP":
			ssn.send("250 I have successfully done nothing")
			continue
		case "RSET":
			// Reset session
			ssn.logger.Debug().Msgf("Resetting session state on RSET request")
			ssn.reset()
			ssn.send("250 Session reset")
			continue
		case "QUIT":
			ssn.send("221 Goodnight and good luck")
			ssn.enterState(QUIT)
			continue
		}

		// Send command to handler for current state
		switch ssn.state {
		case GREET:
			ssn.greetHandler(cmd, arg)
		case READY:
			ssn.readyHandler(cmd, arg)
		case MAIL:
			ssn.mailHandler(cmd, arg)
		default:
			ssn.logger.Error().Msgf("Session entered unexpected state %v", ssn.state)
			ssn.enterState(QUIT)
		}
	}
	if ssn.sendError != nil {
		ssn.logger.Warn().Msgf("Network send error: %v", ssn.sendError)
	}
	ssn.logger.Info().Msgf("Closing connection")
}

// GREET state -> waiting for HELO
func (s *Session) greetHandler(cmd string, arg string) {
	const readyBanner = "Great, let's get this show on the road"
	switch cmd {
	case "HELO":
		domain, err := parseHelloArgument(arg)
		if err != nil {
			s.send("501 Domain/address argument required for HELO")
			return
		}
		s.remoteDomain = domain
		s.send("250 " + readyBanner)
		s.enterState(READY)
	case "EHLO":
		domain, err := parseHelloArgument(arg)
		if err != nil {
			s.send("501 Domain/address argument required for EHLO")
			return
		}
		s.remoteDomain = domain
		// Features before SIZE per RFC
		s.send("250-" + readyBanner)
		s.send("250-8BITMIME")
		if s.config.TLSEnabled && !s.config.ForceTLS && s.tlsConfig != nil && s.tlsState == nil {
			s.send("250-STARTTLS")
		}
		s.send(fmt.Sprintf("250 SIZE %v", s.config.MaxMessageBytes))
		s.enterState(READY)
	default:
		s.ooSeq(cmd)
	}
}

func parseHelloArgument(arg string) (string, error) {
	domain := arg
	if idx := strings.IndexRune(arg, ' '); idx >= 0 {
		domain = arg[:idx]
	}
	if domain == "" {
		return "", errors.New("invalid domain")
	}
	return domain, nil
}

// READY state -> waiting for MAIL
func (s *Session) readyHandler(cmd string, arg string) {
	switch cmd {
	case "STARTTLS":
		if !s.config.TLSEnabled {
			// Invalid command since TLS unconfigured.
			s.logger.Debug().Msgf("454 TLS unavailable on the server")
			s.send("454 TLS unavailable on the server")
			return
		}
		if s.tlsState != nil {
			// TLS state previously valid.
			s.logger.Debug().Msg("454 A TLS session already agreed upon.")
			s.send("454 A TLS session already agreed upon.")
			return
		}
		s.logger.Debug().Msg("Initiating TLS context.")

		// Start TLS connection handshake.
		s.send("220 STARTTLS")
		tlsConn := tls.Server(s.conn, s.tlsConfig)
		s.conn = tlsConn
		s.text = textproto.NewConn(s.conn)
		s.tlsState = new(tls.ConnectionState)
		*s.tlsState = tlsConn.ConnectionState()
		s.enterState(GREET)

	case "MAIL":
		s.parseMailFromCmd(arg)

	case "EHLO":
		// Reset session
		s.logger.Debug().Msgf("Resetting session state on EHLO request")
		s.reset()
		s.send("250 Session reset")

	default:
		s.ooSeq(cmd)
	}
}

// Parses `MAIL FROM` command.
func (s *Session) parseMailFromCmd(arg string) {
	// Capture group 1: from address. 2: optional params.
	m := fromRegex.FindStringSubmatch(arg)
	if m == nil {
		s.send("501 Was expecting MAIL arg syntax of FROM:<address>")
		s.logger.Warn().Msgf("Bad MAIL argument: %q", arg)
		return
	}
	from := m[1]
	s.logger.Debug().Msgf("Mail sender is %v", from)

	// Parse ESMTP parameters.
	if m[2] != "" {
		// BODY=8BITMIME is accepted and ignored, DATA is read as bytes.
		args, ok := s.parseArgs(m[2])
		if !ok {
			s.send("501 Unable to parse MAIL ESMTP parameters")
			s.logger.Warn().Msgf("Bad MAIL argument: %q", arg)
			return
		}

		// Reject oversized messages.
		if args["SIZE"] != "" {
			size, err := strconv.ParseInt(args["SIZE"], 10, 32)
			if err != nil {
				s.send("501 Unable to parse SIZE as an integer")
				s.logger.Warn().Msgf("Unable to parse SIZE %q as an integer", args["SIZE"])
				return
			}
			if int(size) > s.config.MaxMessageBytes {
				s.send("552 Max message size exceeded")
				s.logger.Warn().Msgf("Client wanted to send oversized message: %v", args["SIZE"])
				return
			}
		}
	}

	// An empty reverse-path is used for bounces and must be accepted.
	s.from = nil
	if from != "" {
		if _, _, err := policy.ParseEmailAddress(from); err != nil {
			s.send("501 Bad sender address syntax")
			s.logger.Warn().Str("from", from).Err(err).Msg("Bad address as MAIL arg")
			return
		}
		s.from = &mail.Address{Address: from}
	}

	// Ok to transition to MAIL state.
	s.logger.Info().Msgf("Mail from: <%v>", from)
	s.send(fmt.Sprintf("250 Roger, accepting mail from <%v>", from))
	s.enterState(MAIL)
}

// MAIL state -> waiting for RCPTs followed by DATA
func (s *Session) mailHandler(cmd string, arg string) {
	switch cmd {
	case "RCPT":
		s.parseRcptToCmd(arg)
		return
	case "DATA":
		if arg != "" {
			s.send("501 DATA command should not have any arguments")
			s.logger.Warn().Msgf("Got unexpected args on DATA: %q", arg)
			return
		}
		if len(s.recipients) == 0 {
			// DATA out of sequence
			s.ooSeq(cmd)
			return
		}
		s.enterState(DATA)
		return
	case "EHLO":
		// Reset session
		s.logger.Debug().Msgf("Resetting session state on EHLO request")
		s.reset()
		s.send("250 Session reset")
		return
	}
	s.ooSeq(cmd)
}

// Parses `RCPT TO` and runs the recipient through the extension host.
func (s *Session) parseRcptToCmd(arg string) {
	if (len(arg) < 4) || (strings.ToUpper(arg[0:3]) != "TO:") {
		s.send("501 Was expecting RCPT arg syntax of TO:<address>")
		s.logger.Warn().Msgf("Bad RCPT argument: %q", arg)
		return
	}
	addr, params, ok := splitRcptArg(arg[3:])
	if !ok {
		s.send("501 Was expecting RCPT arg syntax of TO:<address>")
		s.logger.Warn().Msgf("Bad RCPT argument: %q", arg)
		return
	}
	if params != "" {
		// NOTIFY and ORCPT are accepted and ignored, DSNs are the upstream's concern.
		if _, ok := s.parseArgs(params); !ok {
			s.send("501 Unable to parse RCPT ESMTP parameters")
			s.logger.Warn().Msgf("Bad RCPT argument: %q", arg)
			return
		}
	}
	recip, err := s.addrPolicy.NewRecipient(addr)
	if err != nil {
		s.send("501 Bad recipient address syntax")
		s.logger.Warn().Str("to", addr).Err(err).Msg("Bad address as RCPT arg")
		return
	}

	// Process through extensions.
	extAction := event.ActionDefer
	extResult := s.extHost.Events.BeforeRcptToAccepted.Emit(s.extRecipient(recip))
	if extResult != nil {
		extAction = extResult.Action
	}
	deliverTo := recip.Address.Address
	switch extAction {
	case event.ActionDeny:
		s.send(rcptReply(extResult))
		s.logger.Warn().Str("to", addr).Msg("Extension denied recipient")
		return
	case event.ActionRewrite:
		target, err := s.addrPolicy.NewRecipient(extResult.Rewrite)
		if err != nil {
			s.send("451 Unable to route recipient")
			s.logger.Error().Str("to", addr).Str("rewrite", extResult.Rewrite).Err(err).
				Msg("Extension rewrote recipient to a bad address")
			return
		}
		deliverTo = target.Address.Address
		s.logger.Info().Str("to", addr).Str("rewrite", deliverTo).Msg("Recipient redirected")
	case event.ActionDefer:
		if !recip.ShouldAccept() {
			s.logger.Warn().Str("to", addr).Msg("Rejecting recipient domain")
			s.send("550 Relay not permitted")
			return
		}
	}

	if len(s.recipients) >= s.config.MaxRecipients {
		s.logger.Warn().Msgf("Limit of %v recipients exceeded", s.config.MaxRecipients)
		s.send(fmt.Sprintf("552 Limit of %v recipients exceeded", s.config.MaxRecipients))
		return
	}
	s.recipients = append(s.recipients, envelopeRecipient{requested: addr, deliverTo: deliverTo})
	s.logger.Debug().Str("to", addr).Msg("Recipient added")
	s.send(fmt.Sprintf("250 I'll make sure <%v> gets this", addr))
}

// rcptReply formats a denial response, including the enhanced status code when present.
func rcptReply(r *event.RcptResponse) string {
	if r.EnhancedCode != "" {
		return fmt.Sprintf("%03d %s %s", r.ErrorCode, r.EnhancedCode, r.ErrorMsg)
	}
	return fmt.Sprintf("%03d %s", r.ErrorCode, r.ErrorMsg)
}

// DATA
func (s *Session) dataHandler() {
	s.send("354 Start mail input; end with <CRLF>.<CRLF>")
	msgBuf, err := s.readDataBlock()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.send("221 Idle timeout, bye bye")
		}
		s.logger.Warn().Msgf("Error: %v while reading", err)
		s.enterState(QUIT)
		return
	}
	if len(msgBuf) > s.config.MaxMessageBytes {
		s.send("552 Max message size exceeded")
		s.logger.Warn().Msgf("Rejected %v byte message", len(msgBuf))
		s.reset()
		return
	}

	from := ""
	if s.from != nil {
		from = s.from.Address
	}
	to := s.deliveryAddresses()

	// Generate Received header.
	recvdHeader := fmt.Sprintf("Received: from %s ([%s]) by %s\r\n  for <%s>; %s\r\n",
		s.remoteDomain, s.remoteHost, s.config.Domain, strings.Join(to, ">, <"),
		time.Now().Format(time.RFC1123Z))
	data := make([]byte, 0, len(recvdHeader)+len(msgBuf))
	data = append(data, recvdHeader...)
	data = append(data, msgBuf...)

	// Deliver message.
	if err := s.relay.Deliver(from, to, data); err != nil {
		// The relay logs failure details.
		if relay.IsPermanent(err) {
			s.send("554 Transaction failed")
		} else {
			s.send("451 Failed to relay message")
		}
		s.reset()
		return
	}

	s.send("250 Mail accepted for delivery")
	s.logger.Info().Msgf("Message size %v bytes", len(msgBuf))
	s.reset()
}

// deliveryAddresses returns the unique addresses mail will be relayed to, in RCPT order.
// Several requested addresses may redirect to the same target.
func (s *Session) deliveryAddresses() []string {
	seen := make(map[string]bool, len(s.recipients))
	to := make([]string, 0, len(s.recipients))
	for _, r := range s.recipients {
		key := strings.ToLower(r.deliverTo)
		if seen[key] {
			continue
		}
		seen[key] = true
		to = append(to, r.deliverTo)
	}
	return to
}

func (s *Session) enterState(state State) {
	s.state = state
	s.logger.Debug().Msgf("Entering state %v", state)
}

func (s *Session) greet() {
	s.send(fmt.Sprintf("220 %v rcptfilter SMTP ready", s.config.Domain))
}

// nextDeadline calculates the next read or write deadline based on configured timeout.
func (s *Session) nextDeadline() time.Time {
	return time.Now().Add(s.config.Timeout)
}

// Send requested message, store errors in Session.sendError
func (s *Session) send(msg string) {
	if err := s.conn.SetWriteDeadline(s.nextDeadline()); err != nil {
		s.sendError = err
		return
	}
	if err := s.text.PrintfLine("%s", msg); err != nil {
		s.sendError = err
		s.logger.Warn().Msgf("Failed to send: %q", msg)
		return
	}
	if s.debug {
		fmt.Printf("%04d > %v\n", s.id, msg)
	}
}

// readDataBlock reads message DATA until `.` using the textproto pkg.
func (s *Session) readDataBlock() ([]byte, error) {
	if err := s.conn.SetReadDeadline(s.nextDeadline()); err != nil {
		return nil, err
	}
	b, err := s.text.ReadDotBytes()
	if err != nil {
		return nil, err
	}
	if s.debug {
		fmt.Printf("%04d   Received %d bytes\n", s.id, len(b))
	}
	return b, err
}

// readLine reads a line of input respecting deadlines.
func (s *Session) readLine() (line string, err error) {
	if err = s.conn.SetReadDeadline(s.nextDeadline()); err != nil {
		return "", err
	}
	line, err = s.text.ReadLine()
	if err != nil {
		return "", err
	}
	if s.debug {
		fmt.Printf("%04d   %v\n", s.id, strings.TrimRight(line, "\r\n"))
	}
	return line, nil
}

func (s *Session) parseCmd(line string) (cmd string, arg string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	s.logger.Debug().Msgf("Line received: %v", line)

	// Find length of command or entire line.
	hasArg := true
	l := strings.IndexByte(line, ' ')
	if l == -1 {
		hasArg = false
		l = len(line)
	}

	switch {
	case l == 0:
		return "", "", true
	case l < 4:
		s.logger.Warn().Msgf("Command too short: %q", line)
		return "", "", false
	}

	if hasArg {
		return strings.ToUpper(line[0:l]), strings.Trim(line[l+1:], " "), true
	}

	return strings.ToUpper(line), "", true
}

// splitRcptArg separates the forward-path following "TO:" from any ESMTP parameters.  The
// angle brackets may be omitted when there are no parameters.  params keeps its leading space
// for parseArgs.
func splitRcptArg(arg string) (addr, params string, ok bool) {
	arg = strings.TrimLeft(arg, " ")
	if !strings.HasPrefix(arg, "<") {
		return strings.TrimSpace(arg), "", true
	}
	end := strings.IndexByte(arg, '>')
	if end < 0 {
		return "", "", false
	}
	addr, params = arg[1:end], strings.TrimRight(arg[end+1:], " ")
	if params != "" && params[0] != ' ' {
		return "", "", false
	}
	return addr, params, true
}

// parseArgs takes the arguments proceeding a command and files them
// into a map[string]string after uppercasing each key.  Sample arg
// string:
//
//	" BODY=8BITMIME SIZE=1024"
//
// The leading space is mandatory.
func (s *Session) parseArgs(arg string) (args map[string]string, ok bool) {
	args = make(map[string]string)
	pm := argRegex.FindAllStringSubmatch(arg, -1)
	if pm == nil {
		s.logger.Warn().Msgf("Failed to parse arg string: %q", arg)
		return nil, false
	}
	for _, m := range pm {
		args[strings.ToUpper(m[1])] = m[2]
	}
	s.logger.Debug().Msgf("ESMTP params: %v", args)
	return args, true
}

func (s *Session) reset() {
	s.enterState(READY)
	s.from = nil
	s.recipients = nil
}

func (s *Session) ooSeq(cmd string) {
	s.send(fmt.Sprintf("503 Command %v is out of sequence", cmd))
	s.logger.Warn().Msgf("Wasn't expecting %v here", cmd)
}

// extRecipient builds the extension event for a RCPT TO.
func (s *Session) extRecipient(recip *policy.Recipient) *event.Recipient {
	var from *mail.Address
	if s.from != nil {
		addr := *s.from
		from = &addr
	}
	return &event.Recipient{
		Address:    recip.Address,
		From:       from,
		RemoteAddr: s.remoteHost,
	}
}
