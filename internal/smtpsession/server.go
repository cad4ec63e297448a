package smtpsession

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/transilvlad/robin/internal/trace"
)

// Handle runs the server state machine to completion, grounded on the
// teacher's Conn.Handle loop: greeting, then a read-dispatch-reply cycle
// until QUIT or an unrecoverable error.
func (s *Session) Handle() {
	s.Tracer = trace.New("smtpsession.Server", s.RemoteAddr.String())
	defer s.Tracer.Finish()

	if s.rejectListed() {
		return
	}

	s.Conn.SetDeadline(time.Now().Add(s.Config.CommandTimeout))
	s.printGreeting()

	errCount := 0
	for {
		s.Conn.SetDeadline(time.Now().Add(s.Config.CommandTimeout))

		verb, params, err := s.readCommand()
		if err != nil {
			if err != io.EOF {
				s.Tracer.Errorf("read error: %v", err)
			}
			return
		}

		logParams := params
		if verb == "AUTH" {
			logParams = "<redacted>"
		}
		s.Tracer.Debugf("-> %s %s", verb, logParams)

		result := s.dispatch(verb, params)

		if override, recorded := s.runWebhook(verb, params); override != nil {
			result = ok(override.Code, override.Message)
			if override.Drop {
				result = drop()
			}
			_ = recorded
		}

		if result.Kind == Drop {
			s.record(verb, params, "")
			return
		}

		if !result.suppressReply() {
			if werr := s.writeResponse(verb, params, result.Code, result.Text); werr != nil {
				return
			}
		}

		if result.Code >= 400 {
			errCount++
			if errCount >= 3 {
				s.writeResponse("QUIT", "", 421, "4.5.0 Too many errors, bye")
				return
			}
		}

		if verb == "QUIT" {
			return
		}
	}
}

func (s *Session) printGreeting() {
	fmt.Fprintf(s.Writer, "220 %s ESMTP robin\r\n", s.Config.Hostname)
	s.Writer.Flush()
}

// runWebhook invokes the configured Dispatcher, if any, for verb.
func (s *Session) runWebhook(verb, payload string) (*WebhookReply, bool) {
	if s.Config.Webhook == nil {
		return nil, false
	}
	return s.Config.Webhook.Dispatch(s, verb, payload)
}

func (s *Session) dispatch(verb, params string) VerbResult {
	handler, ok := ServerVerbs[verb]
	if !ok {
		return fail(500, "5.5.1 Unknown command")
	}
	return handler(s, params)
}

func handleHELO(s *Session, params string) VerbResult {
	if strings.TrimSpace(params) == "" {
		return fail(501, "Syntax: HELO hostname")
	}
	s.EHLODomain = strings.Fields(params)[0]
	s.IsESMTP = false
	s.ResetEnvelope()
	return ok(250, s.Config.Hostname+" Hello "+s.EHLODomain)
}

func handleEHLO(s *Session, params string) VerbResult {
	if strings.TrimSpace(params) == "" {
		return fail(501, "Syntax: EHLO hostname")
	}
	s.EHLODomain = strings.Fields(params)[0]
	s.IsESMTP = true
	s.ResetEnvelope()

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", s.Config.Hostname)
	b.WriteString("8BITMIME\n")
	b.WriteString("PIPELINING\n")
	b.WriteString("SMTPUTF8\n")
	b.WriteString("ENHANCEDSTATUSCODES\n")
	fmt.Fprintf(&b, "SIZE %d\n", s.Config.MaxDataSize)
	b.WriteString("CHUNKING\n")
	if s.TLSState == TLSActive {
		b.WriteString("AUTH LOGIN PLAIN CRAM-MD5 DIGEST-MD5\n")
	} else {
		b.WriteString("STARTTLS\n")
	}
	s.Caps = strings.Split(strings.TrimSpace(b.String()), "\n")
	return ok(250, b.String())
}

func handleSTARTTLS(s *Session, params string) VerbResult {
	if s.TLSState == TLSActive {
		return fail(503, "5.5.1 TLS already active")
	}
	if s.EHLODomain == "" {
		return fail(503, "5.5.1 EHLO first")
	}
	if s.Envelope != nil {
		return fail(503, "5.5.1 Finish the current transaction first")
	}

	if err := s.writeResponse("STARTTLS", params, 220, "2.0.0 Go ahead"); err != nil {
		return drop()
	}

	tlsConn := tls.Server(s.Conn, s.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.Tracer.Errorf("TLS handshake failed: %v", err)
		return drop()
	}

	s.Conn = tlsConn
	s.Reader = newBufReader(tlsConn)
	s.Writer = newBufWriter(tlsConn)
	state := tlsConn.ConnectionState()
	s.TLSConnInfo = &state
	s.TLSState = TLSActive

	// All capabilities negotiated pre-TLS are discarded; EHLO is
	// required again.
	s.EHLODomain = ""
	s.IsESMTP = false
	s.ResetEnvelope()

	return VerbResult{Kind: Ok, Code: 0}
}

func handleAUTH(s *Session, params string) VerbResult {
	if s.TLSState != TLSActive {
		return fail(503, "5.7.10 Must negotiate TLS first")
	}
	if s.Authed {
		return fail(503, "5.5.1 Already authenticated")
	}

	result, err := negotiateAuth(s, params)
	if err != nil {
		return fail(454, "4.7.0 Temporary authentication failure")
	}
	if !result.ok {
		return fail(535, "5.7.8 Authentication failed")
	}

	s.AuthIdentity = result.identity
	s.Authed = true
	return ok(235, "2.7.0 Authentication successful")
}

func handleMAIL(s *Session, params string) VerbResult {
	if !strings.HasPrefix(strings.ToUpper(params), "FROM:") {
		return fail(500, "5.5.2 Syntax: MAIL FROM:<address>")
	}
	if s.Config.RequireAuth && !s.Authed {
		return fail(550, "5.7.9 Authentication required")
	}
	if s.Envelope != nil {
		return fail(503, "5.5.1 Nested MAIL transaction")
	}

	addr, err := parseAddress(params[5:])
	if err != nil {
		return fail(501, "5.1.7 Sender address malformed: "+err.Error())
	}

	s.NewEnvelope().MailFrom = addr
	s.checkSPF(addr)
	return ok(250, "2.1.5 Ok")
}

func handleRCPT(s *Session, params string) VerbResult {
	if !strings.HasPrefix(strings.ToUpper(params), "TO:") {
		return fail(500, "5.5.2 Syntax: RCPT TO:<address>")
	}
	if s.Envelope == nil {
		return fail(503, "5.5.1 Need MAIL before RCPT")
	}
	if len(s.Envelope.RcptTo)+len(s.Envelope.Failed) > 100 {
		return fail(452, "4.5.3 Too many recipients")
	}

	addr, err := parseAddress(params[3:])
	if err != nil {
		return fail(501, "5.1.3 Malformed destination address")
	}

	if !s.recipientAllowed(addr) {
		s.Envelope.Failed = append(s.Envelope.Failed, addr)
		return fail(550, "5.7.1 Relay not allowed")
	}

	s.Envelope.RcptTo = append(s.Envelope.RcptTo, addr)
	return ok(250, "2.1.5 Ok")
}

// recipientAllowed is relay policy: local domains always accepted;
// everything else requires prior AUTH.
func (s *Session) recipientAllowed(addr string) bool {
	if s.Authed {
		return true
	}
	domain := domainOf(addr)
	return s.Config.LocalDomains[domain]
}

func handleDATA(s *Session, params string) VerbResult {
	if s.Envelope == nil || s.Envelope.MailFrom == "" {
		return fail(503, "5.5.1 Need MAIL command")
	}
	if len(s.Envelope.RcptTo) == 0 {
		return fail(503, "5.5.1 Need RCPT command")
	}

	if err := s.writeResponse("DATA", params, 354, "Go ahead"); err != nil {
		return drop()
	}

	s.Conn.SetDeadline(time.Now().Add(s.Config.DataTimeout))
	data, err := readDotTerminated(s.Reader, s.Config.MaxDataSize)
	if err != nil {
		if err == errTooBig {
			return fail(552, "5.3.4 Message too big")
		}
		return drop()
	}

	s.Envelope.Data = data
	s.stampReceivedHeader()
	s.verifyDKIM()
	return s.sealAndReport("DATA")
}

func handleBDAT(s *Session, params string) VerbResult {
	if s.Envelope == nil {
		return fail(503, "5.5.1 Need MAIL command")
	}

	fields := strings.Fields(params)
	if len(fields) == 0 {
		return fail(501, "5.5.4 Syntax: BDAT count [LAST]")
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || n < 0 {
		return fail(501, "5.5.4 Invalid chunk size")
	}
	last := len(fields) > 1 && strings.EqualFold(fields[1], "LAST")

	chunk := make([]byte, n)
	if _, err := io.ReadFull(s.Reader, chunk); err != nil {
		return drop()
	}
	s.Envelope.Chunked = true
	s.Envelope.Data = append(s.Envelope.Data, chunk...)

	if !last {
		return ok(250, fmt.Sprintf("2.0.0 %d octets received", n))
	}

	s.stampReceivedHeader()
	s.verifyDKIM()
	return s.sealAndReport("BDAT")
}

// sealAndReport hands the finished envelope to the configured Queuer, if
// any, then seals it with the resulting classification. Delivery itself
// happens downstream of the queue; the session only reports whether the
// message was accepted.
func (s *Session) sealAndReport(command string) VerbResult {
	if len(s.Envelope.RcptTo) == 0 {
		s.SealEnvelope(ClassRejected)
		return fail(554, "5.5.1 No valid recipients")
	}

	if s.Config.Queue == nil {
		s.SealEnvelope(ClassPending)
		return ok(250, "2.0.0 Queued")
	}

	id, err := s.Config.Queue.Put(s.Tracer, s.Envelope.MailFrom, s.Envelope.RcptTo, s.Envelope.Data)
	if err != nil {
		s.SealEnvelope(ClassRejected)
		return fail(451, "4.3.0 Failed to queue message: "+err.Error())
	}

	s.SealEnvelope(ClassPending)
	return ok(250, "2.0.0 Ok: queued as "+id)
}

func handleRSET(s *Session, params string) VerbResult {
	s.ResetEnvelope()
	return ok(250, "2.0.0 Ok")
}

func handleVRFY(s *Session, params string) VerbResult {
	return fail(502, "5.5.1 VRFY not supported")
}

func handleNOOP(s *Session, params string) VerbResult {
	return ok(250, "2.0.0 Ok")
}

func handleQUIT(s *Session, params string) VerbResult {
	return ok(221, "2.0.0 Bye")
}

// handleXCLIENT: when the peer is trusted, ADDR/NAME/PORT/LOGIN
// attributes overwrite session identity used in logs and webhook events.
func handleXCLIENT(s *Session, params string) VerbResult {
	if !s.Trusted {
		return fail(550, "5.7.1 XCLIENT not permitted")
	}
	for _, field := range strings.Fields(params) {
		k, v, ok := splitEq(field)
		if !ok {
			continue
		}
		switch strings.ToUpper(k) {
		case "LOGIN":
			s.AuthIdentity = v
		case "NAME":
			s.EHLODomain = v
		case "ADDR", "PORT":
			tcp := &net.TCPAddr{}
			if cur, isTCP := s.RemoteAddr.(*net.TCPAddr); isTCP {
				*tcp = *cur
			}
			if strings.ToUpper(k) == "ADDR" {
				tcp.IP = net.ParseIP(v)
			} else if p, err := strconv.Atoi(v); err == nil {
				tcp.Port = p
			}
			s.RemoteAddr = tcp
		}
	}
	return ok(220, s.Config.Hostname+" Ok")
}

func splitEq(s string) (k, v string, ok bool) {
	i := strings.IndexByte(s, '=')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func parseAddress(rawAddr string) (string, error) {
	rawAddr = strings.TrimSpace(rawAddr)
	if idx := strings.IndexByte(rawAddr, ' '); idx >= 0 {
		rawAddr = rawAddr[:idx]
	}
	if rawAddr == "<>" {
		return "<>", nil
	}
	addr, err := mail.ParseAddress(rawAddr)
	if err != nil || addr.Address == "" {
		return "", fmt.Errorf("malformed address")
	}
	return addr.Address, nil
}

func domainOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return addr[i+1:]
}
