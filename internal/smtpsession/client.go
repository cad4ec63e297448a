package smtpsession

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/transilvlad/robin/internal/auth"
)

// Client-side mirror of the server state machine: greet, EHLO, optional
// STARTTLS, optional AUTH, MAIL/RCPT/DATA per envelope,
// QUIT. Grounded on the teacher's internal/smtp.Client, generalized from
// its thin net/smtp wrapper into a Session-recording state machine that
// shares the Transaction Log with the server side.

// ClientGreet reads the server's initial 220 greeting.
func (s *Session) ClientGreet() error {
	code, _, err := s.clientReadReply("CONNECT", "")
	if err != nil {
		return err
	}
	if code != 220 {
		return fmt.Errorf("smtpsession: unexpected greeting code %d", code)
	}
	return nil
}

// ClientEHLO sends EHLO and parses the capability lines. It falls back to
// HELO if the server rejects EHLO.
func (s *Session) ClientEHLO(domain string) ([]string, error) {
	s.EHLODomain = domain
	code, text, err := s.clientCmd("EHLO", domain)
	if err != nil {
		return nil, err
	}
	if code != 250 {
		code, text, err = s.clientCmd("HELO", domain)
		if err != nil {
			return nil, err
		}
		if code != 250 {
			return nil, fmt.Errorf("smtpsession: HELO/EHLO rejected: %d %s", code, text)
		}
		s.IsESMTP = false
		s.Caps = nil
		return nil, nil
	}
	s.IsESMTP = true
	lines := strings.Split(text, "\n")
	s.Caps = lines[1:]
	return s.Caps, nil
}

// ClientHasCap reports whether name was advertised in the last EHLO
// response (case-insensitive, prefix match on the capability keyword).
func (s *Session) ClientHasCap(name string) bool {
	for _, c := range s.Caps {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(c)), strings.ToUpper(name)) {
			return true
		}
	}
	return false
}

// ClientSTARTTLS negotiates TLS using cfg, then requires EHLO to be
// re-issued by the caller, since all prior capabilities are discarded.
func (s *Session) ClientSTARTTLS(cfg *tls.Config) error {
	code, text, err := s.clientCmd("STARTTLS", "")
	if err != nil {
		return err
	}
	if code != 220 {
		return fmt.Errorf("smtpsession: STARTTLS rejected: %d %s", code, text)
	}

	tlsConn := tls.Client(s.Conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	s.Conn = tlsConn
	s.Reader = newBufReader(tlsConn)
	s.Writer = newBufWriter(tlsConn)
	state := tlsConn.ConnectionState()
	s.TLSConnInfo = &state
	s.TLSState = TLSActive
	s.EHLODomain = ""
	s.IsESMTP = false
	s.Caps = nil
	return nil
}

// ClientAuth drives an AUTH exchange as the client, using go-sasl's
// client-side mechanisms for PLAIN/LOGIN and a hand-rolled CRAM-MD5
// client for the rest (DIGEST-MD5 client support is not implemented:
// outbound delivery never needs to present DIGEST-MD5 credentials,
// only LOGIN/PLAIN/CRAM-MD5 are offered by the peers this client
// dials).
func (s *Session) ClientAuth(mechanism string) error {
	var client sasl.Client
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		client = sasl.NewPlainClient("", s.Username, s.Password)
	case "LOGIN":
		client = sasl.NewLoginClient(s.Username, s.Password)
	case "CRAM-MD5":
		return s.clientAuthCramMD5()
	default:
		return fmt.Errorf("smtpsession: unsupported client AUTH mechanism %q", mechanism)
	}

	name, initial, err := client.Start()
	if err != nil {
		return err
	}

	var code int
	var text string
	if initial != nil {
		code, text, err = s.clientCmd("AUTH", name+" "+base64.StdEncoding.EncodeToString(initial))
	} else {
		code, text, err = s.clientCmd("AUTH", name)
	}
	if err != nil {
		return err
	}

	for code == 334 {
		chal, derr := base64.StdEncoding.DecodeString(text)
		if derr != nil {
			return derr
		}
		resp, cerr := client.Next(chal)
		if cerr != nil {
			return cerr
		}
		code, text, err = s.clientRaw(base64.StdEncoding.EncodeToString(resp))
		if err != nil {
			return err
		}
	}

	if code != 235 {
		return fmt.Errorf("smtpsession: AUTH failed: %d %s", code, text)
	}
	s.Authed = true
	return nil
}

// clientAuthCramMD5 implements the client half of RFC 2195 directly: the
// mechanism is challenge-first, which go-sasl's Client interface (which
// assumes the client speaks first) does not model cleanly.
func (s *Session) clientAuthCramMD5() error {
	code, text, err := s.clientCmd("AUTH", "CRAM-MD5")
	if err != nil {
		return err
	}
	if code != 334 {
		return fmt.Errorf("smtpsession: CRAM-MD5 not offered: %d %s", code, text)
	}
	chal, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return err
	}

	digest := auth.CramMD5Digest(string(chal), s.Password)
	resp := s.Username + " " + digest
	code, text, err = s.clientRaw(base64.StdEncoding.EncodeToString([]byte(resp)))
	if err != nil {
		return err
	}
	if code != 235 {
		return fmt.Errorf("smtpsession: CRAM-MD5 auth failed: %d %s", code, text)
	}
	s.Authed = true
	return nil
}

// ClientMail sends MAIL FROM for the given reverse-path.
func (s *Session) ClientMail(from string) error {
	code, text, err := s.clientCmd("MAIL", fmt.Sprintf("FROM:<%s>", from))
	if err != nil {
		return err
	}
	if code != 250 {
		return fmt.Errorf("smtpsession: MAIL rejected: %d %s", code, text)
	}
	return nil
}

// ClientRcpt sends RCPT TO for one recipient, returning the raw reply so
// the Delivery Coordinator can classify it (2xx/4xx/5xx) per recipient.
func (s *Session) ClientRcpt(to string) (code int, text string, err error) {
	return s.clientCmd("RCPT", fmt.Sprintf("TO:<%s>", to))
}

// ClientData sends DATA, the dot-stuffed body, and returns the final
// reply.
func (s *Session) ClientData(data []byte) (code int, text string, err error) {
	code, text, err = s.clientCmd("DATA", "")
	if err != nil {
		return 0, "", err
	}
	if code != 354 {
		return code, text, fmt.Errorf("smtpsession: DATA rejected: %d %s", code, text)
	}

	if err := s.clientWriteDotStuffed(data); err != nil {
		return 0, "", err
	}
	return s.clientReadReply("DATA", "")
}

// ClientQuit sends QUIT and reads the closing reply.
func (s *Session) ClientQuit() error {
	_, _, err := s.clientCmd("QUIT", "")
	return err
}

func (s *Session) clientCmd(verb, params string) (code int, text string, err error) {
	line := verb
	if params != "" {
		line += " " + params
	}
	if _, werr := fmt.Fprintf(s.Writer, "%s\r\n", line); werr != nil {
		return 0, "", werr
	}
	if ferr := s.Writer.Flush(); ferr != nil {
		return 0, "", ferr
	}
	return s.clientReadReply(verb, params)
}

// clientRaw sends a bare continuation line (e.g. a base64 AUTH response)
// without a verb prefix.
func (s *Session) clientRaw(line string) (code int, text string, err error) {
	if _, werr := fmt.Fprintf(s.Writer, "%s\r\n", line); werr != nil {
		return 0, "", werr
	}
	if ferr := s.Writer.Flush(); ferr != nil {
		return 0, "", ferr
	}
	return s.clientReadReply("", "")
}

// clientReadReply reads a (possibly multi-line) SMTP reply and records a
// Transaction, mirroring writeResponse on the server side.
func (s *Session) clientReadReply(command, payload string) (code int, text string, err error) {
	var lines []string
	for {
		line, lerr := s.readLine()
		if lerr != nil {
			return 0, "", lerr
		}
		if len(line) < 4 {
			return 0, "", fmt.Errorf("smtpsession: malformed reply %q", line)
		}
		c, cerr := strconv.Atoi(line[:3])
		if cerr != nil {
			return 0, "", cerr
		}
		code = c
		lines = append(lines, line[4:])
		if line[3] == ' ' {
			break
		}
	}
	text = strings.Join(lines, "\n")
	if command != "" {
		s.record(command, payload, strconv.Itoa(code)+" "+text)
	}
	return code, text, nil
}

// clientWriteDotStuffed writes data as an RFC 5321 §4.5.2 dot-stuffed
// body terminated by "CRLF.CRLF".
func (s *Session) clientWriteDotStuffed(data []byte) error {
	lines := strings.Split(string(data), "\n")
	for _, l := range lines {
		l = strings.TrimSuffix(l, "\r")
		if strings.HasPrefix(l, ".") {
			l = "." + l
		}
		if _, err := fmt.Fprintf(s.Writer, "%s\r\n", l); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(s.Writer, ".\r\n"); err != nil {
		return err
	}
	return s.Writer.Flush()
}
