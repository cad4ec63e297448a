package smtpsession

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/transilvlad/robin/internal/txlog"
)

// writeReply writes a possibly multi-line SMTP reply: "code-text" for
// every line but the last, "code text" for the last (grounded on the
// teacher's smtpsrv.writeResponse).
func writeReply(w io.Writer, code int, text string) error {
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines)-1; i++ {
		if _, err := fmt.Fprintf(w, "%d-%s\r\n", code, lines[i]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d %s\r\n", code, lines[len(lines)-1])
	return err
}

// readLine reads one CRLF-terminated line, bounded per RFC 5321
// §4.5.3.1.6 (1000 octets).
func (s *Session) readLine() (string, error) {
	l, more, err := s.Reader.ReadLine()
	if err != nil {
		return "", err
	}
	if len(l) > 1000 || more {
		for more && err == nil {
			_, more, err = s.Reader.ReadLine()
		}
		return "", fmt.Errorf("smtpsession: line too long")
	}
	return string(l), nil
}

// readCommand reads one line and splits it into verb/params.
func (s *Session) readCommand() (verb, params string, err error) {
	line, err := s.readLine()
	if err != nil {
		return "", "", err
	}
	sp := strings.SplitN(line, " ", 2)
	verb = strings.ToUpper(sp[0])
	if len(sp) > 1 {
		params = sp[1]
	}
	return verb, params, nil
}

// writeResponse writes a reply and flushes, recording a transaction
// against the current envelope (if any) or the session log.
func (s *Session) writeResponse(command, payload string, code int, text string) error {
	err := writeReply(s.Writer, code, text)
	if ferr := s.Writer.Flush(); err == nil {
		err = ferr
	}

	response := strconv.Itoa(code) + " " + text
	s.record(command, payload, response)
	return err
}

// record appends a Transaction to the envelope log (for MAIL/RCPT/DATA/
// BDAT/RSET) or the session log otherwise.
func (s *Session) record(command, payload, response string) {
	addr := ""
	switch command {
	case "MAIL", "RCPT":
		addr = extractAddress(payload)
	}

	t := txlog.New(command, payload, response, addr)
	if s.Envelope != nil && isEnvelopeVerb(command) {
		s.Envelope.Log.Append(t)
	} else {
		s.Log.Append(t)
	}
}

func isEnvelopeVerb(command string) bool {
	switch command {
	case "MAIL", "RCPT", "DATA", "BDAT", "RSET":
		return true
	}
	return false
}

// extractAddress pulls the angle-bracketed path out of a MAIL/RCPT
// payload ("FROM:<a@b>" / "TO:<a@b>").
func extractAddress(payload string) string {
	start := strings.IndexByte(payload, '<')
	end := strings.IndexByte(payload, '>')
	if start < 0 || end < 0 || end < start {
		return ""
	}
	return payload[start+1 : end]
}
