package smtpsession

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// stampReceivedHeader prepends an RFC 5321 §4.4 Received header to the
// envelope body, grounded on the teacher's Conn.addReceivedHeader.
func (s *Session) stampReceivedHeader() {
	var v strings.Builder

	if s.Authed {
		fmt.Fprintf(&v, "from %s\n", s.EHLODomain)
	} else {
		fmt.Fprintf(&v, "from [%s] (%s)\n", addrLiteral(s.RemoteAddr), s.EHLODomain)
	}

	fmt.Fprintf(&v, "by %s (robin) ", s.Config.Hostname)

	with := "SMTP"
	if s.IsESMTP {
		with = "ESMTP"
	}
	if s.TLSState == TLSActive {
		with += "S"
	}
	if s.Authed {
		with += "A"
	}
	fmt.Fprintf(&v, "with %s\n", with)

	fmt.Fprintf(&v, "; %s\n", nowFunc().Format(time.RFC1123Z))

	s.Envelope.Data = prependHeader(s.Envelope.Data, "Received", v.String())
}

// nowFunc is indirected so tests can pin the stamped timestamp.
var nowFunc = time.Now

func addrLiteral(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}
	return s
}

// prependHeader inserts "name: value" (value's embedded newlines folded
// as continuation lines) at the top of a message's header block.
func prependHeader(data []byte, name, value string) []byte {
	folded := strings.ReplaceAll(strings.TrimRight(value, "\n"), "\n", "\n\t")
	header := []byte(name + ": " + folded + "\r\n")
	return append(header, data...)
}
