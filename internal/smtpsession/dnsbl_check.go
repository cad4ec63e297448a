package smtpsession

import (
	"context"
	"net"
)

// rejectListed consults Config.DNSBL for the connecting IP and, if
// listed, writes a rejection reply and reports true so Handle returns
// without ever sending a greeting.
func (s *Session) rejectListed() bool {
	if s.Config.DNSBL == nil {
		return false
	}

	tcp, ok := s.RemoteAddr.(*net.TCPAddr)
	if !ok {
		return false
	}

	listed, err := s.Config.DNSBL.Listed(context.Background(), tcp.IP.String())
	if err != nil || !listed {
		return false
	}

	s.Writer.WriteString("554 5.7.1 Rejected: address listed on a DNS blocklist\r\n")
	s.Writer.Flush()
	return true
}
