package smtpsession

import (
	"net"

	"blitiri.com.ar/go/spf"
)

// checkSPF evaluates the sender policy for addr against the connecting
// IP and records the result on the session. Authenticated senders skip
// the check, since they're allowed regardless of what SPF says about
// their address.
func (s *Session) checkSPF(addr string) {
	if s.Authed {
		return
	}

	tcp, ok := s.RemoteAddr.(*net.TCPAddr)
	if !ok {
		return
	}

	s.SPFResult, s.SPFError = spf.CheckHostWithSender(tcp.IP, domainOf(addr), addr)
	if s.Tracer != nil {
		s.Tracer.Debugf("SPF %v (%v)", s.SPFResult, s.SPFError)
	}
}
