package dnsclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/miekg/dns"

	robinlog "github.com/transilvlad/robin/internal/log"
)

// MiekgResolver implements Resolver against a real nameserver using
// github.com/miekg/dns, grounded on foxcpp-maddy's framework/dns.Resolver
// (also a miekg/dns wrapper exposing A/MX/TXT/TLSA/PTR).
type MiekgResolver struct {
	// Server is "host:port" of the nameserver to query. Empty means
	// "read /etc/resolv.conf".
	Server string

	client *dns.Client
}

// NewMiekgResolver returns a MiekgResolver. If server is "", it reads
// /etc/resolv.conf for the nameserver to use, falling back to
// 127.0.0.1:53.
func NewMiekgResolver(server string) *MiekgResolver {
	if server == "" {
		server = resolvConfServer()
	}
	return &MiekgResolver{
		Server: server,
		client: &dns.Client{Timeout: 0}, // caller controls timeout via ctx.
	}
}

func resolvConfServer() string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return "127.0.0.1:53"
	}
	return cfg.Servers[0] + ":" + cfg.Port
}

var qtypeToRR = map[string]uint16{
	"A":    dns.TypeA,
	"MX":   dns.TypeMX,
	"TXT":  dns.TypeTXT,
	"TLSA": dns.TypeTLSA,
	"PTR":  dns.TypePTR,
}

// Query implements Resolver.
func (r *MiekgResolver) Query(ctx context.Context, name, qtype string) ([]string, error) {
	rrtype, ok := qtypeToRR[qtype]
	if !ok {
		return nil, &LookupError{Name: name, Type: qtype, Kind: KindServfail,
			Err: fmt.Errorf("unsupported query type %q", qtype)}
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), rrtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		robinlog.Debugf("dnsclient: query %s %s failed: %v", qtype, name, err)
		return nil, &LookupError{Name: name, Type: qtype, Kind: KindServfail, Err: err}
	}

	switch in.Rcode {
	case dns.RcodeSuccess:
		// Fall through.
	case dns.RcodeNameError:
		return nil, &LookupError{Name: name, Type: qtype, Kind: KindNotFound,
			Err: fmt.Errorf("NXDOMAIN")}
	default:
		return nil, &LookupError{Name: name, Type: qtype, Kind: KindServfail,
			Err: fmt.Errorf("rcode %s", dns.RcodeToString[in.Rcode])}
	}

	out := make([]string, 0, len(in.Answer))
	for _, rr := range in.Answer {
		if s := formatAnswer(rr); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// formatAnswer renders an RR into the literal-string shape Client's
// parsers expect, matching FakeResolver's format exactly so production
// and test code share one parsing path.
func formatAnswer(rr dns.RR) string {
	switch v := rr.(type) {
	case *dns.A:
		return v.A.String()
	case *dns.AAAA:
		return v.AAAA.String()
	case *dns.MX:
		return fmt.Sprintf("%d %s", v.Preference, v.Mx)
	case *dns.TXT:
		return strings.Join(v.Txt, "")
	case *dns.TLSA:
		return fmt.Sprintf("%d %d %d %s",
			v.Usage, v.Selector, v.MatchingType, strings.ToLower(v.Certificate))
	case *dns.PTR:
		return v.Ptr
	default:
		return ""
	}
}
