// Package dnsclient implements Robin's DNS Client component: A, MX, TXT,
// TLSA and PTR lookups over a pluggable Resolver, built on
// github.com/miekg/dns (the stdlib net.Resolver has no TLSA/RFC 6698
// support, which the MX Policy Resolver requires for DANE).
package dnsclient

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// ErrKind distinguishes a definitive DNS denial from a transient failure:
// DANE fallback must not conflate the two.
type ErrKind int

const (
	// KindNotFound is NXDOMAIN: a definitive "no such name" response.
	// NOERROR with an empty answer section is not an error at all; it
	// comes back as an empty, nil-error result.
	KindNotFound ErrKind = iota
	// KindServfail is SERVFAIL, or a transport failure (timeout,
	// connection refused): the query could not be answered at all.
	KindServfail
)

// LookupError reports a failed lookup along with its Kind.
type LookupError struct {
	Name string
	Type string
	Kind ErrKind
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("dnsclient: lookup %s %s: %v", e.Type, e.Name, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// MX is one answer from an MX lookup.
type MX struct {
	Preference uint16
	Host       string
}

// TLSA is one TLSA resource record, per RFC 6698's binary fields.
type TLSA struct {
	Usage        uint8
	Selector     uint8
	MatchingType uint8
	Association  []byte
}

// Resolver is the pluggable DNS backend. The production Resolver talks to
// a real recursive resolver via miekg/dns; tests use a FakeResolver keyed
// by (name, type).
type Resolver interface {
	// Query performs a raw lookup for qtype ("A", "MX", "TXT", "TLSA",
	// "PTR") against name, and returns the answer section as literal
	// strings in the format the Client below knows how to parse (see
	// splitMX and parseTLSA). An empty, nil-error result means "present, no
	// records" (NOERROR/empty answer); a non-nil error distinguishes
	// KindNotFound from KindServfail via errors.As(*LookupError).
	Query(ctx context.Context, name, qtype string) ([]string, error)
}

// Client is the DNS Client component. It wraps a Resolver with typed,
// parsed lookup operations.
type Client struct {
	Resolver Resolver
}

// New returns a Client backed by a real recursive resolver (MiekgResolver
// pointed at /etc/resolv.conf's nameservers).
func New() *Client {
	return &Client{Resolver: NewMiekgResolver("")}
}

// NewWithResolver returns a Client backed by an arbitrary Resolver,
// typically a FakeResolver in tests.
func NewWithResolver(r Resolver) *Client {
	return &Client{Resolver: r}
}

// LookupA returns the A records for name.
func (c *Client) LookupA(ctx context.Context, name string) ([]string, error) {
	return c.Resolver.Query(ctx, name, "A")
}

// LookupMX returns the MX records for domain, sorted by ascending
// preference (ties broken by stable DNS order).
func (c *Client) LookupMX(ctx context.Context, domain string) ([]MX, error) {
	raw, err := c.Resolver.Query(ctx, domain, "MX")
	if err != nil {
		return nil, err
	}

	mxs := make([]MX, 0, len(raw))
	for _, r := range raw {
		pref, host, ok := splitMX(r)
		if !ok {
			continue
		}
		mxs = append(mxs, MX{Preference: pref, Host: host})
	}

	sort.SliceStable(mxs, func(i, j int) bool {
		return mxs[i].Preference < mxs[j].Preference
	})
	return mxs, nil
}

// LookupTXT returns the TXT records for name.
func (c *Client) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return c.Resolver.Query(ctx, name, "TXT")
}

// LookupTLSA returns the TLSA records for name (caller is responsible for
// constructing the "_port._proto.host" owner name per RFC 6698).
func (c *Client) LookupTLSA(ctx context.Context, name string) ([]TLSA, error) {
	raw, err := c.Resolver.Query(ctx, name, "TLSA")
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]TLSA, 0, len(raw))
	for _, r := range raw {
		t, ok := parseTLSA(r)
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// LookupPTR returns the name that ip's PTR record (queried at e.g.
// "1.0.0.10.in-addr.arpa." for 10.0.0.1) points to, or "" if none is present.
func (c *Client) LookupPTR(ctx context.Context, ip string) (string, error) {
	arpa, err := ReverseName(ip)
	if err != nil {
		return "", err
	}
	raw, err := c.Resolver.Query(ctx, arpa, "PTR")
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if len(raw) == 0 {
		return "", nil
	}
	return strings.TrimSuffix(raw[0], "."), nil
}

func isNotFound(err error) bool {
	var le *LookupError
	if e, ok := err.(*LookupError); ok {
		le = e
	}
	return le != nil && le.Kind == KindNotFound
}

// splitMX parses a "<preference> <host>" answer line.
func splitMX(s string) (uint16, string, bool) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return 0, "", false
	}
	var pref int
	if _, err := fmt.Sscanf(parts[0], "%d", &pref); err != nil {
		return 0, "", false
	}
	return uint16(pref), strings.TrimSuffix(parts[1], "."), true
}

// parseTLSA parses a "<usage> <selector> <matching-type> <hex-assoc>"
// answer line.
func parseTLSA(s string) (TLSA, bool) {
	parts := strings.Fields(s)
	if len(parts) != 4 {
		return TLSA{}, false
	}
	var usage, selector, mtype int
	if _, err := fmt.Sscanf(parts[0], "%d", &usage); err != nil {
		return TLSA{}, false
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &selector); err != nil {
		return TLSA{}, false
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &mtype); err != nil {
		return TLSA{}, false
	}
	assoc, err := hexDecode(parts[3])
	if err != nil {
		return TLSA{}, false
	}
	return TLSA{
		Usage:        uint8(usage),
		Selector:     uint8(selector),
		MatchingType: uint8(mtype),
		Association:  assoc,
	}, true
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		var b int
		if _, err := fmt.Sscanf(s[2*i:2*i+2], "%02x", &b); err != nil {
			return nil, err
		}
		out[i] = byte(b)
	}
	return out, nil
}

// ReverseName builds the in-addr.arpa/ip6.arpa name for ip, matching
// dns.ReverseAddr.
func ReverseName(ip string) (string, error) {
	name, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("dnsclient: invalid IP %q: %w", ip, err)
	}
	return name, nil
}
