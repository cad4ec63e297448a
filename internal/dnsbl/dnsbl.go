// Package dnsbl checks a client IP address against configured DNS
// blocklists (RBLs), a cheap reputation signal the SMTP Session consults
// before accepting a connection.
package dnsbl

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/transilvlad/robin/internal/dnsclient"
)

// List is one configured DNSBL zone, e.g. "zen.spamhaus.org".
type List struct {
	Zone string
}

// Result is the outcome of checking one IP against one list.
type Result struct {
	Zone    string
	Listed  bool
	Records []string
}

// Checker checks IPs against a set of configured lists.
type Checker struct {
	DNS   *dnsclient.Client
	Lists []List
}

// New returns a Checker querying lists through dns.
func New(dns *dnsclient.Client, lists ...List) *Checker {
	return &Checker{DNS: dns, Lists: lists}
}

// Check queries every configured list for ip, returning one Result per
// list that lists it (lists that errored or returned no records are
// skipped, not reported as listed: a DNSBL outage must never cause a
// false positive).
func (c *Checker) Check(ctx context.Context, ip string) ([]Result, error) {
	reversed, err := ReverseOctets(ip)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, l := range c.Lists {
		query := reversed + "." + l.Zone
		records, err := c.DNS.LookupA(ctx, query)
		if err != nil {
			continue
		}
		if len(records) == 0 {
			continue
		}
		results = append(results, Result{Zone: l.Zone, Listed: true, Records: records})
	}
	return results, nil
}

// Listed reports whether ip is listed on any configured list.
func (c *Checker) Listed(ctx context.Context, ip string) (bool, error) {
	results, err := c.Check(ctx, ip)
	if err != nil {
		return false, err
	}
	return len(results) > 0, nil
}

// ReverseOctets returns the dotted-decimal octets of ip in reverse order
// (e.g. "192.168.1.1" -> "1.1.168.192"), the query prefix a DNSBL zone
// is appended to. This is distinct from
// dnsclient.ReverseName, which builds a full "*.in-addr.arpa." PTR owner
// name rather than a bare octet string meant to prefix an arbitrary zone.
func ReverseOctets(ipStr string) (string, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", fmt.Errorf("dnsbl: invalid IP %q", ipStr)
	}
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("dnsbl: IPv6 not supported: %q", ipStr)
	}

	parts := make([]string, 4)
	for i, b := range v4 {
		parts[3-i] = strconv.Itoa(int(b))
	}
	return strings.Join(parts, "."), nil
}
