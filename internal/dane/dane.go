// Package dane implements RFC 7672 DANE-mandatory certificate verification
// for outbound SMTP delivery, the security half of the MX Policy Resolver.
package dane

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/transilvlad/robin/internal/dnsclient"
)

// Result is the outcome of verifying a TLS connection state against a
// TLSA record set.
type Result struct {
	// Matched is true iff at least one TLSA record validated the peer's
	// certificate chain.
	Matched bool
	// MatchedUsage is the usage field of the record that matched, valid
	// only when Matched is true.
	MatchedUsage uint8
}

// ErrNoMatch is returned by Verify when recs is non-empty but none match
// the presented certificate chain. A DANE-mandatory candidate that returns
// this error must not fall back to a lower-security candidate within the
// same envelope attempt.
type ErrNoMatch struct {
	Host string
}

func (e *ErrNoMatch) Error() string {
	return fmt.Sprintf("dane: no TLSA record matched the certificate chain presented by %s", e.Host)
}

// ErrTLSRequired is returned when recs is non-empty (TLS is mandated) but
// the connection never completed a TLS handshake.
type ErrTLSRequired struct {
	Host string
}

func (e *ErrTLSRequired) Error() string {
	return fmt.Sprintf("dane: TLS is required by TLSA records but was not negotiated with %s", e.Host)
}

// Verify checks connState against recs per RFC 7672 §2.1-3.1, grounded on
// the usage/selector/matching-type dispatch of foxcpp-maddy's
// target/remote verifyDANE. host is used only for error messages.
//
// recs empty means "no TLSA record set for this host": DANE does not
// apply and Verify returns a zero Result with no error. A non-empty recs
// with no usable record (bad selector/matching-type values) likewise
// does not mandate TLS, per RFC 7672 §2.1.1.
func Verify(recs []dnsclient.TLSA, connState tls.ConnectionState, host string) (Result, error) {
	if len(recs) == 0 {
		return Result{}, nil
	}

	if !connState.HandshakeComplete {
		return Result{}, &ErrTLSRequired{Host: host}
	}

	var eeRecs, taRecs []dnsclient.TLSA
	for _, r := range recs {
		if r.MatchingType > 2 || r.Selector > 1 {
			continue
		}
		switch r.Usage {
		case 3:
			eeRecs = append(eeRecs, r)
		case 2:
			taRecs = append(taRecs, r)
		default:
			// Usage 0 (PKIX-TA) and 1 (PKIX-EE) require validating against
			// the public CA trust store in addition to TLSA; robin only
			// implements usage 2/3, the pinning modes DANE-mandatory relies
			// on for opportunistic-upgrade-free authentication.
		}
	}

	if len(eeRecs) == 0 && len(taRecs) == 0 {
		return Result{}, nil
	}

	if len(connState.PeerCertificates) == 0 {
		return Result{}, &ErrNoMatch{Host: host}
	}
	leaf := connState.PeerCertificates[0]

	for _, r := range eeRecs {
		if matches(r, leaf) {
			return Result{Matched: true, MatchedUsage: 3}, nil
		}
	}

	if len(taRecs) == 0 {
		return Result{}, &ErrNoMatch{Host: host}
	}

	roots := x509.NewCertPool()
	intermediates := x509.NewCertPool()
	for _, cert := range connState.PeerCertificates {
		isRoot := false
		for _, r := range taRecs {
			if cert.IsCA && matches(r, cert) {
				roots.AddCert(cert)
				isRoot = true
			}
		}
		if !isRoot {
			intermediates.AddCert(cert)
		}
	}

	opts := x509.VerifyOptions{
		DNSName:       connState.ServerName,
		Roots:         roots,
		Intermediates: intermediates,
	}
	if _, err := leaf.Verify(opts); err == nil {
		return Result{Matched: true, MatchedUsage: 2}, nil
	}

	return Result{}, &ErrNoMatch{Host: host}
}

// matches applies a TLSA record's selector/matching-type to cert and
// compares against its Association.
func matches(r dnsclient.TLSA, cert *x509.Certificate) bool {
	var data []byte
	switch r.Selector {
	case 0:
		data = cert.Raw
	case 1:
		data = cert.RawSubjectPublicKeyInfo
	default:
		return false
	}

	digest, err := digestFor(r.MatchingType, data)
	if err != nil {
		return false
	}
	return equalBytes(digest, r.Association)
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
