package dane

import (
	"crypto/tls"
	"testing"

	"github.com/transilvlad/robin/internal/dnsclient"
)

func TestVerifyEmptyRecordsIsNoOp(t *testing.T) {
	res, err := Verify(nil, tls.ConnectionState{}, "mail.example.org")
	if err != nil {
		t.Fatalf("Verify(nil, ...) = %v, want nil error", err)
	}
	if res.Matched {
		t.Errorf("Verify(nil, ...) = %+v, want Matched=false", res)
	}
}

func TestVerifyRequiresCompletedHandshake(t *testing.T) {
	recs := []dnsclient.TLSA{{Usage: 3, Selector: 0, MatchingType: 1, Association: []byte{1, 2, 3}}}
	_, err := Verify(recs, tls.ConnectionState{HandshakeComplete: false}, "mail.example.org")
	if _, ok := err.(*ErrTLSRequired); !ok {
		t.Fatalf("Verify with incomplete handshake = %v, want *ErrTLSRequired", err)
	}
}

func TestVerifyUnusableRecordsDoNotMandateTLS(t *testing.T) {
	recs := []dnsclient.TLSA{{Usage: 9, Selector: 0, MatchingType: 1, Association: []byte{1}}}
	res, err := Verify(recs, tls.ConnectionState{HandshakeComplete: true}, "mail.example.org")
	if err != nil {
		t.Fatalf("Verify with only unusable records: %v", err)
	}
	if res.Matched {
		t.Errorf("Verify = %+v, want Matched=false", res)
	}
}

func TestVerifyNoPeerCertificatesIsNoMatch(t *testing.T) {
	recs := []dnsclient.TLSA{{Usage: 3, Selector: 0, MatchingType: 1, Association: []byte{1, 2, 3}}}
	_, err := Verify(recs, tls.ConnectionState{HandshakeComplete: true}, "mail.example.org")
	if _, ok := err.(*ErrNoMatch); !ok {
		t.Fatalf("Verify with no peer certs = %v, want *ErrNoMatch", err)
	}
}
