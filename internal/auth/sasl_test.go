package auth

import (
	"strings"
	"testing"
)

func staticVerifier(validUser, validDomain, validPass string) Verifier {
	return func(user, domain, password string) (bool, error) {
		return user == validUser && domain == validDomain && password == validPass, nil
	}
}

func staticLookup(validUser, validDomain, password string) PasswordLookup {
	return func(user, domain string) (string, bool, error) {
		if user == validUser && domain == validDomain {
			return password, true, nil
		}
		return "", false, nil
	}
}

func TestNewServerPlainSucceedsAndFails(t *testing.T) {
	srv, err := NewServer("PLAIN", staticVerifier("alice", "example.com", "secret"), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	resp := "\x00alice@example.com\x00secret"
	_, done, err := srv.Next([]byte(resp))
	if err != nil || !done {
		t.Fatalf("Next = done=%v err=%v, want done=true err=nil", done, err)
	}

	srv, _ = NewServer("PLAIN", staticVerifier("alice", "example.com", "secret"), nil)
	_, done, err = srv.Next([]byte("\x00alice@example.com\x00wrong"))
	if err != ErrAuthFailed {
		t.Fatalf("Next with wrong password: err = %v, want ErrAuthFailed", err)
	}
	if done {
		t.Fatalf("Next with wrong password: done = true, want false")
	}
}

func TestNewServerUnsupportedMechanism(t *testing.T) {
	_, err := NewServer("GSSAPI", nil, nil)
	if err == nil {
		t.Fatal("expected error for unsupported mechanism")
	}
}

func TestCramMD5ServerRoundTrip(t *testing.T) {
	srv, err := NewServer("CRAM-MD5", nil, staticLookup("alice", "example.com", "secret"))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	challenge, done, err := srv.Next(nil)
	if err != nil || done || len(challenge) == 0 {
		t.Fatalf("initial Next: challenge=%q done=%v err=%v", challenge, done, err)
	}
	if !strings.HasPrefix(string(challenge), "<") {
		t.Errorf("challenge %q does not look like an RFC 2195 challenge", challenge)
	}

	digest := CramMD5Digest(string(challenge), "secret")
	resp := "alice@example.com " + digest
	_, done, err = srv.Next([]byte(resp))
	if err != nil || !done {
		t.Fatalf("final Next: done=%v err=%v", done, err)
	}
}

func TestCramMD5ServerRejectsBadDigest(t *testing.T) {
	srv, _ := NewServer("CRAM-MD5", nil, staticLookup("alice", "example.com", "secret"))
	challenge, _, _ := srv.Next(nil)
	_ = challenge
	_, done, err := srv.Next([]byte("alice@example.com deadbeef"))
	if err != ErrAuthFailed || done {
		t.Fatalf("expected ErrAuthFailed/done=false, got err=%v done=%v", err, done)
	}
}

func TestDigestMD5ServerRoundTrip(t *testing.T) {
	srv, err := NewServer("DIGEST-MD5", nil, staticLookup("alice", "example.com", "secret"))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	d := srv.(*digestMD5Server)
	challenge, done, err := srv.Next(nil)
	if err != nil || done || len(challenge) == 0 {
		t.Fatalf("initial Next: challenge=%q done=%v err=%v", challenge, done, err)
	}

	cnonce := "clientnonce"
	nc := "00000001"
	digestURI := "smtp/mx.example"
	response := digestMD5Response("alice", d.realm, "secret", d.nonce, cnonce, nc, digestURI)

	resp := `username="alice@example.com",realm="` + d.realm + `",nonce="` + d.nonce +
		`",cnonce="` + cnonce + `",nc=` + nc + `,qop=auth,digest-uri="` + digestURI +
		`",response=` + response
	_, done, err = srv.Next([]byte(resp))
	if err != nil || !done {
		t.Fatalf("final Next: done=%v err=%v", done, err)
	}
}
