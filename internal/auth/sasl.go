package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

// Mechanisms lists the SASL mechanisms advertised in the EHLO AUTH
// capability, in the order they should be offered.
func Mechanisms() []string {
	return []string{"PLAIN", "LOGIN", "CRAM-MD5", "DIGEST-MD5"}
}

// Verifier checks a decoded set of credentials against the registered
// backends, normalizing user/domain along the way.
type Verifier func(user, domain, password string) (bool, error)

// ErrAuthFailed signals bad credentials, distinct from a backend error
// (e.g. a database outage), so callers can tell "wrong password" from
// "could not check the password".
var ErrAuthFailed = errors.New("auth: authentication failed")

// PasswordLookup returns the plaintext password for user@domain, when the
// backend stores one. CRAM-MD5 and DIGEST-MD5 need the plaintext to
// reproduce the client's digest, unlike PLAIN/LOGIN which receive it
// directly.
type PasswordLookup func(user, domain string) (password string, ok bool, err error)

// NewServer builds a sasl.Server for the named mechanism. verify checks
// plaintext credentials extracted from the exchange (PLAIN, LOGIN); lookup
// retrieves a plaintext password so challenge-response mechanisms
// (CRAM-MD5, DIGEST-MD5) can verify without the client ever sending one.
func NewServer(mechanism string, verify Verifier, lookup PasswordLookup) (sasl.Server, error) {
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		return sasl.NewPlainServer(func(identity, username, password string) error {
			user, domain, ok := splitIdentity(username)
			if !ok {
				return errors.New("auth: identity must be user@domain")
			}
			ok2, err := verify(user, domain, password)
			if err != nil {
				return err
			}
			if !ok2 {
				return ErrAuthFailed
			}
			return nil
		}), nil
	case "LOGIN":
		return sasl.NewLoginServer(func(username, password string) error {
			user, domain, ok := splitIdentity(username)
			if !ok {
				return errors.New("auth: identity must be user@domain")
			}
			ok2, err := verify(user, domain, password)
			if err != nil {
				return err
			}
			if !ok2 {
				return ErrAuthFailed
			}
			return nil
		}), nil
	case "CRAM-MD5":
		return newCramMD5Server(lookup), nil
	case "DIGEST-MD5":
		return newDigestMD5Server(lookup), nil
	}
	return nil, fmt.Errorf("auth: unsupported mechanism %q", mechanism)
}

func splitIdentity(identity string) (user, domain string, ok bool) {
	i := strings.LastIndexByte(identity, '@')
	if i < 0 {
		return "", "", false
	}
	return identity[:i], identity[i+1:], true
}

// cramMD5Server implements RFC 2195, shaped to satisfy sasl.Server so it
// sits in the same dispatch table as go-sasl's PLAIN/LOGIN servers.
// Neither chasquid nor go-sasl provide CRAM-MD5, so it is hand-written
// against lookup, which must return the plaintext password.
type cramMD5Server struct {
	lookup    PasswordLookup
	challenge string
	sentChal  bool
}

func newCramMD5Server(lookup PasswordLookup) sasl.Server {
	return &cramMD5Server{lookup: lookup}
}

func (s *cramMD5Server) Next(response []byte) (challenge []byte, done bool, err error) {
	if !s.sentChal {
		s.sentChal = true
		s.challenge, err = randomChallenge()
		if err != nil {
			return nil, false, err
		}
		return []byte(s.challenge), false, nil
	}

	fields := strings.Fields(string(response))
	if len(fields) != 2 {
		return nil, false, errors.New("auth: malformed CRAM-MD5 response")
	}
	identity, digest := fields[0], fields[1]
	user, domain, ok := splitIdentity(identity)
	if !ok {
		return nil, false, errors.New("auth: identity must be user@domain")
	}

	password, found, err := s.lookup(user, domain)
	if err != nil {
		return nil, false, err
	}
	if !found || digest != CramMD5Digest(s.challenge, password) {
		return nil, false, ErrAuthFailed
	}
	return nil, true, nil
}

func randomChallenge() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("<%s@robin>", hex.EncodeToString(buf[:])), nil
}

// CramMD5Digest computes the HMAC-MD5 digest CRAM-MD5 expects for a given
// challenge and password. Exported so both the server mechanism (above)
// and outbound clients presenting CRAM-MD5 credentials can share it.
func CramMD5Digest(challenge, password string) string {
	mac := hmac.New(md5.New, []byte(password))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// digestMD5Server implements a minimal RFC 2831 exchange: a single
// challenge/response round with "auth" qop, no further security layer.
// Like CRAM-MD5, this is hand-written: it is absent from both chasquid
// and go-sasl.
type digestMD5Server struct {
	lookup   PasswordLookup
	realm    string
	nonce    string
	sentChal bool
}

func newDigestMD5Server(lookup PasswordLookup) sasl.Server {
	return &digestMD5Server{lookup: lookup, realm: "robin"}
}

func (s *digestMD5Server) Next(response []byte) (challenge []byte, done bool, err error) {
	if !s.sentChal {
		s.sentChal = true
		var buf [16]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, false, err
		}
		s.nonce = hex.EncodeToString(buf[:])
		chal := fmt.Sprintf(`realm=%q,nonce=%q,qop="auth",charset=utf-8,algorithm=md5-sess`, s.realm, s.nonce)
		return []byte(chal), false, nil
	}

	params := parseDigestParams(string(response))
	user, domain, ok := splitIdentity(params["username"])
	if !ok {
		return nil, false, errors.New("auth: identity must be user@domain")
	}
	if params["nonce"] != s.nonce {
		return nil, false, errors.New("auth: nonce mismatch")
	}

	password, found, err := s.lookup(user, domain)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, ErrAuthFailed
	}

	expected := digestMD5Response(user, s.realm, password, s.nonce, params["cnonce"], params["nc"], params["digest-uri"])
	if params["response"] != expected {
		return nil, false, ErrAuthFailed
	}
	return nil, true, nil
}

// digestMD5Response implements the RFC 2831 §2.1.2.1 response-value
// algorithm for qop=auth.
func digestMD5Response(username, realm, password, nonce, cnonce, nc, digestURI string) string {
	h := func(b []byte) []byte {
		sum := md5.Sum(b)
		return sum[:]
	}
	hex := func(b []byte) string { return fmt.Sprintf("%x", b) }

	a1 := h([]byte(username + ":" + realm + ":" + password))
	a1 = append(a1, []byte(":"+nonce+":"+cnonce)...)
	ha1 := hex(h(a1))

	a2 := "AUTHENTICATE:" + digestURI
	ha2 := hex(h([]byte(a2)))

	kd := ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":auth:" + ha2
	return hex(h([]byte(kd)))
}

func parseDigestParams(s string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}
