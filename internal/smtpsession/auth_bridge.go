package smtpsession

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/transilvlad/robin/internal/auth"
)

// authResult carries the outcome of a completed AUTH exchange back to
// handleAUTH.
type authResult struct {
	ok       bool
	identity string
}

// negotiateAuth drives the AUTH verb's mechanism exchange: it resolves
// the requested SASL mechanism, then loops writing 334
// continuation challenges and reading base64 client responses until the
// mechanism reports completion.
func negotiateAuth(s *Session, params string) (authResult, error) {
	if s.Config.Authenticator == nil {
		return authResult{}, fmt.Errorf("smtpsession: no authenticator configured")
	}

	fields := strings.Fields(params)
	if len(fields) == 0 {
		return authResult{}, fmt.Errorf("smtpsession: missing AUTH mechanism")
	}
	mechanism := strings.ToUpper(fields[0])

	var identity string
	verify := auth.Verifier(func(user, domain, password string) (bool, error) {
		ok, err := s.Config.Authenticator.Authenticate(user, domain, password)
		if ok {
			identity = user + "@" + domain
		}
		return ok, err
	})

	srv, err := auth.NewServer(mechanism, verify, s.Config.PasswordLookup)
	if err != nil {
		return authResult{}, err
	}

	// An initial response may follow the mechanism name on the AUTH
	// line itself (RFC 4954 §4).
	var initial []byte
	if len(fields) > 1 {
		if fields[1] == "=" {
			initial = []byte{}
		} else {
			initial, err = base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return authResult{}, fmt.Errorf("smtpsession: malformed initial response")
			}
		}
	}

	resp := initial
	haveResp := len(fields) > 1
	for {
		var challenge []byte
		var done bool
		if haveResp {
			challenge, done, err = srv.Next(resp)
			haveResp = false
		} else {
			challenge, done, err = srv.Next(nil)
		}
		if err != nil {
			if err == auth.ErrAuthFailed {
				return authResult{ok: false}, nil
			}
			return authResult{}, err
		}
		if done {
			return authResult{ok: true, identity: identity}, nil
		}

		if err := s.writeResponse("AUTH", "", 334, base64.StdEncoding.EncodeToString(challenge)); err != nil {
			return authResult{}, err
		}
		line, err := s.readLine()
		if err != nil {
			return authResult{}, err
		}
		if line == "*" {
			return authResult{ok: false}, nil
		}
		resp, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return authResult{}, fmt.Errorf("smtpsession: malformed base64 response")
		}
		haveResp = true
	}
}
