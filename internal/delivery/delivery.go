// Package delivery implements the Delivery Coordinator: given an envelope
// and a destination domain, it iterates MX candidates
// in preference order, honours each candidate's security policy, and
// classifies the outcome per recipient.
package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/transilvlad/robin/internal/dane"
	"github.com/transilvlad/robin/internal/mxpolicy"
	"github.com/transilvlad/robin/internal/smtpsession"
	"github.com/transilvlad/robin/internal/trace"
)

// Coordinator delivers envelopes to remote domains, grounded on the
// teacher's courier.SMTP.Deliver/attempt.deliver, generalized to consume
// mxpolicy.Candidate.Policy instead of a single domaininfo security
// level.
type Coordinator struct {
	HelloDomain string
	MX          *mxpolicy.Resolver

	DialTimeout    time.Duration
	SessionTimeout time.Duration
}

// New returns a Coordinator with the teacher's default timeouts.
func New(mx *mxpolicy.Resolver, helloDomain string) *Coordinator {
	return &Coordinator{
		HelloDomain:    helloDomain,
		MX:             mx,
		DialTimeout:    1 * time.Minute,
		SessionTimeout: 10 * time.Minute,
	}
}

// Outcome is the per-recipient result of one delivery attempt.
type Outcome struct {
	Recipient      string
	Classification smtpsession.Classification
	Code           int
	Text           string
	Err            error
}

// Deliver attempts to send env to every recipient in domain's MX set, in
// MX preference order, stopping at the first candidate that accepts (or
// terminally rejects) every remaining recipient. After a failed
// DANE-mandatory attempt it still tries further candidates of the same
// class, but never falls back to a lower-security one.
func (c *Coordinator) Deliver(ctx context.Context, env *smtpsession.Envelope, domain string) []Outcome {
	tr := trace.New("delivery.Coordinator", domain)
	defer tr.Finish()

	candidates, err := c.MX.ResolveSecureMX(ctx, domain)
	if err != nil || len(candidates) == 0 {
		return deferAll(env.RcptTo, fmt.Errorf("delivery: no usable MX for %s: %v", domain, err))
	}
	mxpolicy.SortByPreference(candidates)

	pending := append([]string(nil), env.RcptTo...)
	var outcomes []Outcome
	var lastErr error

	for i, cand := range candidates {
		if len(pending) == 0 {
			break
		}

		got, remaining, err := c.attempt(ctx, tr, cand, env.MailFrom, pending, env.Data)
		outcomes = append(outcomes, got...)
		pending = remaining
		if err != nil {
			lastErr = err
			tr.Errorf("%s:%d (%s) failed: %v", cand.Host, cand.Port, cand.Policy, err)
		}

		if len(pending) > 0 && cand.Policy == mxpolicy.DANEMandatory {
			// DANE-mandatory forbids falling back to a lower-security
			// candidate, but same-class candidates (other MX hosts
			// applyDANE also marked mandatory) are still fair game.
			next := i + 1
			if next >= len(candidates) || candidates[next].Policy < mxpolicy.DANEMandatory {
				break
			}
		}
	}

	if len(pending) > 0 {
		deferErr := lastErr
		if deferErr == nil {
			deferErr = fmt.Errorf("delivery: exhausted all MX candidates for %s", domain)
		}
		outcomes = append(outcomes, deferAll(pending, deferErr)...)
	}
	return outcomes
}

// attempt runs one SMTP session against cand for the given recipients,
// returning per-recipient outcomes for those it definitively resolved
// (delivered or rejected) and the recipients still pending (deferred by
// this candidate, to be retried against the next one, unless this was a
// DANE-mandatory candidate).
func (c *Coordinator) attempt(ctx context.Context, tr *trace.Trace, cand mxpolicy.Candidate, from string, rcpts []string, data []byte) (outcomes []Outcome, pending []string, err error) {
	addr := net.JoinHostPort(cand.Host, strconv.Itoa(cand.Port))
	conn, err := net.DialTimeout("tcp", addr, c.DialTimeout)
	if err != nil {
		return nil, rcpts, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.SessionTimeout))

	s := smtpsession.NewSession(conn, &smtpsession.Config{Hostname: c.HelloDomain})
	if err := s.ClientGreet(); err != nil {
		return nil, rcpts, fmt.Errorf("greeting from %s: %w", cand.Host, err)
	}
	if _, err := s.ClientEHLO(c.HelloDomain); err != nil {
		return nil, rcpts, fmt.Errorf("EHLO to %s: %w", cand.Host, err)
	}

	secure, err := c.negotiateTLS(s, cand)
	if err != nil {
		return nil, rcpts, err
	}
	_ = secure

	if err := s.ClientMail(from); err != nil {
		return nil, rcpts, fmt.Errorf("MAIL to %s: %w", cand.Host, err)
	}

	var accepted []string
	for _, rcpt := range rcpts {
		code, text, rerr := s.ClientRcpt(rcpt)
		if rerr != nil {
			pending = append(pending, rcpt)
			continue
		}
		switch {
		case code >= 200 && code < 300:
			accepted = append(accepted, rcpt)
		case code >= 500:
			outcomes = append(outcomes, Outcome{Recipient: rcpt, Classification: smtpsession.ClassRejected, Code: code, Text: text})
		default:
			outcomes = append(outcomes, Outcome{Recipient: rcpt, Classification: smtpsession.ClassDeferred, Code: code, Text: text})
		}
	}

	if len(accepted) == 0 {
		s.ClientQuit()
		return outcomes, pending, nil
	}

	code, text, derr := s.ClientData(data)
	s.ClientQuit()
	if derr != nil {
		for _, rcpt := range accepted {
			outcomes = append(outcomes, Outcome{Recipient: rcpt, Classification: smtpsession.ClassDeferred, Code: code, Text: text, Err: derr})
		}
		return outcomes, pending, derr
	}

	class := smtpsession.ClassDelivered
	if code >= 400 {
		class = smtpsession.ClassDeferred
	}
	for _, rcpt := range accepted {
		outcomes = append(outcomes, Outcome{Recipient: rcpt, Classification: class, Code: code, Text: text})
	}
	return outcomes, pending, nil
}

// negotiateTLS enforces the TLS discipline cand.Policy assigns:
// DANE-mandatory validates the TLSA set (RFC 7672);
// MTASTS-enforce requires a public-CA chain to cand.Host; testing/
// opportunistic attempt STARTTLS but tolerate failure.
func (c *Coordinator) negotiateTLS(s *smtpsession.Session, cand mxpolicy.Candidate) (secure bool, err error) {
	offered := s.ClientHasCap("STARTTLS")

	switch cand.Policy {
	case mxpolicy.DANEMandatory:
		if !offered {
			return false, fmt.Errorf("%s: DANE-mandatory candidate did not offer STARTTLS", cand.Host)
		}
		tlsCfg := &tls.Config{ServerName: cand.Host, InsecureSkipVerify: true}
		if err := s.ClientSTARTTLS(tlsCfg); err != nil {
			return false, fmt.Errorf("%s: STARTTLS failed: %w", cand.Host, err)
		}
		if _, err := s.ClientEHLO(c.HelloDomain); err != nil {
			return false, fmt.Errorf("%s: post-TLS EHLO failed: %w", cand.Host, err)
		}
		res, err := dane.Verify(cand.TLSA, *s.TLSConnInfo, cand.Host)
		if err != nil {
			return false, fmt.Errorf("%s: DANE verification error: %w", cand.Host, err)
		}
		if !res.Matched {
			return false, fmt.Errorf("%s: no TLSA record matched presented certificate", cand.Host)
		}
		return true, nil

	case mxpolicy.MTASTSEnforce:
		if !offered {
			return false, fmt.Errorf("%s: MTASTS-enforce candidate did not offer STARTTLS", cand.Host)
		}
		tlsCfg := &tls.Config{ServerName: cand.Host}
		if err := s.ClientSTARTTLS(tlsCfg); err != nil {
			return false, fmt.Errorf("%s: STARTTLS failed: %w", cand.Host, err)
		}
		if _, err := s.ClientEHLO(c.HelloDomain); err != nil {
			return false, fmt.Errorf("%s: post-TLS EHLO failed: %w", cand.Host, err)
		}
		return true, nil

	default: // MTASTSTesting, Opportunistic
		if !offered {
			return false, nil
		}
		tlsCfg := &tls.Config{ServerName: cand.Host, InsecureSkipVerify: true}
		if err := s.ClientSTARTTLS(tlsCfg); err != nil {
			// Certificate validation errors never block delivery at
			// this policy level.
			return false, nil
		}
		if _, err := s.ClientEHLO(c.HelloDomain); err != nil {
			return false, nil
		}
		return true, nil
	}
}

func deferAll(rcpts []string, err error) []Outcome {
	out := make([]Outcome, 0, len(rcpts))
	for _, r := range rcpts {
		out = append(out, Outcome{Recipient: r, Classification: smtpsession.ClassDeferred, Err: err})
	}
	return out
}
