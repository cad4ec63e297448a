// Package mxpolicy implements the MX Policy Resolver: it turns a
// destination domain into an ordered list of next-hop candidates,
// each annotated with the TLS security policy delivery must enforce.
package mxpolicy

import (
	"context"
	"fmt"
	"sort"

	"github.com/transilvlad/robin/internal/dnsclient"
	"github.com/transilvlad/robin/internal/mtasts"
)

// Policy classifies the TLS discipline a Candidate requires.
type Policy int

const (
	Opportunistic Policy = iota
	MTASTSTesting
	MTASTSEnforce
	DANEMandatory
)

func (p Policy) String() string {
	switch p {
	case DANEMandatory:
		return "dane-mandatory"
	case MTASTSEnforce:
		return "mtasts-enforce"
	case MTASTSTesting:
		return "mtasts-testing"
	default:
		return "opportunistic"
	}
}

// Candidate is one next-hop MX, annotated with the policy delivery must
// apply to it.
type Candidate struct {
	Host       string
	Port       int
	Preference uint16
	Policy     Policy

	// TLSA is populated when Policy == DANEMandatory.
	TLSA []dnsclient.TLSA
}

// Resolver is the MX Policy Resolver component.
type Resolver struct {
	DNS   *dnsclient.Client
	Cache *mtasts.PolicyCache

	// Port is the SMTP port candidates are annotated with, 25 by
	// default.
	Port int
}

// New returns a Resolver backed by dns and an MTA-STS policy cache.
func New(dns *dnsclient.Client) *Resolver {
	return &Resolver{DNS: dns, Cache: mtasts.NewPolicyCache(), Port: 25}
}

// ResolveSecureMX implements a three-step procedure: DANE takes
// precedence over MTA-STS, which takes precedence over opportunistic
// TLS.
func (r *Resolver) ResolveSecureMX(ctx context.Context, domain string) ([]Candidate, error) {
	mxs, err := r.DNS.LookupMX(ctx, domain)
	if err != nil {
		if e, ok := err.(*dnsclient.LookupError); !ok || e.Kind != dnsclient.KindNotFound {
			return nil, fmt.Errorf("mxpolicy: lookup MX for %s: %w", domain, err)
		}
		mxs = nil
	}
	if len(mxs) == 0 {
		// RFC 5321 §5.1 implicit MX fallback: the domain itself is the
		// mail host when it has no MX records.
		mxs = []dnsclient.MX{{Preference: 0, Host: domain}}
	}

	port := r.Port
	if port == 0 {
		port = 25
	}

	candidates := make([]Candidate, len(mxs))
	for i, mx := range mxs {
		candidates[i] = Candidate{Host: mx.Host, Port: port, Preference: mx.Preference}
	}

	if daneApplies, err := r.applyDANE(ctx, candidates); err != nil {
		return nil, err
	} else if daneApplies {
		return candidates, nil
	}

	if stsApplied, stsCandidates, err := r.applyMTASTS(ctx, domain, candidates); err != nil {
		return nil, err
	} else if stsApplied {
		return stsCandidates, nil
	}

	for i := range candidates {
		candidates[i].Policy = Opportunistic
	}
	return candidates, nil
}

// applyDANE looks up TLSA records for every candidate's "_25._tcp.<mx>"
// owner name. If any candidate carries a usable TLSA set, every
// candidate is marked DANEMandatory.
func (r *Resolver) applyDANE(ctx context.Context, candidates []Candidate) (bool, error) {
	tlsaSets := make([][]dnsclient.TLSA, len(candidates))
	any := false

	for i, c := range candidates {
		name := fmt.Sprintf("_%d._tcp.%s", c.Port, c.Host)
		recs, err := r.DNS.LookupTLSA(ctx, name)
		if err != nil {
			var le *dnsclient.LookupError
			if e, ok := err.(*dnsclient.LookupError); ok {
				le = e
			}
			if le != nil && le.Kind == dnsclient.KindNotFound {
				continue
			}
			// A transient (SERVFAIL/transport) failure during the TLSA
			// step must not be silently treated as "no TLSA". Surface
			// it so the caller can retry rather than falling through
			// to a weaker policy.
			return false, fmt.Errorf("mxpolicy: transient TLSA lookup failure for %s: %w", name, err)
		}
		if len(recs) > 0 {
			tlsaSets[i] = recs
			any = true
		}
	}

	if !any {
		return false, nil
	}

	for i := range candidates {
		candidates[i].Policy = DANEMandatory
		candidates[i].TLSA = tlsaSets[i]
	}
	return true, nil
}

// applyMTASTS resolves the MTA-STS step: if a policy applies, it either
// filters candidates to allowed hosts (enforce) or leaves them untouched
// (testing).
func (r *Resolver) applyMTASTS(ctx context.Context, domain string, candidates []Candidate) (bool, []Candidate, error) {
	txts, err := r.DNS.LookupTXT(ctx, "_mta-sts."+domain)
	if err != nil {
		var le *dnsclient.LookupError
		if e, ok := err.(*dnsclient.LookupError); ok {
			le = e
		}
		if le != nil && le.Kind == dnsclient.KindNotFound {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("mxpolicy: lookup _mta-sts TXT for %s: %w", domain, err)
	}

	if _, ok := mtasts.SelectTXT(txts); !ok {
		return false, nil, nil
	}

	policy, err := r.Cache.Get(ctx, domain)
	if err != nil {
		// A policy fetch/validation failure is treated as "no policy":
		// delivery falls through to opportunistic rather than failing
		// the attempt outright (MTA-STS is advisory until an enforce
		// policy is actually retrieved).
		return false, nil, nil
	}

	switch policy.Mode {
	case mtasts.ModeEnforce:
		var kept []Candidate
		for _, c := range candidates {
			if policy.MXIsAllowed(c.Host) {
				c.Policy = MTASTSEnforce
				kept = append(kept, c)
			}
		}
		return true, kept, nil
	case mtasts.ModeTesting:
		for i := range candidates {
			candidates[i].Policy = MTASTSTesting
		}
		return true, candidates, nil
	default:
		return false, nil, nil
	}
}

// SortByPreference orders candidates by ascending MX preference, stable
// for ties.
func SortByPreference(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Preference < candidates[j].Preference
	})
}
