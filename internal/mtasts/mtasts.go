// Package mtasts implements MTA-STS (RFC 8461) policy discovery and
// fetching, adapted from the teacher's experimental draft-02
// implementation in internal/sts: DNS TXT discovery at
// _mta-sts.<domain>, followed by an HTTPS GET of
// https://mta-sts.<domain>/.well-known/mta-sts.txt.
package mtasts

import (
	"context"
	"errors"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/context/ctxhttp"
	"golang.org/x/net/idna"
)

// Mode is the enforcement level an STS policy requests.
type Mode string

const (
	ModeEnforce = Mode("enforce")
	ModeTesting = Mode("testing")
	ModeNone    = Mode("none")
)

// Policy is a parsed, unchecked MTA-STS policy.
type Policy struct {
	Version string
	ID      string
	Mode    Mode
	MXs     []string
	MaxAge  time.Duration
}

var (
	ErrUnknownVersion = errors.New("mtasts: unknown policy version")
	ErrInvalidMaxAge  = errors.New("mtasts: invalid max_age")
	ErrInvalidMode    = errors.New("mtasts: invalid mode")
	ErrInvalidMX      = errors.New("mtasts: mode=enforce/testing requires at least one mx pattern")
)

// Check validates a parsed Policy per RFC 8461 §3.2.
func (p *Policy) Check() error {
	if p.Version != "STSv1" {
		return ErrUnknownVersion
	}
	if p.MaxAge <= 0 {
		return ErrInvalidMaxAge
	}
	switch p.Mode {
	case ModeEnforce, ModeTesting, ModeNone:
	default:
		return ErrInvalidMode
	}
	if p.Mode != ModeNone && len(p.MXs) == 0 {
		return ErrInvalidMX
	}
	return nil
}

// MXIsAllowed reports whether mx matches one of the policy's mx patterns,
// per RFC 6125 §6.4 wildcard matching.
func (p *Policy) MXIsAllowed(mx string) bool {
	for _, pattern := range p.MXs {
		if matchDomain(mx, pattern) {
			return true
		}
	}
	return false
}

// TXTRecordStatus is the outcome of parsing one _mta-sts TXT answer.
type TXTRecordStatus int

const (
	// TXTAbsent means the string did not begin with "v=STSv1": it is not
	// an STS record at all.
	TXTAbsent TXTRecordStatus = iota
	// TXTInvalid means the string began with "v=STSv1" but id was
	// missing or empty.
	TXTInvalid
	// TXTValid means v=STSv1 and a non-empty id were both present.
	TXTValid
)

// TXTRecord is a parsed _mta-sts.<domain> TXT record.
type TXTRecord struct {
	Status TXTRecordStatus
	ID     string
}

// ParseTXT parses one _mta-sts TXT answer string into a TXTRecord.
func ParseTXT(s string) TXTRecord {
	fields := splitFields(s)
	if len(fields) == 0 || fields[0] != "v=STSv1" {
		return TXTRecord{Status: TXTAbsent}
	}

	var id string
	for _, f := range fields[1:] {
		k, v, ok := splitKV(f)
		if ok && k == "id" {
			id = v
		}
	}

	if id == "" {
		return TXTRecord{Status: TXTInvalid}
	}
	return TXTRecord{Status: TXTValid, ID: id}
}

// SelectTXT treats multiple (or zero) valid v=STSv1 TXT records at
// _mta-sts.<domain> as an absent policy, since RFC 8461 §3.1 requires
// senders to abort if more than one is found and there is no safe way
// to pick among them.
func SelectTXT(answers []string) (TXTRecord, bool) {
	var valid []TXTRecord
	for _, a := range answers {
		if rec := ParseTXT(a); rec.Status != TXTAbsent {
			valid = append(valid, rec)
		}
	}
	if len(valid) != 1 || valid[0].Status != TXTValid {
		return TXTRecord{}, false
	}
	return valid[0], true
}

func splitFields(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ";") {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func splitKV(f string) (key, value string, ok bool) {
	i := strings.IndexByte(f, '=')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(f[:i]), strings.TrimSpace(f[i+1:]), true
}

// parsePolicy parses the key:value body (version, mode, mx, max_age
// lines) per RFC 8461 §3.2's text/plain encoding — a redesign from the
// teacher's draft-02 JSON body, which predates the final RFC's text
// format.
func parsePolicy(raw []byte) (*Policy, error) {
	p := &Policy{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := splitColonKV(line)
		if !ok {
			continue
		}
		switch key {
		case "version":
			p.Version = value
		case "mode":
			p.Mode = Mode(value)
		case "mx":
			p.MXs = append(p.MXs, value)
		case "max_age":
			secs, err := strconv.Atoi(value)
			if err != nil {
				return nil, ErrInvalidMaxAge
			}
			p.MaxAge = time.Duration(secs) * time.Second
		}
	}
	return p, nil
}

func splitColonKV(line string) (key, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
}

// UncheckedFetch fetches and parses the policy body at
// https://mta-sts.<domain>/.well-known/mta-sts.txt, without validating
// it (callers should call Check before using the result).
func UncheckedFetch(ctx context.Context, domain string) (*Policy, error) {
	asciiDomain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, err
	}

	url := "https://mta-sts." + asciiDomain + "/.well-known/mta-sts.txt"
	raw, err := httpGet(ctx, url)
	if err != nil {
		return nil, err
	}
	return parsePolicy(raw)
}

// Fetch fetches, parses and validates the policy for domain.
func Fetch(ctx context.Context, domain string) (*Policy, error) {
	p, err := UncheckedFetch(ctx, domain)
	if err != nil {
		return nil, err
	}
	if err := p.Check(); err != nil {
		return nil, err
	}
	return p, nil
}

var errRejectRedirect = errors.New("mtasts: redirects are not allowed when fetching a policy")

func rejectRedirect(req *http.Request, via []*http.Request) error {
	return errRejectRedirect
}

func httpGet(ctx context.Context, url string) ([]byte, error) {
	client := &http.Client{
		// RFC 8461 §3.3: redirects MUST NOT be followed.
		CheckRedirect: rejectRedirect,
	}
	if deadline, ok := ctx.Deadline(); ok {
		client.Timeout = time.Until(deadline)
	}

	resp, err := ctxhttp.Get(ctx, client, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return ioutil.ReadAll(resp.Body)
}

// matchDomain checks if domain matches pattern per RFC 6125 §6.4,
// allowing a leading "*" wildcard label only.
func matchDomain(domain, pattern string) bool {
	domain, dErr := domainToASCII(domain)
	pattern, pErr := domainToASCII(pattern)
	if dErr != nil || pErr != nil {
		return false
	}

	domainLabels := strings.Split(domain, ".")
	patternLabels := strings.Split(pattern, ".")
	if len(domainLabels) != len(patternLabels) {
		return false
	}

	for i, p := range patternLabels {
		if p == "*" && i == 0 {
			continue
		}
		if p != domainLabels[i] {
			return false
		}
	}
	return true
}

func domainToASCII(domain string) (string, error) {
	domain = strings.TrimSuffix(domain, ".")
	domain = strings.ToLower(domain)
	return idna.ToASCII(domain)
}
