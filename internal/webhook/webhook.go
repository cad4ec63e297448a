// Package webhook implements the Webhook Dispatcher: a synchronous HTTP
// callback fired around selected verbs, whose response may override the
// SMTP reply the session is about to send.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/transilvlad/robin/internal/smtpsession"
	"github.com/transilvlad/robin/internal/trace"
)

// request is the JSON payload POSTed to the configured URL.
type request struct {
	Verb      string `json:"verb"`
	SessionID string `json:"session_id"`
	RemoteIP  string `json:"remote_ip"`
	Payload   string `json:"payload"`
	TLS       bool   `json:"tls"`
	Auth      string `json:"auth,omitempty"`
}

// response is the {code, message, drop?} body the endpoint returns.
type response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Drop    bool   `json:"drop"`
}

// Dispatcher implements smtpsession.Dispatcher, POSTing a JSON payload for
// each configured verb and translating its response into a
// smtpsession.WebhookReply override.
type Dispatcher struct {
	// URL is the webhook endpoint.
	URL string

	// Verbs is the set of verb names (uppercase) this dispatcher fires
	// on. A nil/empty set means "never fire" rather than "fire on
	// everything", since an unconfigured webhook must be a no-op.
	Verbs map[string]bool

	// Timeout bounds the call, 5s by default.
	Timeout time.Duration

	// Secret, if set, HMAC-SHA256-signs the request body; the signature
	// is sent as the X-Robin-Signature header (hex-encoded), letting the
	// endpoint verify the call actually came from this dispatcher.
	Secret string

	client *http.Client
}

// New returns a Dispatcher with a 5s default timeout and no signing
// secret.
func New(url string, verbs []string) *Dispatcher {
	set := make(map[string]bool, len(verbs))
	for _, v := range verbs {
		set[strings.ToUpper(v)] = true
	}
	return &Dispatcher{
		URL:     url,
		Verbs:   set,
		Timeout: 5 * time.Second,
		client:  &http.Client{},
	}
}

// Dispatch fires the webhook for verb if configured to, POSTing payload
// and the session's observable state. A non-2xx response or a timeout
// leaves the default reply in place (override is nil) but is still
// recorded via the returned recorded=true.
func (d *Dispatcher) Dispatch(s *smtpsession.Session, verb, payload string) (override *smtpsession.WebhookReply, recorded bool) {
	if d == nil || d.URL == "" || !d.Verbs[strings.ToUpper(verb)] {
		return nil, false
	}

	tr := trace.New("webhook.Dispatch", verb)
	defer tr.Finish()

	snap := s.Snapshot()
	req := request{
		Verb:      verb,
		SessionID: sessionID(s),
		RemoteIP:  snap.RemoteAddr,
		Payload:   payload,
		TLS:       snap.TLSState == smtpsession.TLSActive,
		Auth:      snap.AuthIdentity,
	}
	body, err := json.Marshal(req)
	if err != nil {
		tr.Error(err)
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
	defer cancel()

	resp, err := d.post(ctx, body)
	if err != nil {
		tr.Errorf("webhook call failed: %v", err)
		return nil, true
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tr.Printf("webhook returned status %d, keeping default reply", resp.StatusCode)
		return nil, true
	}

	var wr response
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		tr.Errorf("webhook response decode: %v", err)
		return nil, true
	}

	tr.Debugf("override code=%d drop=%v", wr.Code, wr.Drop)
	return &smtpsession.WebhookReply{Code: wr.Code, Message: wr.Message, Drop: wr.Drop}, true
}

// post issues the HTTP POST, deriving the client's Timeout from ctx's
// deadline since http.Client does not honor a bare context deadline on
// its own (mirrors the teacher's internal/sts.httpGet).
func (d *Dispatcher) post(ctx context.Context, body []byte) (*http.Response, error) {
	client := *d.client
	if deadline, ok := ctx.Deadline(); ok {
		client.Timeout = time.Until(deadline)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webhook: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.Secret != "" {
		mac := hmac.New(sha256.New, []byte(d.Secret))
		mac.Write(body)
		httpReq.Header.Set("X-Robin-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	return client.Do(httpReq)
}

func sessionID(s *smtpsession.Session) string {
	return fmt.Sprintf("%p", s)
}
