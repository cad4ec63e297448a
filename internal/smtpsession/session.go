// Package smtpsession implements the SMTP Session & Verb Engine: the
// server-side and client-side state machines that drive an SMTP
// connection verb by verb, recording every exchange into a transaction
// log.
package smtpsession

import (
	"bufio"
	"crypto/tls"
	"net"
	"time"

	"blitiri.com.ar/go/spf"

	"github.com/transilvlad/robin/internal/auth"
	"github.com/transilvlad/robin/internal/dkimstore"
	"github.com/transilvlad/robin/internal/dnsbl"
	"github.com/transilvlad/robin/internal/trace"
	"github.com/transilvlad/robin/internal/txlog"
)

// TLSState is a Session's three-valued TLS negotiation state.
type TLSState int

const (
	TLSNone TLSState = iota
	TLSOffered
	TLSActive
)

func (s TLSState) String() string {
	switch s {
	case TLSActive:
		return "active"
	case TLSOffered:
		return "offered"
	default:
		return "none"
	}
}

// Classification is an Envelope's final disposition.
type Classification int

const (
	ClassPending Classification = iota
	ClassDelivered
	ClassPartial
	ClassRejected
	ClassDeferred
)

func (c Classification) String() string {
	switch c {
	case ClassDelivered:
		return "delivered"
	case ClassPartial:
		return "partial"
	case ClassRejected:
		return "rejected"
	case ClassDeferred:
		return "deferred"
	default:
		return "pending"
	}
}

// Envelope is a single message attempt, from MAIL FROM through the final
// DATA/BDAT reply.
type Envelope struct {
	MailFrom    string
	RcptTo      []string
	Failed      []string
	Data        []byte
	Chunked     bool
	Log         *txlog.EnvelopeLog
	Class       Classification
}

// Session is the per-connection context shared by the server and client
// state machines.
type Session struct {
	Conn       net.Conn
	Reader     *bufio.Reader
	Writer     *bufio.Writer
	RemoteAddr net.Addr
	LocalAddr  net.Addr

	TLSState    TLSState
	TLSConfig   *tls.Config
	TLSConnInfo *tls.ConnectionState

	EHLODomain string
	IsESMTP    bool
	Caps       []string

	// SPFResult and SPFError record the sender-policy check made at
	// MAIL FROM time. This is a hint only: nothing in this package
	// rejects a message because of it.
	SPFResult spf.Result
	SPFError  error

	AuthIdentity string
	Authed       bool

	Envelope   *Envelope
	Envelopes  []*Envelope
	Log        *txlog.SessionLog

	// Username/Password are populated on the client side for outbound
	// AUTH.
	Username string
	Password string

	// Config is an opaque per-session configuration snapshot, consulted
	// by verb handlers (e.g. local-domain set, relay policy).
	Config *Config

	// Trusted is set when the peer is on the XCLIENT trust list.
	Trusted bool

	Tracer *trace.Trace

	deadline time.Duration
}

// Config is the subset of server/client configuration the verb engine
// consults directly.
type Config struct {
	Hostname       string
	MaxDataSize    int64
	CommandTimeout time.Duration
	DataTimeout    time.Duration
	LocalDomains   map[string]bool
	RequireAuth    bool
	XCLIENTTrust   map[string]bool // keyed by the peer's IP address string
	Webhook        Dispatcher

	// Authenticator and PasswordLookup back the AUTH verb's SASL
	// mechanism servers. PasswordLookup is only consulted by
	// challenge-response mechanisms (CRAM-MD5, DIGEST-MD5) that need
	// the plaintext password to verify a digest.
	Authenticator  *auth.Authenticator
	PasswordLookup auth.PasswordLookup

	// Queue receives every envelope sealed ClassPending, at DATA/BDAT
	// time, synchronously, so the session can reply with a failure
	// code if it could not be queued. Nil means accept-and-discard,
	// which is only useful for tests that inspect s.Envelopes directly.
	Queue Queuer

	// DNSBL, if set, is consulted once per connection before the
	// greeting is sent. A listed remote address is rejected outright.
	DNSBL *dnsbl.Checker

	// DKIMStore, if set, is used to verify inbound DKIM signatures at
	// DATA/BDAT time and record the selectors seen.
	DKIMStore *dkimstore.Store
}

// Dispatcher is the subset of the Webhook Dispatcher the session engine
// calls into around selected verbs. Defined here to avoid a dependency
// cycle with internal/webhook.
type Dispatcher interface {
	Dispatch(s *Session, verb, payload string) (override *WebhookReply, recorded bool)
}

// Queuer is the subset of the mail queue the session engine hands sealed
// envelopes to. Defined here to avoid a dependency cycle with
// internal/queue.
type Queuer interface {
	Put(tr *trace.Trace, from string, to []string, data []byte) (string, error)
}

// WebhookReply is the parsed {code, message, drop} response body.
type WebhookReply struct {
	Code    int
	Message string
	Drop    bool
}

// NewSession wraps conn into a Session ready to run the server loop.
func NewSession(conn net.Conn, cfg *Config) *Session {
	s := &Session{
		Conn:       conn,
		Reader:     bufio.NewReader(conn),
		Writer:     bufio.NewWriter(conn),
		RemoteAddr: conn.RemoteAddr(),
		LocalAddr:  conn.LocalAddr(),
		Config:     cfg,
		Log:        &txlog.SessionLog{},
	}
	if tcp, ok := s.RemoteAddr.(*net.TCPAddr); ok && cfg != nil {
		s.Trusted = cfg.XCLIENTTrust[tcp.IP.String()]
	}
	return s
}

// NewEnvelope opens a fresh Envelope and session sub-log, discarding any
// prior open envelope.
func (s *Session) NewEnvelope() *Envelope {
	env := &Envelope{Log: s.Log.NewEnvelope()}
	s.Envelope = env
	return env
}

// SealEnvelope closes the current envelope, appending it to Envelopes
// and clearing Envelope.
func (s *Session) SealEnvelope(class Classification) {
	if s.Envelope == nil {
		return
	}
	s.Envelope.Class = class
	s.Envelopes = append(s.Envelopes, s.Envelope)
	s.Envelope = nil
}

// ResetEnvelope discards the current envelope without sealing it
// (RSET/STARTTLS/EHLO re-negotiation).
func (s *Session) ResetEnvelope() {
	s.Envelope = nil
}

// Snapshot is an immutable value copy of a Session's observable state,
// safe to read after the Session that produced it has moved on to
// another verb or blocking I/O call.
type Snapshot struct {
	RemoteAddr   string
	LocalAddr    string
	EHLODomain   string
	TLSState     TLSState
	AuthIdentity string
	Authed       bool
	Trusted      bool
}

// Snapshot copies s's current observable state, for the Webhook
// Dispatcher's payload and for post-mortem tracing.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		EHLODomain:   s.EHLODomain,
		TLSState:     s.TLSState,
		AuthIdentity: s.AuthIdentity,
		Authed:       s.Authed,
		Trusted:      s.Trusted,
	}
	if s.RemoteAddr != nil {
		snap.RemoteAddr = s.RemoteAddr.String()
	}
	if s.LocalAddr != nil {
		snap.LocalAddr = s.LocalAddr.String()
	}
	return snap
}
