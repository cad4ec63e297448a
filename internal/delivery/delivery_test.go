package delivery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/transilvlad/robin/internal/dnsclient"
	"github.com/transilvlad/robin/internal/mxpolicy"
	"github.com/transilvlad/robin/internal/smtpsession"
	"github.com/transilvlad/robin/internal/trace"
)

// startFakePeer runs an accepting SMTP server on loopback using the real
// session engine, so delivery.attempt exercises the same protocol code
// the rest of the module does.
func startFakePeer(t *testing.T, cfg *smtpsession.Config) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go smtpsession.NewSession(conn, cfg).Handle()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestAttemptDeliversToLocalDomain(t *testing.T) {
	cfg := &smtpsession.Config{
		Hostname:     "peer.example",
		MaxDataSize:  1 << 20,
		LocalDomains: map[string]bool{"dest.example": true},
	}
	cfg.CommandTimeout = 5 * time.Second
	cfg.DataTimeout = 5 * time.Second

	host, port := startFakePeer(t, cfg)

	c := New(mxpolicy.New(dnsclient.NewWithResolver(dnsclient.NewFakeResolver())), "robin.example")
	c.DialTimeout = 5 * time.Second
	c.SessionTimeout = 5 * time.Second

	cand := mxpolicy.Candidate{Host: host, Port: port, Policy: mxpolicy.Opportunistic}
	tr := trace.New("test", "attempt")
	outcomes, pending, err := c.attempt(context.Background(), tr, cand, "from@from",
		[]string{"to@dest.example"}, []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %v, want none", pending)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %v, want 1", outcomes)
	}
	if outcomes[0].Classification != smtpsession.ClassDelivered {
		t.Errorf("Classification = %v, want delivered", outcomes[0].Classification)
	}
}

func TestAttemptRejectsUnknownRecipient(t *testing.T) {
	cfg := &smtpsession.Config{
		Hostname:     "peer.example",
		MaxDataSize:  1 << 20,
		LocalDomains: map[string]bool{"dest.example": true},
	}
	cfg.CommandTimeout = 5 * time.Second
	cfg.DataTimeout = 5 * time.Second

	host, port := startFakePeer(t, cfg)

	c := New(mxpolicy.New(dnsclient.NewWithResolver(dnsclient.NewFakeResolver())), "robin.example")
	c.DialTimeout = 5 * time.Second
	c.SessionTimeout = 5 * time.Second

	cand := mxpolicy.Candidate{Host: host, Port: port, Policy: mxpolicy.Opportunistic}
	tr := trace.New("test", "attempt")
	outcomes, pending, err := c.attempt(context.Background(), tr, cand, "from@from",
		[]string{"to@other.example"}, []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %v, want none (rejection is terminal)", pending)
	}
	if len(outcomes) != 1 || outcomes[0].Classification != smtpsession.ClassRejected {
		t.Fatalf("outcomes = %+v, want one rejected", outcomes)
	}
}

func TestDeliverWithUnreachableMXDefersAll(t *testing.T) {
	// The implicit-MX domain (RFC 5321 §5.1) resolves to 127.0.0.1:25,
	// where nothing is listening; dial fails immediately and
	// deterministically, without touching real DNS.
	c := New(mxpolicy.New(dnsclient.NewWithResolver(dnsclient.NewFakeResolver())), "robin.example")
	c.DialTimeout = 2 * time.Second
	env := &smtpsession.Envelope{
		MailFrom: "from@from",
		RcptTo:   []string{"a@127.0.0.1", "b@127.0.0.1"},
	}
	outcomes := c.Deliver(context.Background(), env, "127.0.0.1")
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %v, want 2", outcomes)
	}
	for _, o := range outcomes {
		if o.Classification != smtpsession.ClassDeferred {
			t.Errorf("Classification = %v, want deferred", o.Classification)
		}
	}
}
