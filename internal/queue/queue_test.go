package queue

import (
	"net"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/transilvlad/robin/internal/aliases"
	"github.com/transilvlad/robin/internal/delivery"
	"github.com/transilvlad/robin/internal/dnsclient"
	"github.com/transilvlad/robin/internal/lda"
	"github.com/transilvlad/robin/internal/mxpolicy"
	"github.com/transilvlad/robin/internal/set"
	"github.com/transilvlad/robin/internal/smtpsession"
	"github.com/transilvlad/robin/internal/trace"
)

// scriptLDA writes an executable shell script that exits with code,
// draining stdin first. Mirrors internal/lda's own test helper.
func scriptLDA(t *testing.T, code int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lda.sh")
	script := "#!/bin/sh\ncat >/dev/null\nexit " + itoa(code) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// startFakePeer runs an accepting SMTP server on loopback using the real
// session engine, so remote deliveries in these tests exercise the same
// protocol code the rest of the module does.
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

// newTestRemoteC returns a delivery.Coordinator pointed, via the
// implicit-MX RFC 5321 §5.1 fallback, at a fake peer accepting mail for
// every recipient whose domain is in acceptDomains.
func newTestRemoteC(t *testing.T, acceptDomains map[string]bool) *delivery.Coordinator {
	t.Helper()
	cfg := &smtpsession.Config{
		Hostname:       "peer.example",
		MaxDataSize:    1 << 20,
		CommandTimeout: 5 * time.Second,
		DataTimeout:    5 * time.Second,
		LocalDomains:   acceptDomains,
	}
	_, port := startFakePeer(t, cfg)

	c := delivery.New(mxpolicy.New(dnsclient.NewWithResolver(dnsclient.NewFakeResolver())), "queuetest.example")
	c.DialTimeout = 5 * time.Second
	c.SessionTimeout = 5 * time.Second
	c.MX.Port = port
	return c
}

func newTestQueue(t *testing.T, localC *lda.Adapter, remoteC *delivery.Coordinator) *Queue {
	t.Helper()
	dir := t.TempDir()
	q, err := New(dir, set.NewString("loco"), aliases.NewResolver(), localC, remoteC)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestBasic(t *testing.T) {
	localC := lda.New(scriptLDA(t, 0))
	remoteC := newTestRemoteC(t, map[string]bool{"127.0.0.1": true})
	q := newTestQueue(t, localC, remoteC)

	tr := trace.New("test", "TestBasic")
	defer tr.Finish()
	id, err := q.Put(tr, "from", []string{"am@loco", "x@127.0.0.1", "nodomain"}, []byte("data"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(id) < 6 {
		t.Errorf("short ID: %v", id)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		item, ok := q.q[id]
		q.mu.Unlock()
		if !ok {
			break
		}
		done := true
		for _, r := range item.Rcpt {
			if r.Status == Recipient_PENDING {
				done = false
			}
		}
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	q.mu.Lock()
	item := q.q[id]
	q.mu.Unlock()
	if item == nil {
		t.Fatalf("item %q vanished from queue", id)
	}
	for _, r := range item.Rcpt {
		if r.Status != Recipient_SENT {
			t.Errorf("recipient %q status = %v, want SENT", r.Address, r.Status)
		}
	}
}

func TestFullQueue(t *testing.T) {
	localC := lda.New(scriptLDA(t, 0))
	remoteC := newTestRemoteC(t, map[string]bool{"remote": true})
	q := newTestQueue(t, localC, remoteC)
	q.MaxItems = 3

	tr := trace.New("test", "TestFullQueue")
	defer tr.Finish()

	var oneID string
	for i := 0; i < q.MaxItems; i++ {
		item := &Item{
			Message: Message{
				ID:   <-newID,
				From: "from",
				Rcpt: []*Recipient{
					{Address: "to", Type: Recipient_EMAIL, Status: Recipient_SENT},
				},
				Data: []byte("data"),
			},
			CreatedAt: time.Now(),
		}
		q.mu.Lock()
		q.q[item.ID] = item
		q.mu.Unlock()
		oneID = item.ID
	}

	// This one should fail, the queue is full.
	if _, err := q.Put(tr, "from", []string{"to"}, []byte("data-qf")); err != errQueueFull {
		t.Errorf("expected errQueueFull, got: %v", err)
	}

	// Remove one (writing it first so Remove doesn't complain about a
	// missing file), and try again: it should succeed.
	q.q[oneID].WriteTo(q.path)
	q.Remove(oneID)

	id, err := q.Put(tr, "from", []string{"to"}, []byte("data"))
	if err != nil {
		t.Errorf("Put: %v", err)
	}
	q.Remove(id)
}

func TestAliases(t *testing.T) {
	localC := lda.New(scriptLDA(t, 0))
	remoteC := newTestRemoteC(t, map[string]bool{"hualpa": true})
	q := newTestQueue(t, localC, remoteC)

	q.aliases.AddDomain("loco")
	q.aliases.AddAliasForTesting("ab@loco", "pq@loco", aliases.EMAIL)
	q.aliases.AddAliasForTesting("ab@loco", "rs@loco", aliases.EMAIL)
	q.aliases.AddAliasForTesting("ab@loco", "command", aliases.PIPE)
	q.aliases.AddAliasForTesting("cd@loco", "ata@hualpa", aliases.EMAIL)

	tr := trace.New("test", "TestAliases")
	defer tr.Finish()

	cases := []struct {
		to       []string
		expected []*Recipient
	}{
		{[]string{"ab@loco"}, []*Recipient{
			{Address: "pq@loco", Type: Recipient_EMAIL, Status: Recipient_PENDING, OriginalAddress: "ab@loco"},
			{Address: "rs@loco", Type: Recipient_EMAIL, Status: Recipient_PENDING, OriginalAddress: "ab@loco"},
			{Address: "command", Type: Recipient_PIPE, Status: Recipient_PENDING, OriginalAddress: "ab@loco"},
		}},
		{[]string{"ab@loco", "cd@loco"}, []*Recipient{
			{Address: "pq@loco", Type: Recipient_EMAIL, Status: Recipient_PENDING, OriginalAddress: "ab@loco"},
			{Address: "rs@loco", Type: Recipient_EMAIL, Status: Recipient_PENDING, OriginalAddress: "ab@loco"},
			{Address: "command", Type: Recipient_PIPE, Status: Recipient_PENDING, OriginalAddress: "ab@loco"},
			{Address: "ata@hualpa", Type: Recipient_EMAIL, Status: Recipient_PENDING, OriginalAddress: "cd@loco"},
		}},
	}
	for _, c := range cases {
		id, err := q.Put(tr, "from", c.to, []byte("data"))
		if err != nil {
			t.Errorf("Put: %v", err)
			continue
		}
		item := q.q[id]
		if !reflect.DeepEqual(item.Rcpt, c.expected) {
			t.Errorf("case %q, expected %v, got %v", c.to, c.expected, item.Rcpt)
		}
		q.Remove(id)
	}
}

func TestPipes(t *testing.T) {
	localC := lda.New(scriptLDA(t, 0))
	remoteC := newTestRemoteC(t, map[string]bool{"remote": true})
	q := newTestQueue(t, localC, remoteC)

	item := &Item{
		Message: Message{
			ID:   <-newID,
			From: "from",
			Rcpt: []*Recipient{
				{Address: "true", Type: Recipient_PIPE, Status: Recipient_PENDING},
			},
			Data: []byte("data"),
		},
		CreatedAt: time.Now(),
	}

	if err, _ := item.deliver(q, item.Rcpt[0]); err != nil {
		t.Errorf("pipe delivery failed: %v", err)
	}
}

func TestDeliverLocal(t *testing.T) {
	localC := lda.New(scriptLDA(t, 0))
	remoteC := newTestRemoteC(t, map[string]bool{"remote": true})
	q := newTestQueue(t, localC, remoteC)

	item := &Item{Message: Message{From: "from", Data: []byte("data")}}
	rcpt := &Recipient{Address: "am@loco", Type: Recipient_EMAIL}
	err, permanent := item.deliver(q, rcpt)
	if err != nil || permanent {
		t.Fatalf("deliver(local) = (%v, %v), want (nil, false)", err, permanent)
	}
}

func TestDeliverLocalRejected(t *testing.T) {
	localC := lda.New(scriptLDA(t, 67)) // EX_NOUSER
	remoteC := newTestRemoteC(t, map[string]bool{"remote": true})
	q := newTestQueue(t, localC, remoteC)

	item := &Item{Message: Message{From: "from", Data: []byte("data")}}
	rcpt := &Recipient{Address: "nosuchuser@loco", Type: Recipient_EMAIL}
	err, permanent := item.deliver(q, rcpt)
	if err == nil || !permanent {
		t.Fatalf("deliver(local, no such user) = (%v, %v), want (err, true)", err, permanent)
	}
}

func TestDeliverRemote(t *testing.T) {
	localC := lda.New(scriptLDA(t, 0))
	remoteC := newTestRemoteC(t, map[string]bool{"127.0.0.1": true})
	q := newTestQueue(t, localC, remoteC)

	item := &Item{Message: Message{From: "from", Data: []byte("Subject: hi\r\n\r\nbody\r\n")}}
	rcpt := &Recipient{Address: "x@127.0.0.1", Type: Recipient_EMAIL}
	err, permanent := item.deliver(q, rcpt)
	if err != nil || permanent {
		t.Fatalf("deliver(remote) = (%v, %v), want (nil, false)", err, permanent)
	}
}

func TestDeliverRemoteUnreachable(t *testing.T) {
	localC := lda.New(scriptLDA(t, 0))
	remoteC := delivery.New(mxpolicy.New(dnsclient.NewWithResolver(dnsclient.NewFakeResolver())), "queuetest.example")
	remoteC.DialTimeout = 2 * time.Second
	q := newTestQueue(t, localC, remoteC)

	item := &Item{Message: Message{From: "from", Data: []byte("data")}}
	rcpt := &Recipient{Address: "x@127.0.0.1", Type: Recipient_EMAIL}
	err, permanent := item.deliver(q, rcpt)
	if err == nil || permanent {
		t.Fatalf("deliver(unreachable) = (%v, %v), want (err, false)", err, permanent)
	}
}

func TestNextRetry(t *testing.T) {
	cases := []struct {
		attempt int
		want    int
	}{
		{-1, 60},
		{0, 60},
		{1, 60},
		{30, 14220},
		{31, -1},
		{1000, -1},
	}
	for _, c := range cases {
		if got := NextRetry(c.attempt); got != c.want {
			t.Errorf("NextRetry(%d) = %d, want %d", c.attempt, got, c.want)
		}
	}
}

func TestNextRetryMonotone(t *testing.T) {
	for i := 1; i < 30; i++ {
		if NextRetry(i+1) < NextRetry(i) {
			t.Errorf("NextRetry(%d)=%d < NextRetry(%d)=%d, not monotone",
				i+1, NextRetry(i+1), i, NextRetry(i))
		}
	}
}
