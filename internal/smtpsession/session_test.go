package smtpsession

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/transilvlad/robin/internal/auth"
)

func pipeSessions(t *testing.T, serverCfg, clientCfg *Config) (server, client *Session) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	return NewSession(serverConn, serverCfg), NewSession(clientConn, clientCfg)
}

func basicConfig() *Config {
	return &Config{
		Hostname:       "mx.example",
		MaxDataSize:    1 << 20,
		CommandTimeout: 5 * time.Second,
		DataTimeout:    5 * time.Second,
		LocalDomains:   map[string]bool{"localhost": true},
	}
}

func TestFullEnvelopeRoundTrip(t *testing.T) {
	server, client := pipeSessions(t, basicConfig(), &Config{})

	done := make(chan struct{})
	go func() {
		server.Handle()
		close(done)
	}()

	if err := client.ClientGreet(); err != nil {
		t.Fatalf("ClientGreet: %v", err)
	}
	if _, err := client.ClientEHLO("tester"); err != nil {
		t.Fatalf("ClientEHLO: %v", err)
	}
	if err := client.ClientMail("from@from"); err != nil {
		t.Fatalf("ClientMail: %v", err)
	}
	if code, text, err := client.ClientRcpt("to@localhost"); err != nil || code != 250 {
		t.Fatalf("ClientRcpt: code=%d text=%q err=%v", code, text, err)
	}
	msg := []byte("Subject: hi\r\n\r\nbody\r\n")
	if code, text, err := client.ClientData(msg); err != nil || code != 250 {
		t.Fatalf("ClientData: code=%d text=%q err=%v", code, text, err)
	}
	if err := client.ClientQuit(); err != nil {
		t.Fatalf("ClientQuit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server Handle did not return after QUIT")
	}

	if len(server.Envelopes) != 1 {
		t.Fatalf("Envelopes = %d, want 1", len(server.Envelopes))
	}
	env := server.Envelopes[0]
	if env.MailFrom != "from@from" {
		t.Errorf("MailFrom = %q, want from@from", env.MailFrom)
	}
	if len(env.RcptTo) != 1 || env.RcptTo[0] != "to@localhost" {
		t.Errorf("RcptTo = %v, want [to@localhost]", env.RcptTo)
	}
	if env.Class != ClassPending {
		t.Errorf("Class = %v, want ClassPending", env.Class)
	}
	if !strings.Contains(string(env.Data), "Received:") {
		t.Errorf("Data missing stamped Received header: %q", env.Data)
	}
}

func TestRcptWithoutLocalDomainRejectedUnauthenticated(t *testing.T) {
	server, client := pipeSessions(t, basicConfig(), &Config{})

	done := make(chan struct{})
	go func() {
		server.Handle()
		close(done)
	}()

	client.ClientGreet()
	client.ClientEHLO("tester")
	client.ClientMail("from@from")
	code, _, err := client.ClientRcpt("to@not-local.example")
	if err != nil {
		t.Fatalf("ClientRcpt: %v", err)
	}
	if code != 550 {
		t.Errorf("code = %d, want 550 for relay-denied recipient", code)
	}
	client.ClientQuit()
	<-done
}

type fakeBackend struct {
	user, pass string
}

func (f *fakeBackend) Authenticate(user, password string) (bool, error) {
	return user == f.user && password == f.pass, nil
}
func (f *fakeBackend) Exists(user string) (bool, error) { return user == f.user, nil }
func (f *fakeBackend) Reload() error                    { return nil }

func TestAuthPlainSucceeds(t *testing.T) {
	authr := auth.NewAuthenticator()
	authr.AuthDuration = 0
	authr.Register("example.com", &fakeBackend{user: "alice", pass: "secret"})

	cfg := basicConfig()
	cfg.Authenticator = authr

	server, client := pipeSessions(t, cfg, &Config{})
	server.TLSState = TLSActive
	client.TLSState = TLSActive
	client.Username = "alice@example.com"
	client.Password = "secret"

	done := make(chan struct{})
	go func() {
		server.Handle()
		close(done)
	}()

	client.ClientGreet()
	client.ClientEHLO("tester")
	if err := client.ClientAuth("PLAIN"); err != nil {
		t.Fatalf("ClientAuth: %v", err)
	}
	if !client.Authed {
		t.Errorf("client.Authed = false after successful AUTH")
	}
	client.ClientQuit()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server Handle did not return after QUIT")
	}
	if !server.Authed {
		t.Errorf("server.Authed = false after successful AUTH")
	}
	if server.AuthIdentity != "alice@example.com" {
		t.Errorf("AuthIdentity = %q, want alice@example.com", server.AuthIdentity)
	}
}

func TestAuthPlainWrongPasswordFails(t *testing.T) {
	authr := auth.NewAuthenticator()
	authr.AuthDuration = 0
	authr.Register("example.com", &fakeBackend{user: "alice", pass: "secret"})

	cfg := basicConfig()
	cfg.Authenticator = authr

	server, client := pipeSessions(t, cfg, &Config{})
	server.TLSState = TLSActive
	client.TLSState = TLSActive
	client.Username = "alice@example.com"
	client.Password = "wrong"

	done := make(chan struct{})
	go func() {
		server.Handle()
		close(done)
	}()

	client.ClientGreet()
	client.ClientEHLO("tester")
	err := client.ClientAuth("PLAIN")
	if err == nil {
		t.Fatalf("ClientAuth succeeded with wrong password")
	}
	client.ClientQuit()
	<-done
}

func TestMailWhileEnvelopeOpenIsRejected(t *testing.T) {
	server, client := pipeSessions(t, basicConfig(), &Config{})

	done := make(chan struct{})
	go func() {
		server.Handle()
		close(done)
	}()

	client.ClientGreet()
	client.ClientEHLO("tester")
	if err := client.ClientMail("first@from"); err != nil {
		t.Fatalf("first ClientMail: %v", err)
	}
	err := client.ClientMail("second@from")
	if err == nil {
		t.Fatal("second MAIL while envelope open should be rejected")
	}
	if server.Envelope == nil || server.Envelope.MailFrom != "first@from" {
		t.Errorf("open envelope should still be the first one")
	}
	client.ClientQuit()
	<-done
}
