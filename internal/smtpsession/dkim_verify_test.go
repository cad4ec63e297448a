package smtpsession

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/transilvlad/robin/internal/dkimstore"
)

func TestVerifyDKIMStampsAuthenticationResultsForUnsignedMail(t *testing.T) {
	store, err := dkimstore.Open(":memory:")
	if err != nil {
		t.Fatalf("dkimstore.Open: %v", err)
	}
	defer store.Close()

	cfg := basicConfig()
	cfg.DKIMStore = store

	server, client := pipeSessions(t, cfg, &Config{})

	done := make(chan struct{})
	go func() {
		server.Handle()
		close(done)
	}()

	client.ClientGreet()
	client.ClientEHLO("tester")
	client.ClientMail("from@from")
	client.ClientRcpt("to@localhost")
	msg := []byte("Subject: hi\r\n\r\nbody\r\n")
	client.ClientData(msg)
	client.ClientQuit()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server Handle did not return after QUIT")
	}

	env := server.Envelopes[0]
	if !strings.Contains(string(env.Data), "Authentication-Results:") {
		t.Errorf("Data missing Authentication-Results header: %q", env.Data)
	}
	if !strings.Contains(string(env.Data), "dkim=none") {
		t.Errorf("Data should report dkim=none for an unsigned message: %q", env.Data)
	}
}

func TestVerifyDKIMRecordsDetectedSelector(t *testing.T) {
	store, err := dkimstore.Open(":memory:")
	if err != nil {
		t.Fatalf("dkimstore.Open: %v", err)
	}
	defer store.Close()

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	s := NewSession(serverConn, &Config{Hostname: "mx.example", DKIMStore: store})
	s.Envelope = &Envelope{Data: []byte(
		"DKIM-Signature: v=1; a=rsa-sha256; d=example.org; s=selector1; " +
			"bh=; b=\r\nSubject: hi\r\n\r\nbody\r\n")}

	s.verifyDKIM()

	selectors, err := store.DetectedSelectors("example.org")
	if err != nil {
		t.Fatalf("DetectedSelectors: %v", err)
	}
	if len(selectors) != 1 || selectors[0].Selector != "selector1" {
		t.Errorf("DetectedSelectors = %v, want one entry for selector1", selectors)
	}
}
