package smtpsession

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/transilvlad/robin/internal/dnsbl"
	"github.com/transilvlad/robin/internal/dnsclient"
)

func TestRejectListedRejectsBeforeGreeting(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	fr := dnsclient.NewFakeResolver()
	fr.Set("4.3.2.1.zen.example", "A", "127.0.0.2")
	checker := dnsbl.New(dnsclient.NewWithResolver(fr), dnsbl.List{Zone: "zen.example"})

	s := NewSession(serverConn, &Config{Hostname: "mx.example", DNSBL: checker, CommandTimeout: time.Second})
	s.RemoteAddr = &net.TCPAddr{IP: net.ParseIP("1.2.3.4")}

	done := make(chan struct{})
	go func() {
		s.Handle()
		close(done)
	}()

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("reading rejection: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "554") {
		t.Errorf("reply = %q, want a 554 rejection", buf[:n])
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after rejecting a listed address")
	}
}

func TestUnlistedAddressGetsGreeting(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	fr := dnsclient.NewFakeResolver()
	checker := dnsbl.New(dnsclient.NewWithResolver(fr), dnsbl.List{Zone: "zen.example"})

	s := NewSession(serverConn, &Config{Hostname: "mx.example", DNSBL: checker, CommandTimeout: time.Second})
	s.RemoteAddr = &net.TCPAddr{IP: net.ParseIP("9.9.9.9")}

	go s.Handle()

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	if !strings.HasPrefix(string(buf[:n]), "220 ") {
		t.Errorf("reply = %q, want a 220 greeting", buf[:n])
	}
}
