package dnsbl

import (
	"context"
	"testing"

	"github.com/transilvlad/robin/internal/dnsclient"
)

func TestReverseOctets(t *testing.T) {
	cases := []struct {
		ip   string
		want string
	}{
		{"192.168.1.1", "1.1.168.192"},
		{"10.0.0.1", "1.0.0.10"},
	}
	for _, c := range cases {
		got, err := ReverseOctets(c.ip)
		if err != nil {
			t.Errorf("ReverseOctets(%q): %v", c.ip, err)
			continue
		}
		if got != c.want {
			t.Errorf("ReverseOctets(%q) = %q, want %q", c.ip, got, c.want)
		}
	}
}

func TestReverseOctetsInvalid(t *testing.T) {
	if _, err := ReverseOctets("999.999.999.999"); err == nil {
		t.Error("ReverseOctets(999.999.999.999) = nil error, want error")
	}
}

func TestCheckListedIP(t *testing.T) {
	fr := dnsclient.NewFakeResolver()
	fr.Set("1.0.0.10.test-rbl-1.example.com", "A", "127.0.0.2")
	c := New(dnsclient.NewWithResolver(fr), List{Zone: "test-rbl-1.example.com"})

	results, err := c.Check(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %v, want 1", results)
	}
	if !results[0].Listed || results[0].Zone != "test-rbl-1.example.com" {
		t.Errorf("results[0] = %+v", results[0])
	}
	if len(results[0].Records) != 1 || results[0].Records[0] != "127.0.0.2" {
		t.Errorf("Records = %v, want [127.0.0.2]", results[0].Records)
	}

	listed, err := c.Listed(context.Background(), "10.0.0.1")
	if err != nil || !listed {
		t.Fatalf("Listed = %v, %v, want true, nil", listed, err)
	}
}

func TestCheckUnlistedIP(t *testing.T) {
	fr := dnsclient.NewFakeResolver()
	c := New(dnsclient.NewWithResolver(fr), List{Zone: "test-rbl-1.example.com"})

	listed, err := c.Listed(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("Listed: %v", err)
	}
	if listed {
		t.Error("Listed = true, want false for unregistered IP")
	}
}
