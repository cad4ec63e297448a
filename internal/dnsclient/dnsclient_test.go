package dnsclient

import (
	"context"
	"errors"
	"testing"
)

func TestLookupMXSortsByPreference(t *testing.T) {
	r := NewFakeResolver()
	r.Set("example.org", "MX", "20 mx2.example.org.", "10 mx1.example.org.")
	c := NewWithResolver(r)

	mxs, err := c.LookupMX(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("LookupMX: %v", err)
	}
	if len(mxs) != 2 || mxs[0].Host != "mx1.example.org" || mxs[1].Host != "mx2.example.org" {
		t.Errorf("LookupMX = %+v, want [mx1 mx2] in preference order", mxs)
	}
}

func TestLookupTLSANotFoundIsEmptyNotError(t *testing.T) {
	r := NewFakeResolver()
	r.SetError("_25._tcp.mail.example.org", "TLSA", KindNotFound, errors.New("NXDOMAIN"))
	c := NewWithResolver(r)

	tlsa, err := c.LookupTLSA(context.Background(), "_25._tcp.mail.example.org")
	if err != nil {
		t.Fatalf("LookupTLSA: got error %v, want nil (KindNotFound must be absorbed)", err)
	}
	if tlsa != nil {
		t.Errorf("LookupTLSA = %v, want nil", tlsa)
	}
}

func TestLookupTLSAServfailPropagates(t *testing.T) {
	r := NewFakeResolver()
	r.SetError("_25._tcp.mail.example.org", "TLSA", KindServfail, errors.New("timeout"))
	c := NewWithResolver(r)

	_, err := c.LookupTLSA(context.Background(), "_25._tcp.mail.example.org")
	var le *LookupError
	if !errors.As(err, &le) || le.Kind != KindServfail {
		t.Fatalf("LookupTLSA error = %v, want KindServfail LookupError", err)
	}
}

func TestLookupTLSAParsesRecords(t *testing.T) {
	r := NewFakeResolver()
	r.Set("_25._tcp.mail.example.org", "TLSA", "3 1 1 abcdef0102")
	c := NewWithResolver(r)

	tlsa, err := c.LookupTLSA(context.Background(), "_25._tcp.mail.example.org")
	if err != nil {
		t.Fatalf("LookupTLSA: %v", err)
	}
	if len(tlsa) != 1 {
		t.Fatalf("LookupTLSA = %v, want 1 record", tlsa)
	}
	want := TLSA{Usage: 3, Selector: 1, MatchingType: 1, Association: []byte{0xab, 0xcd, 0xef, 0x01, 0x02}}
	got := tlsa[0]
	if got.Usage != want.Usage || got.Selector != want.Selector || got.MatchingType != want.MatchingType ||
		string(got.Association) != string(want.Association) {
		t.Errorf("LookupTLSA[0] = %+v, want %+v", got, want)
	}
}

func TestReverseNameIPv4(t *testing.T) {
	cases := []struct {
		ip   string
		want string
	}{
		{"192.168.1.1", "1.1.168.192.in-addr.arpa."},
		{"10.0.0.1", "1.0.0.10.in-addr.arpa."},
	}
	for _, c := range cases {
		got, err := ReverseName(c.ip)
		if err != nil {
			t.Errorf("ReverseName(%q): %v", c.ip, err)
			continue
		}
		if got != c.want {
			t.Errorf("ReverseName(%q) = %q, want %q", c.ip, got, c.want)
		}
	}
}

func TestReverseNameInvalidIP(t *testing.T) {
	if _, err := ReverseName("999.999.999.999"); err == nil {
		t.Error("ReverseName(999.999.999.999) = nil error, want error")
	}
}

func TestLookupPTR(t *testing.T) {
	r := NewFakeResolver()
	r.Set("1.1.168.192.in-addr.arpa.", "PTR", "mail.example.org.")
	c := NewWithResolver(r)

	name, err := c.LookupPTR(context.Background(), "192.168.1.1")
	if err != nil {
		t.Fatalf("LookupPTR: %v", err)
	}
	if name != "mail.example.org" {
		t.Errorf("LookupPTR = %q, want %q", name, "mail.example.org")
	}
}

func TestLookupPTRNotFoundIsEmptyNotError(t *testing.T) {
	r := NewFakeResolver()
	r.SetError("1.1.168.192.in-addr.arpa.", "PTR", KindNotFound, errors.New("NXDOMAIN"))
	c := NewWithResolver(r)

	name, err := c.LookupPTR(context.Background(), "192.168.1.1")
	if err != nil {
		t.Fatalf("LookupPTR: got error %v, want nil", err)
	}
	if name != "" {
		t.Errorf("LookupPTR = %q, want empty", name)
	}
}
