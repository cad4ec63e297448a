package mtasts

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseTXT(t *testing.T) {
	cases := []struct {
		in     string
		status TXTRecordStatus
		id     string
	}{
		{"v=STSv1; id=19840507T234501;", TXTValid, "19840507T234501"},
		{"v=STSv1; id=;", TXTInvalid, ""},
		{"id=19840507T234501;", TXTAbsent, ""},
	}
	for _, c := range cases {
		got := ParseTXT(c.in)
		if got.Status != c.status || got.ID != c.id {
			t.Errorf("ParseTXT(%q) = %+v, want {Status:%v ID:%q}", c.in, got, c.status, c.id)
		}
	}
}

func TestSelectTXTRequiresExactlyOne(t *testing.T) {
	if _, ok := SelectTXT(nil); ok {
		t.Error("SelectTXT(nil) = ok, want absent")
	}
	if _, ok := SelectTXT([]string{"id=x;"}); ok {
		t.Error("SelectTXT with no valid records = ok, want absent")
	}

	one := []string{"v=STSv1; id=abc;"}
	rec, ok := SelectTXT(one)
	if !ok || rec.ID != "abc" {
		t.Errorf("SelectTXT(%v) = %+v, %v, want valid id=abc", one, rec, ok)
	}

	two := []string{"v=STSv1; id=abc;", "v=STSv1; id=def;"}
	if _, ok := SelectTXT(two); ok {
		t.Error("SelectTXT with two valid records = ok, want absent (ambiguous)")
	}
}

func TestPolicyCheck(t *testing.T) {
	p := &Policy{Version: "STSv1", Mode: ModeEnforce, MXs: []string{"*.example.org"}, MaxAge: 1}
	if err := p.Check(); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}

	bad := &Policy{Version: "STSv2"}
	if err := bad.Check(); err != ErrUnknownVersion {
		t.Errorf("Check() = %v, want ErrUnknownVersion", err)
	}
}

func TestMXIsAllowedWildcard(t *testing.T) {
	p := &Policy{MXs: []string{"*.example.org", "mx.other.org"}}
	cases := []struct {
		mx   string
		want bool
	}{
		{"mail.example.org", true},
		{"a.b.example.org", false},
		{"mx.other.org", true},
		{"mx.unrelated.com", false},
	}
	for _, c := range cases {
		if got := p.MXIsAllowed(c.mx); got != c.want {
			t.Errorf("MXIsAllowed(%q) = %v, want %v", c.mx, got, c.want)
		}
	}
}

func TestPolicyCacheReusesCachedPolicy(t *testing.T) {
	calls := 0
	cache := NewPolicyCache()
	cache.Fetch = func(ctx context.Context, domain string) (*Policy, error) {
		calls++
		return &Policy{Version: "STSv1", Mode: ModeTesting, MaxAge: 3600 * time.Second}, nil
	}

	p1, err1 := cache.Get(context.Background(), "example.org")
	p2, err2 := cache.Get(context.Background(), "example.org")
	if err1 != nil || err2 != nil {
		t.Fatalf("Get errors: %v, %v", err1, err2)
	}
	if p1 != p2 {
		t.Errorf("expected cached policy pointer to be reused")
	}
	if calls != 1 {
		t.Errorf("Fetch called %d times, want 1 (second Get should hit cache)", calls)
	}
}

func TestPolicyCacheDoesNotCacheErrors(t *testing.T) {
	calls := 0
	cache := NewPolicyCache()
	cache.Fetch = func(ctx context.Context, domain string) (*Policy, error) {
		calls++
		return nil, errors.New("fetch failed")
	}

	if _, err := cache.Get(context.Background(), "example.org"); err == nil {
		t.Fatal("Get() = nil error, want error")
	}
	if _, err := cache.Get(context.Background(), "example.org"); err == nil {
		t.Fatal("Get() = nil error, want error")
	}
	if calls != 2 {
		t.Errorf("Fetch called %d times, want 2 (errors must not be cached)", calls)
	}
}
