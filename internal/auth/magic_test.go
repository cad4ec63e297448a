package auth

import "testing"

func TestSubstitute(t *testing.T) {
	cases := []struct {
		template string
		bindings Bindings
		want     string
	}{
		{"{{user}}", Bindings{"user": "alice"}, "alice"},
		{"{{user}}@{{domain}}", Bindings{"user": "alice", "domain": "example.com"}, "alice@example.com"},
		{"no placeholders here", Bindings{"user": "alice"}, "no placeholders here"},
		{"{{unknown}}", Bindings{"user": "alice"}, "{{unknown}}"},
		{"", Bindings{}, ""},
		{"{{a}}{{a}}", Bindings{"a": "x"}, "xx"},
	}
	for _, c := range cases {
		if got := Substitute(c.template, c.bindings); got != c.want {
			t.Errorf("Substitute(%q, %v) = %q, want %q", c.template, c.bindings, got, c.want)
		}
	}
}
