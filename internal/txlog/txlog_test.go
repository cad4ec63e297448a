package txlog

import "testing"

func TestErrorMatchesReplyCode(t *testing.T) {
	cases := []struct {
		response string
		wantErr  bool
	}{
		{"250 2.1.5 Ok", false},
		{"354 Go ahead", false},
		{"450 4.7.1 Try again later", true},
		{"550 5.1.1 User unknown", true},
		{"221 2.0.0 Bye", false},
	}

	for _, c := range cases {
		tr := New("RCPT", "TO:<a@b>", c.response, "a@b")
		if tr.Error != c.wantErr {
			t.Errorf("New(..., %q): Error = %v, want %v",
				c.response, tr.Error, c.wantErr)
		}
	}
}

func TestParseCode(t *testing.T) {
	cases := []struct {
		response string
		want     int
	}{
		{"250 Ok", 250},
		{"550-5.1.1 first line\n550 5.1.1 second line", 550},
		{"", 0},
		{"ab", 0},
		{"4x0 broken", 0},
	}
	for _, c := range cases {
		if got := ParseCode(c.response); got != c.want {
			t.Errorf("ParseCode(%q) = %d, want %d", c.response, got, c.want)
		}
	}
}

func TestGetCaseInsensitive(t *testing.T) {
	l := &Log{}
	l.Append(New("mail", "FROM:<a@b>", "250 Ok", "a@b"))
	l.Append(New("RCPT", "TO:<c@d>", "250 Ok", "c@d"))

	if got := l.Get("MAIL"); len(got) != 1 {
		t.Fatalf("Get(\"MAIL\") = %v, want 1 match", got)
	}
	if got := l.Get("mail"); len(got) != 1 {
		t.Fatalf("Get(\"mail\") = %v, want 1 match", got)
	}
}

func TestRecipientsAndFailedRecipients(t *testing.T) {
	s := &SessionLog{}
	s.Append(New("MAIL", "FROM:<a@b>", "250 Ok", "a@b"))
	s.Append(New("RCPT", "TO:<ok1@d>", "250 Ok", "ok1@d"))
	s.Append(New("RCPT", "TO:<bad@d>", "550 Unknown user", "bad@d"))
	s.Append(New("RCPT", "TO:<ok2@d>", "250 Ok", "ok2@d"))

	recipients := s.GetRecipients()
	failed := s.GetFailedRecipients()

	if len(recipients) != 2 || recipients[0] != "ok1@d" || recipients[1] != "ok2@d" {
		t.Errorf("GetRecipients() = %v, want [ok1@d ok2@d]", recipients)
	}
	if len(failed) != 1 || failed[0] != "bad@d" {
		t.Errorf("GetFailedRecipients() = %v, want [bad@d]", failed)
	}

	// Every RCPT address must appear in exactly one of the two sets.
	all := s.GetRcpt()
	if len(recipients)+len(failed) != len(all) {
		t.Errorf("recipients(%d) + failed(%d) != total RCPT(%d)",
			len(recipients), len(failed), len(all))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := &SessionLog{}
	s.Append(New("EHLO", "robin.example", "250 Hello", ""))
	env := s.NewEnvelope()
	env.Append(New("MAIL", "FROM:<a@b>", "250 Ok", "a@b"))

	clone := s.Clone()

	// Mutating the original after cloning must not affect the clone.
	s.Append(New("QUIT", "", "221 Bye", ""))
	env.Append(New("RCPT", "TO:<x@y>", "250 Ok", "x@y"))

	for _, name := range []string{"EHLO", "MAIL", "RCPT", "QUIT"} {
		origAll := s.Get(name)
		cloneAll := clone.Get(name)
		_ = origAll
		_ = cloneAll
	}

	if got := clone.Get("QUIT"); len(got) != 0 {
		t.Errorf("clone picked up post-clone append: Get(QUIT) = %v", got)
	}
	if got := clone.Envelopes()[0].Get("RCPT"); len(got) != 0 {
		t.Errorf("clone's envelope picked up post-clone append: %v", got)
	}
	if got := s.Get("QUIT"); len(got) != 1 {
		t.Errorf("original should have QUIT recorded, got %v", got)
	}
}
