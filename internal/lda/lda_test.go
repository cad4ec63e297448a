package lda

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/transilvlad/robin/internal/smtpsession"
)

// scriptLDA writes an executable shell script that reads and discards the
// body from stdin (exercising the stdin plumbing), writes stderr to stderr,
// and exits with code.
func scriptLDA(t *testing.T, code int, stderr string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lda.sh")
	script := "#!/bin/sh\ncat >/dev/null\n"
	if stderr != "" {
		script += "echo '" + stderr + "' >&2\n"
	}
	script += "exit " + itoa(code) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestDeliverSuccess(t *testing.T) {
	a := New(scriptLDA(t, 0, ""))
	results := a.Deliver(context.Background(), []string{"alice@local"}, []byte("Subject: hi\r\n\r\nbody\r\n"))
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	r := results[0]
	if r.Classification != smtpsession.ClassDelivered || r.Err != nil {
		t.Fatalf("got %+v, want delivered/no error", r)
	}
}

func TestDeliverTempFail(t *testing.T) {
	a := New(scriptLDA(t, exTempFail, "mailbox busy"))
	results := a.Deliver(context.Background(), []string{"alice@local"}, []byte("body"))
	r := results[0]
	if r.Classification != smtpsession.ClassDeferred {
		t.Fatalf("Classification = %v, want deferred", r.Classification)
	}
	if r.ExitCode != exTempFail {
		t.Errorf("ExitCode = %d, want %d", r.ExitCode, exTempFail)
	}
	if r.Err == nil {
		t.Error("expected non-nil Err for temp failure")
	}
}

func TestDeliverNoUser(t *testing.T) {
	a := New(scriptLDA(t, exNoUser, "no such user"))
	results := a.Deliver(context.Background(), []string{"nobody@local"}, []byte("body"))
	r := results[0]
	if r.Classification != smtpsession.ClassRejected {
		t.Fatalf("Classification = %v, want rejected", r.Classification)
	}
	if r.ExitCode != exNoUser {
		t.Errorf("ExitCode = %d, want %d", r.ExitCode, exNoUser)
	}
}

func TestDeliverOneOtherExitCodeIsDeferred(t *testing.T) {
	good := scriptLDA(t, 0, "")
	bad := scriptLDA(t, 1, "disk full")

	a := New(good)
	r1 := a.deliverOne(context.Background(), "alice@local", []byte("body"))
	if r1.Classification != smtpsession.ClassDelivered {
		t.Fatalf("first recipient: %+v", r1)
	}

	a.Path = bad
	r2 := a.deliverOne(context.Background(), "bob@local", []byte("body"))
	if r2.Classification != smtpsession.ClassDeferred {
		t.Fatalf("second recipient: %+v", r2)
	}
	if r2.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", r2.ExitCode)
	}
}
