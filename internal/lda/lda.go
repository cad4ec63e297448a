// Package lda implements the Local Delivery Adapter: it invokes an
// external LDA executable per recipient, feeding the message
// body on standard input and passing the recipient on the argument list,
// then classifies the outcome from the subprocess's exit code.
package lda

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/transilvlad/robin/internal/smtpsession"
	"github.com/transilvlad/robin/internal/trace"
)

// Exit codes from <sysexits.h> that the LDA contract assigns a specific
// classification to; anything else is a plain deferral.
const (
	exNoUser    = 67
	exTempFail  = 75
	exitSuccess = 0
)

// Adapter runs an external LDA binary for local delivery.
type Adapter struct {
	// Path is the LDA executable. Invoked as "<Path> -d <recipient>".
	Path string

	// Timeout bounds a single recipient's subprocess call.
	Timeout time.Duration
}

// New returns an Adapter with the teacher's default one-minute subprocess
// timeout (internal/smtpsrv/conn.go's runPostDataHook).
func New(path string) *Adapter {
	return &Adapter{Path: path, Timeout: 1 * time.Minute}
}

// Result is the per-recipient outcome of one LDA invocation.
type Result struct {
	Recipient      string
	Classification smtpsession.Classification
	ExitCode       int
	StderrTail     string
	Err            error
}

// Deliver runs the LDA once per recipient, in order, feeding data on
// stdin each time. A failure for one recipient never aborts the rest
// of the envelope.
func (a *Adapter) Deliver(ctx context.Context, rcpts []string, data []byte) []Result {
	results := make([]Result, 0, len(rcpts))
	for _, rcpt := range rcpts {
		results = append(results, a.deliverOne(ctx, rcpt, data))
	}
	return results
}

func (a *Adapter) deliverOne(ctx context.Context, rcpt string, data []byte) Result {
	tr := trace.New("lda.Deliver", rcpt)
	defer tr.Finish()

	cctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, a.Path, "-d", rcpt)
	cmd.Stdin = bytes.NewReader(data)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		tr.Debugf("delivered to %s", rcpt)
		return Result{Recipient: rcpt, Classification: smtpsession.ClassDelivered, ExitCode: exitSuccess}
	}

	code := exitCode(err)
	tail := lastLine(stderr.String())
	tr.Errorf("lda for %s exited %d: %s", rcpt, code, tail)

	switch code {
	case exNoUser:
		return Result{
			Recipient:      rcpt,
			Classification: smtpsession.ClassRejected,
			ExitCode:       code,
			StderrTail:     tail,
			Err:            fmt.Errorf("lda: no such user: %s", rcpt),
		}
	case exTempFail:
		return Result{
			Recipient:      rcpt,
			Classification: smtpsession.ClassDeferred,
			ExitCode:       code,
			StderrTail:     tail,
			Err:            fmt.Errorf("lda: temporary failure: %s", tail),
		}
	default:
		return Result{
			Recipient:      rcpt,
			Classification: smtpsession.ClassDeferred,
			ExitCode:       code,
			StderrTail:     tail,
			Err:            fmt.Errorf("lda: exit %d: %s", code, tail),
		}
	}
}

// exitCode extracts the process exit status from err, the way
// runPostDataHook does in internal/smtpsrv/conn.go. A non-ExitError (the
// binary could not even be started, or the context deadline fired) is
// reported as -1.
func exitCode(err error) int {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return -1
	}
	if status, ok := ee.Sys().(syscall.WaitStatus); ok {
		return status.ExitStatus()
	}
	return -1
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
