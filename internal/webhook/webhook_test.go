package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/transilvlad/robin/internal/smtpsession"
)

func testSession(t *testing.T) *smtpsession.Session {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return smtpsession.NewSession(a, &smtpsession.Config{Hostname: "mx.example"})
}

func TestDispatchOverridesReply(t *testing.T) {
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(response{Code: 250, Message: "2.0.0 ok, overridden"})
	}))
	defer srv.Close()

	d := New(srv.URL, []string{"RCPT"})
	override, recorded := d.Dispatch(testSession(t), "RCPT", "TO:<a@b>")
	if !recorded {
		t.Fatal("expected recorded = true")
	}
	if override == nil || override.Code != 250 || override.Message != "2.0.0 ok, overridden" {
		t.Fatalf("override = %+v", override)
	}
	if got.Verb != "RCPT" || got.Payload != "TO:<a@b>" {
		t.Errorf("request = %+v", got)
	}
}

func TestDispatchNotConfiguredForVerb(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	d := New(srv.URL, []string{"RCPT"})
	override, recorded := d.Dispatch(testSession(t), "MAIL", "FROM:<a@b>")
	if override != nil || recorded {
		t.Fatalf("expected no-op for unconfigured verb, got override=%v recorded=%v", override, recorded)
	}
	if called {
		t.Error("webhook should not have been called")
	}
}

func TestDispatchNonSuccessLeavesDefaultReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(srv.URL, []string{"DATA"})
	override, recorded := d.Dispatch(testSession(t), "DATA", "")
	if override != nil {
		t.Fatalf("override = %+v, want nil on non-2xx", override)
	}
	if !recorded {
		t.Error("expected recorded = true even on non-2xx")
	}
}

func TestDispatchDrop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(response{Drop: true})
	}))
	defer srv.Close()

	d := New(srv.URL, []string{"MAIL"})
	override, _ := d.Dispatch(testSession(t), "MAIL", "FROM:<a@b>")
	if override == nil || !override.Drop {
		t.Fatalf("override = %+v, want Drop=true", override)
	}
}

func TestDispatchSignsBodyWhenSecretSet(t *testing.T) {
	const secret = "s3kr3t"
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Robin-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(response{Code: 250, Message: "2.0.0 ok"})
	}))
	defer srv.Close()

	d := New(srv.URL, []string{"MAIL"})
	d.Secret = secret
	if _, recorded := d.Dispatch(testSession(t), "MAIL", "FROM:<a@b>"); !recorded {
		t.Fatal("expected recorded = true")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("X-Robin-Signature = %q, want %q", gotSig, want)
	}
}

func TestDispatchOmitsSignatureWithoutSecret(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Robin-Signature")
		json.NewEncoder(w).Encode(response{Code: 250, Message: "2.0.0 ok"})
	}))
	defer srv.Close()

	d := New(srv.URL, []string{"MAIL"})
	d.Dispatch(testSession(t), "MAIL", "FROM:<a@b>")
	if gotSig != "" {
		t.Errorf("X-Robin-Signature = %q, want empty", gotSig)
	}
}

func TestUnconfiguredDispatcherIsNoOp(t *testing.T) {
	var d *Dispatcher
	override, recorded := d.Dispatch(testSession(t), "MAIL", "")
	if override != nil || recorded {
		t.Fatal("nil Dispatcher must be a no-op")
	}
}
