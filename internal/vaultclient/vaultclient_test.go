package vaultclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReadSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.Header.Get("X-Vault-Token"), "s.testtoken"; got != want {
			t.Errorf("token header = %q, want %q", got, want)
		}
		if got, want := r.URL.Path, "/v1/secret/data/robin/smtp-backend"; got != want {
			t.Errorf("path = %q, want %q", got, want)
		}
		w.Write([]byte(`{"data":{"data":{"password":"hunter2"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "s.testtoken")
	data, err := c.ReadSecret(context.Background(), "robin/smtp-backend")
	if err != nil {
		t.Fatalf("ReadSecret: %v", err)
	}
	if data["password"] != "hunter2" {
		t.Errorf("data = %v, want password=hunter2", data)
	}
}

func TestReadSecretNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "s.testtoken")
	if _, err := c.ReadSecret(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}
