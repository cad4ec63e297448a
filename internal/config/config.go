// Package config implements Robin's configuration loading: JSON5-shaped
// documents for the server daemon, the scriptable client, webhook
// dispatch and free-form properties.
//
// Documents are read with a minimal comment/trailing-comma stripping pass
// before being handed to encoding/json: this covers the common JSON5
// conveniences ("//" and "/* */" comments, trailing commas) without
// implementing the full grammar (no unquoted keys, no single-quoted
// strings).
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"blitiri.com.ar/go/log"
)

// ClientConfig is client.json's shape: options for the scriptable SMTP
// client.
type ClientConfig struct {
	MX        []string      `json:"mx,omitempty"`
	Port      int           `json:"port,omitempty"`
	TLS       bool          `json:"tls,omitempty"`
	Protocols []string      `json:"protocols,omitempty"`
	Ciphers   []string      `json:"ciphers,omitempty"`
	EHLO      string        `json:"ehlo,omitempty"`
	Mail      string        `json:"mail,omitempty"`
	Rcpt      []string      `json:"rcpt,omitempty"`
	Routes    []ClientRoute `json:"routes,omitempty"`
}

// ClientRoute is one entry of client.json's "routes" list: an alternate
// destination for a given route name, optionally authenticated.
type ClientRoute struct {
	Name string `json:"name"`
	MX   string `json:"mx"`
	Port int    `json:"port"`
	Auth string `json:"auth,omitempty"`
	User string `json:"user,omitempty"`
	Pass string `json:"pass,omitempty"`
}

// ServerConfig is server.json's shape: the daemon's own settings.
type ServerConfig struct {
	Hostname      string `json:"hostname,omitempty"`
	MaxDataSizeMb int64  `json:"max_data_size_mb,omitempty"`

	SmtpAddress              []string `json:"smtp_address,omitempty"`
	SubmissionAddress        []string `json:"submission_address,omitempty"`
	SubmissionOverTlsAddress []string `json:"submission_over_tls_address,omitempty"`
	MonitoringAddress        string   `json:"monitoring_address,omitempty"`

	MailDeliveryAgentBin  string   `json:"mail_delivery_agent_bin,omitempty"`
	MailDeliveryAgentArgs []string `json:"mail_delivery_agent_args,omitempty"`

	DataDir string `json:"data_dir,omitempty"`

	SuffixSeparators string `json:"suffix_separators,omitempty"`
	DropCharacters   string `json:"drop_characters,omitempty"`

	MailLogPath string `json:"mail_log_path,omitempty"`

	DovecotAuth       bool   `json:"dovecot_auth,omitempty"`
	DovecotUserdbPath string `json:"dovecot_userdb_path,omitempty"`
	DovecotClientPath string `json:"dovecot_client_path,omitempty"`

	HaproxyIncoming bool `json:"haproxy_incoming,omitempty"`

	MaxQueueItems   int    `json:"max_queue_items,omitempty"`
	GiveUpSendAfter string `json:"give_up_send_after,omitempty"`

	// DKIMStorePath is the SQLite database internal/dkimstore opens for
	// this server's signing keys.
	DKIMStorePath string `json:"dkim_store_path,omitempty"`

	// VaultAddr, if set, is the base URL internal/vaultclient uses to
	// fetch secrets instead of reading them from disk.
	VaultAddr string `json:"vault_addr,omitempty"`

	// DNSBLZones lists DNSBL zones (e.g. "zen.spamhaus.org") consulted
	// for every connecting address before the greeting is sent.
	DNSBLZones []string `json:"dnsbl_zones,omitempty"`
}

// WebhookConfig is webhook.json5's shape: one HTTP endpoint, the verbs
// it should be consulted for, and how to reach it.
type WebhookConfig struct {
	URL     string   `json:"url"`
	Verbs   []string `json:"verbs"`
	Timeout string   `json:"timeout,omitempty"`
	Secret  string   `json:"secret,omitempty"`
}

// PropertiesConfig is properties.json5's shape: a flat bag of named
// tunables that don't warrant a dedicated field.
type PropertiesConfig map[string]string

var defaultServerConfig = ServerConfig{
	MaxDataSizeMb: 50,

	SmtpAddress:              []string{"systemd"},
	SubmissionAddress:        []string{"systemd"},
	SubmissionOverTlsAddress: []string{"systemd"},

	MailDeliveryAgentBin:  "maildrop",
	MailDeliveryAgentArgs: []string{"-f", "%from%", "-d", "%to_user%"},

	DataDir: "/var/lib/robin",

	SuffixSeparators: "+",
	DropCharacters:   ".",

	MailLogPath: "<syslog>",

	MaxQueueItems:   200,
	GiveUpSendAfter: "20h",
}

// stripJSON5 removes the JSON5 conveniences encoding/json can't parse on
// its own: "//" line comments, "/* */" block comments, and trailing
// commas before a closing "]" or "}". It does not attempt the rest of
// the JSON5 grammar (unquoted keys, single-quoted strings, etc).
func stripJSON5(data []byte) []byte {
	var out bytes.Buffer
	inString := false
	escaped := false

	for i := 0; i < len(data); i++ {
		c := data[i]

		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			out.WriteByte(c)
		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
			out.WriteByte('\n')
		case c == '/' && i+1 < len(data) && data[i+1] == '*':
			i += 2
			for i+1 < len(data) && !(data[i] == '*' && data[i+1] == '/') {
				i++
			}
			i++
		default:
			out.WriteByte(c)
		}
	}

	return stripTrailingCommas(out.Bytes())
}

// stripTrailingCommas removes a comma that precedes (ignoring
// whitespace) a closing "]" or "}", which encoding/json otherwise
// rejects.
func stripTrailingCommas(data []byte) []byte {
	var out bytes.Buffer
	inString := false
	escaped := false

	for i := 0; i < len(data); i++ {
		c := data[i]
		out.WriteByte(c)

		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			continue
		}

		if c != ',' {
			continue
		}

		j := i + 1
		for j < len(data) && isJSONSpace(data[j]) {
			j++
		}
		if j < len(data) && (data[j] == ']' || data[j] == '}') {
			// Drop the comma we just wrote.
			b := out.Bytes()
			out.Truncate(len(b) - 1)
		}
	}

	return out.Bytes()
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// loadJSON5 reads path, strips JSON5 comments/trailing commas, and
// unmarshals the result into v.
func loadJSON5(path string, v any) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", path, err)
	}
	return unmarshalJSON5(buf, v)
}

func unmarshalJSON5(buf []byte, v any) error {
	if err := json.Unmarshal(stripJSON5(buf), v); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// LoadClient loads a client.json document.
func LoadClient(path string) (*ClientConfig, error) {
	c := &ClientConfig{}
	if err := loadJSON5(path, c); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadWebhook loads a webhook.json5 document.
func LoadWebhook(path string) (*WebhookConfig, error) {
	w := &WebhookConfig{}
	if err := loadJSON5(path, w); err != nil {
		return nil, err
	}
	return w, nil
}

// LoadProperties loads a properties.json5 document.
func LoadProperties(path string) (PropertiesConfig, error) {
	p := PropertiesConfig{}
	if err := loadJSON5(path, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads a server.json document at path, applying defaults for
// anything left unset, then applies overrides (a JSON5 fragment, as
// passed on the command line) on top.
func Load(path, overrides string) (*ServerConfig, error) {
	c := defaultServerConfig

	fromFile := &ServerConfig{}
	if err := loadJSON5(path, fromFile); err != nil {
		return nil, err
	}
	override(&c, fromFile)

	if overrides != "" {
		fromOverrides := &ServerConfig{}
		if err := unmarshalJSON5([]byte(overrides), fromOverrides); err != nil {
			return nil, fmt.Errorf("parsing override: %w", err)
		}
		override(&c, fromOverrides)
	}

	if c.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %w", err)
		}
		c.Hostname = h
	}

	if _, err := time.ParseDuration(c.GiveUpSendAfter); err != nil {
		return nil, fmt.Errorf(
			"invalid give_up_send_after value %q: %w", c.GiveUpSendAfter, err)
	}

	return &c, nil
}

// override copies every field o sets (non-zero) onto c.
func override(c, o *ServerConfig) {
	if o.Hostname != "" {
		c.Hostname = o.Hostname
	}
	if o.MaxDataSizeMb > 0 {
		c.MaxDataSizeMb = o.MaxDataSizeMb
	}
	if len(o.SmtpAddress) > 0 {
		c.SmtpAddress = o.SmtpAddress
	}
	if len(o.SubmissionAddress) > 0 {
		c.SubmissionAddress = o.SubmissionAddress
	}
	if len(o.SubmissionOverTlsAddress) > 0 {
		c.SubmissionOverTlsAddress = o.SubmissionOverTlsAddress
	}
	if o.MonitoringAddress != "" {
		c.MonitoringAddress = o.MonitoringAddress
	}

	if o.MailDeliveryAgentBin != "" {
		c.MailDeliveryAgentBin = o.MailDeliveryAgentBin
	}
	if len(o.MailDeliveryAgentArgs) > 0 {
		c.MailDeliveryAgentArgs = o.MailDeliveryAgentArgs
	}

	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}

	if o.SuffixSeparators != "" {
		c.SuffixSeparators = o.SuffixSeparators
	}
	if o.DropCharacters != "" {
		c.DropCharacters = o.DropCharacters
	}
	if o.MailLogPath != "" {
		c.MailLogPath = o.MailLogPath
	}

	if o.DovecotAuth {
		c.DovecotAuth = true
	}
	if o.DovecotUserdbPath != "" {
		c.DovecotUserdbPath = o.DovecotUserdbPath
	}
	if o.DovecotClientPath != "" {
		c.DovecotClientPath = o.DovecotClientPath
	}

	if o.HaproxyIncoming {
		c.HaproxyIncoming = true
	}

	if o.MaxQueueItems > 0 {
		c.MaxQueueItems = o.MaxQueueItems
	}
	if o.GiveUpSendAfter != "" {
		c.GiveUpSendAfter = o.GiveUpSendAfter
	}

	if o.DKIMStorePath != "" {
		c.DKIMStorePath = o.DKIMStorePath
	}
	if o.VaultAddr != "" {
		c.VaultAddr = o.VaultAddr
	}
	if len(o.DNSBLZones) > 0 {
		c.DNSBLZones = o.DNSBLZones
	}
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *ServerConfig) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Max data size (MB): %d", c.MaxDataSizeMb)
	log.Infof("  SMTP Addresses: %q", c.SmtpAddress)
	log.Infof("  Submission Addresses: %q", c.SubmissionAddress)
	log.Infof("  Submission+TLS Addresses: %q", c.SubmissionOverTlsAddress)
	log.Infof("  Monitoring address: %q", c.MonitoringAddress)
	log.Infof("  MDA: %q %q", c.MailDeliveryAgentBin, c.MailDeliveryAgentArgs)
	log.Infof("  Data directory: %q", c.DataDir)
	log.Infof("  Suffix separators: %q", c.SuffixSeparators)
	log.Infof("  Drop characters: %q", c.DropCharacters)
	log.Infof("  Mail log: %q", c.MailLogPath)
	log.Infof("  Dovecot auth: %v (%q, %q)",
		c.DovecotAuth, c.DovecotUserdbPath, c.DovecotClientPath)
	log.Infof("  HAProxy incoming: %v", c.HaproxyIncoming)
	log.Infof("  Max queue items: %d", c.MaxQueueItems)
	log.Infof("  Give up send after: %s", c.GiveUpSendAfterDuration())
	log.Infof("  DKIM key store: %q", c.DKIMStorePath)
}

// GiveUpSendAfterDuration parses GiveUpSendAfter, which Load already
// validated, so the error here is always nil.
func (c *ServerConfig) GiveUpSendAfterDuration() time.Duration {
	d, _ := time.ParseDuration(c.GiveUpSendAfter)
	return d
}
