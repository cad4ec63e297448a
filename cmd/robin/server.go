package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/docopt/docopt-go"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"

	"github.com/transilvlad/robin/internal/aliases"
	"github.com/transilvlad/robin/internal/auth"
	"github.com/transilvlad/robin/internal/config"
	"github.com/transilvlad/robin/internal/delivery"
	"github.com/transilvlad/robin/internal/dkim"
	"github.com/transilvlad/robin/internal/dkimstore"
	"github.com/transilvlad/robin/internal/dnsbl"
	"github.com/transilvlad/robin/internal/dnsclient"
	"github.com/transilvlad/robin/internal/dovecot"
	"github.com/transilvlad/robin/internal/haproxy"
	"github.com/transilvlad/robin/internal/lda"
	"github.com/transilvlad/robin/internal/maillog"
	"github.com/transilvlad/robin/internal/mxpolicy"
	"github.com/transilvlad/robin/internal/normalize"
	"github.com/transilvlad/robin/internal/queue"
	"github.com/transilvlad/robin/internal/set"
	"github.com/transilvlad/robin/internal/smtpsession"
	"github.com/transilvlad/robin/internal/userdb"
	"github.com/transilvlad/robin/internal/vaultclient"
	"github.com/transilvlad/robin/internal/webhook"
)

// listenMode names the three socket flavours server.json can configure.
type listenMode int

const (
	modeSMTP listenMode = iota
	modeSubmission
	modeSubmissionTLS
)

func (m listenMode) String() string {
	switch m {
	case modeSubmission:
		return "submission"
	case modeSubmissionTLS:
		return "submission_over_tls"
	default:
		return "smtp"
	}
}

// server holds every stack-2 component assembled from ServerConfig,
// shared by all accepted connections.
type server struct {
	conf *config.ServerConfig

	localDomains map[string]bool
	aliasesR     *aliases.Resolver
	authr        *auth.Authenticator
	passwords    auth.PasswordLookup

	tlsConfig *tls.Config

	q *queue.Queue

	webhook   *webhook.Dispatcher
	dnsbl     *dnsbl.Checker
	dkimStore *dkimstore.Store
}

func runServer(opts docopt.Opts) {
	configDir := stringOpt(opts, "--config_dir")
	overrides := stringOpt(opts, "--config_overrides")

	rand.Seed(time.Now().UnixNano())
	parseVersionInfo()

	conf, err := config.Load(filepath.Join(configDir, "server.json"), overrides)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)
	launchMonitoringServer(conf)

	if err := os.Chdir(configDir); err != nil {
		log.Fatalf("Error changing to config dir %q: %v", configDir, err)
	}

	initMailLog(conf.MailLogPath)

	srv := &server{
		conf:         conf,
		localDomains: map[string]bool{"localhost": true},
		aliasesR:     aliases.NewResolver(),
		authr:        auth.NewAuthenticator(),
		tlsConfig:    &tls.Config{},
	}
	srv.aliasesR.SuffixSep = conf.SuffixSeparators
	srv.aliasesR.DropChars = conf.DropCharacters
	srv.aliasesR.AddDomain("localhost")

	if conf.DovecotAuth {
		if a := dovecot.Autodetect(conf.DovecotUserdbPath, conf.DovecotClientPath); a != nil {
			srv.authr.Fallback = a
			log.Infof("Fallback authenticator: %v", a)
		} else {
			log.Errorf("Dovecot autodetection failed, no dovecot fallback")
		}
	}

	if conf.VaultAddr != "" {
		vc := vaultclient.New(conf.VaultAddr, os.Getenv("VAULT_TOKEN"))
		srv.passwords = vaultPasswordLookup(vc)
	}

	log.Infof("Loading certificates")
	loadCerts(srv, "certs")

	dkimSigners := map[string][]*dkim.Signer{}
	if conf.DKIMStorePath != "" {
		srv.dkimStore, err = dkimstore.Open(conf.DKIMStorePath)
		if err != nil {
			log.Fatalf("Error opening DKIM store: %v", err)
		}
	}

	if len(conf.DNSBLZones) > 0 {
		lists := make([]dnsbl.List, len(conf.DNSBLZones))
		for i, zone := range conf.DNSBLZones {
			lists[i] = dnsbl.List{Zone: zone}
		}
		srv.dnsbl = dnsbl.New(dnsclient.New(), lists...)
	}

	log.Infof("Domain config paths:")
	for _, info := range mustReadDir("domains") {
		domain, err := normalize.Domain(info.Name())
		if err != nil {
			log.Fatalf("Invalid domain name %+q: %v", info.Name(), err)
		}
		loadDomain(srv, domain, filepath.Join("domains", info.Name()))
		if srv.dkimStore != nil {
			if signer, err := buildDKIMSigner(srv.dkimStore, domain); err == nil {
				dkimSigners[domain] = append(dkimSigners[domain], signer)
			} else if err != dkimstore.ErrNoKey {
				log.Errorf("  %s: loading DKIM key: %v", domain, err)
			}
		}
	}

	if w := loadWebhook("webhook.json5"); w != nil {
		srv.webhook = w
	}

	localC := &lda.Adapter{
		Path:    conf.MailDeliveryAgentBin,
		Timeout: 30 * time.Second,
	}
	remoteC := delivery.New(mxpolicy.New(dnsclient.New()), conf.Hostname)

	localSet := set.NewString()
	for d := range srv.localDomains {
		localSet.Add(d)
	}

	srv.q, err = queue.New(conf.DataDir+"/queue", localSet, srv.aliasesR, localC, remoteC)
	if err != nil {
		log.Fatalf("Error initializing queue: %v", err)
	}
	srv.q.SetDKIMSigners(dkimSigners)
	if err := srv.q.Load(); err != nil {
		log.Fatalf("Error loading queue: %v", err)
	}

	srv.launchRPCServer(conf.DataDir + "/localrpc-v1")

	if len(srv.tlsConfig.Certificates) == 0 {
		log.Fatalf("At least one valid certificate is needed")
	}

	systemdLs, err := systemd.Listeners()
	if err != nil {
		log.Fatalf("Error getting systemd listeners: %v", err)
	}

	naddr := 0
	naddr += srv.listenAll(conf.SmtpAddress, systemdLs["smtp"], modeSMTP)
	naddr += srv.listenAll(conf.SubmissionAddress, systemdLs["submission"], modeSubmission)
	naddr += srv.listenAll(conf.SubmissionOverTlsAddress, systemdLs["submission_tls"], modeSubmissionTLS)
	if naddr == 0 {
		log.Fatalf("No address to listen on")
	}

	select {}
}

func (srv *server) listenAll(addrs []string, systemdLs []net.Listener, mode listenMode) int {
	n := 0
	for _, addr := range addrs {
		if addr == "systemd" {
			for _, l := range systemdLs {
				log.Infof("Server listening on %s (%v, via systemd)", l.Addr(), mode)
				maillog.Listening(l.Addr().String())
				go srv.serve(l, mode)
			}
			n += len(systemdLs)
			continue
		}

		l, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("Error listening on %s: %v", addr, err)
		}
		if mode == modeSubmissionTLS {
			l = tls.NewListener(l, srv.tlsConfig)
		}
		log.Infof("Server listening on %s (%v)", addr, mode)
		maillog.Listening(addr)
		go srv.serve(l, mode)
		n++
	}
	if n == 0 {
		log.Errorf("Warning: No %v addresses/listeners", mode)
	}
	return n
}

func (srv *server) serve(l net.Listener, mode listenMode) {
	for {
		conn, err := l.Accept()
		if err != nil {
			log.Errorf("Accept error on %v listener: %v", mode, err)
			continue
		}
		go srv.handle(conn, mode)
	}
}

// handle runs one accepted connection to completion. HAProxy's PROXY
// protocol, when enabled, is handshaken against a bufio.Reader before
// smtpsession ever sees the connection; prefixConn keeps that reader's
// buffered bytes (if any) visible to the session's own reader.
func (srv *server) handle(conn net.Conn, mode listenMode) {
	defer conn.Close()

	if srv.conf.HaproxyIncoming {
		r := bufio.NewReader(conn)
		if _, _, err := haproxy.Handshake(r); err != nil {
			log.Errorf("haproxy handshake failed: %v", err)
			return
		}
		conn = &prefixConn{Conn: conn, r: r}
	}

	cfg := srv.sessionConfig(mode)
	s := smtpsession.NewSession(conn, cfg)
	s.TLSConfig = srv.tlsConfig

	if mode == modeSubmissionTLS {
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			log.Errorf("submission_over_tls connection is not a *tls.Conn")
			return
		}
		if err := tlsConn.Handshake(); err != nil {
			log.Errorf("TLS handshake failed: %v", err)
			return
		}
		cs := tlsConn.ConnectionState()
		s.TLSState = smtpsession.TLSActive
		s.TLSConnInfo = &cs
	}

	s.Handle()
}

func (srv *server) sessionConfig(mode listenMode) *smtpsession.Config {
	return &smtpsession.Config{
		Hostname:       srv.conf.Hostname,
		MaxDataSize:    srv.conf.MaxDataSizeMb * 1024 * 1024,
		CommandTimeout: 3 * time.Minute,
		DataTimeout:    10 * time.Minute,
		LocalDomains:   srv.localDomains,
		RequireAuth:    mode != modeSMTP,
		Webhook:        srv.webhook,
		Authenticator:  srv.authr,
		PasswordLookup: srv.passwords,
		Queue:          srv.q,
		DNSBL:          srv.dnsbl,
		DKIMStore:      srv.dkimStore,
	}
}

// prefixConn is a net.Conn whose Read drains a bufio.Reader's already
// buffered bytes before falling through to the underlying connection,
// so a handshake performed against the reader doesn't lose input.
type prefixConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *prefixConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func loadCerts(srv *server, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("Error reading %q directory: %v", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		certPath := filepath.Join(dir, name, "fullchain.pem")
		keyPath := filepath.Join(dir, name, "privkey.pem")
		if _, err := os.Stat(certPath); os.IsNotExist(err) {
			continue
		}
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			continue
		}
		log.Infof("  %s", name)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			log.Fatalf("    %v", err)
		}
		srv.tlsConfig.Certificates = append(srv.tlsConfig.Certificates, cert)
	}
}

func loadDomain(srv *server, domain, dir string) {
	log.Infof("  %s", domain)
	srv.localDomains[domain] = true
	srv.aliasesR.AddDomain(domain)

	if _, err := os.Stat(filepath.Join(dir, "users")); err == nil {
		udb, err := userdb.Load(filepath.Join(dir, "users"))
		if err != nil {
			log.Errorf("    users: %v", err)
		} else {
			srv.authr.Register(domain, auth.WrapNoErrorBackend(udb))
		}
	}

	if err := srv.aliasesR.AddAliasesFile(domain, filepath.Join(dir, "aliases")); err != nil {
		log.Errorf("    aliases: %v", err)
	}
}

func buildDKIMSigner(store *dkimstore.Store, domain string) (*dkim.Signer, error) {
	key, err := store.ActiveKey(domain)
	if err != nil {
		return nil, err
	}
	signer, err := dkimSignerFromPKCS8(key.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &dkim.Signer{Domain: domain, Selector: key.Selector, Signer: signer}, nil
}

func loadWebhook(path string) *webhook.Dispatcher {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	wc, err := config.LoadWebhook(path)
	if err != nil {
		log.Errorf("loading %s: %v", path, err)
		return nil
	}
	d := webhook.New(wc.URL, wc.Verbs)
	d.Secret = wc.Secret
	if wc.Timeout != "" {
		if t, err := time.ParseDuration(wc.Timeout); err == nil {
			d.Timeout = t
		}
	}
	return d
}

func vaultPasswordLookup(vc *vaultclient.Client) auth.PasswordLookup {
	return func(user, domain string) (string, bool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), vaultclient.DefaultTimeout)
		defer cancel()
		data, err := vc.ReadSecret(ctx, fmt.Sprintf("robin/users/%s/%s", domain, user))
		if err != nil {
			return "", false, err
		}
		pass, ok := data["password"]
		return pass, ok, nil
	}
}

func initMailLog(path string) {
	var err error
	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		_ = os.MkdirAll(filepath.Dir(path), 0775)
		f, ferr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
		if ferr != nil {
			log.Fatalf("Error opening mail log: %v", ferr)
		}
		maillog.Default = maillog.New(f)
	}
	if err != nil {
		log.Fatalf("Error opening mail log: %v", err)
	}
}

func mustReadDir(path string) []os.DirEntry {
	entries, err := os.ReadDir(path)
	if err != nil {
		log.Fatalf("Error reading %q directory: %v", path, err)
	}
	return entries
}
