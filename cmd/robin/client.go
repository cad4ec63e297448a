package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/docopt/docopt-go"

	"blitiri.com.ar/go/log"

	"github.com/transilvlad/robin/internal/config"
	"github.com/transilvlad/robin/internal/envelope"
	"github.com/transilvlad/robin/internal/smtpsession"
	"github.com/transilvlad/robin/internal/tlsconst"
)

// runClient drives an outbound SMTP transaction against a statically
// configured route, exercising smtpsession's client-side state machine
// the same way internal/delivery does against a chosen MX, but scripted
// from a config file and command-line flags instead of MX-policy lookup.
func runClient(opts docopt.Opts) {
	cc, err := config.LoadClient(stringOpt(opts, "--config"))
	if err != nil {
		log.Fatalf("loading client config: %v", err)
	}

	mail := stringOpt(opts, "--mail")
	if mail == "" {
		mail = cc.Mail
	}

	rcpts := stringSliceOpt(opts, "--rcpt")
	if len(rcpts) == 0 {
		rcpts = cc.Rcpt
	}
	if len(rcpts) == 0 {
		log.Fatalf("no recipients given (--rcpt or client.json's \"rcpt\")")
	}

	data, err := readData(stringOpt(opts, "--data"))
	if err != nil {
		log.Fatalf("reading message data: %v", err)
	}

	route := resolveRoute(cc, rcpts[0])

	ehlo := stringOpt(opts, "--ehlo")
	if ehlo == "" && cc.EHLO != "" {
		ehlo = cc.EHLO
	}
	if ehlo == "" {
		ehlo = "localhost"
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", route.MX, route.Port), 30*time.Second)
	if err != nil {
		log.Fatalf("dial %s:%d: %v", route.MX, route.Port, err)
	}
	defer conn.Close()

	s := smtpsession.NewSession(conn, &smtpsession.Config{Hostname: ehlo})

	if err := s.ClientGreet(); err != nil {
		log.Fatalf("greeting: %v", err)
	}
	if _, err := s.ClientEHLO(ehlo); err != nil {
		log.Fatalf("EHLO: %v", err)
	}

	if cc.TLS && s.ClientHasCap("STARTTLS") {
		tlsCfg := &tls.Config{ServerName: route.MX, MinVersion: tls.VersionTLS12}
		if err := s.ClientSTARTTLS(tlsCfg); err != nil {
			log.Fatalf("STARTTLS: %v", err)
		}
		if _, err := s.ClientEHLO(ehlo); err != nil {
			log.Fatalf("EHLO after STARTTLS: %v", err)
		}
		log.Infof("TLS: %s - %s",
			tlsconst.VersionName(s.TLSConnInfo.Version),
			tlsconst.CipherSuiteName(s.TLSConnInfo.CipherSuite))
	}

	if route.Auth != "" {
		s.Username = route.User
		s.Password = route.Pass
		if err := s.ClientAuth(route.Auth); err != nil {
			log.Fatalf("AUTH: %v", err)
		}
	}

	if err := s.ClientMail(mail); err != nil {
		log.Fatalf("MAIL: %v", err)
	}

	ok := 0
	for _, rcpt := range rcpts {
		code, text, err := s.ClientRcpt(rcpt)
		if err != nil {
			log.Fatalf("RCPT %s: %v", rcpt, err)
		}
		fmt.Printf("RCPT %s: %d %s\n", rcpt, code, text)
		if code >= 200 && code < 300 {
			ok++
		}
	}
	if ok == 0 {
		log.Fatalf("no recipient accepted")
	}

	code, text, err := s.ClientData(data)
	if err != nil {
		log.Fatalf("DATA: %v", err)
	}
	fmt.Printf("DATA: %d %s\n", code, text)

	if err := s.ClientQuit(); err != nil {
		log.Errorf("QUIT: %v", err)
	}
}

// route is the resolved destination for a single outbound transaction.
type route struct {
	MX   string
	Port int
	Auth string
	User string
	Pass string
}

// resolveRoute picks a config.ClientRoute whose Name matches rcpt's
// domain, falling back to the top-level MX/Port.
func resolveRoute(cc *config.ClientConfig, rcpt string) route {
	domain := envelope.DomainOf(rcpt)
	for _, r := range cc.Routes {
		if strings.EqualFold(r.Name, domain) {
			port := r.Port
			if port == 0 {
				port = 25
			}
			return route{MX: r.MX, Port: port, Auth: r.Auth, User: r.User, Pass: r.Pass}
		}
	}

	mx := domain
	if len(cc.MX) > 0 {
		mx = cc.MX[0]
	}
	port := cc.Port
	if port == 0 {
		port = 25
	}
	return route{MX: mx, Port: port}
}

func readData(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func stringSliceOpt(opts docopt.Opts, key string) []string {
	v, ok := opts[key]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.([]string)
	if !ok {
		return nil
	}
	return s
}
