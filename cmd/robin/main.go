// robin is the SMTP MTA's daemon, scriptable client, and policy lookup
// tool, assembled as one binary with a docopt-style subcommand surface.
package main

import (
	"fmt"
	"os"

	"github.com/docopt/docopt-go"

	"blitiri.com.ar/go/log"
)

const usage = `robin: a small, security-focused SMTP MTA.

Usage:
  robin server [--config_dir=<dir>] [--config_overrides=<ov>]
  robin client [--config=<file>] [--ehlo=<domain>] [--mail=<from>] [--rcpt=<to>...] [--data=<path>]
  robin mtasts <domain>
  robin dane <domain>
  robin -h | --help
  robin --version

Options:
  -h --help                   Show this help.
  --version                   Show version and exit.
  --config_dir=<dir>          Server configuration directory [default: /etc/robin].
  --config_overrides=<ov>     Server config overrides, as a JSON5 fragment.
  --config=<file>             Client configuration file [default: client.json].
  --ehlo=<domain>             EHLO domain to announce (client.json's ehlo, else localhost).
  --mail=<from>               Envelope sender.
  --rcpt=<to>                 Envelope recipient (repeatable).
  --data=<path>               Path to the message body, "-" for stdin [default: -].
`

func main() {
	v := version
	if v == "" {
		v = "undefined"
	}
	opts, err := docopt.ParseArgs(usage, os.Args[1:], v)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log.Init()

	switch {
	case truthy(opts, "server"):
		runServer(opts)
	case truthy(opts, "client"):
		runClient(opts)
	case truthy(opts, "mtasts"):
		runMTASTS(opts)
	case truthy(opts, "dane"):
		runDANE(opts)
	}
}

func truthy(opts docopt.Opts, key string) bool {
	v, err := opts.Bool(key)
	return err == nil && v
}

func stringOpt(opts docopt.Opts, key string) string {
	v, err := opts.String(key)
	if err != nil {
		return ""
	}
	return v
}
