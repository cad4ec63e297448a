package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/docopt/docopt-go"

	"blitiri.com.ar/go/log"

	"github.com/transilvlad/robin/internal/dnsclient"
	"github.com/transilvlad/robin/internal/mtasts"
)

// runMTASTS fetches and validates a domain's MTA-STS policy, printing its
// mode and MX match patterns, the same validation internal/mxpolicy
// applies before trusting one.
func runMTASTS(opts docopt.Opts) {
	domain := stringOpt(opts, "<domain>")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := mtasts.Fetch(ctx, domain)
	if err != nil {
		log.Fatalf("fetching MTA-STS policy for %s: %v", domain, err)
	}

	fmt.Printf("mode: %s\n", p.Mode)
	fmt.Println("mx:")
	for _, mx := range p.MXs {
		fmt.Printf("  %s\n", mx)
	}
}

// runDANE looks up the domain's MX set, then the TLSA records each MX
// would need for DANE-mandatory delivery, following the same
// "_<port>._tcp.<mx>" owner-name convention internal/mxpolicy uses.
func runDANE(opts docopt.Opts) {
	domain := stringOpt(opts, "<domain>")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dns := dnsclient.New()
	mxs, err := dns.LookupMX(ctx, domain)
	if err != nil {
		log.Fatalf("looking up MX for %s: %v", domain, err)
	}
	if len(mxs) == 0 {
		mxs = []dnsclient.MX{{Host: domain}}
	}

	for _, mx := range mxs {
		name := fmt.Sprintf("_25._tcp.%s", mx.Host)
		recs, err := dns.LookupTLSA(ctx, name)
		if err != nil {
			fmt.Printf("%s: %v\n", name, err)
			continue
		}
		if len(recs) == 0 {
			fmt.Printf("%s: no TLSA records\n", name)
			continue
		}
		for _, r := range recs {
			fmt.Printf("%s: usage=%d selector=%d matching=%d cert=%s\n",
				name, r.Usage, r.Selector, r.MatchingType, hex.EncodeToString(r.Association))
		}
	}
}
