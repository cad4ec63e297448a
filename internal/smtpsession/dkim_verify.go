package smtpsession

import (
	"context"
	"time"

	"github.com/transilvlad/robin/internal/dkim"
)

// verifyDKIM checks every DKIM-Signature header on the envelope body,
// stamps an Authentication-Results header with the outcome, and records
// the signing domain/selector of each signature found so dkimstore's
// detected-selector table stays populated for domains we've never signed
// for ourselves.
func (s *Session) verifyDKIM() {
	if s.Config.DKIMStore == nil {
		return
	}

	res, err := dkim.VerifyMessage(context.Background(), string(s.Envelope.Data))
	if err != nil {
		return
	}

	now := time.Now()
	for _, r := range res.Results {
		if r.Domain == "" {
			continue
		}
		_ = s.Config.DKIMStore.RecordDetectedSelector(r.Domain, r.Selector, now)
	}

	s.Envelope.Data = prependHeader(s.Envelope.Data, "Authentication-Results",
		s.Config.Hostname+res.AuthenticationResults())
}
