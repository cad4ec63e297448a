package queue

import (
	"strings"
	"testing"
	"time"
)

func TestDSN(t *testing.T) {
	item := &Item{
		Message: Message{
			ID:   <-newID,
			From: "from@from.org",
			To:   []string{"toto@africa.org", "negra@sosa.org"},
			Rcpt: []*Recipient{
				{Address: "poe@rcpt", Type: Recipient_EMAIL, Status: Recipient_FAILED,
					OriginalAddress: "toto@africa.org", LastFailureMessage: "oh! horror!"},
				{Address: "newman@rcpt", Type: Recipient_EMAIL, Status: Recipient_FAILED,
					OriginalAddress: "negra@sosa.org", LastFailureMessage: "oh! the humanity!"},
			},
			Data: []byte("data \xc3\xb1aca"),
		},
		CreatedAt: time.Now(),
	}

	msg, err := deliveryStatusNotification("from.org", item)
	if err != nil {
		t.Fatal(err)
	}

	s := string(msg)
	if !strings.Contains(s, "poe@rcpt") || !strings.Contains(s, "oh! horror!") {
		t.Errorf("DSN missing failed recipient detail: %s", s)
	}
	if !strings.Contains(s, "Mail delivery failed") {
		t.Errorf("DSN missing subject: %s", s)
	}
}
