package txlog

// EnvelopeLog is the transaction log for a single envelope (MAIL through
// DATA/BDAT/RSET).
type EnvelopeLog struct {
	Log
}

// GetMail returns the envelope's MAIL transaction, or the zero value and
// false if none was recorded yet.
func (e *EnvelopeLog) GetMail() (Transaction, bool) {
	mails := e.Get("MAIL")
	if len(mails) == 0 {
		return Transaction{}, false
	}
	return mails[0], true
}

// GetRcpt returns every RCPT transaction, in insertion order.
func (e *EnvelopeLog) GetRcpt() []Transaction {
	return e.Get("RCPT")
}

// GetRecipients returns the addresses of every RCPT transaction that did
// not fail.
func (e *EnvelopeLog) GetRecipients() []string {
	var out []string
	for _, t := range e.GetRcpt() {
		if !t.Error {
			out = append(out, t.Address)
		}
	}
	return out
}

// GetFailedRecipients returns the addresses of every RCPT transaction that
// failed (the complement of GetRecipients over all RCPT transactions).
func (e *EnvelopeLog) GetFailedRecipients() []string {
	var out []string
	for _, t := range e.GetRcpt() {
		if t.Error {
			out = append(out, t.Address)
		}
	}
	return out
}

// GetData returns the envelope's DATA transaction, if any.
func (e *EnvelopeLog) GetData() (Transaction, bool) {
	d := e.Get("DATA")
	if len(d) == 0 {
		return Transaction{}, false
	}
	return d[0], true
}

// GetBdat returns every BDAT transaction, in insertion order.
func (e *EnvelopeLog) GetBdat() []Transaction {
	return e.Get("BDAT")
}

// Clone returns an independent copy of e.
func (e *EnvelopeLog) Clone() *EnvelopeLog {
	return &EnvelopeLog{Log: *e.Log.Clone()}
}

// SessionLog is the transaction log for an entire session: every verb
// exchanged (HELO/EHLO/STARTTLS/AUTH/QUIT/...) plus one EnvelopeLog per
// envelope opened during the session.
type SessionLog struct {
	Log
	envelopes []*EnvelopeLog
}

// NewEnvelope starts a new EnvelopeLog and appends it to the session's
// ordered envelope list, returning it for the caller to record
// transactions into.
func (s *SessionLog) NewEnvelope() *EnvelopeLog {
	e := &EnvelopeLog{}
	s.envelopes = append(s.envelopes, e)
	return e
}

// Envelopes returns every EnvelopeLog recorded so far, in insertion
// order.
func (s *SessionLog) Envelopes() []*EnvelopeLog {
	return s.envelopes
}

// GetMail returns the first MAIL transaction recorded directly on the
// session-level log. In Robin's session engine (internal/smtpsession),
// MAIL/RCPT/DATA/BDAT/RSET are recorded on the open envelope's own log
// instead, so callers generally want EnvelopeLog.GetMail; this method
// exists for session logs built without the envelope-routing split.
func (s *SessionLog) GetMail() (Transaction, bool) {
	mails := s.Get("MAIL")
	if len(mails) == 0 {
		return Transaction{}, false
	}
	return mails[0], true
}

// GetRcpt returns every RCPT transaction recorded on the session-level
// log.
func (s *SessionLog) GetRcpt() []Transaction {
	return s.Get("RCPT")
}

// GetRecipients returns the addresses of every non-error RCPT
// transaction recorded on the session-level log.
func (s *SessionLog) GetRecipients() []string {
	var out []string
	for _, t := range s.GetRcpt() {
		if !t.Error {
			out = append(out, t.Address)
		}
	}
	return out
}

// GetFailedRecipients returns the addresses of every error RCPT
// transaction recorded on the session-level log.
func (s *SessionLog) GetFailedRecipients() []string {
	var out []string
	for _, t := range s.GetRcpt() {
		if t.Error {
			out = append(out, t.Address)
		}
	}
	return out
}

// GetData returns the session-level DATA transaction, if any.
func (s *SessionLog) GetData() (Transaction, bool) {
	d := s.Get("DATA")
	if len(d) == 0 {
		return Transaction{}, false
	}
	return d[0], true
}

// GetBdat returns every session-level BDAT transaction.
func (s *SessionLog) GetBdat() []Transaction {
	return s.Get("BDAT")
}

// Clone returns an independent copy of s, including independent copies of
// every EnvelopeLog.
func (s *SessionLog) Clone() *SessionLog {
	c := &SessionLog{Log: *s.Log.Clone()}
	c.envelopes = make([]*EnvelopeLog, len(s.envelopes))
	for i, e := range s.envelopes {
		c.envelopes[i] = e.Clone()
	}
	return c
}
