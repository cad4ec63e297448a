// Package txlog implements Robin's transaction log: an append-only record
// of every SMTP verb exchanged on a session, split into session-level and
// per-envelope sub-lists.
//
// A Transaction is immutable after insertion; a Log only ever
// grows, in wire order, for the lifetime of the session or envelope that
// owns it.
package txlog

import "strings"

// Transaction is one SMTP verb exchange and its reply.
type Transaction struct {
	// Command is the canonical, uppercase verb name (e.g. "MAIL", "RCPT",
	// "DATA", "BDAT").
	Command string

	// Payload is the request text as sent on the wire, verb name
	// excluded.
	Payload string

	// Response is the SMTP reply, multi-line responses preserved with
	// their embedded newlines.
	Response string

	// Address is populated for MAIL and RCPT transactions: the address
	// extracted from the angle-bracketed path in Payload.
	Address string

	// Error is true iff the reply code in Response is >= 400.
	Error bool
}

// New builds a Transaction, deriving Error from response: a
// Transaction's error flag matches reply-code >= 400.
func New(command, payload, response, address string) Transaction {
	return Transaction{
		Command:  strings.ToUpper(command),
		Payload:  payload,
		Response: response,
		Address:  address,
		Error:    ParseCode(response) >= 400,
	}
}

// ParseCode extracts the three-digit SMTP reply code from the start of
// response. It returns 0 if response does not start with one.
func ParseCode(response string) int {
	if len(response) < 3 {
		return 0
	}
	code := 0
	for i := 0; i < 3; i++ {
		c := response[i]
		if c < '0' || c > '9' {
			return 0
		}
		code = code*10 + int(c-'0')
	}
	return code
}

// Log is an ordered, append-only sequence of Transactions.
type Log struct {
	txns []Transaction
}

// Append adds a Transaction to the end of the log.
func (l *Log) Append(t Transaction) {
	l.txns = append(l.txns, t)
}

// All returns every Transaction in insertion order. The returned slice
// must not be mutated by the caller.
func (l *Log) All() []Transaction {
	return l.txns
}

// Get returns, in insertion order, every Transaction whose Command
// matches name (case-insensitive).
func (l *Log) Get(name string) []Transaction {
	var out []Transaction
	for _, t := range l.txns {
		if strings.EqualFold(t.Command, name) {
			out = append(out, t)
		}
	}
	return out
}

// Clone returns an independent copy of l: a value-copy of each
// Transaction, no shared mutable state.
func (l *Log) Clone() *Log {
	c := &Log{txns: make([]Transaction, len(l.txns))}
	copy(c.txns, l.txns)
	return c
}

// Len returns the number of transactions recorded.
func (l *Log) Len() int {
	return len(l.txns)
}
