package smtpsession

// ResultKind tags a VerbResult as a tagged union of verb results:
// Ok(reply), Fail(reply), or Drop.
type ResultKind int

const (
	Ok ResultKind = iota
	Fail
	Drop
)

// VerbResult is what a VerbHandler returns: either a reply to send (Ok
// or Fail, distinguished only for readability — both carry a code/text
// to write), or Drop, meaning the connection closes without a reply.
type VerbResult struct {
	Kind ResultKind
	Code int
	Text string
}

func ok(code int, text string) VerbResult   { return VerbResult{Kind: Ok, Code: code, Text: text} }
func fail(code int, text string) VerbResult { return VerbResult{Kind: Fail, Code: code, Text: text} }
func drop() VerbResult                      { return VerbResult{Kind: Drop} }

// suppressReply reports whether result should write a reply line at
// all: a 0 code (e.g. STARTTLS having already replied inline) or Drop
// write nothing.
func (r VerbResult) suppressReply() bool {
	return r.Kind == Drop || r.Code == 0
}

// VerbHandler processes one verb's parameters against s and returns the
// reply to send.
type VerbHandler func(s *Session, params string) VerbResult

// ServerVerbs is the server-side verb dispatch table.
var ServerVerbs = map[string]VerbHandler{
	"HELO":     handleHELO,
	"EHLO":     handleEHLO,
	"STARTTLS": handleSTARTTLS,
	"AUTH":     handleAUTH,
	"MAIL":     handleMAIL,
	"RCPT":     handleRCPT,
	"DATA":     handleDATA,
	"BDAT":     handleBDAT,
	"RSET":     handleRSET,
	"VRFY":     handleVRFY,
	"NOOP":     handleNOOP,
	"QUIT":     handleQUIT,
	"XCLIENT":  handleXCLIENT,
}
