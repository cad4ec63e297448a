package dnsclient

import "context"

// FakeResolver is an in-memory Resolver for tests, keyed by (name, type).
//
// Answers and Errors are both keyed as "type name" (e.g. "MX example.org").
// An entry in Errors takes precedence over Answers for that key.
type FakeResolver struct {
	Answers map[string][]string
	Errors  map[string]*LookupError
}

// NewFakeResolver returns an empty FakeResolver ready for Set/SetError
// calls.
func NewFakeResolver() *FakeResolver {
	return &FakeResolver{
		Answers: make(map[string][]string),
		Errors:  make(map[string]*LookupError),
	}
}

func fakeKey(name, qtype string) string { return qtype + " " + name }

// Set registers the literal answer strings FakeResolver returns for
// (name, qtype).
func (f *FakeResolver) Set(name, qtype string, answers ...string) {
	f.Answers[fakeKey(name, qtype)] = answers
}

// SetError registers a LookupError FakeResolver returns for (name, qtype).
func (f *FakeResolver) SetError(name, qtype string, kind ErrKind, err error) {
	f.Errors[fakeKey(name, qtype)] = &LookupError{Name: name, Type: qtype, Kind: kind, Err: err}
}

// Query implements Resolver.
func (f *FakeResolver) Query(ctx context.Context, name, qtype string) ([]string, error) {
	key := fakeKey(name, qtype)
	if err, ok := f.Errors[key]; ok {
		return nil, err
	}
	return f.Answers[key], nil
}
