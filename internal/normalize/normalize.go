// Package normalize contains functions to normalize usernames, domains
// and addresses.
package normalize

import (
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/transilvlad/robin/internal/envelope"
)

// User normalizes a username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Domain lowercases domain and round-trips it through IDNA, so
// "EXAMPLE.ORG" and "xn--..." forms of the same domain compare equal.
func Domain(domain string) (string, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return domain, err
	}
	return idna.ToUnicode(ascii)
}

// DomainToUnicode normalizes addr's domain part via Domain, leaving the
// local part untouched.
func DomainToUnicode(addr string) (string, error) {
	user, domain := envelope.Split(addr)
	domain, err := Domain(domain)
	if err != nil {
		return addr, err
	}
	return user + "@" + domain, nil
}

// Addr normalizes an email address using PRECIS for the user part and
// Domain for the domain part.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}
	domain, err = Domain(domain)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}
