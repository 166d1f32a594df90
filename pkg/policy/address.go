// Package policy holds the address syntax rules and recipient acceptance policy applied at
// RCPT time.
package policy

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/inbucket/rcptfilter/pkg/config"
	"github.com/inbucket/rcptfilter/pkg/stringutil"
)

const (
	maxAddressLen = 320
	maxLocalLen   = 128
	maxDomainLen  = 255
	maxLabelLen   = 63

	// unquotedSpecials may appear in a local part without quoting, per RFC3696.
	unquotedSpecials = "!#$%&'*+-/=?^_`{|}~"
)

var (
	// ErrEmptyAddress is returned when parsing an empty string.
	ErrEmptyAddress = errors.New("empty address")

	// ErrMissingDomain is returned when an address has no domain part.
	ErrMissingDomain = errors.New("address has no domain part")
)

// Addressing applies recipient acceptance policy.
type Addressing struct {
	Config config.SMTP
}

// NewRecipient parses an address into a Recipient.
func (a *Addressing) NewRecipient(address string) (*Recipient, error) {
	local, domain, err := ParseEmailAddress(address)
	if err != nil {
		return nil, err
	}
	ar, err := mail.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return &Recipient{
		Address:    *ar,
		addrPolicy: a,
		LocalPart:  local,
		Domain:     strings.ToLower(domain),
	}, nil
}

// ShouldAcceptDomain indicates if mail destined for the specified domain is accepted. An
// empty AcceptDomains list accepts every domain.
func (a *Addressing) ShouldAcceptDomain(domain string) bool {
	if len(a.Config.AcceptDomains) == 0 {
		return true
	}
	return stringutil.SliceContains(a.Config.AcceptDomains, strings.ToLower(domain))
}

// ValidAddress reports whether address is a syntactically valid mailbox with both a local
// and a domain part.  This is the validator used for every address found in a rule
// definition.
func ValidAddress(address string) bool {
	_, _, err := ParseEmailAddress(address)
	return err == nil
}

// ParseEmailAddress unescapes an email address, and splits the local part from the domain
// part.  An error is returned if either part fails validation following the guidelines in
// RFC3696.
func ParseEmailAddress(address string) (local string, domain string, err error) {
	if address == "" {
		return "", "", ErrEmptyAddress
	}
	if len(address) > maxAddressLen {
		return "", "", fmt.Errorf("address exceeds %d characters", maxAddressLen)
	}
	local, domain, err = splitLocalPart(address)
	if err != nil {
		return "", "", err
	}
	if domain == "" {
		return "", "", ErrMissingDomain
	}
	if !ValidateDomainPart(domain) {
		return "", "", fmt.Errorf("domain part %q failed validation", domain)
	}
	return local, domain, nil
}

// ValidateDomainPart returns true if the domain part complies to RFC3696, RFC1035.
func ValidateDomainPart(domain string) bool {
	if domain == "" || len(domain) > maxDomainLen {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(domain, "."), ".") {
		if !validLabel(label) {
			return false
		}
	}
	return true
}

// validLabel checks a single dot separated domain label.
func validLabel(label string) bool {
	if label == "" || len(label) > maxLabelLen {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, c := range label {
		switch {
		case isAlpha(c), isDigit(c), c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// splitLocalPart scans the local part of address, unescaping quoted pairs and quoted
// strings.  The text after the first unquoted @ is returned unvalidated as the domain.
func splitLocalPart(address string) (local string, domain string, err error) {
	switch address[0] {
	case '@':
		return "", "", errors.New("address cannot start with @ symbol")
	case '.':
		return "", "", errors.New("address cannot start with a period")
	}

	var sb strings.Builder
	prev := byte('.')
	quotedPair := false
	quotedString := false
	for i := 0; i < len(address); i++ {
		c := address[i]
		if c > 127 {
			return "", "", errors.New("characters outside of US-ASCII range not permitted")
		}
		if quotedPair {
			sb.WriteByte(c)
			quotedPair = false
			prev = c
			continue
		}
		switch {
		case isAlpha(rune(c)), isDigit(rune(c)), strings.IndexByte(unquotedSpecials, c) >= 0:
			sb.WriteByte(c)
		case c == '.':
			if prev == '.' && !quotedString {
				return "", "", errors.New("sequence of periods is not permitted")
			}
			sb.WriteByte(c)
		case c == '\\':
			quotedPair = true
		case c == '"':
			switch {
			case quotedString:
				quotedString = false
			case i == 0:
				quotedString = true
			default:
				return "", "", errors.New("quoted string can only begin at start of address")
			}
		case c == '@' && !quotedString:
			if i > maxLocalLen {
				return "", "", fmt.Errorf("local part must not exceed %d characters", maxLocalLen)
			}
			if prev == '.' {
				return "", "", errors.New("local part cannot end with a period")
			}
			return sb.String(), address[i+1:], nil
		case quotedString:
			sb.WriteByte(c)
		default:
			return "", "", fmt.Errorf("character %q must be quoted", c)
		}
		prev = c
	}
	if quotedPair {
		return "", "", errors.New("cannot end address with unterminated quoted-pair")
	}
	if quotedString {
		return "", "", errors.New("cannot end address with unterminated string quote")
	}
	return sb.String(), "", nil
}

func isAlpha(c rune) bool { return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') }

func isDigit(c rune) bool { return '0' <= c && c <= '9' }
