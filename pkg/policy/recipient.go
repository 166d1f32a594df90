package policy

import "net/mail"

// Recipient represents a potential email recipient, allows policies for it to be queried.
type Recipient struct {
	mail.Address
	addrPolicy *Addressing
	// LocalPart is the part of the address before @, including +extension.
	LocalPart string
	// Domain is the lowercased part of the address after @.
	Domain string
}

// ShouldAccept returns true if mail for this recipient should be accepted.
func (r *Recipient) ShouldAccept() bool {
	return r.addrPolicy.ShouldAcceptDomain(r.Domain)
}
