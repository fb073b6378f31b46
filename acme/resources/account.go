package resources

import (
	"crypto"
	"fmt"
)

// Account holds information related to a single ACME Account. If the account
// has an empty ID it has not yet been registered server-side using the
// client.Register function.
//
// The Signer field holds the account's private key. It is set once when the
// Account is created and never mutated afterwards: all challenge response
// computations and request signatures for the account's lifetime derive from
// this one key.
type Account struct {
	// The server-assigned registration URI. This is used as the JWS Key ID
	// when authenticating ACME requests with the Account's keypair.
	ID string
	// If not nil, a slice of one or more email addresses to be used as the
	// ACME Account's "mailto://" Contact addresses.
	Contact []string
	// The private key used for the ACME account's keypair.
	Signer crypto.Signer
	// The registration record returned by the server, populated by
	// client.Register.
	Registration *Registration
}

// String returns the Account's ID or an empty string if it has not been
// registered with the ACME server.
func (a Account) String() string {
	return a.ID
}

// NewAccount creates an ACME account in-memory. *Important:* the created
// Account is *not* registered with the ACME server until it is explicitly
// registered using a Client instance's Register function.
//
// The emails argument is a slice of zero or more email addresses that should
// be used as the Account's Contact information. The signer argument must be
// the private key to use for the Account keypair; the caller owns generation
// and persistence of this key material.
func NewAccount(emails []string, signer crypto.Signer) (*Account, error) {
	if signer == nil {
		return nil, fmt.Errorf("account signer must not be nil")
	}

	var contacts []string
	for _, e := range emails {
		if e == "" {
			continue
		}
		contacts = append(contacts, fmt.Sprintf("mailto:%s", e))
	}

	return &Account{
		Contact: contacts,
		Signer:  signer,
	}, nil
}
