package issuer

import (
	"context"

	"github.com/adfinis-sygroup/acme-powerdns/acme/keys"
	"github.com/adfinis-sygroup/acme-powerdns/acme/resources"
)

// CreateAccount loads the account private key from keyPath and registers it
// with the CA. Registration is idempotent over the key: if an account
// already exists for it, the existing account URI is reused and the returned
// Registration describes the existing account.
//
// Unless the Issuer was built with WithoutTOSAcceptance, the CA's
// terms-of-service are accepted automatically as part of registration.
//
// Key problems are reported as *KeyLoadError, everything else as
// *RegistrationError. Both are fatal for the session.
func (i *Issuer) CreateAccount(ctx context.Context, keyPath string) (*resources.Registration, error) {
	signer, err := keys.LoadSigner(keyPath)
	if err != nil {
		return nil, &KeyLoadError{Path: keyPath, Err: err}
	}

	acct, err := resources.NewAccount(i.opts.contact, signer)
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}

	// The client signs with the attached Account from here on.
	i.client.Account = acct

	reg, err := i.client.Register(ctx, acct, i.opts.acceptTOS)
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}

	return reg, nil
}
