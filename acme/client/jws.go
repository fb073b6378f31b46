package client

import (
	"crypto"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/adfinis-sygroup/acme-powerdns/acme/keys"
)

// SigningOptions allows specifying signature related options when calling the
// Client's Sign function.
type SigningOptions struct {
	// If true, embed the signing key's public component as a JWK in the
	// signed JWS instead of using a KeyID header. This is required for the
	// new-registration endpoint where the server does not yet know the key.
	// Setting EmbedKey to true is mutually exclusive with a non-empty KeyID.
	EmbedKey bool
	// If not-empty, a KeyID value to use for the JWS Key ID header to
	// identify the ACME account. If empty the attached Account's ID field
	// will be used. Providing a KeyID is mutually exclusive with setting
	// EmbedKey to true.
	KeyID string
	// If not-nil, a signer to use for the JWS. If nil the attached Account's
	// Signer is used.
	Signer crypto.Signer
}

// validate checks that the SigningOptions are sensible. This enforces the
// mutually exclusive KeyID and EmbedKey options and ensures that the Signer
// is not nil. Because it checks that the Signer field is not nil it must only
// be called after populating defaults from the attached Account.
func (opts *SigningOptions) validate() error {
	if opts.KeyID != "" && opts.EmbedKey {
		return fmt.Errorf("SigningOptions validate: cannot specify both KeyID and EmbedKey")
	}
	if opts.KeyID == "" && !opts.EmbedKey {
		return fmt.Errorf("SigningOptions validate: you must specify a KeyID or EmbedKey")
	}
	if opts.Signer == nil {
		return fmt.Errorf("SigningOptions validate: you must specify a signer")
	}
	return nil
}

// SignResult holds the input and output from a Sign operation.
type SignResult struct {
	// The url argument given to Sign.
	InputURL string
	// The data argument given to Sign.
	InputData []byte
	// The JWS in serialized form.
	SerializedJWS []byte
}

// Sign produces a SignResult by signing the provided data (with a protected
// URL header) according to the SigningOptions provided. If no Signer is
// specified in the SigningOptions then the attached Account's key is used. If
// the SigningOptions specify not to embed a JWK but do not specify a Key ID
// then the attached Account's ID is used as the JWS Key ID. The Client is
// always the NonceSource for the produced JWS.
func (c *Client) Sign(url string, data []byte, opts *SigningOptions) (*SignResult, error) {
	if opts == nil {
		opts = &SigningOptions{}
	}
	// If there is no Signer and no Account we can't proceed
	if opts.Signer == nil && c.Account == nil {
		return nil, errors.New(
			"Account is nil and no Signer was specified in SigningOptions")
	} else if opts.Signer == nil {
		opts.Signer = c.Account.Signer
	}

	// If there is no request to embed a JWK and there is no explicit KeyID
	// provided use the Account's ID as the KeyID.
	if !opts.EmbedKey && opts.KeyID == "" {
		if c.AccountID() == "" {
			return nil, errors.New(
				"SigningOptions EmbedKey was false, no KeyID was specified, and " +
					"the Account has not been registered")
		}
		opts.KeyID = c.Account.ID
	}

	// Now that the defaults are populated check that the resulting options
	// are valid.
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if opts.EmbedKey {
		return signEmbedded(c, url, data, *opts)
	}
	return signKeyID(c, url, data, *opts)
}

func signEmbedded(nonceSrc jose.NonceSource, url string, data []byte, opts SigningOptions) (*SignResult, error) {
	signingKey := keys.SigningKeyForSigner(opts.Signer, "")
	signingKey.Key = opts.Signer

	signer, err := jose.NewSigner(signingKey, &jose.SignerOptions{
		NonceSource: nonceSrc,
		EmbedJWK:    true,
		ExtraHeaders: map[jose.HeaderKey]any{
			"url": url,
		},
	})
	if err != nil {
		return nil, err
	}

	return sign(signer, url, data)
}

func signKeyID(nonceSrc jose.NonceSource, url string, data []byte, opts SigningOptions) (*SignResult, error) {
	signingKey := keys.SigningKeyForSigner(opts.Signer, opts.KeyID)

	signer, err := jose.NewSigner(signingKey, &jose.SignerOptions{
		NonceSource: nonceSrc,
		ExtraHeaders: map[jose.HeaderKey]any{
			"url": url,
		},
	})
	if err != nil {
		return nil, err
	}

	return sign(signer, url, data)
}

func sign(signer jose.Signer, url string, data []byte) (*SignResult, error) {
	signed, err := signer.Sign(data)
	if err != nil {
		return nil, err
	}

	return &SignResult{
		InputURL:      url,
		InputData:     data,
		SerializedJWS: []byte(signed.FullSerialize()),
	}, nil
}
