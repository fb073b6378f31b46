// Package client provides a low-level ACME client. It signs and sends JSON
// requests to the CA's directory endpoints, manages anti-replay nonces, and
// parses responses into the typed protocol objects from acme/resources.
package client

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/adfinis-sygroup/acme-powerdns/acme/resources"
	acmenet "github.com/adfinis-sygroup/acme-powerdns/net"
)

// Client allows interaction with an ACME server on behalf of a single
// Account. The Account is used to authenticate requests to the ACME server
// with JSON Web Signatures (JWS). Internally the Client uses the net package
// to perform HTTP requests to the ACME server.
//
// The Client's DirectoryURL field is a parsed *url.URL for the ACME server's
// directory. The client configures itself with the correct URLs for ACME
// operations using the directory resource accessed at this URL.
type Client struct {
	// A parsed *url.URL pointer for the ACME server's directory URL.
	DirectoryURL *url.URL
	// A pointer to the Account object used for signing JWS for ACME requests.
	// Its Signer must never change after the Account is attached.
	Account *resources.Account
	// Options controlling the Client's output.
	Output OutputOptions
	// the net object is used to make HTTP GET/POST/HEAD requests to the ACME
	// server.
	net *acmenet.ACMENet
	// dirMu guards directory. The directory is fetched lazily and may be
	// first accessed from concurrent goroutines during parallel negotiation.
	dirMu sync.Mutex
	// directory is an in-memory representation of the ACME server's directory
	// object.
	directory map[string]any

	// nonceMu guards nonce. Requests may be made from concurrent goroutines
	// during parallel negotiation.
	nonceMu sync.Mutex
	// nonce is the value of the last-seen Replay-Nonce header from the ACME
	// server's HTTP responses. It will be used for the next signing operation.
	nonce string
}

// OutputOptions holds runtime output settings for a client.
type OutputOptions struct {
	// Print all HTTP requests made to the ACME server.
	PrintRequests bool
	// Print all HTTP responses from the ACME server.
	PrintResponses bool
}

// ClientConfig contains configuration options provided to NewClient when
// creating a Client instance.
//
// The DirectoryURL field is a string containing the URL for the ACME server's
// directory endpoint. This field is mandatory and must not be empty. It
// should be a fully qualified URL with a HTTP/HTTPS protocol prefix.
//
// The CACert field is an optional string containing a file path to a file
// containing one or more PEM encoded CA certificates that should be used as
// trust roots for HTTPS requests to the ACME server. If empty the default
// system roots are used.
type ClientConfig struct {
	// A fully qualified URL for the ACME server's directory resource. Must
	// include an HTTP/HTTPS protocol prefix.
	DirectoryURL string
	// An optional file path to one or more PEM encoded CA certificates to be
	// used as trust roots for HTTPS requests to the ACME server.
	CACert string
	// Initial OutputOptions settings.
	InitialOutput OutputOptions
}

// normalize validates a ClientConfig.
func (conf *ClientConfig) normalize() error {
	// Clean up any junk whitespace that might have snuck in
	conf.DirectoryURL = strings.TrimSpace(conf.DirectoryURL)

	if conf.DirectoryURL == "" {
		return fmt.Errorf("DirectoryURL must not be empty")
	}

	if _, err := url.Parse(conf.DirectoryURL); err != nil {
		return fmt.Errorf("DirectoryURL invalid: %s", err.Error())
	}

	return nil
}

// NewClient creates a Client instance from the given ClientConfig. If the
// config is not valid or if another error occurs it will be returned along
// with a nil Client.
//
// The directory resource is fetched lazily on first use, so creating a Client
// performs no network requests.
func NewClient(config ClientConfig) (*Client, error) {
	// Validate the ClientConfig has no errors when normalized.
	if err := config.normalize(); err != nil {
		return nil, err
	}

	net, err := acmenet.New(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("unable to create ACME net client: %s", err)
	}

	// NOTE: Its safe to throw away the returned err here because we check
	// that `url.Parse` will succeed in `config.normalize()` above.
	dirURL, _ := url.Parse(config.DirectoryURL)

	return &Client{
		DirectoryURL: dirURL,
		Output:       config.InitialOutput,
		net:          net,
	}, nil
}

// AccountID returns the registration URI of the attached Account. If no
// Account is attached, or the Account has not yet been registered with the
// ACME server, an empty string is returned.
func (c *Client) AccountID() string {
	if c.Account == nil {
		return ""
	}

	return c.Account.ID
}
