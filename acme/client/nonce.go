package client

import (
	"fmt"

	"github.com/adfinis-sygroup/acme-powerdns/acme"
)

// Nonce satisfies the JWS "NonceSource" interface by using a nonce stored by
// the client from a previous response. Every response from the ACME server
// carries a Replay-Nonce header that the client's HTTP helpers capture, so
// under normal operation a stored nonce is always available. If no nonce has
// been seen yet a fresh one is fetched with a HEAD request to the directory.
func (c *Client) Nonce() (string, error) {
	c.nonceMu.Lock()
	n := c.nonce
	c.nonce = ""
	c.nonceMu.Unlock()

	if n != "" {
		return n, nil
	}
	return c.fetchNonce()
}

// storeNonce saves the value of a Replay-Nonce header for the next signing
// operation.
func (c *Client) storeNonce(nonce string) {
	if nonce == "" {
		return
	}
	c.nonceMu.Lock()
	c.nonce = nonce
	c.nonceMu.Unlock()
}

// fetchNonce asks the ACME server for a fresh nonce with a HEAD request to
// the directory endpoint.
func (c *Client) fetchNonce() (string, error) {
	resp, err := c.net.HeadURL(c.DirectoryURL.String())
	if err != nil {
		return "", err
	}

	nonce := resp.Header.Get(acme.REPLAY_NONCE_HEADER)
	if nonce == "" {
		return "", fmt.Errorf("directory HEAD returned no %q header value",
			acme.REPLAY_NONCE_HEADER)
	}

	return nonce, nil
}
