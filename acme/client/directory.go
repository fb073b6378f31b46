package client

import (
	"context"
	"encoding/json"
	"log"
)

func (c *Client) getDirectory(ctx context.Context) (map[string]any, error) {
	url := c.DirectoryURL.String()

	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var directory map[string]any
	err = json.Unmarshal(resp.RespBody, &directory)
	if err != nil {
		return nil, err
	}

	return directory, nil
}

// Directory fetches the ACME Directory resource from the ACME server and
// returns it deserialized as a map. The directory is cached after the first
// fetch.
func (c *Client) Directory(ctx context.Context) (map[string]any, error) {
	c.dirMu.Lock()
	dir := c.directory
	c.dirMu.Unlock()
	if dir != nil {
		return dir, nil
	}

	if err := c.UpdateDirectory(ctx); err != nil {
		return nil, err
	}

	c.dirMu.Lock()
	dir = c.directory
	c.dirMu.Unlock()
	return dir, nil
}

// UpdateDirectory updates the Client's cached directory used when referencing
// the endpoints for registering accounts, creating authorizations and
// requesting certificates.
func (c *Client) UpdateDirectory(ctx context.Context) error {
	newDir, err := c.getDirectory(ctx)
	if err != nil {
		return err
	}

	c.dirMu.Lock()
	c.directory = newDir
	c.dirMu.Unlock()
	log.Printf("Updated directory")
	return nil
}

// GetEndpointURL gets a URL for a specific ACME endpoint URL by first
// fetching the ACME server's directory and then checking that directory
// resource for a key with the given name. If the key is found its value is
// returned along with a true bool. If the key is not found an empty string is
// returned with a false bool.
func (c *Client) GetEndpointURL(ctx context.Context, name string) (string, bool) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return "", false
	}
	rawURL, ok := dir[name]
	if !ok {
		return "", false
	}
	switch v := rawURL.(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	}
	return "", false
}

// TermsOfService returns the terms-of-service URL advertised in the
// directory's meta object, if any.
func (c *Client) TermsOfService(ctx context.Context) (string, bool) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return "", false
	}
	meta, ok := dir["meta"].(map[string]any)
	if !ok {
		return "", false
	}
	tos, ok := meta["termsOfService"].(string)
	if !ok || tos == "" {
		return "", false
	}
	return tos, true
}
