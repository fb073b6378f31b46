package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/adfinis-sygroup/acme-powerdns/acme"
	"github.com/adfinis-sygroup/acme-powerdns/acme/resources"
	"github.com/adfinis-sygroup/acme-powerdns/net"
)

// ProtocolError represents a response from the ACME server that rejects the
// request at the protocol level (an HTTP error status, usually carrying
// a problem document). Protocol errors are never retried.
type ProtocolError struct {
	// The URL the failing request was made to.
	URL string
	// The HTTP status code of the response.
	StatusCode int
	// The problem document from the response body, if one could be parsed.
	Problem *resources.Problem
}

func (e *ProtocolError) Error() string {
	if e.Problem != nil && e.Problem.Detail != "" {
		return fmt.Sprintf("%q returned status %d: %s (%s)",
			e.URL, e.StatusCode, e.Problem.Detail, e.Problem.Type)
	}
	return fmt.Sprintf("%q returned status %d", e.URL, e.StatusCode)
}

// newProtocolError builds a ProtocolError from a response, attempting to
// parse a problem document out of the body.
func newProtocolError(url string, resp *net.NetResponse) *ProtocolError {
	perr := &ProtocolError{
		URL:        url,
		StatusCode: resp.Response.StatusCode,
	}
	var prob resources.Problem
	if err := json.Unmarshal(resp.RespBody, &prob); err == nil && prob.Type != "" {
		perr.Problem = &prob
	}
	return perr
}

// observe prints a completed exchange according to the Client's
// OutputOptions and captures the response's anti-replay nonce.
func (c *Client) observe(resp *net.NetResponse) *net.NetResponse {
	if c.Output.PrintRequests {
		log.Printf("Request:\n%s\n", resp.ReqDump)
	}
	if c.Output.PrintResponses {
		log.Printf("Response:\n%s\n", resp.RespDump)
	}

	// Every response may carry a fresh anti-replay nonce.
	c.storeNonce(resp.Response.Header.Get(acme.REPLAY_NONCE_HEADER))
	return resp
}

func (c *Client) get(ctx context.Context, url string) (*net.NetResponse, error) {
	resp, err := c.net.GetURL(ctx, url)
	if err != nil {
		return nil, err
	}
	return c.observe(resp), nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*net.NetResponse, error) {
	resp, err := c.net.PostURL(ctx, url, body)
	if err != nil {
		return nil, err
	}
	return c.observe(resp), nil
}

// postSigned signs the given request body for the given URL and POSTs it.
func (c *Client) postSigned(ctx context.Context, url string, body []byte, opts *SigningOptions) (*net.NetResponse, error) {
	signResult, err := c.Sign(url, body, opts)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, url, signResult.SerializedJWS)
}
