package client

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adfinis-sygroup/acme-powerdns/acme"
	"github.com/adfinis-sygroup/acme-powerdns/acme/resources"
	"github.com/adfinis-sygroup/acme-powerdns/net"
)

// Register creates a server-side registration for the given Account's key,
// or re-attaches to the existing one. Registration is idempotent over the
// account key: if the server responds that an account already exists for the
// key (HTTP 409 + Location header) the existing registration URI from the
// Location header is used and the current registration record is fetched
// from it, so repeated calls with the same key always resolve to the same
// account URI.
//
// If acceptToS is true and the server advertises a terms-of-service URL the
// registration has not yet agreed to, agreement is sent automatically. The
// acceptance is logged so operators can review the terms out of band.
func (c *Client) Register(ctx context.Context, acct *resources.Account, acceptToS bool) (*resources.Registration, error) {
	if acct.ID != "" {
		return nil, fmt.Errorf(
			"register: account is already registered under ID %q", acct.ID)
	}

	newRegReq := struct {
		Contact []string `json:"contact,omitempty"`
	}{
		Contact: acct.Contact,
	}

	reqBody, err := json.Marshal(&newRegReq)
	if err != nil {
		return nil, err
	}

	newRegURL, ok := c.GetEndpointURL(ctx, acme.NEW_REG_ENDPOINT)
	if !ok {
		return nil, fmt.Errorf(
			"register: ACME server missing %q endpoint in directory",
			acme.NEW_REG_ENDPOINT)
	}

	log.Printf("Sending %q request (contact: %s) to %q",
		acme.NEW_REG_ENDPOINT, acct.Contact, newRegURL)
	// The server does not know the key yet so it must be embedded as a JWK.
	resp, err := c.postSigned(ctx, newRegURL, reqBody, &SigningOptions{
		EmbedKey: true,
		Signer:   acct.Signer,
	})
	if err != nil {
		return nil, err
	}

	reg := &resources.Registration{}
	respOb := resp.Response
	switch respOb.StatusCode {
	case http.StatusCreated:
		locHeader := respOb.Header.Get("Location")
		if locHeader == "" {
			return nil, fmt.Errorf("register: server returned response with no Location header")
		}
		if err := json.Unmarshal(resp.RespBody, reg); err != nil {
			return nil, fmt.Errorf("register: server returned invalid JSON: %s", err)
		}
		reg.ID = locHeader
		log.Printf("Created registration with ID %q\n", reg.ID)
	case http.StatusConflict:
		// An account already exists for this key. Re-attach to it by POSTing
		// an empty update to the URI from the Location header.
		locHeader := respOb.Header.Get("Location")
		if locHeader == "" {
			return nil, fmt.Errorf("register: conflict response had no Location header")
		}
		log.Printf("Registration already exists, reusing ID %q\n", locHeader)
		resp, err := c.postSigned(ctx, locHeader, []byte("{}"), &SigningOptions{
			EmbedKey: true,
			Signer:   acct.Signer,
		})
		if err != nil {
			return nil, err
		}
		if resp.Response.StatusCode != http.StatusOK &&
			resp.Response.StatusCode != http.StatusAccepted {
			return nil, newProtocolError(locHeader, resp)
		}
		if err := json.Unmarshal(resp.RespBody, reg); err != nil {
			return nil, fmt.Errorf("register: server returned invalid JSON: %s", err)
		}
		reg.ID = locHeader
	default:
		return nil, newProtocolError(newRegURL, resp)
	}

	acct.ID = reg.ID
	acct.Registration = reg

	if acceptToS {
		if err := c.agreeToTerms(ctx, acct); err != nil {
			return nil, err
		}
	}

	return acct.Registration, nil
}

// agreeToTerms sends terms-of-service agreement for the account's
// registration if the server advertises terms the registration has not yet
// agreed to.
func (c *Client) agreeToTerms(ctx context.Context, acct *resources.Account) error {
	reg := acct.Registration
	tos := reg.TermsOfService
	if tos == "" {
		tos, _ = c.TermsOfService(ctx)
	}
	if tos == "" || reg.Agreement == tos {
		return nil
	}

	log.Printf("Auto-accepting terms of service: %q", tos)
	updateReq := struct {
		Agreement string `json:"agreement"`
	}{
		Agreement: tos,
	}
	reqBody, err := json.Marshal(&updateReq)
	if err != nil {
		return err
	}

	resp, err := c.postSigned(ctx, reg.ID, reqBody, nil)
	if err != nil {
		return err
	}
	if resp.Response.StatusCode != http.StatusOK &&
		resp.Response.StatusCode != http.StatusAccepted {
		return newProtocolError(reg.ID, resp)
	}

	updated := &resources.Registration{}
	if err := json.Unmarshal(resp.RespBody, updated); err != nil {
		return fmt.Errorf("agreement: server returned invalid JSON: %s", err)
	}
	updated.ID = reg.ID
	acct.Registration = updated
	return nil
}

// NewAuthorization requests a fresh Authorization for the given domain. If
// the operation is successful the returned Authorization's ID field is
// populated with the value of the server's reply's Location header.
func (c *Client) NewAuthorization(ctx context.Context, domain string) (*resources.Authorization, error) {
	if c.AccountID() == "" {
		return nil, fmt.Errorf("newAuthz: account is nil or has not been registered")
	}

	req := struct {
		Identifier resources.Identifier `json:"identifier"`
	}{
		Identifier: resources.Identifier{
			Type:  "dns",
			Value: domain,
		},
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	newAuthzURL, ok := c.GetEndpointURL(ctx, acme.NEW_AUTHZ_ENDPOINT)
	if !ok {
		return nil, fmt.Errorf(
			"newAuthz: ACME server missing %q endpoint in directory",
			acme.NEW_AUTHZ_ENDPOINT)
	}

	resp, err := c.postSigned(ctx, newAuthzURL, reqBody, nil)
	if err != nil {
		return nil, err
	}

	respOb := resp.Response
	if respOb.StatusCode != http.StatusCreated {
		return nil, newProtocolError(newAuthzURL, resp)
	}

	locHeader := respOb.Header.Get("Location")
	if locHeader == "" {
		return nil, fmt.Errorf("newAuthz: server returned response with no Location header")
	}

	authz := &resources.Authorization{}
	if err := json.Unmarshal(resp.RespBody, authz); err != nil {
		return nil, fmt.Errorf("newAuthz: server returned invalid JSON: %s", err)
	}

	authz.ID = locHeader
	log.Printf("Created new authorization %q for identifier %q\n",
		authz.ID, authz.Identifier.Value)
	return authz, nil
}

// UpdateAuthz refreshes a given Authz by fetching its ID URL from the ACME
// server. If this is successful the Authz is updated in place. The returned
// duration is the server's Retry-After polling hint, or zero when none was
// provided.
//
// Calling UpdateAuthz is required to refresh an Authz's Status field to
// synchronize the resource with the server-side representation.
func (c *Client) UpdateAuthz(ctx context.Context, authz *resources.Authorization) (time.Duration, error) {
	if authz == nil {
		return 0, fmt.Errorf("updateAuthz: authz must not be nil")
	}
	if authz.ID == "" {
		return 0, fmt.Errorf("updateAuthz: authz must have an ID")
	}

	resp, err := c.get(ctx, authz.ID)
	if err != nil {
		return 0, err
	}
	if resp.Response.StatusCode != http.StatusOK &&
		resp.Response.StatusCode != http.StatusAccepted {
		return retryAfterHint(resp), newProtocolError(authz.ID, resp)
	}

	if err := json.Unmarshal(resp.RespBody, authz); err != nil {
		return 0, err
	}

	return retryAfterHint(resp), nil
}

// AnswerChallenge submits the given key authorization as the answer for the
// given Challenge, notifying the server that it can begin validation. The
// Challenge is updated in place with the server's response.
func (c *Client) AnswerChallenge(ctx context.Context, chall *resources.Challenge, keyAuth string) error {
	if chall == nil {
		return fmt.Errorf("answerChallenge: chall must not be nil")
	}
	if chall.URL == "" {
		return fmt.Errorf("answerChallenge: chall must have a URL")
	}

	answerReq := struct {
		Type             string `json:"type"`
		KeyAuthorization string `json:"keyAuthorization"`
	}{
		Type:             chall.Type,
		KeyAuthorization: keyAuth,
	}

	reqBody, err := json.Marshal(&answerReq)
	if err != nil {
		return err
	}

	resp, err := c.postSigned(ctx, chall.URL, reqBody, nil)
	if err != nil {
		return err
	}

	respOb := resp.Response
	if respOb.StatusCode != http.StatusOK &&
		respOb.StatusCode != http.StatusAccepted {
		return newProtocolError(chall.URL, resp)
	}

	if err := json.Unmarshal(resp.RespBody, chall); err != nil {
		return fmt.Errorf("answerChallenge: server returned invalid JSON: %s", err)
	}

	return nil
}

// FinalizeCSR submits the given DER encoded certificate signing request to
// the new-certificate endpoint. On success the URL of the certificate
// resource (from the reply's Location header) is returned; the certificate
// may not be issued yet and must be polled with FetchCertificate.
func (c *Client) FinalizeCSR(ctx context.Context, csrDER []byte) (string, error) {
	if c.AccountID() == "" {
		return "", fmt.Errorf("finalize: account is nil or has not been registered")
	}

	finalizeReq := struct {
		CSR string `json:"csr"`
	}{
		CSR: base64.RawURLEncoding.EncodeToString(csrDER),
	}

	reqBody, err := json.Marshal(&finalizeReq)
	if err != nil {
		return "", err
	}

	newCertURL, ok := c.GetEndpointURL(ctx, acme.NEW_CERT_ENDPOINT)
	if !ok {
		return "", fmt.Errorf(
			"finalize: ACME server missing %q endpoint in directory",
			acme.NEW_CERT_ENDPOINT)
	}

	resp, err := c.postSigned(ctx, newCertURL, reqBody, nil)
	if err != nil {
		return "", err
	}

	respOb := resp.Response
	if respOb.StatusCode != http.StatusCreated &&
		respOb.StatusCode != http.StatusAccepted {
		return "", newProtocolError(newCertURL, resp)
	}

	locHeader := respOb.Header.Get("Location")
	if locHeader == "" {
		return "", fmt.Errorf("finalize: server returned response with no Location header")
	}

	log.Printf("Certificate requested, resource URL %q\n", locHeader)
	return locHeader, nil
}

// FetchCertificate fetches the certificate resource at the given URL. Three
// outcomes are possible:
//
//   - the certificate is issued: the parsed certificates from the response
//     body are returned, along with the URL of the issuer chain from the
//     response's Link rel="up" header (empty when the server provided none);
//   - the certificate is not ready yet (HTTP 202): nil certificates and
//     a nil error are returned along with the server's Retry-After hint;
//   - the request was rejected: a non-nil error is returned.
func (c *Client) FetchCertificate(ctx context.Context, certURL string) ([]*x509.Certificate, string, time.Duration, error) {
	resp, err := c.get(ctx, certURL)
	if err != nil {
		return nil, "", 0, err
	}

	respOb := resp.Response
	switch respOb.StatusCode {
	case http.StatusOK:
		certs, err := parsePEMCertificates(resp.RespBody)
		if err != nil {
			return nil, "", 0, fmt.Errorf("fetchCertificate: %s", err)
		}
		return certs, linkHeader(respOb.Header, "up"), 0, nil
	case http.StatusAccepted:
		return nil, "", retryAfterHint(resp), nil
	}
	return nil, "", 0, newProtocolError(certURL, resp)
}

// FetchChain fetches and parses the certificate chain resource at the given
// URL. The returned certificates preserve the server's order, which is
// expected to be leaf-issuer first, root-adjacent last.
func (c *Client) FetchChain(ctx context.Context, chainURL string) ([]*x509.Certificate, error) {
	resp, err := c.get(ctx, chainURL)
	if err != nil {
		return nil, err
	}
	if resp.Response.StatusCode != http.StatusOK {
		return nil, newProtocolError(chainURL, resp)
	}

	certs, err := parsePEMCertificates(resp.RespBody)
	if err != nil {
		return nil, fmt.Errorf("fetchChain: %s", err)
	}
	return certs, nil
}

// parsePEMCertificates parses one or more PEM encoded certificates from the
// given bytes, preserving their order.
func parsePEMCertificates(pemBytes []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("malformed certificate: %s", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("response contained no PEM certificates")
	}
	return certs, nil
}

// linkHeader extracts the URL with the given relation from a response's Link
// headers. An empty string is returned when no matching link is present.
func linkHeader(headers http.Header, rel string) string {
	for _, link := range headers.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			fields := strings.Split(strings.TrimSpace(part), ";")
			if len(fields) < 2 {
				continue
			}
			url := strings.Trim(strings.TrimSpace(fields[0]), "<>")
			for _, param := range fields[1:] {
				param = strings.TrimSpace(param)
				if param == fmt.Sprintf("rel=%q", rel) || param == "rel="+rel {
					return url
				}
			}
		}
	}
	return ""
}

// retryAfterHint parses a response's Retry-After header, accepting both the
// delay-seconds and the HTTP-date form. Zero is returned when the header is
// absent, malformed or names a moment in the past.
func retryAfterHint(resp *net.NetResponse) time.Duration {
	raw := resp.Response.Header.Get(acme.RETRY_AFTER_HEADER)
	if raw == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if when, err := http.ParseTime(raw); err == nil {
		if wait := time.Until(when); wait > 0 {
			return wait
		}
	}
	return 0
}
