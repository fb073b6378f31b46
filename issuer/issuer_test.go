package issuer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/adfinis-sygroup/acme-powerdns/acme"
	acmeclient "github.com/adfinis-sygroup/acme-powerdns/acme/client"
	"github.com/adfinis-sygroup/acme-powerdns/acme/keys"
	"github.com/adfinis-sygroup/acme-powerdns/acme/resources"
)

// mockAuthz is the server-side state of one authorization in the mock CA.
type mockAuthz struct {
	domain       string
	status       string
	challenges   []resources.Challenge
	combinations [][]int
}

func (az *mockAuthz) resource() resources.Authorization {
	return resources.Authorization{
		Status:       az.status,
		Identifier:   resources.Identifier{Type: "dns", Value: az.domain},
		Challenges:   az.challenges,
		Combinations: az.combinations,
	}
}

// mockCA is a minimal in-process CA used to exercise the issuance state
// machine end to end. Its behavior knobs default to a cooperative CA that
// validates every answered challenge.
type mockCA struct {
	t      *testing.T
	server *httptest.Server

	mu             sync.Mutex
	requests       int
	challengePosts int
	regCreated     bool
	authzs         map[string]*mockAuthz
	nextAuthz      int
	certPending    int

	// challengesFor overrides the challenges and combinations offered for
	// a domain's authorization.
	challengesFor func(domain string, challURL func(idx int) string) ([]resources.Challenge, [][]int)
	// outcomeFor overrides the authorization status reached after its
	// challenge is answered.
	outcomeFor func(domain string) string

	leafPEM  []byte
	chainPEM []byte
}

func newMockCA(t *testing.T) *mockCA {
	t.Helper()

	ca := &mockCA{
		t:           t,
		authzs:      make(map[string]*mockAuthz),
		certPending: 0,
		leafPEM:     makeCertPEM(t, "leaf.example.com"),
		chainPEM:    makeCertPEM(t, "issuer.example.com"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/dir", ca.handleDirectory)
	mux.HandleFunc("/new-reg", ca.handleNewReg)
	mux.HandleFunc("/reg/1", ca.handleReg)
	mux.HandleFunc("/new-authz", ca.handleNewAuthz)
	mux.HandleFunc("/authz/", ca.handleAuthz)
	mux.HandleFunc("/new-cert", ca.handleNewCert)
	mux.HandleFunc("/cert/1", ca.handleCert)
	mux.HandleFunc("/chain", ca.handleChain)

	nonce := 0
	ca.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ca.mu.Lock()
		ca.requests++
		nonce++
		ca.mu.Unlock()
		w.Header().Set("Replay-Nonce", fmt.Sprintf("nonce-%d", nonce))
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(ca.server.Close)
	return ca
}

func (ca *mockCA) url(path string) string {
	return ca.server.URL + path
}

func (ca *mockCA) requestCount() int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.requests
}

func (ca *mockCA) challengePostCount() int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.challengePosts
}

func (ca *mockCA) writeJSON(w http.ResponseWriter, status int, ob any) {
	w.WriteHeader(status)
	require.NoError(ca.t, json.NewEncoder(w).Encode(ob))
}

// payload extracts the signed payload from a JWS request body without
// verifying the signature.
func (ca *mockCA) payload(r *http.Request) []byte {
	body, err := io.ReadAll(r.Body)
	require.NoError(ca.t, err)
	parsed, err := jose.ParseSigned(string(body),
		[]jose.SignatureAlgorithm{jose.ES256, jose.RS256})
	require.NoError(ca.t, err)
	return parsed.UnsafePayloadWithoutVerification()
}

func (ca *mockCA) handleDirectory(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	ca.writeJSON(w, http.StatusOK, map[string]any{
		acme.NEW_REG_ENDPOINT:   ca.url("/new-reg"),
		acme.NEW_AUTHZ_ENDPOINT: ca.url("/new-authz"),
		acme.NEW_CERT_ENDPOINT:  ca.url("/new-cert"),
		"meta": map[string]any{
			"termsOfService": ca.url("/terms"),
		},
	})
}

func (ca *mockCA) handleNewReg(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	created := ca.regCreated
	ca.regCreated = true
	ca.mu.Unlock()

	w.Header().Set("Location", ca.url("/reg/1"))
	if created {
		// An account already exists for this key.
		ca.writeJSON(w, http.StatusConflict, map[string]any{
			"detail": "Registration key is already in use",
		})
		return
	}
	ca.writeJSON(w, http.StatusCreated, resources.Registration{Status: acme.StatusValid})
}

func (ca *mockCA) handleReg(w http.ResponseWriter, r *http.Request) {
	var update struct {
		Agreement string `json:"agreement"`
	}
	require.NoError(ca.t, json.Unmarshal(ca.payload(r), &update))
	ca.writeJSON(w, http.StatusAccepted, resources.Registration{
		Status:    acme.StatusValid,
		Agreement: update.Agreement,
	})
}

func (ca *mockCA) handleNewAuthz(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier resources.Identifier `json:"identifier"`
	}
	require.NoError(ca.t, json.Unmarshal(ca.payload(r), &req))

	ca.mu.Lock()
	ca.nextAuthz++
	id := fmt.Sprintf("/authz/%d", ca.nextAuthz)
	challURL := func(idx int) string {
		return ca.url(fmt.Sprintf("%s/chall/%d", id, idx))
	}

	az := &mockAuthz{
		domain: req.Identifier.Value,
		status: acme.StatusPending,
	}
	if ca.challengesFor != nil {
		az.challenges, az.combinations = ca.challengesFor(az.domain, challURL)
	} else {
		az.challenges = []resources.Challenge{
			{
				Type:   acme.ChallengeDNS01,
				URL:    challURL(0),
				Token:  fmt.Sprintf("token-%d-0", ca.nextAuthz),
				Status: acme.StatusPending,
			},
			{
				Type:   acme.ChallengeHTTP01,
				URL:    challURL(1),
				Token:  fmt.Sprintf("token-%d-1", ca.nextAuthz),
				Status: acme.StatusPending,
			},
		}
		az.combinations = [][]int{{0}, {1}}
	}
	ca.authzs[id] = az
	ca.mu.Unlock()

	w.Header().Set("Location", ca.url(id))
	ca.writeJSON(w, http.StatusCreated, az.resource())
}

func (ca *mockCA) handleAuthz(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/chall/") {
		ca.challengePosts++
		authzID := r.URL.Path[:strings.Index(r.URL.Path, "/chall/")]
		az, ok := ca.authzs[authzID]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		outcome := acme.StatusValid
		if ca.outcomeFor != nil {
			outcome = ca.outcomeFor(az.domain)
		}
		az.status = outcome
		ca.writeJSON(w, http.StatusAccepted, map[string]any{
			"status": acme.StatusProcessing,
		})
		return
	}

	az, ok := ca.authzs[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ca.writeJSON(w, http.StatusOK, az.resource())
}

func (ca *mockCA) handleNewCert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CSR string `json:"csr"`
	}
	require.NoError(ca.t, json.Unmarshal(ca.payload(r), &req))
	require.NotEmpty(ca.t, req.CSR)

	w.Header().Set("Location", ca.url("/cert/1"))
	w.WriteHeader(http.StatusCreated)
}

func (ca *mockCA) handleCert(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	pending := ca.certPending
	if pending > 0 {
		ca.certPending--
	}
	ca.mu.Unlock()

	if pending > 0 {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Add("Link", fmt.Sprintf("<%s>; rel=\"up\"", ca.url("/chain")))
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(ca.leafPEM)
	require.NoError(ca.t, err)
}

func (ca *mockCA) handleChain(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(ca.chainPEM)
	require.NoError(ca.t, err)
}

// newIssuer builds an Issuer against the mock CA with test-friendly poll
// settings.
func (ca *mockCA) newIssuer(t *testing.T, opts ...Option) *Issuer {
	t.Helper()

	c, err := acmeclient.NewClient(acmeclient.ClientConfig{
		DirectoryURL: ca.url("/dir"),
	})
	require.NoError(t, err)

	base := []Option{
		WithContact("operator@example.com"),
		WithPollTimeout(10 * time.Second),
		WithMaxPollInterval(200 * time.Millisecond),
	}
	return New(c, append(base, opts...)...)
}

func writeTestKey(t *testing.T) string {
	t.Helper()

	signer, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)
	keyPEM, err := keys.SignerToPEM(signer)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "account.pem")
	require.NoError(t, os.WriteFile(path, []byte(keyPEM), 0600))
	return path
}

func makeCertPEM(t *testing.T, commonName string) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func makeCSR(t *testing.T, domains ...string) *x509.CertificateRequest {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}, key)
	require.NoError(t, err)

	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	return csr
}

func TestCreateAccountIdempotent(t *testing.T) {
	ca := newMockCA(t)
	iss := ca.newIssuer(t)
	keyPath := writeTestKey(t)
	ctx := context.Background()

	first, err := iss.CreateAccount(ctx, keyPath)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	// Registering the same key again resolves to the same account URI.
	second, err := iss.CreateAccount(ctx, keyPath)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestCreateAccountKeyLoadError(t *testing.T) {
	ca := newMockCA(t)
	iss := ca.newIssuer(t)

	_, err := iss.CreateAccount(context.Background(), filepath.Join(t.TempDir(), "missing.pem"))

	var keyErr *KeyLoadError
	require.ErrorAs(t, err, &keyErr)
	require.Contains(t, keyErr.Path, "missing.pem")
	// Nothing was sent to the CA for a key that never loaded.
	require.Zero(t, ca.requestCount())
}

func TestRequestTokensDistinctValidations(t *testing.T) {
	ca := newMockCA(t)
	iss := ca.newIssuer(t)
	ctx := context.Background()

	_, err := iss.CreateAccount(ctx, writeTestKey(t))
	require.NoError(t, err)

	domains := []string{"a.example.com", "b.example.com"}
	tokens, err := iss.RequestTokens(ctx, domains, acme.ChallengeDNS01)
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	for i, token := range tokens {
		require.Equal(t, domains[i], token.Domain)
		require.NotEmpty(t, token.Validation)

		// dns-01 validation values are base64url SHA-256 digests.
		digest, err := base64.RawURLEncoding.DecodeString(token.Validation)
		require.NoError(t, err)
		require.Len(t, digest, 32)
	}
	require.NotEqual(t, tokens[0].Validation, tokens[1].Validation)
}

func TestRequestTokensInvalidType(t *testing.T) {
	ca := newMockCA(t)
	iss := ca.newIssuer(t)

	before := ca.requestCount()
	_, err := iss.RequestTokens(context.Background(),
		[]string{"a.example.com"}, "bogus-01")

	var typeErr *InvalidChallengeTypeError
	require.ErrorAs(t, err, &typeErr)
	require.Equal(t, "bogus-01", typeErr.Type)
	// The type is rejected before any network request.
	require.Equal(t, before, ca.requestCount())
}

func TestRequestTokensTypeUnavailable(t *testing.T) {
	ca := newMockCA(t)
	// Offer dns-01 only as part of a two-challenge combination.
	ca.challengesFor = func(domain string, challURL func(int) string) ([]resources.Challenge, [][]int) {
		return []resources.Challenge{
			{Type: acme.ChallengeDNS01, URL: challURL(0), Token: "t0", Status: acme.StatusPending},
			{Type: acme.ChallengeHTTP01, URL: challURL(1), Token: "t1", Status: acme.StatusPending},
		}, [][]int{{0, 1}}
	}

	iss := ca.newIssuer(t)
	ctx := context.Background()
	_, err := iss.CreateAccount(ctx, writeTestKey(t))
	require.NoError(t, err)

	_, err = iss.RequestTokens(ctx, []string{"a.example.com"}, acme.ChallengeDNS01)

	var unavailErr *ChallengeTypeUnavailableError
	require.ErrorAs(t, err, &unavailErr)
	require.Equal(t, "a.example.com", unavailErr.Domain)
	require.Equal(t, acme.ChallengeDNS01, unavailErr.Type)
}

func TestRequestTokensContinueOnFailure(t *testing.T) {
	ca := newMockCA(t)
	// b.example.com never gets a usable dns-01 combination.
	ca.challengesFor = func(domain string, challURL func(int) string) ([]resources.Challenge, [][]int) {
		challenges := []resources.Challenge{
			{Type: acme.ChallengeDNS01, URL: challURL(0), Token: "t-" + domain, Status: acme.StatusPending},
		}
		if domain == "b.example.com" {
			return challenges, [][]int{}
		}
		return challenges, [][]int{{0}}
	}

	iss := ca.newIssuer(t, WithContinueOnFailure())
	ctx := context.Background()
	_, err := iss.CreateAccount(ctx, writeTestKey(t))
	require.NoError(t, err)

	tokens, err := iss.RequestTokens(ctx,
		[]string{"a.example.com", "b.example.com"}, acme.ChallengeDNS01)

	var unavailErr *ChallengeTypeUnavailableError
	require.ErrorAs(t, err, &unavailErr)
	require.Equal(t, "b.example.com", unavailErr.Domain)

	// The unaffected domain's token is still returned.
	require.Len(t, tokens, 1)
	require.Equal(t, "a.example.com", tokens[0].Domain)
}

func TestSelectChallengeFirstMatchWins(t *testing.T) {
	authz := &resources.Authorization{
		Challenges: []resources.Challenge{
			{Type: acme.ChallengeDNS01, Token: "second"},
			{Type: acme.ChallengeDNS01, Token: "first"},
		},
		// The first listed combination points at the second challenge.
		Combinations: [][]int{{1}, {0}},
	}

	chall, err := selectChallenge(authz, "a.example.com", acme.ChallengeDNS01)
	require.NoError(t, err)
	require.Equal(t, "first", chall.Token)
}

func TestValidationValues(t *testing.T) {
	keyAuth := "token.thumbprint"

	dns := validationValue(acme.ChallengeDNS01, keyAuth)
	digest, err := base64.RawURLEncoding.DecodeString(dns)
	require.NoError(t, err)
	require.Len(t, digest, 32)

	require.Equal(t, keyAuth, validationValue(acme.ChallengeHTTP01, keyAuth))

	sni := validationValue(acme.ChallengeTLSSNI01, keyAuth)
	require.True(t, strings.HasSuffix(sni, ".acme.invalid"))
	parts := strings.Split(sni, ".")
	require.Len(t, parts, 4)
	require.Len(t, parts[0], 32)
	require.Len(t, parts[1], 32)
}

func TestAnswerChallengesCSRMismatch(t *testing.T) {
	ca := newMockCA(t)
	iss := ca.newIssuer(t)
	ctx := context.Background()

	_, err := iss.CreateAccount(ctx, writeTestKey(t))
	require.NoError(t, err)
	_, err = iss.RequestTokens(ctx, []string{"a.example.com"}, acme.ChallengeDNS01)
	require.NoError(t, err)

	_, _, err = iss.AnswerChallenges(ctx, makeCSR(t, "b.example.com"))

	var issErr *IssuanceError
	require.ErrorAs(t, err, &issErr)
	require.Contains(t, issErr.Domains, "a.example.com")
	require.Contains(t, issErr.Domains, "b.example.com")
	// The mismatch is caught before a single answer goes out.
	require.Zero(t, ca.challengePostCount())
}

func TestAnswerChallengesMixedCaseDomains(t *testing.T) {
	ca := newMockCA(t)
	iss := ca.newIssuer(t)
	ctx := context.Background()

	_, err := iss.CreateAccount(ctx, writeTestKey(t))
	require.NoError(t, err)
	_, err = iss.RequestTokens(ctx, []string{"Example.COM"}, acme.ChallengeDNS01)
	require.NoError(t, err)

	// DNS names are case-insensitive: a CSR naming the same host in any
	// casing matches the negotiated domain.
	certs, chain, err := iss.AnswerChallenges(ctx, makeCSR(t, "example.com"))
	require.NoError(t, err)
	require.NotEmpty(t, certs)
	require.NotEmpty(t, chain)
}

func TestAnswerChallengesHappyPath(t *testing.T) {
	ca := newMockCA(t)
	ca.certPending = 1
	iss := ca.newIssuer(t)
	ctx := context.Background()

	_, err := iss.CreateAccount(ctx, writeTestKey(t))
	require.NoError(t, err)

	domains := []string{"a.example.com", "b.example.com"}
	tokens, err := iss.RequestTokens(ctx, domains, acme.ChallengeDNS01)
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	certs, chain, err := iss.AnswerChallenges(ctx, makeCSR(t, domains...))
	require.NoError(t, err)
	require.Len(t, certs, 1)
	require.Len(t, chain, 1)
	require.Equal(t, "leaf.example.com", certs[0].Subject.CommonName)
	require.Equal(t, "issuer.example.com", chain[0].Subject.CommonName)

	// A session can be answered at most once.
	_, _, err = iss.AnswerChallenges(ctx, makeCSR(t, domains...))
	var issErr *IssuanceError
	require.ErrorAs(t, err, &issErr)
}

func TestAnswerChallengesInvalidDomain(t *testing.T) {
	ca := newMockCA(t)
	ca.outcomeFor = func(domain string) string {
		if domain == "a.example.com" {
			return acme.StatusInvalid
		}
		return acme.StatusValid
	}

	iss := ca.newIssuer(t)
	ctx := context.Background()

	_, err := iss.CreateAccount(ctx, writeTestKey(t))
	require.NoError(t, err)

	domains := []string{"a.example.com", "b.example.com"}
	_, err = iss.RequestTokens(ctx, domains, acme.ChallengeDNS01)
	require.NoError(t, err)

	_, _, err = iss.AnswerChallenges(ctx, makeCSR(t, domains...))

	// The invalid domain is named even though the other one validated.
	var issErr *IssuanceError
	require.ErrorAs(t, err, &issErr)
	require.Equal(t, []string{"a.example.com"}, issErr.Domains)
}

func TestAnswerChallengesPollTimeout(t *testing.T) {
	ca := newMockCA(t)
	// Validation never completes.
	ca.outcomeFor = func(domain string) string { return acme.StatusPending }

	iss := ca.newIssuer(t, WithPollTimeout(1200*time.Millisecond))
	ctx := context.Background()

	_, err := iss.CreateAccount(ctx, writeTestKey(t))
	require.NoError(t, err)
	_, err = iss.RequestTokens(ctx, []string{"a.example.com"}, acme.ChallengeDNS01)
	require.NoError(t, err)

	_, _, err = iss.AnswerChallenges(ctx, makeCSR(t, "a.example.com"))

	var timeoutErr *PollTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, acme.StatusPending, timeoutErr.LastState)
}

func TestAnswerChallengesWithPublisher(t *testing.T) {
	ca := newMockCA(t)
	pub := &recordingPublisher{}
	iss := ca.newIssuer(t, WithPublisher(pub))
	ctx := context.Background()

	_, err := iss.CreateAccount(ctx, writeTestKey(t))
	require.NoError(t, err)
	_, err = iss.RequestTokens(ctx, []string{"a.example.com"}, acme.ChallengeDNS01)
	require.NoError(t, err)

	_, _, err = iss.AnswerChallenges(ctx, makeCSR(t, "a.example.com"))
	require.NoError(t, err)

	require.Equal(t, []string{"a.example.com"}, pub.presented)
	require.Equal(t, []string{"a.example.com"}, pub.cleaned)
}

type recordingPublisher struct {
	presented []string
	cleaned   []string
}

func (p *recordingPublisher) Present(domain, token, keyAuth string) error {
	p.presented = append(p.presented, domain)
	return nil
}

func (p *recordingPublisher) CleanUp(domain, token, keyAuth string) error {
	p.cleaned = append(p.cleaned, domain)
	return nil
}
