package issuer

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adfinis-sygroup/acme-powerdns/acme"
)

// certIssued is a synthetic poll state reported once the CA has produced the
// certificate.
const certIssued = "certificate-issued"

// AnswerChallenges submits the answer for every challenge negotiated by the
// preceding RequestTokens call, waits for all authorizations to validate,
// finalizes the given certificate signing request and returns the issued
// leaf certificate(s) and the trust chain, both leaf-to-root ordered.
//
// The CSR's subject alternative names must equal the negotiated domain set
// exactly; a mismatch fails before any answer is submitted. Each negotiation
// session can be answered at most once.
//
// If the leaf certificate was issued but the chain could not be resolved,
// the leaf is returned together with a *ChainFetchError so the caller can
// retry the chain fetch independently.
func (i *Issuer) AnswerChallenges(ctx context.Context, csr *x509.CertificateRequest) ([]*x509.Certificate, []*x509.Certificate, error) {
	contexts, err := i.takeSession(csr)
	if err != nil {
		return nil, nil, err
	}

	if i.opts.publisher != nil {
		for _, cc := range contexts {
			log.Printf("Publishing validation record for %q\n", cc.domain)
			if err := i.opts.publisher.Present(cc.domain, cc.challenge.Token, cc.keyAuth); err != nil {
				return nil, nil, &ChallengeAnswerError{Domain: cc.domain, Err: err}
			}
		}
	}

	// All answers go out before the poll begins. CA-side validation of each
	// domain proceeds independently once notified.
	if err := i.submitAnswers(ctx, contexts); err != nil {
		return nil, nil, err
	}

	states, err := i.pollAuthorizations(ctx, contexts)
	if err != nil {
		return nil, nil, err
	}

	var invalid []string
	for domain, state := range states {
		if state != acme.StatusValid {
			invalid = append(invalid, domain)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return nil, nil, &IssuanceError{
			Domains: invalid,
			Reason:  "authorization did not validate",
		}
	}

	certURL, err := i.client.FinalizeCSR(ctx, csr.Raw)
	if err != nil {
		return nil, nil, &IssuanceError{Reason: "finalization rejected", Err: err}
	}

	certs, chainURL, err := i.awaitCertificate(ctx, certURL)
	if err != nil {
		return nil, nil, err
	}

	leaf, chain, err := i.resolveChain(ctx, certs, chainURL)
	if err != nil {
		// The leaf is usable even when the chain fetch failed.
		return leaf, nil, err
	}

	if i.opts.publisher != nil {
		for _, cc := range contexts {
			if err := i.opts.publisher.CleanUp(cc.domain, cc.challenge.Token, cc.keyAuth); err != nil {
				log.Printf("Failed to clean up validation record for %q: %s\n", cc.domain, err)
			}
		}
	}

	return leaf, chain, nil
}

// takeSession validates the CSR against the active session and consumes the
// session. The names of the CSR must equal the negotiated domains exactly;
// this is checked before anything is submitted to the CA.
func (i *Issuer) takeSession(csr *x509.CertificateRequest) ([]*challengeContext, error) {
	if csr == nil {
		return nil, &IssuanceError{Reason: "certificate request must not be nil"}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.contexts) == 0 {
		return nil, &IssuanceError{Reason: "no negotiated challenges, call RequestTokens first"}
	}
	if i.answered {
		return nil, &IssuanceError{Reason: "challenges for this session have already been answered"}
	}

	// DNS names are case-insensitive, so both sides of the comparison are
	// host-normalized to lowercase.
	csrNames := make(map[string]bool, len(csr.DNSNames))
	for _, name := range csr.DNSNames {
		csrNames[strings.ToLower(name)] = true
	}
	negotiated := make(map[string]bool, len(i.contexts))
	for domain := range i.contexts {
		negotiated[strings.ToLower(domain)] = true
	}

	var missing, extra []string
	for domain := range negotiated {
		if !csrNames[domain] {
			missing = append(missing, domain)
		}
	}
	for name := range csrNames {
		if !negotiated[name] {
			extra = append(extra, name)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		return nil, &IssuanceError{
			Domains: append(missing, extra...),
			Reason:  "certificate request names do not match negotiated domains",
		}
	}

	i.answered = true

	contexts := make([]*challengeContext, 0, len(i.contexts))
	for _, cc := range i.contexts {
		contexts = append(contexts, cc)
	}
	sort.Slice(contexts, func(a, b int) bool {
		return contexts[a].domain < contexts[b].domain
	})
	return contexts, nil
}

func (i *Issuer) submitAnswers(ctx context.Context, contexts []*challengeContext) error {
	if i.opts.parallelism > 1 {
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(i.opts.parallelism)
		for _, cc := range contexts {
			cc := cc
			group.Go(func() error {
				return i.submitAnswer(groupCtx, cc)
			})
		}
		return group.Wait()
	}

	for _, cc := range contexts {
		if err := i.submitAnswer(ctx, cc); err != nil {
			return err
		}
	}
	return nil
}

func (i *Issuer) submitAnswer(ctx context.Context, cc *challengeContext) error {
	log.Printf("Answering %s challenge for %q\n", cc.challenge.Type, cc.domain)
	if err := i.client.AnswerChallenge(ctx, cc.challenge, cc.keyAuth); err != nil {
		return &ChallengeAnswerError{Domain: cc.domain, Err: err}
	}
	return nil
}

// pollAuthorizations waits for every context's authorization to reach a
// terminal state and returns the final state per domain. A domain going
// invalid is not an error here so the remaining domains still resolve; the
// caller inspects the returned states. Poll failures (timeouts, protocol
// rejections) are errors.
func (i *Issuer) pollAuthorizations(ctx context.Context, contexts []*challengeContext) (map[string]string, error) {
	var statesMu sync.Mutex
	states := make(map[string]string, len(contexts))

	group, groupCtx := errgroup.WithContext(ctx)
	limit := i.opts.parallelism
	if limit < 1 {
		limit = 1
	}
	group.SetLimit(limit)

	for _, cc := range contexts {
		cc := cc
		group.Go(func() error {
			state, err := pollUntilTerminal(groupCtx, i.pollConfig(), func(ctx context.Context) (string, time.Duration, error) {
				hint, err := i.client.UpdateAuthz(ctx, cc.authz)
				return cc.authz.Status, hint, err
			}, terminalAuthzStates)
			if err != nil {
				var timeoutErr *PollTimeoutError
				if errors.As(err, &timeoutErr) {
					return err
				}
				return &IssuanceError{Domains: []string{cc.domain}, Err: err}
			}

			statesMu.Lock()
			states[cc.domain] = state
			statesMu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return states, nil
}

// awaitCertificate polls the certificate resource until the CA has issued
// it, returning the parsed certificates and the advertised chain URL.
func (i *Issuer) awaitCertificate(ctx context.Context, certURL string) ([]*x509.Certificate, string, error) {
	var (
		certs    []*x509.Certificate
		chainURL string
	)

	_, err := pollUntilTerminal(ctx, i.pollConfig(), func(ctx context.Context) (string, time.Duration, error) {
		fetched, linkURL, hint, err := i.client.FetchCertificate(ctx, certURL)
		if err != nil {
			return "", hint, err
		}
		if fetched == nil {
			return acme.StatusProcessing, hint, nil
		}
		certs = fetched
		chainURL = linkURL
		return certIssued, hint, nil
	}, terminalStates(certIssued))
	if err != nil {
		var timeoutErr *PollTimeoutError
		if errors.As(err, &timeoutErr) {
			return nil, "", err
		}
		return nil, "", &IssuanceError{Reason: "fetching issued certificate", Err: err}
	}

	return certs, chainURL, nil
}

// resolveChain splits or fetches the trust chain for the issued
// certificate. When the CA bundled the chain into the certificate response
// the bundle is split; otherwise the chain resource named by the Link
// rel="up" header is fetched.
func (i *Issuer) resolveChain(ctx context.Context, certs []*x509.Certificate, chainURL string) ([]*x509.Certificate, []*x509.Certificate, error) {
	if len(certs) > 1 {
		return certs[:1], certs[1:], nil
	}

	if chainURL == "" {
		return certs, nil, &ChainFetchError{
			Err: fmt.Errorf("CA advertised no chain resource for the certificate"),
		}
	}

	chain, err := i.client.FetchChain(ctx, chainURL)
	if err != nil {
		return certs, nil, &ChainFetchError{URL: chainURL, Err: err}
	}
	return certs, chain, nil
}
