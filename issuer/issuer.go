// Package issuer implements the domain-validated certificate issuance state
// machine: account bootstrap, per-domain challenge negotiation, validation
// polling and certificate finalization against an ACME style CA.
//
// The expected flow is CreateAccount, then RequestTokens to obtain one
// validation value per domain, then out-of-band publication of those values
// (DNS records, HTTP resources, or a Publisher attached with WithPublisher),
// then AnswerChallenges to notify the CA, await validation and retrieve the
// issued certificate and its chain.
package issuer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adfinis-sygroup/acme-powerdns/acme"
	"github.com/adfinis-sygroup/acme-powerdns/acme/client"
	"github.com/adfinis-sygroup/acme-powerdns/acme/resources"
)

// Token pairs a domain with the value that must be published out of band
// before the CA can validate it. Where the value must be published depends on
// the challenge type the Token was negotiated for. Raw challenge tokens and
// signing material are never part of a Token.
type Token struct {
	// The domain the value validates.
	Domain string
	// The value to publish.
	Validation string
}

// Publisher publishes and removes validation records. It matches the shape
// of challenge solvers used across the ACME ecosystem so existing DNS/HTTP
// integrations can be attached directly.
type Publisher interface {
	Present(domain, token, keyAuth string) error
	CleanUp(domain, token, keyAuth string) error
}

// challengeContext pairs a domain's selected challenge with its computed key
// authorization and validation value. Contexts are session-scoped and keyed
// by domain, never by position.
type challengeContext struct {
	domain     string
	authz      *resources.Authorization
	challenge  *resources.Challenge
	keyAuth    string
	validation string
}

type options struct {
	contact           []string
	acceptTOS         bool
	continueOnFailure bool
	parallelism       int
	pollTimeout       time.Duration
	maxPollInterval   time.Duration
	transientRetries  int
	publisher         Publisher
}

// Option customizes an Issuer.
type Option func(*options)

// WithContact sets the contact email addresses for account registration.
func WithContact(emails ...string) Option {
	return func(o *options) { o.contact = emails }
}

// WithoutTOSAcceptance disables automatic terms-of-service acceptance during
// registration. Acceptance is on by default since unattended operation
// requires it; operators are expected to review the terms out of band.
func WithoutTOSAcceptance() Option {
	return func(o *options) { o.acceptTOS = false }
}

// WithContinueOnFailure makes RequestTokens negotiate the remaining domains
// when one fails, returning the successful tokens alongside a joined error
// naming every failed domain. The default aborts the batch on first failure.
func WithContinueOnFailure() Option {
	return func(o *options) { o.continueOnFailure = true }
}

// WithParallelism bounds the number of domains negotiated and answered
// concurrently. Values below two keep the default sequential behavior.
func WithParallelism(n int) Option {
	return func(o *options) {
		if n > 1 {
			o.parallelism = n
		}
	}
}

// WithPollTimeout bounds the elapsed time of every poll loop.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithMaxPollInterval caps the exponential backoff between poll attempts.
// Server Retry-After hints override the backoff regardless of the cap.
func WithMaxPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxPollInterval = d
		}
	}
}

// WithTransientRetries sets how many consecutive transport failures a poll
// loop tolerates before giving up. Protocol-level rejections are never
// retried.
func WithTransientRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.transientRetries = n
		}
	}
}

// WithPublisher attaches a validation-record publisher. When set,
// AnswerChallenges presents every domain's record through it before
// submitting answers and cleans the records up after certificates are
// returned. Without a publisher the caller must publish the values from
// RequestTokens itself.
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// Issuer drives certificate issuance for one account against one CA. An
// Issuer holds at most one negotiation session at a time: RequestTokens
// starts a fresh session and AnswerChallenges consumes it.
type Issuer struct {
	client *client.Client
	opts   options

	// mu guards the session fields below. Contexts for distinct domains are
	// written concurrently during parallel negotiation.
	mu       sync.Mutex
	contexts map[string]*challengeContext
	answered bool
}

// New creates an Issuer on top of the given ACME client.
func New(c *client.Client, opts ...Option) *Issuer {
	o := options{
		acceptTOS:        true,
		parallelism:      1,
		pollTimeout:      2 * time.Minute,
		maxPollInterval:  10 * time.Second,
		transientRetries: 3,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Issuer{
		client: c,
		opts:   o,
	}
}

// Domains returns the sorted domains of the active negotiation session.
func (i *Issuer) Domains() []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	domains := make([]string, 0, len(i.contexts))
	for domain := range i.contexts {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// AuthorizationStatuses refreshes every authorization of the active session
// and returns its current status keyed by domain.
func (i *Issuer) AuthorizationStatuses(ctx context.Context) (map[string]string, error) {
	i.mu.Lock()
	contexts := make([]*challengeContext, 0, len(i.contexts))
	for _, cc := range i.contexts {
		contexts = append(contexts, cc)
	}
	i.mu.Unlock()

	statuses := make(map[string]string, len(contexts))
	for _, cc := range contexts {
		if _, err := i.client.UpdateAuthz(ctx, cc.authz); err != nil {
			return nil, err
		}
		statuses[cc.domain] = cc.authz.Status
	}
	return statuses, nil
}

// pollConfig returns the Issuer's poller settings.
func (i *Issuer) pollConfig() pollConfig {
	return pollConfig{
		timeout:          i.opts.pollTimeout,
		maxInterval:      i.opts.maxPollInterval,
		transientRetries: i.opts.transientRetries,
	}
}

// terminalAuthzStates are the Authorization statuses that end a validation
// poll.
var terminalAuthzStates = map[string]bool{
	acme.StatusValid:       true,
	acme.StatusInvalid:     true,
	acme.StatusExpired:     true,
	acme.StatusDeactivated: true,
}
