package issuer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adfinis-sygroup/acme-powerdns/acme"
	"github.com/adfinis-sygroup/acme-powerdns/acme/keys"
	"github.com/adfinis-sygroup/acme-powerdns/acme/resources"
)

// challengesReady is a synthetic poll state reported once an authorization's
// challenge list has been populated by the CA.
const challengesReady = "challenges-ready"

// supportedChallengeTypes enumerates the challenge types RequestTokens
// accepts. Anything else fails before a single network request is made.
var supportedChallengeTypes = map[string]bool{
	acme.ChallengeDNS01:    true,
	acme.ChallengeHTTP01:   true,
	acme.ChallengeTLSSNI01: true,
}

// RequestTokens starts a fresh negotiation session: for every domain it
// requests an authorization, waits for the CA to populate its challenge
// list, selects a challenge of the requested type and computes the value the
// caller must publish before invoking AnswerChallenges. The returned tokens
// follow the input domain order.
//
// A challenge is only ever selected from a combination of size one; when the
// authorization offers several matching ones the first encountered wins.
//
// By default the first per-domain failure aborts the whole batch. With
// WithContinueOnFailure the remaining domains are still negotiated and the
// tokens of the successful ones are returned together with an error joining
// every per-domain failure.
func (i *Issuer) RequestTokens(ctx context.Context, domains []string, challengeType string) ([]Token, error) {
	if !supportedChallengeTypes[challengeType] {
		return nil, &InvalidChallengeTypeError{Type: challengeType}
	}
	if len(domains) == 0 {
		return nil, fmt.Errorf("requestTokens: no domains given")
	}
	if i.client.AccountID() == "" {
		return nil, fmt.Errorf("requestTokens: no account has been registered")
	}

	seen := make(map[string]bool, len(domains))
	for _, domain := range domains {
		if seen[domain] {
			return nil, fmt.Errorf("requestTokens: domain %q given more than once", domain)
		}
		seen[domain] = true
	}

	// Each session starts with a clean context collection.
	i.mu.Lock()
	i.contexts = make(map[string]*challengeContext, len(domains))
	i.answered = false
	i.mu.Unlock()

	var negotiationErrs []error
	if i.opts.parallelism > 1 {
		negotiationErrs = i.negotiateParallel(ctx, domains, challengeType)
	} else {
		negotiationErrs = i.negotiateSequential(ctx, domains, challengeType)
	}

	if len(negotiationErrs) > 0 && !i.opts.continueOnFailure {
		return nil, negotiationErrs[0]
	}

	i.mu.Lock()
	tokens := make([]Token, 0, len(i.contexts))
	for _, domain := range domains {
		if cc, ok := i.contexts[domain]; ok {
			tokens = append(tokens, Token{Domain: cc.domain, Validation: cc.validation})
		}
	}
	i.mu.Unlock()

	if len(negotiationErrs) > 0 {
		return tokens, errors.Join(negotiationErrs...)
	}
	return tokens, nil
}

func (i *Issuer) negotiateSequential(ctx context.Context, domains []string, challengeType string) []error {
	var errs []error
	for _, domain := range domains {
		cc, err := i.negotiate(ctx, domain, challengeType)
		if err != nil {
			errs = append(errs, err)
			if !i.opts.continueOnFailure {
				return errs
			}
			continue
		}
		i.storeContext(cc)
	}
	return errs
}

func (i *Issuer) negotiateParallel(ctx context.Context, domains []string, challengeType string) []error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(i.opts.parallelism)

	var errMu sync.Mutex
	var errs []error

	for _, domain := range domains {
		domain := domain
		group.Go(func() error {
			cc, err := i.negotiate(groupCtx, domain, challengeType)
			if err != nil {
				if i.opts.continueOnFailure {
					errMu.Lock()
					errs = append(errs, err)
					errMu.Unlock()
					return nil
				}
				// Returning the error cancels groupCtx and with it the
				// remaining negotiations.
				return err
			}
			i.storeContext(cc)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		errMu.Lock()
		errs = append([]error{err}, errs...)
		errMu.Unlock()
	}
	return errs
}

func (i *Issuer) storeContext(cc *challengeContext) {
	i.mu.Lock()
	i.contexts[cc.domain] = cc
	i.mu.Unlock()
}

// negotiate obtains an authorization for one domain, selects a challenge of
// the requested type and computes its key authorization and validation
// value.
func (i *Issuer) negotiate(ctx context.Context, domain, challengeType string) (*challengeContext, error) {
	authz, err := i.client.NewAuthorization(ctx, domain)
	if err != nil {
		return nil, &ChallengeRequestError{Domain: domain, Err: err}
	}

	// Some CAs populate the challenge list asynchronously. Poll until it
	// appears, or the authorization dies first.
	if len(authz.Challenges) == 0 {
		state, err := pollUntilTerminal(ctx, i.pollConfig(), func(ctx context.Context) (string, time.Duration, error) {
			hint, err := i.client.UpdateAuthz(ctx, authz)
			if err != nil {
				return "", hint, err
			}
			if len(authz.Challenges) > 0 {
				return challengesReady, hint, nil
			}
			return authz.Status, hint, nil
		}, terminalStates(
			challengesReady,
			acme.StatusInvalid,
			acme.StatusExpired,
			acme.StatusDeactivated,
		))
		if err != nil {
			return nil, &ChallengeRequestError{Domain: domain, Err: err}
		}
		if state != challengesReady {
			return nil, &ChallengeRequestError{
				Domain: domain,
				Err: fmt.Errorf(
					"authorization %q reached state %q before offering challenges",
					authz.ID, state),
			}
		}
	}

	chall, err := selectChallenge(authz, domain, challengeType)
	if err != nil {
		return nil, err
	}

	keyAuth := keys.KeyAuth(i.client.Account.Signer, chall.Token)
	return &challengeContext{
		domain:     domain,
		authz:      authz,
		challenge:  chall,
		keyAuth:    keyAuth,
		validation: validationValue(challengeType, keyAuth),
	}, nil
}

// selectChallenge picks the challenge of the requested type from the
// authorization's combinations. Only combinations of size one qualify; the
// first match wins.
func selectChallenge(authz *resources.Authorization, domain, challengeType string) (*resources.Challenge, error) {
	for _, combination := range authz.Combinations {
		if len(combination) != 1 {
			continue
		}
		idx := combination[0]
		if idx < 0 || idx >= len(authz.Challenges) {
			continue
		}
		if authz.Challenges[idx].Type == challengeType {
			return &authz.Challenges[idx], nil
		}
	}
	return nil, &ChallengeTypeUnavailableError{Domain: domain, Type: challengeType}
}

// validationValue derives the externally publishable value for a key
// authorization according to the challenge type.
func validationValue(challengeType, keyAuth string) string {
	switch challengeType {
	case acme.ChallengeDNS01:
		digest := sha256.Sum256([]byte(keyAuth))
		return base64.RawURLEncoding.EncodeToString(digest[:])
	case acme.ChallengeTLSSNI01:
		digest := sha256.Sum256([]byte(keyAuth))
		hexDigest := hex.EncodeToString(digest[:])
		return fmt.Sprintf("%s.%s.acme.invalid", hexDigest[:32], hexDigest[32:])
	default:
		// http-01 publishes the key authorization itself.
		return keyAuth
	}
}
