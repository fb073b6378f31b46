package issuer

import (
	"fmt"
	"strings"
)

// KeyLoadError indicates the account private key could not be read or
// parsed. It is fatal and surfaced immediately.
type KeyLoadError struct {
	// Path of the key file that failed to load.
	Path string
	// The underlying load/parse failure.
	Err error
}

func (e *KeyLoadError) Error() string {
	return fmt.Sprintf("loading account key %q: %s", e.Path, e.Err)
}

func (e *KeyLoadError) Unwrap() error { return e.Err }

// RegistrationError indicates account registration or terms-of-service
// acceptance failed. It is fatal and aborts the session.
type RegistrationError struct {
	Err error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("account registration failed: %s", e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// InvalidChallengeTypeError indicates a challenge type string outside the
// supported set was requested. It is returned before any network request is
// made.
type InvalidChallengeTypeError struct {
	// The unrecognized challenge type.
	Type string
}

func (e *InvalidChallengeTypeError) Error() string {
	return fmt.Sprintf("invalid challenge type %q", e.Type)
}

// ChallengeRequestError indicates requesting or refreshing a domain's
// authorization failed.
type ChallengeRequestError struct {
	// The domain whose authorization failed.
	Domain string
	// The underlying transport or protocol failure.
	Err error
}

func (e *ChallengeRequestError) Error() string {
	return fmt.Sprintf("requesting challenges for %q: %s", e.Domain, e.Err)
}

func (e *ChallengeRequestError) Unwrap() error { return e.Err }

// ChallengeTypeUnavailableError indicates a domain's authorization offers no
// single-challenge combination of the requested type. Selecting a different
// challenge type silently is never done.
type ChallengeTypeUnavailableError struct {
	// The domain whose authorization lacked the type.
	Domain string
	// The requested challenge type.
	Type string
}

func (e *ChallengeTypeUnavailableError) Error() string {
	return fmt.Sprintf(
		"authorization for %q offers no single-challenge combination of type %q",
		e.Domain, e.Type)
}

// ChallengeAnswerError indicates submitting a challenge answer failed.
type ChallengeAnswerError struct {
	// The domain whose answer submission failed.
	Domain string
	// The underlying transport or protocol failure.
	Err error
}

func (e *ChallengeAnswerError) Error() string {
	return fmt.Sprintf("answering challenge for %q: %s", e.Domain, e.Err)
}

func (e *ChallengeAnswerError) Unwrap() error { return e.Err }

// IssuanceError indicates certificate issuance failed: one or more
// authorizations became invalid, the certificate request's names did not
// match the negotiated domains, or the CA rejected finalization.
type IssuanceError struct {
	// The domains responsible for the failure, when per-domain attribution
	// is possible.
	Domains []string
	// A human readable description of the failure.
	Reason string
	// The underlying failure, if any.
	Err error
}

func (e *IssuanceError) Error() string {
	msg := "issuance failed"
	if len(e.Domains) > 0 {
		msg = fmt.Sprintf("%s for %s", msg, strings.Join(e.Domains, ", "))
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *IssuanceError) Unwrap() error { return e.Err }

// ChainFetchError indicates the leaf certificate was issued but its trust
// chain could not be fetched. Unlike the other error kinds this one is
// recoverable: the caller may retry the chain fetch independently since the
// leaf already exists server-side.
type ChainFetchError struct {
	// URL of the chain resource, empty when the CA advertised none.
	URL string
	// The underlying failure.
	Err error
}

func (e *ChainFetchError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("fetching certificate chain: %s", e.Err)
	}
	return fmt.Sprintf("fetching certificate chain %q: %s", e.URL, e.Err)
}

func (e *ChainFetchError) Unwrap() error { return e.Err }

// PollTimeoutError indicates a polled resource did not reach a terminal
// state within the configured bound.
type PollTimeoutError struct {
	// The last non-terminal state observed before the deadline, empty when
	// no state was ever observed.
	LastState string
}

func (e *PollTimeoutError) Error() string {
	if e.LastState == "" {
		return "polling timed out before any state was observed"
	}
	return fmt.Sprintf("polling timed out in state %q", e.LastState)
}
