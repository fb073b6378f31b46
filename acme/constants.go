// Package acme provides ACME protocol constants.
package acme

const (
	// Directory constants.

	// The ACME directory key for the new-registration endpoint.
	NEW_REG_ENDPOINT = "new-reg"
	// The ACME directory key for the new-authorization endpoint.
	NEW_AUTHZ_ENDPOINT = "new-authz"
	// The ACME directory key for the new-certificate endpoint.
	NEW_CERT_ENDPOINT = "new-cert"

	// The HTTP response header used by ACME to communicate a fresh nonce.
	REPLAY_NONCE_HEADER = "Replay-Nonce"

	// The HTTP response header used by ACME to suggest a polling interval.
	RETRY_AFTER_HEADER = "Retry-After"

	// Status values shared by registrations, authorizations and challenges.
	StatusPending     = "pending"
	StatusProcessing  = "processing"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusExpired     = "expired"
	StatusDeactivated = "deactivated"

	// Challenge types.
	ChallengeDNS01    = "dns-01"
	ChallengeHTTP01   = "http-01"
	ChallengeTLSSNI01 = "tls-sni-01"
)
