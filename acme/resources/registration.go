// Package resources provides types for representing and interacting with ACME
// protocol resources.
package resources

// The Registration resource represents an Account's server-side registration
// record. It is created by POSTing to the new-registration endpoint and is
// identified by the URI the server returns in the Location header.
//
// Registration is idempotent over the account key: re-registering a key the
// server already knows must resolve to the same registration URI rather than
// creating a duplicate record.
type Registration struct {
	// The server-assigned URI identifying the Registration. This is used as
	// the JWS Key ID for authenticating subsequent requests.
	ID string `json:"-"`
	// The status of the registration. Possible values are: "pending",
	// "valid" and "deactivated".
	Status string `json:"status"`
	// Contact addresses ("mailto:" URIs) associated with the account.
	Contact []string `json:"contact,omitempty"`
	// The terms-of-service URL the server expects the account to agree to
	// before issuance is allowed.
	TermsOfService string `json:"termsOfService,omitempty"`
	// The terms-of-service URL the account has agreed to, if any. Agreement
	// is expressed by echoing the TermsOfService URL back in an update.
	Agreement string `json:"agreement,omitempty"`
}

// String returns the Registration's server-assigned URI.
func (r Registration) String() string {
	return r.ID
}
