package resources

// The Identifier resource represents a subject identifier that can be included
// in a certificate. In practice most ACME servers only support "dns" type
// identifiers where the value specifies a fully qualified domain name.
type Identifier struct {
	// The Type of the Identifier value.
	Type string `json:"type"`
	// The Identifier value.
	Value string `json:"value"`
}

// The ACME Authorization resource represents an Account's authorization to
// issue for a specified identifier, based on interactions with associated
// Challenges. Authorization for an identifier allows issuing certificates
// containing that identifier.
//
// Exactly one Authorization exists per domain within a negotiation batch.
type Authorization struct {
	// The server-assigned ID (a URL) identifying the Authorization.
	ID string `json:"-"`
	// The status of this authorization. Possible values are: "pending",
	// "valid", "invalid", "deactivated" and "expired".
	Status string `json:"status"`
	// The identifier that the account holding this Authorization is authorized
	// to represent.
	Identifier Identifier `json:"identifier"`
	// For pending authorizations, the challenges that the client can fulfill
	// in order to prove possession of the identifier. Some servers populate
	// the challenge list asynchronously after the Authorization is created.
	Challenges []Challenge `json:"challenges"`
	// Sets of indices into Challenges. Completing every challenge in any one
	// combination satisfies the Authorization. A single-element combination
	// means that one challenge alone suffices.
	Combinations [][]int `json:"combinations,omitempty"`
	// A string representing a RFC 3339 date at which time the Authorization is
	// considered expired by the server.
	Expires string `json:"expires,omitempty"`
}

// String returns the Authorization's server-assigned ID.
func (a Authorization) String() string {
	return a.ID
}
