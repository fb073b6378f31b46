package resources

// The ACME Challenge resource represents an action that the client must take
// to authorize a given account for a specific identifier in order to issue
// a certificate containing that identifier.
type Challenge struct {
	// The Type of the challenge (expected values include "dns-01", "http-01"
	// and "tls-sni-01").
	Type string `json:"type"`
	// The URL/ID of the challenge (provided by the server in the associated
	// Authorization).
	URL string `json:"url"`
	// The Token used for constructing the challenge response for this
	// challenge.
	Token string `json:"token"`
	// The Status of the challenge.
	Status string `json:"status"`
	// The Error associated with an invalid challenge.
	Error *Problem `json:"error,omitempty"`
}

// String returns the URL of the Challenge.
func (c Challenge) String() string {
	return c.URL
}
