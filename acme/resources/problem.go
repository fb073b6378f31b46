package resources

// Problem is a struct representing a problem document from the server.
type Problem struct {
	Type   string `json:"type,omitempty"`
	Detail string `json:"detail,omitempty"`
	Status int    `json:"status,omitempty"`
}
