package domain

// SessionID identifies a live exchange. It is assigned by the backend actor.
type SessionID string

// Handle is an opaque reference to a backend connection.
type Handle string

// ConnectOptions describes the peer for which a backend connection is opened.
type ConnectOptions struct {
	// Description is a human readable description of the peer (usually its address).
	Description string `json:"description"`
	// Transport names the client-side transport, e.g. "HTTP".
	Transport string `json:"transport"`
	// TargetConfig selects the backend configuration to synchronize against.
	TargetConfig string `json:"target_config,omitempty"`
	// URL is the request URL as seen by the client.
	URL string `json:"url"`
}
