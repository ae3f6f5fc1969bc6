package types

// RegisterRequest opens a tunnel. It is the first message on the first
// stream of a tunnel session.
type RegisterRequest struct {
	AuthToken     string `json:"authToken"`
	LocalPort     int    `json:"localPort"`
	ClientVersion string `json:"clientVersion,omitempty"`
	// AllowIPs restricts public connections to these addresses or CIDRs.
	AllowIPs []string `json:"allowIps,omitempty"`
}

// RegisterResponse answers a RegisterRequest. Error is set when the server
// refused the tunnel; URL and TunnelID are empty in that case.
type RegisterResponse struct {
	TunnelID string `json:"tunnelId,omitempty"`
	URL      string `json:"url,omitempty"`
	Error    string `json:"error,omitempty"`
}
