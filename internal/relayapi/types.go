package relayapi

// ErrorResponse is the generic error body for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LookupResponse carries the endpoint(s) the relay observed for a node at
// stream registration, as NAT-hole-punching hints.
type LookupResponse struct {
	ObservedEndpoints []string `json:"observed_endpoints"`
}

// RegisterUsernameRequest claims a username for a node.
type RegisterUsernameRequest struct {
	Username     string `json:"username"`
	NodeID       string `json:"node_id"`
	PublicKeyB64 string `json:"public_key_b64"`
	SignatureB64 string `json:"signature_b64"`
}

// RegisterUsernameResponse reports a registration outcome.
type RegisterUsernameResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// LookupUsernameResponse resolves a username to a node identity.
type LookupUsernameResponse struct {
	Found        bool   `json:"found"`
	NodeID       string `json:"node_id,omitempty"`
	PublicKeyB64 string `json:"public_key_b64,omitempty"`
}

// FollowRequest records a follow edge.
type FollowRequest struct {
	FollowerNodeID string `json:"follower_node_id"`
	FollowedNodeID string `json:"followed_node_id"`
	SignatureB64   string `json:"signature_b64"`
}

// UnfollowRequest removes a follow edge.
type UnfollowRequest struct {
	FollowerNodeID string `json:"follower_node_id"`
	FollowedNodeID string `json:"followed_node_id"`
}

// BlockRequest records or removes a block edge.
type BlockRequest struct {
	BlockedByNodeID string `json:"blocked_by_node_id"`
	BlockedNodeID   string `json:"blocked_node_id"`
	SignatureB64    string `json:"signature_b64"`
}

// FollowResponse reports a follow/unfollow/block outcome.
type FollowResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// FollowEntry describes one peer in a followers/following listing.
type FollowEntry struct {
	NodeID       string `json:"node_id"`
	PublicKeyB64 string `json:"public_key_b64"`
	Username     string `json:"username,omitempty"`
}

// FollowersResponse lists a node's followers.
type FollowersResponse struct {
	Followers []FollowEntry `json:"followers"`
}

// FollowingResponse lists who a node follows.
type FollowingResponse struct {
	Following []FollowEntry `json:"following"`
}

// StatusResponse summarizes the relay for operators.
type StatusResponse struct {
	NodesConnected int   `json:"nodes_connected"`
	Capacity       int   `json:"capacity"`
	UptimeSeconds  int64 `json:"uptime_seconds"`
}
