package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nodemesh/relay/internal/cryptoutil"
	"github.com/nodemesh/relay/internal/relayapi"
)

// APIClient calls one relay's unary HTTP API. The embedded http.Client is
// connection-pooled, so a single APIClient per host amortises connection
// setup across calls; the struct itself is cheap to copy.
type APIClient struct {
	baseURL string
	http    *http.Client
}

// NewAPIClient creates a client for the relay API at baseURL
// (e.g. "http://relay.example:9443").
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// RegisterUsername claims a username for the node owning kp, signing the
// node id to prove key possession.
func (c *APIClient) RegisterUsername(ctx context.Context, kp *cryptoutil.KeyPair, username string) error {
	nodeID := kp.ID().String()
	sig, err := cryptoutil.Sign(kp.Private, []byte(nodeID))
	if err != nil {
		return fmt.Errorf("nodeclient: sign username registration: %w", err)
	}

	var resp relayapi.RegisterUsernameResponse
	err = c.post(ctx, "/v1/register-username", relayapi.RegisterUsernameRequest{
		Username:     username,
		NodeID:       nodeID,
		PublicKeyB64: kp.PublicKeyB64(),
		SignatureB64: cryptoutil.EncodeSignature(sig),
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("nodeclient: register username: %s", resp.Error)
	}
	return nil
}

// LookupUsername resolves a username to a node identity. found is false
// when the relay has no record for it.
func (c *APIClient) LookupUsername(ctx context.Context, username string) (resp relayapi.LookupUsernameResponse, err error) {
	err = c.get(ctx, "/v1/lookup-username?username="+url.QueryEscape(username), &resp)
	return resp, err
}

// LookupEndpoints returns the endpoint(s) the relay observed for nodeID.
func (c *APIClient) LookupEndpoints(ctx context.Context, nodeID string) ([]string, error) {
	var resp relayapi.LookupResponse
	if err := c.get(ctx, "/v1/lookup?node_id="+url.QueryEscape(nodeID), &resp); err != nil {
		return nil, err
	}
	return resp.ObservedEndpoints, nil
}

// NotifyFollow records that the node owning kp follows followedNodeID.
func (c *APIClient) NotifyFollow(ctx context.Context, kp *cryptoutil.KeyPair, followedNodeID string) error {
	sig, err := cryptoutil.Sign(kp.Private, []byte(followedNodeID))
	if err != nil {
		return fmt.Errorf("nodeclient: sign follow: %w", err)
	}

	var resp relayapi.FollowResponse
	err = c.post(ctx, "/v1/follow", relayapi.FollowRequest{
		FollowerNodeID: kp.ID().String(),
		FollowedNodeID: followedNodeID,
		SignatureB64:   cryptoutil.EncodeSignature(sig),
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("nodeclient: follow: %s", resp.Error)
	}
	return nil
}

// NotifyUnfollow removes the node's follow edge to followedNodeID.
func (c *APIClient) NotifyUnfollow(ctx context.Context, kp *cryptoutil.KeyPair, followedNodeID string) error {
	var resp relayapi.FollowResponse
	err := c.post(ctx, "/v1/unfollow", relayapi.UnfollowRequest{
		FollowerNodeID: kp.ID().String(),
		FollowedNodeID: followedNodeID,
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("nodeclient: unfollow: %s", resp.Error)
	}
	return nil
}

// GetFollowers returns everyone following nodeID.
func (c *APIClient) GetFollowers(ctx context.Context, nodeID string) ([]relayapi.FollowEntry, error) {
	var resp relayapi.FollowersResponse
	if err := c.get(ctx, "/v1/followers?node_id="+url.QueryEscape(nodeID), &resp); err != nil {
		return nil, err
	}
	return resp.Followers, nil
}

// GetFollowing returns everyone nodeID follows.
func (c *APIClient) GetFollowing(ctx context.Context, nodeID string) ([]relayapi.FollowEntry, error) {
	var resp relayapi.FollowingResponse
	if err := c.get(ctx, "/v1/following?node_id="+url.QueryEscape(nodeID), &resp); err != nil {
		return nil, err
	}
	return resp.Following, nil
}

func (c *APIClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *APIClient) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *APIClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("nodeclient: relay API unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		var e relayapi.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("nodeclient: %s", e.Error)
		}
		return fmt.Errorf("nodeclient: relay API refused request (%d)", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("nodeclient: decode relay API response: %w", err)
	}
	return nil
}
