package network

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"sawtooth-validator/core"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// AuthorizationViolation is returned when a peer sends a message for a role
// it was never granted, or deviates from the handshake protocol (duplicate
// messages, out-of-order steps, rate-exceeded pings). Either case aborts the
// connection per spec.md §4.11.
type AuthorizationViolation struct {
	Peer   string
	Reason string
}

func (e *AuthorizationViolation) Error() string {
	return fmt.Sprintf("network: authorization violation with %s: %s", e.Peer, e.Reason)
}

// ConnectionRequest is sent by the connecting peer, advertising the roles it
// wants and, under TRUST, its public key.
type ConnectionRequest struct {
	Roles     []RoleEntry
	PublicKey core.PublicKey
}

// ConnectionResponse grants the intersection of requested and policy-allowed
// roles, or issues a CHALLENGE nonce for roles requiring it.
type ConnectionResponse struct {
	GrantedRoles []string
	Challenge    []byte
}

// ChallengeResponse answers a CHALLENGE with a signature over the nonce.
type ChallengeResponse struct {
	Signature core.Signature
}

// PolicyChecker resolves whether pub is allowed the given role under
// on-chain policy (backed by the settings state in practice).
type PolicyChecker interface {
	Allowed(pub core.PublicKey, role string) bool
}

// AllowAllPolicy grants every role to every key; useful for tests and
// single-validator bootstrap.
type AllowAllPolicy struct{}

func (AllowAllPolicy) Allowed(core.PublicKey, string) bool { return true }

// grantRoles intersects req.Roles against policy, returning the resource
// names the requester is allowed and the subset requiring a CHALLENGE.
func grantRoles(req ConnectionRequest, policy PolicyChecker) (granted []string, needsChallenge []string) {
	for _, r := range req.Roles {
		if !policy.Allowed(req.PublicKey, r.Resource) {
			continue
		}
		granted = append(granted, r.Resource)
		if r.Auth == AuthChallenge {
			needsChallenge = append(needsChallenge, r.Resource)
		}
	}
	return granted, needsChallenge
}

// NewChallenge produces a random nonce for the CHALLENGE handshake leg.
func NewChallenge() ([]byte, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("network: generate challenge: %w", err)
	}
	return nonce, nil
}

// AnswerChallenge signs nonce with the local identity key, completing the
// requester's half of a CHALLENGE handshake.
func AnswerChallenge(priv *secp256k1.PrivateKey, nonce []byte) core.Signature {
	return core.SignHeader(priv, nonce)
}

// VerifyChallenge checks a CHALLENGE response's signature against the
// requester's advertised public key.
func VerifyChallenge(pub core.PublicKey, nonce []byte, resp ChallengeResponse) bool {
	return core.VerifyHeaderSignature(pub, nonce, resp.Signature)
}

// encodeConnectionRequest serializes req for transport as a PEER envelope's
// content.
func encodeConnectionRequest(req ConnectionRequest) []byte {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil
	}
	return raw
}

// decodeConnectionRequest parses a PEER envelope's content back into a
// ConnectionRequest.
func decodeConnectionRequest(raw []byte) (ConnectionRequest, bool) {
	var req ConnectionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return ConnectionRequest{}, false
	}
	return req, true
}

// encodeConnectionResponse serializes resp for transport as a PEER or
// CHALLENGE envelope's content.
func encodeConnectionResponse(resp ConnectionResponse) []byte {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	return raw
}

// decodeConnectionResponse parses a PEER or CHALLENGE envelope's content back
// into a ConnectionResponse.
func decodeConnectionResponse(raw []byte) (ConnectionResponse, bool) {
	var resp ConnectionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ConnectionResponse{}, false
	}
	return resp, true
}

// encodeChallengeResponse serializes resp for transport as a CHALLENGE
// envelope's content.
func encodeChallengeResponse(resp ChallengeResponse) []byte {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	return raw
}

// decodeChallengeResponse parses a CHALLENGE envelope's content back into a
// ChallengeResponse.
func decodeChallengeResponse(raw []byte) (ChallengeResponse, bool) {
	var resp ChallengeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ChallengeResponse{}, false
	}
	return resp, true
}
