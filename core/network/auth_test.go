package network

import (
	"testing"

	"sawtooth-validator/core"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

type fixedPolicy struct{ allowed map[string]bool }

func (f fixedPolicy) Allowed(_ core.PublicKey, role string) bool { return f.allowed[role] }

func TestGrantRolesIntersectsRequestedAndPolicyAllowed(t *testing.T) {
	req := ConnectionRequest{Roles: []RoleEntry{
		{Resource: "network", Auth: AuthTrust},
		{Resource: "consensus", Auth: AuthChallenge},
		{Resource: "admin", Auth: AuthChallenge},
	}}
	policy := fixedPolicy{allowed: map[string]bool{"network": true, "consensus": true}}

	granted, needsChallenge := grantRoles(req, policy)
	if len(granted) != 2 {
		t.Fatalf("expected 2 granted roles, got %v", granted)
	}
	if len(needsChallenge) != 1 || needsChallenge[0] != "consensus" {
		t.Fatalf("expected only consensus to require a challenge, got %v", needsChallenge)
	}
}

func TestGrantRolesRejectsEverythingUnderEmptyPolicy(t *testing.T) {
	req := ConnectionRequest{Roles: []RoleEntry{{Resource: "network", Auth: AuthTrust}}}
	granted, _ := grantRoles(req, fixedPolicy{})
	if len(granted) != 0 {
		t.Fatalf("expected no granted roles, got %v", granted)
	}
}

func TestChallengeRoundTripVerifiesSignature(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub := core.PublicKeyBytes(priv)

	nonce, err := NewChallenge()
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	sig := AnswerChallenge(priv, nonce)
	if !VerifyChallenge(pub, nonce, ChallengeResponse{Signature: sig}) {
		t.Fatalf("expected challenge response to verify")
	}
}

func TestChallengeFailsWithWrongKey(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	other, _ := secp256k1.GeneratePrivateKey()
	nonce, _ := NewChallenge()
	sig := AnswerChallenge(priv, nonce)
	if VerifyChallenge(core.PublicKeyBytes(other), nonce, ChallengeResponse{Signature: sig}) {
		t.Fatalf("expected challenge verification to fail with mismatched key")
	}
}

func TestConnectionRequestEncodeDecodeRoundTrip(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	req := ConnectionRequest{
		Roles:     []RoleEntry{{Resource: "network", Auth: AuthTrust}},
		PublicKey: core.PublicKeyBytes(priv),
	}
	raw := encodeConnectionRequest(req)
	decoded, ok := decodeConnectionRequest(raw)
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	if len(decoded.Roles) != 1 || decoded.Roles[0].Resource != "network" {
		t.Fatalf("unexpected decoded roles: %+v", decoded.Roles)
	}
}
