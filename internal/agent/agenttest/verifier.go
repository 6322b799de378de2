package agenttest

import (
	"context"

	"github.com/2389/fleet-gateway/internal/auth"
)

// Verifier accepts credentials of the form "token:<agentToken>" and rejects
// everything else. The owner id is "owner-<agentToken>".
type Verifier struct{}

// Credential returns a credential Verifier accepts for agentToken.
func Credential(agentToken string) string {
	return "token:" + agentToken
}

// Verify implements auth.Verifier.
func (Verifier) Verify(_ context.Context, credential string) (*auth.Identity, error) {
	const prefix = "token:"
	if len(credential) <= len(prefix) || credential[:len(prefix)] != prefix {
		return nil, auth.ErrUnauthorized
	}
	token := credential[len(prefix):]
	return &auth.Identity{AgentToken: token, OwnerID: "owner-" + token}, nil
}
