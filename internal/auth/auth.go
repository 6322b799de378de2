// ABOUTME: Credential verification for agent handshakes
// ABOUTME: Verifier resolves a credential to the agent's stable identity and owner

package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthorized is returned for missing, invalid, expired or revoked credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the verified identity behind a credential.
type Identity struct {
	// AgentToken is the agent's stable identifier across reconnects.
	AgentToken string
	// OwnerID is the person who registered the agent.
	OwnerID string
}

// Verifier checks a credential presented at handshake.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*Identity, error)
}

// ChainVerifier sends JWT-shaped credentials to the JWT verifier and
// everything else to the store-backed verifier. Either may be nil.
type ChainVerifier struct {
	JWT   Verifier
	Store Verifier
}

// Verify implements Verifier.
func (c *ChainVerifier) Verify(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, ErrUnauthorized
	}

	next := c.Store
	if looksLikeJWT(credential) {
		next = c.JWT
	}
	if next == nil {
		return nil, ErrUnauthorized
	}
	return next.Verify(ctx, credential)
}

func looksLikeJWT(credential string) bool {
	return strings.Count(credential, ".") == 2 && !strings.HasPrefix(credential, agentTokenPrefix)
}
