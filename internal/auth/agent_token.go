// ABOUTME: Opaque agent tokens of the form fgw_<agentID>_<secret> checked against the store
// ABOUTME: Only a bcrypt hash of the secret is persisted; revoked agents are rejected

package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/fleet-gateway/internal/store"
)

const agentTokenPrefix = "fgw_"

// AgentStore looks up registered agents.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// StoreVerifier verifies opaque agent tokens against registered agents.
type StoreVerifier struct {
	agents AgentStore
}

// NewStoreVerifier creates a verifier backed by agents.
func NewStoreVerifier(agents AgentStore) *StoreVerifier {
	return &StoreVerifier{agents: agents}
}

// Verify implements Verifier.
func (v *StoreVerifier) Verify(ctx context.Context, credential string) (*Identity, error) {
	agentID, secret, err := ParseAgentToken(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	agent, err := v.agents.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown agent %q", ErrUnauthorized, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up agent: %w", err)
	}
	if agent.Status != store.AgentStatusActive {
		return nil, fmt.Errorf("%w: agent %q is %s", ErrUnauthorized, agentID, agent.Status)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(agent.TokenHash), []byte(secret)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrInvalidToken)
	}

	return &Identity{AgentToken: agent.ID, OwnerID: agent.OwnerID}, nil
}

// ParseAgentToken splits an opaque token into agent id and secret. The
// secret is the part after the last underscore, so agent ids may contain
// underscores.
func ParseAgentToken(token string) (agentID, secret string, err error) {
	rest, ok := strings.CutPrefix(token, agentTokenPrefix)
	if !ok {
		return "", "", ErrInvalidToken
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 || i == len(rest)-1 {
		return "", "", ErrInvalidToken
	}
	return rest[:i], rest[i+1:], nil
}

// GenerateAgentToken creates a new token for agentID and returns it with
// the bcrypt hash to store.
func GenerateAgentToken(agentID string) (token, hash string, err error) {
	if agentID == "" {
		return "", "", errors.New("agent id is required")
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating secret: %w", err)
	}
	// RawURLEncoding uses '-' and '_'; strip '_' so the separator stays unambiguous.
	secret := strings.ReplaceAll(base64.RawURLEncoding.EncodeToString(buf), "_", "x")

	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing secret: %w", err)
	}
	return agentTokenPrefix + agentID + "_" + secret, string(h), nil
}
