// Package auth verifies agent credentials for fleet-gateway.
//
// # Credential Types
//
//   - JWT: HS256 tokens signed with the configured jwt_secret. The sub claim
//     is the agent id and the owner claim is the owner id. Issued with
//     `fleet-gateway token`.
//
//   - Agent tokens: opaque fgw_<agentID>_<secret> strings issued with
//     `fleet-gateway register`. Only a bcrypt hash of the secret is stored,
//     and revoking the agent in the store invalidates the token.
//
// ChainVerifier picks the right verifier from the credential's shape:
//
//	verifier := &auth.ChainVerifier{
//	    JWT:   auth.NewJWTVerifier(secret),
//	    Store: auth.NewStoreVerifier(sqliteStore),
//	}
//	identity, err := verifier.Verify(ctx, credential)
//
// Every rejection wraps ErrUnauthorized so callers can test with errors.Is.
//
// # HTTP
//
// CredentialFromRequest reads the agent credential from an upgrade request.
// RequireBearer protects the management API with a static admin token.
package auth
