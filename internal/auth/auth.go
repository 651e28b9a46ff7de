// Package auth verifies bearer tokens and resolves them to users. The
// static verifier covers development and service-to-service deployments
// where a small fixed token set is provisioned through the environment; an
// identity-provider backed verifier satisfies the same interface.
package auth

import (
	"context"
	"strings"

	"github.com/subsync-io/subsync/internal/domain"
)

// TokenVerifier resolves a bearer token to a user.
type TokenVerifier interface {
	// VerifyToken returns the user a token belongs to, or EUNAUTHORIZED.
	VerifyToken(ctx context.Context, token string) (*domain.User, error)
}

// StaticVerifier verifies tokens against a fixed in-memory set.
type StaticVerifier struct {
	users map[string]domain.User
}

// NewStaticVerifier parses token specs into a verifier. Each entry has the
// form token=userID:email, entries separated by commas; adminTokens marks
// which tokens carry the admin flag. Malformed entries are skipped.
func NewStaticVerifier(tokens, adminTokens string) *StaticVerifier {
	admin := make(map[string]bool)
	for _, tok := range strings.Split(adminTokens, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			admin[tok] = true
		}
	}

	users := make(map[string]domain.User)
	for _, entry := range strings.Split(tokens, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, spec, ok := strings.Cut(entry, "=")
		if !ok || token == "" {
			continue
		}
		userID, email, _ := strings.Cut(spec, ":")
		if userID == "" {
			continue
		}
		users[token] = domain.User{
			ID:    userID,
			Email: email,
			Admin: admin[token],
		}
	}
	return &StaticVerifier{users: users}
}

// VerifyToken implements TokenVerifier.
func (v *StaticVerifier) VerifyToken(_ context.Context, token string) (*domain.User, error) {
	u, ok := v.users[token]
	if !ok {
		return nil, domain.Unauthorized("auth.verify_token", "invalid or expired token")
	}
	out := u
	return &out, nil
}

// Len reports how many tokens are registered.
func (v *StaticVerifier) Len() int {
	return len(v.users)
}
