package auth

import (
	"context"
	"errors"
)

// Identity is the canonical claim set derived from a verified bearer
// credential. It is never persisted; the subject id is what task ownership
// is keyed on.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// ErrInvalidCredential covers every token verification failure. Callers treat
// it as "no identity", never as a request-level error.
var ErrInvalidCredential = errors.New("invalid credential")

type contextKey string

const identityContextKey contextKey = "tasklist.identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v := ctx.Value(identityContextKey)
	if v == nil {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	if !ok || id.Subject == "" {
		return Identity{}, false
	}
	return id, true
}
