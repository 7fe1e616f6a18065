// Package auth authenticates callers and authorizes their access to
// data sources. Authorization is deny-by-default: a caller may touch a
// source only through an explicit role grant.
package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	fleeterrors "github.com/fleetql/fleet/internal/errors"
)

// Context identifies an authenticated caller.
type Context struct {
	CallerID string
	Roles    []string
}

type ctxKey struct{}

// WithContext attaches the caller identity to a request context.
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

// FromContext retrieves the caller identity, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	ac, ok := ctx.Value(ctxKey{}).(*Context)
	return ac, ok
}

// Authenticator verifies a bearer token and resolves the caller.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Context, error)
}

// StaticTokenAuthenticator resolves callers from a fixed token table.
// Suited to service-to-service deployments where tokens are issued out
// of band.
type StaticTokenAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]*Context
}

// NewStaticTokenAuthenticator creates an empty token table.
func NewStaticTokenAuthenticator() *StaticTokenAuthenticator {
	return &StaticTokenAuthenticator{tokens: make(map[string]*Context)}
}

// AddToken registers a token for a caller.
func (a *StaticTokenAuthenticator) AddToken(token, callerID string, roles ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[token] = &Context{CallerID: callerID, Roles: roles}
}

// Authenticate implements Authenticator.
func (a *StaticTokenAuthenticator) Authenticate(_ context.Context, token string) (*Context, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ac, ok := a.tokens[token]
	if !ok {
		return nil, fleeterrors.NewAuthFailed("unknown token")
	}
	return &Context{CallerID: ac.CallerID, Roles: append([]string(nil), ac.Roles...)}, nil
}

// JWTAuthenticator verifies HMAC-signed JWTs. The subject claim is the
// caller id; the "roles" claim carries the caller's roles.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator creates a verifier for the given signing secret.
func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret}
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (*Context, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fleeterrors.NewAuthFailed("unexpected signing method " + t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fleeterrors.NewAuthFailed(err.Error())
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fleeterrors.NewAuthFailed("invalid token claims")
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fleeterrors.NewAuthFailed("token has no subject")
	}
	ac := &Context{CallerID: sub}
	if raw, ok := claims["roles"]; ok {
		switch rs := raw.(type) {
		case []interface{}:
			for _, r := range rs {
				if s, ok := r.(string); ok {
					ac.Roles = append(ac.Roles, s)
				}
			}
		case string:
			for _, s := range strings.Split(rs, ",") {
				if s = strings.TrimSpace(s); s != "" {
					ac.Roles = append(ac.Roles, s)
				}
			}
		}
	}
	return ac, nil
}
