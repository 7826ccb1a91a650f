// Package auth resolves bearer API tokens to principals.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/clock"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID   int64
	Username string
}

// TokenStore looks up the user owning a token hash.
type TokenStore interface {
	UserForToken(ctx context.Context, tokenHash string, now time.Time) (int64, string, error)
}

type principalKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal in ctx, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// HashToken is the stored form of a token: hex SHA-256.
func HashToken(token string) string {
	return digest.FromString(token).Encoded()
}

// Authenticator attaches a Principal to requests with a valid bearer token.
type Authenticator struct {
	log    *zap.Logger
	clock  clock.Clock
	tokens TokenStore
}

func NewAuthenticator(log *zap.Logger, clk clock.Clock, tokens TokenStore) *Authenticator {
	return &Authenticator{log: log.Named("auth"), clock: clk, tokens: tokens}
}

// Authenticate resolves the request's bearer token. A request without one yields
// apperr.ErrUnauthenticated.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, apperr.ErrUnauthenticated
	}
	id, username, err := a.tokens.UserForToken(r.Context(), HashToken(strings.TrimSpace(token)), a.clock.Now())
	if err != nil {
		return nil, err
	}
	return &Principal{UserID: id, Username: username}, nil
}

// Middleware attaches the principal when the token is valid and passes anonymous
// requests through untouched. Handlers call Require for routes that need a user.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		switch {
		case err == nil:
			r = r.WithContext(WithPrincipal(r.Context(), p))
		case errors.Is(err, apperr.ErrUnauthenticated):
		default:
			a.log.Warn("token lookup failed", zap.Error(err))
		}
		next.ServeHTTP(w, r)
	})
}

// Require returns the request's principal or apperr.ErrUnauthenticated.
func Require(r *http.Request) (*Principal, error) {
	p, ok := FromContext(r.Context())
	if !ok {
		return nil, apperr.ErrUnauthenticated
	}
	return p, nil
}
