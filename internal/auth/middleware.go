package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"account-service/internal/account"
	"account-service/internal/apperr"
	"account-service/internal/httpx"
	"account-service/internal/observability"
)

type accountContextKey struct{}

// AccountLoader resolves the account named by a verified access token.
type AccountLoader interface {
	FindByID(ctx context.Context, id string) (account.Account, error)
}

func WithAccount(ctx context.Context, profile account.Profile) context.Context {
	return context.WithValue(ctx, accountContextKey{}, profile)
}

func AccountFromContext(ctx context.Context) (account.Profile, bool) {
	profile, ok := ctx.Value(accountContextKey{}).(account.Profile)
	return profile, ok
}

// Gate authenticates requests by access token. It never reads or writes the
// session secret.
type Gate struct {
	tokens *TokenIssuer
	store  AccountLoader
	logger *observability.Logger
}

func NewGate(tokens *TokenIssuer, store AccountLoader, logger *observability.Logger) *Gate {
	return &Gate{tokens: tokens, store: store, logger: logger}
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		profile, err := g.authenticate(r)
		if err != nil {
			httpx.Fail(w, r, g.logger, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), profile)))
	})
}

func (g *Gate) authenticate(r *http.Request) (account.Profile, error) {
	raw := accessTokenFromRequest(r)
	if raw == "" {
		return account.Profile{}, apperr.Unauthorized("unauthorized request")
	}

	claims, err := g.tokens.Verify(raw, AccessToken)
	if err != nil {
		return account.Profile{}, apperr.Unauthorized("invalid access token")
	}

	acct, err := g.store.FindByID(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.Profile{}, apperr.Unauthorized("invalid access token")
		}
		return account.Profile{}, apperr.Internal("failed to load account", err)
	}

	return acct.Profile(), nil
}

// accessTokenFromRequest prefers a well-formed Bearer header and otherwise
// falls back to the access token cookie.
func accessTokenFromRequest(r *http.Request) string {
	if token, ok := httpx.BearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	if cookie, err := r.Cookie(accessTokenCookie); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}
