package auth

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenStrategy produces a bearer token for FHIR calls. Strategies are
// consulted in a fixed order by Resolver; the first whose CanHandle returns
// true wins.
type TokenStrategy interface {
	CanHandle(ctx context.Context) bool
	Token(ctx context.Context) (*oauth2.Token, error)
}

type contextKey struct{}

// WithAccessToken embeds a caller-supplied bearer token in the context, e.g.
// from an inbound protocol payload or the rehydrate endpoint.
func WithAccessToken(ctx context.Context, accessToken string) context.Context {
	return context.WithValue(ctx, contextKey{}, accessToken)
}

func AccessTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(contextKey{}).(string)
	return token, ok && token != ""
}

var _ TokenStrategy = ContextTokenStrategy{}

// ContextTokenStrategy returns the token already carried by the request
// context. No network call is involved.
type ContextTokenStrategy struct{}

func (c ContextTokenStrategy) CanHandle(ctx context.Context) bool {
	_, ok := AccessTokenFromContext(ctx)
	return ok
}

func (c ContextTokenStrategy) Token(ctx context.Context) (*oauth2.Token, error) {
	accessToken, _ := AccessTokenFromContext(ctx)
	return &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}, nil
}

// Resolver tries strategies in priority order. Resolution is total as long as
// the last strategy is a catch-all (client credentials).
type Resolver struct {
	strategies []TokenStrategy
}

func NewResolver(strategies ...TokenStrategy) *Resolver {
	return &Resolver{strategies: strategies}
}

// Resolve returns the first strategy that can handle the context, or nil when
// none matches.
func (r *Resolver) Resolve(ctx context.Context) TokenStrategy {
	for _, strategy := range r.strategies {
		if strategy.CanHandle(ctx) {
			return strategy
		}
	}
	return nil
}
