package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestContextTokenStrategy(t *testing.T) {
	strategy := ContextTokenStrategy{}

	t.Run("no token in context", func(t *testing.T) {
		assert.False(t, strategy.CanHandle(context.Background()))
	})
	t.Run("token in context", func(t *testing.T) {
		ctx := WithAccessToken(context.Background(), "secret")
		require.True(t, strategy.CanHandle(ctx))
		token, err := strategy.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "secret", token.AccessToken)
		assert.Equal(t, "Bearer", token.TokenType)
	})
	t.Run("empty token does not match", func(t *testing.T) {
		ctx := WithAccessToken(context.Background(), "")
		assert.False(t, strategy.CanHandle(ctx))
	})
}

type stubStrategy struct {
	handles bool
}

func (s stubStrategy) CanHandle(_ context.Context) bool { return s.handles }

func (s stubStrategy) Token(_ context.Context) (*oauth2.Token, error) { return nil, nil }

func TestResolver_FirstMatchWins(t *testing.T) {
	first := stubStrategy{handles: false}
	second := stubStrategy{handles: true}
	third := stubStrategy{handles: true}
	resolver := NewResolver(first, second, third)

	resolved := resolver.Resolve(context.Background())
	assert.Equal(t, second, resolved)
}

func TestResolver_ContextTokenTakesPriority(t *testing.T) {
	catchAll := stubStrategy{handles: true}
	resolver := NewResolver(ContextTokenStrategy{}, catchAll)

	t.Run("context token present", func(t *testing.T) {
		ctx := WithAccessToken(context.Background(), "secret")
		assert.IsType(t, ContextTokenStrategy{}, resolver.Resolve(ctx))
	})
	t.Run("fallback", func(t *testing.T) {
		assert.Equal(t, catchAll, resolver.Resolve(context.Background()))
	})
}

func TestResolver_NoMatch(t *testing.T) {
	resolver := NewResolver(stubStrategy{handles: false})
	assert.Nil(t, resolver.Resolve(context.Background()))
}
