package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentcore-io/agentcore/internal/auth"
)

func TestTokenChecker_DisabledWhenEmpty(t *testing.T) {
	c := auth.NewTokenChecker("")
	require.False(t, c.Enabled())
	require.NoError(t, c.Validate("anything"))
}

func TestTokenChecker_IssueThenValidateRoundTrips(t *testing.T) {
	c := auth.NewTokenChecker("s3cret")
	require.True(t, c.Enabled())

	tok, err := c.Issue("admin-cli", time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.Validate(tok))
}

func TestTokenChecker_RejectsWrongSecretMissingOrExpiredToken(t *testing.T) {
	c := auth.NewTokenChecker("s3cret")
	other := auth.NewTokenChecker("different-secret")

	tok, err := other.Issue("admin-cli", time.Hour)
	require.NoError(t, err)
	require.ErrorIs(t, c.Validate(tok), auth.ErrTokenInvalid)

	require.ErrorIs(t, c.Validate(""), auth.ErrTokenInvalid)
	require.ErrorIs(t, c.Validate("not-a-jwt"), auth.ErrTokenInvalid)

	expired, err := c.Issue("admin-cli", -time.Minute)
	require.NoError(t, err)
	require.ErrorIs(t, c.Validate(expired), auth.ErrTokenInvalid)
}
