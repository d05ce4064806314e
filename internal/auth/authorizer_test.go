package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"linguacast/internal/auth"
	"linguacast/internal/types"
)

type stubValidator struct {
	principal types.Principal
	err       error
}

func (s *stubValidator) Validate(ctx context.Context, token string) (types.Principal, error) {
	if token == "" {
		return types.Principal{}, auth.ErrNoToken
	}
	return s.principal, s.err
}

func TestAuthorize_AnonymousWithoutToken(t *testing.T) {
	a := auth.NewAuthorizer(&stubValidator{err: auth.ErrTokenInvalid})

	d := a.Authorize(context.Background(), auth.Attempt{})
	require.True(t, d.Allow, "tokenless attempts are always allowed")
	require.Equal(t, types.PrincipalAnonymous, d.Principal.Kind)
	require.Empty(t, d.Principal.SubjectID)
}

func TestAuthorize_ValidToken(t *testing.T) {
	a := auth.NewAuthorizer(&stubValidator{
		principal: types.AuthenticatedPrincipal("speaker-1", "s@example.com"),
	})

	d := a.Authorize(context.Background(), auth.Attempt{BearerToken: "good"})
	require.True(t, d.Allow)
	require.Equal(t, types.PrincipalAuthenticated, d.Principal.Kind)
	require.Equal(t, "speaker-1", d.Principal.SubjectID)
}

func TestAuthorize_BadTokenDenied(t *testing.T) {
	a := auth.NewAuthorizer(&stubValidator{err: auth.ErrTokenExpired})

	d := a.Authorize(context.Background(), auth.Attempt{BearerToken: "expired"})
	require.False(t, d.Allow, "a present-but-bad token must deny, never demote to listener")
	require.ErrorIs(t, d.Err, auth.ErrTokenExpired)
	require.NotEmpty(t, d.Reason)
}
