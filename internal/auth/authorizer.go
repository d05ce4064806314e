package auth

import (
	"context"

	"linguacast/internal/types"
)

// TokenValidator is the credential check the authorizer depends on.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (types.Principal, error)
}

// Attempt describes one inbound connection attempt.
type Attempt struct {
	BearerToken string
}

// Decision is the authorizer's verdict for an attempt.
type Decision struct {
	Allow     bool
	Principal types.Principal
	Reason    string
	Err       error
}

// Authorizer classifies connection attempts. It must run for every attempt
// unconditionally; admission never bypasses it.
type Authorizer struct {
	validator TokenValidator
}

// NewAuthorizer creates an authorizer backed by the given validator.
func NewAuthorizer(validator TokenValidator) *Authorizer {
	return &Authorizer{validator: validator}
}

// Authorize classifies the attempt. A present token is validated and must
// pass (this path is only used by speakers); an absent token is allowed
// unconditionally as an anonymous listener. The asymmetry is deliberate:
// listeners join without any account system while speakers are held to
// strict identity.
func (a *Authorizer) Authorize(ctx context.Context, attempt Attempt) Decision {
	if attempt.BearerToken == "" {
		return Decision{Allow: true, Principal: types.AnonymousPrincipal()}
	}

	principal, err := a.validator.Validate(ctx, attempt.BearerToken)
	if err != nil {
		return Decision{Allow: false, Reason: err.Error(), Err: err}
	}

	return Decision{Allow: true, Principal: principal}
}
