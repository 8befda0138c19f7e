package accountpool

import (
	"context"

	"claude-relay/internal/models"
)

// Authenticator is the external credential collaborator. Implementations
// talk to the upstream service; the pool manager only consumes outcomes.
type Authenticator interface {
	// ResolveOrganization resolves the organization ID and plan capabilities
	// behind a cookie. An error means the cookie is not usable.
	ResolveOrganization(ctx context.Context, cookie string) (string, models.Capabilities, error)

	// Refresh exchanges the account's refresh token for a fresh OAuth token,
	// mutating account.OAuthToken in place on success.
	Refresh(ctx context.Context, account *models.Account) error

	// Authenticate attempts to obtain an OAuth token for a cookie-only
	// account, mutating account.OAuthToken in place on success.
	Authenticate(ctx context.Context, account *models.Account) error
}
