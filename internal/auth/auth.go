package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/meshrtc/meshconf/internal/domain"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Credentials is what a connection presents before the relay accepts it.
type Credentials struct {
	ParticipantID string
	DisplayName   string
}

// Authenticator verifies connection credentials and yields the identity the
// relay trusts for the lifetime of the connection. Deployments plug in their
// own implementation; the relay core never inspects tokens itself.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (domain.Identity, error)
}

// GuestAuthenticator admits anyone with a display name, minting an id for
// participants that do not bring one.
type GuestAuthenticator struct{}

func NewGuestAuthenticator() *GuestAuthenticator {
	return &GuestAuthenticator{}
}

func (a *GuestAuthenticator) Authenticate(_ context.Context, creds Credentials) (domain.Identity, error) {
	name := strings.TrimSpace(creds.DisplayName)
	if name == "" {
		return domain.Identity{}, ErrUnauthenticated
	}

	id := strings.TrimSpace(creds.ParticipantID)
	if id == "" {
		id = uuid.NewString()
	}

	return domain.Identity{ID: id, DisplayName: name}, nil
}
