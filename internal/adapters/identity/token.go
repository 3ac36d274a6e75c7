package identity

import (
	"context"

	id "almoner/pkg/domain"
	"almoner/pkg/requestcontext"
)

// TokenDirectory answers role questions from the verified JWT claims the auth
// middleware put on the request context. It can only speak for the calling
// user; every workflow gate in this service asks about the caller, so that is
// enough until the hosted directory client lands.
type TokenDirectory struct{}

func NewTokenDirectory() TokenDirectory {
	return TokenDirectory{}
}

func (TokenDirectory) HasRole(ctx context.Context, userID id.UserID, role id.Role) (bool, error) {
	if requestcontext.UserID(ctx) != userID {
		return false, nil
	}
	return requestcontext.HasRole(ctx, role), nil
}
