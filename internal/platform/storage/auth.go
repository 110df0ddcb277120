package storage

import (
	"context"
	"errors"

	"github.com/willowmart/api/internal/platform/auth"
)

// ErrPermissionDenied reports a requester who may not read the object.
var ErrPermissionDenied = errors.New("storage: permission denied")

// AuthorizeDownload decides whether identity may read an object owned by
// ownerID. Shoppers read their own receipts; staff and admins read any.
func AuthorizeDownload(identity *auth.Identity, ownerID string, allowAnonymous bool) error {
	if allowAnonymous {
		return nil
	}
	if identity == nil {
		return ErrPermissionDenied
	}
	if ownerID != "" && identity.UID == ownerID {
		return nil
	}
	if identity.IsStaff() {
		return nil
	}
	return ErrPermissionDenied
}

// AuthorizeDownloadFromContext pulls the identity off the request
// context and applies AuthorizeDownload.
func AuthorizeDownloadFromContext(ctx context.Context, ownerID string, allowAnonymous bool) (*auth.Identity, error) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok && !allowAnonymous {
		return nil, ErrPermissionDenied
	}
	if err := AuthorizeDownload(identity, ownerID, allowAnonymous); err != nil {
		return nil, err
	}
	return identity, nil
}
