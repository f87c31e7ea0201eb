// Package authz is the ownership guard consumed by every mutating or
// single-resource read: accounts, transactions and sales are each owned by
// exactly one user, and only that user may act on them.
package authz

import (
	"errors"
	"strings"
)

// ErrForbidden indicates the caller is authenticated but not the owner.
var ErrForbidden = errors.New("forbidden")

// MayAccess allows the operation when the caller owns the resource.
func MayAccess(callerID, ownerID string) error {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" || callerID != ownerID {
		return ErrForbidden
	}
	return nil
}
