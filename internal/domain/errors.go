package domain

import (
	"errors"
	"fmt"
)

var (
	ErrIdentityUnresolved  = errors.New("identity could not be resolved")
	ErrCartNotFound        = errors.New("cart not found")
	ErrCartCheckedOut      = errors.New("cart is checked out")
	ErrCartExpired         = errors.New("cart is expired")
	ErrMergeFailed         = errors.New("cart merge failed")
	ErrStaleCalculation    = errors.New("pricing rules could not be resolved")
	ErrItemNotFound        = errors.New("item not found in cart")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrProductNotFound     = errors.New("product not found")
	ErrVersionConflict     = errors.New("cart was modified concurrently")
	ErrDuplicateActiveCart = errors.New("identity already has an active cart")
)

// ConflictError reports a mutation attempted on a cart in a terminal state.
// It unwraps to ErrCartCheckedOut or ErrCartExpired.
type ConflictError struct {
	CartID string
	Status Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cart %s is %s and cannot be modified", e.CartID, e.Status)
}

func (e *ConflictError) Unwrap() error {
	if e.Status == StatusCheckedOut {
		return ErrCartCheckedOut
	}
	return ErrCartExpired
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
