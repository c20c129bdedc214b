package reservation

import stderrors "errors"

// ErrInvalidRequest is returned by Reserve for requests that can never
// succeed: no items, a non-positive quantity or a missing customer.
var ErrInvalidRequest = stderrors.New("invalid reservation request")

// ErrInsufficientStock is the per-item failure when fewer units are
// available than requested. It is never retried.
var ErrInsufficientStock = stderrors.New("insufficient stock")

// ErrProductInactive is the per-item failure for a product that exists but
// cannot currently be reserved.
var ErrProductInactive = stderrors.New("product is not active")

func joinErrors(errs []error) error {
	return stderrors.Join(errs...)
}
