package models

import "errors"

// Error kinds surfaced by the fulfillment engine. Callers match them with errors.Is.
var (
	ErrOutOfStock          = errors.New("out of stock")
	ErrOrderNotFound       = errors.New("order not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrProductUnavailable  = errors.New("product unavailable")
	ErrInvalidTransition   = errors.New("invalid order status transition")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrPersistence         = errors.New("persistence failure")
	ErrValidation          = errors.New("validation failed")
	ErrUnauthorized        = errors.New("operator not authorized")
)

// IsDomainError reports whether err already carries one of the error kinds above
func IsDomainError(err error) bool {
	for _, kind := range []error{
		ErrOutOfStock,
		ErrOrderNotFound,
		ErrProductNotFound,
		ErrProductUnavailable,
		ErrInvalidTransition,
		ErrConcurrencyConflict,
		ErrPersistence,
		ErrValidation,
		ErrUnauthorized,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
