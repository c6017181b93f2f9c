package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by ledger operations.
var (
	ErrInsufficientCredit     = errors.New("ledger: insufficient credit")
	ErrOverCapture            = errors.New("ledger: capture exceeds held credit")
	ErrInvalidQuantity        = errors.New("ledger: invalid quantity")
	ErrIdempotencyKeyRequired = errors.New("ledger: idempotency key required")
	ErrAccountRequired        = errors.New("ledger: account required")
	ErrBatchNotFound          = errors.New("ledger: batch not found")
	ErrNoActiveHolds          = errors.New("ledger: no active holds")
)

// InsufficientCreditError is returned by HoldCredit when eligible batches
// cannot cover the request. Its message is shown to end users.
type InsufficientCreditError struct {
	AccountID string
	Requested int64
	Available int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf(
		"insufficient credit: this request needs %d credits but only %d are available. "+
			"Add credits or upgrade your plan in the billing settings, then try again",
		e.Requested, e.Available)
}

func (e *InsufficientCreditError) Unwrap() error {
	return ErrInsufficientCredit
}

// OverCaptureError is returned by CaptureCredit when the reported usage is
// larger than what the referenced holds reserved.
type OverCaptureError struct {
	AccountID string
	Requested int64
	Held      int64
}

func (e *OverCaptureError) Error() string {
	return fmt.Sprintf("ledger: capture of %d credits exceeds %d held for account %s",
		e.Requested, e.Held, e.AccountID)
}

func (e *OverCaptureError) Unwrap() error {
	return ErrOverCapture
}
