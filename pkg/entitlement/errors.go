package entitlement

import (
	"errors"
	"fmt"
)

// Catalog errors.
var (
	ErrCatalogUnavailable = errors.New("catalog unavailable")
)

// Verification errors.
var (
	ErrUntrusted = errors.New("envelope signature untrusted")
	ErrMalformed = errors.New("envelope malformed")
)

// Purchase errors. ErrUserCancelled and ErrPurchasePending are modeled as
// errors so purchase() has a single result shape, but callers must branch on
// them separately: neither is a genuine failure.
var (
	ErrNotConfigured      = errors.New("catalog not loaded")
	ErrProductNotFound    = errors.New("product not found")
	ErrPurchaseInProgress = errors.New("purchase already in progress")
	ErrUserCancelled      = errors.New("purchase cancelled by user")
	ErrPurchasePending    = errors.New("purchase pending external approval")
	ErrVerificationFailed = errors.New("purchase verification failed")
	ErrPurchaseUnknown    = errors.New("purchase failed")
)

// Restore errors.
var (
	ErrSyncFailed = errors.New("storefront sync failed")
)

// FlowError wraps a failure with the operation and product it occurred on.
type FlowError struct {
	Op        string // operation that failed, e.g. "purchase", "load_catalog"
	ProductID string
	Err       error
}

func (e *FlowError) Error() string {
	if e.ProductID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.ProductID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match against the sentinel taxonomy above.
func (e *FlowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewFlowError creates a FlowError for the given operation.
func NewFlowError(op, productID string, err error) *FlowError {
	return &FlowError{Op: op, ProductID: productID, Err: err}
}
