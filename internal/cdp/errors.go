package cdp

import (
	"fmt"

	"github.com/dgnsrekt/tabstream/internal/inventory"
)

const (
	CodeCDPUnavailable    = "CDP_UNAVAILABLE"
	CodeTargetNotFound    = "TARGET_NOT_FOUND"
	CodeProcessUnresolved = "PROCESS_UNRESOLVED"
)

// CodedError is a typed error used for stable log and API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// unresolved reports a per-tab lookup failure. It always matches
// inventory.ErrAttributeResolutionFailed.
func unresolved(code, msg string, cause error) error {
	if cause == nil {
		cause = inventory.ErrAttributeResolutionFailed
	} else {
		cause = fmt.Errorf("%w: %w", inventory.ErrAttributeResolutionFailed, cause)
	}
	return &CodedError{Code: code, Message: msg, Cause: cause}
}
