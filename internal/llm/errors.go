package llm

import (
	"errors"
	"fmt"
)

// VendorError wraps a provider-side failure with enough context to
// decide between retry and abort.
type VendorError struct {
	Provider   string
	StatusCode int // 0 for transport-level failures
	Message    string
	Transient  bool
}

func (e *VendorError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// newVendorError classifies HTTP status codes: 5xx, 408, and 429 are
// transient; other 4xx are permanent.
func newVendorError(provider string, status int, message string) *VendorError {
	return &VendorError{
		Provider:   provider,
		StatusCode: status,
		Message:    message,
		Transient:  status >= 500 || status == 408 || status == 429,
	}
}

// transportError wraps a network-level failure as a transient vendor error.
func transportError(provider string, err error) *VendorError {
	return &VendorError{Provider: provider, Message: err.Error(), Transient: true}
}

// IsTransient reports whether err should be retried within the error
// budget. Unrecognized errors are treated as permanent.
func IsTransient(err error) bool {
	var ve *VendorError
	if errors.As(err, &ve) {
		return ve.Transient
	}
	return false
}

// UnsupportedPartError is returned when a conversation part has no
// translation in the target provider's wire format. The mapping must
// be total; callers should not silently drop content.
type UnsupportedPartError struct {
	Provider string
	Kind     PartKind
}

func (e *UnsupportedPartError) Error() string {
	return fmt.Sprintf("%s: no wire mapping for part kind %q", e.Provider, e.Kind)
}
