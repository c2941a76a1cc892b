// Package errors provides the severity-aware error taxonomy of the quote workflow.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Severity indicates error impact level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// QuoteError is a structured error with context.
type QuoteError struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Recoverable bool     `json:"recoverable"`
	// Status is the HTTP status returned by a collaborator, 0 when not applicable.
	Status int   `json:"status,omitempty"`
	Err    error `json:"-"`
}

func (e *QuoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Severity, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Severity, e.Code, e.Message)
}

func (e *QuoteError) Unwrap() error {
	return e.Err
}

// Is matches any QuoteError carrying the same code.
func (e *QuoteError) Is(target error) bool {
	t, ok := target.(*QuoteError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Error codes
const (
	ErrCodeValidationRejected     = "VALIDATION_REJECTED"
	ErrCodeNoSourceSelected       = "NO_SOURCE_SELECTED"
	ErrCodeNoVersionSelected      = "NO_VERSION_SELECTED"
	ErrCodeNoPreviewAvailable     = "NO_PREVIEW_AVAILABLE"
	ErrCodeStaleResponseDiscarded = "STALE_RESPONSE_DISCARDED"
	ErrCodeNetworkOrServerFailure = "NETWORK_OR_SERVER_FAILURE"
	ErrCodeBusy                   = "BUSY"
	ErrCodeUnknownItem            = "UNKNOWN_ITEM"
	ErrCodeInvalidField           = "INVALID_FIELD"
	ErrCodeNoSuggestions          = "NO_SUGGESTIONS"
)

// Sentinels for errors.Is comparisons.
var (
	ErrValidationRejected     = &QuoteError{Code: ErrCodeValidationRejected}
	ErrNoSourceSelected       = &QuoteError{Code: ErrCodeNoSourceSelected}
	ErrNoVersionSelected      = &QuoteError{Code: ErrCodeNoVersionSelected}
	ErrNoPreviewAvailable     = &QuoteError{Code: ErrCodeNoPreviewAvailable}
	ErrStaleResponseDiscarded = &QuoteError{Code: ErrCodeStaleResponseDiscarded}
	ErrNetworkOrServerFailure = &QuoteError{Code: ErrCodeNetworkOrServerFailure}
	ErrBusy                   = &QuoteError{Code: ErrCodeBusy}
	ErrUnknownItem            = &QuoteError{Code: ErrCodeUnknownItem}
	ErrInvalidField           = &QuoteError{Code: ErrCodeInvalidField}
	ErrNoSuggestions          = &QuoteError{Code: ErrCodeNoSuggestions}
)

// NewValidationRejected wraps a collaborator's rejection. The message is kept verbatim.
func NewValidationRejected(status int, message string) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeValidationRejected,
		Message:     message,
		Severity:    SeverityError,
		Recoverable: true,
		Status:      status,
	}
}

// NewNetworkOrServerFailure wraps a transport error or a 5xx response.
func NewNetworkOrServerFailure(status int, message string, err error) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeNetworkOrServerFailure,
		Message:     message,
		Severity:    SeverityError,
		Recoverable: true,
		Status:      status,
		Err:         err,
	}
}

func NewNoSourceSelected() *QuoteError {
	return &QuoteError{
		Code:        ErrCodeNoSourceSelected,
		Message:     "no rule set or quote template is active",
		Severity:    SeverityInfo,
		Recoverable: true,
	}
}

func NewNoVersionSelected(quoteID string) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeNoVersionSelected,
		Message:     fmt.Sprintf("select a version of quote %s before matching costs", quoteID),
		Severity:    SeverityWarning,
		Recoverable: true,
	}
}

func NewNoPreviewAvailable(action string) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeNoPreviewAvailable,
		Message:     fmt.Sprintf("%s requires a successful price preview", action),
		Severity:    SeverityWarning,
		Recoverable: true,
	}
}

func NewStaleResponseDiscarded(generation, latest uint64) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeStaleResponseDiscarded,
		Message:     fmt.Sprintf("response for request %d superseded by request %d", generation, latest),
		Severity:    SeverityInfo,
		Recoverable: true,
	}
}

// NewBusy reports that a request of the same kind is still outstanding.
func NewBusy(kind string) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeBusy,
		Message:     fmt.Sprintf("%s already in progress", kind),
		Severity:    SeverityWarning,
		Recoverable: true,
	}
}

func NewUnknownItem(itemID string) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeUnknownItem,
		Message:     fmt.Sprintf("no cost suggestion for item %s", itemID),
		Severity:    SeverityWarning,
		Recoverable: true,
	}
}

func NewInvalidField(field, reason string) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeInvalidField,
		Message:     fmt.Sprintf("invalid value for %s: %s", field, reason),
		Severity:    SeverityWarning,
		Recoverable: true,
	}
}

func NewNoSuggestions(quoteID, versionID string) *QuoteError {
	return &QuoteError{
		Code:        ErrCodeNoSuggestions,
		Message:     fmt.Sprintf("no cost suggestions loaded for quote %s version %s", quoteID, versionID),
		Severity:    SeverityWarning,
		Recoverable: true,
	}
}

// UserMessage returns the text a notification should show for err.
// Collaborator messages pass through unchanged.
func UserMessage(err error) string {
	var qe *QuoteError
	if stderrors.As(err, &qe) && qe.Message != "" {
		return qe.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// CodeOf returns the taxonomy code of err, or "" for foreign errors.
func CodeOf(err error) string {
	var qe *QuoteError
	if stderrors.As(err, &qe) {
		return qe.Code
	}
	return ""
}
