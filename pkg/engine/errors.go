// Package engine provides the idempotent provisioning sequencer: an ordered
// list of precondition-guarded steps executed strictly in sequence, with a
// run log for diagnostics and fatal-on-first-failure semantics.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery guidance.
type ErrorClass string

const (
	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unsupported platform, malformed flags, missing privileges.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassTransient indicates a failure that may succeed on a later
	// run without configuration changes. Examples: network outages.
	ErrorClassTransient ErrorClass = "transient"
)

// Error codes for the provisioning failure taxonomy.
const (
	CodeUnsupportedPlatform  = "UNSUPPORTED_PLATFORM"
	CodePrivilegeRequired    = "PRIVILEGE_REQUIRED"
	CodeInvalidArgument      = "INVALID_ARGUMENT"
	CodeNetworkUnavailable   = "NETWORK_UNAVAILABLE"
	CodeDownloadVerification = "DOWNLOAD_VERIFICATION_FAILED"
	CodeStepFailed           = "STEP_FAILED"
)

// ProvisionError is a classified error with the step and code that produced it.
type ProvisionError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code identifies the failure in the provisioning taxonomy.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Step is the step that was executing when the error occurred, if any.
	Step StepID `json:"step,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	if e.Step != "" {
		if e.Err != nil {
			return fmt.Sprintf("[%s] %s (step=%s): %v", e.Code, e.Message, e.Step, e.Err)
		}
		return fmt.Sprintf("[%s] %s (step=%s)", e.Code, e.Message, e.Step)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two ProvisionErrors match when
// their codes match.
func (e *ProvisionError) Is(target error) bool {
	t, ok := target.(*ProvisionError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithStep attaches step context to the error.
func (e *ProvisionError) WithStep(id StepID) *ProvisionError {
	e.Step = id
	return e
}

// NewUnsupportedPlatform reports a host whose OS/architecture combination is
// not provisionable.
func NewUnsupportedPlatform(message string) *ProvisionError {
	return &ProvisionError{Class: ErrorClassPermanent, Code: CodeUnsupportedPlatform, Message: message}
}

// NewPrivilegeRequired reports a run started without elevated privileges.
func NewPrivilegeRequired(message string) *ProvisionError {
	return &ProvisionError{Class: ErrorClassPermanent, Code: CodePrivilegeRequired, Message: message}
}

// NewInvalidArgument reports malformed configuration input.
func NewInvalidArgument(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrorClassPermanent, Code: CodeInvalidArgument, Message: message, Err: err}
}

// NewNetworkUnavailable reports a failed connectivity probe or download.
func NewNetworkUnavailable(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrorClassTransient, Code: CodeNetworkUnavailable, Message: message, Err: err}
}

// NewDownloadVerificationFailed reports an installed artifact that did not
// end up on the expected path.
func NewDownloadVerificationFailed(message string) *ProvisionError {
	return &ProvisionError{Class: ErrorClassPermanent, Code: CodeDownloadVerification, Message: message}
}

// NewStepFailed wraps a step action failure.
func NewStepFailed(id StepID, err error) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassPermanent,
		Code:    CodeStepFailed,
		Message: "step execution failed",
		Step:    id,
		Err:     err,
	}
}

// CodeOf returns the taxonomy code of err, or empty when err carries none.
func CodeOf(err error) string {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsInvalidArgument reports whether err is classified as InvalidArgument.
func IsInvalidArgument(err error) bool {
	return CodeOf(err) == CodeInvalidArgument
}

// IsUnsupportedPlatform reports whether err is classified as UnsupportedPlatform.
func IsUnsupportedPlatform(err error) bool {
	return CodeOf(err) == CodeUnsupportedPlatform
}

// IsNetworkUnavailable reports whether err is classified as NetworkUnavailable.
func IsNetworkUnavailable(err error) bool {
	return CodeOf(err) == CodeNetworkUnavailable
}

// IsTransient reports whether a subsequent run may succeed without changes.
func IsTransient(err error) bool {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Class == ErrorClassTransient
	}
	return false
}
