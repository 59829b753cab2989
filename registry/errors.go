package registry

import (
	"errors"
	"fmt"
	"strings"

	validator "github.com/go-playground/validator/v10"
)

// ValidationError reports a request rejected before any network I/O.
type ValidationError struct {
	Op     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("registry %s: invalid %s: %s", e.Op, e.Field, e.Reason)
}

// RemoteCallError wraps a transport or backend-reported failure.
type RemoteCallError struct {
	Op     string
	PeerID string
	Err    error
}

func (e *RemoteCallError) Error() string {
	if e.PeerID != "" {
		return fmt.Sprintf("registry %s (peer_id=%s): %v", e.Op, e.PeerID, e.Err)
	}
	return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
}

func (e *RemoteCallError) Unwrap() error {
	return e.Err
}

// BackendError is a non-2xx response from the remote function.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsRemote reports whether err is (or wraps) a RemoteCallError.
func IsRemote(err error) bool {
	var target *RemoteCallError
	return errors.As(err, &target)
}

func validationFromStruct(op string, err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Op: op, Field: "request", Reason: err.Error()}
	}
	fe := fieldErrs[0]
	reason := fe.Tag()
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "max":
		reason = "must be at most " + fe.Param() + " characters"
	}
	return &ValidationError{Op: op, Field: jsonFieldName(fe.Field()), Reason: reason}
}

func jsonFieldName(goName string) string {
	switch goName {
	case "PeerID":
		return "peer_id"
	case "DeviceType":
		return "device_type"
	default:
		return strings.ToLower(goName)
	}
}
