// Package apperr defines the error kinds shared by every component and their
// mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/zeebo/errs"
)

// Error classes. Components wrap with the class that matches the failure kind.
var (
	ClientInput   = errs.Class("invalid input")
	Authorization = errs.Class("not authorized")
	State         = errs.Class("invalid state")
	NotFound      = errs.Class("not found")
	ObjectStore   = errs.Class("object store")
	Integrity     = errs.Class("integrity")
	Configuration = errs.Class("configuration")
)

// Upload failure taxonomy.
var (
	ErrUploadTooSmall       = errors.New("upload too small")
	ErrUploadTooLarge       = errors.New("upload too large")
	ErrInvalidUploadState   = errors.New("Invalid upload state")
	ErrBucketNotConfigured  = errors.New("bucket not configured")
	ErrNotOwnedByCaller     = errors.New("not owned by caller")
	ErrUploadExpired        = errors.New("upload expired")
	ErrNotFound             = errors.New("not found")
	ErrUnauthenticated      = errors.New("authentication required")
	ErrTransactionNotClosed = errors.New("operation must not run inside a database transaction")
)

// NonFieldErrors is the key for validation messages that are not tied to one input field.
const NonFieldErrors = "non_field_errors"

// ValidationError carries field-keyed messages destined for a submission's form_errors.
type ValidationError struct {
	Fields map[string][]string
}

// NewValidationError returns a ValidationError with a single message under field.
func NewValidationError(field, msg string) *ValidationError {
	v := &ValidationError{}
	v.Add(field, msg)
	return v
}

// Add appends msg to field.
func (v *ValidationError) Add(field, msg string) {
	if v.Fields == nil {
		v.Fields = map[string][]string{}
	}
	v.Fields[field] = append(v.Fields[field], msg)
}

// Has reports whether field carries at least one message.
func (v *ValidationError) Has(field string) bool {
	return v != nil && len(v.Fields[field]) > 0
}

// Empty reports whether no message has been added.
func (v *ValidationError) Empty() bool { return v == nil || len(v.Fields) == 0 }

// Merge copies every message from other into v.
func (v *ValidationError) Merge(other *ValidationError) {
	if other == nil {
		return
	}
	for field, msgs := range other.Fields {
		for _, msg := range msgs {
			v.Add(field, msg)
		}
	}
}

// ErrOrNil returns v as an error, or nil when it holds no messages.
func (v *ValidationError) ErrOrNil() error {
	if v.Empty() {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	fields := make([]string, 0, len(v.Fields))
	for field := range v.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString("validation failed:")
	for _, field := range fields {
		b.WriteString(" ")
		b.WriteString(field)
		b.WriteString(": ")
		b.WriteString(strings.Join(v.Fields[field], "; "))
		b.WriteString(".")
	}
	return b.String()
}

// HTTPStatus maps an error onto the status code returned at the API boundary.
func HTTPStatus(err error) int {
	var verr *ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotOwnedByCaller), Authorization.Has(err):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUploadExpired), NotFound.Has(err):
		return http.StatusNotFound
	case errors.Is(err, ErrUploadTooSmall), errors.Is(err, ErrUploadTooLarge),
		errors.Is(err, ErrInvalidUploadState), errors.As(err, &verr),
		ClientInput.Has(err), State.Has(err), Integrity.Has(err):
		return http.StatusBadRequest
	case ObjectStore.Has(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-facing text for err. Internal errors are not echoed.
func Message(err error) string {
	if HTTPStatus(err) >= http.StatusInternalServerError {
		return "internal server error"
	}
	for _, sentinel := range []error{
		ErrInvalidUploadState, ErrUploadTooSmall, ErrUploadTooLarge,
		ErrNotOwnedByCaller, ErrUploadExpired, ErrNotFound, ErrUnauthenticated,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error() + detail(err, sentinel)
		}
	}
	return err.Error()
}

// detail returns the text that follows the sentinel inside err's message, if any.
func detail(err, sentinel error) string {
	msg := err.Error()
	idx := strings.Index(msg, sentinel.Error())
	if idx < 0 {
		return ""
	}
	return msg[idx+len(sentinel.Error()):]
}
