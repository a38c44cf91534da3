// Package errors provides the ledger error taxonomy and its RFC 7807 Problem Details rendering
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Error kinds
const (
	KindValidation         = "ValidationError"
	KindAuthorization      = "AuthorizationError"
	KindNotFound           = "NotFoundError"
	KindStateConflict      = "StateConflictError"
	KindInsufficientFunds  = "InsufficientFundsError"
	KindRateLimit          = "RateLimitError"
	KindIntegrityViolation = "IntegrityViolation"
)

var (
	Validation         *Error = NewWithKind(KindValidation)
	Authorization      *Error = NewWithKind(KindAuthorization)
	NotFound           *Error = NewWithKind(KindNotFound)
	StateConflict      *Error = NewWithKind(KindStateConflict)
	InsufficientFunds  *Error = NewWithKind(KindInsufficientFunds)
	RateLimit          *Error = NewWithKind(KindRateLimit)
	IntegrityViolation *Error = NewWithKind(KindIntegrityViolation)
)

// FieldError represents a validation error for a specific field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message,omitempty"`
}

// Error is a custom error type carrying a kind and a user facing message.
// Two errors are equal under errors.Is when their kinds match.
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Message names the specific rule that was violated
	Message string `json:"message"`
	// Fields used when there's validation error for a field.
	Fields []FieldError `json:"fields,omitempty"`

	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: "Unknown", Message: message}
}

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

func Wrap(err error) *Error {
	return &Error{cause: err}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

// Reason returns a copy of the error with kind set to given value
func (e *Error) Reason(kind string) *Error {
	err := *e
	err.Kind = kind
	return &err
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the given cause
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// WithField returns a copy of error with the field appended.
func (e *Error) WithField(field, message string) *Error {
	newError := *e
	newError.Fields = append(append([]FieldError(nil), e.Fields...), FieldError{Field: field, Message: message})
	return &newError
}

// Is implements the needed interface for errors.Is
// It checks kind for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) string {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return ""
}

// Problem type URIs
const (
	TypeValidationError    = "https://api.visions.market/problems/validation-error"
	TypeForbidden          = "https://api.visions.market/problems/forbidden"
	TypeNotFound           = "https://api.visions.market/problems/not-found"
	TypeConflict           = "https://api.visions.market/problems/state-conflict"
	TypeInsufficientFunds  = "https://api.visions.market/problems/insufficient-funds"
	TypeRateLimit          = "https://api.visions.market/problems/rate-limit"
	TypeIntegrityViolation = "https://api.visions.market/problems/integrity-violation"
	TypeUnauthorized       = "https://api.visions.market/problems/unauthorized"
	TypeInternalError      = "https://api.visions.market/problems/internal-error"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	Errors   []FieldError           `json:"errors,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{})
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if p.TraceID != "" {
		result["trace_id"] = p.TraceID
	}
	if len(p.Errors) > 0 {
		result["errors"] = p.Errors
	}
	for k, v := range p.Extra {
		result[k] = v
	}
	return json.Marshal(result)
}

type problemType struct {
	uri    string
	title  string
	status int
}

var problemTypes = map[string]problemType{
	KindValidation:         {TypeValidationError, "Validation Error", http.StatusBadRequest},
	KindAuthorization:      {TypeForbidden, "Forbidden", http.StatusForbidden},
	KindNotFound:           {TypeNotFound, "Not Found", http.StatusNotFound},
	KindStateConflict:      {TypeConflict, "State Conflict", http.StatusConflict},
	KindInsufficientFunds:  {TypeInsufficientFunds, "Insufficient Funds", http.StatusUnprocessableEntity},
	KindRateLimit:          {TypeRateLimit, "Rate Limit Exceeded", http.StatusTooManyRequests},
	KindIntegrityViolation: {TypeIntegrityViolation, "Integrity Violation", http.StatusInternalServerError},
}

// ToProblemDetails converts the error to RFC 7807 format
func (e *Error) ToProblemDetails(instance string) *ProblemDetails {
	pt, ok := problemTypes[e.Kind]
	if !ok {
		pt = problemType{TypeInternalError, "Internal Server Error", http.StatusInternalServerError}
	}
	return &ProblemDetails{
		Type:     pt.uri,
		Title:    pt.title,
		Status:   pt.status,
		Detail:   e.Message,
		Instance: instance,
		Errors:   e.Fields,
	}
}

// NewUnauthorizedError creates an unauthorized error problem
func NewUnauthorizedError(detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     TypeUnauthorized,
		Title:    "Unauthorized",
		Status:   http.StatusUnauthorized,
		Detail:   detail,
		Instance: instance,
	}
}

// NewInternalError creates an internal server error problem
func NewInternalError(detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     TypeInternalError,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	}
}

// Problem converts any error into problem details. Errors outside the
// taxonomy become internal errors and do not leak their message.
func Problem(err error, instance string) *ProblemDetails {
	var pd *ProblemDetails
	if As(err, &pd) {
		return pd
	}
	var e *Error
	if As(err, &e) {
		return e.ToProblemDetails(instance)
	}
	return NewInternalError("internal error", instance)
}
