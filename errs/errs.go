// Package errs provides structured error types and helpers for the platform core.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a failure category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the component is closed or temporarily unable to serve.
	CodeUnavailable Code = "unavailable"
	// CodeFetchFailed indicates a bulk fetch failed for a whole batch window.
	CodeFetchFailed Code = "fetch_failed"
	// CodeDeliveryFailed indicates a single subscriber could not handle an event.
	CodeDeliveryFailed Code = "delivery_failed"
	// CodeUpstream indicates an upstream service answered with a failure.
	CodeUpstream Code = "upstream"
	// CodeRateLimited indicates the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
)

// E captures structured error information produced across the platform core.
type E struct {
	Component   string
	Code        Code
	HTTP        int
	Message     string
	Remediation string
	Metadata    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		HTTP:        0,
		Message:     "",
		Remediation: "",
		Metadata:    nil,
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope found in the error chain, or "" when none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Is reports whether the error chain carries an envelope with the given code.
func Is(err error, code Code) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) || e == nil {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}
