// Package qerrors defines the error taxonomy shared by every Quorum
// component. Errors carry a Kind so callers can branch with errors.Is
// without parsing messages, and a Cause they can unwrap with errors.As.
package qerrors

import (
	"fmt"
	"time"
)

// Kind enumerates the error categories a Quorum component can raise.
type Kind string

const (
	KindParser        Kind = "parser"
	KindDatabase      Kind = "database"
	KindValidation    Kind = "validation"
	KindSecurity      Kind = "security"
	KindAIEngine      Kind = "ai_engine"
	KindUpdate        Kind = "update"
	KindConfiguration Kind = "configuration"
)

// sentinel errors usable with errors.Is for kind-only matching.
var (
	ErrParser        = &Error{Kind: KindParser, Message: "parser error"}
	ErrDatabase      = &Error{Kind: KindDatabase, Message: "database error"}
	ErrValidation    = &Error{Kind: KindValidation, Message: "validation error"}
	ErrSecurity      = &Error{Kind: KindSecurity, Message: "security error"}
	ErrAIEngine      = &Error{Kind: KindAIEngine, Message: "ai engine error"}
	ErrUpdate        = &Error{Kind: KindUpdate, Message: "update error"}
	ErrConfiguration = &Error{Kind: KindConfiguration, Message: "configuration error"}
)

// Error is the standard error type returned by Quorum components.
type Error struct {
	Kind      Kind
	Component string
	Operation string
	Message   string
	Cause     error
	Metadata  map[string]interface{}
	Timestamp time.Time
}

func newError(kind Kind, component, operation, message string) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Operation: operation,
		Message:   message,
		Metadata:  make(map[string]interface{}),
		Timestamp: time.Now().UTC(),
	}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse to the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so callers can write errors.Is(err, qerrors.ErrDatabase).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Wrap sets the cause and returns the receiver for chaining.
func (e *Error) Wrap(cause error) *Error {
	e.Cause = cause
	return e
}

// WithMeta attaches a metadata key/value pair.
func (e *Error) WithMeta(key string, value interface{}) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Fields renders the error as logrus.Fields-compatible map for structured logging.
func (e *Error) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"error_kind":      string(e.Kind),
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_message":   e.Message,
		"error_timestamp": e.Timestamp,
	}
	if e.Cause != nil {
		f["error_cause"] = e.Cause.Error()
	}
	for k, v := range e.Metadata {
		f["error_meta_"+k] = v
	}
	return f
}

func Parser(component, operation, message string) *Error {
	return newError(KindParser, component, operation, message)
}

func Database(component, operation, message string) *Error {
	return newError(KindDatabase, component, operation, message)
}

func Validation(component, operation, message string) *Error {
	return newError(KindValidation, component, operation, message)
}

func Security(component, operation, message string) *Error {
	return newError(KindSecurity, component, operation, message)
}

func AIEngine(component, operation, message string) *Error {
	return newError(KindAIEngine, component, operation, message)
}

func Update(component, operation, message string) *Error {
	return newError(KindUpdate, component, operation, message)
}

func Configuration(component, operation, message string) *Error {
	return newError(KindConfiguration, component, operation, message)
}
