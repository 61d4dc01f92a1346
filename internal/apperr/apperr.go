// Package apperr defines the error taxonomy shared by the session core and
// the HTTP boundary.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Kind string

const (
	KindConfiguration        Kind = "configuration_error"
	KindValidation           Kind = "validation_error"
	KindDecryption           Kind = "decryption_failure"
	KindPersistence          Kind = "persistence_failure"
	KindConnectionNotFound   Kind = "connection_not_found"
	KindPipelineConstruction Kind = "pipeline_construction_failure"
	KindNotFound             Kind = "not_found"
	KindInternal             Kind = "internal_error"
)

// Error is a classified failure. Op names the operation that failed and
// Provider is set for configuration errors about a missing service key.
type Error struct {
	Kind     Kind
	Op       string
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(string(e.Kind))
	}
	if e.Message != "" && e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so callers can test errors.Is(err, apperr.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrConnectionNotFound = &Error{Kind: KindConnectionNotFound}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrPersistence        = &Error{Kind: KindPersistence}
	ErrPipeline           = &Error{Kind: KindPipelineConstruction}
)

func Configuration(provider string) error {
	return &Error{
		Kind:     KindConfiguration,
		Provider: provider,
		Message:  fmt.Sprintf("Service `%s` not available in SERVICE_API_KEYS. Please check your environment variables.", provider),
	}
}

func Validation(op, message string) error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

func NotFound(op, message string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

func ConnectionNotFound(pcID string) error {
	return &Error{Kind: KindConnectionNotFound, Op: "renegotiate", Message: fmt.Sprintf("peer connection %q not found", pcID)}
}

func Persistence(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

func Pipeline(op string, err error) error {
	return &Error{Kind: KindPipelineConstruction, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code surfaced at the request boundary.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound, KindConnectionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Code is the machine readable code written next to the message in error bodies.
func Code(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return string(KindOf(err))
}
