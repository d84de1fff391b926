package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/MeKo-Tech/leafy/internal/classify"
)

// Kind classifies gateway failures.
type Kind int

const (
	KindInternal Kind = iota
	KindClientInput
	KindUnsupportedCrop
	KindNotLeaf
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindClientInput:
		return "client_input"
	case KindUnsupportedCrop:
		return "unsupported_crop"
	case KindNotLeaf:
		return "not_leaf"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error is the only error type returned by Gateway operations. Message is
// safe to show to clients; Err carries the cause for logs.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Status overrides the default HTTP status of the kind (413, 415).
	Status int
	// Leaf is set when the leaf gate rejected the upload.
	Leaf *classify.LeafValidation
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error to a response status.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindClientInput, KindUnsupportedCrop:
		return http.StatusBadRequest
	case KindNotLeaf:
		return http.StatusUnprocessableEntity
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindInternal
}

// HTTPStatus returns the response status for any error.
func HTTPStatus(err error) int {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the client-facing text of err. Internal failures
// never expose their cause.
func PublicMessage(err error) string {
	var gerr *Error
	if errors.As(err, &gerr) && gerr.Message != "" {
		return gerr.Message
	}
	return "internal server error"
}

func clientError(op, msg string, status int, cause error) *Error {
	return &Error{Kind: KindClientInput, Op: op, Message: msg, Status: status, Err: cause}
}

func internalError(op, msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: msg, Err: cause}
}

func upstreamError(op, msg string, cause error) *Error {
	return &Error{Kind: KindUpstream, Op: op, Message: msg, Err: cause}
}
