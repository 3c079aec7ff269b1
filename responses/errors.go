package responses

import (
	"github.com/pkg/errors"
	"github.com/richinex/cortex/backend"
	"github.com/richinex/cortex/llm"
)

// ErrorKind is the caller-visible failure class of a Create call.
type ErrorKind string

const (
	// KindNotFound: the previous response is unknown or was created with
	// store=false. Never retried internally.
	KindNotFound ErrorKind = "not_found"
	// KindPersist: conversation state could not be read or written.
	KindPersist ErrorKind = "persist_error"
	// KindConfiguration: the backend could not be configured.
	KindConfiguration ErrorKind = "configuration_error"
	// KindGeneration: the model collaborator failed.
	KindGeneration ErrorKind = "generation_error"
	// KindInvalidRequest: the request was rejected before any I/O.
	KindInvalidRequest ErrorKind = "invalid_request"
)

// Error is the only error type returned by Service.Create.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// ResponseID is set only for persist errors that happened after a reply
	// was generated; the conversation can be continued from it.
	ResponseID string `json:"response_id,omitempty"`
	// GenerationKind is set for generation errors.
	GenerationKind llm.ErrorKind `json:"generation_kind,omitempty"`
	// Err is the underlying cause, for logs. It is not part of Message.
	Err error `json:"-"`
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == kind
}

// FromConfigError converts a backend selection failure into an *Error.
// Other errors pass through unchanged.
func FromConfigError(err error) error {
	if err == nil {
		return nil
	}
	var cfgErr *backend.ConfigError
	if errors.As(err, &cfgErr) {
		return &Error{Kind: KindConfiguration, Message: cfgErr.Error(), Err: err}
	}
	return err
}

func notFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func persistError(msg, responseID string, cause error) *Error {
	return &Error{Kind: KindPersist, Message: msg, ResponseID: responseID, Err: cause}
}

func generationError(cause error) *Error {
	ge := llm.ClassifyError("", cause)
	return &Error{
		Kind:           KindGeneration,
		Message:        "model generation failed (" + string(ge.Kind) + ")",
		GenerationKind: ge.Kind,
		Err:            cause,
	}
}
