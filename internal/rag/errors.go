package rag

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every pipeline component. Callers classify
// failures with errors.Is; concrete errors wrap one of these.
var (
	// ErrConfiguration reports a missing or invalid credential, path, or
	// parameter. It is fatal and never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrRetrievalUnavailable reports that an embedding or vector-store call
	// exhausted its retries.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrGeneration is the umbrella for hosted model failures. Use
	// *GenerationError to inspect the kind.
	ErrGeneration = errors.New("generation failure")

	// ErrMalformedInput reports an unreadable or empty document.
	ErrMalformedInput = errors.New("malformed input")

	// ErrModelMismatch reports a vector whose embedding model or dimension
	// differs from the one the index was created with.
	ErrModelMismatch = errors.New("embedding model mismatch")
)

// GenerationKind distinguishes hosted model failures.
type GenerationKind string

const (
	// KindAuth is an invalid or missing credential.
	KindAuth GenerationKind = "auth_error"
	// KindRateLimited is a provider-side throttle.
	KindRateLimited GenerationKind = "rate_limited"
	// KindTimeout is a per-call deadline or gateway timeout.
	KindTimeout GenerationKind = "timeout"
	// KindContentRejected is a content-policy refusal.
	KindContentRejected GenerationKind = "content_rejected"
	// KindUnknown is anything the classifier did not recognise.
	KindUnknown GenerationKind = "unknown"
)

// GenerationError is returned by the generator for every failed model call.
type GenerationError struct {
	// Kind is the classified failure category.
	Kind GenerationKind
	// Err is the provider error as returned by the client.
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failure (%s): %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Is makes every GenerationError match ErrGeneration.
func (e *GenerationError) Is(target error) bool { return target == ErrGeneration }

// Retryable reports whether the failure may succeed on a later attempt.
func (e *GenerationError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTimeout
}

// GenerationKindOf returns the kind of the first GenerationError in err's
// chain, or "" when err is not a generation failure.
func GenerationKindOf(err error) GenerationKind {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// Configf builds an ErrConfiguration with a formatted message.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Malformedf builds an ErrMalformedInput with a formatted message.
func Malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, fmt.Sprintf(format, args...))
}
