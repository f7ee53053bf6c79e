package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// Client performs one batch embedding call against a hosted model. The
// returned slice is parallel to texts. Implementations do not retry.
type Client interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// StatusError is a non-2xx response from an embedding API.
type StatusError struct {
	// Backend names the provider ("openai", "ollama", "gemini").
	Backend string
	// Code is the HTTP status code.
	Code int
	// Message is the provider's error text.
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s embedder: HTTP %d: %s", e.Backend, e.Code, e.Message)
}

// errorClass groups failures by how the resilient wrapper handles them.
type errorClass int

const (
	classTransient errorClass = iota
	classConfig
	classBadRequest
	classCanceled
)

// classify decides whether err is worth another attempt. parent is the
// caller's context, used to tell a per-call timeout from a cancellation.
func classify(parent context.Context, err error) errorClass {
	if parent.Err() != nil {
		return classCanceled
	}
	if errors.Is(err, rag.ErrConfiguration) {
		return classConfig
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return classConfig
		case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
			return classBadRequest
		}
	}
	return classTransient
}

// apiResponse is a decoded JSON body that may carry a provider error.
type apiResponse interface {
	errorText() string
}

// postJSON sends in as a JSON POST to url and decodes the reply into out.
// Non-2xx replies become a *StatusError carrying the provider's message
// when the body decoded cleanly.
func postJSON(ctx context.Context, hc *http.Client, backend, url string, header http.Header, in any, out apiResponse) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s embedder: marshal request: %w", backend, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s embedder: create request: %w", backend, err)
	}
	maps.Copy(req.Header, header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s embedder: request failed: %w", backend, err)
	}
	defer resp.Body.Close()

	decodeErr := json.NewDecoder(resp.Body).Decode(out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && out.errorText() != "" {
			msg = out.errorText()
		}
		return &StatusError{Backend: backend, Code: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("%s embedder: decode response: %w", backend, decodeErr)
	}
	return nil
}

// defaultHTTPClient returns hc, or a fresh client when hc is nil.
func defaultHTTPClient(hc *http.Client) *http.Client {
	if hc == nil {
		return &http.Client{}
	}
	return hc
}
