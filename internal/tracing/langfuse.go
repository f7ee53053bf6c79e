// Package tracing wires optional Langfuse tracing into generator calls.
package tracing

import (
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// DefaultHost is the Langfuse API used when LANGFUSE_HOST is unset.
const DefaultHost = "http://localhost:3000"

// Setup initialises the Langfuse callback handler if LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY are set. The returned flush function must be called
// before process exit so buffered traces are sent. When Langfuse is not
// configured it returns nil, a no-op flush and false.
func Setup() (callbacks.Handler, func(), bool) {
	publicKey := os.Getenv("LANGFUSE_PUBLIC_KEY")
	secretKey := os.Getenv("LANGFUSE_SECRET_KEY")
	if publicKey == "" || secretKey == "" {
		return nil, func() {}, false
	}
	host := os.Getenv("LANGFUSE_HOST")
	if host == "" {
		host = DefaultHost
	}

	handler, flusher := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      host,
		PublicKey: publicKey,
		SecretKey: secretKey,
		Name:      "ragkit",
		Tags:      []string{"rag"},
	})
	return handler, flusher, true
}

// Handlers returns the configured handlers, empty when tracing is off.
func Handlers() ([]callbacks.Handler, func()) {
	h, flush, ok := Setup()
	if !ok {
		return nil, flush
	}
	return []callbacks.Handler{h}, flush
}
