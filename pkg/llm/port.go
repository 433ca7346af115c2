// Package llm defines the ChatPort the processor drives and its Anthropic
// implementation. Sessions are process-local: the adapter keeps per-session
// message history so the processor can send deltas while the provider API
// stays stateless.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrSessionNotFound is returned when a session ID is unknown (already
// closed or never created).
var ErrSessionNotFound = errors.New("chat session not found")

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name      string
	ToolUseID string
	Args      json.RawMessage
}

// Chunk is one element of a model response stream: a text fragment, a
// function call, or the end-of-message marker.
type Chunk struct {
	Text         string
	FunctionCall *FunctionCall
	Done         bool
}

// Stream yields response chunks. Recv returns io.EOF after the final
// chunk. Close releases the underlying stream; safe to call twice.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// ToolDef declares a callable tool to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChatParams configures a chat session at creation.
type ChatParams struct {
	Tools []ToolDef
}

// ChatPort is the LLM adapter surface the processor consumes.
type ChatPort interface {
	// CreateChat opens a session bound to the given system prompt and tools.
	CreateChat(ctx context.Context, systemPrompt string, params ChatParams) (string, error)

	// ChatSend appends a user message and streams the model response.
	ChatSend(ctx context.Context, sessionID, userMessage string) (Stream, error)

	// ChatReportToolResult feeds a tool result back and streams the
	// continuation.
	ChatReportToolResult(ctx context.Context, sessionID, toolUseID, resultText string) (Stream, error)

	// CloseChat discards a session. Unknown IDs are a no-op.
	CloseChat(sessionID string)

	// Generate is the one-shot stateless fallback used when a session's
	// stream fails.
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
