package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"
)

// MessagesClient is the subset of the Anthropic SDK the adapter uses.
// Satisfied by *sdk.MessageService; tests substitute a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the Anthropic adapter.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Anthropic implements ChatPort on the Claude Messages API.
type Anthropic struct {
	msg  MessagesClient
	opts Options

	mu       sync.Mutex
	sessions map[string]*chatSession
}

// chatSession holds the provider-side conversation state for one event.
// Access is serialized by the processor's per-event mutex; the adapter's
// own lock only guards the session table.
type chatSession struct {
	system  string
	tools   []sdk.ToolUnionParam
	history []sdk.MessageParam
}

// NewAnthropic creates the adapter on an existing Messages client.
func NewAnthropic(msg MessagesClient, opts Options) (*Anthropic, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		return nil, errors.New("max_tokens must be positive")
	}
	return &Anthropic{
		msg:      msg,
		opts:     opts,
		sessions: make(map[string]*chatSession),
	}, nil
}

// NewAnthropicFromAPIKey constructs the adapter with the default SDK
// HTTP client.
func NewAnthropicFromAPIKey(apiKey string, opts Options) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&ac.Messages, opts)
}

// CreateChat implements ChatPort.
func (a *Anthropic) CreateChat(_ context.Context, systemPrompt string, params ChatParams) (string, error) {
	tools, err := encodeTools(params.Tools)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	a.mu.Lock()
	a.sessions[id] = &chatSession{system: systemPrompt, tools: tools}
	a.mu.Unlock()
	return id, nil
}

// ChatSend implements ChatPort.
func (a *Anthropic) ChatSend(ctx context.Context, sessionID, userMessage string) (Stream, error) {
	return a.send(ctx, sessionID, sdk.NewUserMessage(sdk.NewTextBlock(userMessage)))
}

// ChatReportToolResult implements ChatPort.
func (a *Anthropic) ChatReportToolResult(ctx context.Context, sessionID, toolUseID, resultText string) (Stream, error) {
	return a.send(ctx, sessionID, sdk.NewUserMessage(sdk.NewToolResultBlock(toolUseID, resultText, false)))
}

// CloseChat implements ChatPort.
func (a *Anthropic) CloseChat(sessionID string) {
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
}

// Generate implements ChatPort: a single non-streaming completion with no
// session state and no tools.
func (a *Anthropic) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := a.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.opts.Model),
		MaxTokens: int64(a.opts.MaxTokens),
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(userPrompt))},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic generate: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(sdk.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String(), nil
}

func (a *Anthropic) session(sessionID string) (*chatSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// send appends the message to the session history and opens a response
// stream. The assistant reply joins the history only once the stream
// completes cleanly; a failed stream leaves the session for the caller to
// discard.
func (a *Anthropic) send(ctx context.Context, sessionID string, msg sdk.MessageParam) (Stream, error) {
	sess, err := a.session(sessionID)
	if err != nil {
		return nil, err
	}
	sess.history = append(sess.history, msg)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(a.opts.Model),
		MaxTokens: int64(a.opts.MaxTokens),
		Messages:  sess.history,
	}
	if sess.system != "" {
		params.System = []sdk.TextBlockParam{{Text: sess.system}}
	}
	if len(sess.tools) > 0 {
		params.Tools = sess.tools
		// One tool_use per assistant message: tool results are reported
		// back one at a time.
		params.ToolChoice = sdk.ToolChoiceUnionParam{
			OfAuto: &sdk.ToolChoiceAutoParam{DisableParallelToolUse: sdk.Bool(true)},
		}
	}
	if a.opts.Temperature > 0 {
		params.Temperature = sdk.Float(a.opts.Temperature)
	}

	sse := a.msg.NewStreaming(ctx, params)
	return newChunkStream(ctx, sse, func(final *sdk.Message) {
		sess.history = append(sess.history, final.ToParam())
	}), nil
}

// encodeTools translates ToolDefs into SDK tool params.
func encodeTools(defs []ToolDef) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("tool name is required")
		}
		schema := sdk.ToolInputSchemaParam{}
		if def.InputSchema != nil {
			schema.ExtraFields = def.InputSchema
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}
