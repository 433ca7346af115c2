package llm

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// chunkStream adapts an Anthropic SSE stream to the Stream interface. A
// background goroutine consumes SSE events and emits Chunks; tool-use
// input JSON is buffered per content block and surfaced as one
// FunctionCall chunk when the block ends.
//
// The consumer goroutine always drains the response to its end, even after
// Close: the session history must record the complete assistant message
// (including its tool_use blocks) or the next request in the session is
// malformed. Close stops chunk delivery and blocks until the drain and the
// history commit are done.
type chunkStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	sse    *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan Chunk
	done   chan struct{}

	mu       sync.Mutex
	finalErr error
	closed   bool

	// onComplete runs once when the response is fully consumed without
	// error, receiving the accumulated assistant message.
	onComplete func(*sdk.Message)
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func newChunkStream(ctx context.Context, sse *ssestream.Stream[sdk.MessageStreamEventUnion], onComplete func(*sdk.Message)) *chunkStream {
	cctx, cancel := context.WithCancel(ctx)
	s := &chunkStream{
		ctx:        cctx,
		cancel:     cancel,
		sse:        sse,
		chunks:     make(chan Chunk, 32),
		done:       make(chan struct{}),
		onComplete: onComplete,
	}
	go s.run()
	return s
}

// Recv implements Stream.
func (s *chunkStream) Recv() (Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return Chunk{}, err
		}
		return Chunk{}, io.EOF
	case <-s.ctx.Done():
		return Chunk{}, s.ctx.Err()
	}
}

// Close implements Stream. Delivery stops immediately; the call blocks
// until the consumer goroutine has drained the response and committed the
// assistant message, so a ChatReportToolResult issued right after Close
// sees complete history.
func (s *chunkStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return s.sse.Close()
}

func (s *chunkStream) setErr(err error) {
	s.mu.Lock()
	if s.finalErr == nil {
		s.finalErr = err
	}
	s.mu.Unlock()
}

func (s *chunkStream) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

func (s *chunkStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *chunkStream) run() {
	defer close(s.done)
	defer close(s.chunks)
	defer func() { _ = s.sse.Close() }()

	var acc sdk.Message
	toolBlocks := make(map[int]*toolBuffer)

	for s.sse.Next() {
		event := s.sse.Current()
		if err := acc.Accumulate(event); err != nil {
			s.setErr(err)
			return
		}

		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolBlocks[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text != "" {
					s.emit(Chunk{Text: delta.Text})
				}
			case sdk.InputJSONDelta:
				if tb := toolBlocks[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if tb, ok := toolBlocks[int(ev.Index)]; ok {
				delete(toolBlocks, int(ev.Index))
				args := strings.Join(tb.fragments, "")
				if args == "" {
					args = "{}"
				}
				s.emit(Chunk{FunctionCall: &FunctionCall{
					Name:      tb.name,
					ToolUseID: tb.id,
					Args:      json.RawMessage(args),
				}})
			}
		case sdk.MessageStopEvent:
			s.emit(Chunk{Done: true})
		}
	}

	if err := s.sse.Err(); err != nil {
		s.setErr(err)
		return
	}
	// A cancelled parent context (not a Close) aborts without committing;
	// the partial message must not enter the history.
	if err := s.ctx.Err(); err != nil && !s.isClosed() {
		s.setErr(err)
		return
	}
	if s.onComplete != nil {
		s.onComplete(&acc)
	}
}

// emit delivers a chunk to the consumer, or drops it once Close has been
// called. Consumption continues either way so the message accumulates
// fully.
func (s *chunkStream) emit(chunk Chunk) {
	select {
	case s.chunks <- chunk:
	case <-s.ctx.Done():
	}
}
