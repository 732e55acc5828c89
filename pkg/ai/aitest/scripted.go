// Package aitest provides deterministic model doubles for tests.
package aitest

import (
	"context"
	"errors"
	"io"
	"sync"

	"balungpisah/pkg/ai"
)

// Turn is the scripted output of one StreamChat call. Err, when set, is returned
// by Recv after all chunks have been delivered.
type Turn struct {
	Chunks []ai.Chunk
	Err    error
	// OpenErr fails StreamChat itself.
	OpenErr error
}

// ScriptedChat replays one Turn per StreamChat call and records the requests.
type ScriptedChat struct {
	ModelName string

	mu       sync.Mutex
	turns    []Turn
	requests []ai.ChatRequest
}

func NewScriptedChat(turns ...Turn) *ScriptedChat {
	return &ScriptedChat{ModelName: "scripted-model", turns: turns}
}

func (s *ScriptedChat) Model() string {
	return s.ModelName
}

func (s *ScriptedChat) StreamChat(ctx context.Context, req ai.ChatRequest) (ai.ChatStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.turns) == 0 {
		return nil, errors.New("scripted chat: no turns left")
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	if turn.OpenErr != nil {
		return nil, turn.OpenErr
	}
	return &scriptedStream{ctx: ctx, chunks: turn.Chunks, err: turn.Err}, nil
}

// Requests returns a copy of every request received so far.
func (s *ScriptedChat) Requests() []ai.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ai.ChatRequest(nil), s.requests...)
}

type scriptedStream struct {
	ctx    context.Context
	chunks []ai.Chunk
	err    error
}

func (s *scriptedStream) Recv() (ai.Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return ai.Chunk{}, err
	}
	if len(s.chunks) == 0 {
		if s.err != nil {
			return ai.Chunk{}, s.err
		}
		return ai.Chunk{}, io.EOF
	}
	next := s.chunks[0]
	s.chunks = s.chunks[1:]
	return next, nil
}

func (s *scriptedStream) Close() error { return nil }

// Text is a shorthand for a text delta chunk.
func Text(s string) ai.Chunk { return ai.Chunk{Kind: ai.ChunkText, Text: s} }

// Thought is a shorthand for a reasoning delta chunk.
func Thought(s string) ai.Chunk { return ai.Chunk{Kind: ai.ChunkThought, Text: s} }

// ToolStart opens a tool call at index idx.
func ToolStart(idx int, id, name string) ai.Chunk {
	return ai.Chunk{Kind: ai.ChunkToolCall, ToolIndex: idx, ToolCallID: id, ToolName: name}
}

// ToolArgs appends an argument fragment to the tool call at index idx.
func ToolArgs(idx int, fragment string) ai.Chunk {
	return ai.Chunk{Kind: ai.ChunkToolCall, ToolIndex: idx, Arguments: fragment}
}

// Finish ends the turn with reason.
func Finish(reason string) ai.Chunk { return ai.Chunk{Kind: ai.ChunkFinish, FinishReason: reason} }

// Usage reports token counts.
func Usage(in, out int) ai.Chunk {
	return ai.Chunk{Kind: ai.ChunkUsage, Usage: ai.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}}
}

// StaticGenerator returns a fixed answer or error from GenerateText.
type StaticGenerator struct {
	mu      sync.Mutex
	Answers []string
	Errs    []error
	Prompts []string
}

func (g *StaticGenerator) GenerateText(_ context.Context, _, userPrompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Prompts = append(g.Prompts, userPrompt)
	if len(g.Errs) > 0 {
		err := g.Errs[0]
		g.Errs = g.Errs[1:]
		if err != nil {
			return "", err
		}
	}
	if len(g.Answers) == 0 {
		return "", errors.New("static generator: no answers left")
	}
	answer := g.Answers[0]
	if len(g.Answers) > 1 {
		g.Answers = g.Answers[1:]
	}
	return answer, nil
}
