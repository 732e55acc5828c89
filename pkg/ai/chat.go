package ai

import (
	"context"
	"encoding/json"
)

// ChatMessage is one entry of the conversation history sent to a chat model.
type ChatMessage struct {
	Role       string // system, user, assistant, tool
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec advertises a callable tool. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type ChatRequest struct {
	System      string
	Messages    []ChatMessage
	Tools       []ToolSpec
	MaxTokens   int
	Temperature *float64
}

type ChunkKind int

const (
	ChunkText ChunkKind = iota + 1
	ChunkThought
	ChunkToolCall
	ChunkUsage
	ChunkFinish
)

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Chunk is one incremental piece of model output.
//
// Text and thought chunks carry a fragment in Text. Tool call chunks are keyed by
// ToolIndex; the first chunk of a call carries ToolCallID and ToolName and later ones
// only append to Arguments.
type Chunk struct {
	Kind         ChunkKind
	Text         string
	Signature    string
	ToolIndex    int
	ToolCallID   string
	ToolName     string
	Arguments    string
	Usage        Usage
	FinishReason string
}

// ChatStream yields chunks until Recv returns io.EOF.
type ChatStream interface {
	Recv() (Chunk, error)
	Close() error
}

// ChatStreamer starts streaming chat completions.
type ChatStreamer interface {
	Model() string
	StreamChat(ctx context.Context, req ChatRequest) (ChatStream, error)
}
