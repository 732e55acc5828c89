// Package events defines the named events of a chat turn and the emitter
// that serializes them onto a session's channel.
package events

import (
	"encoding/json"

	"balungpisah/pkg/ai"
	"balungpisah/pkg/domain"
)

type Type string

const (
	MessageStarted   Type = "message.started"
	BlockCreated     Type = "block.created"
	BlockDelta       Type = "block.delta"
	BlockCompleted   Type = "block.completed"
	ToolStarted      Type = "tool.execution_started"
	ToolCompleted    Type = "tool.execution_completed"
	ToolFailed       Type = "tool.execution_failed"
	MessageUsage     Type = "message.usage"
	MessageCompleted Type = "message.completed"
	Error            Type = "error"
)

// Error codes carried by terminal error events.
const (
	CodeUpstream    = "upstream_error"
	CodePersistence = "persistence_error"
	CodeEnqueue     = "enqueue_error"
)

// Event is one named server-sent event. Data is JSON encoded on the wire.
type Event struct {
	Type Type
	Data any
}

// Terminal reports whether no further events follow e.
func (e Event) Terminal() bool {
	return e.Type == MessageCompleted || e.Type == Error
}

type MessageStartedData struct {
	MessageID     string `json:"message_id"`
	ThreadID      string `json:"thread_id"`
	UserMessageID string `json:"user_message_id"`
	Model         string `json:"model"`
}

type BlockCreatedData struct {
	MessageID  string           `json:"message_id"`
	BlockID    string           `json:"block_id"`
	Index      int              `json:"index"`
	Type       domain.BlockType `json:"type"`
	ToolName   string           `json:"tool_name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type BlockDeltaData struct {
	MessageID string `json:"message_id"`
	Index     int    `json:"index"`
	Delta     string `json:"delta"`
}

// BlockCompletedData carries the finished block. FinalContent is the
// accumulated text for text and thought blocks and the raw argument string
// for tool_call blocks.
type BlockCompletedData struct {
	MessageID    string       `json:"message_id"`
	Index        int          `json:"index"`
	FinalContent string       `json:"final_content"`
	Block        domain.Block `json:"block"`
}

type ToolStartedData struct {
	MessageID  string `json:"message_id"`
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
}

type ToolCompletedData struct {
	MessageID  string          `json:"message_id"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Result     json.RawMessage `json:"result"`
	DurationMS int64           `json:"duration_ms"`
}

type ToolFailedData struct {
	MessageID  string           `json:"message_id"`
	ToolCallID string           `json:"tool_call_id"`
	ToolName   string           `json:"tool_name"`
	Error      domain.ToolError `json:"error"`
	DurationMS int64            `json:"duration_ms"`
}

type MessageUsageData struct {
	MessageID string `json:"message_id"`
	ai.Usage
}

type MessageCompletedData struct {
	MessageID    string `json:"message_id"`
	FinishReason string `json:"finish_reason"`
	BlockCount   int    `json:"block_count"`
}

type ErrorData struct {
	MessageID string `json:"message_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
