package domain

import (
	"encoding/json"
	"fmt"
)

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThought    BlockType = "thought"
	BlockToolCall   BlockType = "tool_call"
	BlockToolResult BlockType = "tool_result"
)

// Block is a tagged union keyed by Type. Only the fields for that type are set.
type Block struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Type      BlockType `json:"type"`
	Index     int       `json:"index"`
	Completed bool      `json:"completed"`

	// text, thought
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_call
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	Parsed     json.RawMessage `json:"parsed_arguments,omitempty"`
	ParseError string          `json:"parse_error,omitempty"`

	// tool_result
	Success    bool            `json:"success,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ToolError      `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validate checks the payload fields required by the block's type.
func (b Block) Validate() error {
	switch b.Type {
	case BlockText, BlockThought:
		return nil
	case BlockToolCall:
		if b.ToolName == "" || b.ToolCallID == "" {
			return fmt.Errorf("tool_call block %d: tool name and call id required", b.Index)
		}
		return nil
	case BlockToolResult:
		if b.ToolCallID == "" {
			return fmt.Errorf("tool_result block %d: tool call id required", b.Index)
		}
		if !b.Success && b.Error == nil {
			return fmt.Errorf("tool_result block %d: failed result needs an error", b.Index)
		}
		return nil
	default:
		return fmt.Errorf("block %d: unknown type %q", b.Index, b.Type)
	}
}

// ValidateBlocks enforces block ordering and tool_result correlation for one message.
func ValidateBlocks(blocks []Block) error {
	calls := make(map[string]struct{})
	prev := -1
	for _, b := range blocks {
		if err := b.Validate(); err != nil {
			return err
		}
		if b.Index <= prev {
			return fmt.Errorf("block index %d not increasing after %d", b.Index, prev)
		}
		prev = b.Index
		switch b.Type {
		case BlockToolCall:
			if _, dup := calls[b.ToolCallID]; dup {
				return fmt.Errorf("duplicate tool_call_id %q", b.ToolCallID)
			}
			calls[b.ToolCallID] = struct{}{}
		case BlockToolResult:
			if _, ok := calls[b.ToolCallID]; !ok {
				return fmt.Errorf("tool_result %q has no matching tool_call", b.ToolCallID)
			}
		}
	}
	return nil
}
