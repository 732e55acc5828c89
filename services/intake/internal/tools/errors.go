package tools

import "errors"

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Error codes reported in tool_result blocks and tool.execution_failed events.
const (
	CodeUnknownTool = "unknown_tool"
	CodeTimeout     = "timeout"
	CodeToolError   = "tool_error"
	CodeCancelled   = "cancelled"
)
