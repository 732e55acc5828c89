package stream

import (
	"encoding/json"
	"strings"

	"balungpisah/pkg/ai"
	"balungpisah/pkg/domain"
)

// historyMessages converts stored messages into model history. Assistant
// blocks are replayed in index order: tool calls attach to the preceding
// assistant message and each tool result becomes a tool message.
func historyMessages(msgs []domain.Message) []ai.ChatMessage {
	out := make([]ai.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case domain.RoleUserMessage:
			out = append(out, ai.ChatMessage{Role: "user", Content: userText(msg.Content)})
		case domain.RoleAssistantMessage:
			out = append(out, assistantMessages(msg.Blocks)...)
		}
	}
	return out
}

func assistantMessages(blocks []domain.Block) []ai.ChatMessage {
	var (
		out     []ai.ChatMessage
		current *ai.ChatMessage
	)
	flush := func() {
		if current != nil && (current.Content != "" || len(current.ToolCalls) > 0) {
			out = append(out, *current)
		}
		current = nil
	}
	open := func() *ai.ChatMessage {
		if current == nil {
			current = &ai.ChatMessage{Role: "assistant"}
		}
		return current
	}
	answered := make(map[string]bool)
	for _, b := range blocks {
		if b.Type == domain.BlockToolResult {
			answered[b.ToolCallID] = true
		}
	}
	for _, b := range blocks {
		switch b.Type {
		case domain.BlockText:
			m := open()
			if len(m.ToolCalls) > 0 {
				flush()
				m = open()
			}
			m.Content += b.Text
		case domain.BlockThought:
			// Reasoning is not replayed to the model.
		case domain.BlockToolCall:
			// A call without a result would leave the model waiting on it.
			if !answered[b.ToolCallID] {
				continue
			}
			m := open()
			m.ToolCalls = append(m.ToolCalls, ai.ToolCall{ID: b.ToolCallID, Name: b.ToolName, Arguments: b.Arguments})
		case domain.BlockToolResult:
			flush()
			out = append(out, ai.ChatMessage{Role: "tool", ToolCallID: b.ToolCallID, Content: resultContent(b)})
		}
	}
	flush()
	return out
}

func resultContent(b domain.Block) string {
	if b.Success {
		return string(b.Result)
	}
	toolErr := b.Error
	if toolErr == nil {
		toolErr = &domain.ToolError{Code: "tool_error", Message: "unknown failure"}
	}
	payload, _ := json.Marshal(map[string]any{"error": toolErr})
	return string(payload)
}

// userText flattens user content for the model. Files are listed by reference
// so the model knows evidence was attached.
func userText(parts []domain.ContentPart) string {
	var sb strings.Builder
	for _, part := range parts {
		var line string
		switch part.Type {
		case domain.ContentText:
			line = part.Text
		case domain.ContentFile:
			if part.File == nil {
				continue
			}
			ref := part.File.URL
			if ref == "" {
				ref = part.File.ID
			}
			line = "[Lampiran: " + ref
			if part.File.ContentType != "" {
				line += " (" + part.File.ContentType + ")"
			}
			line += "]"
		case domain.ContentFileData:
			line = "[Lampiran data: " + part.MimeType + "]"
		}
		if line == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(line)
	}
	return sb.String()
}
