package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatChat streams chat completions from an OpenAI-compatible endpoint.
type OpenAICompatChat struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatChat builds a streaming chat client. The HTTP client has no overall
// timeout; request lifetime is bounded by the caller's context.
func NewOpenAICompatChat(baseURL, apiKey, model string) *OpenAICompatChat {
	return &OpenAICompatChat{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

func (c *OpenAICompatChat) Model() string {
	return c.model
}

// StreamChat opens a stream. Errors before the first byte are returned directly.
func (c *OpenAICompatChat) StreamChat(ctx context.Context, req ChatRequest) (ChatStream, error) {
	if c.model == "" {
		return nil, fmt.Errorf("openai-compat chat model required")
	}
	payload := oaiChatRequest{
		Model:         c.model,
		Messages:      toOAIMessages(req),
		Stream:        true,
		StreamOptions: &oaiStreamOptions{IncludeUsage: true},
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
	}
	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, oaiTool{
			Type: "function",
			Function: oaiToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	resp, err := postOpenAI(ctx, c.httpClient, c.baseURL, c.apiKey, payload)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &oaiStream{body: resp.Body, scanner: scanner}, nil
}

func toOAIMessages(req ChatRequest) []oaiMessage {
	out := make([]oaiMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		out = append(out, oaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msg := oaiMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, call := range m.ToolCalls {
			tc := oaiToolCall{ID: call.ID, Type: "function"}
			tc.Function.Name = call.Name
			tc.Function.Arguments = call.Arguments
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
		out = append(out, msg)
	}
	return out
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string        `json:"content"`
			ReasoningContent string        `json:"reasoning_content"`
			Reasoning        string        `json:"reasoning"`
			ToolCalls        []oaiToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// oaiStream turns server-sent "data:" lines into Chunks. One upstream event can
// produce several chunks, so decoded chunks are buffered in pending.
type oaiStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	pending []Chunk
	done    bool
}

func (s *oaiStream) Recv() (Chunk, error) {
	for len(s.pending) == 0 {
		if s.done {
			return Chunk{}, io.EOF
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Chunk{}, fmt.Errorf("read stream: %w", err)
			}
			s.done = true
			continue
		}
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			continue
		}
		var event oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return Chunk{}, fmt.Errorf("decode stream event: %w", err)
		}
		s.pending = append(s.pending, decodeOAIChunk(event)...)
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	return next, nil
}

func (s *oaiStream) Close() error {
	return s.body.Close()
}

func decodeOAIChunk(event oaiStreamChunk) []Chunk {
	var out []Chunk
	for _, choice := range event.Choices {
		reasoning := choice.Delta.ReasoningContent
		if reasoning == "" {
			reasoning = choice.Delta.Reasoning
		}
		if reasoning != "" {
			out = append(out, Chunk{Kind: ChunkThought, Text: reasoning})
		}
		if choice.Delta.Content != "" {
			out = append(out, Chunk{Kind: ChunkText, Text: choice.Delta.Content})
		}
		for i, call := range choice.Delta.ToolCalls {
			idx := i
			if call.Index != nil {
				idx = *call.Index
			}
			out = append(out, Chunk{
				Kind:       ChunkToolCall,
				ToolIndex:  idx,
				ToolCallID: call.ID,
				ToolName:   call.Function.Name,
				Arguments:  call.Function.Arguments,
			})
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			out = append(out, Chunk{Kind: ChunkFinish, FinishReason: normalizeFinish(*choice.FinishReason)})
		}
	}
	if event.Usage != nil {
		out = append(out, Chunk{Kind: ChunkUsage, Usage: Usage{
			InputTokens:  event.Usage.PromptTokens,
			OutputTokens: event.Usage.CompletionTokens,
			TotalTokens:  event.Usage.TotalTokens,
		}})
	}
	return out
}

func normalizeFinish(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_calls"
	case "stop", "end_turn":
		return "stop"
	default:
		return reason
	}
}
