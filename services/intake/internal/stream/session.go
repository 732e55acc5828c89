// Package stream drives one assistant turn and renders it as named
// server-sent events.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"balungpisah/internal/util"
	"balungpisah/pkg/ai"
	"balungpisah/pkg/domain"
	"balungpisah/services/intake/internal/events"
	"balungpisah/services/intake/internal/tools"
)

const (
	defaultMaxToolIterations = 10
	persistTimeout           = 10 * time.Second

	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishMaxTokens = "max_tokens"
	FinishError     = "error"
)

// ErrCancelled is returned by Run when the client went away mid-turn.
var ErrCancelled = errors.New("session cancelled")

// errStopped marks an emitter that no longer accepts events.
var errStopped = errors.New("event stream closed")

// TurnError is a terminal failure that was reported to the client as an
// error event.
type TurnError struct {
	Code string
	Err  error
}

func (e *TurnError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *TurnError) Unwrap() error { return e.Err }

// Store is the persistence a session needs.
type Store interface {
	ListMessages(ctx context.Context, threadID string) ([]domain.Message, error)
	PersistCompletedMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	EnqueueReportJob(ctx context.Context, thread domain.Thread) (domain.ReportJob, bool, error)
}

type Config struct {
	Model             ai.ChatStreamer
	Tools             *tools.Registry
	Coordinator       *tools.Coordinator
	Store             Store
	SystemPrompt      string
	MaxToolIterations int
	MaxTokens         int
	Temperature       *float64
}

// Turn identifies the conversation position a session answers.
type Turn struct {
	User        domain.AuthenticatedUser
	Thread      domain.Thread
	UserMessage domain.Message
}

// Result summarizes a finished session.
type Result struct {
	MessageID    string
	Message      domain.Message
	FinishReason string
	Usage        ai.Usage
	Job          domain.ReportJob
	JobCreated   bool
}

// Session produces one assistant message. It is the only producer of events
// for that message apart from the tool coordinator, which shares the emitter.
type Session struct {
	cfg       Config
	turn      Turn
	em        events.Emitter
	messageID string
	model     string

	blocks   []domain.Block
	builders map[int]*strings.Builder
	callIDs  map[string]struct{}
	usage    ai.Usage
	hasUsage bool
}

func NewSession(cfg Config, turn Turn, em events.Emitter) *Session {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = defaultMaxToolIterations
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Coordinator == nil {
		cfg.Coordinator = tools.NewCoordinator(cfg.Tools, tools.CoordinatorConfig{})
	}
	return &Session{
		cfg:       cfg,
		turn:      turn,
		em:        em,
		messageID: uuid.NewString(),
		model:     cfg.Model.Model(),
		builders:  make(map[int]*strings.Builder),
		callIDs:   make(map[string]struct{}),
	}
}

func (s *Session) MessageID() string { return s.messageID }

// iteration is the state of one model call within the turn.
type iteration struct {
	text   strings.Builder
	calls  []int
	args   map[int]map[string]any
	finish string
}

// Run drives the turn to completion. On success the message is persisted and a
// report job enqueued before message.completed is emitted.
func (s *Session) Run(ctx context.Context) (Result, error) {
	logger := util.LoggerFromContext(ctx).With(
		"thread_id", s.turn.Thread.ID,
		"message_id", s.messageID,
	)

	if err := s.emit(ctx, events.MessageStarted, events.MessageStartedData{
		MessageID:     s.messageID,
		ThreadID:      s.turn.Thread.ID,
		UserMessageID: s.turn.UserMessage.ID,
		Model:         s.model,
	}); err != nil {
		return s.cancelled(ctx, logger)
	}

	history, err := s.cfg.Store.ListMessages(ctx, s.turn.Thread.ID)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled(ctx, logger)
		}
		return s.fail(ctx, logger, events.CodePersistence, "could not load the conversation", err)
	}
	req := ai.ChatRequest{
		System:      s.cfg.SystemPrompt,
		Messages:    historyMessages(history),
		Tools:       s.cfg.Tools.Specs(),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}

	inv := tools.Invocation{User: s.turn.User, Thread: s.turn.Thread}
	finish := FinishStop
	for iter := 0; ; iter++ {
		it, err := s.streamIteration(ctx, req)
		if err != nil {
			if s.stopped(ctx, err) {
				return s.cancelled(ctx, logger)
			}
			return s.fail(ctx, logger, events.CodeUpstream, "the assistant is unavailable, please try again", err)
		}
		if len(it.calls) == 0 {
			finish = finishReason(it.finish)
			break
		}

		var calls []tools.Call
		for _, pos := range it.calls {
			b := s.blocks[pos]
			if b.ParseError == "" {
				calls = append(calls, tools.Call{ID: b.ToolCallID, Name: b.ToolName, Arguments: it.args[pos]})
			}
		}
		outcomes, err := s.cfg.Coordinator.Execute(ctx, s.em, s.messageID, inv, calls)
		if err != nil {
			return s.cancelled(ctx, logger)
		}
		byCall := make(map[string]tools.Outcome, len(outcomes))
		for _, out := range outcomes {
			if err := s.addToolResult(ctx, out); err != nil {
				return s.cancelled(ctx, logger)
			}
			byCall[out.CallID] = out
		}

		assistant := ai.ChatMessage{Role: "assistant", Content: it.text.String()}
		var replies []ai.ChatMessage
		for _, pos := range it.calls {
			b := s.blocks[pos]
			assistant.ToolCalls = append(assistant.ToolCalls, ai.ToolCall{ID: b.ToolCallID, Name: b.ToolName, Arguments: b.Arguments})
			content := byCall[b.ToolCallID].ModelContent()
			if b.ParseError != "" {
				content = parseErrorContent(b.ParseError)
			}
			replies = append(replies, ai.ChatMessage{Role: "tool", ToolCallID: b.ToolCallID, Content: content})
		}
		req.Messages = append(req.Messages, assistant)
		req.Messages = append(req.Messages, replies...)

		if iter+1 >= s.cfg.MaxToolIterations {
			finish = FinishToolCalls
			logger.Warn("tool iteration limit reached", "iterations", iter+1)
			break
		}
	}

	if s.hasUsage {
		if err := s.emit(ctx, events.MessageUsage, events.MessageUsageData{MessageID: s.messageID, Usage: s.usage}); err != nil {
			return s.cancelled(ctx, logger)
		}
	}

	stored, err := s.cfg.Store.PersistCompletedMessage(ctx, s.message(s.blocks, finish))
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled(ctx, logger)
		}
		return s.fail(ctx, logger, events.CodePersistence, "could not save the assistant message", err)
	}
	res := Result{MessageID: s.messageID, Message: stored, FinishReason: finish, Usage: s.usage}

	job, created, err := s.cfg.Store.EnqueueReportJob(ctx, s.turn.Thread)
	if err != nil {
		if ctx.Err() != nil {
			return res, ErrCancelled
		}
		_, turnErr := s.fail(ctx, logger, events.CodeEnqueue, "could not queue the report for processing", err)
		return res, turnErr
	}
	res.Job, res.JobCreated = job, created
	logger.Info("report job enqueued", "job_id", job.ID, "report_id", job.ReportID, "created", created)

	if err := s.emit(ctx, events.MessageCompleted, events.MessageCompletedData{
		MessageID:    s.messageID,
		FinishReason: finish,
		BlockCount:   len(s.blocks),
	}); err != nil {
		return res, ErrCancelled
	}
	return res, nil
}

// streamIteration consumes one model stream. Blocks are created, extended and
// completed as chunks arrive; tool-call blocks are completed with parsed
// arguments once the stream ends.
func (s *Session) streamIteration(ctx context.Context, req ai.ChatRequest) (*iteration, error) {
	it := &iteration{args: make(map[int]map[string]any)}
	stream, err := s.cfg.Model.StreamChat(ctx, req)
	if err != nil {
		return it, err
	}
	defer stream.Close()

	openText := -1
	toolPos := make(map[int]int)
	closeText := func() error {
		if openText < 0 {
			return nil
		}
		pos := openText
		openText = -1
		return s.complete(ctx, pos)
	}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if s.stopped(ctx, err) {
				return it, err
			}
			// Close what was started so every block.created gets its
			// block.completed before the terminal error.
			_ = closeText()
			for _, pos := range it.calls {
				s.blocks[pos].ParseError = "arguments incomplete: stream interrupted"
				_ = s.complete(ctx, pos)
			}
			it.calls = nil
			return it, err
		}

		switch chunk.Kind {
		case ai.ChunkText, ai.ChunkThought:
			typ := domain.BlockText
			if chunk.Kind == ai.ChunkThought {
				typ = domain.BlockThought
			}
			if chunk.Text == "" && chunk.Signature == "" {
				continue
			}
			if openText >= 0 && s.blocks[openText].Type != typ {
				if err := closeText(); err != nil {
					return it, err
				}
			}
			if openText < 0 {
				pos, err := s.create(ctx, domain.Block{Type: typ})
				if err != nil {
					return it, err
				}
				openText = pos
			}
			if chunk.Signature != "" {
				s.blocks[openText].Signature = chunk.Signature
			}
			if chunk.Text != "" {
				if err := s.delta(ctx, openText, chunk.Text); err != nil {
					return it, err
				}
				if typ == domain.BlockText {
					it.text.WriteString(chunk.Text)
				}
			}
		case ai.ChunkToolCall:
			if err := closeText(); err != nil {
				return it, err
			}
			pos, ok := toolPos[chunk.ToolIndex]
			if !ok {
				pos, err = s.create(ctx, domain.Block{
					Type:       domain.BlockToolCall,
					ToolName:   chunk.ToolName,
					ToolCallID: s.uniqueCallID(chunk.ToolCallID),
				})
				if err != nil {
					return it, err
				}
				toolPos[chunk.ToolIndex] = pos
				it.calls = append(it.calls, pos)
			} else if s.blocks[pos].ToolName == "" && chunk.ToolName != "" {
				s.blocks[pos].ToolName = chunk.ToolName
			}
			if chunk.Arguments != "" {
				if err := s.delta(ctx, pos, chunk.Arguments); err != nil {
					return it, err
				}
			}
		case ai.ChunkUsage:
			s.hasUsage = true
			s.usage.InputTokens += chunk.Usage.InputTokens
			s.usage.OutputTokens += chunk.Usage.OutputTokens
			s.usage.TotalTokens += chunk.Usage.TotalTokens
		case ai.ChunkFinish:
			it.finish = chunk.FinishReason
		}
	}

	if err := closeText(); err != nil {
		return it, err
	}
	for _, pos := range it.calls {
		b := &s.blocks[pos]
		if b.ToolName == "" {
			b.ToolName = "unknown"
			b.ParseError = "tool name missing"
		} else if args, err := s.cfg.Tools.ParseArguments(b.ToolName, s.builders[pos].String()); err != nil {
			b.ParseError = err.Error()
		} else {
			it.args[pos] = args
			b.Parsed, _ = json.Marshal(args)
		}
		if err := s.complete(ctx, pos); err != nil {
			return it, err
		}
	}
	return it, nil
}

func (s *Session) create(ctx context.Context, b domain.Block) (int, error) {
	pos := len(s.blocks)
	b.ID = uuid.NewString()
	b.MessageID = s.messageID
	b.Index = pos
	s.blocks = append(s.blocks, b)
	s.builders[pos] = &strings.Builder{}
	err := s.emit(ctx, events.BlockCreated, events.BlockCreatedData{
		MessageID:  s.messageID,
		BlockID:    b.ID,
		Index:      b.Index,
		Type:       b.Type,
		ToolName:   b.ToolName,
		ToolCallID: b.ToolCallID,
	})
	return pos, err
}

func (s *Session) delta(ctx context.Context, pos int, fragment string) error {
	s.builders[pos].WriteString(fragment)
	return s.emit(ctx, events.BlockDelta, events.BlockDeltaData{
		MessageID: s.messageID,
		Index:     s.blocks[pos].Index,
		Delta:     fragment,
	})
}

// complete seals a block with its accumulated content. The final content is
// always the builder contents, so it equals the concatenated deltas.
func (s *Session) complete(ctx context.Context, pos int) error {
	b := &s.blocks[pos]
	if b.Completed {
		return nil
	}
	final := s.builders[pos].String()
	switch b.Type {
	case domain.BlockText, domain.BlockThought:
		b.Text = final
	case domain.BlockToolCall:
		b.Arguments = final
	case domain.BlockToolResult:
		final = resultContent(*b)
	}
	b.Completed = true
	return s.emit(ctx, events.BlockCompleted, events.BlockCompletedData{
		MessageID:    s.messageID,
		Index:        b.Index,
		FinalContent: final,
		Block:        *b,
	})
}

func (s *Session) addToolResult(ctx context.Context, out tools.Outcome) error {
	pos, err := s.create(ctx, out.Block())
	if err != nil {
		return err
	}
	return s.complete(ctx, pos)
}

func (s *Session) emit(ctx context.Context, typ events.Type, data any) error {
	if err := s.em.Emit(ctx, events.Event{Type: typ, Data: data}); err != nil {
		return fmt.Errorf("%w: %v", errStopped, err)
	}
	return nil
}

func (s *Session) stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, errStopped)
}

func (s *Session) uniqueCallID(id string) string {
	id = strings.TrimSpace(id)
	if _, taken := s.callIDs[id]; id == "" || taken {
		id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	s.callIDs[id] = struct{}{}
	return id
}

func (s *Session) message(blocks []domain.Block, finish string) domain.Message {
	return domain.Message{
		ID:           s.messageID,
		ThreadID:     s.turn.Thread.ID,
		Role:         domain.RoleAssistantMessage,
		Blocks:       blocks,
		FinishReason: finish,
		Model:        s.model,
		CreatedAt:    time.Now().UTC(),
	}
}

// persistPartial stores the completed blocks of an aborted turn. It runs on a
// context detached from the request so a disconnect does not lose them.
func (s *Session) persistPartial(ctx context.Context, logger *slog.Logger) {
	var done []domain.Block
	for _, b := range s.blocks {
		if b.Completed {
			done = append(done, b)
		}
	}
	if len(done) == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := s.cfg.Store.PersistCompletedMessage(pctx, s.message(done, FinishError)); err != nil {
		logger.Error("persist partial message failed", "err", err, "blocks", len(done))
	}
}

func (s *Session) cancelled(ctx context.Context, logger *slog.Logger) (Result, error) {
	logger.Info("chat session cancelled", "blocks", len(s.blocks))
	s.persistPartial(ctx, logger)
	return Result{MessageID: s.messageID, FinishReason: FinishError, Usage: s.usage}, ErrCancelled
}

func (s *Session) fail(ctx context.Context, logger *slog.Logger, code, msg string, cause error) (Result, error) {
	logger.Error("chat turn failed", "code", code, "err", cause)
	if code == events.CodeUpstream {
		s.persistPartial(ctx, logger)
	}
	_ = s.emit(ctx, events.Error, events.ErrorData{MessageID: s.messageID, Code: code, Message: msg})
	return Result{MessageID: s.messageID, FinishReason: FinishError, Usage: s.usage}, &TurnError{Code: code, Err: cause}
}

func finishReason(reason string) string {
	switch reason {
	case FinishMaxTokens:
		return FinishMaxTokens
	default:
		// A tool_calls finish without any call is treated as a normal stop.
		return FinishStop
	}
}

func parseErrorContent(parseErr string) string {
	payload, _ := json.Marshal(map[string]any{"error": domain.ToolError{Code: "invalid_arguments", Message: parseErr}})
	return string(payload)
}
