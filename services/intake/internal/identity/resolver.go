// Package identity maps client-supplied thread and message ids onto stored
// rows before a chat turn starts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"balungpisah/pkg/domain"
	"balungpisah/pkg/storage"
	"balungpisah/pkg/store"
)

const titleRunes = 80

// Request is the identity part of a chat request. Both ids are optional.
type Request struct {
	ThreadID      string
	UserMessageID string
	Content       []domain.ContentPart
}

// Result is the state a chat turn starts from.
type Result struct {
	Thread        domain.Thread
	UserMessage   domain.Message
	ThreadCreated bool
	// Edited is set when an existing user message was overwritten and the
	// rest of the thread dropped.
	Edited bool
}

// Resolver applies the create, append and edit rules for client ids.
type Resolver struct {
	store store.ConversationStore
	files *storage.FileResolver
	now   func() time.Time
}

// NewResolver builds a resolver. files may be nil when attachments are not configured.
func NewResolver(st store.ConversationStore, files *storage.FileResolver) *Resolver {
	return &Resolver{store: st, files: files, now: func() time.Time { return time.Now().UTC() }}
}

// Resolve persists the user message for this turn and returns the thread it lives in.
func (r *Resolver) Resolve(ctx context.Context, user domain.AuthenticatedUser, req Request) (Result, error) {
	if strings.TrimSpace(user.UserID) == "" {
		return Result{}, fmt.Errorf("%w: user required", ErrForbidden)
	}
	content, err := r.normalizeContent(ctx, req.Content)
	if err != nil {
		return Result{}, err
	}

	threadID := strings.TrimSpace(req.ThreadID)
	msgID := strings.TrimSpace(req.UserMessageID)

	// An existing message pins the thread; check it before anything is written.
	var existing *domain.Message
	if msgID != "" {
		found, ok, err := r.store.GetMessage(ctx, msgID)
		if err != nil {
			return Result{}, fmt.Errorf("lookup user message: %w", err)
		}
		if ok {
			if threadID == "" || found.ThreadID != threadID {
				return Result{}, fmt.Errorf("%w: message %s belongs to another thread", ErrForbidden, msgID)
			}
			existing = &found
		}
	}

	thread, created, err := r.resolveThread(ctx, user, threadID, content)
	if err != nil {
		return Result{}, err
	}
	res := Result{Thread: thread, ThreadCreated: created}

	if existing != nil {
		return r.edit(ctx, res, *existing, content)
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}

	msg, err := r.store.AppendMessage(ctx, domain.Message{
		ID:        msgID,
		ThreadID:  thread.ID,
		Role:      domain.RoleUserMessage,
		Content:   content,
		CreatedAt: r.now(),
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		// Another request stored the same client id first; treat it as an edit.
		existing, found, lookupErr := r.store.GetMessage(ctx, msgID)
		if lookupErr != nil {
			return Result{}, fmt.Errorf("lookup user message: %w", lookupErr)
		}
		if !found {
			return Result{}, fmt.Errorf("%w: message %s", ErrNotFound, msgID)
		}
		return r.edit(ctx, res, existing, content)
	case errors.Is(err, store.ErrNotFound):
		return Result{}, fmt.Errorf("%w: thread %s", ErrNotFound, thread.ID)
	case err != nil:
		return Result{}, fmt.Errorf("append user message: %w", err)
	}
	res.UserMessage = msg
	return res, nil
}

func (r *Resolver) resolveThread(ctx context.Context, user domain.AuthenticatedUser, threadID string, content []domain.ContentPart) (domain.Thread, bool, error) {
	if threadID != "" {
		thread, found, err := r.store.GetThread(ctx, threadID)
		if err != nil {
			return domain.Thread{}, false, fmt.Errorf("lookup thread: %w", err)
		}
		if found {
			if thread.UserID != user.UserID {
				return domain.Thread{}, false, fmt.Errorf("%w: thread %s", ErrForbidden, threadID)
			}
			return thread, false, nil
		}
	} else {
		threadID = uuid.NewString()
	}

	now := r.now()
	thread := domain.Thread{
		ID:        threadID,
		UserID:    user.UserID,
		OrgID:     user.OrgID,
		Title:     Title(content),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := r.store.CreateThread(ctx, thread)
	if errors.Is(err, store.ErrConflict) {
		existing, found, lookupErr := r.store.GetThread(ctx, threadID)
		if lookupErr != nil {
			return domain.Thread{}, false, fmt.Errorf("lookup thread: %w", lookupErr)
		}
		if !found {
			return domain.Thread{}, false, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
		}
		if existing.UserID != user.UserID {
			return domain.Thread{}, false, fmt.Errorf("%w: thread %s", ErrForbidden, threadID)
		}
		return existing, false, nil
	}
	if err != nil {
		return domain.Thread{}, false, fmt.Errorf("create thread: %w", err)
	}
	return thread, true, nil
}

func (r *Resolver) edit(ctx context.Context, res Result, existing domain.Message, content []domain.ContentPart) (Result, error) {
	if existing.ThreadID != res.Thread.ID {
		return Result{}, fmt.Errorf("%w: message %s belongs to another thread", ErrForbidden, existing.ID)
	}
	if existing.Role != domain.RoleUserMessage {
		return Result{}, fmt.Errorf("%w: message %s is not a user message", ErrInvalidRequest, existing.ID)
	}
	msg, err := r.store.EditUserMessage(ctx, res.Thread.ID, existing.ID, content)
	switch {
	case errors.Is(err, store.ErrWrongThread):
		return Result{}, fmt.Errorf("%w: message %s belongs to another thread", ErrForbidden, existing.ID)
	case errors.Is(err, store.ErrNotUserTurn):
		return Result{}, fmt.Errorf("%w: message %s is not a user message", ErrInvalidRequest, existing.ID)
	case errors.Is(err, store.ErrNotFound):
		return Result{}, fmt.Errorf("%w: message %s", ErrNotFound, existing.ID)
	case err != nil:
		return Result{}, fmt.Errorf("edit user message: %w", err)
	}
	res.UserMessage = msg
	res.Edited = true
	return res, nil
}

func (r *Resolver) normalizeContent(ctx context.Context, parts []domain.ContentPart) ([]domain.ContentPart, error) {
	out := make([]domain.ContentPart, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case domain.ContentText:
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			out = append(out, domain.ContentPart{Type: domain.ContentText, Text: text})
		case domain.ContentFile:
			if part.File == nil {
				return nil, fmt.Errorf("%w: file part needs file", ErrInvalidRequest)
			}
			out = append(out, part)
		case domain.ContentFileData:
			if strings.TrimSpace(part.MimeType) == "" || part.Data == "" {
				return nil, fmt.Errorf("%w: file_data part needs mime_type and data", ErrInvalidRequest)
			}
			out = append(out, part)
		default:
			return nil, fmt.Errorf("%w: unknown content type %q", ErrInvalidRequest, part.Type)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}
	if r.files != nil {
		resolved, err := r.files.ResolveParts(ctx, out)
		if err != nil {
			if errors.Is(err, storage.ErrUnresolvableFile) || errors.Is(err, storage.ErrObjectNotFound) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			return nil, err
		}
		out = resolved
	} else {
		for _, part := range out {
			if part.Type == domain.ContentFile && strings.TrimSpace(part.File.ID) == "" && strings.TrimSpace(part.File.URL) == "" {
				return nil, fmt.Errorf("%w: file part needs file id or url", ErrInvalidRequest)
			}
		}
	}
	return out, nil
}

// Title derives a thread title from the first text part.
func Title(parts []domain.ContentPart) string {
	for _, part := range parts {
		if part.Type != domain.ContentText {
			continue
		}
		text := strings.Join(strings.Fields(part.Text), " ")
		if text == "" {
			continue
		}
		if utf8.RuneCountInString(text) <= titleRunes {
			return text
		}
		return string([]rune(text)[:titleRunes])
	}
	return "Laporan baru"
}
