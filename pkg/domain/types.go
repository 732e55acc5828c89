package domain

import "time"

type UserRole string

const (
	RoleCitizen  UserRole = "citizen"
	RoleOfficer  UserRole = "officer"
	RoleAdmin    UserRole = "admin"
	RoleReviewer UserRole = "reviewer"
)

// AuthenticatedUser is the caller identity handed over by the auth layer.
type AuthenticatedUser struct {
	UserID string   `json:"user_id"`
	OrgID  string   `json:"org_id,omitempty"`
	Role   UserRole `json:"role"`
}

type MessageRole string

const (
	RoleUserMessage      MessageRole = "user"
	RoleAssistantMessage MessageRole = "assistant"
)

type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID           string        `json:"id"`
	ThreadID     string        `json:"thread_id"`
	Role         MessageRole   `json:"role"`
	Seq          int64         `json:"seq"`
	Content      []ContentPart `json:"content,omitempty"`
	Blocks       []Block       `json:"blocks,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Model        string        `json:"model,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// PlainText joins the text carried by a message, whichever role produced it.
func (m Message) PlainText() string {
	var out []byte
	appendText := func(s string) {
		if s == "" {
			return
		}
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = append(out, s...)
	}
	for _, part := range m.Content {
		if part.Type == ContentText {
			appendText(part.Text)
		}
	}
	for _, block := range m.Blocks {
		if block.Type == BlockText {
			appendText(block.Text)
		}
	}
	return string(out)
}

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentFile     ContentType = "file"
	ContentFileData ContentType = "file_data"
)

// ContentPart is one element of a user message.
type ContentPart struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	File     *File       `json:"file,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
	Data     string      `json:"data,omitempty"`
}

// File is an opaque storage reference. File bytes are never read here.
type File struct {
	ID          string `json:"id,omitempty"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}
