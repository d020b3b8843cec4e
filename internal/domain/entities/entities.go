// Package entities contains core business entities.
// These are the enterprise business rules - pure domain objects with no external dependencies.
package entities

import "time"

// DefaultTitle is the placeholder title a conversation carries until one is generated.
const DefaultTitle = "New Chat"

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Conversation is a user-owned thread of messages.
// SafetyText is frozen at creation (or when safe mode is enabled) so later
// edits to the global rules never rewrite history.
type Conversation struct {
	ID            string
	OwnerID       string
	Title         string
	Archived      bool
	GroupID       string // empty when ungrouped
	SafeMode      bool
	SafetyText    string
	PinnedModelID string // empty when not pinned
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasDefaultTitle reports whether the title is still the placeholder.
func (c *Conversation) HasDefaultTitle() bool {
	return c.Title == "" || c.Title == DefaultTitle
}

// Group is a topic folder whose guidance is injected into every exchange of its conversations.
type Group struct {
	ID        string
	OwnerID   string
	Name      string
	Guidance  string
	CreatedAt time.Time
}

// Message is one turn in a conversation.
type Message struct {
	ID             string
	ConversationID string
	OwnerID        string
	Role           Role
	Content        string
	ModelID        string
	Outcome        Outcome // nil for user messages and legacy rows
	VersionGroupID string  // empty when the message was never edited
	VersionNumber  int
	CreatedAt      time.Time
}

// Grouped reports whether the message belongs to a version group.
func (m *Message) Grouped() bool {
	return m.VersionGroupID != ""
}

// ChatMessage is a role/content pair sent to the completion service.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ExtractionStatus tracks background text extraction of an uploaded file.
type ExtractionStatus string

const (
	ExtractionPending ExtractionStatus = "pending"
	ExtractionDone    ExtractionStatus = "done"
	ExtractionFailed  ExtractionStatus = "failed"
)

// File is a content-addressed upload. ContentHash is unique per owner.
type File struct {
	ID               string
	OwnerID          string
	Filename         string
	MimeType         string
	Size             int64
	ContentHash      string
	ObjectKey        string
	TextObjectKey    string
	TextPreview      string
	ExtractionStatus ExtractionStatus
	CreatedAt        time.Time
}

// SourceType identifies what an embedding chunk was derived from.
type SourceType string

const (
	SourceMessage   SourceType = "message"
	SourceFileChunk SourceType = "file_chunk"
)

// EmbeddingChunk is one embedded piece of text. Its lifecycle is tied to the source.
type EmbeddingChunk struct {
	ID             string
	OwnerID        string
	ConversationID string // empty for file chunks, which may be shared by conversations
	SourceType     SourceType
	SourceID       string
	ChunkIndex     int
	Text           string
	Embedding      []float32
}

// ScoredChunk is a vector search hit.
type ScoredChunk struct {
	Chunk EmbeddingChunk
	Score float64
}

// SearchScope restricts vector search. OwnerID is mandatory; when ConversationID
// or FileIDs are set, a chunk matches if it belongs to the conversation or to one of the files.
type SearchScope struct {
	OwnerID        string
	ConversationID string
	FileIDs        []string
}

// UsageStats is the final statistics record of a completion.
type UsageStats struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalDurationMS  int64 `json:"total_duration_ms,omitempty"`
	LoadDurationMS   int64 `json:"load_duration_ms,omitempty"`
	EvalDurationMS   int64 `json:"eval_duration_ms,omitempty"`
}
