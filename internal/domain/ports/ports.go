// Package ports defines interfaces for external dependencies.
// Clean Architecture: These are the boundaries - usecases depend on these abstractions,
// not concrete implementations. Adapters implement these interfaces.
package ports

import (
	"context"
	"errors"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// ConversationRepository persists conversations and their topic groups.
type ConversationRepository interface {
	Create(ctx context.Context, c *entities.Conversation) error
	Get(ctx context.Context, id string) (*entities.Conversation, error)
	UpdateTitle(ctx context.Context, id, title string) error
	PinModel(ctx context.Context, id, modelID string) error
	SetArchived(ctx context.Context, id string, archived bool) error
	// SetSafeMode stores the flag together with the safety text frozen for it.
	SetSafeMode(ctx context.Context, id string, enabled bool, safetyText string) error
	// ListByOwner returns the owner's conversations, most recently updated first.
	ListByOwner(ctx context.Context, ownerID string) ([]entities.Conversation, error)

	// Delete removes the conversation, its messages, their embeddings and
	// every link row pointing at them, in one transaction.
	Delete(ctx context.Context, id string) error

	CreateGroup(ctx context.Context, g *entities.Group) error
	GetGroup(ctx context.Context, id string) (*entities.Group, error)
}

// MessageRepository persists messages.
type MessageRepository interface {
	Insert(ctx context.Context, m *entities.Message) error
	Get(ctx context.Context, id string) (*entities.Message, error)

	// ListByConversation returns all messages in creation order.
	ListByConversation(ctx context.Context, conversationID string) ([]entities.Message, error)

	// Next returns the message created right after m in its conversation, or ErrNotFound.
	Next(ctx context.Context, m *entities.Message) (*entities.Message, error)

	// PromoteToGroup tags the given messages as version 1 of groupID, but only
	// rows whose version_group_id is still NULL. Returns the number of rows changed.
	PromoteToGroup(ctx context.Context, groupID string, messageIDs []string) (int64, error)

	// MaxVersion returns the highest version_number in the group.
	MaxVersion(ctx context.Context, groupID string) (int, error)
}

// Release describes the effect of dropping one reference to a file.
// When Orphaned is true the file row and its embeddings are already gone and
// File carries the object keys left to clean up.
type Release struct {
	File     *entities.File
	Orphaned bool
}

// FileRepository persists files and the two link tables that reference them.
type FileRepository interface {
	// Create inserts a new file row. Returns ErrDuplicate when (owner, hash) exists.
	Create(ctx context.Context, f *entities.File) error
	Get(ctx context.Context, id string) (*entities.File, error)
	FindByHash(ctx context.Context, ownerID, hash string) (*entities.File, error)
	UpdateExtraction(ctx context.Context, id string, status entities.ExtractionStatus, textKey, preview string) error

	// LinkConversation and LinkMessage are idempotent.
	LinkConversation(ctx context.Context, fileID, conversationID string) error
	LinkMessage(ctx context.Context, fileID, messageID string) error

	// UnlinkConversation, UnlinkMessage and ReleaseIfOrphaned each run the
	// delete-link, count, cascade sequence in a single transaction.
	// UnlinkConversation also drops the links from that conversation's messages.
	UnlinkConversation(ctx context.Context, fileID, conversationID string) (Release, error)
	UnlinkMessage(ctx context.Context, fileID, messageID string) (Release, error)
	ReleaseIfOrphaned(ctx context.Context, fileID string) (Release, error)

	// ListByConversation returns files linked to the conversation or to any of its messages, oldest first.
	ListByConversation(ctx context.Context, conversationID string) ([]entities.File, error)
}

// ErrDuplicate is returned when a unique constraint rejects an insert.
var ErrDuplicate = errors.New("duplicate")

// EmbeddingRepository persists embedding chunks.
type EmbeddingRepository interface {
	// Store returns ErrNotFound, writing nothing, when a chunk's source row is gone.
	Store(ctx context.Context, chunks []entities.EmbeddingChunk) error
	DeleteBySource(ctx context.Context, sourceType entities.SourceType, sourceID string) error
}

// VectorSearch finds the most similar chunks to a query embedding within a scope.
type VectorSearch interface {
	Search(ctx context.Context, embedding []float32, scope entities.SearchScope, topK int) ([]entities.ScoredChunk, error)
}

// EmbeddingService generates vector embeddings for text.
type EmbeddingService interface {
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts efficiently.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// CompletionRequest is one chat-completion call.
type CompletionRequest struct {
	Model     entities.ModelInfo
	Messages  []entities.ChatMessage
	MaxTokens int // 0 = backend default
}

// StreamToken represents a single token in a streaming LLM response.
// The final token has Done set and carries Usage when the backend reports it.
type StreamToken struct {
	Content string
	Done    bool
	Usage   *entities.UsageStats
	Error   error
}

// CompletionService generates chat responses from a language model.
type CompletionService interface {
	// Stream produces a streaming response. The channel is closed after a
	// token with Done or Error set, or when ctx is cancelled.
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamToken, error)

	// Complete produces a whole response in one call.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// ModelRegistry resolves models and the system-wide active model.
type ModelRegistry interface {
	// Lookup finds a model by name and host. Returns ErrNotFound when unknown.
	Lookup(ctx context.Context, name, host string) (*entities.ModelInfo, error)
	// ByID finds a model by registry id. Returns ErrNotFound when unknown.
	ByID(ctx context.Context, id string) (*entities.ModelInfo, error)
	// Active returns the system-wide active model, or ErrNotFound when none is set.
	Active(ctx context.Context) (*entities.ModelInfo, error)
}

// ObjectStore stores opaque blobs by key.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// TextExtractor extracts text from binary document formats (PDF, DOCX, plain text).
type TextExtractor interface {
	// Supports reports whether the extractor handles the given mime type or filename.
	Supports(mimeType, filename string) bool

	// Extract returns the text content of data.
	Extract(ctx context.Context, data []byte, mimeType, filename string) (string, error)
}

// SafetyRules provides the current global safety text frozen into safe-mode conversations.
type SafetyRules interface {
	Current(ctx context.Context) (string, error)
}

// EventSink receives the exchange wire protocol. Implementations must be
// safe for concurrent use: heartbeats fire from their own goroutine.
type EventSink interface {
	Emit(ev entities.StreamEvent) error
	Heartbeat() error
}

// FileWatcher monitors a directory for changes.
type FileWatcher interface {
	// Watch starts monitoring the directory and emits events.
	Watch(ctx context.Context, dir string) (<-chan FileEvent, error)

	// Stop stops the watcher.
	Stop() error
}

// FileEvent represents a file system change.
type FileEvent struct {
	Path      string
	Operation FileOperation
}

// FileOperation is the type of file change.
type FileOperation int

const (
	FileCreated FileOperation = iota
	FileModified
	FileDeleted
)
