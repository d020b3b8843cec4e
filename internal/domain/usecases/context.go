package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

const (
	// DefaultRetrievalTopK is how many chunks retrieval injects.
	DefaultRetrievalTopK = 8
	// MaxFileContextChars caps each file's injected preview.
	MaxFileContextChars = 4000
)

// ContextAssembler builds the ordered prompt for one exchange.
type ContextAssembler struct {
	conversations ports.ConversationRepository
	versions      *VersionGroupManager
	files         *FileLifecycle
	embedder      ports.EmbeddingService
	search        ports.VectorSearch
	topK          int
	logger        *log.Logger
}

// NewContextAssembler creates a ContextAssembler. embedder and search may be
// nil, which disables retrieval.
func NewContextAssembler(
	conversations ports.ConversationRepository,
	versions *VersionGroupManager,
	files *FileLifecycle,
	embedder ports.EmbeddingService,
	search ports.VectorSearch,
	topK int,
	logger *log.Logger,
) *ContextAssembler {
	if topK <= 0 {
		topK = DefaultRetrievalTopK
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ContextAssembler{
		conversations: conversations,
		versions:      versions,
		files:         files,
		embedder:      embedder,
		search:        search,
		topK:          topK,
		logger:        logger.WithPrefix("context"),
	}
}

// ContextInput is what the assembler needs beyond stored state.
type ContextInput struct {
	Conversation *entities.Conversation
	Query        string          // the new user message
	MessageFiles []entities.File // files attached to this message only
}

// Assemble returns, in order: safety text, group guidance, a hint naming this
// message's files, retrieved chunks, one entry per conversation file, then the
// visible history ending with the newest user turn. The new user message must
// already be persisted.
func (a *ContextAssembler) Assemble(ctx context.Context, in ContextInput) ([]entities.ChatMessage, error) {
	conv := in.Conversation

	visible, err := a.versions.ResolveVisibleHistory(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	out := historyMessages(visible)

	convFiles, err := a.files.ConversationFiles(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	// Layers are prepended bottom-up so the safety text ends up first.
	out = prepend(out, fileLayer(convFiles)...)
	if rag := a.retrieve(ctx, conv, in.Query, convFiles); rag != "" {
		out = prepend(out, system(rag))
	}
	if hint := targetingHint(in.MessageFiles); hint != "" {
		out = prepend(out, system(hint))
	}
	if guidance := a.groupGuidance(ctx, conv); guidance != "" {
		out = prepend(out, system(guidance))
	}
	if conv.SafetyText != "" {
		out = prepend(out, system(conv.SafetyText))
	}
	return out, nil
}

// historyMessages keeps the visible turns the model should see. Errored
// replies and empty rows carry nothing useful.
func historyMessages(visible []entities.Message) []entities.ChatMessage {
	out := make([]entities.ChatMessage, 0, len(visible))
	for _, m := range visible {
		if _, failed := m.Outcome.(entities.Errored); failed {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, entities.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (a *ContextAssembler) groupGuidance(ctx context.Context, conv *entities.Conversation) string {
	if conv.GroupID == "" {
		return ""
	}
	g, err := a.conversations.GetGroup(ctx, conv.GroupID)
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) {
			a.logger.Warn("loading group guidance failed", "group", conv.GroupID, "err", err)
		}
		return ""
	}
	return strings.TrimSpace(g.Guidance)
}

// retrieve is best-effort: any failure yields no retrieval layer.
func (a *ContextAssembler) retrieve(ctx context.Context, conv *entities.Conversation, query string, files []entities.File) string {
	if a.embedder == nil || a.search == nil || strings.TrimSpace(query) == "" {
		return ""
	}

	emb, err := a.embedder.Embed(ctx, query)
	if err != nil {
		a.logger.Warn("retrieval skipped, embedding failed", "conversation", conv.ID, "err", err)
		return ""
	}

	scope := entities.SearchScope{OwnerID: conv.OwnerID, ConversationID: conv.ID}
	for _, f := range files {
		scope.FileIDs = append(scope.FileIDs, f.ID)
	}
	results, err := a.search.Search(ctx, emb, scope, a.topK)
	if err != nil {
		a.logger.Warn("retrieval skipped, search failed", "conversation", conv.ID, "err", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	if len(results) > a.topK {
		results = results[:a.topK]
	}

	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = r.Chunk.Text
	}
	return "Relevant context retrieved from this conversation and its files:\n\n" + strings.Join(parts, "\n\n---\n\n")
}

func targetingHint(files []entities.File) string {
	if len(files) == 0 {
		return ""
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = fmt.Sprintf("%q", f.Filename)
	}
	return fmt.Sprintf("The user attached %s to this message. Focus your answer on these files.", strings.Join(names, ", "))
}

func fileLayer(files []entities.File) []entities.ChatMessage {
	out := make([]entities.ChatMessage, 0, len(files))
	for _, f := range files {
		out = append(out, system(fileEntry(f)))
	}
	return out
}

func fileEntry(f entities.File) string {
	switch {
	case f.ExtractionStatus == entities.ExtractionPending:
		return fmt.Sprintf("[File %q is still being processed; its content is not available yet.]", f.Filename)
	case f.ExtractionStatus == entities.ExtractionDone && strings.TrimSpace(f.TextPreview) != "":
		return fmt.Sprintf("Content of file %q:\n\n%s", f.Filename, truncateRunes(f.TextPreview, MaxFileContextChars))
	case strings.HasPrefix(f.MimeType, "image/"):
		return fmt.Sprintf("[File %q is an image with no extractable text.]", f.Filename)
	case f.ExtractionStatus == entities.ExtractionFailed:
		return fmt.Sprintf("[File %q could not be processed; its content is not available.]", f.Filename)
	default:
		return fmt.Sprintf("[File %q has no extractable text.]", f.Filename)
	}
}

func system(content string) entities.ChatMessage {
	return entities.ChatMessage{Role: entities.RoleSystem, Content: content}
}

func prepend(list []entities.ChatMessage, head ...entities.ChatMessage) []entities.ChatMessage {
	if len(head) == 0 {
		return list
	}
	out := make([]entities.ChatMessage, 0, len(head)+len(list))
	out = append(out, head...)
	return append(out, list...)
}
