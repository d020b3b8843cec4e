// Package usecases contains application business rules.
// Clean Architecture: Usecases orchestrate entities and depend on port interfaces.
// They contain NO framework code - just business logic over ports.
package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
)

// IngestUseCase turns text into embedding chunks in the vector index.
type IngestUseCase struct {
	embedder     ports.EmbeddingService
	embeddings   ports.EmbeddingRepository
	chunkSize    int
	chunkOverlap int
	logger       *log.Logger
}

// NewIngestUseCase creates an IngestUseCase with injected dependencies.
func NewIngestUseCase(
	embedder ports.EmbeddingService,
	embeddings ports.EmbeddingRepository,
	chunkSize, chunkOverlap int,
	logger *log.Logger,
) *IngestUseCase {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = DefaultChunkOverlap
	}
	if logger == nil {
		logger = log.Default()
	}
	return &IngestUseCase{
		embedder:     embedder,
		embeddings:   embeddings,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		logger:       logger,
	}
}

// IngestFile chunks and embeds the extracted text of a file. Chunks that fail
// to embed are skipped. Returns the number of chunks stored, which is zero
// when the file was released before its chunks could be written.
func (uc *IngestUseCase) IngestFile(ctx context.Context, f *entities.File, text string) (int, error) {
	return uc.ingest(ctx, entities.EmbeddingChunk{
		OwnerID:    f.OwnerID,
		SourceType: entities.SourceFileChunk,
		SourceID:   f.ID,
	}, text)
}

// IngestMessage embeds a persisted message, scoped to its conversation.
func (uc *IngestUseCase) IngestMessage(ctx context.Context, m *entities.Message) (int, error) {
	return uc.ingest(ctx, entities.EmbeddingChunk{
		OwnerID:        m.OwnerID,
		ConversationID: m.ConversationID,
		SourceType:     entities.SourceMessage,
		SourceID:       m.ID,
	}, m.Content)
}

func (uc *IngestUseCase) ingest(ctx context.Context, tmpl entities.EmbeddingChunk, text string) (int, error) {
	pieces := ChunkText(text, uc.chunkSize, uc.chunkOverlap)
	if len(pieces) == 0 {
		return 0, nil
	}

	chunks := make([]entities.EmbeddingChunk, 0, len(pieces))
	for i, piece := range pieces {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		emb, err := uc.embedder.Embed(ctx, piece)
		if err != nil {
			uc.logger.Debug("skipping chunk", "source", tmpl.SourceID, "index", i, "err", err)
			continue
		}
		c := tmpl
		c.ID = uuid.NewString()
		c.ChunkIndex = i
		c.Text = piece
		c.Embedding = emb
		chunks = append(chunks, c)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	// Re-ingesting a source replaces its chunks.
	if err := uc.embeddings.DeleteBySource(ctx, tmpl.SourceType, tmpl.SourceID); err != nil {
		return 0, fmt.Errorf("clearing old chunks: %w", err)
	}
	if err := uc.embeddings.Store(ctx, chunks); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			uc.logger.Debug("source deleted while embedding, dropping chunks", "source", tmpl.SourceID)
			return 0, nil
		}
		return 0, fmt.Errorf("storing chunks: %w", err)
	}
	return len(chunks), nil
}

// ChunkText splits text into pieces of at most size characters, each
// starting overlap characters before the previous one ended. Cuts fall on
// the last whitespace inside the window when there is one.
func ChunkText(text string, size, overlap int) []string {
	content := []rune(strings.TrimSpace(text))
	if len(content) == 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	start := 0
	for start < len(content) {
		end := start + size
		if end > len(content) {
			end = len(content)
		}

		// Try to break at word boundary
		if end < len(content) {
			for i := end - 1; i > start; i-- {
				if unicode.IsSpace(content[i]) {
					end = i
					break
				}
			}
		}

		if piece := strings.TrimSpace(string(content[start:end])); piece != "" {
			chunks = append(chunks, piece)
		}
		if end >= len(content) {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}
