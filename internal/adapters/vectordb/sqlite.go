// Package vectordb provides the embedding index.
// Clean Architecture: Adapter implementing ports.EmbeddingRepository and
// ports.VectorSearch over the shared SQLite database.
package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// SQLiteIndex stores embeddings as JSON arrays in the embeddings table and
// scores them by brute force. It shares the relational store's handle so
// conversation and file cascades can delete embeddings in the same transaction.
type SQLiteIndex struct {
	db *sqlx.DB
}

// NewSQLiteIndex wraps an open database that already carries the embeddings table.
func NewSQLiteIndex(db *sqlx.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

type embeddingRow struct {
	ID             string  `db:"id"`
	OwnerID        string  `db:"owner_id"`
	ConversationID *string `db:"conversation_id"`
	SourceType     string  `db:"source_type"`
	SourceID       string  `db:"source_id"`
	ChunkIndex     int     `db:"chunk_index"`
	Text           string  `db:"text"`
	Embedding      []byte  `db:"embedding"`
}

// sourceTables maps a chunk source type to the table holding its source rows.
var sourceTables = map[entities.SourceType]string{
	entities.SourceMessage:   "messages",
	entities.SourceFileChunk: "files",
}

// Store saves chunks with their embeddings. Every chunk's source row must
// still exist when the transaction runs; otherwise nothing is written and
// ports.ErrNotFound is returned, so a source deleted while it was being
// embedded leaves no chunks behind.
func (s *SQLiteIndex) Store(ctx context.Context, chunks []entities.EmbeddingChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	checked := make(map[[2]string]bool)
	for _, chunk := range chunks {
		key := [2]string{string(chunk.SourceType), chunk.SourceID}
		if checked[key] {
			continue
		}
		if err := sourceExists(ctx, tx, chunk.SourceType, chunk.SourceID); err != nil {
			return err
		}
		checked[key] = true
	}

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT OR REPLACE INTO embeddings (id, owner_id, conversation_id, source_type, source_id, chunk_index, text, embedding)
		VALUES (:id, :owner_id, :conversation_id, :source_type, :source_id, :chunk_index, :text, :embedding)
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		embeddingJSON, err := json.Marshal(chunk.Embedding)
		if err != nil {
			return fmt.Errorf("encoding embedding: %w", err)
		}
		row := embeddingRow{
			ID:         chunk.ID,
			OwnerID:    chunk.OwnerID,
			SourceType: string(chunk.SourceType),
			SourceID:   chunk.SourceID,
			ChunkIndex: chunk.ChunkIndex,
			Text:       chunk.Text,
			Embedding:  embeddingJSON,
		}
		if chunk.ConversationID != "" {
			conv := chunk.ConversationID
			row.ConversationID = &conv
		}
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return fmt.Errorf("inserting chunk: %w", err)
		}
	}

	return tx.Commit()
}

func sourceExists(ctx context.Context, tx *sqlx.Tx, sourceType entities.SourceType, sourceID string) error {
	table, ok := sourceTables[sourceType]
	if !ok {
		return fmt.Errorf("unknown source type %q", sourceType)
	}
	var n int
	if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, sourceID); err != nil {
		return fmt.Errorf("checking %s %s: %w", sourceType, sourceID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", sourceType, sourceID, ports.ErrNotFound)
	}
	return nil
}

// DeleteBySource removes every chunk derived from one message or file.
func (s *SQLiteIndex) DeleteBySource(ctx context.Context, sourceType entities.SourceType, sourceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE source_type = ? AND source_id = ?`, string(sourceType), sourceID)
	return err
}

// Search finds the most similar chunks to a query embedding within scope.
// The owner filter always applies. With a conversation or file list, a chunk
// matches if it belongs to the conversation or was cut from one of the files.
func (s *SQLiteIndex) Search(ctx context.Context, embedding []float32, scope entities.SearchScope, topK int) ([]entities.ScoredChunk, error) {
	if scope.OwnerID == "" {
		return nil, fmt.Errorf("search scope has no owner")
	}
	if topK <= 0 {
		return nil, nil
	}

	query, args, err := scopeQuery(scope)
	if err != nil {
		return nil, err
	}

	var rows []embeddingRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}

	results := make([]entities.ScoredChunk, 0, len(rows))
	for _, row := range rows {
		var vec []float32
		if err := json.Unmarshal(row.Embedding, &vec); err != nil {
			continue // Skip corrupted embeddings
		}
		chunk := entities.EmbeddingChunk{
			ID:         row.ID,
			OwnerID:    row.OwnerID,
			SourceType: entities.SourceType(row.SourceType),
			SourceID:   row.SourceID,
			ChunkIndex: row.ChunkIndex,
			Text:       row.Text,
			Embedding:  vec,
		}
		if row.ConversationID != nil {
			chunk.ConversationID = *row.ConversationID
		}
		results = append(results, entities.ScoredChunk{Chunk: chunk, Score: cosineSimilarity(embedding, vec)})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func scopeQuery(scope entities.SearchScope) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, owner_id, conversation_id, source_type, source_id, chunk_index, text, embedding
		FROM embeddings WHERE owner_id = ?`)
	args := []any{scope.OwnerID}

	var ors []string
	if scope.ConversationID != "" {
		ors = append(ors, `conversation_id = ?`)
		args = append(args, scope.ConversationID)
	}
	if len(scope.FileIDs) > 0 {
		ors = append(ors, `(source_type = ? AND source_id IN (?))`)
		args = append(args, string(entities.SourceFileChunk), scope.FileIDs)
	}
	if len(ors) > 0 {
		b.WriteString(` AND (` + strings.Join(ors, ` OR `) + `)`)
	}
	b.WriteString(` ORDER BY created_at, id`)

	if len(scope.FileIDs) == 0 {
		return b.String(), args, nil
	}
	return sqlx.In(b.String(), args...)
}

// cosineSimilarity calculates cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
