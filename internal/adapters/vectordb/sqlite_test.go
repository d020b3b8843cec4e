package vectordb

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/0xcro3dile/localchat-go/internal/adapters/sqlstore"
	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

func newTestIndex(t *testing.T) (*SQLiteIndex, *sqlstore.Store) {
	t.Helper()
	store, err := sqlstore.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewSQLiteIndex(store.DB()), store
}

// addSources inserts the message and file rows chunks are cut from.
func addSources(t *testing.T, store *sqlstore.Store, messages map[string]string, files ...string) {
	t.Helper()
	ctx := context.Background()
	for id, conv := range messages {
		m := &entities.Message{ID: id, ConversationID: conv, OwnerID: "u1", Role: entities.RoleUser, Content: "x"}
		if err := store.Messages().Insert(ctx, m); err != nil {
			t.Fatalf("inserting message %s: %v", id, err)
		}
	}
	for _, id := range files {
		f := &entities.File{ID: id, OwnerID: "u1", Filename: id + ".txt", MimeType: "text/plain", Size: 1,
			ContentHash: id, ObjectKey: "uploads/" + id, ExtractionStatus: entities.ExtractionDone}
		if err := store.Files().Create(ctx, f); err != nil {
			t.Fatalf("inserting file %s: %v", id, err)
		}
	}
}

func countChunks(t *testing.T, idx *SQLiteIndex) int {
	t.Helper()
	var n int
	if err := idx.db.Get(&n, `SELECT COUNT(*) FROM embeddings`); err != nil {
		t.Fatal(err)
	}
	return n
}

func seed(t *testing.T, idx *SQLiteIndex, store *sqlstore.Store) {
	t.Helper()
	addSources(t, store, map[string]string{"msg1": "c1", "msg2": "c2", "msg3": "c1"}, "file1")
	chunks := []entities.EmbeddingChunk{
		{ID: "m1", OwnerID: "u1", ConversationID: "c1", SourceType: entities.SourceMessage, SourceID: "msg1", Text: "hello", Embedding: []float32{1, 0, 0}},
		{ID: "m2", OwnerID: "u1", ConversationID: "c2", SourceType: entities.SourceMessage, SourceID: "msg2", Text: "other chat", Embedding: []float32{1, 0, 0}},
		{ID: "f1", OwnerID: "u1", SourceType: entities.SourceFileChunk, SourceID: "file1", Text: "file text", Embedding: []float32{0, 1, 0}},
		{ID: "x1", OwnerID: "u2", ConversationID: "c1", SourceType: entities.SourceMessage, SourceID: "msg3", Text: "foreign", Embedding: []float32{1, 0, 0}},
	}
	if err := idx.Store(context.Background(), chunks); err != nil {
		t.Fatalf("store failed: %v", err)
	}
}

func ids(results []entities.ScoredChunk) map[string]bool {
	out := make(map[string]bool, len(results))
	for _, r := range results {
		out[r.Chunk.ID] = true
	}
	return out
}

func TestSQLiteIndex_StoreAndSearch(t *testing.T) {
	idx, store := newTestIndex(t)
	seed(t, idx, store)

	results, err := idx.Search(context.Background(), []float32{1, 0, 0},
		entities.SearchScope{OwnerID: "u1", ConversationID: "c1", FileIDs: []string{"file1"}}, 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Chunk.ID != "m1" {
		t.Error("m1 should be top result")
	}
	if results[0].Chunk.ConversationID != "c1" || results[1].Chunk.ConversationID != "" {
		t.Errorf("conversation ids not round-tripped: %+v", results)
	}
	if len(results[1].Chunk.Embedding) != 3 {
		t.Error("embedding should be decoded")
	}
}

func TestSQLiteIndex_ScopeIsolation(t *testing.T) {
	idx, store := newTestIndex(t)
	seed(t, idx, store)
	ctx := context.Background()

	tests := []struct {
		name  string
		scope entities.SearchScope
		want  []string
	}{
		{"conversation only", entities.SearchScope{OwnerID: "u1", ConversationID: "c1"}, []string{"m1"}},
		{"files only", entities.SearchScope{OwnerID: "u1", FileIDs: []string{"file1"}}, []string{"f1"}},
		{"owner wide", entities.SearchScope{OwnerID: "u1"}, []string{"m1", "m2", "f1"}},
		{"other owner", entities.SearchScope{OwnerID: "u2", ConversationID: "c1", FileIDs: []string{"file1"}}, []string{"x1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := idx.Search(ctx, []float32{1, 1, 0}, tt.scope, 10)
			if err != nil {
				t.Fatal(err)
			}
			got := ids(results)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for _, id := range tt.want {
				if !got[id] {
					t.Errorf("missing %s in %v", id, got)
				}
			}
		})
	}

	if _, err := idx.Search(ctx, []float32{1}, entities.SearchScope{}, 5); err == nil {
		t.Error("search without owner should fail")
	}
}

func TestSQLiteIndex_TopK(t *testing.T) {
	idx, store := newTestIndex(t)
	seed(t, idx, store)

	results, _ := idx.Search(context.Background(), []float32{0, 1, 0}, entities.SearchScope{OwnerID: "u1"}, 1)
	if len(results) != 1 || results[0].Chunk.ID != "f1" {
		t.Errorf("expected only f1, got %+v", results)
	}
}

func TestSQLiteIndex_DeleteBySource(t *testing.T) {
	idx, store := newTestIndex(t)
	seed(t, idx, store)
	ctx := context.Background()

	if err := idx.DeleteBySource(ctx, entities.SourceFileChunk, "file1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	results, _ := idx.Search(ctx, []float32{0, 1, 0}, entities.SearchScope{OwnerID: "u1", FileIDs: []string{"file1"}}, 10)
	if len(results) != 0 {
		t.Error("chunks should be deleted")
	}
	if count := countChunks(t, idx); count != 3 {
		t.Errorf("expected 3 chunks left, got %d", count)
	}
}

func TestSQLiteIndex_StoreRequiresSource(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		chunk entities.EmbeddingChunk
	}{
		{"deleted file", entities.EmbeddingChunk{ID: "a", OwnerID: "u1", SourceType: entities.SourceFileChunk, SourceID: "gone-file"}},
		{"deleted message", entities.EmbeddingChunk{ID: "b", OwnerID: "u1", ConversationID: "c1", SourceType: entities.SourceMessage, SourceID: "gone-msg"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, store := newTestIndex(t)
			addSources(t, store, map[string]string{"live-msg": "c1"})

			live := entities.EmbeddingChunk{ID: "live", OwnerID: "u1", ConversationID: "c1",
				SourceType: entities.SourceMessage, SourceID: "live-msg", Embedding: []float32{1}}
			tt.chunk.Embedding = []float32{1}

			err := idx.Store(ctx, []entities.EmbeddingChunk{live, tt.chunk})
			if !errors.Is(err, ports.ErrNotFound) {
				t.Fatalf("Store() error = %v, want ErrNotFound", err)
			}
			if n := countChunks(t, idx); n != 0 {
				t.Errorf("%d chunks written for a batch with a missing source", n)
			}
		})
	}
}

func TestSQLiteIndex_StoreAfterSourceDeleted(t *testing.T) {
	ctx := context.Background()
	idx, store := newTestIndex(t)
	addSources(t, store, map[string]string{"m1": "c1"}, "f1")

	if _, err := store.Files().ReleaseIfOrphaned(ctx, "f1"); err != nil {
		t.Fatal(err)
	}
	err := idx.Store(ctx, []entities.EmbeddingChunk{{ID: "x", OwnerID: "u1", SourceType: entities.SourceFileChunk, SourceID: "f1", Embedding: []float32{1}}})
	if !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("Store() for a released file: error = %v, want ErrNotFound", err)
	}

	conv := &entities.Conversation{ID: "c1", OwnerID: "u1"}
	if err := store.Conversations().Create(ctx, conv); err != nil {
		t.Fatal(err)
	}
	if err := store.Conversations().Delete(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	err = idx.Store(ctx, []entities.EmbeddingChunk{{ID: "y", OwnerID: "u1", ConversationID: "c1", SourceType: entities.SourceMessage, SourceID: "m1", Embedding: []float32{1}}})
	if !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("Store() for a deleted conversation's message: error = %v, want ErrNotFound", err)
	}
	if n := countChunks(t, idx); n != 0 {
		t.Errorf("chunks left = %d, want 0", n)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0.0},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, -1.0},
		{"different length", []float32{1, 0}, []float32{1, 0, 0}, 0.0},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 0, 0}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("cosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}
