package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// FileRepo implements ports.FileRepository.
type FileRepo struct {
	db *sqlx.DB
}

type fileRow struct {
	ID               string         `db:"id"`
	OwnerID          string         `db:"owner_id"`
	Filename         string         `db:"filename"`
	MimeType         string         `db:"mime_type"`
	Size             int64          `db:"size"`
	ContentHash      string         `db:"content_hash"`
	ObjectKey        string         `db:"object_key"`
	TextObjectKey    sql.NullString `db:"text_object_key"`
	TextPreview      sql.NullString `db:"text_preview"`
	ExtractionStatus string         `db:"extraction_status"`
	CreatedAt        time.Time      `db:"created_at"`
}

func (r fileRow) entity() entities.File {
	return entities.File{
		ID:               r.ID,
		OwnerID:          r.OwnerID,
		Filename:         r.Filename,
		MimeType:         r.MimeType,
		Size:             r.Size,
		ContentHash:      r.ContentHash,
		ObjectKey:        r.ObjectKey,
		TextObjectKey:    r.TextObjectKey.String,
		TextPreview:      r.TextPreview.String,
		ExtractionStatus: entities.ExtractionStatus(r.ExtractionStatus),
		CreatedAt:        r.CreatedAt,
	}
}

const fileColumns = `f.id, f.owner_id, f.filename, f.mime_type, f.size, f.content_hash, f.object_key,
	f.text_object_key, f.text_preview, f.extraction_status, f.created_at`

func (r *FileRepo) Create(ctx context.Context, f *entities.File) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO files (id, owner_id, filename, mime_type, size, content_hash, object_key,
			text_object_key, text_preview, extraction_status, created_at)
		VALUES (:id, :owner_id, :filename, :mime_type, :size, :content_hash, :object_key,
			:text_object_key, :text_preview, :extraction_status, :created_at)
	`, fileRow{
		ID:               f.ID,
		OwnerID:          f.OwnerID,
		Filename:         f.Filename,
		MimeType:         f.MimeType,
		Size:             f.Size,
		ContentHash:      f.ContentHash,
		ObjectKey:        f.ObjectKey,
		TextObjectKey:    nullString(f.TextObjectKey),
		TextPreview:      nullString(f.TextPreview),
		ExtractionStatus: string(f.ExtractionStatus),
		CreatedAt:        f.CreatedAt,
	})
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ports.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting file: %w", err)
	}
	return nil
}

func (r *FileRepo) Get(ctx context.Context, id string) (*entities.File, error) {
	return r.getOne(ctx, `SELECT `+fileColumns+` FROM files f WHERE f.id = ?`, id)
}

func (r *FileRepo) FindByHash(ctx context.Context, ownerID, hash string) (*entities.File, error) {
	return r.getOne(ctx, `SELECT `+fileColumns+` FROM files f WHERE f.owner_id = ? AND f.content_hash = ?`, ownerID, hash)
}

func (r *FileRepo) getOne(ctx context.Context, query string, args ...any) (*entities.File, error) {
	var row fileRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, notFound(err)
	}
	f := row.entity()
	return &f, nil
}

func (r *FileRepo) UpdateExtraction(ctx context.Context, id string, status entities.ExtractionStatus, textKey, preview string) error {
	return mustAffect(r.db.ExecContext(ctx, `
		UPDATE files SET extraction_status = ?, text_object_key = ?, text_preview = ? WHERE id = ?
	`, string(status), nullString(textKey), nullString(preview), id))
}

func (r *FileRepo) LinkConversation(ctx context.Context, fileID, conversationID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversation_files (file_id, conversation_id) VALUES (?, ?)`, fileID, conversationID)
	if err != nil {
		return fmt.Errorf("linking file to conversation: %w", err)
	}
	return nil
}

func (r *FileRepo) LinkMessage(ctx context.Context, fileID, messageID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_files (file_id, message_id) VALUES (?, ?)`, fileID, messageID)
	if err != nil {
		return fmt.Errorf("linking file to message: %w", err)
	}
	return nil
}

// UnlinkConversation drops the conversation link together with the links
// from that conversation's messages.
func (r *FileRepo) UnlinkConversation(ctx context.Context, fileID, conversationID string) (ports.Release, error) {
	return r.release(ctx, fileID,
		unlink{`DELETE FROM conversation_files WHERE file_id = ? AND conversation_id = ?`, []any{fileID, conversationID}},
		unlink{`DELETE FROM message_files WHERE file_id = ? AND message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`, []any{fileID, conversationID}},
	)
}

func (r *FileRepo) UnlinkMessage(ctx context.Context, fileID, messageID string) (ports.Release, error) {
	return r.release(ctx, fileID, unlink{`DELETE FROM message_files WHERE file_id = ? AND message_id = ?`, []any{fileID, messageID}})
}

func (r *FileRepo) ReleaseIfOrphaned(ctx context.Context, fileID string) (ports.Release, error) {
	return r.release(ctx, fileID)
}

type unlink struct {
	query string
	args  []any
}

// release deletes the given links, then counts the remaining references and
// drops the file row and its embeddings at zero, all in one transaction.
func (r *FileRepo) release(ctx context.Context, fileID string, links ...unlink) (ports.Release, error) {
	var rel ports.Release
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for _, l := range links {
			if _, err := tx.ExecContext(ctx, l.query, l.args...); err != nil {
				return fmt.Errorf("deleting link: %w", err)
			}
		}

		var refs int
		err := tx.GetContext(ctx, &refs, `
			SELECT (SELECT COUNT(*) FROM conversation_files WHERE file_id = ?)
			     + (SELECT COUNT(*) FROM message_files WHERE file_id = ?)
		`, fileID, fileID)
		if err != nil {
			return fmt.Errorf("counting references: %w", err)
		}
		if refs > 0 {
			return nil
		}

		var row fileRow
		if err := tx.GetContext(ctx, &row, `SELECT `+fileColumns+` FROM files f WHERE f.id = ?`, fileID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("loading file: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM embeddings WHERE source_type = ? AND source_id = ?`, string(entities.SourceFileChunk), fileID); err != nil {
			return fmt.Errorf("deleting embeddings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
			return fmt.Errorf("deleting file: %w", err)
		}
		f := row.entity()
		rel = ports.Release{File: &f, Orphaned: true}
		return nil
	})
	if err != nil {
		return ports.Release{}, err
	}
	return rel, nil
}

// ListByConversation returns files linked to the conversation directly or
// through one of its messages, oldest upload first.
func (r *FileRepo) ListByConversation(ctx context.Context, conversationID string) ([]entities.File, error) {
	return r.list(ctx, `
		SELECT `+fileColumns+` FROM files f
		WHERE f.id IN (
			SELECT file_id FROM conversation_files WHERE conversation_id = ?
			UNION
			SELECT mf.file_id FROM message_files mf
			JOIN messages m ON m.id = mf.message_id
			WHERE m.conversation_id = ?
		)
		ORDER BY f.created_at, f.rowid
	`, conversationID, conversationID)
}

func (r *FileRepo) list(ctx context.Context, query string, args ...any) ([]entities.File, error) {
	var rows []fileRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	out := make([]entities.File, len(rows))
	for i, row := range rows {
		out[i] = row.entity()
	}
	return out, nil
}
