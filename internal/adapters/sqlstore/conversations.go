package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
)

// ConversationRepo implements ports.ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

type conversationRow struct {
	ID            string         `db:"id"`
	OwnerID       string         `db:"owner_id"`
	Title         string         `db:"title"`
	Archived      bool           `db:"archived"`
	GroupID       sql.NullString `db:"group_id"`
	SafeMode      bool           `db:"safe_mode"`
	SafetyText    string         `db:"safety_text"`
	PinnedModelID sql.NullString `db:"pinned_model_id"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r conversationRow) entity() *entities.Conversation {
	return &entities.Conversation{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Title:         r.Title,
		Archived:      r.Archived,
		GroupID:       r.GroupID.String,
		SafeMode:      r.SafeMode,
		SafetyText:    r.SafetyText,
		PinnedModelID: r.PinnedModelID.String,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func (c *ConversationRepo) Create(ctx context.Context, conv *entities.Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	if conv.Title == "" {
		conv.Title = entities.DefaultTitle
	}
	_, err := c.db.NamedExecContext(ctx, `
		INSERT INTO conversations (id, owner_id, title, archived, group_id, safe_mode, safety_text, pinned_model_id, created_at, updated_at)
		VALUES (:id, :owner_id, :title, :archived, :group_id, :safe_mode, :safety_text, :pinned_model_id, :created_at, :updated_at)
	`, conversationRow{
		ID:            conv.ID,
		OwnerID:       conv.OwnerID,
		Title:         conv.Title,
		Archived:      conv.Archived,
		GroupID:       nullString(conv.GroupID),
		SafeMode:      conv.SafeMode,
		SafetyText:    conv.SafetyText,
		PinnedModelID: nullString(conv.PinnedModelID),
		CreatedAt:     conv.CreatedAt,
		UpdatedAt:     conv.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func (c *ConversationRepo) Get(ctx context.Context, id string) (*entities.Conversation, error) {
	var row conversationRow
	if err := c.db.GetContext(ctx, &row, `SELECT * FROM conversations WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return row.entity(), nil
}

func (c *ConversationRepo) UpdateTitle(ctx context.Context, id, title string) error {
	return mustAffect(c.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title, time.Now().UTC(), id))
}

func (c *ConversationRepo) PinModel(ctx context.Context, id, modelID string) error {
	return mustAffect(c.db.ExecContext(ctx,
		`UPDATE conversations SET pinned_model_id = ?, updated_at = ? WHERE id = ?`, nullString(modelID), time.Now().UTC(), id))
}

func (c *ConversationRepo) SetArchived(ctx context.Context, id string, archived bool) error {
	return mustAffect(c.db.ExecContext(ctx,
		`UPDATE conversations SET archived = ?, updated_at = ? WHERE id = ?`, archived, time.Now().UTC(), id))
}

func (c *ConversationRepo) SetSafeMode(ctx context.Context, id string, enabled bool, safetyText string) error {
	return mustAffect(c.db.ExecContext(ctx,
		`UPDATE conversations SET safe_mode = ?, safety_text = ?, updated_at = ? WHERE id = ?`,
		enabled, safetyText, time.Now().UTC(), id))
}

func (c *ConversationRepo) ListByOwner(ctx context.Context, ownerID string) ([]entities.Conversation, error) {
	var rows []conversationRow
	err := c.db.SelectContext(ctx, &rows,
		`SELECT * FROM conversations WHERE owner_id = ? ORDER BY updated_at DESC, rowid DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	out := make([]entities.Conversation, len(rows))
	for i, r := range rows {
		out[i] = *r.entity()
	}
	return out, nil
}

// Delete removes the conversation with its messages, their embeddings and
// every link row. Files themselves are left for the caller's orphan check.
func (c *ConversationRepo) Delete(ctx context.Context, id string) error {
	return withTx(ctx, c.db, func(tx *sqlx.Tx) error {
		steps := []struct {
			query string
			args  []any
		}{
			{`DELETE FROM embeddings WHERE conversation_id = ?
				OR (source_type = 'message' AND source_id IN (SELECT id FROM messages WHERE conversation_id = ?))`, []any{id, id}},
			{`DELETE FROM message_files WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`, []any{id}},
			{`DELETE FROM messages WHERE conversation_id = ?`, []any{id}},
			{`DELETE FROM conversation_files WHERE conversation_id = ?`, []any{id}},
		}
		for _, st := range steps {
			if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
				return fmt.Errorf("deleting conversation data: %w", err)
			}
		}
		return mustAffect(tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id))
	})
}

type groupRow struct {
	ID        string    `db:"id"`
	OwnerID   string    `db:"owner_id"`
	Name      string    `db:"name"`
	Guidance  string    `db:"guidance"`
	CreatedAt time.Time `db:"created_at"`
}

func (c *ConversationRepo) CreateGroup(ctx context.Context, g *entities.Group) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.NamedExecContext(ctx, `
		INSERT INTO topic_groups (id, owner_id, name, guidance, created_at)
		VALUES (:id, :owner_id, :name, :guidance, :created_at)
	`, groupRow{ID: g.ID, OwnerID: g.OwnerID, Name: g.Name, Guidance: g.Guidance, CreatedAt: g.CreatedAt})
	if err != nil {
		return fmt.Errorf("inserting group: %w", err)
	}
	return nil
}

func (c *ConversationRepo) GetGroup(ctx context.Context, id string) (*entities.Group, error) {
	var row groupRow
	if err := c.db.GetContext(ctx, &row, `SELECT * FROM topic_groups WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &entities.Group{ID: row.ID, OwnerID: row.OwnerID, Name: row.Name, Guidance: row.Guidance, CreatedAt: row.CreatedAt}, nil
}
