package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
)

// MessageRepo implements ports.MessageRepository.
type MessageRepo struct {
	db *sqlx.DB
}

type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	OwnerID        string         `db:"owner_id"`
	Role           string         `db:"role"`
	Content        string         `db:"content"`
	ModelID        sql.NullString `db:"model_id"`
	Outcome        sql.NullString `db:"outcome"`
	VersionGroupID sql.NullString `db:"version_group_id"`
	VersionNumber  int            `db:"version_number"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r messageRow) entity() (entities.Message, error) {
	var outcome entities.Outcome
	if r.Outcome.Valid {
		o, err := entities.UnmarshalOutcome([]byte(r.Outcome.String))
		if err != nil {
			return entities.Message{}, fmt.Errorf("message %s: %w", r.ID, err)
		}
		outcome = o
	}
	return entities.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		OwnerID:        r.OwnerID,
		Role:           entities.Role(r.Role),
		Content:        r.Content,
		ModelID:        r.ModelID.String,
		Outcome:        outcome,
		VersionGroupID: r.VersionGroupID.String,
		VersionNumber:  r.VersionNumber,
		CreatedAt:      r.CreatedAt,
	}, nil
}

const messageColumns = `id, conversation_id, owner_id, role, content, model_id, outcome, version_group_id, version_number, created_at`

func (m *MessageRepo) Insert(ctx context.Context, msg *entities.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.VersionNumber == 0 {
		msg.VersionNumber = 1
	}
	outcome, err := entities.MarshalOutcome(msg.Outcome)
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}
	row := messageRow{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		OwnerID:        msg.OwnerID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		ModelID:        nullString(msg.ModelID),
		Outcome:        nullString(string(outcome)),
		VersionGroupID: nullString(msg.VersionGroupID),
		VersionNumber:  msg.VersionNumber,
		CreatedAt:      msg.CreatedAt,
	}
	_, err = m.db.NamedExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (:id, :conversation_id, :owner_id, :role, :content, :model_id, :outcome, :version_group_id, :version_number, :created_at)
	`, row)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func (m *MessageRepo) Get(ctx context.Context, id string) (*entities.Message, error) {
	var row messageRow
	if err := m.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	msg, err := row.entity()
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *MessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]entities.Message, error) {
	var rows []messageRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, rowid
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	out := make([]entities.Message, 0, len(rows))
	for _, r := range rows {
		msg, err := r.entity()
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// Next returns the message stored right after msg in its conversation.
func (m *MessageRepo) Next(ctx context.Context, msg *entities.Message) (*entities.Message, error) {
	var row messageRow
	err := m.db.GetContext(ctx, &row, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		  AND (created_at, rowid) > (SELECT created_at, rowid FROM messages WHERE id = ?)
		ORDER BY created_at, rowid
		LIMIT 1
	`, msg.ConversationID, msg.ID)
	if err != nil {
		return nil, notFound(err)
	}
	next, err := row.entity()
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// PromoteToGroup is a compare-and-swap: rows already in a group are left alone.
func (m *MessageRepo) PromoteToGroup(ctx context.Context, groupID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`
		UPDATE messages SET version_group_id = ?, version_number = 1
		WHERE version_group_id IS NULL AND id IN (?)
	`, groupID, ids)
	if err != nil {
		return 0, err
	}
	res, err := m.db.ExecContext(ctx, m.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("promoting messages: %w", err)
	}
	return res.RowsAffected()
}

func (m *MessageRepo) MaxVersion(ctx context.Context, groupID string) (int, error) {
	var max sql.NullInt64
	if err := m.db.GetContext(ctx, &max, `SELECT MAX(version_number) FROM messages WHERE version_group_id = ?`, groupID); err != nil {
		return 0, fmt.Errorf("reading max version: %w", err)
	}
	return int(max.Int64), nil
}
