package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/RichardoC/padi-relay/internal/metrics"
	"github.com/RichardoC/padi-relay/internal/models"
)

// Key is a message's position in its conversation's total order.
type Key struct {
	CreatedAt int64
	ID        string
}

const messageColumns = `id, conversation_id, role, content, created_at`

func scanMessage(row rowScanner) (models.Message, error) {
	var (
		msg       models.Message
		createdAt int64
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &createdAt); err != nil {
		return models.Message{}, err
	}
	msg.CreatedAt = fromNanos(createdAt)
	return msg, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// InsertMessage stores msg and bumps the parent's last_message_at and updated_at
// in a single transaction. ErrConversationMissing is returned when the parent is gone.
func (d *Database) InsertMessage(ctx context.Context, msg models.Message) (err error) {
	defer d.track(metrics.OpDBWrite)(&err)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert message: %w", err)
	}
	defer tx.Rollback()

	at := toNanos(msg.CreatedAt)
	result, err := tx.ExecContext(ctx, `
        UPDATE conversations SET last_message_at = ?, updated_at = ?
        WHERE id = ?`, at, at, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n == 0 {
		return ErrConversationMissing
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO messages (`+messageColumns+`)
        VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, at)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit()
}

// MessageKey resolves a message id to its order key within the conversation.
func (d *Database) MessageKey(ctx context.Context, conversationID, messageID string) (key Key, ok bool, err error) {
	defer d.track(metrics.OpDBQuery)(&err)

	err = d.db.QueryRowContext(ctx, `
        SELECT created_at, id FROM messages
        WHERE conversation_id = ? AND id = ?`, conversationID, messageID).Scan(&key.CreatedAt, &key.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Key{}, false, nil
	}
	if err != nil {
		return Key{}, false, fmt.Errorf("resolve message key: %w", err)
	}
	return key, true, nil
}

// ListMessagesDesc returns up to limit messages newest-first. With a nil bound it
// starts at the newest message; otherwise it starts just below the bound, or at
// the bound itself when inclusive is set.
func (d *Database) ListMessagesDesc(ctx context.Context, conversationID string, bound *Key, inclusive bool, limit int) (messages []models.Message, err error) {
	defer d.track(metrics.OpDBQuery)(&err)

	var rows *sql.Rows
	switch {
	case bound == nil:
		rows, err = d.db.QueryContext(ctx, `
            SELECT `+messageColumns+` FROM messages
            WHERE conversation_id = ?
            ORDER BY created_at DESC, id DESC
            LIMIT ?`, conversationID, limit)
	case inclusive:
		rows, err = d.db.QueryContext(ctx, `
            SELECT `+messageColumns+` FROM messages
            WHERE conversation_id = ?
              AND (created_at < ? OR (created_at = ? AND id <= ?))
            ORDER BY created_at DESC, id DESC
            LIMIT ?`, conversationID, bound.CreatedAt, bound.CreatedAt, bound.ID, limit)
	default:
		rows, err = d.db.QueryContext(ctx, `
            SELECT `+messageColumns+` FROM messages
            WHERE conversation_id = ?
              AND (created_at < ? OR (created_at = ? AND id < ?))
            ORDER BY created_at DESC, id DESC
            LIMIT ?`, conversationID, bound.CreatedAt, bound.CreatedAt, bound.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows)
}

// ListMessages returns the whole conversation oldest-first.
func (d *Database) ListMessages(ctx context.Context, conversationID string) (messages []models.Message, err error) {
	defer d.track(metrics.OpDBQuery)(&err)

	rows, err := d.db.QueryContext(ctx, `
        SELECT `+messageColumns+` FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows)
}

func (d *Database) CountMessages(ctx context.Context, conversationID string) (n int, err error) {
	defer d.track(metrics.OpDBQuery)(&err)

	err = d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// SearchMessages returns messages containing needle, newest-first. Matching is
// done in Go because SQLite's LOWER only folds ASCII.
func (d *Database) SearchMessages(ctx context.Context, conversationID, needle string) (messages []models.Message, err error) {
	defer d.track(metrics.OpDBSearch)(&err)

	rows, err := d.db.QueryContext(ctx, `
        SELECT `+messageColumns+` FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at DESC, id DESC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	all, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	needle = strings.ToLower(needle)
	messages = make([]models.Message, 0)
	for _, msg := range all {
		if strings.Contains(strings.ToLower(msg.Content), needle) {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

// DeleteMessages removes every message of a conversation and returns how many went.
func (d *Database) DeleteMessages(ctx context.Context, conversationID string) (n int64, err error) {
	defer d.track(metrics.OpDBWrite)(&err)

	result, err := d.db.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return result.RowsAffected()
}

// DeleteOrphanMessages removes messages whose conversation no longer exists.
func (d *Database) DeleteOrphanMessages(ctx context.Context) (n int64, err error) {
	defer d.track(metrics.OpDBWrite)(&err)

	result, err := d.db.ExecContext(ctx, `
        DELETE FROM messages
        WHERE NOT EXISTS (
            SELECT 1 FROM conversations c WHERE c.id = messages.conversation_id
        )`)
	if err != nil {
		return 0, fmt.Errorf("delete orphan messages: %w", err)
	}
	return result.RowsAffected()
}
