package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RichardoC/padi-relay/internal/metrics"
	"github.com/RichardoC/padi-relay/internal/models"
)

const conversationColumns = `id, owner_id, title, system_prompt, model_id, created_at, updated_at, last_message_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv                 models.Conversation
		createdAt, updatedAt int64
		lastMessageAt        sql.NullInt64
	)
	err := row.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &conv.SystemPrompt, &conv.ModelID,
		&createdAt, &updatedAt, &lastMessageAt)
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = fromNanos(createdAt)
	conv.UpdatedAt = fromNanos(updatedAt)
	if lastMessageAt.Valid {
		t := fromNanos(lastMessageAt.Int64)
		conv.LastMessageAt = &t
	}
	return &conv, nil
}

func (d *Database) CreateConversation(ctx context.Context, conv *models.Conversation) (err error) {
	defer d.track(metrics.OpDBWrite)(&err)

	var lastMessageAt any
	if conv.LastMessageAt != nil {
		lastMessageAt = toNanos(*conv.LastMessageAt)
	}
	_, err = d.db.ExecContext(ctx, `
        INSERT INTO conversations (`+conversationColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.OwnerID, conv.Title, conv.SystemPrompt, conv.ModelID,
		toNanos(conv.CreatedAt), toNanos(conv.UpdatedAt), lastMessageAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation returns nil without error when no conversation has the id.
func (d *Database) GetConversation(ctx context.Context, id string) (conv *models.Conversation, err error) {
	defer d.track(metrics.OpDBQuery)(&err)

	row := d.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err = scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns the owner's conversations, most recently active first.
// Conversations without messages are ranked by their creation time.
func (d *Database) ListConversations(ctx context.Context, ownerID string) (convs []models.Conversation, err error) {
	defer d.track(metrics.OpDBQuery)(&err)

	rows, err := d.db.QueryContext(ctx, `
        SELECT `+conversationColumns+`
        FROM conversations
        WHERE owner_id = ?
        ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs = make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

// UpdateConversation applies the non-nil patch fields and sets updated_at.
// It reports whether a conversation with the id existed.
func (d *Database) UpdateConversation(ctx context.Context, id string, patch models.ConversationPatch, now time.Time) (found bool, err error) {
	defer d.track(metrics.OpDBWrite)(&err)

	result, err := d.db.ExecContext(ctx, `
        UPDATE conversations
        SET title = COALESCE(?, title),
            system_prompt = COALESCE(?, system_prompt),
            model_id = COALESCE(?, model_id),
            updated_at = ?
        WHERE id = ?`,
		patch.Title, patch.SystemPrompt, patch.ModelID, toNanos(now), id)
	if err != nil {
		return false, fmt.Errorf("update conversation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update conversation: %w", err)
	}
	return n > 0, nil
}

// DeleteConversation removes the conversation row only. Its messages are removed
// separately with DeleteMessages.
func (d *Database) DeleteConversation(ctx context.Context, id string) (found bool, err error) {
	defer d.track(metrics.OpDBWrite)(&err)

	result, err := d.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	return n > 0, nil
}
