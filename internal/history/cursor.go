package history

import (
	"context"

	"github.com/RichardoC/padi-relay/internal/apperr"
	"github.com/RichardoC/padi-relay/internal/db"
	"github.com/RichardoC/padi-relay/internal/models"
)

// EncodeCursor returns the token for the page after page, or nil when page
// reached the beginning of the history. A page shorter than pageSize is the last one.
func EncodeCursor(page []models.Message, pageSize int) *string {
	if pageSize <= 0 || len(page) != pageSize {
		return nil
	}
	token := page[len(page)-1].ID
	return &token
}

// DecodeCursor resolves token to the order key of a message inside the
// conversation. Tokens that are malformed or name no such message are not ok.
func (s *Store) DecodeCursor(ctx context.Context, conversationID, token string) (db.Key, bool, error) {
	if !validID(token) {
		return db.Key{}, false, nil
	}
	key, ok, err := s.db.MessageKey(ctx, conversationID, token)
	if err != nil {
		return db.Key{}, false, apperr.Store("resolve cursor", err)
	}
	return key, ok, nil
}
