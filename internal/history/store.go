// Package history is the append-only message log of every conversation and the
// cursor-paginated view over it.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/RichardoC/padi-relay/internal/apperr"
	"github.com/RichardoC/padi-relay/internal/db"
	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/google/uuid"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// PageRequest selects one page of history. TargetMessageID wins over Cursor
// when it resolves.
type PageRequest struct {
	PageSize        int
	Cursor          string
	TargetMessageID string
}

type Store struct {
	db              *db.Database
	defaultPageSize int
	maxPageSize     int
	now             func() time.Time
}

type Option func(*Store)

// WithPageSizes overrides the default and maximum page size.
func WithPageSizes(defaultSize, maxSize int) Option {
	return func(s *Store) {
		if defaultSize > 0 {
			s.defaultPageSize = defaultSize
		}
		if maxSize > 0 {
			s.maxPageSize = maxSize
		}
	}
}

// WithClock replaces the timestamp source for appended messages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(database *db.Database, opts ...Option) *Store {
	s := &Store{
		db:              database,
		defaultPageSize: DefaultPageSize,
		maxPageSize:     MaxPageSize,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Append persists a message with a server-assigned id and timestamp.
func (s *Store) Append(ctx context.Context, conversationID string, role models.Role, content string) (*models.Message, error) {
	if !validID(conversationID) {
		return nil, apperr.InvalidReference("conversation id %q is malformed", conversationID)
	}
	if !role.Valid() {
		return nil, apperr.Validation("unknown role %q", role)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperr.Store("generate message id", err)
	}
	msg := models.Message{
		ID:             id.String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now(),
	}

	if err := s.db.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, db.ErrConversationMissing) {
			return nil, apperr.InvalidReference("conversation %q does not exist", conversationID)
		}
		return nil, apperr.Store("append message", err)
	}
	return &msg, nil
}

func (s *Store) clampPageSize(n int) int {
	if n <= 0 {
		return s.defaultPageSize
	}
	if n > s.maxPageSize {
		return s.maxPageSize
	}
	return n
}

// Page returns one newest-first page of the conversation. Total always counts
// the whole conversation regardless of which page was asked for.
func (s *Store) Page(ctx context.Context, conversationID string, req PageRequest) (*models.Page, error) {
	if !validID(conversationID) {
		return nil, apperr.InvalidReference("conversation id %q is malformed", conversationID)
	}
	size := s.clampPageSize(req.PageSize)

	total, err := s.db.CountMessages(ctx, conversationID)
	if err != nil {
		return nil, apperr.Store("count messages", err)
	}

	messages, err := s.pageMessages(ctx, conversationID, req, size)
	if err != nil {
		return nil, err
	}

	return &models.Page{
		Messages:      messages,
		Total:         total,
		NextPageToken: EncodeCursor(messages, size),
	}, nil
}

func (s *Store) pageMessages(ctx context.Context, conversationID string, req PageRequest, size int) ([]models.Message, error) {
	if req.TargetMessageID != "" {
		key, ok, err := s.DecodeCursor(ctx, conversationID, req.TargetMessageID)
		if err != nil {
			return nil, err
		}
		if ok {
			return s.list(ctx, conversationID, &key, true, size)
		}
	}

	if req.Cursor != "" {
		key, ok, err := s.DecodeCursor(ctx, conversationID, req.Cursor)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []models.Message{}, nil
		}
		return s.list(ctx, conversationID, &key, false, size)
	}

	return s.list(ctx, conversationID, nil, false, size)
}

func (s *Store) list(ctx context.Context, conversationID string, bound *db.Key, inclusive bool, size int) ([]models.Message, error) {
	messages, err := s.db.ListMessagesDesc(ctx, conversationID, bound, inclusive, size)
	if err != nil {
		return nil, apperr.Store("list messages", err)
	}
	return messages, nil
}

// Search returns the conversation's messages whose content contains substring,
// ignoring case, newest-first. An empty substring matches nothing.
func (s *Store) Search(ctx context.Context, conversationID, substring string) ([]models.Message, error) {
	if !validID(conversationID) {
		return nil, apperr.InvalidReference("conversation id %q is malformed", conversationID)
	}
	if substring == "" {
		return []models.Message{}, nil
	}
	messages, err := s.db.SearchMessages(ctx, conversationID, substring)
	if err != nil {
		return nil, apperr.Store("search messages", err)
	}
	return messages, nil
}

// Context returns the whole conversation oldest-first.
func (s *Store) Context(ctx context.Context, conversationID string) ([]models.Message, error) {
	if !validID(conversationID) {
		return nil, apperr.InvalidReference("conversation id %q is malformed", conversationID)
	}
	messages, err := s.db.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, apperr.Store("load context", err)
	}
	return messages, nil
}
