// Package conversation manages conversation metadata and ownership.
package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/RichardoC/padi-relay/internal/apperr"
	"github.com/RichardoC/padi-relay/internal/db"
	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence the registry needs. *db.Database satisfies it.
type Store interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]models.Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch models.ConversationPatch, now time.Time) (bool, error)
	DeleteConversation(ctx context.Context, id string) (bool, error)
	DeleteMessages(ctx context.Context, conversationID string) (int64, error)
	DeleteOrphanMessages(ctx context.Context) (int64, error)
}

var _ Store = (*db.Database)(nil)

type Registry struct {
	db     Store
	logger *zap.Logger
	now    func() time.Time
}

func NewRegistry(database Store, logger *zap.Logger) *Registry {
	return &Registry{
		db:     database,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.InvalidReference("conversation id %q is malformed", id)
	}
	return nil
}

// Create starts an empty conversation. An empty title becomes the default title.
func (r *Registry) Create(ctx context.Context, ownerID, title, modelID, systemPrompt string) (*models.Conversation, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, apperr.Validation("owner is required")
	}
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return nil, apperr.Validation("model_id is required")
	}
	if strings.TrimSpace(title) == "" {
		title = models.DefaultConversationTitle
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperr.Store("generate conversation id", err)
	}
	now := r.now()
	conv := &models.Conversation{
		ID:           id.String(),
		OwnerID:      ownerID,
		Title:        title,
		SystemPrompt: systemPrompt,
		ModelID:      modelID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.db.CreateConversation(ctx, conv); err != nil {
		return nil, apperr.Store("create conversation", err)
	}

	r.logger.Debug("created conversation",
		zap.String("conversation_id", conv.ID),
		zap.String("owner_id", ownerID),
		zap.String("model_id", modelID))
	return conv, nil
}

// Get returns nil without error when the conversation does not exist.
func (r *Registry) Get(ctx context.Context, id string) (*models.Conversation, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	conv, err := r.db.GetConversation(ctx, id)
	if err != nil {
		return nil, apperr.Store("get conversation", err)
	}
	return conv, nil
}

func (r *Registry) ListForOwner(ctx context.Context, ownerID string) ([]models.Conversation, error) {
	convs, err := r.db.ListConversations(ctx, ownerID)
	if err != nil {
		return nil, apperr.Store("list conversations", err)
	}
	return convs, nil
}

// Update applies the non-nil fields of patch and always bumps updated_at.
func (r *Registry) Update(ctx context.Context, id string, patch models.ConversationPatch) (*models.Conversation, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if patch.ModelID != nil {
		trimmed := strings.TrimSpace(*patch.ModelID)
		if trimmed == "" {
			return nil, apperr.Validation("model_id cannot be empty")
		}
		patch.ModelID = &trimmed
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		title := models.DefaultConversationTitle
		patch.Title = &title
	}

	found, err := r.db.UpdateConversation(ctx, id, patch, r.now())
	if err != nil {
		return nil, apperr.Store("update conversation", err)
	}
	if !found {
		return nil, apperr.NotFound("conversation", id)
	}

	conv, err := r.db.GetConversation(ctx, id)
	if err != nil {
		return nil, apperr.Store("get conversation", err)
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation", id)
	}
	return conv, nil
}

// Delete removes the conversation and then its messages. The two steps are not
// atomic: if the second fails the messages are left behind as orphans, the failure
// is logged and the delete still succeeds. CleanupOrphans removes them later.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	found, err := r.db.DeleteConversation(ctx, id)
	if err != nil {
		return apperr.Store("delete conversation", err)
	}
	if !found {
		return apperr.NotFound("conversation", id)
	}

	n, err := r.db.DeleteMessages(ctx, id)
	if err != nil {
		r.logger.Warn("conversation deleted but its messages were not",
			zap.String("conversation_id", id),
			zap.Error(err))
		return nil
	}

	r.logger.Info("deleted conversation",
		zap.String("conversation_id", id),
		zap.Int64("messages", n))
	return nil
}

// AssertOwnership loads the conversation and checks that actorID owns it.
func (r *Registry) AssertOwnership(ctx context.Context, id, actorID string) (*models.Conversation, error) {
	conv, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation", id)
	}
	if conv.OwnerID != actorID {
		return nil, apperr.Forbidden("conversation", id)
	}
	return conv, nil
}

// CleanupOrphans deletes messages left behind by interrupted deletes.
func (r *Registry) CleanupOrphans(ctx context.Context) (int64, error) {
	n, err := r.db.DeleteOrphanMessages(ctx)
	if err != nil {
		return 0, apperr.Store("delete orphan messages", err)
	}
	if n > 0 {
		r.logger.Info("removed orphan messages", zap.Int64("messages", n))
	}
	return n, nil
}
