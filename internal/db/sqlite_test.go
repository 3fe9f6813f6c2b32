package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/RichardoC/padi-relay/internal/metrics"
	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (*Database, *metrics.Collector) {
	t.Helper()
	collector := metrics.NewCollector()
	d, err := Open(filepath.Join(t.TempDir(), "nested", "relay.db"), collector)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, collector
}

func seedConversation(t *testing.T, d *Database, id, owner string, created time.Time) {
	t.Helper()
	err := d.CreateConversation(context.Background(), &models.Conversation{
		ID: id, OwnerID: owner, Title: "t-" + id, ModelID: "gpt-4o",
		CreatedAt: created, UpdatedAt: created,
	})
	require.NoError(t, err)
}

func TestConversationRoundTrip(t *testing.T) {
	d, collector := openTestDB(t)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	seedConversation(t, d, "c1", "alice", created)

	conv, err := d.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "alice", conv.OwnerID)
	assert.Equal(t, created, conv.CreatedAt)
	assert.Nil(t, conv.LastMessageAt)

	missing, err := d.GetConversation(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	snap := collector.Snapshot()
	require.NotNil(t, snap.DBQuery)
	assert.Equal(t, int64(2), snap.DBQuery.Count)
	require.NotNil(t, snap.DBWrite)
}

func TestUpdateConversationPatch(t *testing.T) {
	d, _ := openTestDB(t)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	seedConversation(t, d, "c1", "alice", created)

	title := "renamed"
	later := created.Add(time.Hour)
	found, err := d.UpdateConversation(ctx, "c1", models.ConversationPatch{Title: &title}, later)
	require.NoError(t, err)
	assert.True(t, found)

	conv, err := d.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", conv.Title)
	assert.Equal(t, "gpt-4o", conv.ModelID)
	assert.Equal(t, later, conv.UpdatedAt)

	found, err = d.UpdateConversation(ctx, "missing", models.ConversationPatch{Title: &title}, later)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInsertMessageTouchesConversation(t *testing.T) {
	d, _ := openTestDB(t)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	seedConversation(t, d, "c1", "alice", created)

	at := created.Add(time.Minute)
	require.NoError(t, d.InsertMessage(ctx, models.Message{
		ID: "m1", ConversationID: "c1", Role: models.RoleUser, Content: "hi", CreatedAt: at,
	}))

	conv, err := d.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessageAt)
	assert.Equal(t, at, *conv.LastMessageAt)
	assert.Equal(t, at, conv.UpdatedAt)

	err = d.InsertMessage(ctx, models.Message{
		ID: "m2", ConversationID: "ghost", Role: models.RoleUser, Content: "hi", CreatedAt: at,
	})
	assert.ErrorIs(t, err, ErrConversationMissing)

	n, err := d.CountMessages(ctx, "ghost")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListMessagesDescBounds(t *testing.T) {
	d, _ := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	seedConversation(t, d, "c1", "alice", base)

	// m2 and m3 share a timestamp so the id breaks the tie.
	inserts := []models.Message{
		{ID: "m1", CreatedAt: base.Add(1)},
		{ID: "m2", CreatedAt: base.Add(2)},
		{ID: "m3", CreatedAt: base.Add(2)},
		{ID: "m4", CreatedAt: base.Add(3)},
	}
	for _, m := range inserts {
		m.ConversationID = "c1"
		m.Role = models.RoleUser
		m.Content = "content " + m.ID
		require.NoError(t, d.InsertMessage(ctx, m))
	}

	ids := func(msgs []models.Message) []string {
		out := make([]string, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, m.ID)
		}
		return out
	}

	latest, err := d.ListMessagesDesc(ctx, "c1", nil, false, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m4", "m3"}, ids(latest))

	key, ok, err := d.MessageKey(ctx, "c1", "m3")
	require.NoError(t, err)
	require.True(t, ok)

	older, err := d.ListMessagesDesc(ctx, "c1", &key, false, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m1"}, ids(older))

	upTo, err := d.ListMessagesDesc(ctx, "c1", &key, true, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m2", "m1"}, ids(upTo))

	_, ok, err = d.MessageKey(ctx, "other", "m3")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := d.ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(all))
}

func TestSearchMessagesUnicodeFold(t *testing.T) {
	d, _ := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	seedConversation(t, d, "c1", "alice", base)

	for i, content := range []string{"Grüße aus München", "nothing here", "MÜNCHEN again"} {
		require.NoError(t, d.InsertMessage(ctx, models.Message{
			ID: string(rune('a' + i)), ConversationID: "c1", Role: models.RoleUser,
			Content: content, CreatedAt: base.Add(time.Duration(i + 1)),
		}))
	}

	found, err := d.SearchMessages(ctx, "c1", "münchen")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "MÜNCHEN again", found[0].Content)
	assert.Equal(t, "Grüße aus München", found[1].Content)
}

func TestDeleteAndOrphans(t *testing.T) {
	d, _ := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	seedConversation(t, d, "c1", "alice", base)
	seedConversation(t, d, "c2", "alice", base)

	for i, conv := range []string{"c1", "c1", "c2"} {
		require.NoError(t, d.InsertMessage(ctx, models.Message{
			ID: string(rune('a' + i)), ConversationID: conv, Role: models.RoleUser,
			Content: "x", CreatedAt: base.Add(time.Duration(i + 1)),
		}))
	}

	found, err := d.DeleteConversation(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, found)

	removed, err := d.DeleteOrphanMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	n, err := d.CountMessages(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	removed, err = d.DeleteMessages(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	found, err = d.DeleteConversation(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListConversationsOrdering(t *testing.T) {
	d, _ := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	seedConversation(t, d, "old-active", "alice", base)
	seedConversation(t, d, "new-idle", "alice", base.Add(time.Hour))
	seedConversation(t, d, "bob-conv", "bob", base.Add(2*time.Hour))

	require.NoError(t, d.InsertMessage(ctx, models.Message{
		ID: "m1", ConversationID: "old-active", Role: models.RoleUser,
		Content: "x", CreatedAt: base.Add(3 * time.Hour),
	}))

	convs, err := d.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "old-active", convs[0].ID)
	assert.Equal(t, "new-idle", convs[1].ID)
}
