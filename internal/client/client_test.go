package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RichardoC/padi-relay/internal/api"
	"github.com/RichardoC/padi-relay/internal/conversation"
	"github.com/RichardoC/padi-relay/internal/db"
	"github.com/RichardoC/padi-relay/internal/history"
	"github.com/RichardoC/padi-relay/internal/llm"
	"github.com/RichardoC/padi-relay/internal/metrics"
	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/RichardoC/padi-relay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type echoGateway struct{}

// StreamCompletion replies with the last message split into words.
func (echoGateway) StreamCompletion(_ context.Context, messages []models.ChatMessage, _ string) (llm.Stream, error) {
	last := messages[len(messages)-1].Content
	var words []string
	for _, w := range strings.Fields(last) {
		words = append(words, w+" ")
	}
	return &wordStream{words: words}, nil
}

type wordStream struct{ words []string }

func (s *wordStream) Recv() (string, error) {
	if len(s.words) == 0 {
		return "", io.EOF
	}
	w := s.words[0]
	s.words = s.words[1:]
	return w, nil
}

func (s *wordStream) Close() error { return nil }

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger := zaptest.NewLogger(t)
	collector := metrics.NewCollector()
	database, err := db.Open(filepath.Join(t.TempDir(), "relay.db"), collector)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	registry := conversation.NewRegistry(database, logger)
	store := history.New(database)
	rly := relay.New(registry, store, echoGateway{}, logger, collector)
	auth := api.NewTokenAuthenticator(map[string]string{"secret": "alice"})

	srv := httptest.NewServer(api.NewHandler(registry, store, rly, auth, collector, logger, api.Options{}).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func TestConversationsAndHistory(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, "secret")
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx, "", "gpt-4o", "")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultConversationTitle, conv.Title)

	for i := 0; i < 7; i++ {
		_, err := c.AppendMessage(ctx, conv.ID, models.RoleUser, "note")
		require.NoError(t, err)
	}

	page, err := c.Messages(ctx, conv.ID, PageOptions{PageSize: 3})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 3)
	assert.Equal(t, 7, page.Total)

	all, err := c.AllMessages(ctx, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, all, 7)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt), "messages must be oldest-first")
	}

	title := "Renamed"
	updated, err := c.UpdateConversation(ctx, conv.ID, models.ConversationPatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)

	convs, err := c.ListConversations(ctx)
	require.NoError(t, err)
	assert.Len(t, convs, 1)

	found, err := c.Search(ctx, conv.ID, "NOTE")
	require.NoError(t, err)
	assert.Len(t, found, 7)

	snap, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.NotNil(t, snap.DBWrite)

	require.NoError(t, c.DeleteConversation(ctx, conv.ID))
	_, err = c.GetConversation(ctx, conv.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestChat(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, "secret")
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx, "", "gpt-4o", "")
	require.NoError(t, err)

	var fragments []string
	reply, err := c.Chat(ctx, conv.ID, "hello there", func(fragment string) error {
		fragments = append(fragments, fragment)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello ", "there "}, fragments)
	assert.Equal(t, "hello there ", reply.Content)
	assert.Equal(t, models.RoleAssistant, reply.Role)

	all, err := c.AllMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestChatErrors(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	_, err := New(srv.URL, "wrong").Chat(ctx, "x", "hi", nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = New(srv.URL, "secret").Chat(ctx, "not-a-uuid", "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turn failed")

	c := New(srv.URL, "secret")
	conv, err := c.CreateConversation(ctx, "", "gpt-4o", "")
	require.NoError(t, err)
	stop := errors.New("stop")
	_, err = c.Chat(ctx, conv.ID, "one two", func(string) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestChatEmptyReplyTimesOut(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, "secret").WithReplyTimeout(200 * time.Millisecond)
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx, "", "gpt-4o", "")
	require.NoError(t, err)

	// Whitespace splits into no words, so the reply is empty.
	_, err = c.Chat(ctx, conv.ID, "   ", nil)
	assert.ErrorIs(t, err, ErrNoReply)
}

func TestRESTErrorMessage(t *testing.T) {
	srv := newServer(t)
	_, err := New(srv.URL, "secret").CreateConversation(context.Background(), "t", "", "")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "model_id")
}
