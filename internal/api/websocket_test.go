package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/RichardoC/padi-relay/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *testServer) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func readEvent(t *testing.T, conn *websocket.Conn) relay.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev relay.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebSocketRequiresAuth(t *testing.T) {
	srv := newTestServer(t, &scriptedGateway{}, Options{})

	_, resp, err := srv.dial(t, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketTurn(t *testing.T) {
	srv := newTestServer(t, &scriptedGateway{fragments: []string{"Hel", "", "lo!"}}, Options{})
	conv := srv.createConversation(t, aliceToken)

	conn, _, err := srv.dial(t, aliceToken)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(relay.Inbound{ConversationID: conv.ID, Content: "hi"}))

	ev := readEvent(t, conn)
	assert.Equal(t, relay.EventUser, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "hi", ev.Message.Content)

	ev = readEvent(t, conn)
	assert.Equal(t, relay.EventStream, ev.Type)
	assert.Equal(t, "Hel", ev.Content)

	ev = readEvent(t, conn)
	assert.Equal(t, relay.EventStream, ev.Type)
	assert.Equal(t, "lo!", ev.Content)

	ev = readEvent(t, conn)
	assert.Equal(t, relay.EventDone, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, models.RoleAssistant, ev.Message.Role)
	assert.Equal(t, "Hello!", ev.Message.Content)

	stored, err := srv.history.Context(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "hi", stored[0].Content)
	assert.Equal(t, "Hello!", stored[1].Content)
}

func TestWebSocketRejectsBadFrames(t *testing.T) {
	srv := newTestServer(t, &scriptedGateway{fragments: []string{"ok"}}, Options{})
	conv := srv.createConversation(t, aliceToken)
	other := srv.createConversation(t, bobToken)

	conn, _, err := srv.dial(t, aliceToken)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	ev := readEvent(t, conn)
	assert.Equal(t, relay.EventError, ev.Type)
	assert.NotEmpty(t, ev.Error)

	require.NoError(t, conn.WriteJSON(relay.Inbound{ConversationID: conv.ID}))
	ev = readEvent(t, conn)
	assert.Equal(t, relay.EventError, ev.Type)

	require.NoError(t, conn.WriteJSON(relay.Inbound{ConversationID: other.ID, Content: "hi"}))
	ev = readEvent(t, conn)
	assert.Equal(t, relay.EventError, ev.Type)

	// The connection survives rejected frames.
	require.NoError(t, conn.WriteJSON(relay.Inbound{ConversationID: conv.ID, Content: "hi"}))
	assert.Equal(t, relay.EventUser, readEvent(t, conn).Type)
	assert.Equal(t, relay.EventStream, readEvent(t, conn).Type)
	assert.Equal(t, relay.EventDone, readEvent(t, conn).Type)

	stored, err := srv.history.Context(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestWebSocketDisconnectCancelsTurn(t *testing.T) {
	srv := newTestServer(t, &scriptedGateway{block: true}, Options{})
	conv := srv.createConversation(t, aliceToken)

	conn, _, err := srv.dial(t, aliceToken)
	require.NoError(t, err)
	waitFor(t, func() bool { return srv.metrics.Snapshot().ActiveConnections == 1 })

	require.NoError(t, conn.WriteJSON(relay.Inbound{ConversationID: conv.ID, Content: "hi"}))
	assert.Equal(t, relay.EventUser, readEvent(t, conn).Type)

	require.NoError(t, conn.Close())
	waitFor(t, func() bool { return srv.metrics.Snapshot().ActiveConnections == 0 })

	snap := srv.metrics.Snapshot()
	require.NotNil(t, snap.Turn)
	assert.Equal(t, int64(1), snap.Turn.Count)
	assert.Equal(t, int64(1), snap.Turn.Failures)

	stored, err := srv.history.Context(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.RoleUser, stored[0].Role)
}

func TestWebSocketTurnsRunInOrder(t *testing.T) {
	srv := newTestServer(t, &scriptedGateway{fragments: []string{"ack"}}, Options{TurnQueue: 4})
	conv := srv.createConversation(t, aliceToken)

	conn, _, err := srv.dial(t, aliceToken)
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three"} {
		require.NoError(t, conn.WriteJSON(relay.Inbound{ConversationID: conv.ID, Content: content}))
	}

	var users []string
	for len(users) < 3 {
		ev := readEvent(t, conn)
		require.NotEqual(t, relay.EventError, ev.Type, ev.Error)
		if ev.Type == relay.EventUser {
			users = append(users, ev.Message.Content)
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, users)

	// Drain the last turn before checking what was stored.
	waitFor(t, func() bool {
		stored, err := srv.history.Context(context.Background(), conv.ID)
		return err == nil && len(stored) == 6
	})
	stored, err := srv.history.Context(context.Background(), conv.ID)
	require.NoError(t, err)
	var roles []models.Role
	for _, msg := range stored {
		roles = append(roles, msg.Role)
	}
	assert.Equal(t, []models.Role{
		models.RoleUser, models.RoleAssistant,
		models.RoleUser, models.RoleAssistant,
		models.RoleUser, models.RoleAssistant,
	}, roles)
}
