package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RichardoC/padi-relay/internal/apperr"
	"github.com/RichardoC/padi-relay/internal/config"
	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestGateway(t *testing.T, url string) *HTTPGateway {
	return NewHTTPGateway(config.UpstreamConfig{
		BaseURL:               url + "/",
		APIKey:                "test-key",
		ResponseHeaderTimeout: 5 * time.Second,
	}, zaptest.NewLogger(t))
}

func collect(t *testing.T, s Stream) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		fragment, err := s.Recv()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(fragment)
	}
}

func TestHTTPGatewayStreams(t *testing.T) {
	requests := make(chan streamRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, completionsPath, r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		var got streamRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		requests <- got

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, part := range []string{"Hel", "lo", "!"} {
			io.WriteString(w, chunk(part))
			flusher.Flush()
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	messages := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "be nice"},
		{Role: models.RoleUser, Content: "hi"},
	}
	stream, err := g.StreamCompletion(context.Background(), messages, "gpt-4o")
	require.NoError(t, err)
	defer stream.Close()

	reply, err := collect(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", reply)

	got := <-requests
	assert.True(t, got.Stream)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.Equal(t, messages, got.Messages)
}

func TestHTTPGatewayNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"`+strings.Repeat("x", 1000)+`"}}`)
	}))
	defer srv.Close()

	stream, err := newTestGateway(t, srv.URL).StreamCompletion(context.Background(), nil, "gpt-4o")
	assert.Nil(t, stream)
	require.Error(t, err)
	assert.True(t, apperr.IsUpstream(err))
	assert.Contains(t, err.Error(), "status=429")
	assert.Less(t, len(err.Error()), 600)
}

func TestHTTPGatewayUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestGateway(t, url).StreamCompletion(context.Background(), nil, "gpt-4o")
	assert.True(t, apperr.IsUpstream(err))
}

func TestHTTPGatewayCloseCancelsRequest(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, chunk("first"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(released)
	}))
	defer srv.Close()

	stream, err := newTestGateway(t, srv.URL).StreamCompletion(context.Background(), nil, "gpt-4o")
	require.NoError(t, err)

	fragment, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "first", fragment)

	stream.Close()
	assert.NoError(t, stream.Close(), "second close is a no-op")

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}
}
