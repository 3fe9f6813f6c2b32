package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/padi-relay/internal/apperr"
	"github.com/RichardoC/padi-relay/internal/config"
	"github.com/RichardoC/padi-relay/internal/models"
	"go.uber.org/zap"
)

const completionsPath = "/v1/chat/completions"

// HTTPGateway calls an OpenAI-compatible chat completions endpoint with
// stream=true and decodes the server-sent events itself.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTPGateway(cfg config.UpstreamConfig, logger *zap.Logger) *HTTPGateway {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout

	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		// No client timeout: a reply may stream for as long as the caller's context allows.
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}
}

type streamRequest struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

func (g *HTTPGateway) StreamCompletion(ctx context.Context, messages []models.ChatMessage, modelID string) (Stream, error) {
	payload, err := json.Marshal(streamRequest{
		Model:    modelID,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, apperr.Upstream("failed to marshal completion request", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+completionsPath, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, apperr.Upstream("failed to create completion request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, apperr.Upstream("completion request failed", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, apperr.Upstream(
			fmt.Sprintf("completion service returned status=%d body=%s", resp.StatusCode, truncate(string(body), 400)),
			nil)
	}

	g.logger.Debug("completion stream opened",
		zap.String("model", modelID),
		zap.Int("messages", len(messages)),
		zap.Duration("latency", time.Since(start)))

	return &httpStream{
		body:    resp.Body,
		cancel:  cancel,
		decoder: newSSEDecoder(resp.Body, g.logger),
	}, nil
}

type httpStream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	decoder *sseDecoder

	closeOnce sync.Once
}

func (s *httpStream) Recv() (string, error) {
	return s.decoder.Next()
}

func (s *httpStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
