package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RichardoC/padi-relay/internal/apperr"
	"github.com/RichardoC/padi-relay/internal/config"
	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// LangChainGateway streams completions through a langchaingo model. The model
// id of each call overrides the provider's default model.
type LangChainGateway struct {
	llm    llms.Model
	logger *zap.Logger
}

// NewLangChainGateway creates the provider model named by cfg.Provider.
func NewLangChainGateway(cfg config.UpstreamConfig, logger *zap.Logger) (*LangChainGateway, error) {
	var model llms.Model
	var err error

	switch cfg.Provider {
	case config.ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithBaseURL(openAIBaseURL(cfg.BaseURL)),
			openai.WithModel(cfg.DefaultModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.DefaultModel)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err = ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.DefaultModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}

	return newLangChainGateway(model, logger), nil
}

func newLangChainGateway(model llms.Model, logger *zap.Logger) *LangChainGateway {
	return &LangChainGateway{llm: model, logger: logger}
}

// openAIBaseURL points the langchaingo client at the versioned API root.
func openAIBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	if base == "" || strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

func toMessageContent(messages []models.ChatMessage) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		var role llms.ChatMessageType
		switch m.Role {
		case models.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case models.RoleUser:
			role = llms.ChatMessageTypeHuman
		case models.RoleAssistant:
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeGeneric
		}
		content = append(content, llms.TextParts(role, m.Content))
	}
	return content
}

// StreamCompletion starts generation in the background and waits for the first
// fragment or the end of generation, so a failed start is reported here.
func (g *LangChainGateway) StreamCompletion(ctx context.Context, messages []models.ChatMessage, modelID string) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &chainStream{
		fragments: make(chan string),
		done:      make(chan struct{}),
		cancel:    cancel,
	}

	go s.generate(ctx, g.llm, toMessageContent(messages), modelID)

	select {
	case fragment := <-s.fragments:
		s.pending = fragment
		s.hasPending = true
		return s, nil
	case <-s.done:
		if s.err != nil {
			cancel()
			return nil, apperr.Upstream("completion request failed", s.err)
		}
		return s, nil
	}
}

type chainStream struct {
	fragments chan string
	done      chan struct{}
	cancel    context.CancelFunc

	// Written by generate before done is closed.
	err      error
	fallback string
	streamed atomic.Bool

	pending    string
	hasPending bool
	finished   bool
	closeOnce  sync.Once
}

func (s *chainStream) generate(ctx context.Context, model llms.Model, content []llms.MessageContent, modelID string) {
	defer close(s.done)

	resp, err := model.GenerateContent(ctx, content,
		llms.WithModel(modelID),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			select {
			case s.fragments <- string(chunk):
				s.streamed.Store(true)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
	)
	if err != nil {
		s.err = err
		return
	}
	// Providers that ignore the streaming func still return the full reply.
	if !s.streamed.Load() && resp != nil && len(resp.Choices) > 0 {
		s.fallback = resp.Choices[0].Content
	}
}

func (s *chainStream) Recv() (string, error) {
	if s.hasPending {
		s.hasPending = false
		return s.pending, nil
	}
	if s.finished {
		return "", io.EOF
	}

	select {
	case fragment := <-s.fragments:
		return fragment, nil
	case <-s.done:
		s.finished = true
		if s.err != nil {
			if errors.Is(s.err, context.Canceled) {
				return "", s.err
			}
			return "", apperr.Upstream("completion stream failed", s.err)
		}
		if s.fallback != "" {
			return s.fallback, nil
		}
		return "", io.EOF
	}
}

func (s *chainStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}
