// Package llm streams chat completions from the upstream language model service.
package llm

import (
	"context"
	"fmt"

	"github.com/RichardoC/padi-relay/internal/config"
	"github.com/RichardoC/padi-relay/internal/models"
	"go.uber.org/zap"
)

// Gateway opens one streamed completion per call.
type Gateway interface {
	// StreamCompletion fails with an upstream error before yielding anything
	// when the request cannot be started.
	StreamCompletion(ctx context.Context, messages []models.ChatMessage, modelID string) (Stream, error)
}

// Stream yields reply fragments in order. Recv returns io.EOF after the last
// fragment. Close releases the upstream request and may be called at any time.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// NewGateway builds the gateway selected by cfg.Driver.
func NewGateway(cfg config.UpstreamConfig, logger *zap.Logger) (Gateway, error) {
	switch cfg.Driver {
	case config.DriverSSE, "":
		return NewHTTPGateway(cfg, logger), nil
	case config.DriverLangChain:
		return NewLangChainGateway(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported upstream driver: %s", cfg.Driver)
	}
}
