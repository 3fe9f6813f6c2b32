// Package relay runs chat turns: it persists the user's message, streams the
// model's reply back fragment by fragment and persists the completed reply.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/RichardoC/padi-relay/internal/apperr"
	"github.com/RichardoC/padi-relay/internal/conversation"
	"github.com/RichardoC/padi-relay/internal/history"
	"github.com/RichardoC/padi-relay/internal/llm"
	"github.com/RichardoC/padi-relay/internal/metrics"
	"github.com/RichardoC/padi-relay/internal/models"
	"go.uber.org/zap"
)

// State is the phase a session is in.
type State int

const (
	StateIdle State = iota
	StateValidating
	StatePersistingUserMessage
	StateAssemblingContext
	StateStreaming
	StatePersistingAssistantMessage
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StatePersistingUserMessage:
		return "persisting_user_message"
	case StateAssemblingContext:
		return "assembling_context"
	case StateStreaming:
		return "streaming"
	case StatePersistingAssistantMessage:
		return "persisting_assistant_message"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type EventType string

const (
	EventUser   EventType = "user"
	EventStream EventType = "stream"
	EventDone   EventType = "done"
	EventError  EventType = "error"
)

// Event is one outbound frame of a turn.
type Event struct {
	Type    EventType       `json:"type"`
	Message *models.Message `json:"message,omitempty"`
	Content string          `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Inbound is one user request to run a turn.
type Inbound struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Role           string `json:"role,omitempty"`
}

// Emitter delivers events to the connected client. An error means the client
// is gone and the turn is abandoned.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Relay holds what every session shares.
type Relay struct {
	registry *conversation.Registry
	history  *history.Store
	gateway  llm.Gateway
	logger   *zap.Logger
	metrics  *metrics.Collector
}

func New(registry *conversation.Registry, store *history.Store, gateway llm.Gateway, logger *zap.Logger, collector *metrics.Collector) *Relay {
	return &Relay{
		registry: registry,
		history:  store,
		gateway:  gateway,
		logger:   logger,
		metrics:  collector,
	}
}

// Session runs the turns of one connection, one at a time. It is not safe for
// concurrent use.
type Session struct {
	relay   *Relay
	actorID string
	emitter Emitter
	logger  *zap.Logger
	state   State
}

func (r *Relay) NewSession(actorID string, emitter Emitter) *Session {
	return &Session{
		relay:   r,
		actorID: actorID,
		emitter: emitter,
		logger:  r.logger.With(zap.String("actor_id", actorID)),
		state:   StateIdle,
	}
}

func (s *Session) State() State { return s.state }

// Close moves the session to StateClosed. Later turns are ignored.
func (s *Session) Close() {
	s.state = StateClosed
}

// Reject reports a request that could not be run without touching any state.
func (s *Session) Reject(ctx context.Context, err error) error {
	return s.emitter.Emit(ctx, Event{Type: EventError, Error: apperr.UserMessage(err)})
}

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeEmpty     outcome = "empty_reply"
	outcomeRejected  outcome = "rejected"
	outcomeFailed    outcome = "failed"
	outcomeCancelled outcome = "cancelled"
)

// errClientGone marks a turn abandoned because events can no longer be delivered.
var errClientGone = errors.New("client gone")

// HandleTurn runs one turn to completion. Failures are reported to the client
// as error events; HandleTurn itself never fails.
func (s *Session) HandleTurn(ctx context.Context, in Inbound) {
	if s.state == StateClosed {
		return
	}

	start := time.Now()
	result, fragments, err := s.runTurn(ctx, in)
	if s.state != StateClosed {
		s.state = StateIdle
	}

	duration := time.Since(start)
	var turnErr error
	if result != outcomeCompleted && result != outcomeEmpty {
		turnErr = err
		if turnErr == nil {
			turnErr = errors.New(string(result))
		}
	}
	s.relay.metrics.RecordStream(metrics.OpTurn, duration, int64(fragments), turnErr)

	fields := []zap.Field{
		zap.String("conversation_id", in.ConversationID),
		zap.String("outcome", string(result)),
		zap.Int("fragments", fragments),
		zap.Duration("duration", duration),
	}
	switch result {
	case outcomeFailed:
		s.logger.Error("turn failed", append(fields, zap.Error(err))...)
	case outcomeRejected:
		s.logger.Info("turn rejected", append(fields, zap.Error(err))...)
	default:
		s.logger.Info("turn finished", fields...)
	}
}

func (s *Session) runTurn(ctx context.Context, in Inbound) (outcome, int, error) {
	s.state = StateValidating
	conv, err := s.validate(ctx, in)
	if err != nil {
		return outcomeRejected, 0, s.fail(ctx, err)
	}

	s.state = StatePersistingUserMessage
	userMsg, err := s.relay.history.Append(ctx, conv.ID, models.RoleUser, in.Content)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled, 0, ctx.Err()
		}
		return outcomeFailed, 0, s.fail(ctx, err)
	}
	if err := s.emit(ctx, Event{Type: EventUser, Message: userMsg}); err != nil {
		return outcomeCancelled, 0, err
	}

	s.state = StateAssemblingContext
	chat, err := s.assembleContext(ctx, conv)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled, 0, ctx.Err()
		}
		return outcomeFailed, 0, s.fail(ctx, err)
	}

	s.state = StateStreaming
	reply, fragments, err := s.stream(ctx, chat, conv.ModelID)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, errClientGone) {
			return outcomeCancelled, fragments, err
		}
		return outcomeFailed, fragments, s.fail(ctx, err)
	}

	if reply == "" {
		return outcomeEmpty, 0, nil
	}

	s.state = StatePersistingAssistantMessage
	assistantMsg, err := s.relay.history.Append(ctx, conv.ID, models.RoleAssistant, reply)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled, fragments, ctx.Err()
		}
		return outcomeFailed, fragments, s.fail(ctx, err)
	}
	if err := s.emit(ctx, Event{Type: EventDone, Message: assistantMsg}); err != nil {
		return outcomeCancelled, fragments, err
	}
	return outcomeCompleted, fragments, nil
}

func (s *Session) validate(ctx context.Context, in Inbound) (*models.Conversation, error) {
	if strings.TrimSpace(in.ConversationID) == "" || in.Content == "" {
		return nil, apperr.Validation("conversation_id and content are required")
	}
	if in.Role != "" && models.Role(in.Role) != models.RoleUser {
		return nil, apperr.Validation("role %q cannot be sent by a client", in.Role)
	}
	// The conversation is reloaded every turn so prompt and model edits apply to the next turn.
	return s.relay.registry.AssertOwnership(ctx, in.ConversationID, s.actorID)
}

// assembleContext builds the upstream request: the conversation's system prompt
// first, then every stored message oldest-first.
func (s *Session) assembleContext(ctx context.Context, conv *models.Conversation) ([]models.ChatMessage, error) {
	stored, err := s.relay.history.Context(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	chat := make([]models.ChatMessage, 0, len(stored)+1)
	if conv.SystemPrompt != "" {
		chat = append(chat, models.ChatMessage{Role: models.RoleSystem, Content: conv.SystemPrompt})
	}
	for _, msg := range stored {
		switch msg.Role {
		case models.RoleSystem, models.RoleUser, models.RoleAssistant:
			chat = append(chat, models.ChatMessage{Role: msg.Role, Content: msg.Content})
		default:
			s.logger.Warn("skipping message with unknown role",
				zap.String("message_id", msg.ID),
				zap.String("role", string(msg.Role)))
		}
	}
	return chat, nil
}

// stream relays fragments as they arrive and returns their concatenation.
func (s *Session) stream(ctx context.Context, chat []models.ChatMessage, modelID string) (string, int, error) {
	start := time.Now()
	var (
		reply     strings.Builder
		fragments int
		err       error
	)
	defer func() {
		s.relay.metrics.RecordStream(metrics.OpUpstreamStream, time.Since(start), int64(fragments), err)
	}()

	stream, err := s.relay.gateway.StreamCompletion(ctx, chat, modelID)
	if err != nil {
		return "", 0, err
	}
	defer stream.Close()

	for {
		var fragment string
		fragment, err = stream.Recv()
		if errors.Is(err, io.EOF) {
			err = nil
			return reply.String(), fragments, nil
		}
		if err != nil {
			return reply.String(), fragments, err
		}
		if fragment == "" {
			continue
		}

		reply.WriteString(fragment)
		fragments++
		if err = s.emit(ctx, Event{Type: EventStream, Content: fragment}); err != nil {
			return reply.String(), fragments, err
		}
	}
}

func (s *Session) emit(ctx context.Context, ev Event) error {
	if err := s.emitter.Emit(ctx, ev); err != nil {
		return fmt.Errorf("%w: %v", errClientGone, err)
	}
	return nil
}

// fail reports err to the client and returns it for logging.
func (s *Session) fail(ctx context.Context, err error) error {
	if emitErr := s.emit(ctx, Event{Type: EventError, Error: apperr.UserMessage(err)}); emitErr != nil {
		s.logger.Debug("could not deliver error event", zap.Error(emitErr))
	}
	return err
}
