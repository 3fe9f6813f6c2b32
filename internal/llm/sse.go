package llm

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/RichardoC/padi-relay/internal/apperr"
	"go.uber.org/zap"
)

const doneSentinel = "[DONE]"

type decoderState int

const (
	stateReadingEvent decoderState = iota
	stateParsingPayload
	stateEmitFragment
	stateDrop
	stateFinished
)

func (s decoderState) String() string {
	switch s {
	case stateReadingEvent:
		return "reading_event"
	case stateParsingPayload:
		return "parsing_payload"
	case stateEmitFragment:
		return "emit_fragment"
	case stateDrop:
		return "drop"
	case stateFinished:
		return "finished"
	}
	return fmt.Sprintf("decoderState(%d)", int(s))
}

// DecodeError reports an event payload that was not a completion chunk.
// It never leaves the decoder; the event is dropped.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event payload %q: %v", truncate(e.Payload, 80), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// sseDecoder turns a text/event-stream body into completion fragments.
type sseDecoder struct {
	r      *bufio.Reader
	logger *zap.Logger

	state    decoderState
	data     []string
	queue    []string
	eof      bool
	fragment string
	dropped  int
}

func newSSEDecoder(r io.Reader, logger *zap.Logger) *sseDecoder {
	return &sseDecoder{
		r:      bufio.NewReader(r),
		logger: logger,
		state:  stateReadingEvent,
	}
}

// Next returns the next non-empty fragment, io.EOF when the stream is over,
// or an upstream error when reading the body fails.
func (d *sseDecoder) Next() (string, error) {
	for {
		switch d.state {
		case stateReadingEvent:
			if err := d.readEvent(); err != nil {
				d.state = stateFinished
				return "", err
			}

		case stateParsingPayload:
			d.parsePayload()

		case stateEmitFragment:
			d.advance()
			return d.fragment, nil

		case stateDrop:
			d.advance()

		case stateFinished:
			return "", io.EOF
		}
	}
}

// advance picks the next state once a payload has been handled.
func (d *sseDecoder) advance() {
	switch {
	case len(d.queue) > 0:
		d.state = stateParsingPayload
	case d.eof:
		d.state = stateFinished
	default:
		d.state = stateReadingEvent
	}
}

// readEvent consumes lines until an event is complete and moves to
// stateParsingPayload, or to stateFinished at the end of the body.
func (d *sseDecoder) readEvent() error {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return apperr.Upstream("reading completion stream failed", err)
		}
		if errors.Is(err, io.EOF) {
			d.eof = true
			if line != "" {
				d.field(strings.TrimRight(line, "\r\n"))
			}
			if len(d.data) > 0 {
				d.state = stateParsingPayload
			} else {
				d.state = stateFinished
			}
			return nil
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(d.data) > 0 {
				d.state = stateParsingPayload
				return nil
			}
			continue
		}
		d.field(line)
	}
}

// field applies one non-blank line to the event being accumulated.
// Only data fields matter; comments and other fields are ignored.
func (d *sseDecoder) field(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	name, value, _ := strings.Cut(line, ":")
	if name != "data" {
		return
	}
	d.data = append(d.data, strings.TrimPrefix(value, " "))
}

// parsePayload handles the next queued payload. An event is normally one
// payload, its data lines joined. Some upstreams separate events with a single
// newline, so an event whose joined data is not JSON is split into one payload
// per data line.
func (d *sseDecoder) parsePayload() {
	if len(d.queue) == 0 {
		joined := strings.Join(d.data, "\n")
		if len(d.data) > 1 && !json.Valid([]byte(joined)) {
			d.queue = append(d.queue, d.data...)
		} else {
			d.queue = append(d.queue, joined)
		}
		d.data = d.data[:0]
	}
	payload := d.queue[0]
	d.queue = d.queue[1:]

	if strings.TrimSpace(payload) == doneSentinel {
		d.queue = nil
		d.state = stateFinished
		return
	}

	var chunk completionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		d.dropped++
		d.logger.Debug("dropping malformed stream event",
			zap.Error(&DecodeError{Payload: payload, Err: err}))
		d.state = stateDrop
		return
	}

	// Only the first choice is relayed.
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		d.state = stateDrop
		return
	}

	d.fragment = chunk.Choices[0].Delta.Content
	d.state = stateEmitFragment
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
