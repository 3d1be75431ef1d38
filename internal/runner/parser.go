package runner

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// StreamParser converts the runner's line-delimited JSON stdout into events.
//
// The parser pulls from the underlying reader one line at a time; it never
// buffers more than one line plus the reader's chunk. Malformed lines are
// skipped silently. Events of type "log" are forwarded to the server log at
// the carried level and are not yielded downstream.
type StreamParser struct {
	r      *bufio.Reader
	logger *logger.Logger
	done   bool
}

// NewStreamParser wraps the runner's stdout stream.
func NewStreamParser(r io.Reader, log *logger.Logger) *StreamParser {
	return &StreamParser{
		r:      bufio.NewReader(r),
		logger: log.WithComponent("stream_parser"),
	}
}

// Next returns the next event from the stream. It returns io.EOF when the
// stream ends; a trailing partial line at EOF is parsed if non-empty.
func (p *StreamParser) Next() (*Event, error) {
	for {
		if p.done {
			return nil, io.EOF
		}

		line, err := p.r.ReadString('\n')
		if err == io.EOF {
			p.done = true
			if strings.TrimSpace(line) == "" {
				return nil, io.EOF
			}
			// Fall through to parse the final partial line.
		} else if err != nil {
			return nil, err
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		var ev Event
		if jsonErr := json.Unmarshal([]byte(trimmed), &ev); jsonErr != nil {
			p.logger.Debug("skipping malformed runner output line",
				zap.Int("length", len(trimmed)))
			continue
		}

		if ev.Type == EventLog {
			p.forwardLog(&ev)
			continue
		}

		return &ev, nil
	}
}

// forwardLog relays a runner log event to the server's structured logger.
func (p *StreamParser) forwardLog(ev *Event) {
	var payload LogPayload
	if err := ev.DecodePayload(&payload); err != nil {
		p.logger.Debug("runner log event with undecodable payload")
		return
	}

	fields := []zap.Field{zap.String("origin", "runner")}
	if len(payload.Data) > 0 {
		fields = append(fields, zap.Any("data", json.RawMessage(payload.Data)))
	}

	switch payload.Level {
	case "debug":
		p.logger.Debug(payload.Message, fields...)
	case "warn":
		p.logger.Warn(payload.Message, fields...)
	case "error":
		p.logger.Error(payload.Message, fields...)
	default:
		p.logger.Info(payload.Message, fields...)
	}
}
