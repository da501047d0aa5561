package broker

import (
	"context"

	"go.uber.org/zap"
)

// Handler processes one consumed message. Messages can be redelivered, so
// implementations must be idempotent.
type Handler interface {
	Handle(ctx context.Context, key, payload []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, key, payload []byte) error

func (f HandlerFunc) Handle(ctx context.Context, key, payload []byte) error {
	return f(ctx, key, payload)
}

// LogHandler writes every message to the logger and never fails.
type LogHandler struct {
	log  *zap.SugaredLogger
	name string
}

func NewLogHandler(name string, logger *zap.SugaredLogger) *LogHandler {
	return &LogHandler{log: logger, name: name}
}

func (h *LogHandler) Handle(_ context.Context, key, payload []byte) error {
	h.log.Infow("message received", "pipeline", h.name, "key", string(key), "payload", string(payload))
	return nil
}
