package probe

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextHook is a scoped acquire/release pair invoked around every HTTP
// attempt. Acquire runs before the request starts; Release runs on every
// exit path, including cancellation and exception. Both must be cheap.
type ContextHook interface {
	Acquire(ctx context.Context) (context.Context, func())
}

// correlationHook is the default ContextHook: it stamps a per-attempt
// correlation id into a scoped logger reachable from the returned context,
// mirroring the log.With()...Logger() scoping the rest of this codebase
// uses for request-scoped fields.
type correlationHook struct {
	log zerolog.Logger
}

// NewCorrelationHook returns a ContextHook that tags every attempt with a
// fresh correlation id, logged as "attempt_id".
func NewCorrelationHook(log zerolog.Logger) ContextHook {
	return &correlationHook{log: log}
}

func (h *correlationHook) Acquire(ctx context.Context) (context.Context, func()) {
	id := uuid.New().String()
	scoped := h.log.With().Str("attempt_id", id).Logger()
	ctx = scoped.WithContext(ctx)
	return ctx, func() {}
}
