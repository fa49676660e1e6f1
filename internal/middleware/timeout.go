package middleware

import (
	"context"
	"time"

	"github.com/turbomcp-go/turbomcp/internal/protocol"
)

// Timeout is the outermost built-in layer: it caps the entire remaining
// pipeline at d, per spec.md §4.5 ("Timeout is outermost so it caps the
// entire pipeline").
type Timeout struct {
	D time.Duration
}

func (Timeout) Name() string { return "timeout" }

func (t Timeout) Handle(ctx context.Context, req *protocol.Request, next Next) (*protocol.Response, *protocol.Error) {
	if t.D <= 0 {
		return next(ctx, req)
	}
	ctx, cancel := context.WithTimeout(ctx, t.D)
	defer cancel()

	type result struct {
		resp *protocol.Response
		err  *protocol.Error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := next(ctx, req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, protocol.NewError(protocol.CodeInternalError, "request timed out", nil)
	}
}
