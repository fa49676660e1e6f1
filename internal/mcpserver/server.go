package mcpserver

import (
	"context"

	"go.uber.org/zap"

	"github.com/turbomcp-go/turbomcp/internal/middleware"
	"github.com/turbomcp-go/turbomcp/internal/protocol"
	"github.com/turbomcp-go/turbomcp/internal/transport"
)

// Server drives one transport's inbound message stream through the
// method router, wrapped in the middleware chain. Requests on a single
// connection are processed strictly in arrival order — including
// notifications, which produce no response — matching spec.md §4.6's
// per-connection ordering guarantee; concurrency across connections comes
// from running one Server.Serve per transport/connection, not from
// parallelizing within one.
type Server struct {
	router  *Router
	chain   *middleware.Chain
	runtime *Runtime
	logger  *zap.Logger
}

// New builds a Server from an already-assembled middleware.Chain (see
// CoreHandler to build the chain's innermost Next from router+rt).
func New(router *Router, chain *middleware.Chain, rt *Runtime, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{router: router, chain: chain, runtime: rt, logger: logger}
}

// CoreHandler adapts a Router bound to rt into the middleware.Next the
// innermost layer of a middleware.Chain ultimately calls, closing the loop
// spec.md §4.5 describes between the middleware pipeline and the C6 router.
func CoreHandler(router *Router, rt *Runtime) middleware.Next {
	return func(ctx context.Context, req *protocol.Request) (*protocol.Response, *protocol.Error) {
		return router.Dispatch(ctx, rt, req)
	}
}

// Serve reads from tr until Receive returns (nil, nil) (clean EOF) or an
// error, dispatching each message and writing back whatever response (if
// any) results.
func (s *Server) Serve(ctx context.Context, tr transport.Transport) error {
	for {
		msg, err := tr.Receive(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}

		resp := s.handleRaw(ctx, msg.Payload)
		if resp == nil {
			continue
		}
		if sendErr := tr.Send(ctx, transport.Message{
			ID:       msg.ID,
			Payload:  resp,
			Metadata: transport.Metadata{CorrelationID: msg.ID},
		}); sendErr != nil {
			s.logger.Warn("failed to send response", zap.Error(sendErr))
		}
	}
}

// handleRaw parses, dispatches, and re-serializes one frame. It returns nil
// when no response is sent at all (a notification, a frame that is itself a
// response, or a response that fails to serialize). A parse failure is
// always answered, with a null id when none could be recovered.
func (s *Server) handleRaw(ctx context.Context, payload []byte) []byte {
	msg, parseErr := protocol.Parse(payload)
	if parseErr != nil {
		data, _ := protocol.SerializeResponse(parseErr.Response)
		return data
	}

	switch {
	case msg.IsNotification():
		// spec.md §4.6: notifications never produce a response body.
		s.dispatchNotification(ctx, msg.Notification)
		return nil

	case msg.IsRequest():
		req := msg.Request
		resp, rpcErr := s.chain.Handle(ctx, req)
		if rpcErr != nil {
			resp = protocol.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		}
		data, err := protocol.SerializeResponse(resp)
		if err != nil {
			s.logger.Warn("failed to serialize response", zap.Error(err))
			return nil
		}
		return data

	default:
		return nil
	}
}

func (s *Server) dispatchNotification(ctx context.Context, n *protocol.Notification) {
	req := &protocol.Request{JSONRPC: protocol.Version, Method: n.Method, Params: n.Params, ID: protocol.AbsentID()}
	if _, rpcErr := s.router.Dispatch(ctx, s.runtime, req); rpcErr != nil {
		s.logger.Debug("notification handler returned an error, dropped", zap.String("method", n.Method), zap.Int("code", rpcErr.Code))
	}
}
