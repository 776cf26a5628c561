package mcpconn

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/scoutflo/mcp-platform/internal/errs"
)

// DefaultRequestTimeout is the per-call timeout used when a caller does not
// supply a context deadline.
const DefaultRequestTimeout = 30 * time.Second

// transport is the wire-level capability a Session needs: send one framed
// message, and a channel of inbound raw messages plus a signal for
// transport-level death (process exit / connection reset).
type transport interface {
	send(ctx context.Context, payload []byte) error
	closed() <-chan struct{}
}

// pendingCall carries either the peer's matched response or, on session
// death, the transport-level cause. The two channels stay separate so a
// dying session surfaces as a ProtocolError and never masquerades as a
// peer JSON-RPC error.
type pendingCall struct {
	resultCh chan response
	failCh   chan error
}

// Session is one open MCP connection, stdio or http. It is safe for
// concurrent Call/Notify use; only one handshake may run at a time, done
// automatically by Open.
type Session struct {
	mu        sync.Mutex
	pending   map[int64]*pendingCall
	nextID    int64
	healthy   atomic.Bool
	transport transport
	inbound   chan []byte
	closeOnce sync.Once
	doneCh    chan struct{}
	onClose   func()
}

func newSession(t transport, inbound chan []byte) *Session {
	s := &Session{
		pending:   make(map[int64]*pendingCall),
		transport: t,
		inbound:   inbound,
		doneCh:    make(chan struct{}),
	}
	s.healthy.Store(true)
	go s.readLoop()
	go s.watchTransportDeath()
	return s
}

// Healthy reports whether the session can still accept calls.
func (s *Session) Healthy() bool { return s.healthy.Load() }

// Handshake performs the MCP initialize/initialized exchange.
func (s *Session) Handshake(ctx context.Context) error {
	params, _ := json.Marshal(initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      clientInfo{Name: "mcp-platform", Version: "0.1"},
		Capabilities:    map[string]any{},
	})
	raw, err := s.call(ctx, "initialize", params)
	if err != nil {
		s.markUnhealthy()
		return errs.ProtocolErrorf(err, "initialize handshake failed")
	}
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.markUnhealthy()
		return errs.ProtocolErrorf(err, "malformed initialize result")
	}
	if result.ProtocolVersion != ProtocolVersion {
		s.markUnhealthy()
		return errs.ProtocolIncompatible(result.ProtocolVersion, ProtocolVersion)
	}

	notifyPayload, _ := json.Marshal(notification{JSONRPC: jsonrpcVersion, Method: "notifications/initialized"})
	if err := s.transport.send(ctx, notifyPayload); err != nil {
		s.markUnhealthy()
		return errs.ProtocolErrorf(err, "initialized notification failed")
	}
	return nil
}

// ListTools calls tools/list.
func (s *Session) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	raw, err := s.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.markUnhealthy()
		return nil, errs.ProtocolErrorf(err, "malformed tools/list result")
	}
	return result.Tools, nil
}

// CallTool calls tools/call. A JSON-RPC error from the peer is returned as
// a *CallError without marking the session unhealthy.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	params, _ := json.Marshal(callToolParams{Name: name, Arguments: args})
	raw, err := s.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.markUnhealthy()
		return nil, errs.ProtocolErrorf(err, "malformed tools/call result")
	}
	return &result, nil
}

// call sends req and blocks for its matching response, honoring ctx's
// deadline or DefaultRequestTimeout, whichever is sooner.
func (s *Session) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if !s.Healthy() {
		return nil, errs.ProtocolErrorf(nil, "session is unhealthy")
	}

	id := atomic.AddInt64(&s.nextID, 1)
	pc := &pendingCall{resultCh: make(chan response, 1), failCh: make(chan error, 1)}

	s.mu.Lock()
	s.pending[id] = pc
	s.mu.Unlock()

	cleanup := func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}

	payload, err := json.Marshal(request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		cleanup()
		return nil, errs.ProtocolErrorf(err, "failed to encode request")
	}
	if err := s.transport.send(ctx, payload); err != nil {
		cleanup()
		return nil, errs.ProtocolErrorf(err, "failed to send request")
	}

	timeout := DefaultRequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pc.resultCh:
		cleanup()
		if resp.Error != nil {
			return nil, &CallError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		}
		return resp.Result, nil
	case cause := <-pc.failCh:
		cleanup()
		return nil, cause
	case <-timer.C:
		cleanup()
		return nil, errs.RequestTimeout()
	case <-ctx.Done():
		cleanup()
		return nil, errs.Canceled()
	case <-s.doneCh:
		cleanup()
		return nil, errs.ProtocolErrorf(nil, "session closed")
	}
}

func (s *Session) readLoop() {
	for raw := range s.inbound {
		var resp response
		if err := json.Unmarshal(raw, &resp); err != nil {
			klog.Errorf("mcpconn: malformed message from peer: %v", err)
			// Mark unhealthy before any waiter unblocks, so a caller that
			// checks Healthy() right after its call fails sees the truth,
			// then tear the session (and its subprocess) down.
			s.markUnhealthy()
			s.failAllPending(errs.ProtocolErrorf(err, "malformed JSON from peer"))
			s.Close()
			return
		}
		s.mu.Lock()
		pc, ok := s.pending[resp.ID]
		s.mu.Unlock()
		if !ok {
			continue // late or unsolicited response, dropped silently
		}
		pc.resultCh <- resp
	}
}

func (s *Session) watchTransportDeath() {
	select {
	case <-s.transport.closed():
		s.markUnhealthy()
		s.failAllPending(errs.ProtocolErrorf(nil, "connection closed"))
		s.Close()
	case <-s.doneCh:
	}
}

// failAllPending unblocks every in-flight call with cause. The callers
// observe a ProtocolError, never a synthetic peer response.
func (s *Session) failAllPending(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pc := range s.pending {
		select {
		case pc.failCh <- cause:
		default:
		}
	}
}

func (s *Session) markUnhealthy() {
	s.healthy.Store(false)
}

// Close tears the session down; it is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.markUnhealthy()
		close(s.doneCh)
		if s.onClose != nil {
			s.onClose()
		}
	})
}
