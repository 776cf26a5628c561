// Package client is a thin, connection-oriented library over the MCP
// connection and tool-validation layers, letting external code connect to an
// already-running MCP server and invoke its tools directly. It does not
// start, stop, or list backend deployments — composing a deploy-then-call
// flow with the Deployment Manager is left to the caller.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/mcpconn"
	"github.com/scoutflo/mcp-platform/internal/toolmanager"
)

// TransportKind selects how Connect reaches the server.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// ConnectOptions describes the server a Connect call should reach.
type ConnectOptions struct {
	Transport TransportKind
	// stdio
	Command []string
	Env     []string
	// http
	BaseURL string
	Headers map[string]string
}

// ConnectionDescriptor is the Client-facing view of one open connection,
// returned by ListConnected.
type ConnectionDescriptor struct {
	ConnectionID string
	Transport    TransportKind
	Healthy      bool
	OpenedAt     time.Time
}

type connection struct {
	id        string
	transport TransportKind
	session   *mcpconn.Session
	openedAt  time.Time
}

// Client is the owner of every connection it opens; each must be closed by
// Disconnect or CloseAll on all exit paths.
type Client struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

// New creates an empty Client.
func New() *Client {
	return &Client{conns: make(map[string]*connection)}
}

// Connect opens a new MCP session per opts and returns its connection id.
func (c *Client) Connect(ctx context.Context, opts ConnectOptions) (string, error) {
	var session *mcpconn.Session
	var err error

	switch opts.Transport {
	case TransportStdio:
		session, err = mcpconn.OpenStdio(ctx, opts.Command, opts.Env)
	case TransportHTTP:
		session, err = mcpconn.OpenHTTP(ctx, opts.BaseURL, opts.Headers)
	default:
		return "", fmt.Errorf("client: unknown transport %q", opts.Transport)
	}
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.conns[id] = &connection{id: id, transport: opts.Transport, session: session, openedAt: time.Now()}
	c.mu.Unlock()

	klog.V(1).Infof("client: connected %s (%s)", id, opts.Transport)
	return id, nil
}

// ListConnected reports every currently-open connection.
func (c *Client) ListConnected() []ConnectionDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ConnectionDescriptor, 0, len(c.conns))
	for _, conn := range c.conns {
		out = append(out, ConnectionDescriptor{
			ConnectionID: conn.id,
			Transport:    conn.transport,
			Healthy:      conn.session.Healthy(),
			OpenedAt:     conn.openedAt,
		})
	}
	return out
}

func (c *Client) get(connectionID string) (*connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[connectionID]
	if !ok {
		return nil, errs.ProtocolErrorf(nil, "unknown connection %q", connectionID)
	}
	return conn, nil
}

// ListTools calls tools/list on connectionID's session.
func (c *Client) ListTools(ctx context.Context, connectionID string) ([]toolmanager.Tool, error) {
	conn, err := c.get(connectionID)
	if err != nil {
		return nil, err
	}
	descriptors, err := conn.session.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	tools := make([]toolmanager.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, toolmanager.ToolFromDescriptor(d, toolmanager.SourceDynamic))
	}
	return tools, nil
}

// CallTool validates args against the tool's discovered input schema (reuse
// of the Tool Manager's validation) and, if valid, forwards
// tools/call over connectionID's session.
func (c *Client) CallTool(ctx context.Context, connectionID, name string, args map[string]any) (*mcpconn.CallToolResult, error) {
	conn, err := c.get(connectionID)
	if err != nil {
		return nil, err
	}

	descriptors, err := conn.session.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	var tool *toolmanager.Tool
	for _, d := range descriptors {
		if d.Name == name {
			t := toolmanager.ToolFromDescriptor(d, toolmanager.SourceDynamic)
			tool = &t
			break
		}
	}
	if tool == nil {
		return nil, errs.ToolUnknown(name)
	}
	if err := toolmanager.ValidateArguments(*tool, args); err != nil {
		return nil, err
	}

	return conn.session.CallTool(ctx, name, args)
}

// Disconnect closes and forgets one connection; it is a no-op if
// connectionID is already gone.
func (c *Client) Disconnect(connectionID string) {
	c.mu.Lock()
	conn, ok := c.conns[connectionID]
	if ok {
		delete(c.conns, connectionID)
	}
	c.mu.Unlock()
	if ok {
		conn.session.Close()
	}
}

// CloseAll closes every open connection.
func (c *Client) CloseAll() {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*connection)
	c.mu.Unlock()
	for _, conn := range conns {
		conn.session.Close()
	}
}
