package mcpconn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// httpTransport POSTs each JSON-RPC request to the server's base URL over a
// single reused connection (no server-push, one TCP connection per
// session). Responses are delivered synchronously from the
// POST itself, so send fans each reply back into the shared inbound
// channel rather than relying on a separate read loop.
type httpTransport struct {
	baseURL string
	client  *http.Client
	headers map[string]string
	inbound chan []byte

	mu       sync.Mutex
	closedCh chan struct{}
	closed_  bool
}

// OpenHTTP opens a handshaken Session against baseURL.
func OpenHTTP(ctx context.Context, baseURL string, headers map[string]string) (*Session, error) {
	t := &httpTransport{
		baseURL: baseURL,
		headers: headers,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 1,
			},
		},
		closedCh: make(chan struct{}),
	}

	inbound := make(chan []byte, 16)
	t.inbound = inbound

	session := newSession(t, inbound)
	session.onClose = func() { t.close() }
	if err := session.Handshake(ctx); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

func (t *httpTransport) send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.close()
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.close()
		return err
	}
	if resp.StatusCode >= 500 {
		t.close()
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	// Notifications get no JSON-RPC reply; an empty body must not reach the
	// session's read loop or it would be treated as a malformed message.
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	select {
	case t.inbound <- body:
	case <-t.closedCh:
	}
	return nil
}

func (t *httpTransport) closed() <-chan struct{} { return t.closedCh }

func (t *httpTransport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed_ {
		return
	}
	t.closed_ = true
	close(t.closedCh)
}
