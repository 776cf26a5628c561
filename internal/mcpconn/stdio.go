package mcpconn

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// stdioTransport frames one JSON object per line (LF-delimited) over a
// subprocess's stdin/stdout; stderr is captured into a ring-free buffer for
// diagnostics and never parsed as protocol.
type stdioTransport struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	mu         sync.Mutex
	stderrBuf  bytes.Buffer
	stderrMu   sync.Mutex
	closedCh   chan struct{}
	closeOnce  sync.Once
}

// OpenStdio starts argv as a subprocess and returns a handshaken Session
// talking to it over its stdin/stdout.
func OpenStdio(ctx context.Context, argv []string, env []string) (*Session, error) {
	if len(argv) == 0 {
		return nil, errNoCommand
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	t := &stdioTransport{
		cmd:      cmd,
		stdin:    stdin,
		closedCh: make(chan struct{}),
	}

	inbound := make(chan []byte, 16)
	go t.readStderr(stderr)
	go t.readStdout(stdout, inbound)
	go t.waitForExit()

	session := newSession(t, inbound)
	session.onClose = func() { t.terminate(2 * time.Second) }
	if err := session.Handshake(ctx); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

var errNoCommand = bufErr("stdio session requires a non-empty command")

type bufErr string

func (e bufErr) Error() string { return string(e) }

func (t *stdioTransport) send(_ context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.stdin.Write(payload); err != nil {
		return err
	}
	_, err := t.stdin.Write([]byte("\n"))
	return err
}

func (t *stdioTransport) closed() <-chan struct{} { return t.closedCh }

func (t *stdioTransport) readStdout(r io.Reader, inbound chan []byte) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		inbound <- cp
	}
	close(inbound)
}

func (t *stdioTransport) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.stderrMu.Lock()
		t.stderrBuf.Write(scanner.Bytes())
		t.stderrBuf.WriteByte('\n')
		t.stderrMu.Unlock()
		klog.V(1).Infof("mcpconn: stderr: %s", scanner.Text())
	}
}

// Stderr returns whatever the peer has written to stderr so far, for
// diagnostics; never interpreted as protocol.
func (t *stdioTransport) Stderr() string {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()
	return t.stderrBuf.String()
}

func (t *stdioTransport) waitForExit() {
	_ = t.cmd.Wait()
	t.closeOnce.Do(func() { close(t.closedCh) })
}

// terminate closes stdin and waits up to grace for the process to exit
// (stdout keeps draining meanwhile), then kills the process. Only the
// direct child is killed; processes it started are not signalled.
func (t *stdioTransport) terminate(grace time.Duration) {
	_ = t.stdin.Close()
	done := make(chan struct{})
	go func() {
		_ = t.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
	}
}
