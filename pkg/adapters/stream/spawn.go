package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"sort"
	"strings"
	"sync"
)

// Spawn starts command as the actor and talks to it over its stdin and stdout.
// Lines the actor writes to stderr are logged. The process is killed when ctx
// is cancelled and reaped once its stdout is closed.
func Spawn(ctx context.Context, command string, args []string, env map[string]string, opts ...Option) (*Backend, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = append(cmd.Environ(), environ(env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin of %s: %w", command, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout of %s: %w", command, err)
	}

	b := newBackend(opts...)
	stderr := &lineLogger{logger: b.logger.With("command", command)}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}
	b.logger.Info("Backend process started", "command", command, "pid", cmd.Process.Pid)

	b.start(&pipeConn{Reader: stdout, WriteCloser: stdin}, func() error {
		err := cmd.Wait()
		stderr.Flush()
		return err
	})
	return b, nil
}

// Dial connects to an actor that was started independently. address is
// "unix:///path", "tcp://host:port" or a bare "host:port".
func Dial(ctx context.Context, address string, opts ...Option) (*Backend, error) {
	network, addr := splitAddress(address)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial backend %s: %w", address, err)
	}
	return New(conn, opts...), nil
}

func splitAddress(address string) (network, addr string) {
	switch {
	case strings.HasPrefix(address, "unix://"):
		return "unix", strings.TrimPrefix(address, "unix://")
	case strings.HasPrefix(address, "tcp://"):
		return "tcp", strings.TrimPrefix(address, "tcp://")
	default:
		return "tcp", address
	}
}

func environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// pipeConn joins a process's stdout and stdin. Closing it closes stdin only;
// the reader sees EOF once the process exits.
type pipeConn struct {
	io.Reader
	io.WriteCloser
}

// lineLogger logs every complete line written to it.
type lineLogger struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// Keep the incomplete tail for the next write.
			l.buf.Reset()
			l.buf.WriteString(line)
			return len(p), nil
		}
		l.emit(line)
	}
}

// Flush logs a trailing line without newline.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.emit(l.buf.String())
		l.buf.Reset()
	}
}

func (l *lineLogger) emit(line string) {
	if line = strings.TrimRight(line, "\r\n"); line != "" {
		l.logger.Warn("Backend stderr", "line", line)
	}
}
