// Package stdio implements the transport adapter for backends running as
// child processes. Requests are written to the child's stdin one JSON object
// per line; stdout is fed through the streaming framer so banner noise and
// concatenated frames are tolerated; stderr is captured line by line for the
// instance log ring.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pbmcp/pbmcp/pkg/logger"
	"github.com/pbmcp/pbmcp/pkg/mcp"
	"github.com/pbmcp/pbmcp/pkg/streaming"
	"github.com/pbmcp/pbmcp/pkg/transport"
)

// stopGracePeriod is how long Disconnect waits after closing stdin before
// killing the child outright.
const stopGracePeriod = 5 * time.Second

// Config describes the child process to run.
type Config struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
	Options    transport.Options

	// LogSink, when set, receives each stderr line from the child.
	LogSink func(line string)
}

// Adapter is the stdio transport adapter.
type Adapter struct {
	cfg Config

	mu        sync.Mutex
	writeMu   sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	corr      *transport.Correlator
	connected bool
	exited    chan struct{}
}

// New creates a stdio adapter for the given child process configuration.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg}
}

// Connect spawns the child process and starts the stdout/stderr pumps.
func (a *Adapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}
	if a.cfg.Command == "" {
		return fmt.Errorf("stdio transport requires a command")
	}

	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	cmd.Dir = a.cfg.WorkingDir
	cmd.Env = buildEnv(a.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", a.cfg.Command, err)
	}

	a.cmd = cmd
	a.stdin = stdin
	a.corr = transport.NewCorrelator()
	a.connected = true
	a.exited = make(chan struct{})

	go a.readStdout(stdout)
	go a.readStderr(stderr)
	go a.waitExit(cmd)

	logger.Debugw("Started stdio backend", "command", a.cfg.Command, "pid", cmd.Process.Pid)
	return nil
}

// Attach wires the adapter to an existing pair of pipes instead of spawning a
// child. This is how the container adapter reuses the stdio plumbing, and it
// lets tests run an in-process backend.
func (a *Adapter) Attach(stdin io.WriteCloser, stdout io.Reader) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stdin = stdin
	a.corr = transport.NewCorrelator()
	a.connected = true
	a.exited = make(chan struct{})
	go a.readStdout(stdout)
}

// Disconnect closes stdin, gives the child a grace period, then kills it.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	stdin := a.stdin
	cmd := a.cmd
	corr := a.corr
	exited := a.exited
	a.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if cmd != nil && cmd.Process != nil {
		select {
		case <-exited:
		case <-time.After(stopGracePeriod):
			logger.Warnf("Killing stdio backend pid %d after grace period", cmd.Process.Pid)
			_ = cmd.Process.Kill()
			<-exited
		}
	}

	corr.Close(transport.ErrTransportClosed)
	return nil
}

// Send writes one message to the child's stdin. Writes preserve caller order.
func (a *Adapter) Send(_ context.Context, msg *mcp.Message) error {
	a.mu.Lock()
	connected := a.connected
	stdin := a.stdin
	a.mu.Unlock()

	if !connected {
		return transport.ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to backend stdin: %w", err)
	}
	return nil
}

// Receive returns the next unsolicited message from the child.
func (a *Adapter) Receive(ctx context.Context) (*mcp.Message, error) {
	a.mu.Lock()
	corr := a.corr
	a.mu.Unlock()
	if corr == nil {
		return nil, transport.ErrNotConnected
	}
	return corr.Receive(ctx)
}

// SendAndReceive sends a request and waits for the response with the same id.
func (a *Adapter) SendAndReceive(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	a.mu.Lock()
	connected := a.connected
	corr := a.corr
	a.mu.Unlock()

	if !connected {
		return nil, transport.ErrNotConnected
	}

	if msg.ID == nil {
		msg.ID = transport.GenerateID()
	}

	ctx, cancel := transport.WithTimeout(ctx, a.cfg.Options.MessageTimeout())
	defer cancel()

	ch, release := corr.Register(msg.ID)
	if err := a.Send(ctx, msg); err != nil {
		release()
		return nil, err
	}
	return corr.Wait(ctx, ch, release)
}

// IsConnected reports whether the child is running and attached.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// HealthCheck verifies the child process is still alive.
func (a *Adapter) HealthCheck(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return transport.ErrNotConnected
	}
	return nil
}

// Pid returns the child's process id, or zero when not spawned.
func (a *Adapter) Pid() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cmd == nil || a.cmd.Process == nil {
		return 0
	}
	return a.cmd.Process.Pid
}

func (a *Adapter) readStdout(stdout io.Reader) {
	a.mu.Lock()
	corr := a.corr
	a.mu.Unlock()

	framer := streaming.NewFramer(streaming.Config{
		OnError: func(err error) {
			logger.Warnw("Dropping malformed frame from backend stdout", "error", err)
		},
	})

	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			msgs, _ := framer.Push(buf[:n])
			for _, msg := range msgs {
				if vErr := msg.Validate(); vErr != nil {
					logger.Warnw("Ignoring invalid JSON-RPC message", "error", vErr)
					continue
				}
				corr.Dispatch(msg)
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Debugw("Backend stdout closed with error", "error", err)
			}
			a.onStreamClosed()
			return
		}
	}
}

func (a *Adapter) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if a.cfg.LogSink != nil {
			a.cfg.LogSink(line)
		}
		logger.Debugw("backend stderr", "command", a.cfg.Command, "line", line)
	}
}

func (a *Adapter) waitExit(cmd *exec.Cmd) {
	err := cmd.Wait()

	a.mu.Lock()
	wasConnected := a.connected
	a.connected = false
	exited := a.exited
	corr := a.corr
	a.mu.Unlock()

	close(exited)
	if wasConnected {
		logger.Warnw("Backend process exited unexpectedly", "command", a.cfg.Command, "error", err)
	}
	corr.Close(transport.ErrTransportClosed)
}

// onStreamClosed flips the adapter to disconnected when stdout goes away for
// pipe-attached adapters that have no child process to wait on.
func (a *Adapter) onStreamClosed() {
	a.mu.Lock()
	hasChild := a.cmd != nil
	wasConnected := a.connected
	corr := a.corr
	exited := a.exited
	if !hasChild {
		a.connected = false
	}
	a.mu.Unlock()

	// With a child process, waitExit owns the shutdown path.
	if hasChild {
		return
	}
	if wasConnected {
		select {
		case <-exited:
		default:
			close(exited)
		}
		corr.Close(transport.ErrTransportClosed)
	}
}

// buildEnv scopes the child to an explicit environment on top of PATH and
// HOME from the gateway process, so templates see only what they declare.
func buildEnv(env map[string]string) []string {
	out := make([]string, 0, len(env)+2)
	for _, inherited := range []string{"PATH", "HOME"} {
		if v, ok := os.LookupEnv(inherited); ok {
			out = append(out, inherited+"="+v)
		}
	}
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
