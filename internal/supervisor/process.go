package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/cigen/internal/plugin"
	"github.com/mattjoyce/cigen/pkg/protocol"
)

// State is a point in a plugin process's lifecycle.
type State int

const (
	StateNotStarted State = iota
	StateSpawning
	StateHandshakeSent
	StateActive
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateSpawning:
		return "spawning"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrProtocolMismatch is returned when a plugin reports a protocol version
	// other than protocol.ProtocolVersion.
	ErrProtocolMismatch = errors.New("plugin protocol version mismatch")

	// ErrHandshake is returned when the Identity reply is unusable.
	ErrHandshake = errors.New("invalid plugin handshake")

	// ErrSpawn is returned when the plugin executable cannot be started.
	ErrSpawn = errors.New("failed to spawn plugin")

	// ErrTimeout is returned when a handshake or exchange exceeds its timeout.
	ErrTimeout = errors.New("plugin timed out")

	// ErrNotActive is returned when exchanging with a process that is not Active.
	ErrNotActive = errors.New("plugin process is not active")
)

// Process is one running plugin. Exchanges on a process are strictly
// sequential: one request, one response.
type Process struct {
	name string
	path string
	opts Options

	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	w      *bufio.Writer

	exchangeMu sync.Mutex

	mu     sync.Mutex
	state  State
	meta   *plugin.Metadata
	failed error

	exited  chan struct{}
	waitErr error

	stopOnce sync.Once
	logger   *slog.Logger

	pipe func() (*os.File, *os.File, error)
}

func newProcess(name, path string, opts Options, logger *slog.Logger) *Process {
	return &Process{
		name:   name,
		path:   path,
		opts:   opts,
		exited: make(chan struct{}),
		logger: logger.With(slog.String("provider", name)),
		pipe:   os.Pipe,
	}
}

// Name returns the provider name the process was launched for.
func (p *Process) Name() string { return p.name }

// Path returns the executable path.
func (p *Process) Path() string { return p.path }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Metadata returns what the plugin reported during the handshake, or nil
// before the process is Active.
func (p *Process) Metadata() *plugin.Metadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Process) spawn() error {
	p.setState(StateSpawning)

	inR, inW, err := p.pipe()
	if err != nil {
		p.abandon()
		return fmt.Errorf("%w: %s: stdin pipe: %w", ErrSpawn, p.name, err)
	}
	outR, outW, err := p.pipe()
	if err != nil {
		p.abandon(inR, inW)
		return fmt.Errorf("%w: %s: stdout pipe: %w", ErrSpawn, p.name, err)
	}

	cmd := exec.Command(p.path)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = p.opts.stderr()

	p.logger.Debug("spawning plugin", "path", p.path)
	if err := cmd.Start(); err != nil {
		p.abandon(inR, inW, outR, outW)
		return fmt.Errorf("%w: %s: %w", ErrSpawn, p.path, err)
	}

	// The child holds its own copies now.
	inR.Close()
	outW.Close()

	p.cmd = cmd
	p.stdin = inW
	p.stdout = outR
	p.w = bufio.NewWriter(inW)

	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return nil
}

// abandon releases files opened by a spawn that never produced a child and
// marks the process Terminated, so Shutdown has nothing to wait for.
func (p *Process) abandon(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
	p.setState(StateTerminated)
	close(p.exited)
}

func (p *Process) handshake(ctx context.Context) error {
	hello := &protocol.Hello{
		ProtocolVersion: protocol.ProtocolVersion,
		CoreVersion:     p.opts.CoreVersion,
		Env:             p.opts.helloEnv(),
	}

	p.exchangeMu.Lock()
	defer p.exchangeMu.Unlock()

	p.setState(StateHandshakeSent)
	var id protocol.Identity
	if err := p.roundTrip(ctx, p.opts.HandshakeTimeout, hello, &id); err != nil {
		return fmt.Errorf("handshake with %s: %w", p.name, err)
	}

	if id.Protocol != protocol.ProtocolVersion {
		return fmt.Errorf("%w: %s speaks protocol %d, core speaks %d",
			ErrProtocolMismatch, p.name, id.Protocol, protocol.ProtocolVersion)
	}
	if strings.TrimSpace(id.Name) == "" {
		return fmt.Errorf("%w: %s: identity has no name", ErrHandshake, p.name)
	}
	if id.Name != p.name {
		p.logger.Warn("plugin identifies under a different name", "identity", id.Name)
	}

	p.mu.Lock()
	p.meta = plugin.NewMetadata(p.path, &id)
	p.state = StateActive
	p.mu.Unlock()

	p.logger.Info("plugin ready", "version", id.Version, "capabilities", id.Capabilities)
	return nil
}

// Exchange sends req and decodes the reply into resp. Concurrent callers are
// serialized; a failed exchange poisons the process for later callers.
func (p *Process) Exchange(ctx context.Context, req, resp protocol.Message) error {
	p.exchangeMu.Lock()
	defer p.exchangeMu.Unlock()

	p.mu.Lock()
	state, failed := p.state, p.failed
	p.mu.Unlock()
	if failed != nil {
		return fmt.Errorf("%s: %w", p.name, failed)
	}
	if state != StateActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, p.name, state)
	}

	if err := p.roundTrip(ctx, p.opts.ExchangeTimeout, req, resp); err != nil {
		p.mu.Lock()
		if p.failed == nil {
			p.failed = err
		}
		p.mu.Unlock()
		return fmt.Errorf("%s %s: %w", p.name, req.Kind(), err)
	}
	return nil
}

// Plan runs the plan exchange.
func (p *Process) Plan(ctx context.Context, req *protocol.PlanRequest) (*protocol.PlanResult, error) {
	var resp protocol.PlanResult
	if err := p.Exchange(ctx, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Generate runs the generate exchange.
func (p *Process) Generate(ctx context.Context, req *protocol.GenerateRequest) (*protocol.GenerateResult, error) {
	var resp protocol.GenerateResult
	if err := p.Exchange(ctx, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// roundTrip runs one send+receive on a goroutine so the caller can give up on
// ctx or timeout. Giving up kills the plugin.
func (p *Process) roundTrip(parent context.Context, timeout time.Duration, req, resp protocol.Message) error {
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		if err := protocol.Send(p.w, req); err != nil {
			done <- err
			return
		}
		done <- protocol.Receive(p.stdout, resp)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, io.EOF) {
			return fmt.Errorf("plugin closed its output: %w", err)
		}
		return err
	case <-ctx.Done():
		p.kill("exchange abandoned")
		<-done
		if parent.Err() != nil {
			return parent.Err()
		}
		return fmt.Errorf("%w: %s after %s", ErrTimeout, req.Kind(), timeout)
	}
}

// Shutdown closes the plugin's streams, waits for it to exit within the
// grace period, and kills it otherwise. It is safe to call more than once.
func (p *Process) Shutdown() {
	p.stop(p.opts.shutdownGrace())
}

func (p *Process) kill(reason string) {
	p.logger.Warn("killing plugin", "reason", reason)
	p.stop(0)
}

func (p *Process) stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		if p.state == StateNotStarted || p.state == StateTerminated {
			p.state = StateTerminated
			p.mu.Unlock()
			return
		}
		p.state = StateShuttingDown
		p.mu.Unlock()

		if p.stdin != nil {
			p.stdin.Close()
		}

		forced := false
		if grace > 0 {
			timer := time.NewTimer(grace)
			select {
			case <-p.exited:
			case <-timer.C:
				forced = true
			}
			timer.Stop()
		} else {
			forced = true
		}

		if forced && p.cmd != nil && p.cmd.Process != nil {
			select {
			case <-p.exited:
				forced = false
			default:
				if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					p.logger.Error("failed to kill plugin", "error", err)
				}
			}
		}

		if p.stdout != nil {
			p.stdout.Close()
		}
		<-p.exited

		switch {
		case forced:
			p.logger.Warn("plugin killed", "grace", grace)
		case p.waitErr != nil:
			var exitErr *exec.ExitError
			if errors.As(p.waitErr, &exitErr) {
				p.logger.Warn("plugin exited with non-zero status", "exit_code", exitErr.ExitCode())
			} else {
				p.logger.Warn("plugin wait failed", "error", p.waitErr)
			}
		default:
			p.logger.Debug("plugin exited")
		}

		p.setState(StateTerminated)
	})
}
