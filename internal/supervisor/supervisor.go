package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/cigen/internal/log"
)

// DefaultShutdownGrace is how long a plugin gets to exit after its stdin closes.
const DefaultShutdownGrace = 5 * time.Second

// Options configures every process a Supervisor launches.
type Options struct {
	CoreVersion string

	// Env is sent in Hello. Nil means the current process environment.
	Env map[string]string

	// Stderr receives plugin stderr. Nil means os.Stderr.
	Stderr io.Writer

	// Zero disables the timeout.
	HandshakeTimeout time.Duration
	ExchangeTimeout  time.Duration

	// Zero means DefaultShutdownGrace.
	ShutdownGrace time.Duration
}

func (o Options) stderr() io.Writer {
	if o.Stderr == nil {
		return os.Stderr
	}
	return o.Stderr
}

func (o Options) shutdownGrace() time.Duration {
	if o.ShutdownGrace <= 0 {
		return DefaultShutdownGrace
	}
	return o.ShutdownGrace
}

func (o Options) helloEnv() map[string]string {
	if o.Env != nil {
		return o.Env
	}
	return EnvMap(os.Environ())
}

// EnvMap converts KEY=VALUE pairs into a map. Later duplicates win.
func EnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}

// Supervisor is the table of live plugin processes, keyed by provider name.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*Process
}

// New creates an empty supervisor.
func New(opts Options) *Supervisor {
	return &Supervisor{
		opts:   opts,
		logger: log.WithComponent("supervisor"),
		procs:  make(map[string]*Process),
	}
}

// Launch spawns the executable at path for provider name and performs the
// handshake. On any failure the process is torn down before returning, so a
// rejected plugin never sees a plan or generate request.
func (s *Supervisor) Launch(ctx context.Context, name, path string) (*Process, error) {
	s.mu.Lock()
	if _, exists := s.procs[name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("plugin %q already launched", name)
	}
	p := newProcess(name, path, s.opts, s.logger)
	s.procs[name] = p
	s.mu.Unlock()

	fail := func(err error) (*Process, error) {
		p.Shutdown()
		s.remove(name, p)
		return nil, err
	}

	if err := p.spawn(); err != nil {
		return fail(err)
	}
	if err := p.handshake(ctx); err != nil {
		p.logger.Error("handshake failed", "error", err)
		return fail(err)
	}
	return p, nil
}

// Get returns the live process for provider name.
func (s *Supervisor) Get(name string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	return p, ok
}

// Names returns the provider names in the table, sorted.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown stops one process and drops it from the table.
func (s *Supervisor) Shutdown(name string) {
	s.mu.Lock()
	p, ok := s.procs[name]
	delete(s.procs, name)
	s.mu.Unlock()
	if ok {
		p.Shutdown()
	}
}

// ShutdownAll stops every process concurrently and empties the table.
func (s *Supervisor) ShutdownAll() {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.procs = make(map[string]*Process)
	s.mu.Unlock()

	var g errgroup.Group
	for _, p := range procs {
		g.Go(func() error {
			p.Shutdown()
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Supervisor) remove(name string, p *Process) {
	s.mu.Lock()
	if s.procs[name] == p {
		delete(s.procs, name)
	}
	s.mu.Unlock()
}
