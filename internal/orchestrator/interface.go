package orchestrator

import (
	"context"

	"github.com/mattjoyce/cigen/internal/plugin"
	"github.com/mattjoyce/cigen/internal/supervisor"
	"github.com/mattjoyce/cigen/pkg/protocol"
)

//go:generate mockgen -destination=mocks/mock_orchestrator.go -package=mocks github.com/mattjoyce/cigen/internal/orchestrator Launcher,Session

// Session is a handshaken plugin ready for plan and generate exchanges.
type Session interface {
	Name() string
	Metadata() *plugin.Metadata
	Plan(ctx context.Context, req *protocol.PlanRequest) (*protocol.PlanResult, error)
	Generate(ctx context.Context, req *protocol.GenerateRequest) (*protocol.GenerateResult, error)
}

// Launcher starts plugins and tears them all down at the end of a run.
type Launcher interface {
	Launch(ctx context.Context, name, path string) (Session, error)
	ShutdownAll()
}

// supervisorLauncher runs plugins as child processes.
type supervisorLauncher struct {
	sup *supervisor.Supervisor
}

// NewSupervisorLauncher adapts a Supervisor to the Launcher interface.
func NewSupervisorLauncher(sup *supervisor.Supervisor) Launcher {
	return &supervisorLauncher{sup: sup}
}

func (l *supervisorLauncher) Launch(ctx context.Context, name, path string) (Session, error) {
	p, err := l.sup.Launch(ctx, name, path)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (l *supervisorLauncher) ShutdownAll() { l.sup.ShutdownAll() }
