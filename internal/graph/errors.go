package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph      = errors.New("invalid job graph")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("dependency cycle detected")
)

// GraphError wraps structural validation failures.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

// MissingDependencyError is returned when Job needs a job that does not exist.
type MissingDependencyError struct {
	Job     string
	Missing string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("job %q needs %q, which is not defined", e.Job, e.Missing)
}

func (e *MissingDependencyError) Unwrap() error { return ErrUnknownDependency }

// CycleError lists every cycle found: each strongly connected component with
// more than one instance, and each self-loop.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Cycles))
	for _, c := range e.Cycles {
		parts = append(parts, "["+strings.Join(c, ", ")+"]")
	}
	return fmt.Sprintf("%s: %s", ErrCycle.Error(), strings.Join(parts, "; "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }
