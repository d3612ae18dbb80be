package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownProvider is returned when a provider filter names a provider that
// is not configured or is disabled.
var ErrUnknownProvider = errors.New("unknown provider")

// Phase names the step of a provider session that failed.
type Phase string

const (
	PhaseLocate    Phase = "locate"
	PhaseLaunch    Phase = "launch"
	PhaseNegotiate Phase = "negotiate"
	PhasePlan      Phase = "plan"
	PhaseGenerate  Phase = "generate"
	PhaseMerge     Phase = "merge"
)

// ProviderError is one provider's failure.
type ProviderError struct {
	Provider string
	Phase    Phase
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %q: %s: %v", e.Provider, e.Phase, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RunError collects every provider failure of a run. errors.Is and errors.As
// see through to each ProviderError.
type RunError struct {
	Errors []*ProviderError
}

func (e *RunError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, pe := range e.Errors {
		msgs[i] = pe.Error()
	}
	return fmt.Sprintf("%d providers failed: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *RunError) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, pe := range e.Errors {
		out[i] = pe
	}
	return out
}

// Providers returns the failed provider names in error order.
func (e *RunError) Providers() []string {
	out := make([]string, len(e.Errors))
	for i, pe := range e.Errors {
		out[i] = pe.Provider
	}
	return out
}
