package orchestrator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cigen/internal/plugin"
	"github.com/mattjoyce/cigen/pkg/protocol"
)

func meta(name string, caps, requires, conflicts []string) *plugin.Metadata {
	return plugin.NewMetadata("/bin/provider-"+name, &protocol.Identity{
		Name:          name,
		Protocol:      protocol.ProtocolVersion,
		Capabilities:  caps,
		Requires:      requires,
		ConflictsWith: conflicts,
	})
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name     string
		active   map[string]*plugin.Metadata
		rejected map[string]string // provider → substring of its violation
	}{
		{
			name: "requires core capability",
			active: map[string]*plugin.Metadata{
				"github": meta("github", nil, []string{"matrix", "merge.structural"}, nil),
			},
		},
		{
			name: "requires capability of another plugin",
			active: map[string]*plugin.Metadata{
				"github": meta("github", nil, []string{"secrets.vault"}, nil),
				"vault":  meta("vault", []string{"secrets.vault"}, nil, nil),
			},
		},
		{
			name: "own capability does not satisfy requirement",
			active: map[string]*plugin.Metadata{
				"github": meta("github", []string{"secrets.vault"}, []string{"secrets.vault"}, nil),
			},
			rejected: map[string]string{"github": `requires "secrets.vault"`},
		},
		{
			name: "conflict by provider name",
			active: map[string]*plugin.Metadata{
				"github":   meta("github", nil, nil, []string{"circleci"}),
				"circleci": meta("circleci", nil, nil, nil),
			},
			rejected: map[string]string{"github": `conflicts with active plugin "circleci"`},
		},
		{
			name: "conflict by reported name",
			active: map[string]*plugin.Metadata{
				"github": meta("github", nil, nil, []string{"circle"}),
				"cci":    meta("circle", nil, nil, nil),
			},
			rejected: map[string]string{"github": `conflicts with active plugin "cci"`},
		},
		{
			name: "conflict by capability",
			active: map[string]*plugin.Metadata{
				"github": meta("github", nil, nil, []string{"workflow.owner"}),
				"gitlab": meta("gitlab", []string{"workflow.owner"}, nil, nil),
			},
			rejected: map[string]string{"github": `capability "workflow.owner" of plugin "gitlab"`},
		},
		{
			name: "mutual conflict rejects both",
			active: map[string]*plugin.Metadata{
				"a": meta("a", nil, nil, []string{"b"}),
				"b": meta("b", nil, nil, []string{"a"}),
			},
			rejected: map[string]string{"a": `"b"`, "b": `"a"`},
		},
		{
			name: "conflict with absent plugin is fine",
			active: map[string]*plugin.Metadata{
				"github": meta("github", nil, nil, []string{"jenkins"}),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := negotiate(tt.active)
			require.Len(t, got, len(tt.rejected), "violations: %v", got)
			for provider, want := range tt.rejected {
				err, ok := got[provider]
				require.True(t, ok, "%s not rejected", provider)
				assert.Contains(t, err.Error(), "capability negotiation failed")
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestCoreCapabilitiesReturnsFreshSlice(t *testing.T) {
	caps := CoreCapabilities()
	require.Contains(t, caps, "merge.structural")
	caps[0] = "tampered"

	assert.Equal(t, "protocol.v1", CoreCapabilities()[0])
	errs := negotiate(map[string]*plugin.Metadata{
		"github": meta("github", nil, []string{"protocol.v1"}, nil),
	})
	assert.Empty(t, errs)
}

func TestRunErrorFormatting(t *testing.T) {
	cause := errors.New("exit status 3")
	one := &RunError{Errors: []*ProviderError{{Provider: "github", Phase: PhasePlan, Err: cause}}}
	assert.Equal(t, `provider "github": plan: exit status 3`, one.Error())
	assert.ErrorIs(t, one, cause)

	two := &RunError{Errors: []*ProviderError{
		{Provider: "circleci", Phase: PhaseLaunch, Err: errors.New("no such file")},
		{Provider: "github", Phase: PhaseMerge, Err: errors.New("bad path")},
	}}
	assert.Equal(t,
		`2 providers failed: provider "circleci": launch: no such file; provider "github": merge: bad path`,
		two.Error())
	assert.Equal(t, []string{"circleci", "github"}, two.Providers())

	var pe *ProviderError
	require.ErrorAs(t, fmt.Errorf("generate: %w", two), &pe)
	assert.Equal(t, "circleci", pe.Provider)
	assert.True(t, IsProviderFailure(fmt.Errorf("wrapped: %w", two)))
	assert.False(t, IsProviderFailure(cause))
}
