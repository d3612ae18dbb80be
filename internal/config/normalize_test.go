package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cigen/internal/graph"
	"github.com/mattjoyce/cigen/pkg/protocol"
)

func TestParseNormalizesNonStringKeys(t *testing.T) {
	cfg, err := Parse([]byte(`
providers:
  github:
    settings:
      labels:
        true: enabled
        3: three
jobs:
  db:
    services:
      postgres:
        ports: {5432: 5432}
    matrix_env:
      - {1: one}
`), t.TempDir())
	require.NoError(t, err)

	services := cfg.Jobs["db"].Definition["services"].(map[string]any)
	ports := services["postgres"].(map[string]any)["ports"]
	assert.Equal(t, map[string]any{"5432": 5432}, ports)
	assert.Equal(t, []any{map[string]any{"1": "one"}}, cfg.Jobs["db"].Definition["matrix_env"])
	assert.Equal(t, map[string]any{"true": "enabled", "3": "three"}, cfg.Providers["github"].Settings["labels"])

	g, err := graph.Build(cfg.JobDefinitions())
	require.NoError(t, err)
	assert.NotEmpty(t, g.Fingerprint())

	_, err = protocol.Marshal(&protocol.PlanRequest{
		Jobs:     []protocol.Job{{JobID: "db", InstanceID: "db", Definition: cfg.Jobs["db"].Definition}},
		Settings: cfg.Providers["github"].Settings,
	})
	require.NoError(t, err)
}
