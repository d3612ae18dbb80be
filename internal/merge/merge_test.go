package merge

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/cigen/pkg/protocol"
)

func frag(path, content string, s protocol.Strategy) protocol.Fragment {
	return protocol.Fragment{Path: path, Content: []byte(content), Strategy: s}
}

func TestMergeStrategies(t *testing.T) {
	tests := []struct {
		name  string
		frags []protocol.Fragment
		want  map[string]string
	}{
		{
			name: "replace keeps later content",
			frags: []protocol.Fragment{
				frag("ci.yml", "first\n", protocol.StrategyReplace),
				frag("ci.yml", "second\n", protocol.StrategyReplace),
			},
			want: map[string]string{"ci.yml": "second\n"},
		},
		{
			name: "append concatenates in arrival order",
			frags: []protocol.Fragment{
				frag("NOTES", "one\n", protocol.StrategyAppend),
				frag("NOTES", "two\n", protocol.StrategyAppend),
			},
			want: map[string]string{"NOTES": "one\ntwo\n"},
		},
		{
			name: "default strategy is replace",
			frags: []protocol.Fragment{
				frag("a", "old", protocol.StrategyAppend),
				{Path: "a", Content: []byte("new")},
			},
			want: map[string]string{"a": "new"},
		},
		{
			name: "append after replace",
			frags: []protocol.Fragment{
				frag("a", "head\n", protocol.StrategyReplace),
				frag("a", "tail\n", protocol.StrategyAppend),
			},
			want: map[string]string{"a": "head\ntail\n"},
		},
		{
			name: "distinct paths stay separate",
			frags: []protocol.Fragment{
				frag("a", "1", protocol.StrategyReplace),
				frag("b", "2", protocol.StrategyAppend),
			},
			want: map[string]string{"a": "1", "b": "2"},
		},
		{
			name: "equivalent paths collapse",
			frags: []protocol.Fragment{
				frag("dir/./x", "1", protocol.StrategyAppend),
				frag("dir/x", "2", protocol.StrategyAppend),
			},
			want: map[string]string{"dir/x": "12"},
		},
		{
			name: "structural merge on new path takes fragment as is",
			frags: []protocol.Fragment{
				frag("w.yml", "a: 1\n", protocol.StrategyStructuralMerge),
			},
			want: map[string]string{"w.yml": "a: 1\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Merge(tt.frags)
			require.NoError(t, err)

			gotStr := make(map[string]string, len(got))
			for k, v := range got {
				gotStr[k] = string(v)
			}
			assert.Equal(t, tt.want, gotStr)
		})
	}
}

func TestStructuralMergeYAML(t *testing.T) {
	base := `# generated
name: CI
on:
  push:
    branches: [main]
jobs:
  setup:
    runs-on: ubuntu-latest
`
	overlay := `on:
  pull_request: {}
jobs:
  test:
    runs-on: ubuntu-latest
    steps:
      - run: make test
`
	got, err := Merge([]protocol.Fragment{
		frag("ci.yml", base, protocol.StrategyStructuralMerge),
		frag("ci.yml", overlay, protocol.StrategyStructuralMerge),
	})
	require.NoError(t, err)
	out := string(got["ci.yml"])

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(got["ci.yml"], &doc))
	assert.Equal(t, "CI", doc["name"])
	on := doc["on"].(map[string]any)
	assert.Contains(t, on, "push")
	assert.Contains(t, on, "pull_request")
	jobs := doc["jobs"].(map[string]any)
	assert.Contains(t, jobs, "setup")
	assert.Contains(t, jobs, "test")

	assert.True(t, strings.HasPrefix(out, "# generated"), "head comment kept: %q", out)
	assert.Less(t, strings.Index(out, "setup:"), strings.Index(out, "test:"), "existing keys stay first")
}

func TestStructuralMergeYAMLRules(t *testing.T) {
	got, err := Merge([]protocol.Fragment{
		frag("x.yaml", "list: [a]\nscalar: old\nmixed: {k: v}\n", protocol.StrategyStructuralMerge),
		frag("x.yaml", "list: [b]\nscalar: new\nmixed: [1]\n", protocol.StrategyStructuralMerge),
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(got["x.yaml"], &doc))
	assert.Equal(t, []any{"a", "b"}, doc["list"], "sequences concatenate")
	assert.Equal(t, "new", doc["scalar"], "scalars are replaced")
	assert.Equal(t, []any{1}, doc["mixed"], "kind mismatch takes the later value")
}

func TestStructuralMergeJSON(t *testing.T) {
	got, err := Merge([]protocol.Fragment{
		frag("settings.json", `{"a": {"x": 1}, "list": [1], "keep": true}`, protocol.StrategyStructuralMerge),
		frag("settings.json", `{"a": {"y": 2}, "list": [2], "keep": false}`, protocol.StrategyStructuralMerge),
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(got["settings.json"], &doc))
	assert.Equal(t, map[string]any{"x": float64(1), "y": float64(2)}, doc["a"])
	assert.Equal(t, []any{float64(1), float64(2)}, doc["list"])
	assert.Equal(t, false, doc["keep"])
	assert.True(t, strings.HasSuffix(string(got["settings.json"]), "\n"))
}

func TestStructuralMergeBlankInputs(t *testing.T) {
	got, err := Merge([]protocol.Fragment{
		frag("a.yml", "  \n", protocol.StrategyReplace),
		frag("a.yml", "k: v\n", protocol.StrategyStructuralMerge),
		frag("a.yml", "", protocol.StrategyStructuralMerge),
	})
	require.NoError(t, err)
	assert.Equal(t, "k: v\n", string(got["a.yml"]))
}

func TestStructuralMergeParseError(t *testing.T) {
	_, err := Merge([]protocol.Fragment{
		frag("bad.json", `{"a": 1}`, protocol.StrategyStructuralMerge),
		frag("bad.json", `{"a": `, protocol.StrategyStructuralMerge),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.json")

	_, err = Merge([]protocol.Fragment{
		frag("bad.yml", "a: 1\n", protocol.StrategyStructuralMerge),
		frag("bad.yml", "a: [\n", protocol.StrategyStructuralMerge),
	})
	require.Error(t, err)
}

func TestStructuralMergeRejectsMultiDocumentYAML(t *testing.T) {
	tests := []struct {
		name          string
		base, overlay string
	}{
		{name: "fragment", base: "a: 1\n", overlay: "b: 2\n---\nc: 3\n"},
		{name: "existing", base: "a: 1\n---\nx: 1\n", overlay: "b: 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Merge([]protocol.Fragment{
				frag("ci.yml", tt.base, protocol.StrategyStructuralMerge),
				frag("ci.yml", tt.overlay, protocol.StrategyStructuralMerge),
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "multi-document")
			assert.Contains(t, err.Error(), "ci.yml")
		})
	}
}

func TestRejectsNonLocalPaths(t *testing.T) {
	for _, p := range []string{"", "/etc/passwd", "../outside.yml", "a/../../b"} {
		t.Run(p, func(t *testing.T) {
			_, err := Merge([]protocol.Fragment{frag(p, "x", protocol.StrategyReplace)})
			require.Error(t, err)
			assert.Contains(t, err.Error(), p)
		})
	}
}

func TestUnknownStrategy(t *testing.T) {
	_, err := Merge([]protocol.Fragment{{Path: "a", Strategy: protocol.Strategy(9)}})
	assert.Error(t, err)
}

func TestMergerSourcesAndPaths(t *testing.T) {
	m := New()
	require.NoError(t, m.AddFrom("github", frag("b", "1", protocol.StrategyAppend)))
	require.NoError(t, m.AddFrom("circleci", frag("b", "2", protocol.StrategyAppend)))
	require.NoError(t, m.AddFrom("github", frag("b", "3", protocol.StrategyAppend)))
	require.NoError(t, m.Add(frag("a", "x", protocol.StrategyReplace)))

	assert.Equal(t, []string{"a", "b"}, m.Paths())
	assert.Equal(t, []string{"github", "circleci"}, m.Sources("b"))
	assert.Empty(t, m.Sources("a"))

	files := m.Files()
	files["b"][0] = 'z'
	assert.Equal(t, "123", string(m.Files()["b"]), "Files returns copies")
}

func TestMergerCloneIsIndependent(t *testing.T) {
	m := New()
	require.NoError(t, m.AddFrom("github", frag("a", "1", protocol.StrategyAppend)))

	c := m.Clone()
	require.NoError(t, c.AddFrom("circleci", frag("a", "2", protocol.StrategyAppend)))

	assert.Equal(t, "1", string(m.Files()["a"]))
	assert.Equal(t, []string{"github"}, m.Sources("a"))
	assert.Equal(t, "12", string(c.Files()["a"]))
	assert.Equal(t, []string{"github", "circleci"}, c.Sources("a"))
}
