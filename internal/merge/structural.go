package merge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// mergeYAML deep-merges overlay into base on node trees, so key order and
// comments from base survive. Each input must hold at most one document.
func mergeYAML(base, overlay []byte) ([]byte, error) {
	b, err := parseDocument(base)
	if err != nil {
		return nil, fmt.Errorf("parse existing content: %w", err)
	}
	o, err := parseDocument(overlay)
	if err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}
	if len(o.Content) == 0 {
		return base, nil
	}
	if len(b.Content) == 0 {
		return overlay, nil
	}

	b.Content[0] = mergeNodes(b.Content[0], o.Content[0])

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&b); err != nil {
		return nil, fmt.Errorf("encode merged content: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode merged content: %w", err)
	}
	return buf.Bytes(), nil
}

// parseDocument decodes a single YAML document. Empty input yields an empty
// node; a second document is an error.
func parseDocument(data []byte) (yaml.Node, error) {
	var doc yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return yaml.Node{}, nil
		}
		return yaml.Node{}, err
	}
	var extra yaml.Node
	switch err := dec.Decode(&extra); {
	case errors.Is(err, io.EOF):
		return doc, nil
	case err != nil:
		return yaml.Node{}, err
	default:
		return yaml.Node{}, fmt.Errorf("multi-document YAML is not supported (second document at line %d)", extra.Line)
	}
}

// mergeNodes: mappings merge key by key, sequences concatenate, anything else
// is replaced by src.
func mergeNodes(dst, src *yaml.Node) *yaml.Node {
	switch {
	case dst.Kind == yaml.MappingNode && src.Kind == yaml.MappingNode:
		for i := 0; i+1 < len(src.Content); i += 2 {
			key, val := src.Content[i], src.Content[i+1]
			if j := mappingIndex(dst, key.Value); j >= 0 {
				dst.Content[j+1] = mergeNodes(dst.Content[j+1], val)
				continue
			}
			dst.Content = append(dst.Content, key, val)
		}
		return dst
	case dst.Kind == yaml.SequenceNode && src.Kind == yaml.SequenceNode:
		dst.Content = append(dst.Content, src.Content...)
		return dst
	default:
		return src
	}
}

func mappingIndex(m *yaml.Node, key string) int {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return i
		}
	}
	return -1
}

// mergeJSON applies the same rules as mergeYAML. Output keys are sorted.
func mergeJSON(base, overlay []byte) ([]byte, error) {
	b, err := decodeJSON(base)
	if err != nil {
		return nil, fmt.Errorf("parse existing content: %w", err)
	}
	o, err := decodeJSON(overlay)
	if err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}

	out, err := json.MarshalIndent(mergeValues(b, o), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode merged content: %w", err)
	}
	return append(out, '\n'), nil
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func mergeValues(dst, src any) any {
	switch d := dst.(type) {
	case map[string]any:
		s, ok := src.(map[string]any)
		if !ok {
			return src
		}
		for k, sv := range s {
			if dv, exists := d[k]; exists {
				d[k] = mergeValues(dv, sv)
				continue
			}
			d[k] = sv
		}
		return d
	case []any:
		s, ok := src.([]any)
		if !ok {
			return src
		}
		return append(d, s...)
	default:
		return src
	}
}
