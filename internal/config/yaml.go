package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toStrictJSON funnels both supported config formats into one byte stream for
// the strict JSON decoder, so unknown-field rejection works the same for YAML
// and JSON files. Anything without a .yaml/.yml extension passes through
// untouched; YAML is decoded and re-marshaled, which also surfaces YAML
// syntax errors before the decoder ever sees the file.
func toStrictJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}
	return out, nil
}

// stringifyKeys rewrites map keys to strings, recursively. YAML allows
// non-string keys that json.Marshal refuses.
func stringifyKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, elem := range t {
			t[k] = stringifyKeys(elem)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[fmt.Sprint(k)] = stringifyKeys(elem)
		}
		return out
	case []any:
		for i, elem := range t {
			t[i] = stringifyKeys(elem)
		}
		return t
	}
	return v
}
