package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// durationKeys are string fields that YAML files commonly spell as bare
// numbers (e.g. "duration: 300"). Their numeric values become strings so the
// strict decoder accepts them and ParseDurationField reads them as seconds.
var durationKeys = map[string]bool{
	"poll_timeout": true,
	"busy_timeout": true,
	"unban_delay":  true,
	"duration":     true,
}

// toJSON returns the config as JSON. YAML files (.yaml, .yml) are converted so
// both formats share the same strict decoder.
func toJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(normalizeYAML("", v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

func normalizeYAML(key string, in any) any {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(k, v)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			ks := fmt.Sprint(k)
			m[ks] = normalizeYAML(ks, v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML("", x[i])
		}
		return x
	case int, int64, uint64, float64:
		if durationKeys[key] {
			return fmt.Sprint(x)
		}
	}
	return in
}
