package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes turns a YAML file into JSON so both formats share the
// strict JSON decoder. It returns the bytes and the detected format.
//
// String values of the form "${NAME}" are replaced from the environment in
// either format, so secrets such as the bot token can stay out of the file.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	format := "json"
	var v any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, format, fmt.Errorf("yaml unmarshal: %w", err)
		}
		if v == nil {
			v = map[string]any{}
		}
	default:
		if !strings.Contains(string(data), "${") {
			return data, format, nil
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, format, err
		}
	}

	j, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, format, fmt.Errorf("%s->json marshal: %w", format, err)
	}
	return j, format, nil
}

// normalize stringifies map keys and expands env references.
func normalize(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalize(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalize(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	case string:
		return expandEnvRef(x)
	default:
		return in
	}
}

func expandEnvRef(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "${") || !strings.HasSuffix(t, "}") {
		return s
	}
	return os.Getenv(t[2 : len(t)-1])
}
