package steps

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

func getString(params map[string]interface{}, key string, fallback string) string {
	if params == nil {
		return fallback
	}
	value, ok := params[key]
	if !ok || value == nil {
		return fallback
	}
	switch typed := value.(type) {
	case string:
		if typed == "" {
			return fallback
		}
		return typed
	default:
		return fmt.Sprintf("%v", typed)
	}
}

func getInt(params map[string]interface{}, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	value, ok := params[key]
	if !ok || value == nil {
		return fallback
	}
	switch typed := value.(type) {
	case int:
		return typed
	case int32:
		return int(typed)
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	case string:
		parsed := fallback
		_, err := fmt.Sscanf(typed, "%d", &parsed)
		if err != nil {
			return fallback
		}
		return parsed
	default:
		return fallback
	}
}

func getDuration(params map[string]interface{}, key string, fallback time.Duration) time.Duration {
	if params == nil {
		return fallback
	}
	value, ok := params[key]
	if !ok || value == nil {
		return fallback
	}
	switch typed := value.(type) {
	case time.Duration:
		return typed
	case string:
		parsed, err := time.ParseDuration(typed)
		if err != nil {
			return fallback
		}
		return parsed
	case int:
		return time.Duration(typed) * time.Second
	case int64:
		return time.Duration(typed) * time.Second
	case float64:
		return time.Duration(typed * float64(time.Second))
	default:
		return fallback
	}
}

func getBool(params map[string]interface{}, key string, fallback bool) bool {
	if params == nil {
		return fallback
	}
	value, ok := params[key]
	if !ok || value == nil {
		return fallback
	}
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "true", "1", "yes", "y":
			return true
		case "false", "0", "no", "n":
			return false
		}
	}
	return fallback
}

func expandVars(value string, vars map[string]string) string {
	if value == "" || vars == nil {
		return value
	}
	return os.Expand(value, func(key string) string {
		if replacement, ok := vars[key]; ok {
			return replacement
		}
		return os.Getenv(key)
	})
}

func expandStringSlice(values []string, vars map[string]string) []string {
	if len(values) == 0 || vars == nil {
		return values
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		out = append(out, expandVars(trimmed, vars))
	}
	return out
}

func getStringFallback(stepParams map[string]interface{}, specParams map[string]string, key string, fallback string) string {
	if value := getString(stepParams, key, ""); value != "" {
		return value
	}
	if specParams != nil {
		if value := strings.TrimSpace(specParams[key]); value != "" {
			return value
		}
	}
	return fallback
}

func getStringList(params map[string]interface{}, key string) ([]string, error) {
	if params == nil {
		return nil, nil
	}
	value, ok := params[key]
	if !ok || value == nil {
		return nil, nil
	}
	switch typed := value.(type) {
	case []string:
		return typed, nil
	case []interface{}:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out, nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return nil, nil
		}
		parts := strings.Split(trimmed, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			item := strings.TrimSpace(part)
			if item != "" {
				out = append(out, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a list of strings", key)
	}
}

func getStringMap(params map[string]interface{}, key string, vars map[string]string) (map[string]string, error) {
	if params == nil {
		return nil, nil
	}
	value, ok := params[key]
	if !ok || value == nil {
		return nil, nil
	}
	out := make(map[string]string)
	switch typed := value.(type) {
	case map[string]string:
		for k, v := range typed {
			out[k] = expandVars(v, vars)
		}
	case map[string]interface{}:
		for k, v := range typed {
			out[k] = expandVars(fmt.Sprintf("%v", v), vars)
		}
	default:
		return nil, fmt.Errorf("%s must be a mapping", key)
	}
	return out, nil
}

// decodeParam converts a structured step parameter into out by round
// tripping it through YAML, so struct tags apply.
func decodeParam(params map[string]interface{}, key string, out interface{}) (bool, error) {
	if params == nil {
		return false, nil
	}
	value, ok := params[key]
	if !ok || value == nil {
		return false, nil
	}
	raw, err := yaml.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
