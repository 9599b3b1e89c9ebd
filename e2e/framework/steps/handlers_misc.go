package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/spec"
)

// RegisterMiscHandlers registers misc utility steps.
func RegisterMiscHandlers(reg *Registry) {
	reg.Register("sleep", handleSleep)
	reg.Register("vars.set", handleVarsSet)
}

func handleSleep(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	_ = exec
	duration := getDuration(step.With, "duration", 0)
	if duration <= 0 {
		raw := getString(step.With, "duration", "")
		if raw == "" {
			return nil, fmt.Errorf("sleep duration is required")
		}
		return nil, fmt.Errorf("invalid sleep duration %q", raw)
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return map[string]string{"slept": duration.String()}, nil
}

func handleVarsSet(_ context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	values, err := getStringMap(step.With, "values", exec.Vars)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("values are required")
	}
	for key, value := range values {
		exec.Vars[key] = value
	}
	return map[string]string{"count": fmt.Sprintf("%d", len(values))}, nil
}
