package steps

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/spec"
)

// RegisterDeploymentHandlers registers steps that drive the deployment backend.
func RegisterDeploymentHandlers(reg *Registry) {
	reg.Register("deployment.load", handleDeploymentLoad)
	reg.Register("deployment.setup", handleDeploymentSetup)
	reg.Register("deployment.expose", handleDeploymentExpose)
	reg.Register("deployment.wait_messages", handleDeploymentWaitMessages)
}

func handleDeploymentLoad(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := requireSession(exec); err != nil {
		return nil, err
	}
	bundle := expandVars(getString(step.With, "bundle", ""), exec.Vars)
	if bundle == "" {
		return nil, fmt.Errorf("bundle is required")
	}
	if err := exec.Session.Deployment.Load(ctx, bundle); err != nil {
		return nil, err
	}
	return map[string]string{"bundle": bundle}, nil
}

func handleDeploymentSetup(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := requireSession(exec); err != nil {
		return nil, err
	}
	timeout := getDuration(step.With, "timeout", exec.Session.Options().ReadyTimeout)
	stop := startProgressLogger(ctx, exec, "deployment setup", timeout)
	defer stop()
	if err := exec.Session.Deployment.Setup(ctx, timeout); err != nil {
		return nil, err
	}
	return map[string]string{"environment": exec.Session.Environment()}, nil
}

func handleDeploymentExpose(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := requireSession(exec); err != nil {
		return nil, err
	}
	services, err := serviceList(exec, step)
	if err != nil {
		return nil, err
	}
	for _, service := range services {
		if err := exec.Session.Deployment.Expose(ctx, service); err != nil {
			return nil, fmt.Errorf("expose %s: %w", service, err)
		}
	}
	return map[string]string{"services": strings.Join(services, ",")}, nil
}

func handleDeploymentWaitMessages(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := requireSession(exec); err != nil {
		return nil, err
	}
	messages, err := getStringMap(step.With, "messages", exec.Vars)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}
	timeout := getDuration(step.With, "timeout", exec.Session.Options().ReadyTimeout)
	stop := startProgressLogger(ctx, exec, "unit messages", timeout)
	defer stop()
	if err := exec.Session.WaitMessages(ctx, messages, timeout); err != nil {
		return nil, err
	}
	roles := make([]string, 0, len(messages))
	for role := range messages {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return map[string]string{"roles": strings.Join(roles, ",")}, nil
}

func requireSession(exec *Context) error {
	if exec == nil || exec.Session == nil {
		return fmt.Errorf("no deployment session")
	}
	return nil
}

func serviceList(exec *Context, step spec.StepSpec) ([]string, error) {
	services, err := getStringList(step.With, "services")
	if err != nil {
		return nil, err
	}
	if single := getString(step.With, "service", ""); single != "" {
		services = append([]string{single}, services...)
	}
	services = expandStringSlice(services, exec.Vars)
	if len(services) == 0 {
		return nil, fmt.Errorf("service is required")
	}
	return services, nil
}
