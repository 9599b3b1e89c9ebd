// Package deployment adapts the external framework that provisions the
// cluster. The harness only loads a bundle, waits for it to settle, reads
// unit status and resolves units by role.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/gateway"
)

// ErrUnsupported is returned by backends that cannot perform an operation.
var ErrUnsupported = errors.New("operation not supported by deployment backend")

// Deployment is the deployment collaborator.
type Deployment interface {
	gateway.Registry

	// Name identifies the environment, such as a juju model.
	Name() string
	Load(ctx context.Context, bundle string) error
	Setup(ctx context.Context, timeout time.Duration) error
	Expose(ctx context.Context, service string) error
	Remove(ctx context.Context, service string) error
	// WaitForMessages blocks until every unit of each role reports a
	// workload message matching the expected pattern.
	WaitForMessages(ctx context.Context, messages map[string]string, timeout time.Duration) error
	// State maps each service to the status of its units. A service with
	// an empty map has been removed.
	State(ctx context.Context) (map[string]map[string]string, error)
}

// Removed reports whether service has no units left in state.
func Removed(state map[string]map[string]string, service string) bool {
	return len(state[service]) == 0
}

type messageMatcher map[string]*regexp.Regexp

func compileMessages(messages map[string]string) (messageMatcher, error) {
	out := make(messageMatcher, len(messages))
	for role, pattern := range messages {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid message pattern for %s: %w", role, err)
		}
		out[role] = re
	}
	return out, nil
}

// pending lists the roles whose units do not all match. Roles without
// units are pending.
func (m messageMatcher) pending(workload map[string]map[string]string) []string {
	var roles []string
	for role, re := range m {
		units := workload[role]
		if len(units) == 0 {
			roles = append(roles, role)
			continue
		}
		for _, msg := range units {
			if !re.MatchString(msg) {
				roles = append(roles, role)
				break
			}
		}
	}
	return roles
}

func nopIfNil(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
