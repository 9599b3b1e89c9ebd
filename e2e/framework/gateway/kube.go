package gateway

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/k8s"
)

// PodClient is the subset of the Kubernetes client used by KubeTransport.
type PodClient interface {
	RunningPods(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error)
	Exec(ctx context.Context, namespace, podName, container string, cmd []string) (k8s.ExecResult, error)
}

// KubeTransport runs commands inside pods through the exec subresource.
type KubeTransport struct {
	Client    PodClient
	Namespace string
	Container string
}

// Units returns one Unit per running pod matching selector.
func (t *KubeTransport) Units(ctx context.Context, selector map[string]string) ([]Unit, error) {
	pods, err := t.Client.RunningPods(ctx, t.Namespace, selector)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	units := make([]Unit, 0, len(pods))
	for _, pod := range pods {
		units = append(units, &kubeUnit{transport: t, pod: pod.Name, info: k8s.PodInfo(pod)})
	}
	return units, nil
}

type kubeUnit struct {
	transport *KubeTransport
	pod       string
	info      map[string]string
}

func (u *kubeUnit) Name() string { return u.pod }

func (u *kubeUnit) Info() map[string]string { return u.info }

func (u *kubeUnit) Run(ctx context.Context, command string) (Result, error) {
	start := time.Now()
	out, err := u.transport.Client.Exec(ctx, u.transport.Namespace, u.pod, u.transport.Container, []string{"/bin/sh", "-c", command})
	if err != nil {
		return Result{}, &TransportError{Unit: u.pod, Err: err}
	}
	return Result{
		Output:     out.Stdout,
		Stderr:     out.Stderr,
		ExitStatus: out.ExitCode,
		Duration:   time.Since(start),
	}, nil
}
