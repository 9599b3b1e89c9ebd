package k8s

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/apiutil"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
)

// Client wraps a controller-runtime client and REST config.
type Client struct {
	Client     client.Client
	RestConfig *rest.Config
	Scheme     *runtime.Scheme
}

// ExecResult is the outcome of a command run inside a pod.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// NewClient builds a Kubernetes client for the given kubeconfig.
func NewClient(kubeconfig string) (*Client, error) {
	var cfg *rest.Config
	var err error
	if strings.TrimSpace(kubeconfig) != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = config.GetConfig()
	}
	if err != nil {
		return nil, err
	}

	scheme := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(scheme)

	kubeClient, err := client.New(cfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, err
	}

	return &Client{Client: kubeClient, RestConfig: cfg, Scheme: scheme}, nil
}

// RunningPods lists running pods in namespace matching the label selector,
// ordered by name.
func (c *Client) RunningPods(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error) {
	list := &corev1.PodList{}
	opts := []client.ListOption{client.InNamespace(namespace)}
	if len(selector) > 0 {
		opts = append(opts, client.MatchingLabels(selector))
	}
	if err := c.Client.List(ctx, list, opts...); err != nil {
		return nil, err
	}
	pods := make([]corev1.Pod, 0, len(list.Items))
	for _, pod := range list.Items {
		if pod.Status.Phase == corev1.PodRunning && pod.DeletionTimestamp == nil {
			pods = append(pods, pod)
		}
	}
	sort.Slice(pods, func(i, j int) bool { return pods[i].Name < pods[j].Name })
	return pods, nil
}

// Exec executes a command inside a pod. A command that runs and exits
// non-zero is reported through ExecResult.ExitCode with a nil error.
func (c *Client) Exec(ctx context.Context, namespace, podName, container string, cmd []string) (ExecResult, error) {
	pod := &corev1.Pod{}
	if err := c.Client.Get(ctx, client.ObjectKey{Name: podName, Namespace: namespace}, pod); err != nil {
		return ExecResult{}, err
	}
	gvk, _ := apiutil.GVKForObject(pod, c.Scheme)
	restClient, err := apiutil.RESTClientForGVK(gvk, false, c.RestConfig, serializer.NewCodecFactory(c.Scheme), http.DefaultClient)
	if err != nil {
		return ExecResult{}, err
	}

	execReq := restClient.Post().Resource("pods").Name(podName).Namespace(namespace).SubResource("exec")
	option := &corev1.PodExecOptions{
		Command: cmd,
		Stdout:  true,
		Stderr:  true,
	}
	if container != "" {
		option.Container = container
	}

	execReq.VersionedParams(option, runtime.NewParameterCodec(c.Scheme))
	exec, err := remotecommand.NewSPDYExecutor(c.RestConfig, "POST", execReq.URL())
	if err != nil {
		return ExecResult{}, err
	}

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)

	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: stdout,
		Stderr: stderr,
	})
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr utilexec.ExitError
		if errors.As(err, &exitErr) && exitErr.Exited() {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, fmt.Errorf("exec failed: %w", err)
	}

	return result, nil
}
