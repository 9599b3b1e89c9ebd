package k8s

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func pod(name, role string, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "hadoop",
			Labels:    map[string]string{"app.kubernetes.io/component": role},
		},
		Status: corev1.PodStatus{Phase: phase, PodIP: "10.0.0.1", HostIP: "192.168.1.10"},
	}
}

func TestRunningPods(t *testing.T) {
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	kube := fake.NewClientBuilder().WithScheme(scheme).WithObjects(
		pod("slave-1", "slave", corev1.PodRunning),
		pod("slave-0", "slave", corev1.PodRunning),
		pod("slave-2", "slave", corev1.PodPending),
		pod("namenode-0", "namenode", corev1.PodRunning),
	).Build()
	c := &Client{Client: kube, Scheme: scheme}

	pods, err := c.RunningPods(context.Background(), "hadoop", map[string]string{"app.kubernetes.io/component": "slave"})
	require.NoError(t, err)
	require.Len(t, pods, 2)
	assert.Equal(t, "slave-0", pods[0].Name)
	assert.Equal(t, "slave-1", pods[1].Name)
}

func TestPodInfo(t *testing.T) {
	p := pod("spark-0", "spark", corev1.PodRunning)
	info := PodInfo(*p)
	assert.Equal(t, "10.0.0.1", info["public-address"])

	p.Spec.HostNetwork = true
	info = PodInfo(*p)
	assert.Equal(t, "192.168.1.10", info["public-address"])
	assert.Equal(t, "10.0.0.1", info["private-address"])
}
