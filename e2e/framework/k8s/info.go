package k8s

import (
	corev1 "k8s.io/api/core/v1"
)

// PodInfo returns the unit metadata exposed for a pod. public-address
// prefers the host IP when the pod shares the node network.
func PodInfo(pod corev1.Pod) map[string]string {
	info := map[string]string{
		"pod":             pod.Name,
		"namespace":       pod.Namespace,
		"node":            pod.Spec.NodeName,
		"private-address": pod.Status.PodIP,
		"public-address":  pod.Status.PodIP,
	}
	if pod.Spec.HostNetwork && pod.Status.HostIP != "" {
		info["public-address"] = pod.Status.HostIP
	}
	return info
}
