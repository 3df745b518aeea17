package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/types"
)

// Kubernetes submits rendered pod manifests to a cluster and polls
// the pod phase to completion.
type Kubernetes struct {
	name      string
	namespace string
	client    kubernetes.Interface
}

// NewKubernetes builds the adapter from a kubeconfig (or in-cluster
// configuration when the path is empty).
func NewKubernetes(name string, cfg config.RuntimeConfig, kubeconfig string) (*Kubernetes, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if kubeconfig == "" {
		restCfg, err = rest.InClusterConfig()
	} else {
		loading := &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig}
		overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.Context}
		restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loading, overrides).ClientConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("loading cluster config for %s: %w", name, err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("building client for %s: %w", name, err)
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	return &Kubernetes{name: name, namespace: ns, client: client}, nil
}

// newKubernetesWithClient is the test constructor.
func newKubernetesWithClient(name, namespace string, client kubernetes.Interface) *Kubernetes {
	return &Kubernetes{name: name, namespace: namespace, client: client}
}

// Name implements Runtime.
func (k *Kubernetes) Name() string { return k.name }

// LabType implements Runtime.
func (k *Kubernetes) LabType() string { return config.RuntimeKubernetes }

// Submit implements Runtime. The rendered job description is a pod
// manifest; the adapter stamps identity labels so callbacks and
// sweeps can find the pod again from the node.
func (k *Kubernetes) Submit(ctx context.Context, job []byte, node *types.Node) (*Handle, error) {
	var pod corev1.Pod
	if err := yaml.Unmarshal(job, &pod); err != nil {
		return nil, fmt.Errorf("decoding pod manifest: %w", err)
	}
	if pod.Name == "" {
		pod.Name = podName(node)
	}
	if pod.Labels == nil {
		pod.Labels = map[string]string{}
	}
	pod.Labels["kite.node"] = node.ID
	pod.Spec.RestartPolicy = corev1.RestartPolicyNever

	created, err := k.client.CoreV1().Pods(k.namespace).Create(ctx, &pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating pod %s: %w", pod.Name, err)
	}
	return &Handle{Runtime: k.name, JobID: created.Name, NodeID: node.ID}, nil
}

// Poll implements Runtime.
func (k *Kubernetes) Poll(ctx context.Context, h *Handle) (Status, error) {
	pod, err := k.client.CoreV1().Pods(k.namespace).Get(ctx, h.JobID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return StatusUnknown, fmt.Errorf("pod %s: %w", h.JobID, err)
		}
		return StatusUnknown, fmt.Errorf("getting pod %s: %w", h.JobID, err)
	}
	switch pod.Status.Phase {
	case corev1.PodPending, "":
		// A just-created pod has no phase until kubelet picks it up.
		return StatusSubmitted, nil
	case corev1.PodRunning:
		return StatusRunning, nil
	case corev1.PodSucceeded:
		return StatusSucceeded, nil
	case corev1.PodFailed:
		return StatusFailed, nil
	default:
		return StatusUnknown, nil
	}
}

// Cancel implements Runtime.
func (k *Kubernetes) Cancel(ctx context.Context, h *Handle) error {
	err := k.client.CoreV1().Pods(k.namespace).Delete(ctx, h.JobID, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting pod %s: %w", h.JobID, err)
	}
	return nil
}

// Results implements Runtime. Succeeded pods pass; failed pods carry
// the container's termination state as the error code. Logs come back
// inline so the dispatcher can attach them as an artifact.
func (k *Kubernetes) Results(ctx context.Context, h *Handle) (*ResultPayload, error) {
	pod, err := k.client.CoreV1().Pods(k.namespace).Get(ctx, h.JobID, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting pod %s: %w", h.JobID, err)
	}

	payload := &ResultPayload{}
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		payload.Status = types.ResultPass
	case corev1.PodFailed:
		payload.Status = types.ResultFail
		for _, cs := range pod.Status.ContainerStatuses {
			if term := cs.State.Terminated; term != nil && term.ExitCode != 0 {
				payload.ErrorCode = fmt.Sprintf("exit_%d", term.ExitCode)
				payload.ErrorMsg = term.Reason
				break
			}
		}
	default:
		return nil, fmt.Errorf("pod %s still %s", h.JobID, pod.Status.Phase)
	}

	if payload.Status == types.ResultFail && payload.ErrorMsg == "" {
		req := k.client.CoreV1().Pods(k.namespace).GetLogs(h.JobID, &corev1.PodLogOptions{})
		if stream, err := req.Stream(ctx); err == nil {
			logs, readErr := io.ReadAll(stream)
			stream.Close()
			if readErr == nil && len(logs) > 0 {
				payload.ErrorMsg = strings.TrimSpace(tail(string(logs), 4096))
			}
		}
	}
	return payload, nil
}

func podName(node *types.Node) string {
	name := strings.ToLower(strings.ReplaceAll(node.Name, "_", "-"))
	if len(name) > 40 {
		name = name[:40]
	}
	suffix := node.ID
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	return fmt.Sprintf("%s-%s", name, suffix)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
