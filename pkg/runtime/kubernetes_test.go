package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kite-ci/kite/pkg/types"
)

const podManifest = `
apiVersion: v1
kind: Pod
metadata:
  name: kbuild-x86
spec:
  containers:
    - name: kbuild
      image: kite/kbuild
      command: ["/bin/sh", "-c", "make defconfig"]
`

func TestKubernetesSubmit(t *testing.T) {
	client := fake.NewSimpleClientset()
	k := newKubernetesWithClient("k8s-gke", "kite", client)

	h, err := k.Submit(context.Background(), []byte(podManifest), testNode())
	require.NoError(t, err)
	assert.Equal(t, "kbuild-x86", h.JobID)

	pod, err := client.CoreV1().Pods("kite").Get(context.Background(), "kbuild-x86", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "node-1", pod.Labels["kite.node"])
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
}

func TestKubernetesPollAndResults(t *testing.T) {
	client := fake.NewSimpleClientset()
	k := newKubernetesWithClient("k8s-gke", "kite", client)

	h, err := k.Submit(context.Background(), []byte(podManifest), testNode())
	require.NoError(t, err)

	status, err := k.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, status)

	pod, err := client.CoreV1().Pods("kite").Get(context.Background(), h.JobID, metav1.GetOptions{})
	require.NoError(t, err)
	pod.Status.Phase = corev1.PodSucceeded
	_, err = client.CoreV1().Pods("kite").Update(context.Background(), pod, metav1.UpdateOptions{})
	require.NoError(t, err)

	status, err = k.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status)

	payload, err := k.Results(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, types.ResultPass, payload.Status)
}

func TestKubernetesFailedPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	k := newKubernetesWithClient("k8s-gke", "kite", client)

	h, err := k.Submit(context.Background(), []byte(podManifest), testNode())
	require.NoError(t, err)

	pod, err := client.CoreV1().Pods("kite").Get(context.Background(), h.JobID, metav1.GetOptions{})
	require.NoError(t, err)
	pod.Status.Phase = corev1.PodFailed
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
		Name: "kbuild",
		State: corev1.ContainerState{
			Terminated: &corev1.ContainerStateTerminated{ExitCode: 2, Reason: "Error"},
		},
	}}
	_, err = client.CoreV1().Pods("kite").Update(context.Background(), pod, metav1.UpdateOptions{})
	require.NoError(t, err)

	payload, err := k.Results(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, types.ResultFail, payload.Status)
	assert.Equal(t, "exit_2", payload.ErrorCode)
	assert.Equal(t, "Error", payload.ErrorMsg)
}

func TestKubernetesCancelMissingPod(t *testing.T) {
	k := newKubernetesWithClient("k8s-gke", "kite", fake.NewSimpleClientset())
	err := k.Cancel(context.Background(), &Handle{JobID: "gone"})
	assert.NoError(t, err)
}
