package capacity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/pkg/errors"
)

const gi = int64(1024 * 1024 * 1024)

func TestHasCapacity(t *testing.T) {
	client := fake.NewSimpleClientset(
		node("node-1", "8", "16Gi", true),
		node("node-2", "8", "16Gi", true),
	)
	checker := NewKubernetesChecker(client, time.Minute)

	ok, err := checker.HasCapacity(4 * gi)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestHasCapacity_MemoryFloorExceedsLargestNode(t *testing.T) {
	// 24Gi free in aggregate, but no single node can hold a 16Gi job.
	client := fake.NewSimpleClientset(
		node("node-1", "8", "12Gi", true),
		node("node-2", "8", "12Gi", true),
	)
	checker := NewKubernetesChecker(client, time.Minute)

	ok, err := checker.HasCapacity(16 * gi)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestHasCapacity_AccountsForRunningPods(t *testing.T) {
	client := fake.NewSimpleClientset(
		node("node-1", "2", "8Gi", true),
		pod("pod-1", "node-1", "2", "6Gi"),
	)
	checker := NewKubernetesChecker(client, time.Minute)

	// all cpu is requested, nothing more can start
	ok, err := checker.HasCapacity(1 * gi)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestHasCapacity_IgnoresUnschedulableNodes(t *testing.T) {
	cordoned := node("node-1", "8", "32Gi", true)
	cordoned.Spec.Unschedulable = true
	client := fake.NewSimpleClientset(
		cordoned,
		node("node-2", "2", "4Gi", true),
	)
	checker := NewKubernetesChecker(client, time.Minute)

	ok, err := checker.HasCapacity(8 * gi)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestHasCapacity_IgnoresNotReadyNodes(t *testing.T) {
	client := fake.NewSimpleClientset(
		node("node-1", "8", "32Gi", false),
	)
	checker := NewKubernetesChecker(client, time.Minute)

	ok, err := checker.HasCapacity(1 * gi)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestHasCapacity_BackendUnavailable(t *testing.T) {
	client := fake.NewSimpleClientset(node("node-1", "8", "16Gi", true))
	client.PrependReactor("list", "nodes", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver down")
	})
	checker := NewKubernetesChecker(client, time.Minute)

	_, err := checker.HasCapacity(1 * gi)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
}

func TestRefresh_FailureMarksPreviousReadingStale(t *testing.T) {
	client := fake.NewSimpleClientset(node("node-1", "8", "16Gi", true))
	checker := NewKubernetesChecker(client, time.Minute)

	assert.NoError(t, checker.Refresh())
	assert.False(t, checker.LastState().Stale)

	client.PrependReactor("list", "nodes", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver down")
	})
	assert.Error(t, checker.Refresh())
	assert.True(t, checker.LastState().Stale)
}

func TestRefresh_FailureDoesNotMutateEscapedReadings(t *testing.T) {
	client := fake.NewSimpleClientset(node("node-1", "8", "16Gi", true))
	checker := NewKubernetesChecker(client, time.Minute)

	assert.NoError(t, checker.Refresh())
	before := checker.LastState()

	client.PrependReactor("list", "nodes", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver down")
	})
	assert.Error(t, checker.Refresh())

	// the failing refresh swaps in a stale copy, the reading handed out
	// earlier stays untouched
	assert.False(t, before.Stale)
	assert.True(t, checker.LastState().Stale)
	assert.Equal(t, before.LargestFreeMemoryBytes, checker.LastState().LargestFreeMemoryBytes)
}

func TestLastState_ConcurrentWithFailingRefresh(t *testing.T) {
	client := fake.NewSimpleClientset(node("node-1", "8", "16Gi", true))
	checker := NewKubernetesChecker(client, time.Minute)
	assert.NoError(t, checker.Refresh())

	client.PrependReactor("list", "nodes", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver down")
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = checker.Refresh()
		}
	}()
	for {
		if state := checker.LastState(); state != nil {
			_ = state.Stale
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

func TestHasCapacity_CachesWithinTtl(t *testing.T) {
	client := fake.NewSimpleClientset(node("node-1", "8", "16Gi", true))
	checker := NewKubernetesChecker(client, time.Minute)

	ok, err := checker.HasCapacity(1 * gi)
	assert.NoError(t, err)
	assert.True(t, ok)

	// backend failures are invisible while the cached reading is fresh
	client.PrependReactor("list", "nodes", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver down")
	})
	ok, err = checker.HasCapacity(1 * gi)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func node(name string, cpu string, memory string, ready bool) *v1.Node {
	readyStatus := v1.ConditionFalse
	if ready {
		readyStatus = v1.ConditionTrue
	}
	return &v1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: v1.NodeStatus{
			Allocatable: v1.ResourceList{
				v1.ResourceCPU:    resource.MustParse(cpu),
				v1.ResourceMemory: resource.MustParse(memory),
			},
			Conditions: []v1.NodeCondition{
				{Type: v1.NodeReady, Status: readyStatus},
			},
		},
	}
}

func pod(name string, nodeName string, cpu string, memory string) *v1.Pod {
	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec: v1.PodSpec{
			NodeName: nodeName,
			Containers: []v1.Container{
				{
					Name: "main",
					Resources: v1.ResourceRequirements{
						Requests: v1.ResourceList{
							v1.ResourceCPU:    resource.MustParse(cpu),
							v1.ResourceMemory: resource.MustParse(memory),
						},
					},
				},
			},
		},
		Status: v1.PodStatus{Phase: v1.PodRunning},
	}
}
