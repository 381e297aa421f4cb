package capacity

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/labflowproject/labflow/internal/common"
)

// ErrBackendUnavailable signals that the execution backend could not be
// queried and no sufficiently fresh capacity reading exists.
var ErrBackendUnavailable = errors.New("execution backend unavailable")

const (
	capacityStateKey = "capacity"
	queryTimeout     = 10 * time.Second
)

// State is one reading of cluster capacity.
type State struct {
	// Largest amount of free memory on any single schedulable node. A job
	// needing more than this can never be placed, regardless of how much
	// aggregate capacity the cluster has.
	LargestFreeMemoryBytes int64
	FreeCpuMillis          int64
	CheckedAt              time.Time
	Stale                  bool
}

type Checker interface {
	HasCapacity(minJobMemoryBytes int64) (bool, error)
	Refresh() error
}

// KubernetesChecker answers whether at least one more job could start on the
// cluster. Readings are cached with a TTL; once the TTL elapses a fresh
// reading is required before any answer is given, a stale one is never served
// silently.
type KubernetesChecker struct {
	client kubernetes.Interface
	ttl    time.Duration
	cache  *cache.Cache

	mutex     sync.Mutex
	lastState *State
}

func NewKubernetesChecker(client kubernetes.Interface, ttl time.Duration) *KubernetesChecker {
	return &KubernetesChecker{
		client: client,
		ttl:    ttl,
		cache:  cache.New(ttl, ttl),
	}
}

func (c *KubernetesChecker) HasCapacity(minJobMemoryBytes int64) (bool, error) {
	state, err := c.currentState()
	if err != nil {
		return false, err
	}
	if minJobMemoryBytes > state.LargestFreeMemoryBytes {
		return false, nil
	}
	return state.FreeCpuMillis > 0, nil
}

func (c *KubernetesChecker) currentState() (*State, error) {
	if cached, ok := c.cache.Get(capacityStateKey); ok {
		return cached.(*State), nil
	}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	cached, ok := c.cache.Get(capacityStateKey)
	if !ok {
		return nil, ErrBackendUnavailable
	}
	return cached.(*State), nil
}

// Refresh queries the cluster and replaces the cached capacity reading. On
// failure the previous reading is kept but marked stale and is no longer
// served; the failure is never converted into an optimistic answer.
func (c *KubernetesChecker) Refresh() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	state, err := c.queryClusterState()
	if err != nil {
		// Swap in a stale copy rather than mutating the reading in place;
		// pointers to the previous reading have escaped to other goroutines
		// through LastState and the cache.
		if c.lastState != nil {
			stale := *c.lastState
			stale.Stale = true
			c.lastState = &stale
		}
		log.WithError(err).Warn("Failed to refresh cluster capacity")
		return errors.Wrap(ErrBackendUnavailable, err.Error())
	}

	c.lastState = state
	c.cache.Set(capacityStateKey, state, c.ttl)
	return nil
}

// LastState returns the most recent reading, possibly stale, for reporting.
func (c *KubernetesChecker) LastState() *State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lastState
}

func (c *KubernetesChecker) queryClusterState() (*State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	nodeList, err := c.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list nodes")
	}
	podList, err := c.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "status.phase!=" + string(v1.PodSucceeded) + ",status.phase!=" + string(v1.PodFailed),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pods")
	}

	schedulableNodes := filterSchedulableNodes(nodeList.Items)
	allocatedByNode := allocatedResourceByNodeName(podList.Items)

	totalFree := common.CalculateTotalResource(schedulableNodes)
	var largestFreeMemory int64
	for _, node := range schedulableNodes {
		free := common.FromResourceList(node.Status.Allocatable)
		free.Sub(allocatedByNode[node.Name])
		if memory, ok := free["memory"]; ok && memory.Value() > largestFreeMemory {
			largestFreeMemory = memory.Value()
		}
	}
	for _, node := range schedulableNodes {
		totalFree.Sub(allocatedByNode[node.Name])
	}

	var freeCpuMillis int64
	if cpu, ok := totalFree["cpu"]; ok {
		freeCpuMillis = cpu.MilliValue()
	}

	return &State{
		LargestFreeMemoryBytes: largestFreeMemory,
		FreeCpuMillis:          freeCpuMillis,
		CheckedAt:              time.Now(),
	}, nil
}

func filterSchedulableNodes(nodes []v1.Node) []*v1.Node {
	schedulable := []*v1.Node{}
	for i, node := range nodes {
		if node.Spec.Unschedulable {
			continue
		}
		if hasNoScheduleTaint(&node) {
			continue
		}
		if !isReady(&node) {
			continue
		}
		schedulable = append(schedulable, &nodes[i])
	}
	return schedulable
}

func hasNoScheduleTaint(node *v1.Node) bool {
	for _, taint := range node.Spec.Taints {
		if taint.Effect == v1.TaintEffectNoSchedule || taint.Effect == v1.TaintEffectNoExecute {
			return true
		}
	}
	return false
}

func isReady(node *v1.Node) bool {
	for _, condition := range node.Status.Conditions {
		if condition.Type == v1.NodeReady {
			return condition.Status == v1.ConditionTrue
		}
	}
	return false
}

func allocatedResourceByNodeName(pods []v1.Pod) map[string]common.ComputeResources {
	allocations := map[string]common.ComputeResources{}
	for i, pod := range pods {
		nodeName := pod.Spec.NodeName
		if nodeName == "" {
			continue
		}
		request := common.TotalPodResourceRequest(&pods[i].Spec)
		_, ok := allocations[nodeName]
		if !ok {
			allocations[nodeName] = common.ComputeResources{}
		}
		allocations[nodeName].Add(request)
	}
	return allocations
}
