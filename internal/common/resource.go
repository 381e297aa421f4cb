package common

import (
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

type ComputeResources map[string]resource.Quantity

func FromResourceList(list v1.ResourceList) ComputeResources {
	resources := make(ComputeResources)
	for k, v := range list {
		resources[string(k)] = v.DeepCopy()
	}
	return resources
}

func (a ComputeResources) Add(b ComputeResources) {
	for k, v := range b {
		existing, ok := a[k]
		if ok {
			existing.Add(v)
			a[k] = existing
		} else {
			a[k] = v.DeepCopy()
		}
	}
}

func (a ComputeResources) Sub(b ComputeResources) {
	for k, v := range b {
		existing, ok := a[k]
		if ok {
			existing.Sub(v)
			a[k] = existing
		} else {
			cpy := v.DeepCopy()
			cpy.Neg()
			a[k] = cpy
		}
	}
}

func CalculateTotalResource(nodes []*v1.Node) ComputeResources {
	totalResources := make(ComputeResources)
	for _, node := range nodes {
		nodeAllocatableResource := FromResourceList(node.Status.Allocatable)
		totalResources.Add(nodeAllocatableResource)
	}
	return totalResources
}

// TotalPodResourceRequest is the maximum resource request over all points in
// time of the pod's life, accounting for init containers running before the
// main containers start.
func TotalPodResourceRequest(podSpec *v1.PodSpec) ComputeResources {
	totalResources := make(ComputeResources)
	for _, container := range podSpec.Containers {
		containerResource := FromResourceList(container.Resources.Requests)
		totalResources.Add(containerResource)
	}
	for _, initContainer := range podSpec.InitContainers {
		initResource := FromResourceList(initContainer.Resources.Requests)
		for k, v := range initResource {
			existing, ok := totalResources[k]
			if !ok || v.Cmp(existing) > 0 {
				totalResources[k] = v.DeepCopy()
			}
		}
	}
	return totalResources
}
