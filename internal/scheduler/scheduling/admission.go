package scheduling

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/labflowproject/labflow/internal/scheduler/capacity"
	"github.com/labflowproject/labflow/internal/scheduler/configuration"
	"github.com/labflowproject/labflow/internal/scheduler/quota"
	"github.com/labflowproject/labflow/pkg/api"
)

type QuotaChecker interface {
	Check(userId string, estimatedCost quota.Cost) quota.Verdict
	AddEstimate(userId string, estimatedCost quota.Cost)
}

type RunningCounter interface {
	CountRunning() (int64, error)
}

// AdmissionController decides, per scheduling cycle, which of the pending
// workflow start requests may start now. It holds no per-request state;
// requests are received for a single decision call and a verdict is returned.
type AdmissionController struct {
	config            *configuration.SchedulingConfig
	maxJobMemoryBytes int64
	capacity          capacity.Checker
	quota             QuotaChecker
	running           RunningCounter
	policy            Policy
}

func NewAdmissionController(
	config *configuration.SchedulingConfig,
	capacityChecker capacity.Checker,
	quotaChecker QuotaChecker,
	runningCounter RunningCounter,
	policy Policy,
) *AdmissionController {
	return &AdmissionController{
		config:            config,
		maxJobMemoryBytes: config.MaxJobMemoryBytes(),
		capacity:          capacityChecker,
		quota:             quotaChecker,
		running:           runningCounter,
		policy:            policy,
	}
}

// Decide evaluates a batch of pending requests and returns one decision per
// request, in input order. Within the batch, feasible requests are admitted
// in policy order up to the remaining concurrency slots and cluster capacity.
func (c *AdmissionController) Decide(requests []*api.WorkflowStartRequest) []Decision {
	decisions := make([]Decision, len(requests))

	type candidate struct {
		index   int
		request *api.WorkflowStartRequest
	}
	candidates := []candidate{}
	for i, request := range requests {
		if !validShape(request) {
			decisions[i] = rejected(ReasonInvalidSpec)
			continue
		}
		if request.MinJobMemory() > c.maxJobMemoryBytes {
			decisions[i] = rejected(ReasonExceedsMaxMemory)
			continue
		}
		verdict := c.quota.Check(request.UserId, EstimateCost(request))
		if !verdict.Allowed {
			log.WithField("workflow", request.WorkflowId).
				WithField("user", request.UserId).
				Infof("Rejecting workflow: %s", verdict.Reason)
			decisions[i] = rejected(ReasonQuotaExceeded)
			continue
		}
		candidates = append(candidates, candidate{index: i, request: request})
	}
	if len(candidates) == 0 {
		return decisions
	}

	// A zero concurrency limit disables scheduling entirely unless the
	// configuration explicitly permits one workflow at a time. This must stay
	// an explicit configuration invariant, silently treating zero as "one" has
	// starved clusters before.
	concurrencyLimit := int64(c.config.MaxConcurrentWorkflows)
	if concurrencyLimit == 0 {
		if !c.config.AllowSingleWhenZero {
			for _, cand := range candidates {
				decisions[cand.index] = rejected(ReasonSchedulingDisabled)
			}
			return decisions
		}
		concurrencyLimit = 1
	}

	running, err := c.running.CountRunning()
	if err != nil {
		log.WithError(err).Error("Failed to count running workflows, deferring all requests")
		for _, cand := range candidates {
			decisions[cand.index] = deferred(ReasonBackendUnavailable)
		}
		return decisions
	}
	slots := concurrencyLimit - running

	sort.SliceStable(candidates, func(i, j int) bool {
		return c.policy.Less(candidates[i].request, candidates[j].request)
	})

	for _, cand := range candidates {
		if slots <= 0 {
			decisions[cand.index] = deferred(ReasonConcurrencyLimit)
			continue
		}
		hasCapacity, err := c.capacity.HasCapacity(cand.request.MinJobMemory())
		if err != nil {
			decisions[cand.index] = deferred(ReasonBackendUnavailable)
			continue
		}
		if !hasCapacity {
			decisions[cand.index] = deferred(ReasonClusterAtCapacity)
			continue
		}
		c.quota.AddEstimate(cand.request.UserId, EstimateCost(cand.request))
		decisions[cand.index] = accepted()
		slots--
	}
	return decisions
}

// EstimateCost is the admission-time proxy for what a workflow will consume:
// one CPU-second per estimated job. Authoritative usage replaces the estimate
// on the next quota reconciliation. Disk consumption cannot be estimated
// before the run, so only current disk usage counts against the disk limit.
func EstimateCost(request *api.WorkflowStartRequest) quota.Cost {
	score := request.ComplexityScore()
	if score < 0 {
		score = 0
	}
	return quota.Cost{CpuSeconds: score}
}

func validShape(request *api.WorkflowStartRequest) bool {
	if request.WorkflowId == "" || request.UserId == "" {
		return false
	}
	if request.MinJobMemoryBytes < 0 {
		return false
	}
	for _, shape := range request.Complexity {
		if shape.Jobs < 0 || shape.MemoryBytes < 0 {
			return false
		}
	}
	return true
}
