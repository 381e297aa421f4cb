package quota

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/labflowproject/labflow/internal/scheduler/repository"
)

// Cost is the estimated resource consumption of a workflow, added on top of
// current usage when checking quotas.
type Cost struct {
	CpuSeconds int64
	DiskBytes  int64
}

// UserQuota combines a user's authoritative usage with their limits.
// Zero limits mean unlimited.
type UserQuota struct {
	Usage  repository.UserUsage
	Limits repository.UserLimits
}

// Snapshot is an immutable view of all user quotas. A new snapshot is swapped
// in wholesale on reconciliation; readers never observe a partial update.
type Snapshot map[string]UserQuota

type Verdict struct {
	Allowed bool
	Reason  string
}

// Accountant tracks per-user resource consumption. Between reconciliations
// usage only grows, through AddEstimate; Reconcile replaces the snapshot with
// authoritative numbers from the usage repository.
type Accountant struct {
	repo repository.UsageRepository

	snapshot atomic.Value // Snapshot

	// Estimates accumulated since the last successful reconciliation, so that
	// workflows admitted in one cycle count against quota in the next.
	mutex     sync.Mutex
	estimates map[string]Cost
}

func NewAccountant(repo repository.UsageRepository) *Accountant {
	accountant := &Accountant{
		repo:      repo,
		estimates: map[string]Cost{},
	}
	accountant.snapshot.Store(Snapshot{})
	return accountant
}

// Check answers whether the user may consume estimatedCost more resources.
// CPU and disk limits are enforced independently; both must pass. Check never
// performs I/O and never blocks on reconciliation.
func (a *Accountant) Check(userId string, estimatedCost Cost) Verdict {
	snapshot := a.snapshot.Load().(Snapshot)
	userQuota := snapshot[userId]
	pending := a.pendingEstimate(userId)

	limits := userQuota.Limits
	usage := userQuota.Usage

	if limits.CpuSeconds > 0 && usage.CpuSeconds+pending.CpuSeconds+estimatedCost.CpuSeconds > limits.CpuSeconds {
		return Verdict{Allowed: false, Reason: "cpu quota exhausted"}
	}
	if limits.DiskBytes > 0 && usage.DiskBytes+pending.DiskBytes+estimatedCost.DiskBytes > limits.DiskBytes {
		return Verdict{Allowed: false, Reason: "disk quota exhausted"}
	}
	return Verdict{Allowed: true}
}

// AddEstimate records the estimated cost of an admitted workflow. Estimates
// are folded away on the next successful reconciliation, when the authoritative
// usage covers them.
func (a *Accountant) AddEstimate(userId string, estimatedCost Cost) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	current := a.estimates[userId]
	current.CpuSeconds += estimatedCost.CpuSeconds
	current.DiskBytes += estimatedCost.DiskBytes
	a.estimates[userId] = current
}

// Reconcile recomputes the snapshot from the usage repository and swaps it in
// atomically. On failure the previous snapshot keeps being served; Check is
// never blocked by a degraded storage backend.
func (a *Accountant) Reconcile() {
	usage, err := a.repo.GetAllUserUsage()
	if err != nil {
		log.WithError(err).Error("Quota reconciliation failed, serving last known snapshot")
		return
	}
	limits, err := a.repo.GetAllUserLimits()
	if err != nil {
		log.WithError(err).Error("Quota reconciliation failed, serving last known snapshot")
		return
	}

	snapshot := make(Snapshot, len(usage))
	for userId, userUsage := range usage {
		snapshot[userId] = UserQuota{Usage: userUsage, Limits: limits[userId]}
	}
	for userId, userLimits := range limits {
		if _, ok := snapshot[userId]; !ok {
			snapshot[userId] = UserQuota{Limits: userLimits}
		}
	}

	a.mutex.Lock()
	a.estimates = map[string]Cost{}
	a.snapshot.Store(snapshot)
	a.mutex.Unlock()
}

// CurrentSnapshot returns the snapshot served to checks, for reporting.
func (a *Accountant) CurrentSnapshot() Snapshot {
	return a.snapshot.Load().(Snapshot)
}

func (a *Accountant) pendingEstimate(userId string) Cost {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.estimates[userId]
}
