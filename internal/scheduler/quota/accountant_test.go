package quota

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/labflowproject/labflow/internal/scheduler/repository"
)

type stubUsageRepository struct {
	usage  map[string]repository.UserUsage
	limits map[string]repository.UserLimits
	err    error
}

func (s *stubUsageRepository) GetAllUserUsage() (map[string]repository.UserUsage, error) {
	return s.usage, s.err
}

func (s *stubUsageRepository) GetAllUserLimits() (map[string]repository.UserLimits, error) {
	return s.limits, s.err
}

func (s *stubUsageRepository) AddUsage(userId string, usage repository.UserUsage) error {
	return nil
}

func (s *stubUsageRepository) SetLimits(userId string, limits repository.UserLimits) error {
	return nil
}

func TestCheck_WithinLimits(t *testing.T) {
	accountant := reconciledAccountant(t, 100, 1000)

	verdict := accountant.Check("alice", Cost{CpuSeconds: 40, DiskBytes: 400})
	assert.True(t, verdict.Allowed)
}

func TestCheck_DenyIsStrict(t *testing.T) {
	accountant := reconciledAccountant(t, 100, 1000)

	// usage 50 + cost 50 == limit 100 is still allowed, one unit more is not
	verdict := accountant.Check("alice", Cost{CpuSeconds: 50})
	assert.True(t, verdict.Allowed)

	verdict = accountant.Check("alice", Cost{CpuSeconds: 51})
	assert.False(t, verdict.Allowed)
}

func TestCheck_LimitsEnforcedIndependently(t *testing.T) {
	accountant := reconciledAccountant(t, 100, 1000)

	verdict := accountant.Check("alice", Cost{CpuSeconds: 1, DiskBytes: 600})
	assert.False(t, verdict.Allowed)

	verdict = accountant.Check("alice", Cost{CpuSeconds: 60, DiskBytes: 1})
	assert.False(t, verdict.Allowed)
}

func TestCheck_ZeroLimitMeansUnlimited(t *testing.T) {
	repo := &stubUsageRepository{
		usage:  map[string]repository.UserUsage{"alice": {CpuSeconds: 1 << 40}},
		limits: map[string]repository.UserLimits{},
	}
	accountant := NewAccountant(repo)
	accountant.Reconcile()

	verdict := accountant.Check("alice", Cost{CpuSeconds: 1 << 40})
	assert.True(t, verdict.Allowed)
}

func TestCheck_UnknownUserAllowed(t *testing.T) {
	accountant := reconciledAccountant(t, 100, 1000)

	verdict := accountant.Check("mallory", Cost{CpuSeconds: 1})
	assert.True(t, verdict.Allowed)
}

func TestAddEstimate_CountsAgainstQuota(t *testing.T) {
	accountant := reconciledAccountant(t, 100, 1000)

	accountant.AddEstimate("alice", Cost{CpuSeconds: 40})
	verdict := accountant.Check("alice", Cost{CpuSeconds: 11})
	assert.False(t, verdict.Allowed)

	// estimates are folded away by the next reconciliation
	accountant.Reconcile()
	verdict = accountant.Check("alice", Cost{CpuSeconds: 11})
	assert.True(t, verdict.Allowed)
}

func TestReconcile_Idempotent(t *testing.T) {
	accountant := reconciledAccountant(t, 100, 1000)

	first := accountant.CurrentSnapshot()
	accountant.Reconcile()
	second := accountant.CurrentSnapshot()
	assert.Equal(t, first, second)
}

func TestReconcile_KeepsSnapshotOnFailure(t *testing.T) {
	repo := &stubUsageRepository{
		usage:  map[string]repository.UserUsage{"alice": {CpuSeconds: 50}},
		limits: map[string]repository.UserLimits{"alice": {CpuSeconds: 100}},
	}
	accountant := NewAccountant(repo)
	accountant.Reconcile()

	repo.err = errors.New("storage of record unreachable")
	accountant.Reconcile()

	verdict := accountant.Check("alice", Cost{CpuSeconds: 50})
	assert.True(t, verdict.Allowed)
	verdict = accountant.Check("alice", Cost{CpuSeconds: 51})
	assert.False(t, verdict.Allowed)
}

func reconciledAccountant(t *testing.T, cpuLimit int64, diskLimit int64) *Accountant {
	t.Helper()
	repo := &stubUsageRepository{
		usage: map[string]repository.UserUsage{
			"alice": {CpuSeconds: 50, DiskBytes: 500},
		},
		limits: map[string]repository.UserLimits{
			"alice": {CpuSeconds: cpuLimit, DiskBytes: diskLimit},
		},
	}
	accountant := NewAccountant(repo)
	accountant.Reconcile()
	return accountant
}
