package repository

import (
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const (
	workflowStatusPrefix = "Workflow:Status:"
	runningWorkflowsKey  = "Workflow:Running"
)

// WorkflowStatus is the scheduler-visible status of a workflow, fed to the
// platform's reporting interface. The full workflow record lives in the
// platform's own database; the scheduler only writes status transitions.
type WorkflowStatus struct {
	Status  string
	Reason  string
	Updated time.Time
}

type WorkflowRepository interface {
	ReportStatus(workflowId string, status string, reason string) error
	GetStatus(workflowId string) (*WorkflowStatus, error)
	AddRunning(workflowId string, now time.Time) error
	RemoveRunning(workflowId string) error
	IsRunning(workflowId string) (bool, error)
	CountRunning() (int64, error)
	ExpireRunning(olderThan time.Time) (int64, error)
}

type RedisWorkflowRepository struct {
	db redis.UniversalClient
}

func NewRedisWorkflowRepository(db redis.UniversalClient) *RedisWorkflowRepository {
	return &RedisWorkflowRepository{db: db}
}

func (r *RedisWorkflowRepository) ReportStatus(workflowId string, status string, reason string) error {
	_, err := r.db.HMSet(workflowStatusPrefix+workflowId, map[string]interface{}{
		"status":  status,
		"reason":  reason,
		"updated": time.Now().UTC().Format(time.RFC3339Nano),
	}).Result()
	return errors.Wrapf(err, "failed to report status of workflow %s", workflowId)
}

func (r *RedisWorkflowRepository) GetStatus(workflowId string) (*WorkflowStatus, error) {
	result, err := r.db.HGetAll(workflowStatusPrefix + workflowId).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read status of workflow %s", workflowId)
	}
	if len(result) == 0 {
		return nil, nil
	}
	status := &WorkflowStatus{
		Status: result["status"],
		Reason: result["reason"],
	}
	if updated, ok := result["updated"]; ok {
		parsed, err := time.Parse(time.RFC3339Nano, updated)
		if err == nil {
			status.Updated = parsed
		}
	}
	return status, nil
}

func (r *RedisWorkflowRepository) AddRunning(workflowId string, now time.Time) error {
	err := r.db.ZAdd(runningWorkflowsKey, redis.Z{
		Member: workflowId,
		Score:  float64(now.Unix()),
	}).Err()
	return errors.Wrapf(err, "failed to add workflow %s to the running set", workflowId)
}

func (r *RedisWorkflowRepository) RemoveRunning(workflowId string) error {
	err := r.db.ZRem(runningWorkflowsKey, workflowId).Err()
	return errors.Wrapf(err, "failed to remove workflow %s from the running set", workflowId)
}

func (r *RedisWorkflowRepository) IsRunning(workflowId string) (bool, error) {
	_, err := r.db.ZScore(runningWorkflowsKey, workflowId).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to check whether workflow %s is running", workflowId)
	}
	return true, nil
}

func (r *RedisWorkflowRepository) CountRunning() (int64, error) {
	count, err := r.db.ZCard(runningWorkflowsKey).Result()
	return count, errors.Wrap(err, "failed to count running workflows")
}

// ExpireRunning prunes running-set entries older than the given time. The
// platform removes entries when workflows finish; this is a safety net for
// entries orphaned by crashes.
func (r *RedisWorkflowRepository) ExpireRunning(olderThan time.Time) (int64, error) {
	removed, err := r.db.ZRemRangeByScore(runningWorkflowsKey, "-inf", strconv.FormatInt(olderThan.Unix(), 10)).Result()
	return removed, errors.Wrap(err, "failed to expire running workflows")
}
