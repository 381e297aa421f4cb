package repository

import (
	"strconv"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const (
	usageCpuKey  = "Quota:Usage:cpu"
	usageDiskKey = "Quota:Usage:disk"
	limitCpuKey  = "Quota:Limit:cpu"
	limitDiskKey = "Quota:Limit:disk"
)

// UserUsage is the authoritative resource consumption of one user,
// maintained by the workflow platform as workflows run.
type UserUsage struct {
	CpuSeconds int64
	DiskBytes  int64
}

// UserLimits are the configured ceilings for one user. Zero means unlimited.
type UserLimits struct {
	CpuSeconds int64
	DiskBytes  int64
}

type UsageRepository interface {
	GetAllUserUsage() (map[string]UserUsage, error)
	GetAllUserLimits() (map[string]UserLimits, error)
	AddUsage(userId string, usage UserUsage) error
	SetLimits(userId string, limits UserLimits) error
}

type RedisUsageRepository struct {
	db redis.UniversalClient
}

func NewRedisUsageRepository(db redis.UniversalClient) *RedisUsageRepository {
	return &RedisUsageRepository{db: db}
}

func (r *RedisUsageRepository) GetAllUserUsage() (map[string]UserUsage, error) {
	pipe := r.db.Pipeline()
	cpuCmd := pipe.HGetAll(usageCpuKey)
	diskCmd := pipe.HGetAll(usageDiskKey)
	if _, err := pipe.Exec(); err != nil {
		return nil, errors.Wrap(err, "failed to read user usage")
	}

	cpu, err := toInt64Map(cpuCmd.Val())
	if err != nil {
		return nil, err
	}
	disk, err := toInt64Map(diskCmd.Val())
	if err != nil {
		return nil, err
	}

	usage := make(map[string]UserUsage)
	for userId, seconds := range cpu {
		u := usage[userId]
		u.CpuSeconds = seconds
		usage[userId] = u
	}
	for userId, bytes := range disk {
		u := usage[userId]
		u.DiskBytes = bytes
		usage[userId] = u
	}
	return usage, nil
}

func (r *RedisUsageRepository) GetAllUserLimits() (map[string]UserLimits, error) {
	pipe := r.db.Pipeline()
	cpuCmd := pipe.HGetAll(limitCpuKey)
	diskCmd := pipe.HGetAll(limitDiskKey)
	if _, err := pipe.Exec(); err != nil {
		return nil, errors.Wrap(err, "failed to read user limits")
	}

	cpu, err := toInt64Map(cpuCmd.Val())
	if err != nil {
		return nil, err
	}
	disk, err := toInt64Map(diskCmd.Val())
	if err != nil {
		return nil, err
	}

	limits := make(map[string]UserLimits)
	for userId, seconds := range cpu {
		l := limits[userId]
		l.CpuSeconds = seconds
		limits[userId] = l
	}
	for userId, bytes := range disk {
		l := limits[userId]
		l.DiskBytes = bytes
		limits[userId] = l
	}
	return limits, nil
}

func (r *RedisUsageRepository) AddUsage(userId string, usage UserUsage) error {
	if usage.CpuSeconds == 0 && usage.DiskBytes == 0 {
		return nil
	}
	pipe := r.db.TxPipeline()
	if usage.CpuSeconds != 0 {
		pipe.HIncrBy(usageCpuKey, userId, usage.CpuSeconds)
	}
	if usage.DiskBytes != 0 {
		pipe.HIncrBy(usageDiskKey, userId, usage.DiskBytes)
	}
	_, err := pipe.Exec()
	return errors.Wrapf(err, "failed to add usage for user %s", userId)
}

func (r *RedisUsageRepository) SetLimits(userId string, limits UserLimits) error {
	pipe := r.db.TxPipeline()
	pipe.HSet(limitCpuKey, userId, limits.CpuSeconds)
	pipe.HSet(limitDiskKey, userId, limits.DiskBytes)
	_, err := pipe.Exec()
	return errors.Wrapf(err, "failed to set limits for user %s", userId)
}

func toInt64Map(result map[string]string) (map[string]int64, error) {
	values := make(map[string]int64)
	for k, v := range result {
		value, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed value %q for %s", v, k)
		}
		values[k] = value
	}
	return values, nil
}
