package repository

import (
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
)

func TestGetAllUserUsage(t *testing.T) {
	withUsageRepository(func(r *RedisUsageRepository) {
		e := r.AddUsage("alice", UserUsage{CpuSeconds: 120, DiskBytes: 2048})
		assert.NoError(t, e)
		e = r.AddUsage("bob", UserUsage{CpuSeconds: 30})
		assert.NoError(t, e)

		usage, e := r.GetAllUserUsage()
		assert.NoError(t, e)
		assert.Len(t, usage, 2)
		assert.Equal(t, UserUsage{CpuSeconds: 120, DiskBytes: 2048}, usage["alice"])
		assert.Equal(t, UserUsage{CpuSeconds: 30}, usage["bob"])
	})
}

func TestAddUsage_Accumulates(t *testing.T) {
	withUsageRepository(func(r *RedisUsageRepository) {
		e := r.AddUsage("alice", UserUsage{CpuSeconds: 100, DiskBytes: 10})
		assert.NoError(t, e)
		e = r.AddUsage("alice", UserUsage{CpuSeconds: 50, DiskBytes: 5})
		assert.NoError(t, e)

		usage, e := r.GetAllUserUsage()
		assert.NoError(t, e)
		assert.Equal(t, UserUsage{CpuSeconds: 150, DiskBytes: 15}, usage["alice"])
	})
}

func TestGetAllUserUsage_Empty(t *testing.T) {
	withUsageRepository(func(r *RedisUsageRepository) {
		usage, e := r.GetAllUserUsage()
		assert.NoError(t, e)
		assert.Empty(t, usage)
	})
}

func TestLimits(t *testing.T) {
	withUsageRepository(func(r *RedisUsageRepository) {
		e := r.SetLimits("alice", UserLimits{CpuSeconds: 3600, DiskBytes: 1 << 30})
		assert.NoError(t, e)

		limits, e := r.GetAllUserLimits()
		assert.NoError(t, e)
		assert.Equal(t, UserLimits{CpuSeconds: 3600, DiskBytes: 1 << 30}, limits["alice"])
	})
}

func withUsageRepository(action func(r *RedisUsageRepository)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer redisClient.Close()
	action(NewRedisUsageRepository(redisClient))
}
