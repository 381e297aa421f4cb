package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validSchedulingConfig() SchedulingConfig {
	return SchedulingConfig{
		MaxConcurrentWorkflows: 30,
		MaxJobMemory:           "8Gi",
		RequeueDelay:           15 * time.Second,
		MaxRetries:             200,
		CapacityCacheTTL:       10 * time.Second,
		QuotaReconcilePeriod:   time.Minute,
		RunningRetention:       24 * time.Hour,
		SubmissionRetries:      5,
		Policy:                 PolicyByComplexity,
	}
}

func TestValidate(t *testing.T) {
	config := validSchedulingConfig()
	assert.NoError(t, config.Validate())

	config = validSchedulingConfig()
	config.Policy = "fastest-first"
	assert.Error(t, config.Validate())

	config = validSchedulingConfig()
	config.CapacityCacheTTL = 0
	assert.Error(t, config.Validate())

	config = validSchedulingConfig()
	config.QuotaReconcilePeriod = -time.Second
	assert.Error(t, config.Validate())

	config = validSchedulingConfig()
	config.MaxConcurrentWorkflows = -1
	assert.Error(t, config.Validate())

	config = validSchedulingConfig()
	config.MaxJobMemory = "lots"
	assert.Error(t, config.Validate())

	config = validSchedulingConfig()
	config.MaxJobMemory = "0"
	assert.Error(t, config.Validate())

	// zero would mean "retry forever" in the publisher
	config = validSchedulingConfig()
	config.SubmissionRetries = 0
	assert.Error(t, config.Validate())
}

func TestValidate_ZeroConcurrencyIsValid(t *testing.T) {
	// A zero limit is a legal configuration, its meaning is controlled by
	// AllowSingleWhenZero.
	config := validSchedulingConfig()
	config.MaxConcurrentWorkflows = 0
	assert.NoError(t, config.Validate())
}

func TestMaxJobMemoryBytes(t *testing.T) {
	config := validSchedulingConfig()
	assert.Equal(t, int64(8*1024*1024*1024), config.MaxJobMemoryBytes())
}
