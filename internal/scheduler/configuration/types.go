package configuration

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	PolicyByComplexity = "priority-by-complexity"
	PolicyFifo         = "fifo"
)

type SchedulerConfig struct {
	MetricsPort uint16
	HealthPort  uint16

	Redis redis.UniversalOptions

	Nats NatsConfig

	Kubernetes KubernetesConfiguration

	Scheduling SchedulingConfig
}

type KubernetesConfiguration struct {
	InClusterDeployment bool
	ConfigLocation      string
}

type NatsConfig struct {
	ClusterID string
	Servers   []string
	// Subject the API layer publishes workflow start requests to.
	StartRequestSubject string
	// Subject admitted workflows are published to for the execution backend.
	SubmissionSubject string
	// Queue group shared by all scheduler instances, also used as durable name.
	QueueGroup string
	// How long the broker waits for an ack before redelivering a message.
	AckWait time.Duration
}

type SchedulingConfig struct {
	// Maximum number of workflows running at the same time. Zero disables
	// scheduling entirely unless AllowSingleWhenZero is set.
	MaxConcurrentWorkflows int
	// Configuration invariant for the zero limit: when true, a limit of zero
	// means "one workflow at a time"; when false, all requests are rejected.
	AllowSingleWhenZero bool
	// Largest per-job memory a workflow may ask for, e.g. "8Gi".
	MaxJobMemory string
	// Delay before a deferred request is put back on the queue.
	RequeueDelay time.Duration
	// Deferrals beyond this count turn into terminal rejections.
	MaxRetries int
	// How long a capacity reading may be served before a fresh one is required.
	CapacityCacheTTL time.Duration
	// Period of the quota reconciliation loop.
	QuotaReconcilePeriod time.Duration
	// Retention for entries of the running-workflow set; entries older than
	// this are assumed finished and pruned.
	RunningRetention time.Duration
	// Publisher retry attempts before a submission failure is surfaced.
	SubmissionRetries uint

	Policy string
}

// MaxJobMemoryBytes parses the configured memory ceiling. Validate must have
// been called first; on a well-formed config this cannot fail.
func (c *SchedulingConfig) MaxJobMemoryBytes() int64 {
	quantity := resource.MustParse(c.MaxJobMemory)
	return quantity.Value()
}

// Validate checks the scheduling configuration at startup. The scheduler
// refuses to start on an invalid config rather than run with undefined
// behaviour.
func (c *SchedulingConfig) Validate() error {
	if c.Policy != PolicyByComplexity && c.Policy != PolicyFifo {
		return errors.Errorf("unknown scheduling policy %q", c.Policy)
	}
	if c.MaxConcurrentWorkflows < 0 {
		return errors.Errorf("maxConcurrentWorkflows must not be negative, got %d", c.MaxConcurrentWorkflows)
	}
	if c.MaxRetries < 0 {
		return errors.Errorf("maxRetries must not be negative, got %d", c.MaxRetries)
	}
	if c.CapacityCacheTTL <= 0 {
		return errors.Errorf("capacityCacheTTL must be positive, got %s", c.CapacityCacheTTL)
	}
	if c.QuotaReconcilePeriod <= 0 {
		return errors.Errorf("quotaReconcilePeriod must be positive, got %s", c.QuotaReconcilePeriod)
	}
	if c.RequeueDelay < 0 {
		return errors.Errorf("requeueDelay must not be negative, got %s", c.RequeueDelay)
	}
	if c.RunningRetention <= 0 {
		return errors.Errorf("runningRetention must be positive, got %s", c.RunningRetention)
	}
	// retry-go treats zero attempts as "retry forever", which would wedge the
	// single-in-flight consumer behind a down broker
	if c.SubmissionRetries < 1 {
		return errors.Errorf("submissionRetries must be at least 1, got %d", c.SubmissionRetries)
	}
	quantity, err := resource.ParseQuantity(c.MaxJobMemory)
	if err != nil {
		return errors.Wrapf(err, "invalid maxJobMemory %q", c.MaxJobMemory)
	}
	if quantity.Value() <= 0 {
		return errors.Errorf("maxJobMemory must be positive, got %q", c.MaxJobMemory)
	}
	return nil
}
