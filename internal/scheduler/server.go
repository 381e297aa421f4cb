package scheduler

import (
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/labflowproject/labflow/internal/common/health"
	"github.com/labflowproject/labflow/internal/common/stanutil"
	"github.com/labflowproject/labflow/internal/common/task"
	"github.com/labflowproject/labflow/internal/common/util"
	"github.com/labflowproject/labflow/internal/scheduler/capacity"
	"github.com/labflowproject/labflow/internal/scheduler/configuration"
	"github.com/labflowproject/labflow/internal/scheduler/metrics"
	"github.com/labflowproject/labflow/internal/scheduler/queue"
	"github.com/labflowproject/labflow/internal/scheduler/quota"
	"github.com/labflowproject/labflow/internal/scheduler/repository"
	"github.com/labflowproject/labflow/internal/scheduler/scheduling"
)

const runningSetPruneInterval = time.Minute

// Serve wires up the scheduler and starts consuming start requests. It
// returns a function that shuts everything down in reverse start order.
func Serve(config *configuration.SchedulerConfig, healthChecks *health.MultiChecker) (shutdown func(), err error) {
	log.Info("Workflow scheduler starting")

	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if config.Scheduling.MaxConcurrentWorkflows == 0 {
		if config.Scheduling.AllowSingleWhenZero {
			log.Warn("maxConcurrentWorkflows is 0, scheduling at most one workflow at a time")
		} else {
			log.Warn("maxConcurrentWorkflows is 0, all start requests will be rejected")
		}
	}

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks.Add(startupCompleteCheck)

	db := redis.NewUniversalClient(&config.Redis)
	healthChecks.Add(repository.NewRedisHealth(db))

	usageRepository := repository.NewRedisUsageRepository(db)
	workflowRepository := repository.NewRedisWorkflowRepository(db)

	accountant := quota.NewAccountant(usageRepository)

	kubernetesClient, err := capacity.CreateKubernetesClient(&config.Kubernetes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kubernetes client")
	}
	capacityChecker := capacity.NewKubernetesChecker(kubernetesClient, config.Scheduling.CapacityCacheTTL)

	policy, err := scheduling.PolicyFromConfig(&config.Scheduling)
	if err != nil {
		return nil, err
	}
	log.Infof("Using scheduling policy %s", policy.Name())

	admission := scheduling.NewAdmissionController(
		&config.Scheduling,
		capacityChecker,
		accountant,
		workflowRepository,
		policy,
	)

	conn, err := stanutil.DurableConnect(
		config.Nats.ClusterID,
		"labflow-scheduler-"+util.NewULID(),
		strings.Join(config.Nats.Servers, ","),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS streaming")
	}
	healthChecks.Add(conn)

	publisher := queue.NewSubmissionPublisher(conn, config.Nats.SubmissionSubject, config.Scheduling.SubmissionRetries)
	consumer := queue.NewConsumer(conn, &config.Nats, &config.Scheduling, admission, policy, publisher, workflowRepository)
	if err := consumer.Start(); err != nil {
		closeStanConnection(conn)
		return nil, errors.Wrap(err, "failed to subscribe to start requests")
	}

	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	taskManager.Register(accountant.Reconcile, config.Scheduling.QuotaReconcilePeriod, "quota_reconcile")
	taskManager.Register(refreshCapacity(capacityChecker), config.Scheduling.CapacityCacheTTL, "capacity_refresh")
	taskManager.Register(pruneRunningSet(workflowRepository, config.Scheduling.RunningRetention), runningSetPruneInterval, "running_set_prune")

	metrics.ExposeSchedulerMetrics(workflowRepository, accountant, capacityChecker)

	startupCompleteCheck.MarkComplete()
	log.Info("Workflow scheduler started")

	return func() {
		log.Info("Workflow scheduler shutting down")
		consumer.Stop()
		if timedOut := taskManager.StopAll(2 * time.Second); timedOut {
			log.Warn("Background tasks did not stop within deadline")
		}
		closeStanConnection(conn)
		if err := db.Close(); err != nil {
			log.WithError(err).Error("Failed to close Redis client")
		}
	}, nil
}

func validateConfig(config *configuration.SchedulerConfig) error {
	if err := config.Scheduling.Validate(); err != nil {
		return err
	}
	if config.Nats.ClusterID == "" || len(config.Nats.Servers) == 0 {
		return errors.New("NATS cluster id and servers must be configured")
	}
	if config.Nats.StartRequestSubject == "" || config.Nats.SubmissionSubject == "" || config.Nats.QueueGroup == "" {
		return errors.New("NATS subjects and queue group must be configured")
	}
	if config.Nats.AckWait <= 0 {
		return errors.Errorf("NATS ackWait must be positive, got %s", config.Nats.AckWait)
	}
	return nil
}

func refreshCapacity(checker capacity.Checker) func() {
	return func() {
		if err := checker.Refresh(); err != nil {
			log.WithError(err).Warn("Background capacity refresh failed")
		}
	}
}

// pruneRunningSet drops running-set entries past the retention, covering
// workflows whose completion event never reached the platform.
func pruneRunningSet(workflows repository.WorkflowRepository, retention time.Duration) func() {
	return func() {
		removed, err := workflows.ExpireRunning(time.Now().Add(-retention))
		if err != nil {
			log.WithError(err).Error("Failed to prune the running workflow set")
			return
		}
		if removed > 0 {
			log.Infof("Pruned %d orphaned entries from the running workflow set", removed)
		}
	}
}

func closeStanConnection(conn *stanutil.DurableConnection) {
	if err := conn.Close(); err != nil {
		log.WithError(err).Error("Failed to close STAN connection")
	}
}
