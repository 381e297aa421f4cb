package queue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/stan.go"
	log "github.com/sirupsen/logrus"

	"github.com/labflowproject/labflow/internal/scheduler/configuration"
	"github.com/labflowproject/labflow/internal/scheduler/metrics"
	"github.com/labflowproject/labflow/internal/scheduler/repository"
	"github.com/labflowproject/labflow/internal/scheduler/scheduling"
	"github.com/labflowproject/labflow/pkg/api"
)

type Decider interface {
	Decide(requests []*api.WorkflowStartRequest) []scheduling.Decision
}

// Consumer reads workflow start requests off the queue, runs each one through
// the admission controller and acts on the verdict. Messages are acked only
// after their outcome is safely recorded: an accepted request is acked once
// its submission is published, a deferred one once it is back on the queue.
// Anything else is left to the broker to redeliver.
type Consumer struct {
	conn       StanConnection
	nats       *configuration.NatsConfig
	scheduling *configuration.SchedulingConfig

	admission Decider
	policy    scheduling.Policy
	publisher *SubmissionPublisher
	workflows repository.WorkflowRepository

	clock func() time.Time

	mutex    sync.RWMutex
	stopped  bool
	stop     chan struct{}
	inflight sync.WaitGroup
}

func NewConsumer(
	conn StanConnection,
	nats *configuration.NatsConfig,
	schedulingConfig *configuration.SchedulingConfig,
	admission Decider,
	policy scheduling.Policy,
	publisher *SubmissionPublisher,
	workflows repository.WorkflowRepository,
) *Consumer {
	return &Consumer{
		conn:       conn,
		nats:       nats,
		scheduling: schedulingConfig,
		admission:  admission,
		policy:     policy,
		publisher:  publisher,
		workflows:  workflows,
		clock:      time.Now,
		stop:       make(chan struct{}),
	}
}

// Start subscribes to the start-request subject. One message is processed at a
// time; admission order within a backlog is the broker's delivery order, the
// scheduling policy orders requeued candidates relative to fresh ones through
// the priority hint on requeue.
func (c *Consumer) Start() error {
	return c.conn.QueueSubscribe(
		c.nats.StartRequestSubject,
		c.nats.QueueGroup,
		c.handleMessage,
		stan.SetManualAckMode(),
		stan.DurableName(c.nats.QueueGroup),
		stan.MaxInflight(1),
		stan.AckWait(c.nats.AckWait),
	)
}

// Stop lets the in-flight message finish and stops accepting new ones.
// Unprocessed messages stay on the durable subscription for the next start.
func (c *Consumer) Stop() {
	c.mutex.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.stop)
	}
	c.mutex.Unlock()
	c.inflight.Wait()
}

func (c *Consumer) handleMessage(msg *stan.Msg) {
	c.mutex.RLock()
	if c.stopped {
		c.mutex.RUnlock()
		return
	}
	c.inflight.Add(1)
	c.mutex.RUnlock()
	defer c.inflight.Done()

	if c.processData(msg.Data) {
		if err := msg.Ack(); err != nil {
			log.WithError(err).Error("Failed to ack start request")
		}
	}
}

// processData handles one start request and reports whether the message is
// dealt with and should be acked.
func (c *Consumer) processData(data []byte) bool {
	request := &api.WorkflowStartRequest{}
	if err := json.Unmarshal(data, request); err != nil {
		log.WithError(err).Error("Dropping undecodable start request")
		return true
	}
	entry := log.WithField("workflow", request.WorkflowId).WithField("user", request.UserId)

	// A redelivery of a message whose workflow already started must not start
	// it twice.
	running, err := c.workflows.IsRunning(request.WorkflowId)
	if err != nil {
		entry.WithError(err).Error("Failed to check for duplicate delivery")
		return false
	}
	if running {
		entry.Info("Ignoring start request for already running workflow")
		return true
	}

	decision := c.admission.Decide([]*api.WorkflowStartRequest{request})[0]
	metrics.RecordDecision(decision.Outcome.String(), decision.Reason)

	switch decision.Outcome {
	case scheduling.Accepted:
		return c.submit(request, entry)
	case scheduling.Deferred:
		return c.requeue(request, decision, entry)
	default:
		entry.Infof("Workflow rejected: %s", decision.Reason)
		c.reportStatus(request.WorkflowId, api.StatusFailed, decision.Reason, entry)
		return true
	}
}

func (c *Consumer) submit(request *api.WorkflowStartRequest, entry *log.Entry) bool {
	submission := &api.WorkflowSubmission{
		WorkflowId:        request.WorkflowId,
		UserId:            request.UserId,
		Priority:          c.policy.Key(request),
		MinJobMemoryBytes: request.MinJobMemory(),
		SubmittedAt:       request.SubmittedAt,
	}
	if err := c.publisher.PublishSubmission(submission); err != nil {
		// not acked, the broker will redeliver and admission runs again
		entry.WithError(err).Error("Failed to publish submission")
		return false
	}
	if err := c.workflows.AddRunning(request.WorkflowId, c.clock()); err != nil {
		entry.WithError(err).Error("Failed to record workflow as running")
	}
	c.reportStatus(request.WorkflowId, api.StatusSubmitted, "", entry)
	entry.Info("Workflow submitted")
	return true
}

func (c *Consumer) requeue(request *api.WorkflowStartRequest, decision scheduling.Decision, entry *log.Entry) bool {
	if request.RetryCount >= c.scheduling.MaxRetries {
		entry.Infof("Workflow exhausted its retries, last deferral reason: %s", decision.Reason)
		c.reportStatus(request.WorkflowId, api.StatusFailed, scheduling.ReasonMaxRetriesExceeded, entry)
		return true
	}

	// The delay throttles retries of a request the cluster cannot take yet.
	// Waiting before the requeue keeps the attempt count exact; with
	// MaxInflight(1) nothing else is delivered meanwhile anyway.
	select {
	case <-c.stop:
		return false
	case <-time.After(c.scheduling.RequeueDelay):
	}

	retried := *request
	retried.RetryCount++
	data, err := json.Marshal(&retried)
	if err != nil {
		entry.WithError(err).Error("Failed to marshal start request for requeue")
		return false
	}
	if err := c.conn.Publish(c.nats.StartRequestSubject, data); err != nil {
		entry.WithError(err).Error("Failed to requeue start request")
		return false
	}
	entry.Infof("Workflow deferred (%s), attempt %d of %d", decision.Reason, retried.RetryCount, c.scheduling.MaxRetries)
	return true
}

func (c *Consumer) reportStatus(workflowId string, status string, reason string, entry *log.Entry) {
	if err := c.workflows.ReportStatus(workflowId, status, reason); err != nil {
		entry.WithError(err).Error("Failed to report workflow status")
	}
}
