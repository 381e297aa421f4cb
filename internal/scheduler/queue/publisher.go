package queue

import (
	"encoding/json"

	"github.com/avast/retry-go"
	"github.com/nats-io/stan.go"
	"github.com/pkg/errors"

	"github.com/labflowproject/labflow/pkg/api"
)

// StanConnection is the part of the durable STAN connection the queue layer
// uses. Satisfied by stanutil.DurableConnection.
type StanConnection interface {
	Publish(subject string, data []byte) error
	QueueSubscribe(subject, qgroup string, cb stan.MsgHandler, opts ...stan.SubscriptionOption) error
}

// SubmissionPublisher publishes admitted workflows to the execution backend's
// subject. Publishing is at-least-once: transient broker errors are retried
// with exponential backoff, and the caller must not ack the originating start
// request until publishing succeeded.
type SubmissionPublisher struct {
	conn     StanConnection
	subject  string
	attempts uint
}

func NewSubmissionPublisher(conn StanConnection, subject string, attempts uint) *SubmissionPublisher {
	return &SubmissionPublisher{
		conn:     conn,
		subject:  subject,
		attempts: attempts,
	}
}

func (p *SubmissionPublisher) PublishSubmission(submission *api.WorkflowSubmission) error {
	data, err := json.Marshal(submission)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal submission for workflow %s", submission.WorkflowId)
	}
	err = retry.Do(
		func() error {
			return p.conn.Publish(p.subject, data)
		},
		retry.Attempts(p.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	return errors.Wrapf(err, "failed to publish submission for workflow %s", submission.WorkflowId)
}
