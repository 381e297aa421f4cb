package scheduling

import (
	"math"

	"github.com/pkg/errors"

	"github.com/labflowproject/labflow/internal/scheduler/configuration"
	"github.com/labflowproject/labflow/pkg/api"
)

// Policy defines the order in which pending workflow start requests are
// considered for admission. Implementations are pure and never fail, any
// malformed request attribute is normalized rather than rejected here;
// validation is the consumer's job.
type Policy interface {
	Name() string
	// Less reports whether request a should be admitted before request b.
	Less(a *api.WorkflowStartRequest, b *api.WorkflowStartRequest) bool
	// Key produces the priority hint carried on the outbound submission
	// message. Higher values mean more urgent.
	Key(r *api.WorkflowStartRequest) float64
}

func PolicyFromConfig(config *configuration.SchedulingConfig) (Policy, error) {
	switch config.Policy {
	case configuration.PolicyByComplexity:
		return &byComplexityPolicy{}, nil
	case configuration.PolicyFifo:
		return &fifoPolicy{}, nil
	}
	return nil, errors.Errorf("unknown scheduling policy %q", config.Policy)
}

// byComplexityPolicy favours simpler workflows: lower complexity score first,
// ties broken by earlier submission, then by workflow id for determinism.
// Expensive workflows cannot block a queue of cheap ones this way.
type byComplexityPolicy struct{}

func (p *byComplexityPolicy) Name() string {
	return configuration.PolicyByComplexity
}

func (p *byComplexityPolicy) Less(a *api.WorkflowStartRequest, b *api.WorkflowStartRequest) bool {
	scoreA := normalizedScore(a)
	scoreB := normalizedScore(b)
	if scoreA != scoreB {
		return scoreA < scoreB
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.WorkflowId < b.WorkflowId
}

func (p *byComplexityPolicy) Key(r *api.WorkflowStartRequest) float64 {
	score := normalizedScore(r)
	if score == math.MaxInt64 {
		return 0
	}
	return 1 / (1 + float64(score))
}

// fifoPolicy admits strictly in submission order.
type fifoPolicy struct{}

func (p *fifoPolicy) Name() string {
	return configuration.PolicyFifo
}

func (p *fifoPolicy) Less(a *api.WorkflowStartRequest, b *api.WorkflowStartRequest) bool {
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.WorkflowId < b.WorkflowId
}

func (p *fifoPolicy) Key(r *api.WorkflowStartRequest) float64 {
	return 0
}

// normalizedScore maps malformed complexity estimates to the worst possible
// priority instead of failing.
func normalizedScore(r *api.WorkflowStartRequest) int64 {
	for _, shape := range r.Complexity {
		if shape.Jobs < 0 || shape.MemoryBytes < 0 {
			return math.MaxInt64
		}
	}
	return r.ComplexityScore()
}
