package scheduling

// Outcome of one admission decision.
type Outcome int

const (
	// Accepted workflows are handed to the submission publisher.
	Accepted Outcome = iota
	// Deferred workflows go back on the queue with bounded retries.
	Deferred
	// Rejected is terminal, the request is dropped and the reason reported.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Deferred:
		return "deferred"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Rejection reasons surfaced through the reporting interface.
const (
	ReasonInvalidSpec        = "invalid-spec"
	ReasonExceedsMaxMemory   = "exceeds-max-memory"
	ReasonQuotaExceeded      = "quota-exceeded"
	ReasonMaxRetriesExceeded = "max-retries-exceeded"
	ReasonSchedulingDisabled = "scheduling-disabled"
)

// Deferral reasons.
const (
	ReasonClusterAtCapacity  = "cluster-at-capacity"
	ReasonConcurrencyLimit   = "concurrency-limit-reached"
	ReasonBackendUnavailable = "backend-unavailable"
)

// Decision is the verdict of the admission controller for one request.
// Decisions are ephemeral, the resulting workflow status is persisted by the
// workflow repository, not here.
type Decision struct {
	Outcome Outcome
	Reason  string
}

func accepted() Decision {
	return Decision{Outcome: Accepted}
}

func deferred(reason string) Decision {
	return Decision{Outcome: Deferred, Reason: reason}
}

func rejected(reason string) Decision {
	return Decision{Outcome: Rejected, Reason: reason}
}
