package state

// Status is the lifecycle status of a job. Both job kinds share the same
// core graph; aggregating exists only for llm_finetune jobs.
type Status string

const (
	// Unconfirmed is the placeholder written before the requester has
	// settled the job on chain. It either becomes Pending or is deleted.
	Unconfirmed Status = "unconfirmed"
	// Pending means the job is paid for and open for contributors.
	Pending Status = "pending"
	// ContributorUnconfirmed means a contributor is reserved on the job but
	// has not settled the acceptance on chain yet.
	ContributorUnconfirmed Status = "contributor_unconfirmed"
	// InProgress means training is running (single contributor confirmed,
	// or a federated roster filled).
	InProgress Status = "in_progress"
	// Aggregating means every federated contributor has submitted and the
	// aggregation service owns the job until it calls back.
	Aggregating Status = "aggregating"
	// Completed and Failed are terminal.
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Slot statuses for federated contributor slots.
const (
	SlotAccepted  = "accepted"
	SlotSubmitted = "submitted"
)

// Job kinds.
const (
	JobTypeImageProcessing = "image_processing"
	JobTypeLlmFinetune     = "llm_finetune"
)

// transitions lists the legal successors of each status. Unconfirmed jobs
// may alternatively be deleted, which is not a transition.
var transitions = map[Status][]Status{
	Unconfirmed:            {Pending},
	Pending:                {ContributorUnconfirmed, InProgress},
	ContributorUnconfirmed: {InProgress, Pending},
	InProgress:             {Aggregating, Completed, Failed},
	Aggregating:            {Completed, Failed},
}

// CanTransition reports whether from -> to is a legal step in the graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func Valid(s Status) bool {
	switch s {
	case Unconfirmed, Pending, ContributorUnconfirmed, InProgress, Aggregating, Completed, Failed:
		return true
	}
	return false
}

// HasContributor reports whether a single-contributor job in this status is
// expected to carry a contributor address.
func HasContributor(s Status) bool {
	switch s {
	case ContributorUnconfirmed, InProgress, Aggregating, Completed:
		return true
	}
	return false
}
