package domain

// Phase is a lifecycle state of a tool invocation while it is processed.
type Phase string

const (
	PhaseRequested       Phase = "requested"
	PhasePendingApproval Phase = "pending-approval"
	PhaseApproved        Phase = "approved"
	PhaseDenied          Phase = "denied"
	PhaseExecuting       Phase = "executing"
	PhaseSettled         Phase = "settled"
)

// Terminal reports whether no further transition is possible from p.
func (p Phase) Terminal() bool { return p == PhaseSettled }
