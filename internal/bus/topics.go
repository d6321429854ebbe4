package bus

// Plan execution topics.
const (
	TopicPlanStepStarted   = "plan.step.started"
	TopicPlanStepCompleted = "plan.step.completed"
	TopicPlanStepFailed    = "plan.step.failed"
	TopicPlanStepCanceled  = "plan.step.canceled"
	TopicPlanAborted       = "plan.aborted"
)

// Gate decision topics.
const (
	TopicApprovalIssued = "approval.issued"
	TopicApprovalDenied = "approval.denied"
	TopicPolicyReloaded = "policy.reloaded"
)

// Ledger and memory topics.
const (
	TopicFailureRecorded = "failure.recorded"
	TopicFailureResolved = "failure.resolved"
	TopicMemoryProposed  = "memory.proposed"
	TopicMemoryApproved  = "memory.approved"
	TopicMemoryRejected  = "memory.rejected"
	TopicConfidenceScore = "confidence.updated"
)

// PlanStepEvent is published when a plan step changes state.
type PlanStepEvent struct {
	RequestID string
	StepID    string
	Tool      string
	Action    string
	Status    string
	Error     string
}

// ApprovalEvent is published for every approval decision.
type ApprovalEvent struct {
	RequestID     string
	Subject       string
	Intent        string
	Approved      bool
	Reason        string
	PolicyVersion string
}

// FailureEvent is published when the failure ledger appends a record.
type FailureEvent struct {
	EventID  string
	Domain   string
	Severity string
	Status   string
}

// MemoryEvent is published on proposal state transitions.
type MemoryEvent struct {
	ProposalID string
	MemoryID   string
	MemoryType string
	Status     string
}

// ConfidenceEvent is published after a score write.
type ConfidenceEvent struct {
	Namespace string
	Key       string
	Value     float64
	Samples   int
}
