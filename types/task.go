package types

// TaskStatus represents the overall status of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// QADecision 质量验证决策。
type QADecision string

const (
	QAPass   QADecision = "pass"
	QARetry  QADecision = "retry"
	QAFail   QADecision = "fail"
	QAReplan QADecision = "replan"
)

// FailureContext is assembled by recovery once a task is irreversibly failed.
// PartialResults holds the outputs of milestones that passed before failure.
type FailureContext struct {
	AttemptedMilestones []string          `json:"attempted_milestones"`
	FinalError          string            `json:"final_error"`
	FailedNode          string            `json:"failed_node,omitempty"`
	PartialResults      map[string]string `json:"partial_results,omitempty"`
}
