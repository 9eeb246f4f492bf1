package types

import (
	"time"

	"github.com/google/uuid"
)

// Complexity 里程碑复杂度等级，决定模型选择与提示词优化策略。
// Ordering is total: Trivial < Simple < Moderate < Complex < ContextHeavy.
type Complexity string

const (
	ComplexityTrivial      Complexity = "trivial"
	ComplexitySimple       Complexity = "simple"
	ComplexityModerate     Complexity = "moderate"
	ComplexityComplex      Complexity = "complex"
	ComplexityContextHeavy Complexity = "context_heavy"
)

var complexityRank = map[Complexity]int{
	ComplexityTrivial:      0,
	ComplexitySimple:       1,
	ComplexityModerate:     2,
	ComplexityComplex:      3,
	ComplexityContextHeavy: 4,
}

// Rank returns the ordinal position of the complexity tier.
// Unknown tiers rank as Moderate so routing stays total.
func (c Complexity) Rank() int {
	if r, ok := complexityRank[c]; ok {
		return r
	}
	return complexityRank[ComplexityModerate]
}

// AtLeast reports whether c ranks at or above other.
func (c Complexity) AtLeast(other Complexity) bool {
	return c.Rank() >= other.Rank()
}

// Valid reports whether c is a known complexity tier.
func (c Complexity) Valid() bool {
	_, ok := complexityRank[c]
	return ok
}

// MilestoneStatus 里程碑状态。
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestonePassed     MilestoneStatus = "passed"
	MilestoneFailed     MilestoneStatus = "failed"
)

// Milestone is one ordered unit of decomposed work within a task.
// SequenceNum is the milestone's position in the plan; it is unique per task
// and gap-free after any replan mutation.
type Milestone struct {
	ID                 string          `json:"id" gorm:"primaryKey;size:36"`
	TaskID             string          `json:"task_id" gorm:"size:36;uniqueIndex:idx_task_seq,priority:1"`
	SequenceNum        int             `json:"sequence_num" gorm:"uniqueIndex:idx_task_seq,priority:2"`
	Description        string          `json:"description"`
	Complexity         Complexity      `json:"complexity" gorm:"size:32"`
	AcceptanceCriteria string          `json:"acceptance_criteria"`
	Status             MilestoneStatus `json:"status" gorm:"size:32"`
	ModelID            string          `json:"model_id,omitempty" gorm:"size:128"`
	GeneratedPrompt    string          `json:"generated_prompt,omitempty"`
	WorkerOutput       string          `json:"worker_output,omitempty"`
	LatestFeedback     string          `json:"latest_feedback,omitempty"`
	RetryCount         int             `json:"retry_count"`
	InsertedByReplan   bool            `json:"inserted_by_replan,omitempty"`
	ReplanIteration    int             `json:"replan_iteration,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// NewMilestone creates a pending milestone with a fresh identifier.
func NewMilestone(taskID string, seq int, description string, complexity Complexity, criteria string) *Milestone {
	now := time.Now()
	return &Milestone{
		ID:                 uuid.NewString(),
		TaskID:             taskID,
		SequenceNum:        seq,
		Description:        description,
		Complexity:         complexity,
		AcceptanceCriteria: criteria,
		Status:             MilestonePending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	cp := *m
	return &cp
}

// ModificationOp 重规划修改操作类型。
type ModificationOp string

const (
	ModAdd     ModificationOp = "add"
	ModModify  ModificationOp = "modify"
	ModRemove  ModificationOp = "remove"
	ModReorder ModificationOp = "reorder"
)

// PlanModification is one replan mutation targeting a milestone position.
// TargetIndex must be strictly after the currently active milestone index;
// modifications that would rewrite completed history are rejected.
type PlanModification struct {
	Op                 ModificationOp `json:"op"`
	TargetIndex        int            `json:"target_index"`
	NewIndex           int            `json:"new_index,omitempty"` // reorder destination
	Description        string         `json:"description,omitempty"`
	Complexity         Complexity     `json:"complexity,omitempty"`
	AcceptanceCriteria string         `json:"acceptance_criteria,omitempty"`
	Reason             string         `json:"reason,omitempty"`
}

// AppliedModification records a replan mutation that was actually applied,
// together with the replan iteration that produced it.
type AppliedModification struct {
	Modification PlanModification `json:"modification"`
	Iteration    int              `json:"iteration"`
	AppliedAt    time.Time        `json:"applied_at"`
}
