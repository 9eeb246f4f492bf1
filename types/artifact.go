package types

import (
	"time"

	"github.com/google/uuid"
)

// Artifact is a durable by-product extracted from worker output,
// typically a fenced code block.
type Artifact struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	TaskID      string    `json:"task_id" gorm:"size:36;index"`
	MilestoneID string    `json:"milestone_id" gorm:"size:36;index"`
	Language    string    `json:"language,omitempty" gorm:"size:64"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewArtifact creates an artifact with a fresh identifier.
func NewArtifact(taskID, milestoneID, language, content string) *Artifact {
	return &Artifact{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		MilestoneID: milestoneID,
		Language:    language,
		Content:     content,
		CreatedAt:   time.Now(),
	}
}
