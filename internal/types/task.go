package types

import (
	"encoding/json"
	"time"

	"github.com/replicore/core/internal/vclock"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
)

// statusRank orders statuses for the resolver's progression-wins
// policy: done > cancelled > blocked > in_progress > todo.
var statusRank = map[Status]int{
	StatusDone:       4,
	StatusCancelled:  3,
	StatusBlocked:    2,
	StatusInProgress: 1,
	StatusTodo:       0,
}

// StatusRank returns the progression rank of s, or -1 if s is not a known
// status (callers should treat that as "never wins").
func StatusRank(s Status) int {
	if rank, ok := statusRank[s]; ok {
		return rank
	}
	return -1
}

// Priority is the urgency tier of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityUrgent: 3,
	PriorityHigh:   2,
	PriorityMedium: 1,
	PriorityLow:    0,
}

// PriorityRank returns the urgency rank of p, or -1 if unknown.
func PriorityRank(p Priority) int {
	if rank, ok := priorityRank[p]; ok {
		return rank
	}
	return -1
}

const (
	MaxTitleLength       = 500
	MaxDescriptionLength = 10000
	MaxTagLength         = 50
	MaxTagCount          = 20
)

// Task is the mutable payload plus replication metadata for a task
// entity. JSON field names match the sync wire format.
type Task struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	ProjectID      string `json:"projectId,omitempty"`

	Title          string          `json:"title"`
	Description    *string         `json:"description"`
	Status         Status          `json:"status"`
	Priority       Priority        `json:"priority"`
	DueDate        *time.Time      `json:"dueDate"`
	CompletedAt    *time.Time      `json:"completedAt"`
	Position       string          `json:"position"` // opaque decimal, core never interprets it
	AssignedTo     *string         `json:"assignedTo"`
	Tags           []string        `json:"tags"`
	CustomFields   json.RawMessage `json:"customFields,omitempty"`

	Version            int64         `json:"version"` // decorative; see Open Questions
	VectorClock        vclock.Clock  `json:"vectorClock"`
	Checksum           string        `json:"checksum"` // advisory only, never used for integrity
	LastModifiedBy     string        `json:"lastModifiedBy"`
	LastModifiedDevice string        `json:"lastModifiedDevice"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
	DeletedAt          *time.Time    `json:"deletedAt"`
}

// IsDeleted reports whether the task has been soft-deleted.
func (t *Task) IsDeleted() bool {
	return t != nil && t.DeletedAt != nil
}

// Clone returns a deep-enough copy for safe independent mutation: slices,
// maps and the vector clock are copied; pointer fields point at fresh values.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.VectorClock = vclock.Clone(t.VectorClock)
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	if t.CustomFields != nil {
		out.CustomFields = append(json.RawMessage(nil), t.CustomFields...)
	}
	out.Description = clonePtr(t.Description)
	out.DueDate = cloneTimePtr(t.DueDate)
	out.CompletedAt = cloneTimePtr(t.CompletedAt)
	out.AssignedTo = clonePtr(t.AssignedTo)
	out.DeletedAt = cloneTimePtr(t.DeletedAt)
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
