package types

import (
	"time"

	"github.com/replicore/core/internal/vclock"
)

// Comment is a threaded note attached to a task.
type Comment struct {
	ID               string  `json:"id"`
	TaskID           string  `json:"taskId"`
	OrganizationID   string  `json:"organizationId"`
	AuthorID         string  `json:"authorId"`
	Content          string  `json:"content"`
	ParentCommentID  *string `json:"parentCommentId"`
	IsEdited         bool    `json:"isEdited"`

	Version            int64        `json:"version"`
	VectorClock        vclock.Clock `json:"vectorClock"`
	Checksum           string       `json:"checksum"`
	LastModifiedBy     string       `json:"lastModifiedBy"`
	LastModifiedDevice string       `json:"lastModifiedDevice"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
	DeletedAt          *time.Time   `json:"deletedAt"`
}

// IsDeleted reports whether the comment has been soft-deleted.
func (c *Comment) IsDeleted() bool {
	return c != nil && c.DeletedAt != nil
}

// Clone returns an independently mutable deep-enough copy.
func (c *Comment) Clone() *Comment {
	if c == nil {
		return nil
	}
	out := *c
	out.VectorClock = vclock.Clone(c.VectorClock)
	out.ParentCommentID = clonePtr(c.ParentCommentID)
	out.DeletedAt = cloneTimePtr(c.DeletedAt)
	return &out
}
