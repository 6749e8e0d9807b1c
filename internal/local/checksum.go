package local

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/replicore/core/internal/types"
)

// taskChecksum computes the advisory content hash stamped on every local
// write. It is never verified server-side and MUST NOT be used for
// integrity decisions; its one real consumer is the push endpoint's
// idempotent-create check.
func taskChecksum(t *types.Task) string {
	var b strings.Builder
	b.WriteString(t.Title)
	b.WriteByte(0)
	if t.Description != nil {
		b.WriteString(*t.Description)
	}
	b.WriteByte(0)
	b.WriteString(string(t.Status))
	b.WriteByte(0)
	b.WriteString(string(t.Priority))
	b.WriteByte(0)
	if t.DueDate != nil {
		fmt.Fprintf(&b, "%d", t.DueDate.UnixMilli())
	}
	b.WriteByte(0)
	if t.AssignedTo != nil {
		b.WriteString(*t.AssignedTo)
	}
	b.WriteByte(0)
	b.WriteString(strings.Join(t.Tags, ","))
	b.WriteByte(0)
	b.Write(t.CustomFields)
	return shortHash(b.String())
}

func commentChecksum(c *types.Comment) string {
	var b strings.Builder
	b.WriteString(c.TaskID)
	b.WriteByte(0)
	b.WriteString(c.Content)
	b.WriteByte(0)
	if c.ParentCommentID != nil {
		b.WriteString(*c.ParentCommentID)
	}
	return shortHash(b.String())
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
