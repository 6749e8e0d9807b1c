// Package resolver implements the server-side field-level conflict
// resolution engine: given a pushed entity P that collides
// CONCURRENT with the server's stored entity S, it merges each field per
// its own policy, recording which fields required manual resolution.
package resolver

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
)

// TaskResolution is the outcome of resolving a concurrent collision on a
// task: the merged entity plus the set of fields that needed manual
// adjudication (and therefore triggered a conflict record).
type TaskResolution struct {
	Merged        *types.Task
	ManualFields  []string
	ConflictNotes []string
}

// ResolveTask merges pushed P against stored S. The
// caller (push endpoint) is responsible for having already established
// that compare(P.clock, S.clock) == CONCURRENT.
func ResolveTask(pushed, server *types.Task, serverDeviceID string) *TaskResolution {
	merged := server.Clone()
	var manual []string
	var notes []string

	// title, description: manual, keep server value.
	if pushed.Title != server.Title {
		manual = append(manual, "title")
		notes = append(notes, fmt.Sprintf("title: local=%q server=%q", pushed.Title, server.Title))
	}
	if !strPtrEqual(pushed.Description, server.Description) {
		manual = append(manual, "description")
		notes = append(notes, "description differs between local and server")
	}
	// assigned_to: manual.
	if !strPtrEqual(pushed.AssignedTo, server.AssignedTo) {
		manual = append(manual, "assigned_to")
		notes = append(notes, "assigned_to differs between local and server")
	}

	// status: progression-wins, manual if both sides moved to
	// blocked/cancelled.
	status, statusManual, statusNote := mergeStatus(pushed.Status, server.Status)
	merged.Status = status
	if statusManual {
		manual = append(manual, "status")
		notes = append(notes, statusNote)
	}

	// priority: higher-rank wins, tie server wins.
	merged.Priority = mergePriority(pushed.Priority, server.Priority)

	// tags: set union.
	merged.Tags = mergeTags(pushed.Tags, server.Tags)

	// due_date: earlier non-absent wins; both absent stays absent.
	merged.DueDate = mergeDueDate(pushed.DueDate, server.DueDate)

	// position: server wins (cosmetic).
	merged.Position = server.Position

	// custom_fields: shallow key-wise merge.
	customFields, customNote := mergeCustomFields(pushed.CustomFields, server.CustomFields)
	merged.CustomFields = customFields
	if customNote != "" {
		notes = append(notes, customNote)
	}

	// completed_at: derived from merged status if done (max of both sides);
	// else server wins.
	if merged.Status == types.StatusDone {
		merged.CompletedAt = maxTimePtr(pushed.CompletedAt, server.CompletedAt)
	} else {
		merged.CompletedAt = server.CompletedAt
	}

	if len(manual) == 0 {
		merged.Title = pushed.Title
		merged.Description = clonedStrPtr(pushed.Description)
		merged.AssignedTo = clonedStrPtr(pushed.AssignedTo)
		merged.LastModifiedBy = pushed.LastModifiedBy
		merged.LastModifiedDevice = pushed.LastModifiedDevice
	}
	// When any field required manual resolution, last_modified_by/device
	// stay at the server's prior values, which merged already holds via
	// Clone().

	merged.VectorClock = vclock.Increment(vclock.Merge(pushed.VectorClock, server.VectorClock), serverDeviceID)
	merged.Version = maxInt64(pushed.Version, server.Version) + 1

	sort.Strings(manual)
	return &TaskResolution{Merged: merged, ManualFields: manual, ConflictNotes: notes}
}

// CommentResolution is the outcome of resolving a concurrent collision on
// a comment.
type CommentResolution struct {
	Merged       *types.Comment
	ManualFields []string
	DeleteWins   bool
}

// ResolveComment applies the comment policy table: concurrent content edits
// are manual; concurrent edit-vs-delete lets delete win; concurrent
// create-with-same-id is idempotent if content matches, else the second
// creator (by timestamp) wins. The latter is handled by the caller before
// this function is reached, since it requires knowing which side is a
// create rather than an update.
func ResolveComment(pushed, server *types.Comment, serverDeviceID string) *CommentResolution {
	if server.IsDeleted() || pushed.IsDeleted() {
		merged := server.Clone()
		if !merged.IsDeleted() {
			merged = pushed.Clone()
		}
		merged.VectorClock = vclock.Increment(vclock.Merge(pushed.VectorClock, server.VectorClock), serverDeviceID)
		merged.Version = maxInt64(pushed.Version, server.Version) + 1
		return &CommentResolution{Merged: merged, DeleteWins: true}
	}

	merged := server.Clone()
	var manual []string
	if pushed.Content != server.Content {
		manual = append(manual, "content")
	} else {
		merged.Content = pushed.Content
		merged.IsEdited = pushed.IsEdited || server.IsEdited
		merged.LastModifiedBy = pushed.LastModifiedBy
		merged.LastModifiedDevice = pushed.LastModifiedDevice
	}
	merged.VectorClock = vclock.Increment(vclock.Merge(pushed.VectorClock, server.VectorClock), serverDeviceID)
	merged.Version = maxInt64(pushed.Version, server.Version) + 1
	return &CommentResolution{Merged: merged, ManualFields: manual}
}

// IdempotentCreate reports whether a create-with-existing-id should be
// treated as a no-op because the content hash matches. The checksum is
// advisory and MUST NOT be used for integrity decisions beyond this
// idempotency shortcut, which is a convenience check, not a security or
// correctness boundary.
func IdempotentCreate(pushedChecksum, existingChecksum string) bool {
	return pushedChecksum != "" && pushedChecksum == existingChecksum
}

// SecondCreatorWins resolves a concurrent create-with-same-id collision
// for comments when content differs: the later-timestamped creator wins.
func SecondCreatorWins(a, b *types.Comment) *types.Comment {
	if b.CreatedAt.After(a.CreatedAt) {
		return b
	}
	return a
}

func mergeStatus(pushed, server types.Status) (merged types.Status, manual bool, note string) {
	pushedTerminal := pushed == types.StatusBlocked || pushed == types.StatusCancelled
	serverTerminal := server == types.StatusBlocked || server == types.StatusCancelled
	if pushedTerminal && serverTerminal {
		return server, true, fmt.Sprintf("status: local=%s server=%s both moved to blocked/cancelled", pushed, server)
	}

	pRank, sRank := types.StatusRank(pushed), types.StatusRank(server)
	if pRank > sRank {
		return pushed, false, ""
	}
	return server, false, ""
}

func mergePriority(pushed, server types.Priority) types.Priority {
	pRank, sRank := types.PriorityRank(pushed), types.PriorityRank(server)
	if pRank > sRank {
		return pushed
	}
	return server
}

func mergeTags(pushed, server []string) []string {
	seen := make(map[string]bool, len(pushed)+len(server))
	var out []string
	for _, t := range server {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range pushed {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func mergeDueDate(pushed, server *time.Time) *time.Time {
	switch {
	case pushed == nil && server == nil:
		return nil
	case pushed == nil:
		return cloneTime(server)
	case server == nil:
		return cloneTime(pushed)
	case pushed.Before(*server):
		return cloneTime(pushed)
	default:
		return cloneTime(server)
	}
}

// mergeCustomFields applies the shallow key-wise policy: keys
// present on only one side are taken from that side; identical values on
// both sides are kept; differing values let the server win, with the
// differing key recorded for the conflict reason.
func mergeCustomFields(pushed, server json.RawMessage) (json.RawMessage, string) {
	pushedMap := decodeFields(pushed)
	serverMap := decodeFields(server)
	if pushedMap == nil && serverMap == nil {
		return nil, ""
	}

	merged := make(map[string]json.RawMessage, len(pushedMap)+len(serverMap))
	var differing []string
	keys := make(map[string]bool, len(pushedMap)+len(serverMap))
	for k := range pushedMap {
		keys[k] = true
	}
	for k := range serverMap {
		keys[k] = true
	}

	sortedKeys := make([]string, 0, len(keys))
	for k := range keys {
		sortedKeys = append(sortedKeys, k)
	}
	sort.Strings(sortedKeys)

	for _, k := range sortedKeys {
		pv, pok := pushedMap[k]
		sv, sok := serverMap[k]
		switch {
		case pok && !sok:
			merged[k] = pv
		case sok && !pok:
			merged[k] = sv
		case string(pv) == string(sv):
			merged[k] = sv
		default:
			merged[k] = sv
			differing = append(differing, k)
		}
	}

	note := ""
	if len(differing) > 0 {
		note = fmt.Sprintf("custom_fields: server value kept for differing keys %v", differing)
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return server, note
	}
	return encoded, note
}

func decodeFields(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func maxTimePtr(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return cloneTime(b)
	case b == nil:
		return cloneTime(a)
	case b.After(*a):
		return cloneTime(b)
	default:
		return cloneTime(a)
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func strPtrEqual(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func clonedStrPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
