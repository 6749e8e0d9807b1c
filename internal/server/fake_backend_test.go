package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/replicore/core/internal/serverstore"
	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
)

// fakeBackend is an in-memory Backend for handler tests.
type fakeBackend struct {
	mu         sync.Mutex
	tasks      map[string]*types.Task
	comments   map[string]*types.Comment
	tombstones map[string]*types.Tombstone
	conflicts  map[string]*types.ConflictRecord
	devices    map[string]*types.DeviceRecord
	syncLog    []*types.SyncLogEntry

	// onDeltaTasks, when set, runs once inside the next DeltaTasksSince
	// call after its results are collected, simulating a push committing
	// while a pull's delta queries are in flight.
	onDeltaTasks func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tasks:      make(map[string]*types.Task),
		comments:   make(map[string]*types.Comment),
		tombstones: make(map[string]*types.Tombstone),
		conflicts:  make(map[string]*types.ConflictRecord),
		devices:    make(map[string]*types.DeviceRecord),
	}
}

func (f *fakeBackend) GetTask(ctx context.Context, id string) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, serverstore.ErrNotFound
	}
	return t.Clone(), nil
}

func (f *fakeBackend) PutTask(ctx context.Context, t *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t.Clone()
	return nil
}

func (f *fakeBackend) DeltaTasksSince(ctx context.Context, orgID string, watermark, until time.Time, excludeDevice string, limit int) ([]*types.Task, error) {
	f.mu.Lock()
	var out []*types.Task
	for _, t := range f.tasks {
		if t.OrganizationID == orgID && t.UpdatedAt.After(watermark) && !t.UpdatedAt.After(until) && t.LastModifiedDevice != excludeDevice {
			out = append(out, t.Clone())
		}
		if len(out) == limit {
			break
		}
	}
	hook := f.onDeltaTasks
	f.onDeltaTasks = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (f *fakeBackend) SoftDeleteTaskCascade(ctx context.Context, taskID, orgID, deletedBy, deletedFromDevice string, clock vclock.Clock, now time.Time) (*serverstore.CascadeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok || task.DeletedAt != nil {
		return nil, serverstore.ErrNotFound
	}
	task.DeletedAt = &now
	task.UpdatedAt = now

	result := &serverstore.CascadeResult{
		TaskTombstone: types.NewTombstone(types.EntityTask, taskID, orgID, deletedBy, deletedFromDevice, clock, now),
	}
	f.tombstones[result.TaskTombstone.ID] = result.TaskTombstone
	for _, c := range f.comments {
		if c.TaskID == taskID && c.DeletedAt == nil {
			c.DeletedAt = &now
			c.UpdatedAt = now
			tomb := types.NewTombstone(types.EntityComment, c.ID, orgID, deletedBy, deletedFromDevice, clock, now)
			f.tombstones[tomb.ID] = tomb
			result.CommentIDs = append(result.CommentIDs, c.ID)
			result.CommentTombstones = append(result.CommentTombstones, tomb)
		}
	}
	return result, nil
}

func (f *fakeBackend) GetComment(ctx context.Context, id string) (*types.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		return nil, serverstore.ErrNotFound
	}
	return c.Clone(), nil
}

func (f *fakeBackend) PutComment(ctx context.Context, c *types.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[c.ID] = c.Clone()
	return nil
}

func (f *fakeBackend) DeltaCommentsSince(ctx context.Context, orgID string, watermark, until time.Time, excludeDevice string, limit int) ([]*types.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Comment
	for _, c := range f.comments {
		if c.OrganizationID == orgID && c.UpdatedAt.After(watermark) && !c.UpdatedAt.After(until) && c.LastModifiedDevice != excludeDevice {
			out = append(out, c.Clone())
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeBackend) SoftDeleteComment(ctx context.Context, commentID, orgID, deletedBy, deletedFromDevice string, clock vclock.Clock, now time.Time) (*types.Tombstone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[commentID]
	if !ok || c.DeletedAt != nil {
		return nil, serverstore.ErrNotFound
	}
	c.DeletedAt = &now
	c.UpdatedAt = now
	tomb := types.NewTombstone(types.EntityComment, commentID, orgID, deletedBy, deletedFromDevice, clock, now)
	f.tombstones[tomb.ID] = tomb
	return tomb, nil
}

func (f *fakeBackend) TombstonesSince(ctx context.Context, orgID string, watermark, until time.Time, excludeDevice string, limit int) ([]*types.Tombstone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var out []*types.Tombstone
	for _, t := range f.tombstones {
		if t.OrganizationID == orgID && t.CreatedAt.After(watermark) && !t.CreatedAt.After(until) && t.DeletedFromDevice != excludeDevice && t.ExpiresAt.After(now) {
			out = append(out, t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeBackend) PruneExpiredTombstones(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pruned int64
	for id, t := range f.tombstones {
		if t.ExpiresAt.Before(now) {
			delete(f.tombstones, id)
			pruned++
		}
	}
	return pruned, nil
}

func (f *fakeBackend) CreateConflict(ctx context.Context, c *types.ConflictRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = types.NewID()
	}
	f.conflicts[c.ID] = c
	return nil
}

func (f *fakeBackend) GetConflict(ctx context.Context, id string) (*types.ConflictRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conflicts[id]
	if !ok {
		return nil, serverstore.ErrNotFound
	}
	return c, nil
}

func (f *fakeBackend) ResolveConflict(ctx context.Context, id string, strategy types.ResolutionStrategy, resolvedVersion json.RawMessage, resolvedBy string, resolvedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conflicts[id]
	if !ok || c.ResolutionStrategy != nil {
		return serverstore.ErrNotFound
	}
	c.ResolutionStrategy = &strategy
	c.ResolvedVersion = resolvedVersion
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = &resolvedAt
	return nil
}

func (f *fakeBackend) GetDevice(ctx context.Context, id string) (*types.DeviceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return nil, serverstore.ErrNotFound
	}
	return d, nil
}

func (f *fakeBackend) TouchDevice(ctx context.Context, id string, clock vclock.Clock, syncAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[id]; ok {
		d.LastSeenClock = vclock.Clone(clock)
		d.LastSyncAt = &syncAt
	}
	return nil
}

func (f *fakeBackend) AppendSyncLog(ctx context.Context, entry *types.SyncLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncLog = append(f.syncLog, entry)
	return nil
}

func (f *fakeBackend) OrgClock(ctx context.Context, orgID string) (vclock.Clock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := vclock.Clock{}
	for _, t := range f.tasks {
		if t.OrganizationID == orgID {
			merged = vclock.Merge(merged, t.VectorClock)
		}
	}
	for _, c := range f.comments {
		if c.OrganizationID == orgID {
			merged = vclock.Merge(merged, c.VectorClock)
		}
	}
	return merged, nil
}

func (f *fakeBackend) RegisterDevice(ctx context.Context, userID, fingerprint, friendlyName string) (*types.DeviceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.OwningUserID == userID && d.Fingerprint == fingerprint {
			d.IsActive = true
			d.FriendlyName = friendlyName
			return d, nil
		}
	}
	record := &types.DeviceRecord{
		ID: types.NewID(), OwningUserID: userID, Fingerprint: fingerprint,
		FriendlyName: friendlyName, LastSeenClock: vclock.Clock{}, IsActive: true,
	}
	f.devices[record.ID] = record
	return record, nil
}
