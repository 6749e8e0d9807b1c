package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicore/core/internal/applicator"
	"github.com/replicore/core/internal/authtoken"
	"github.com/replicore/core/internal/local"
	"github.com/replicore/core/internal/outbox"
	"github.com/replicore/core/internal/store"
	"github.com/replicore/core/internal/transport"
	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
	"github.com/replicore/core/internal/wire"
)

// fakeClient scripts pull and push responses and records requests.
type fakeClient struct {
	pullResponses []*wire.PullResponse
	pullErr       error
	pushResponse  *wire.PushResponse
	pushErr       error
	pushErrOnce   bool
	pulls         int
	pushes        []*wire.PushRequest
}

func (f *fakeClient) Pull(ctx context.Context, since int64, limit int) (*wire.PullResponse, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	idx := f.pulls
	f.pulls++
	if idx >= len(f.pullResponses) {
		return emptyPull(), nil
	}
	return f.pullResponses[idx], nil
}

func (f *fakeClient) Push(ctx context.Context, req *wire.PushRequest) (*wire.PushResponse, error) {
	f.pushes = append(f.pushes, req)
	if f.pushErr != nil {
		err := f.pushErr
		if f.pushErrOnce {
			f.pushErr = nil
		}
		return nil, err
	}
	if f.pushResponse != nil {
		return f.pushResponse, nil
	}
	return &wire.PushResponse{
		Success:           true,
		Processed:         len(req.Changes.Tasks) + len(req.Changes.Comments),
		Conflicts:         []wire.Conflict{},
		Orphaned:          []wire.OrphanRef{},
		ServerVectorClock: vclock.Clone(req.VectorClock),
		Timestamp:         wire.Millis(time.Now().UTC()),
	}, nil
}

func emptyPull() *wire.PullResponse {
	return &wire.PullResponse{
		Tasks:             []*types.Task{},
		Comments:          []*types.Comment{},
		Tombstones:        []wire.Tombstone{},
		ServerVectorClock: vclock.Clock{},
		Timestamp:         wire.Millis(time.Now().UTC()),
	}
}

type harness struct {
	store  *store.Store
	outbox *outbox.Outbox
	ws     *local.Workspace
	client *fakeClient
	coord  *Coordinator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "device.sqlite3"), "device-a")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ob := outbox.New(s.DB())
	client := &fakeClient{}
	coord := New(s, ob, applicator.New(s, ob), client, authtoken.StaticSource("tok"), opts)
	return &harness{
		store:  s,
		outbox: ob,
		ws:     local.New(s, ob, "user-1"),
		client: client,
		coord:  coord,
	}
}

func TestCycleDrainsOutboxAndMergesServerClock(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.ws.CreateTask(ctx, &types.Task{OrganizationID: "org-1", Title: "push me"})
	require.NoError(t, err)

	serverClock := vclock.Clock{"device-a": 1, "server": 5}
	h.client.pushResponse = &wire.PushResponse{
		Success: true, Processed: 1,
		Conflicts: []wire.Conflict{}, Orphaned: []wire.OrphanRef{},
		ServerVectorClock: serverClock,
		Timestamp:         wire.Millis(time.Now().UTC()),
	}

	require.NoError(t, h.coord.Sync(ctx))

	// After a successful cycle with no network loss, the outbox is empty
	// of entries that predate the cycle.
	remaining, err := h.outbox.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	state, err := h.store.LocalState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), state.LocalClock["server"], "server clock merged into local")
	assert.NotNil(t, state.LastSyncAt, "watermark persisted from server timestamp")
	assert.Equal(t, StateIdle, h.coord.State())
}

func TestPullAppliesRemoteEntitiesBeforePush(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	now := time.Now().UTC()
	remote := &types.Task{
		ID: "t-remote", OrganizationID: "org-1", Title: "from server",
		Status: types.StatusTodo, Priority: types.PriorityMedium,
		VectorClock: vclock.Clock{"device-b": 1}, LastModifiedDevice: "device-b",
		CreatedAt: now, UpdatedAt: now,
	}
	h.client.pullResponses = []*wire.PullResponse{{
		Tasks:             []*types.Task{remote},
		Comments:          []*types.Comment{},
		Tombstones:        []wire.Tombstone{},
		ServerVectorClock: vclock.Clock{"device-b": 1},
		Timestamp:         wire.Millis(now),
	}}

	require.NoError(t, h.coord.Sync(ctx))

	stored, err := h.store.GetTask(ctx, "t-remote")
	require.NoError(t, err)
	assert.Equal(t, "from server", stored.Title)
}

func TestPullPaginatesWhileHasMore(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	now := time.Now().UTC()
	page := func(id string, hasMore bool) *wire.PullResponse {
		return &wire.PullResponse{
			Tasks: []*types.Task{{
				ID: id, OrganizationID: "org-1", Title: id,
				Status: types.StatusTodo, Priority: types.PriorityMedium,
				VectorClock: vclock.Clock{"device-b": 1}, LastModifiedDevice: "device-b",
				CreatedAt: now, UpdatedAt: now,
			}},
			Comments: []*types.Comment{}, Tombstones: []wire.Tombstone{},
			ServerVectorClock: vclock.Clock{"device-b": 1},
			HasMore:           hasMore,
			Timestamp:         wire.Millis(now),
		}
	}
	h.client.pullResponses = []*wire.PullResponse{page("t1", true), page("t2", true), page("t3", false)}

	require.NoError(t, h.coord.Sync(ctx))
	assert.Equal(t, 3, h.client.pulls)
	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := h.store.GetTask(ctx, id)
		assert.NoError(t, err, id)
	}
}

// A tombstone received on pull retires the local entity, its child
// comments, and every outbox entry targeting them; the orphaned comment
// never reaches the server.
func TestTombstoneRetiresOutboxEntries(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	task, err := h.ws.CreateTask(ctx, &types.Task{OrganizationID: "org-1", Title: "doomed"})
	require.NoError(t, err)
	comment, err := h.ws.CreateComment(ctx, &types.Comment{TaskID: task.ID, Content: "offline note"})
	require.NoError(t, err)

	now := time.Now().UTC()
	tomb := types.NewTombstone(types.EntityTask, task.ID, "org-1", "user-2", "device-b",
		vclock.Clock{"device-b": 2}, now)
	h.client.pullResponses = []*wire.PullResponse{{
		Tasks: []*types.Task{}, Comments: []*types.Comment{},
		Tombstones:        []wire.Tombstone{wire.FromTombstone(tomb)},
		ServerVectorClock: vclock.Clock{"device-b": 2},
		Timestamp:         wire.Millis(now),
	}}

	require.NoError(t, h.coord.Sync(ctx))

	stored, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted())
	storedComment, err := h.store.GetComment(ctx, comment.ID)
	require.NoError(t, err)
	assert.True(t, storedComment.IsDeleted())

	remaining, err := h.outbox.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining, "outbox entries for the deleted task and its comments are retired")

	// The comment never went over the wire.
	for _, push := range h.client.pushes {
		assert.Empty(t, push.Changes.Comments)
		assert.Empty(t, push.Changes.Tasks)
	}
}

// A 403 marks every batched entry permanently denied; later cycles do
// not retry them.
func TestForbiddenMarksEntriesPermanentlyDenied(t *testing.T) {
	var deniedCount int
	h := newHarness(t, Options{OnDenied: func(n int) { deniedCount = n }})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.ws.CreateTask(ctx, &types.Task{OrganizationID: "org-x", Title: "revoked"})
		require.NoError(t, err)
	}

	h.client.pushErr = &transport.StatusError{Status: 403, Code: wire.CodeForbidden, Message: "removed from org"}
	require.NoError(t, h.coord.Sync(ctx))
	assert.Equal(t, 5, deniedCount)

	// Next cycle drains nothing: the entries are parked.
	h.client.pushErr = nil
	firstPushes := len(h.client.pushes)
	require.NoError(t, h.coord.Sync(ctx))
	assert.Equal(t, firstPushes, len(h.client.pushes), "denied entries must not be retried")

	failed, err := h.outbox.PermanentlyFailed(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 5)
}

func TestTransientErrorLeavesEntriesQueued(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.ws.CreateTask(ctx, &types.Task{OrganizationID: "org-1", Title: "retry me"})
	require.NoError(t, err)

	h.client.pushErr = &transport.StatusError{Status: 503, Code: wire.CodeInternal, Message: "unavailable"}
	err = h.coord.Sync(ctx)
	require.Error(t, err)

	remaining, err := h.outbox.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining, "transient failures keep the outbox intact")

	// Recovery: the same entry pushes on the next cycle.
	h.client.pushErr = nil
	require.NoError(t, h.coord.Sync(ctx))
	remaining, err = h.outbox.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestUnauthorizedRefreshesTokenAndRetriesOnce(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.ws.CreateTask(ctx, &types.Task{OrganizationID: "org-1", Title: "auth me"})
	require.NoError(t, err)

	h.client.pushErr = &transport.StatusError{Status: 401, Code: wire.CodeUnauthorized, Message: "expired"}
	h.client.pushErrOnce = true

	require.NoError(t, h.coord.Sync(ctx))
	assert.Equal(t, 2, len(h.client.pushes), "one retry after refresh")

	remaining, err := h.outbox.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestConcurrentSyncSetsPendingFlag(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.coord.mu.Lock()
	h.coord.running = true
	h.coord.mu.Unlock()

	// Re-entry while locked returns immediately and records the request.
	require.NoError(t, h.coord.Sync(ctx))
	h.coord.mu.Lock()
	assert.True(t, h.coord.pending)
	h.coord.running = false
	h.coord.pending = false
	h.coord.mu.Unlock()
}

func TestPushConflictsAreSurfacedAndAcked(t *testing.T) {
	var surfaced []string
	h := newHarness(t, Options{OnConflict: func(et types.EntityType, id, reason string) {
		surfaced = append(surfaced, id)
	}})
	ctx := context.Background()

	task, err := h.ws.CreateTask(ctx, &types.Task{OrganizationID: "org-1", Title: "conflicted"})
	require.NoError(t, err)

	h.client.pushResponse = &wire.PushResponse{
		Success: true, Processed: 0,
		Conflicts: []wire.Conflict{{
			EntityType: string(types.EntityTask), EntityID: task.ID,
			ConflictReason: "title differs",
		}},
		Orphaned:          []wire.OrphanRef{},
		ServerVectorClock: vclock.Clock{"server": 1},
		Timestamp:         wire.Millis(time.Now().UTC()),
	}

	require.NoError(t, h.coord.Sync(ctx))
	assert.Equal(t, []string{task.ID}, surfaced)

	remaining, err := h.outbox.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining, "conflict entries ack: the server has recorded them")
}

// A schema-invalid entry cited in the push response is parked on its own;
// the rest of the batch acks normally and keeps flowing.
func TestInvalidEntryParkedWithoutBlockingBatch(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	good, err := h.ws.CreateTask(ctx, &types.Task{OrganizationID: "org-1", Title: "good"})
	require.NoError(t, err)
	bad, err := h.ws.CreateTask(ctx, &types.Task{OrganizationID: "org-1", Title: "bad"})
	require.NoError(t, err)

	h.client.pushResponse = &wire.PushResponse{
		Success: true, Processed: 1,
		Conflicts: []wire.Conflict{}, Orphaned: []wire.OrphanRef{},
		Invalid: []wire.InvalidRef{{
			EntityType: string(types.EntityTask), EntityID: bad.ID, Reason: "title missing or too long",
		}},
		ServerVectorClock: vclock.Clock{"device-a": 2},
		Timestamp:         wire.Millis(time.Now().UTC()),
	}

	require.NoError(t, h.coord.Sync(ctx))

	// The good entry acked; the bad one is parked, not retried.
	remaining, err := h.outbox.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	failed, err := h.outbox.PermanentlyFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, bad.ID, failed[0].EntityID)
	assert.Equal(t, "title missing or too long", failed[0].LastError)

	// The parked entry does not drain on later cycles; nothing else is
	// left to push.
	h.client.pushResponse = nil
	pushesBefore := len(h.client.pushes)
	require.NoError(t, h.coord.Sync(ctx))
	assert.Equal(t, pushesBefore, len(h.client.pushes))

	// The good entry's row is still present in the store.
	stored, err := h.store.GetTask(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, "good", stored.Title)
}
