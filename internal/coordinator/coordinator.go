// Package coordinator runs the device's sync cycle: a cooperative,
// non-reentrant pull-then-push loop with periodic, reconnect, debounced
// mutation, and explicit triggers. The only suspension points are the two
// network round-trips; everything the store and outbox do is synchronous
// from the coordinator's viewpoint.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/replicore/core/internal/applicator"
	"github.com/replicore/core/internal/authtoken"
	"github.com/replicore/core/internal/outbox"
	"github.com/replicore/core/internal/store"
	"github.com/replicore/core/internal/telemetry"
	"github.com/replicore/core/internal/transport"
	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
	"github.com/replicore/core/internal/wire"
)

// State names the coordinator's position in its cycle.
type State string

const (
	StateIdle         State = "idle"
	StatePulling      State = "pulling"
	StatePushing      State = "pushing"
	StateWaitingRetry State = "waiting-retry"
)

// Default cycle tuning.
const (
	DefaultInterval      = 30 * time.Second
	DefaultDebounce      = 2 * time.Second
	DefaultPullLimit     = 100
	DefaultPushBatch     = 100
	defaultMaxPullRounds = 10
)

// SyncClient is the transport surface the coordinator drives; satisfied by
// *transport.Client.
type SyncClient interface {
	Pull(ctx context.Context, sinceMillis int64, limit int) (*wire.PullResponse, error)
	Push(ctx context.Context, req *wire.PushRequest) (*wire.PushResponse, error)
}

// Options tune a Coordinator.
type Options struct {
	Interval  time.Duration
	Debounce  time.Duration
	PullLimit int
	PushBatch int
	// MaxPullRounds caps has_more recursion so a huge backlog cannot
	// starve push forever.
	MaxPullRounds int
	Logger        *slog.Logger
	Metrics       *telemetry.Metrics

	// OnConflict surfaces pull-detected and push-reported conflicts to
	// the UI. OnDenied surfaces permanently denied entry counts.
	OnConflict func(entityType types.EntityType, entityID, reason string)
	OnDenied   func(count int)
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.PullLimit <= 0 {
		o.PullLimit = DefaultPullLimit
	}
	if o.PushBatch <= 0 {
		o.PushBatch = DefaultPushBatch
	}
	if o.MaxPullRounds <= 0 {
		o.MaxPullRounds = defaultMaxPullRounds
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Coordinator owns the device's replication cycle.
type Coordinator struct {
	store   *store.Store
	outbox  *outbox.Outbox
	apply   *applicator.Applicator
	client  SyncClient
	tokens  authtoken.Source
	opts    Options
	log     *slog.Logger
	metrics *telemetry.Metrics

	// mu guards the non-reentrant cycle lock, the pending flag and the
	// published state.
	mu      sync.Mutex
	running bool
	pending bool
	state   State
	online  bool

	trigger  chan struct{}
	mutation chan struct{}
}

// New wires a Coordinator over the device's store, outbox, applicator and
// transport.
func New(s *store.Store, ob *outbox.Outbox, apply *applicator.Applicator, client SyncClient, tokens authtoken.Source, opts Options) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		store:    s,
		outbox:   ob,
		apply:    apply,
		client:   client,
		tokens:   tokens,
		opts:     opts,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		state:    StateIdle,
		online:   true,
		trigger:  make(chan struct{}, 1),
		mutation: make(chan struct{}, 1),
	}
}

// State reports the coordinator's current cycle position.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SetOnline flips connectivity. A transition to online triggers a cycle
// immediately.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	wasOffline := !c.online
	c.online = online
	c.mu.Unlock()
	if online && wasOffline {
		c.TriggerSync()
	}
}

// Online reports connectivity as last told to the coordinator.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// TriggerSync requests a cycle as soon as the loop is free (explicit user
// action, startup, page-visibility).
func (c *Coordinator) TriggerSync() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// NotifyMutation reports a local edit; a cycle runs once edits go quiet
// for the debounce window.
func (c *Coordinator) NotifyMutation() {
	select {
	case c.mutation <- struct{}{}:
	default:
	}
}

// Run drives periodic, triggered and debounced cycles until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	// Startup trigger.
	c.TriggerSync()

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounced <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			c.syncIfOnline(ctx)

		case <-c.trigger:
			c.syncIfOnline(ctx)

		case <-c.mutation:
			if debounce == nil {
				debounce = time.NewTimer(c.opts.Debounce)
				debounced = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(c.opts.Debounce)
			}

		case <-debounced:
			debounce = nil
			debounced = nil
			c.syncIfOnline(ctx)
		}
	}
}

func (c *Coordinator) syncIfOnline(ctx context.Context) {
	if !c.Online() {
		return
	}
	if err := c.Sync(ctx); err != nil {
		c.log.Warn("sync cycle failed, will retry", "error", err)
	}
}

// Sync runs one pull-then-push cycle. If a cycle is already running, the
// pending flag is set and Sync returns nil immediately; the running cycle
// re-runs once when it finishes.
func (c *Coordinator) Sync(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.pending = true
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	var err error
	for {
		err = c.cycle(ctx)

		c.mu.Lock()
		rerun := c.pending && err == nil && ctx.Err() == nil
		c.pending = false
		if !rerun {
			c.running = false
			c.state = StateIdle
			c.mu.Unlock()
			return err
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) cycle(ctx context.Context) error {
	started := time.Now()
	status := "ok"

	err := c.runCycle(ctx)
	if err != nil {
		status = "error"
		c.setState(StateWaitingRetry)
	}
	c.metrics.RecordCycle(ctx, status, time.Since(started))
	return err
}

func (c *Coordinator) runCycle(ctx context.Context) error {
	// Pull always precedes push: reconcile before trying to convince the
	// server.
	if err := c.pullPhase(ctx); err != nil {
		return fmt.Errorf("pull phase: %w", err)
	}
	if err := c.pushPhase(ctx); err != nil {
		return fmt.Errorf("push phase: %w", err)
	}

	// Expired local tombstones are swept opportunistically at the end of a
	// successful cycle; the prune is idempotent and cheap.
	if pruned, err := c.store.PruneExpiredTombstones(ctx, time.Now().UTC()); err != nil {
		c.log.Warn("prune local tombstones", "error", err)
	} else if pruned > 0 {
		c.log.Debug("pruned expired local tombstones", "count", pruned)
	}
	return nil
}

func (c *Coordinator) pullPhase(ctx context.Context) error {
	c.setState(StatePulling)

	state, err := c.store.LocalState(ctx)
	if err != nil {
		return fmt.Errorf("load local state: %w", err)
	}
	since := int64(0)
	if state.LastSyncAt != nil {
		since = wire.Millis(*state.LastSyncAt)
	}

	for round := 0; round < c.opts.MaxPullRounds; round++ {
		resp, err := c.pullOnce(ctx, since)
		if err != nil {
			return err
		}

		for _, task := range resp.Tasks {
			decision, notice, err := c.apply.ApplyTask(ctx, task)
			if err != nil {
				return fmt.Errorf("apply task %s: %w", task.ID, err)
			}
			c.surfaceNotice(decision, notice)
		}
		for _, comment := range resp.Comments {
			decision, notice, err := c.apply.ApplyComment(ctx, comment)
			if err != nil {
				return fmt.Errorf("apply comment %s: %w", comment.ID, err)
			}
			c.surfaceNotice(decision, notice)
		}
		now := time.Now().UTC()
		for _, tomb := range resp.Tombstones {
			if err := c.apply.ApplyTombstone(ctx, tomb.ToTombstone(""), now); err != nil {
				return fmt.Errorf("apply tombstone %s: %w", tomb.EntityID, err)
			}
		}

		// The next watermark is the server's timestamp, never the
		// client's wall clock.
		watermark := wire.FromMillis(resp.Timestamp)
		state.LocalClock = vclock.Merge(state.LocalClock, resp.ServerVectorClock)
		state.ServerClock = vclock.Merge(state.ServerClock, resp.ServerVectorClock)
		state.LastSyncAt = &watermark
		if err := c.store.PutLocalState(ctx, state); err != nil {
			return fmt.Errorf("persist local state: %w", err)
		}

		pulled := len(resp.Tasks) + len(resp.Comments) + len(resp.Tombstones)
		c.log.Debug("pull round applied", "round", round, "entities", pulled, "has_more", resp.HasMore)

		if !resp.HasMore {
			return nil
		}
		since = resp.Timestamp
	}
	// Cap reached with more remaining; the next cycle resumes from the
	// persisted watermark rather than starving push forever.
	c.log.Debug("pull round cap reached, deferring remainder to next cycle")
	return nil
}

func (c *Coordinator) pullOnce(ctx context.Context, since int64) (*wire.PullResponse, error) {
	resp, err := c.client.Pull(ctx, since, c.opts.PullLimit)
	if transport.IsUnauthorized(err) {
		if _, refreshErr := c.tokens.Refresh(ctx); refreshErr != nil {
			return nil, fmt.Errorf("token refresh: %w", refreshErr)
		}
		resp, err = c.client.Pull(ctx, since, c.opts.PullLimit)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Coordinator) surfaceNotice(decision applicator.Decision, notice *applicator.ConflictNotice) {
	if decision != applicator.DecisionConflict || notice == nil || c.opts.OnConflict == nil {
		return
	}
	c.opts.OnConflict(notice.EntityType, notice.EntityID, "concurrent local and remote edits")
}

func (c *Coordinator) pushPhase(ctx context.Context) error {
	c.setState(StatePushing)

	entries, err := c.outbox.Drain(ctx, c.opts.PushBatch)
	if err != nil {
		return fmt.Errorf("drain outbox: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	// Cascade pre-filter: orphaned comments are acked locally,
	// never sent.
	keep, orphaned, err := outbox.FilterOrphans(ctx, c.store, entries)
	if err != nil {
		return fmt.Errorf("orphan pre-filter: %w", err)
	}
	for _, entry := range orphaned {
		if err := c.outbox.Ack(ctx, entry.ID); err != nil {
			return fmt.Errorf("ack orphaned entry %s: %w", entry.ID, err)
		}
	}
	if len(keep) == 0 {
		return nil
	}

	state, err := c.store.LocalState(ctx)
	if err != nil {
		return fmt.Errorf("load local state: %w", err)
	}

	req := &wire.PushRequest{
		DeviceID:    state.DeviceID,
		VectorClock: vclock.Clone(state.LocalClock),
		Timestamp:   wire.Millis(time.Now().UTC()),
	}
	for _, entry := range keep {
		change := wire.Change{ID: entry.EntityID, Operation: entry.Operation, Data: json.RawMessage(entry.Payload)}
		switch entry.EntityType {
		case types.EntityTask:
			req.Changes.Tasks = append(req.Changes.Tasks, change)
		case types.EntityComment:
			req.Changes.Comments = append(req.Changes.Comments, change)
		}
	}

	resp, err := c.pushOnce(ctx, req)
	if err != nil {
		return c.handlePushError(ctx, keep, err)
	}

	// Everything in a 200 response has been durably handled server-side:
	// accepted, recorded as a conflict, dropped as an orphan, or rejected
	// as schema-invalid. Acked entries cover the first three; an invalid
	// entry is parked permanently, on its own, without blocking the rest
	// of the queue.
	invalidByKey := make(map[string]string, len(resp.Invalid))
	for _, ref := range resp.Invalid {
		invalidByKey[ref.EntityType+"/"+ref.EntityID] = ref.Reason
	}
	now := time.Now().UTC()
	for _, entry := range keep {
		if reason, ok := invalidByKey[string(entry.EntityType)+"/"+entry.EntityID]; ok {
			if err := c.outbox.FailPermanent(ctx, entry.ID, reason, now); err != nil {
				return fmt.Errorf("park invalid entry %s: %w", entry.ID, err)
			}
			c.log.Warn("push entry rejected as invalid", "entity", entry.EntityID, "reason", reason)
			continue
		}
		if err := c.outbox.Ack(ctx, entry.ID); err != nil {
			return fmt.Errorf("ack entry %s: %w", entry.ID, err)
		}
		if err := c.store.MarkSynced(ctx, entry.EntityType, entry.EntityID); err != nil {
			return fmt.Errorf("mark %s synced: %w", entry.EntityID, err)
		}
	}
	for _, conflict := range resp.Conflicts {
		if c.opts.OnConflict != nil {
			c.opts.OnConflict(types.EntityType(conflict.EntityType), conflict.EntityID, conflict.ConflictReason)
		}
	}

	state.LocalClock = vclock.Merge(state.LocalClock, resp.ServerVectorClock)
	state.ServerClock = vclock.Merge(state.ServerClock, resp.ServerVectorClock)
	if err := c.store.PutLocalState(ctx, state); err != nil {
		return fmt.Errorf("persist local state: %w", err)
	}

	c.log.Debug("push processed", "sent", len(keep), "conflicts", len(resp.Conflicts), "orphaned", len(resp.Orphaned))
	return nil
}

func (c *Coordinator) pushOnce(ctx context.Context, req *wire.PushRequest) (*wire.PushResponse, error) {
	resp, err := c.client.Push(ctx, req)
	if transport.IsUnauthorized(err) {
		// One refresh, one retry, within the same cycle.
		if _, refreshErr := c.tokens.Refresh(ctx); refreshErr != nil {
			return nil, fmt.Errorf("token refresh: %w", refreshErr)
		}
		resp, err = c.client.Push(ctx, req)
	}
	if transport.IsRateLimited(err) {
		se, _ := transport.AsStatus(err)
		if se.RetryAfter > 0 && se.RetryAfter <= c.opts.Interval {
			c.setState(StateWaitingRetry)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(se.RetryAfter):
			}
			c.setState(StatePushing)
			resp, err = c.client.Push(ctx, req)
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Coordinator) handlePushError(ctx context.Context, entries []*types.OutboxEntry, pushErr error) error {
	now := time.Now().UTC()

	switch {
	case transport.IsForbidden(pushErr):
		// Permission revocation is non-retriable for every entry in the
		// batch.
		for _, entry := range entries {
			if err := c.outbox.Fail(ctx, entry.ID, pushErr.Error(), now, true); err != nil {
				return fmt.Errorf("mark entry %s denied: %w", entry.ID, err)
			}
		}
		if c.opts.OnDenied != nil {
			c.opts.OnDenied(len(entries))
		}
		c.log.Warn("push permanently denied", "entries", len(entries))
		return nil

	default:
		// Transient (timeout, 5xx, offline, still-throttled) and
		// envelope-level 400s (a malformed request the client itself
		// built, with no per-entry blame to assign): count the attempt
		// and leave the entries queued. Per-entry schema rejections
		// arrive in a 200 response's invalid list instead and are parked
		// individually there.
		for _, entry := range entries {
			if err := c.outbox.Fail(ctx, entry.ID, pushErr.Error(), now, false); err != nil {
				return fmt.Errorf("record failed attempt %s: %w", entry.ID, err)
			}
		}
		c.metrics.RecordRetry(ctx, len(entries))
		return pushErr
	}
}
