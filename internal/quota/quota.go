// Package quota monitors the device's available storage and runs
// the synced-data cleanup when usage crosses the critical threshold. This
// is the only component permitted to physically remove non-tombstone
// entities from the device.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/replicore/core/internal/store"
)

// Level classifies current storage pressure.
type Level int

const (
	LevelOK Level = iota
	// LevelWarning (80% used) surfaces a UI banner.
	LevelWarning
	// LevelCritical (95% used) triggers auto-cleanup.
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "ok"
	}
}

// Default thresholds and cadence.
const (
	DefaultWarningPercent  = 80.0
	DefaultCriticalPercent = 95.0
	DefaultPollInterval    = 5 * time.Minute

	// cleanupAge is how old a synced entity must be before auto-cleanup
	// may remove it.
	cleanupAge = 90 * 24 * time.Hour
)

// Usage is one storage observation.
type Usage struct {
	Path        string
	UsedPercent float64
	Free        uint64
	Total       uint64
	Level       Level
}

// usageFunc is swapped out in tests.
type usageFunc func(ctx context.Context, path string) (*disk.UsageStat, error)

// Options tune a Manager.
type Options struct {
	WarningPercent  float64
	CriticalPercent float64
	PollInterval    time.Duration
	Logger          *slog.Logger

	// OnWarning surfaces the UI banner when usage crosses the warning
	// threshold.
	OnWarning func(u Usage)
	// OnCleanup reports what an automatic cleanup removed.
	OnCleanup func(result *store.CleanupResult)
}

// Manager polls disk usage for the store's volume and cleans up when
// critical.
type Manager struct {
	store *store.Store
	path  string
	opts  Options
	log   *slog.Logger
	usage usageFunc
}

// New builds a Manager watching the volume holding s's database file.
func New(s *store.Store, opts Options) *Manager {
	if opts.WarningPercent <= 0 {
		opts.WarningPercent = DefaultWarningPercent
	}
	if opts.CriticalPercent <= 0 {
		opts.CriticalPercent = DefaultCriticalPercent
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store: s,
		path:  s.Path(),
		opts:  opts,
		log:   opts.Logger,
		usage: disk.UsageWithContext,
	}
}

// Check takes one storage observation and classifies it.
func (m *Manager) Check(ctx context.Context) (Usage, error) {
	stat, err := m.usage(ctx, m.path)
	if err != nil {
		return Usage{}, fmt.Errorf("query disk usage: %w", err)
	}
	u := Usage{
		Path:        m.path,
		UsedPercent: stat.UsedPercent,
		Free:        stat.Free,
		Total:       stat.Total,
		Level:       m.classify(stat.UsedPercent),
	}
	return u, nil
}

func (m *Manager) classify(usedPercent float64) Level {
	switch {
	case usedPercent >= m.opts.CriticalPercent:
		return LevelCritical
	case usedPercent >= m.opts.WarningPercent:
		return LevelWarning
	default:
		return LevelOK
	}
}

// Poll observes once and reacts: warning surfaces the banner, critical
// runs cleanup.
func (m *Manager) Poll(ctx context.Context) (Usage, error) {
	u, err := m.Check(ctx)
	if err != nil {
		return Usage{}, err
	}

	switch u.Level {
	case LevelWarning:
		m.log.Warn("storage usage high", "used_percent", u.UsedPercent)
		if m.opts.OnWarning != nil {
			m.opts.OnWarning(u)
		}
	case LevelCritical:
		m.log.Warn("storage usage critical, cleaning up synced data", "used_percent", u.UsedPercent)
		if m.opts.OnWarning != nil {
			m.opts.OnWarning(u)
		}
		result, err := m.Cleanup(ctx)
		if err != nil {
			return u, fmt.Errorf("auto-cleanup: %w", err)
		}
		if m.opts.OnCleanup != nil {
			m.opts.OnCleanup(result)
		}
	}
	return u, nil
}

// Cleanup removes synced entities older than the cleanup age. Entities
// with pending outbox entries are never touched.
func (m *Manager) Cleanup(ctx context.Context) (*store.CleanupResult, error) {
	cutoff := time.Now().UTC().Add(-cleanupAge)
	result, err := m.store.CleanupSyncedBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if result.TasksRemoved > 0 || result.CommentsRemoved > 0 {
		m.log.Info("storage cleanup removed synced entities",
			"tasks", result.TasksRemoved, "comments", result.CommentsRemoved)
	}
	return result, nil
}

// Run polls on the configured interval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Poll(ctx); err != nil {
				m.log.Warn("storage poll failed", "error", err)
			}
		}
	}
}
