// Package scheduler runs background sync cycles and cache purges.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/logging"
)

// SyncFunc runs one sync cycle.
type SyncFunc func(ctx context.Context) error

// PurgeFunc removes expired cache entries and reports how many.
type PurgeFunc func(ctx context.Context) (int64, error)

// Scheduler manages background sync operations.
type Scheduler struct {
	syncFn         SyncFunc
	purge          PurgeFunc
	syncInterval   time.Duration
	purgeInterval  time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	lastPurged     int64
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to sync when online (default: 30 seconds)
	PurgeInterval time.Duration // How often to purge expired cache entries (default: 1 hour)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  30 * time.Second,
		PurgeInterval: time.Hour,
	}
}

// NewScheduler creates a new Scheduler. purge may be nil.
func NewScheduler(syncFn SyncFunc, purge PurgeFunc, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	defaults := DefaultSchedulerConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.PurgeInterval <= 0 {
		config.PurgeInterval = defaults.PurgeInterval
	}

	return &Scheduler{
		syncFn:        syncFn,
		purge:         purge,
		syncInterval:  config.SyncInterval,
		purgeInterval: config.PurgeInterval,
		stopCh:        make(chan struct{}),
		isOnline:      true, // Assume online initially
	}
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx)

	if s.purge != nil {
		s.wg.Add(1)
		go s.purgeLoop(ctx)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval_s":  s.syncInterval.Seconds(),
		"purge_interval_s": s.purgeInterval.Seconds(),
	})
}

// Stop stops the scheduler and waits for running work to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus records connectivity. Coming back online triggers an
// immediate sync.
func (s *Scheduler) SetOnlineStatus(ctx context.Context, isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})

	if isOnline && running {
		s.TriggerSync(ctx)
	}
}

// periodicSyncLoop runs periodic sync when online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.TriggerSync(ctx)
		}
	}
}

// purgeLoop removes expired cache entries on every interval.
func (s *Scheduler) purgeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			n, err := s.purge(ctx)
			if err != nil {
				logging.Error("Cache purge failed", err, nil)
				continue
			}
			s.mu.Lock()
			s.lastPurged = n
			s.mu.Unlock()
		}
	}
}

// runSync executes one sync cycle.
func (s *Scheduler) runSync(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	if err := s.syncFn(ctx); err != nil {
		logging.ErrorWithCode("Background sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval_seconds": s.syncInterval.Seconds()})
		return
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()
}

// TriggerSync starts a sync in the background. It returns false when the
// scheduler is stopped or a sync it started is still running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.Lock()
	if !s.isRunning || s.syncInProgress {
		s.mu.Unlock()
		return false
	}
	s.syncInProgress = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runSync(ctx)
	}()
	return true
}

// SchedulerStatus reports the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	LastSyncTime   *time.Time
	SyncInProgress bool
	LastPurged     int64
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
		LastPurged:     s.lastPurged,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
