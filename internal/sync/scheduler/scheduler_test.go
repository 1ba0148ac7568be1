// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// =====================================================
// Test Helpers
// =====================================================

type counters struct {
	syncs  int32
	purges int32
}

func createTestScheduler(t *testing.T, syncErr error) (*counters, *Scheduler) {
	t.Helper()
	c := &counters{}
	syncFn := func(ctx context.Context) error {
		atomic.AddInt32(&c.syncs, 1)
		return syncErr
	}
	purge := func(ctx context.Context) (int64, error) {
		atomic.AddInt32(&c.purges, 1)
		return 3, nil
	}
	s := NewScheduler(syncFn, purge, &SchedulerConfig{
		SyncInterval:  20 * time.Millisecond,
		PurgeInterval: 20 * time.Millisecond,
	})
	t.Cleanup(s.Stop)
	return c, s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Configuration
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	if config.SyncInterval != 30*time.Second {
		t.Errorf("SyncInterval = %v, want 30s", config.SyncInterval)
	}
	if config.PurgeInterval != time.Hour {
		t.Errorf("PurgeInterval = %v, want 1h", config.PurgeInterval)
	}
}

// TestNewScheduler_FillsZeroIntervals verifies zero intervals fall back to defaults.
func TestNewScheduler_FillsZeroIntervals(t *testing.T) {
	s := NewScheduler(func(context.Context) error { return nil }, nil, &SchedulerConfig{})
	if s.syncInterval != 30*time.Second || s.purgeInterval != time.Hour {
		t.Errorf("intervals = %v/%v, want defaults", s.syncInterval, s.purgeInterval)
	}
	if !s.IsOnline() {
		t.Error("scheduler should start online")
	}
}

// =====================================================
// Lifecycle
// =====================================================

// TestStartStop verifies Start and Stop are idempotent.
func TestStartStop(t *testing.T) {
	_, s := createTestScheduler(t, nil)
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx)
	if !s.IsRunning() {
		t.Fatal("scheduler should be running")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Fatal("scheduler should be stopped")
	}
}

// TestPeriodicSync verifies the loop syncs and purges on its intervals.
func TestPeriodicSync(t *testing.T) {
	c, s := createTestScheduler(t, nil)
	s.Start(context.Background())

	waitFor(t, func() bool { return atomic.LoadInt32(&c.syncs) >= 2 })
	waitFor(t, func() bool { return atomic.LoadInt32(&c.purges) >= 1 })

	status := s.GetStatus()
	if status.LastSyncTime == nil {
		t.Error("LastSyncTime should be set after a successful sync")
	}
	waitFor(t, func() bool { return s.GetStatus().LastPurged == 3 })
}

// TestPeriodicSync_SkipsWhenOffline verifies no syncs run while offline.
func TestPeriodicSync_SkipsWhenOffline(t *testing.T) {
	c, s := createTestScheduler(t, nil)
	ctx := context.Background()
	s.SetOnlineStatus(ctx, false)
	s.Start(ctx)

	time.Sleep(80 * time.Millisecond)
	if n := atomic.LoadInt32(&c.syncs); n != 0 {
		t.Errorf("syncs while offline = %d, want 0", n)
	}
}

// TestReconnectTriggersSync verifies an offline to online transition syncs immediately.
func TestReconnectTriggersSync(t *testing.T) {
	c := &counters{}
	s := NewScheduler(func(context.Context) error {
		atomic.AddInt32(&c.syncs, 1)
		return nil
	}, nil, &SchedulerConfig{SyncInterval: time.Hour})
	defer s.Stop()

	ctx := context.Background()
	s.SetOnlineStatus(ctx, false)
	s.Start(ctx)
	s.SetOnlineStatus(ctx, true)

	waitFor(t, func() bool { return atomic.LoadInt32(&c.syncs) == 1 })
}

// TestTriggerSync_NotRunning verifies triggers are refused before Start.
func TestTriggerSync_NotRunning(t *testing.T) {
	_, s := createTestScheduler(t, nil)
	if s.TriggerSync(context.Background()) {
		t.Error("TriggerSync should refuse when the scheduler is not running")
	}
}

// TestTriggerSync_OneAtATime verifies a second trigger is refused while a sync runs.
func TestTriggerSync_OneAtATime(t *testing.T) {
	release := make(chan struct{})
	var syncs int32
	s := NewScheduler(func(context.Context) error {
		atomic.AddInt32(&syncs, 1)
		<-release
		return nil
	}, nil, &SchedulerConfig{SyncInterval: time.Hour})
	ctx := context.Background()
	s.Start(ctx)

	if !s.TriggerSync(ctx) {
		t.Fatal("first trigger should start a sync")
	}
	if s.TriggerSync(ctx) {
		t.Error("second trigger should be refused while syncing")
	}
	close(release)
	s.Stop()

	if n := atomic.LoadInt32(&syncs); n != 1 {
		t.Errorf("syncs = %d, want 1", n)
	}
}

// TestSyncFailureKeepsLastSyncTime verifies failures do not count as syncs.
func TestSyncFailureKeepsLastSyncTime(t *testing.T) {
	c, s := createTestScheduler(t, errors.New("offline"))
	s.Start(context.Background())

	waitFor(t, func() bool { return atomic.LoadInt32(&c.syncs) >= 1 })
	waitFor(t, func() bool { return !s.GetStatus().SyncInProgress })
	if s.GetStatus().LastSyncTime != nil {
		t.Error("LastSyncTime should stay nil when every sync fails")
	}
}
