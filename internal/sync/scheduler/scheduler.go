// Package scheduler drives background outbox flushes and cache refreshes.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/incidentdesk/backend/internal/errors"
	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/queue"
)

// Flusher drains the outbox.
type Flusher interface {
	Flush(ctx context.Context) (queue.FlushReport, error)
}

// Refresher re-fetches authoritative collections into the cache.
type Refresher interface {
	RefreshAll(ctx context.Context) error
}

// Scheduler runs at most one flush at a time, triggered by a fixed interval,
// a reconnect, or an explicit call.
type Scheduler struct {
	flusher         Flusher
	refresher       Refresher
	flushInterval   time.Duration
	refreshInterval time.Duration
	flushTimeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                sync.RWMutex
	isRunning         bool
	isOnline          bool
	flushInProgress   bool
	refreshInProgress bool
	lastFlushTime     time.Time
	lastRefreshTime   time.Time
	lastReport        queue.FlushReport
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	FlushInterval   time.Duration // periodic flush (default: 30 seconds)
	RefreshInterval time.Duration // periodic cache refresh; 0 disables it
	FlushTimeout    time.Duration // bound on one flush pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		FlushInterval:   30 * time.Second,
		RefreshInterval: 5 * time.Minute,
		FlushTimeout:    5 * time.Minute,
	}
}

// NewScheduler creates a Scheduler. refresher may be nil.
func NewScheduler(flusher Flusher, refresher Refresher, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultSchedulerConfig().FlushInterval
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = DefaultSchedulerConfig().FlushTimeout
	}

	return &Scheduler{
		flusher:         flusher,
		refresher:       refresher,
		flushInterval:   config.FlushInterval,
		refreshInterval: config.RefreshInterval,
		flushTimeout:    config.FlushTimeout,
		ctx:             context.Background(),
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
	s.ctx, s.cancel = context.WithCancel(ctx)
	loopCtx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.flushLoop(loopCtx)

	if s.refresher != nil && s.refreshInterval > 0 {
		s.wg.Add(1)
		go s.refreshLoop(loopCtx)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"flush_interval_ms":   s.flushInterval.Milliseconds(),
		"refresh_interval_ms": s.refreshInterval.Milliseconds(),
	})
}

// Stop stops the loops and waits for an in-flight flush to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus records connectivity. Going from offline to online
// triggers one flush.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline && running {
		s.TriggerFlush()
	}
}

func (s *Scheduler) flushLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			if !s.TriggerFlush() {
				logging.Debug("Flush already in progress, skipping tick", nil)
			}
		}
	}
}

func (s *Scheduler) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runRefresh(ctx)
		}
	}
}

// TriggerFlush starts a flush in the background. It returns false, and does
// nothing, when a flush is already running.
func (s *Scheduler) TriggerFlush() bool {
	if !s.begin() {
		return false
	}
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runFlush(ctx, "trigger")
	}()
	return true
}

// FlushNow runs a flush and waits for it. A call while another flush runs
// returns a report with Busy set.
func (s *Scheduler) FlushNow(ctx context.Context) (queue.FlushReport, error) {
	if !s.begin() {
		return queue.FlushReport{Busy: true}, nil
	}
	return s.runFlush(ctx, "manual")
}

// begin claims the single flush slot.
func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushInProgress {
		return false
	}
	s.flushInProgress = true
	return true
}

// runFlush executes a flush; the caller holds the flush slot.
func (s *Scheduler) runFlush(ctx context.Context, reason string) (queue.FlushReport, error) {
	defer func() {
		s.mu.Lock()
		s.flushInProgress = false
		s.mu.Unlock()
	}()

	flushCtx, cancel := context.WithTimeout(ctx, s.flushTimeout)
	defer cancel()

	report, err := s.flusher.Flush(flushCtx)
	if err != nil {
		logging.ErrorWithCode("Scheduled flush failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"reason": reason})
		return report, err
	}

	s.mu.Lock()
	s.lastFlushTime = time.Now()
	s.lastReport = report
	s.mu.Unlock()

	if report.Attempted > 0 {
		logging.Info("Flush completed", map[string]interface{}{
			"reason":    reason,
			"attempted": report.Attempted,
			"synced":    report.Synced,
			"retried":   report.Retried,
			"conflicts": report.Conflicts,
			"rejected":  report.Rejected,
		})
	}
	return report, nil
}

// RefreshNow re-fetches every collection and waits. It is a no-op while a
// refresh is already running.
func (s *Scheduler) RefreshNow(ctx context.Context) error {
	if s.refresher == nil {
		return nil
	}
	return s.runRefresh(ctx)
}

func (s *Scheduler) runRefresh(ctx context.Context) error {
	s.mu.Lock()
	if s.refreshInProgress {
		s.mu.Unlock()
		return nil
	}
	s.refreshInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.refreshInProgress = false
		s.mu.Unlock()
	}()

	if err := s.refresher.RefreshAll(ctx); err != nil {
		logging.Warn("Periodic refresh failed", map[string]interface{}{"error": err.Error()})
		return err
	}

	s.mu.Lock()
	s.lastRefreshTime = time.Now()
	s.mu.Unlock()
	return nil
}

// SchedulerStatus is a snapshot of scheduler state.
type SchedulerStatus struct {
	IsRunning         bool              `json:"isRunning"`
	IsOnline          bool              `json:"isOnline"`
	FlushInProgress   bool              `json:"flushInProgress"`
	RefreshInProgress bool              `json:"refreshInProgress"`
	LastFlushTime     *time.Time        `json:"lastFlushTime,omitempty"`
	LastRefreshTime   *time.Time        `json:"lastRefreshTime,omitempty"`
	LastReport        queue.FlushReport `json:"lastReport"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:         s.isRunning,
		IsOnline:          s.isOnline,
		FlushInProgress:   s.flushInProgress,
		RefreshInProgress: s.refreshInProgress,
		LastReport:        s.lastReport,
	}
	if !s.lastFlushTime.IsZero() {
		t := s.lastFlushTime
		status.LastFlushTime = &t
	}
	if !s.lastRefreshTime.IsZero() {
		t := s.lastRefreshTime
		status.LastRefreshTime = &t
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
