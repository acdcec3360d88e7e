// Package monitor runs the scheduled half of the recovery paths: jobs whose
// fire-and-forget background step failed are parked in a recoverable state
// and picked up again here.
package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/trainchain/backend/aggregation"
	"github.com/trainchain/backend/repository"
)

// Sharder re-runs dataset sharding for a job whose shards are incomplete.
// Re-running is safe: slots that already carry a shard CID are skipped.
type Sharder interface {
	ShardDataset(ctx context.Context, jobID uint64) error
}

// RecoveryMonitor periodically scans for jobs whose background step never
// finished: in_progress jobs with unsharded slots get their sharding re-run,
// and jobs parked in aggregating get the aggregator re-notified.
type RecoveryMonitor struct {
	repo       *repository.Repository
	notifier   aggregation.Notifier
	sharder    Sharder
	interval   time.Duration
	stuckAfter time.Duration
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewRecoveryMonitor creates a monitor that scans every interval for jobs
// stuck longer than stuckAfter.
func NewRecoveryMonitor(repo *repository.Repository, notifier aggregation.Notifier, sharder Sharder, interval, stuckAfter time.Duration) *RecoveryMonitor {
	return &RecoveryMonitor{
		repo:       repo,
		notifier:   notifier,
		sharder:    sharder,
		interval:   interval,
		stuckAfter: stuckAfter,
		stopChan:   make(chan struct{}),
	}
}

// Start begins the monitor loop.
func (m *RecoveryMonitor) Start() {
	m.wg.Add(1)
	go m.monitorLoop()
	log.Printf("Recovery monitor started - scanning every %s for jobs stuck longer than %s", m.interval, m.stuckAfter)
}

// Stop stops the monitor gracefully.
func (m *RecoveryMonitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
	log.Println("Recovery monitor stopped")
}

func (m *RecoveryMonitor) monitorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.checkUnshardedJobs()
			m.checkStuckJobs()
		}
	}
}

// checkUnshardedJobs re-runs sharding for filled rosters whose shards never
// all landed. The sharder skips slots that already have a shard, so a re-run
// only publishes what is missing.
func (m *RecoveryMonitor) checkUnshardedJobs() {
	jobs, err := m.repo.ListUnshardedJobs(m.stuckAfter)
	if err != nil {
		log.Printf("Failed to list unsharded jobs: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	log.Printf("Found %d jobs with incomplete shards, re-running sharding", len(jobs))

	for _, job := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := m.sharder.ShardDataset(ctx, job.ID)
		cancel()

		if err != nil {
			log.Printf("Failed to re-run sharding for job %d: %v", job.ID, err)
			continue
		}
		log.Printf("Re-ran sharding for job %d", job.ID)
	}
}

// checkStuckJobs re-notifies the aggregator for every stuck job. Failures
// are logged and retried on the next tick; re-notifying a job the
// aggregator is already working is harmless because its callbacks are
// guarded on the job status.
func (m *RecoveryMonitor) checkStuckJobs() {
	jobs, err := m.repo.ListStuckAggregations(m.stuckAfter)
	if err != nil {
		log.Printf("Failed to list stuck aggregations: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	log.Printf("Found %d jobs stuck in aggregating, re-notifying aggregator", len(jobs))

	for _, job := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := m.notifier.StartAggregation(ctx, job.ID)
		cancel()

		if errors.Is(err, aggregation.ErrUnreachable) {
			log.Printf("Aggregator still unreachable for job %d, will retry next scan", job.ID)
			return
		}
		if err != nil {
			log.Printf("Failed to re-notify aggregator for job %d: %v", job.ID, err)
			continue
		}
		log.Printf("Re-notified aggregator for job %d", job.ID)
	}
}
