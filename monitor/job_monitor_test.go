package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/trainchain/backend/aggregation"
	"github.com/trainchain/backend/config"
	"github.com/trainchain/backend/repository"
	"github.com/trainchain/backend/state"
)

type fakeNotifier struct {
	mu     sync.Mutex
	jobIDs []uint64
	err    error
}

func (f *fakeNotifier) StartAggregation(ctx context.Context, jobID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobIDs = append(f.jobIDs, jobID)
	return f.err
}

func (f *fakeNotifier) calls() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.jobIDs...)
}

type fakeSharder struct {
	mu     sync.Mutex
	jobIDs []uint64
	err    error
}

func (f *fakeSharder) ShardDataset(ctx context.Context, jobID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobIDs = append(f.jobIDs, jobID)
	return f.err
}

func (f *fakeSharder) calls() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.jobIDs...)
}

// newFilledLlmJob creates a pending llm job and fills its 2-slot roster,
// leaving it in_progress with unsharded slots, backdated by age.
func newFilledLlmJob(t *testing.T, repo *repository.Repository, db *gorm.DB, age time.Duration) uint64 {
	t.Helper()

	job := &config.Job{RequesterAddress: "0xrequester", DatasetCid: "cid"}
	require.NoError(t, repo.CreateLlmJob(job, &config.LlmFinetuneDetail{ModelName: "llama", MaxContributors: 2}))
	require.NoError(t, repo.TransitionStatus(job.ID, state.Unconfirmed, state.Pending))
	_, _, err := repo.AllocateSlot(job.ID, fmt.Sprintf("0xa%d", job.ID))
	require.NoError(t, err)
	_, _, err = repo.AllocateSlot(job.ID, fmt.Sprintf("0xb%d", job.ID))
	require.NoError(t, err)

	require.NoError(t, db.Model(&config.Job{}).Where("id = ?", job.ID).
		Update("updated_at", time.Now().Add(-age)).Error)
	return job.ID
}

func newAggregatingJob(t *testing.T, repo *repository.Repository, db *gorm.DB, age time.Duration) uint64 {
	t.Helper()

	jobID := newFilledLlmJob(t, repo, db, 0)
	require.NoError(t, repo.SetShard(jobID, 0, "cid-shard-0", 1))
	require.NoError(t, repo.SetShard(jobID, 1, "cid-shard-1", 1))
	_, err := repo.SubmitAdapter(jobID, fmt.Sprintf("0xa%d", jobID), "cid-a")
	require.NoError(t, err)
	_, err = repo.SubmitAdapter(jobID, fmt.Sprintf("0xb%d", jobID), "cid-b")
	require.NoError(t, err)

	require.NoError(t, db.Model(&config.Job{}).Where("id = ?", jobID).
		Update("updated_at", time.Now().Add(-age)).Error)
	return jobID
}

func newTestMonitor(t *testing.T) (*RecoveryMonitor, *repository.Repository, *gorm.DB, *fakeNotifier, *fakeSharder) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&config.Job{}, &config.ImageProcessingDetail{}, &config.LlmFinetuneDetail{}, &config.ContributorSlot{}))

	repo := repository.NewRepository(db)
	notifier := &fakeNotifier{}
	sharder := &fakeSharder{}
	return NewRecoveryMonitor(repo, notifier, sharder, time.Hour, 10*time.Minute), repo, db, notifier, sharder
}

func TestCheckUnshardedJobsRerunsSharding(t *testing.T) {
	m, repo, db, _, sharder := newTestMonitor(t)

	stuckID := newFilledLlmJob(t, repo, db, time.Hour)
	newFilledLlmJob(t, repo, db, time.Minute) // filled just now, not overdue

	shardedID := newFilledLlmJob(t, repo, db, 0)
	require.NoError(t, repo.SetShard(shardedID, 0, "cid-shard-0", 1))
	require.NoError(t, repo.SetShard(shardedID, 1, "cid-shard-1", 1))
	require.NoError(t, db.Model(&config.Job{}).Where("id = ?", shardedID).
		Update("updated_at", time.Now().Add(-time.Hour)).Error)

	m.checkUnshardedJobs()

	// Only the overdue job with missing shards is re-dispatched.
	assert.Equal(t, []uint64{stuckID}, sharder.calls())
}

func TestCheckUnshardedJobsPicksUpPartialRuns(t *testing.T) {
	m, repo, db, _, sharder := newTestMonitor(t)

	// A run that died after publishing the first shard.
	jobID := newFilledLlmJob(t, repo, db, 0)
	require.NoError(t, repo.SetShard(jobID, 0, "cid-shard-0", 1))
	require.NoError(t, db.Model(&config.Job{}).Where("id = ?", jobID).
		Update("updated_at", time.Now().Add(-time.Hour)).Error)

	m.checkUnshardedJobs()

	assert.Equal(t, []uint64{jobID}, sharder.calls())
}

func TestCheckStuckJobsRenotifies(t *testing.T) {
	m, repo, db, notifier, _ := newTestMonitor(t)

	stuckID := newAggregatingJob(t, repo, db, time.Hour)
	newAggregatingJob(t, repo, db, time.Minute) // fresh, not stuck yet

	m.checkStuckJobs()

	assert.Equal(t, []uint64{stuckID}, notifier.calls())
}

func TestCheckStuckJobsStopsScanWhenUnreachable(t *testing.T) {
	m, repo, db, notifier, _ := newTestMonitor(t)
	notifier.err = fmt.Errorf("dial refused: %w", aggregation.ErrUnreachable)

	newAggregatingJob(t, repo, db, time.Hour)
	newAggregatingJob(t, repo, db, 2*time.Hour)

	m.checkStuckJobs()

	// One attempt is enough to learn the aggregator is down.
	assert.Len(t, notifier.calls(), 1)
}

func TestStartStop(t *testing.T) {
	m, _, _, _, _ := newTestMonitor(t)

	m.Start()
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
