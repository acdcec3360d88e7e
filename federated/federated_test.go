package federated

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
	"github.com/trainchain/backend/background"
	"github.com/trainchain/backend/config"
	"github.com/trainchain/backend/repository"
	"github.com/trainchain/backend/state"
)

type fakeSharder struct {
	mu     sync.Mutex
	jobIDs []uint64
	err    error
}

func (f *fakeSharder) ShardDataset(ctx context.Context, jobID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobIDs = append(f.jobIDs, jobID)
	return nil
}

func (f *fakeSharder) calls() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.jobIDs...)
}

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

func newTestService(t *testing.T) (*Service, *repository.Repository, *fakeSharder, *fakeNotifier, *background.Runner) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&config.Job{}, &config.ImageProcessingDetail{}, &config.LlmFinetuneDetail{}, &config.ContributorSlot{}))

	repo := repository.NewRepository(db)
	sh := &fakeSharder{}
	notifier := &fakeNotifier{}
	runner := background.NewRunner(5 * time.Second)
	return NewService(repo, sh, notifier, runner, nil), repo, sh, notifier, runner
}

func createPendingLlmJob(t *testing.T, repo *repository.Repository, maxContributors int) uint64 {
	t.Helper()

	job := &config.Job{RequesterAddress: "0xrequester", DatasetCid: "cid-dataset"}
	detail := &config.LlmFinetuneDetail{ModelName: "llama", MaxContributors: maxContributors, Epochs: 1}
	require.NoError(t, repo.CreateLlmJob(job, detail))
	require.NoError(t, repo.TransitionStatus(job.ID, state.Unconfirmed, state.Pending))
	return job.ID
}

func fillRoster(t *testing.T, svc *Service, jobID uint64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := svc.AcceptSlot(context.Background(), jobID, fmt.Sprintf("0xcontrib%d", i))
		require.NoError(t, err)
	}
}

func TestAcceptSlotLowercasesAddress(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)
	jobID := createPendingLlmJob(t, repo, 2)

	slot, err := svc.AcceptSlot(context.Background(), jobID, "0xALICE")
	require.NoError(t, err)
	assert.Equal(t, "0xalice", slot.ContributorAddress)

	// The same address in any casing holds the same slot.
	_, err = svc.AcceptSlot(context.Background(), jobID, "0xAlIcE")
	assert.ErrorIs(t, err, repository.ErrAlreadySlotted)
}

func TestAcceptSlotDispatchesShardingWhenFull(t *testing.T) {
	svc, repo, sh, _, runner := newTestService(t)
	jobID := createPendingLlmJob(t, repo, 3)

	fillRoster(t, svc, jobID, 3)
	runner.Wait()

	assert.Equal(t, []uint64{jobID}, sh.calls())

	job, err := repo.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, string(state.InProgress), job.Status)
}

func TestAcceptSlotNoShardingBeforeFull(t *testing.T) {
	svc, repo, sh, _, runner := newTestService(t)
	jobID := createPendingLlmJob(t, repo, 3)

	fillRoster(t, svc, jobID, 2)
	runner.Wait()

	assert.Empty(t, sh.calls())
}

func TestSubmitAdapterNotifiesExactlyOnce(t *testing.T) {
	svc, repo, _, notifier, runner := newTestService(t)
	jobID := createPendingLlmJob(t, repo, 2)
	fillRoster(t, svc, jobID, 2)

	require.NoError(t, svc.SubmitAdapter(context.Background(), jobID, "0xcontrib0", "cid-a"))
	runner.Wait()
	assert.Empty(t, notifier.calls())

	require.NoError(t, svc.SubmitAdapter(context.Background(), jobID, "0xcontrib1", "cid-b"))
	runner.Wait()
	assert.Equal(t, []uint64{jobID}, notifier.calls())

	job, err := repo.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, string(state.Aggregating), job.Status)
}

func TestSubmitAdapterUnreachableAggregatorParksJob(t *testing.T) {
	svc, repo, _, notifier, runner := newTestService(t)
	notifier.err = fmt.Errorf("post http://localhost:5001/aggregate: %w", aggregation.ErrUnreachable)

	jobID := createPendingLlmJob(t, repo, 2)
	fillRoster(t, svc, jobID, 2)

	require.NoError(t, svc.SubmitAdapter(context.Background(), jobID, "0xcontrib0", "cid-a"))
	require.NoError(t, svc.SubmitAdapter(context.Background(), jobID, "0xcontrib1", "cid-b"))
	runner.Wait()

	// The job stays parked in aggregating for the recovery monitor.
	job, err := repo.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, string(state.Aggregating), job.Status)
}

func TestFinalize(t *testing.T) {
	svc, repo, _, _, runner := newTestService(t)
	jobID := createPendingLlmJob(t, repo, 2)
	fillRoster(t, svc, jobID, 2)
	require.NoError(t, svc.SubmitAdapter(context.Background(), jobID, "0xcontrib0", "cid-a"))
	require.NoError(t, svc.SubmitAdapter(context.Background(), jobID, "0xcontrib1", "cid-b"))
	runner.Wait()

	require.NoError(t, svc.Finalize(jobID, "cid-merged", "0xtx", "merged 2 adapters"))

	job, err := repo.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, string(state.Completed), job.Status)
	assert.Equal(t, "cid-merged", job.TrainedModelCid)

	// Late duplicate callbacks lose to the guard.
	assert.ErrorIs(t, svc.Finalize(jobID, "cid-other", "", ""), repository.ErrNotFound)
	assert.ErrorIs(t, svc.Fail(jobID, "too late"), repository.ErrNotFound)
}

func TestFail(t *testing.T) {
	svc, repo, _, _, runner := newTestService(t)
	jobID := createPendingLlmJob(t, repo, 2)
	fillRoster(t, svc, jobID, 2)
	require.NoError(t, svc.SubmitAdapter(context.Background(), jobID, "0xcontrib0", "cid-a"))
	require.NoError(t, svc.SubmitAdapter(context.Background(), jobID, "0xcontrib1", "cid-b"))
	runner.Wait()

	require.NoError(t, svc.Fail(jobID, "adapter shapes mismatch"))

	job, err := repo.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, string(state.Failed), job.Status)
}
