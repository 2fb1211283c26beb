package broadcast_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/service/broadcast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startStale triggers b-1 and backdates it so recovery sees it as stale.
func startStale(t *testing.T, repo *memRepo, q *fakeQuota, resumes int) {
	t.Helper()
	repo.put(draft("b-1"))
	repo.addContacts("aud-1", 4)
	_, err := broadcast.NewService(repo, q, &fakeQueue{}).Trigger(context.Background(), org, "b-1")
	require.NoError(t, err)

	repo.mu.Lock()
	b := repo.broadcasts["b-1"]
	b.UpdatedAt = time.Now().Add(-time.Hour)
	b.ResumeCount = resumes
	repo.mu.Unlock()
}

func TestRecoveryResumesStaleBroadcast(t *testing.T) {
	repo := newMemRepo()
	q := &fakeQuota{limit: 100}
	startStale(t, repo, q, 0)

	fresh := draft("b-2")
	fresh.Status = domain.BroadcastSending
	fresh.UpdatedAt = time.Now()
	repo.put(fresh)

	queue := &fakeQueue{}
	rec := broadcast.NewRecovery(repo, q, queue, 5*time.Minute, time.Minute, 3)

	n, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b-1"}, queue.enqueued())

	b := repo.snapshot("b-1")
	assert.Equal(t, domain.BroadcastSending, b.Status)
	assert.Equal(t, 1, b.ResumeCount)

	// the resume touched updated_at, so an immediate second sweep is a no-op
	n, err = rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoveryAbandonsAfterMaxResumes(t *testing.T) {
	repo := newMemRepo()
	q := &fakeQuota{limit: 100}
	startStale(t, repo, q, 3)

	queue := &fakeQueue{}
	rec := broadcast.NewRecovery(repo, q, queue, 5*time.Minute, time.Minute, 3)

	n, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, queue.enqueued())

	b := repo.snapshot("b-1")
	assert.Equal(t, domain.BroadcastFailed, b.Status)
	assert.Equal(t, "abandoned after 3 resumes", b.Error)
	assert.Equal(t, 4, b.FailedCount)
	assert.Equal(t, 4, repo.recipientCounts("b-1")[domain.RecipientFailed])

	used, released := q.state()
	assert.Zero(t, used)
	assert.Equal(t, 4, released)
}

type countingEmails struct {
	calls     atomic.Int32
	lastLimit atomic.Int32
}

func (c *countingEmails) DispatchScheduled(_ context.Context, limit int) (int, error) {
	c.calls.Add(1)
	c.lastLimit.Store(int32(limit))
	return 0, nil
}

func TestSchedulerTick(t *testing.T) {
	repo := newMemRepo()
	past := time.Now().Add(-time.Second)
	b := draft("b-1")
	b.Status, b.ScheduledAt = domain.BroadcastScheduled, &past
	repo.put(b)
	repo.addContacts("aud-1", 2)

	queue := &fakeQueue{}
	emails := &countingEmails{}
	s := broadcast.NewScheduler(broadcast.NewService(repo, &fakeQuota{limit: 10}, queue), emails, time.Minute)

	s.Tick(context.Background())
	assert.Equal(t, domain.BroadcastSending, repo.snapshot("b-1").Status)
	assert.Equal(t, []string{"b-1"}, queue.enqueued())
	assert.Equal(t, int32(1), emails.calls.Load())
}

func TestSchedulerBatchSize(t *testing.T) {
	emails := &countingEmails{}
	s := broadcast.NewScheduler(nil, emails, time.Minute).WithBatchSize(25)
	s.Tick(context.Background())
	assert.Equal(t, int32(25), emails.lastLimit.Load())

	s.WithBatchSize(0).Tick(context.Background())
	assert.Equal(t, int32(25), emails.lastLimit.Load())
}

func TestRecoverySkipsBroadcastStillQueued(t *testing.T) {
	h := newHarness(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// workers are not started, so the job waits in the queue
	_, err := h.svc.Trigger(ctx, org, "b-1")
	require.NoError(t, err)
	require.True(t, h.disp.Holds("b-1"))

	rec := broadcast.NewRecovery(h.repo, h.quota, h.disp, 5*time.Minute, time.Minute, 3)
	for i := 0; i < 4; i++ {
		h.repo.mu.Lock()
		h.repo.broadcasts["b-1"].UpdatedAt = time.Now().Add(-time.Hour)
		h.repo.mu.Unlock()

		n, err := rec.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	b := h.repo.snapshot("b-1")
	assert.Equal(t, domain.BroadcastSending, b.Status)
	assert.Zero(t, b.ResumeCount)
	assert.Zero(t, h.sender.count())

	h.disp.Start(ctx)
	defer h.disp.Stop()
	assert.Eventually(t, func() bool {
		return h.repo.snapshot("b-1").Status == domain.BroadcastSent && !h.disp.Holds("b-1")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 10, h.repo.snapshot("b-1").SentCount)
}
