package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
)

// Recovery re-enqueues sending broadcasts whose worker went away. Broadcasts
// the queue still holds are skipped. A
// broadcast resumed more than maxResumes times is abandoned: its pending
// recipients are failed and their quota refunded.
type Recovery struct {
	repo       Repository
	quota      QuotaReserver
	queue      Enqueuer
	staleAfter time.Duration
	maxResumes int
	interval   time.Duration
	now        func() time.Time
}

// holder is implemented by queues that can tell which broadcasts they still
// hold, such as *Dispatcher.
type holder interface {
	Holds(broadcastID string) bool
}

// NewRecovery creates a recovery loop.
func NewRecovery(repo Repository, reserver QuotaReserver, queue Enqueuer, staleAfter, interval time.Duration, maxResumes int) *Recovery {
	if maxResumes <= 0 {
		maxResumes = 3
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Recovery{
		repo:       repo,
		quota:      reserver,
		queue:      queue,
		staleAfter: staleAfter,
		maxResumes: maxResumes,
		interval:   interval,
		now:        time.Now,
	}
}

// Sweep handles one pass over stale broadcasts and returns how many were
// re-enqueued.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	stale, err := r.repo.ListStale(ctx, r.now().Add(-r.staleAfter).UTC(), 100)
	if err != nil {
		return 0, fmt.Errorf("list stale broadcasts: %w", err)
	}

	resumed := 0
	for i := range stale {
		b := &stale[i]
		// no checkpoint yet because it is still waiting for a worker here
		if h, ok := r.queue.(holder); ok && h.Holds(b.ID) {
			logger.Debug("broadcast: stale but still queued locally", "broadcast_id", b.ID)
			continue
		}
		count, err := r.repo.IncrementResume(ctx, b.ID)
		if err != nil {
			logger.Error("broadcast: increment resume count", "broadcast_id", b.ID, "error", err)
			continue
		}
		if count > r.maxResumes {
			r.abandon(ctx, b, count)
			continue
		}
		if r.queue.Enqueue(b.ID) {
			resumed++
			logger.Info("broadcast: resuming stale run", "broadcast_id", b.ID, "attempt", count)
		}
	}
	return resumed, nil
}

func (r *Recovery) abandon(ctx context.Context, b *domain.Broadcast, count int) {
	reason := fmt.Sprintf("abandoned after %d resumes", count-1)
	if _, err := abandonPending(ctx, r.repo, r.quota, b, reason); err != nil {
		logger.Error("broadcast: abandon pending recipients", "broadcast_id", b.ID, "error", err)
		return
	}
	sent, failed, err := r.repo.CountRecipients(ctx, b.ID)
	if err != nil {
		logger.Error("broadcast: count recipients", "broadcast_id", b.ID, "error", err)
		return
	}
	if _, err := r.repo.Finish(ctx, b.ID, domain.BroadcastFailed, sent, failed, r.now().UTC(), reason); err != nil {
		logger.Error("broadcast: finish abandoned broadcast", "broadcast_id", b.ID, "error", err)
		return
	}
	logger.Warn("broadcast: abandoned", "broadcast_id", b.ID, "sent", sent, "failed", failed)
}

// Run sweeps once immediately and then on every interval until ctx is
// cancelled.
func (r *Recovery) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Error("broadcast: recovery sweep", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ScheduledEmails is the part of the send path the scheduler drives.
type ScheduledEmails interface {
	DispatchScheduled(ctx context.Context, limit int) (int, error)
}

// Scheduler promotes due scheduled broadcasts and scheduled emails.
type Scheduler struct {
	broadcasts *Service
	emails     ScheduledEmails
	interval   time.Duration
	limit      int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler polling every interval.
func NewScheduler(broadcasts *Service, emails ScheduledEmails, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{broadcasts: broadcasts, emails: emails, interval: interval, limit: 100}
}

// WithBatchSize bounds how many due broadcasts and emails one pass claims.
func (s *Scheduler) WithBatchSize(n int) *Scheduler {
	if n > 0 {
		s.limit = n
	}
	return s
}

// Tick runs a single scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.broadcasts != nil {
		if n, err := s.broadcasts.TriggerDue(ctx, s.limit); err != nil {
			logger.Error("scheduler: trigger due broadcasts", "error", err)
		} else if n > 0 {
			logger.Info("scheduler: broadcasts started", "count", n)
		}
	}
	if s.emails != nil {
		if _, err := s.emails.DispatchScheduled(ctx, s.limit); err != nil && ctx.Err() == nil {
			logger.Error("scheduler: dispatch scheduled emails", "error", err)
		}
	}
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop halts the scheduler and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
