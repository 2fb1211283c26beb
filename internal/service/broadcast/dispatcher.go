package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/content"
	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/metrics"
	"github.com/bittucreator/unosend-sub001/internal/pkg/distlock"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
	"github.com/bittucreator/unosend-sub001/internal/service/sending"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Deliverer persists and sends one prepared email. *sending.Service
// implements it, including the quota refund on failure.
type Deliverer interface {
	Deliver(ctx context.Context, p sending.Prepared) (*domain.Email, error)
}

// Options tune the dispatcher.
type Options struct {
	BatchSize   int
	BatchDelay  time.Duration
	Concurrency int
	Workers     int
	QueueSize   int
	LockTTL     time.Duration
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Concurrency <= 0 {
		o.Concurrency = o.BatchSize
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 2 * time.Minute
	}
}

// Dispatcher owns the broadcast job queue and its worker pool. Each job
// sends the still-pending recipients of one broadcast in batches.
type Dispatcher struct {
	repo    Repository
	sender  Deliverer
	quota   QuotaReserver
	tracker *content.Tracker
	unsub   *content.Unsubscriber
	newLock distlock.Factory
	opts    Options
	jobs    chan string
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	startMu sync.Mutex

	// queued holds ids waiting in jobs; inFlight holds ids a worker runs.
	queued   sync.Map
	inFlight sync.Map
}

// NewDispatcher creates a dispatcher. Call Start to run its workers.
func NewDispatcher(repo Repository, sender Deliverer, reserver QuotaReserver, tracker *content.Tracker,
	unsub *content.Unsubscriber, locks distlock.Factory, opts Options) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{
		repo:    repo,
		sender:  sender,
		quota:   reserver,
		tracker: tracker,
		unsub:   unsub,
		newLock: locks,
		opts:    opts,
		jobs:    make(chan string, opts.QueueSize),
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// Enqueue schedules a broadcast for delivery. It never blocks; a full
// queue returns false and the recovery loop re-enqueues later. A broadcast
// already waiting in the queue is not queued twice.
func (d *Dispatcher) Enqueue(broadcastID string) bool {
	if _, dup := d.queued.LoadOrStore(broadcastID, struct{}{}); dup {
		return true
	}
	select {
	case d.jobs <- broadcastID:
		return true
	default:
		d.queued.Delete(broadcastID)
		return false
	}
}

// Holds reports whether the broadcast is waiting in this dispatcher's queue
// or being run by one of its workers.
func (d *Dispatcher) Holds(broadcastID string) bool {
	if _, ok := d.queued.Load(broadcastID); ok {
		return true
	}
	_, ok := d.inFlight.Load(broadcastID)
	return ok
}

// Start launches the worker pool. Workers stop when ctx is cancelled or
// Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)

	logger.Info("broadcast: dispatcher starting", "workers", d.opts.Workers, "batch_size", d.opts.BatchSize)
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop cancels the workers and waits for them. A broadcast interrupted
// mid-run stays sending and is resumed by recovery.
func (d *Dispatcher) Stop() {
	d.startMu.Lock()
	cancel := d.cancel
	d.startMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	logger.Info("broadcast: dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.jobs:
			// a duplicate job for a broadcast this process is already
			// running would only contend for the lock
			_, busy := d.inFlight.LoadOrStore(id, struct{}{})
			d.queued.Delete(id)
			if busy {
				continue
			}
			if err := d.Run(ctx, id); err != nil && ctx.Err() == nil {
				logger.Error("broadcast: run failed", "broadcast_id", id, "error", err)
				if rerr := d.repo.RecordError(context.WithoutCancel(ctx), id, err.Error()); rerr != nil {
					logger.Error("broadcast: record error", "broadcast_id", id, "error", rerr)
				}
			}
			d.inFlight.Delete(id)
		}
	}
}

// Run sends every pending recipient of a sending broadcast and finalizes
// it. It holds the broadcast's lock for the whole run; if another worker
// holds it, Run returns nil immediately.
func (d *Dispatcher) Run(ctx context.Context, id string) error {
	lock := d.newLock("broadcast:"+id, d.opts.LockTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		logger.Debug("broadcast: lock held elsewhere", "broadcast_id", id)
		return nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("broadcast: release lock", "broadcast_id", id, "error", err)
		}
	}()

	b, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load broadcast: %w", err)
	}
	if b.Status != domain.BroadcastSending {
		return nil
	}

	batch, err := d.repo.PendingRecipients(ctx, id, d.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}
	for len(batch) > 0 {
		d.sendBatch(ctx, b, batch)
		if err := ctx.Err(); err != nil {
			return err
		}

		sent, failed, err := d.repo.CountRecipients(ctx, id)
		if err != nil {
			return fmt.Errorf("count recipients: %w", err)
		}
		if err := d.repo.UpdateProgress(ctx, id, sent, failed); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		metrics.IncBroadcastBatch()
		logger.Debug("broadcast: batch done", "broadcast_id", id, "size", len(batch), "sent", sent, "failed", failed)

		if err := lock.Extend(ctx, d.opts.LockTTL); err != nil {
			if errors.Is(err, distlock.ErrNotHeld) {
				logger.Warn("broadcast: lost lock, stopping", "broadcast_id", id)
				return nil
			}
			return fmt.Errorf("extend lock: %w", err)
		}

		cur, err := d.repo.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("reload broadcast: %w", err)
		}
		if cur.Status != domain.BroadcastSending {
			logger.Warn("broadcast: stopped externally", "broadcast_id", id, "status", string(cur.Status))
			if _, err := abandonPending(ctx, d.repo, d.quota, b, "broadcast stopped: "+string(cur.Status)); err != nil {
				logger.Error("broadcast: abandon pending recipients", "broadcast_id", id, "error", err)
			}
			return nil
		}

		next, err := d.repo.PendingRecipients(ctx, id, d.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("load recipients: %w", err)
		}
		if len(next) > 0 && d.opts.BatchDelay > 0 {
			if err := d.sleep(ctx, d.opts.BatchDelay); err != nil {
				return err
			}
		}
		batch = next
	}

	return d.finish(ctx, b)
}

func (d *Dispatcher) finish(ctx context.Context, b *domain.Broadcast) error {
	sent, failed, err := d.repo.CountRecipients(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("count recipients: %w", err)
	}

	status, note := domain.BroadcastSent, ""
	if sent == 0 && failed > 0 {
		status, note = domain.BroadcastFailed, "all recipients failed"
	}
	ok, err := d.repo.Finish(ctx, b.ID, status, sent, failed, d.now().UTC(), note)
	if err != nil {
		return fmt.Errorf("finish broadcast: %w", err)
	}
	if ok {
		metrics.IncBroadcastFinished(string(status))
		logger.Info("broadcast: complete", "broadcast_id", b.ID, "status", string(status), "sent", sent, "failed", failed)
	}
	return nil
}

// sendBatch sends one batch concurrently. Each task records its own
// outcome and returns nil, so one failure never cancels its siblings.
func (d *Dispatcher) sendBatch(ctx context.Context, b *domain.Broadcast, batch []domain.BroadcastRecipient) {
	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for i := range batch {
		r := batch[i]
		g.Go(func() error {
			d.sendOne(ctx, b, r)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) sendOne(ctx context.Context, b *domain.Broadcast, r domain.BroadcastRecipient) {
	if ctx.Err() != nil {
		// shutting down; the recipient stays pending for the resumed run
		return
	}
	p := d.prepare(b, r)
	e, err := d.sender.Deliver(ctx, p)

	status, emailID, errMsg := domain.RecipientSent, "", ""
	if e != nil {
		emailID = e.ID
	}
	if err != nil {
		status, errMsg = domain.RecipientFailed, err.Error()
	}
	if merr := d.repo.MarkRecipient(context.WithoutCancel(ctx), b.ID, r.ContactID, status, emailID, errMsg); merr != nil {
		logger.Error("broadcast: mark recipient", "broadcast_id", b.ID, "contact_id", r.ContactID, "error", merr)
	}
}

// prepare personalizes and instruments the broadcast for one recipient.
func (d *Dispatcher) prepare(b *domain.Broadcast, r domain.BroadcastRecipient) sending.Prepared {
	unsubURL := d.unsub.URL(b.OrganizationID, r.ContactID)
	vars := content.ContactVariables(r.Contact(b.OrganizationID), unsubURL)

	e := &domain.Email{
		ID:             uuid.NewString(),
		OrganizationID: b.OrganizationID,
		From:           b.From,
		To:             []string{r.Email},
		Subject:        content.Personalize(b.Subject, vars),
		Text:           content.Personalize(b.Text, vars),
		Tags:           []domain.Tag{{Name: "broadcast_id", Value: b.ID}},
		Headers:        content.ListUnsubscribeHeaders(unsubURL),
		Status:         domain.EmailQueued,
		Metadata:       domain.EmailMetadata{BroadcastID: b.ID, ContactID: r.ContactID},
		CreatedAt:      d.now().UTC(),
	}
	if e.Subject == "" {
		e.Subject = b.Subject
	}
	if b.ReplyTo != "" {
		e.ReplyTo = []string{b.ReplyTo}
	}

	scope := content.Scope{EmailID: e.ID, BroadcastID: b.ID, ContactID: r.ContactID}
	var tracked []content.TrackedLink
	e.HTML, tracked = d.tracker.Instrument(content.PersonalizeHTML(b.HTML, vars), scope,
		content.Options{Opens: true, Clicks: true})

	return sending.Prepared{Email: e, Links: sending.EmailLinks(e, tracked), Path: sending.PathBroadcast}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
