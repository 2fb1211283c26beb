// Package broadcast runs one-to-many campaigns: the status state machine,
// the recipient snapshot, batched concurrent delivery through the send
// path, progress accounting and recovery of abandoned runs.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
	"github.com/bittucreator/unosend-sub001/internal/service/quota"
)

// QuotaReserver takes and refunds monthly quota units.
type QuotaReserver interface {
	Reserve(ctx context.Context, orgID string, n int) error
	Release(ctx context.Context, orgID string, n int)
}

// Enqueuer hands a sending broadcast to the worker pool.
type Enqueuer interface {
	Enqueue(broadcastID string) bool
}

// TriggerResult is returned once the broadcast has moved to sending.
type TriggerResult struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	TotalRecipients int    `json:"total_recipients"`
}

// Service implements the broadcast state machine. Delivery itself runs on
// the Dispatcher.
type Service struct {
	repo  Repository
	quota QuotaReserver
	queue Enqueuer
	now   func() time.Time
}

// NewService creates a broadcast service.
func NewService(repo Repository, reserver QuotaReserver, queue Enqueuer) *Service {
	return &Service{repo: repo, quota: reserver, queue: queue, now: time.Now}
}

// Get returns a single broadcast, used for status polling.
func (s *Service) Get(ctx context.Context, orgID, id string) (*domain.Broadcast, error) {
	return s.repo.Get(ctx, orgID, id)
}

// triggerable lists the statuses a broadcast may start sending from.
var triggerable = []domain.BroadcastStatus{domain.BroadcastDraft, domain.BroadcastScheduled}

func statusError(st domain.BroadcastStatus) error {
	switch st {
	case domain.BroadcastDraft, domain.BroadcastScheduled:
		return nil
	case domain.BroadcastSending:
		return ErrAlreadySending
	case domain.BroadcastSent:
		return ErrAlreadySent
	}
	return fmt.Errorf("%w: broadcast is %s", ErrInvalidTransition, st)
}

// Trigger snapshots the audience, reserves quota for every recipient and
// moves the broadcast to sending. Delivery continues on the worker pool;
// Trigger returns as soon as the job is queued. Every rejection happens
// before any side effect.
func (s *Service) Trigger(ctx context.Context, orgID, id string) (*TriggerResult, error) {
	b, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if err := statusError(b.Status); err != nil {
		return nil, err
	}
	if b.AudienceID == "" {
		return nil, ErrNoAudience
	}
	if !b.HasContent() {
		return nil, ErrNoContent
	}

	contacts, err := s.repo.ListSubscribedContacts(ctx, orgID, b.AudienceID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	if len(contacts) == 0 {
		return nil, ErrNoSubscribers
	}

	n := len(contacts)
	if err := s.quota.Reserve(ctx, orgID, n); err != nil {
		return nil, err
	}

	ok, err := s.repo.StartSending(ctx, orgID, id, triggerable, snapshot(id, contacts))
	if err != nil {
		s.quota.Release(ctx, orgID, n)
		return nil, fmt.Errorf("start sending: %w", err)
	}
	if !ok {
		s.quota.Release(ctx, orgID, n)
		return nil, s.conflict(ctx, orgID, id)
	}

	logger.Info("broadcast: sending started", "broadcast_id", id, "recipients", n)
	if !s.queue.Enqueue(id) {
		logger.Warn("broadcast: job queue full, recovery will pick it up", "broadcast_id", id)
	}
	return &TriggerResult{ID: id, Status: string(domain.BroadcastSending), TotalRecipients: n}, nil
}

// conflict explains a lost compare-and-set by re-reading the status.
func (s *Service) conflict(ctx context.Context, orgID, id string) error {
	cur, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if err := statusError(cur.Status); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func snapshot(broadcastID string, contacts []domain.Contact) []domain.BroadcastRecipient {
	out := make([]domain.BroadcastRecipient, len(contacts))
	for i, c := range contacts {
		out[i] = domain.BroadcastRecipient{
			BroadcastID: broadcastID,
			ContactID:   c.ID,
			Email:       c.Email,
			FirstName:   c.FirstName,
			LastName:    c.LastName,
			Position:    i,
			Status:      domain.RecipientPending,
		}
	}
	return out
}

// Schedule sets a future send time on a draft or scheduled broadcast.
func (s *Service) Schedule(ctx context.Context, orgID, id string, at time.Time) (*domain.Broadcast, error) {
	if !at.After(s.now()) {
		return nil, ErrScheduleInPast
	}
	b, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if err := statusError(b.Status); err != nil {
		return nil, err
	}

	ok, err := s.repo.SetSchedule(ctx, orgID, id, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("schedule broadcast: %w", err)
	}
	if !ok {
		return nil, s.conflict(ctx, orgID, id)
	}
	return s.repo.Get(ctx, orgID, id)
}

// Cancel stops a scheduled broadcast. Only scheduled broadcasts can be
// cancelled.
func (s *Service) Cancel(ctx context.Context, orgID, id string) (*domain.Broadcast, error) {
	ok, err := s.repo.Transition(ctx, orgID, id,
		[]domain.BroadcastStatus{domain.BroadcastScheduled}, domain.BroadcastCancelled, "")
	if err != nil {
		return nil, fmt.Errorf("cancel broadcast: %w", err)
	}
	b, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: only scheduled broadcasts can be cancelled, broadcast is %s", ErrInvalidTransition, b.Status)
	}
	return b, nil
}

// Fail is the operator override for a stuck sending broadcast. The worker
// notices at its next batch boundary and stops; recipients not yet sent
// are marked failed and their quota is refunded.
func (s *Service) Fail(ctx context.Context, orgID, id, reason string) (*domain.Broadcast, error) {
	if reason == "" {
		reason = "marked failed by operator"
	}
	ok, err := s.repo.Transition(ctx, orgID, id,
		[]domain.BroadcastStatus{domain.BroadcastSending}, domain.BroadcastFailed, reason)
	if err != nil {
		return nil, fmt.Errorf("fail broadcast: %w", err)
	}
	b, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: only sending broadcasts can be failed, broadcast is %s", ErrInvalidTransition, b.Status)
	}

	released, err := abandonPending(ctx, s.repo, s.quota, b, reason)
	if err != nil {
		logger.Error("broadcast: abandon pending recipients", "broadcast_id", id, "error", err)
	}
	logger.Warn("broadcast: marked failed", "broadcast_id", id, "reason", reason, "released", released)
	return b, nil
}

// abandonPending fails every pending recipient and refunds their quota.
func abandonPending(ctx context.Context, repo Repository, reserver QuotaReserver, b *domain.Broadcast, reason string) (int, error) {
	n, err := repo.FailPending(ctx, b.ID, reason)
	if err != nil {
		return 0, err
	}
	reserver.Release(ctx, b.OrganizationID, n)
	return n, nil
}

// TriggerDue starts scheduled broadcasts whose time has come. A broadcast
// that cannot start (no subscribers, no quota) is moved to failed with the
// reason; store errors leave it scheduled for the next pass.
func (s *Service) TriggerDue(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.ListDue(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due broadcasts: %w", err)
	}

	started := 0
	for _, b := range due {
		_, err := s.Trigger(ctx, b.OrganizationID, b.ID)
		switch {
		case err == nil:
			started++
		case IsStateConflict(err):
			// someone else started or cancelled it
		case IsValidation(err), errors.Is(err, quota.ErrLimitExceeded):
			if _, terr := s.repo.Transition(ctx, b.OrganizationID, b.ID,
				[]domain.BroadcastStatus{domain.BroadcastScheduled}, domain.BroadcastFailed, err.Error()); terr != nil {
				logger.Error("broadcast: fail scheduled broadcast", "broadcast_id", b.ID, "error", terr)
			}
			logger.Warn("broadcast: scheduled broadcast could not start", "broadcast_id", b.ID, "error", err)
		default:
			logger.Error("broadcast: trigger scheduled broadcast", "broadcast_id", b.ID, "error", err)
		}
	}
	return started, nil
}
