package broadcast_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/service/broadcast"
	"github.com/bittucreator/unosend-sub001/internal/service/quota"
)

// memRepo is an in-memory broadcast repository for unit testing.
type memRepo struct {
	mu         sync.Mutex
	broadcasts map[string]*domain.Broadcast
	contacts   map[string][]domain.Contact
	recipients map[string][]*domain.BroadcastRecipient
	batches    []int
	progress   int
	onProgress func(n int)
}

func newMemRepo() *memRepo {
	return &memRepo{
		broadcasts: map[string]*domain.Broadcast{},
		contacts:   map[string][]domain.Contact{},
		recipients: map[string][]*domain.BroadcastRecipient{},
	}
}

func (m *memRepo) put(b domain.Broadcast) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts[b.ID] = &b
}

func (m *memRepo) addContacts(audienceID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.contacts[audienceID] = append(m.contacts[audienceID], domain.Contact{
			ID:         fmt.Sprintf("c-%03d", i),
			AudienceID: audienceID,
			Email:      fmt.Sprintf("user%03d@example.com", i),
			FirstName:  fmt.Sprintf("User%d", i),
			Subscribed: true,
		})
	}
}

func (m *memRepo) snapshot(id string) domain.Broadcast {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.broadcasts[id]
}

func (m *memRepo) recipientCounts(id string) map[domain.RecipientStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[domain.RecipientStatus]int{}
	for _, r := range m.recipients[id] {
		out[r.Status]++
	}
	return out
}

func (m *memRepo) Get(_ context.Context, orgID, id string) (*domain.Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok || b.OrganizationID != orgID {
		return nil, broadcast.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memRepo) GetByID(_ context.Context, id string) (*domain.Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return nil, broadcast.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memRepo) ListSubscribedContacts(_ context.Context, _, audienceID string) ([]domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Contact
	for _, c := range m.contacts[audienceID] {
		if c.Subscribed {
			out = append(out, c)
		}
	}
	return out, nil
}

func in(st domain.BroadcastStatus, from []domain.BroadcastStatus) bool {
	for _, f := range from {
		if f == st {
			return true
		}
	}
	return false
}

func (m *memRepo) StartSending(_ context.Context, orgID, id string, from []domain.BroadcastStatus, recipients []domain.BroadcastRecipient) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok || b.OrganizationID != orgID || !in(b.Status, from) {
		return false, nil
	}
	b.Status = domain.BroadcastSending
	b.TotalRecipients = len(recipients)
	b.UpdatedAt = time.Now()
	rows := make([]*domain.BroadcastRecipient, len(recipients))
	for i := range recipients {
		r := recipients[i]
		rows[i] = &r
	}
	m.recipients[id] = rows
	return true, nil
}

func (m *memRepo) PendingRecipients(_ context.Context, broadcastID string, limit int) ([]domain.BroadcastRecipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := append([]*domain.BroadcastRecipient(nil), m.recipients[broadcastID]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })
	var out []domain.BroadcastRecipient
	for _, r := range rows {
		if len(out) == limit {
			break
		}
		if r.Status == domain.RecipientPending {
			out = append(out, *r)
		}
	}
	if len(out) > 0 {
		m.batches = append(m.batches, len(out))
	}
	return out, nil
}

func (m *memRepo) MarkRecipient(_ context.Context, broadcastID, contactID string, status domain.RecipientStatus, emailID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recipients[broadcastID] {
		if r.ContactID == contactID && r.Status == domain.RecipientPending {
			r.Status, r.EmailID, r.Error = status, emailID, errMsg
		}
	}
	return nil
}

func (m *memRepo) FailPending(_ context.Context, broadcastID, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recipients[broadcastID] {
		if r.Status == domain.RecipientPending {
			r.Status, r.Error = domain.RecipientFailed, reason
			n++
		}
	}
	return n, nil
}

func (m *memRepo) CountRecipients(_ context.Context, broadcastID string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sent, failed := 0, 0
	for _, r := range m.recipients[broadcastID] {
		switch r.Status {
		case domain.RecipientSent:
			sent++
		case domain.RecipientFailed:
			failed++
		}
	}
	return sent, failed, nil
}

func (m *memRepo) UpdateProgress(_ context.Context, id string, sent, failed int) error {
	m.mu.Lock()
	b := m.broadcasts[id]
	b.SentCount, b.FailedCount = sent, failed
	b.UpdatedAt = time.Now()
	m.progress++
	n, hook := m.progress, m.onProgress
	m.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (m *memRepo) Finish(_ context.Context, id string, status domain.BroadcastStatus, sent, failed int, at time.Time, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.broadcasts[id]
	if b.Status != domain.BroadcastSending {
		return false, nil
	}
	b.Status, b.SentCount, b.FailedCount, b.Error = status, sent, failed, errMsg
	if status == domain.BroadcastSent {
		b.SentAt = &at
	}
	return true, nil
}

func (m *memRepo) Transition(_ context.Context, orgID, id string, from []domain.BroadcastStatus, to domain.BroadcastStatus, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok || b.OrganizationID != orgID || !in(b.Status, from) {
		return false, nil
	}
	b.Status, b.Error = to, errMsg
	return true, nil
}

func (m *memRepo) SetSchedule(_ context.Context, orgID, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok || b.OrganizationID != orgID || !in(b.Status, []domain.BroadcastStatus{domain.BroadcastDraft, domain.BroadcastScheduled}) {
		return false, nil
	}
	b.Status = domain.BroadcastScheduled
	b.ScheduledAt = &at
	return true, nil
}

func (m *memRepo) RecordError(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts[id].Error = errMsg
	return nil
}

func (m *memRepo) ListStale(_ context.Context, before time.Time, limit int) ([]domain.Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Broadcast
	for _, b := range m.broadcasts {
		if len(out) < limit && b.Status == domain.BroadcastSending && b.UpdatedAt.Before(before) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *memRepo) IncrementResume(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.broadcasts[id]
	b.ResumeCount++
	b.UpdatedAt = time.Now()
	return b.ResumeCount, nil
}

func (m *memRepo) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Broadcast
	for _, b := range m.broadcasts {
		if len(out) < limit && b.Status == domain.BroadcastScheduled && b.ScheduledAt != nil && !b.ScheduledAt.After(now) {
			out = append(out, *b)
		}
	}
	return out, nil
}

// fakeQuota is a usage counter with a fixed limit that reports rejections
// the way the quota service does.
type fakeQuota struct {
	mu       sync.Mutex
	used     int
	limit    int
	released int
}

func (q *fakeQuota) Reserve(_ context.Context, _ string, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used+n > q.limit {
		return &quota.LimitError{Plan: "free", Current: q.used, Limit: q.limit, Remaining: q.limit - q.used, Requested: n, Exceeded: q.used >= q.limit}
	}
	q.used += n
	return nil
}

func (q *fakeQuota) Release(_ context.Context, _ string, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.used -= n
	q.released += n
}

func (q *fakeQuota) state() (used, released int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used, q.released
}

// fakeQueue records enqueued broadcast IDs.
type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeQueue) Enqueue(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return true
}

func (f *fakeQueue) enqueued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}
