// Package quota enforces monthly per-organization sending limits and keeps
// the usage counters.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
)

// DefaultLimits are the monthly caps per plan.
var DefaultLimits = map[domain.Plan]int{
	domain.PlanFree:       5000,
	domain.PlanPro:        50000,
	domain.PlanScale:      200000,
	domain.PlanEnterprise: domain.Unlimited,
}

// Usage is the organization's standing for the current month.
type Usage struct {
	Allowed   bool        `json:"allowed"`
	Current   int         `json:"current"`
	Limit     int         `json:"limit"`
	Plan      domain.Plan `json:"plan"`
	Remaining int         `json:"remaining"`
}

// Service checks and reserves quota. Reservations are atomic in the Store,
// so concurrent broadcasts and instances cannot overshoot a limit.
type Service struct {
	store  Store
	limits map[domain.Plan]int
	now    func() time.Time
}

// NewService returns a Service. limits overrides DefaultLimits per plan name.
func NewService(store Store, limits map[string]int) *Service {
	merged := make(map[domain.Plan]int, len(DefaultLimits))
	for p, l := range DefaultLimits {
		merged[p] = l
	}
	for p, l := range limits {
		merged[domain.Plan(p)] = l
	}
	return &Service{store: store, limits: merged, now: time.Now}
}

// plan resolves the effective plan and limit. A paid plan whose
// subscription is not active sends nothing.
func (s *Service) plan(ctx context.Context, orgID string) (domain.Plan, int, bool, error) {
	sub, err := s.store.GetSubscription(ctx, orgID)
	if errors.Is(err, ErrNoSubscription) {
		return domain.PlanFree, s.limits[domain.PlanFree], true, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("get subscription: %w", err)
	}

	plan := sub.Plan
	limit, ok := s.limits[plan]
	if !ok {
		plan, limit = domain.PlanFree, s.limits[domain.PlanFree]
	}
	if plan != domain.PlanFree && sub.Status != "active" {
		return domain.PlanFree, s.limits[domain.PlanFree], false, nil
	}
	return plan, limit, true, nil
}

// CheckUsageLimit reports the organization's current-month standing.
func (s *Service) CheckUsageLimit(ctx context.Context, orgID string) (*Usage, error) {
	plan, limit, active, err := s.plan(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !active {
		return &Usage{Allowed: false, Limit: limit, Plan: plan}, nil
	}
	if limit == domain.Unlimited {
		return &Usage{Allowed: true, Limit: domain.Unlimited, Plan: plan, Remaining: domain.Unlimited}, nil
	}

	start, _ := domain.MonthBounds(s.now())
	current, err := s.store.CurrentUsage(ctx, orgID, start)
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return &Usage{
		Allowed:   current < limit,
		Current:   current,
		Limit:     limit,
		Plan:      plan,
		Remaining: max(limit-current, 0),
	}, nil
}

// Reserve takes n units of the current month's quota or returns a
// *LimitError. Reserved units count as sent; Release refunds failures.
func (s *Service) Reserve(ctx context.Context, orgID string, n int) error {
	if n <= 0 {
		return nil
	}
	plan, limit, active, err := s.plan(ctx, orgID)
	if err != nil {
		return err
	}
	if !active {
		return &LimitError{Plan: string(plan), Limit: limit, Requested: n, Exceeded: true}
	}

	start, end := domain.MonthBounds(s.now())
	ok, current, err := s.store.Reserve(ctx, orgID, start, end, n, limit)
	if err != nil {
		return fmt.Errorf("reserve quota: %w", err)
	}
	if ok {
		return nil
	}

	logger.Info("quota: reservation rejected", "org_id", orgID, "requested", n, "current", current, "limit", limit)
	return &LimitError{
		Plan:      string(plan),
		Current:   current,
		Limit:     limit,
		Remaining: max(limit-current, 0),
		Requested: n,
		Exceeded:  current >= limit,
	}
}

// Release refunds n units. Errors are logged; a lost refund only
// undercounts remaining quota.
func (s *Service) Release(ctx context.Context, orgID string, n int) {
	if n <= 0 {
		return
	}
	start, _ := domain.MonthBounds(s.now())
	if err := s.store.Release(ctx, orgID, start, n); err != nil {
		logger.Error("quota: release", "org_id", orgID, "units", n, "error", err)
	}
}

// IncrementStat bumps one usage counter for the current month.
func (s *Service) IncrementStat(ctx context.Context, orgID string, stat domain.UsageStat) error {
	if !stat.Valid() {
		return fmt.Errorf("unknown usage stat %q", stat)
	}
	start, end := domain.MonthBounds(s.now())
	if err := s.store.IncrementStat(ctx, orgID, start, end, stat); err != nil {
		return fmt.Errorf("increment %s: %w", stat, err)
	}
	return nil
}
