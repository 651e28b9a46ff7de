// Package memory provides an in-memory entitlement store for tests and
// single-process development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/subsync-io/subsync/internal/domain"
)

// EntitlementStore implements domain.EntitlementStore in memory.
type EntitlementStore struct {
	mu      sync.RWMutex
	records map[string]*domain.EntitlementRecord
	events  map[string]string // provider:event_id -> event_type
}

var _ domain.EntitlementStore = (*EntitlementStore)(nil)

// NewEntitlementStore creates an empty in-memory store.
func NewEntitlementStore() *EntitlementStore {
	return &EntitlementStore{
		records: make(map[string]*domain.EntitlementRecord),
		events:  make(map[string]string),
	}
}

func (s *EntitlementStore) Get(ctx context.Context, userID string) (*domain.EntitlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, domain.ErrEntitlementNotFound
	}
	return copyRecord(rec), nil
}

func (s *EntitlementStore) Create(ctx context.Context, userID string) (*domain.EntitlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[userID]; ok {
		return copyRecord(rec), nil
	}

	rec := &domain.EntitlementRecord{
		UserID:             userID,
		Plan:               domain.PlanFree,
		SubscriptionStatus: domain.StatusNone,
		UpdatedAt:          time.Now().UTC(),
	}
	s.records[userID] = rec
	return copyRecord(rec), nil
}

func (s *EntitlementStore) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*domain.EntitlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec.ExternalSubscriptionID == subscriptionID && subscriptionID != "" {
			return copyRecord(rec), nil
		}
	}
	return nil, domain.ErrEntitlementNotFound
}

func (s *EntitlementStore) FindByCustomerID(ctx context.Context, customerID string) ([]*domain.EntitlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.EntitlementRecord
	for _, rec := range s.records {
		if rec.ExternalCustomerID == customerID && customerID != "" {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *EntitlementStore) SetCustomerID(ctx context.Context, userID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return domain.ErrEntitlementNotFound
	}
	if rec.ExternalCustomerID != "" && rec.ExternalCustomerID != customerID {
		return domain.ErrCustomerIDConflict
	}
	rec.ExternalCustomerID = customerID
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *EntitlementStore) ApplyBilling(ctx context.Context, snap domain.BillingSnapshot) (*domain.EntitlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[snap.UserID]
	if !ok {
		rec = &domain.EntitlementRecord{UserID: snap.UserID}
		s.records[snap.UserID] = rec
	}

	// Full billing-derived field set, grace left untouched.
	rec.ExternalCustomerID = snap.ExternalCustomerID
	rec.ExternalSubscriptionID = snap.ExternalSubscriptionID
	rec.Plan = snap.Plan
	rec.SubscriptionStatus = snap.SubscriptionStatus
	rec.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	rec.CurrentPeriodEnd = copyTime(snap.CurrentPeriodEnd)
	rec.UpdatedAt = time.Now().UTC()

	return copyRecord(rec), nil
}

func (s *EntitlementStore) SetGrace(ctx context.Context, userID string, until *time.Time) (*domain.EntitlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, domain.ErrEntitlementNotFound
	}
	rec.GraceUntil = copyTime(until)
	rec.UpdatedAt = time.Now().UTC()
	return copyRecord(rec), nil
}

func (s *EntitlementStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.EntitlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.EntitlementRecord
	for _, rec := range s.records {
		if rec.ExternalSubscriptionID != "" && rec.UpdatedAt.Before(cutoff) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *EntitlementStore) MarkEventProcessed(ctx context.Context, provider, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := provider + ":" + eventID
	if _, seen := s.events[key]; seen {
		return false, nil
	}
	s.events[key] = eventType
	return true, nil
}

func (s *EntitlementStore) UnmarkEventProcessed(ctx context.Context, provider, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, provider+":"+eventID)
	return nil
}

// Seed installs a record directly, bypassing invariants. Tests only.
func (s *EntitlementStore) Seed(rec *domain.EntitlementRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = copyRecord(rec)
}

func copyRecord(rec *domain.EntitlementRecord) *domain.EntitlementRecord {
	out := *rec
	out.CurrentPeriodEnd = copyTime(rec.CurrentPeriodEnd)
	out.GraceUntil = copyTime(rec.GraceUntil)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
