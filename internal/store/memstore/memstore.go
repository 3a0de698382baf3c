// Package memstore is an in-memory store.Repository with the same atomic
// transition semantics as the SQL store. It backs service tests and local runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-routing/internal/models"
	"order-routing/internal/store"
)

type groupID struct {
	orderID int64
	key     string
}

type Store struct {
	mu sync.Mutex

	orders      map[int64]models.Order
	nextOrderID int64
	vendors     map[int64]models.VendorOffer
	reliability map[int64]models.VendorReliability

	groups      map[groupID]models.RoutingGroup
	acceptances map[string]models.AcceptanceRequest
	logs        []models.RoutingLogEntry
	logIDs      map[string]bool
	alerts      []models.AdminAlert
	alertIDs    map[string]bool

	workflows   map[string]models.WorkflowCheckpoint
	webhooks    map[string]models.WebhookEvent
	processed   map[string]models.ProcessedEvent
	deadLetters map[string]models.DeadLetterJob
	recovery    map[int64]models.OrderRecoveryState

	// errors injected by FailNext, keyed by method name
	failNext map[string]error
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		orders:      make(map[int64]models.Order),
		vendors:     make(map[int64]models.VendorOffer),
		reliability: make(map[int64]models.VendorReliability),
		groups:      make(map[groupID]models.RoutingGroup),
		acceptances: make(map[string]models.AcceptanceRequest),
		logIDs:      make(map[string]bool),
		alertIDs:    make(map[string]bool),
		workflows:   make(map[string]models.WorkflowCheckpoint),
		webhooks:    make(map[string]models.WebhookEvent),
		processed:   make(map[string]models.ProcessedEvent),
		deadLetters: make(map[string]models.DeadLetterJob),
		recovery:    make(map[int64]models.OrderRecoveryState),
		failNext:    make(map[string]error),
	}
}

// FailNext makes the next call to method fail with err.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[method] = err
}

// injected must be called with the lock held.
func (s *Store) injected(method string) error {
	err, ok := s.failNext[method]
	if !ok {
		return nil
	}
	delete(s.failNext, method)
	return err
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Seeding helpers.

func (s *Store) AddOrder(order models.Order) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.ID == 0 {
		s.nextOrderID++
		order.ID = s.nextOrderID
	} else if order.ID > s.nextOrderID {
		s.nextOrderID = order.ID
	}
	if order.Status == "" {
		order.Status = models.OrderStatusCreated
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	order.Items = append([]models.OrderItem(nil), order.Items...)
	s.orders[order.ID] = order
	return order
}

func (s *Store) AddVendor(offer models.VendorOffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stock := make(map[int64]models.ProductStock, len(offer.Stock))
	for k, v := range offer.Stock {
		stock[k] = v
	}
	offer.Stock = stock
	s.vendors[offer.ID] = offer
}

func (s *Store) SetReliability(r models.VendorReliability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reliability[r.VendorID] = r
}

// OrderStore

func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	o.Items = append([]models.OrderItem(nil), o.Items...)
	return &o, nil
}

func (s *Store) TransitionOrder(ctx context.Context, id int64, from []string, to string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("TransitionOrder"); err != nil {
		return false, err
	}
	o, ok := s.orders[id]
	if !ok || !contains(from, o.Status) {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = now
	s.orders[id] = o
	return true, nil
}

func (s *Store) ListStuckOrders(ctx context.Context, statuses []string, updatedBefore time.Time, limit int) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if contains(statuses, o.Status) && o.UpdatedAt.Before(updatedBefore) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// VendorStore

func (s *Store) ListVendorOffers(ctx context.Context, productIDs []int64) ([]models.VendorOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListVendorOffers"); err != nil {
		return nil, err
	}
	wanted := make(map[int64]bool, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = true
	}
	var out []models.VendorOffer
	for _, v := range s.vendors {
		stock := make(map[int64]models.ProductStock)
		for pid, st := range v.Stock {
			if wanted[pid] {
				stock[pid] = st
			}
		}
		if len(stock) == 0 {
			continue
		}
		offer := v
		offer.Stock = stock
		out = append(out, offer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetVendor(ctx context.Context, id int64) (*models.Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vendors[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	vendor := v.Vendor
	return &vendor, nil
}

func (s *Store) VendorReliability(ctx context.Context, vendorIDs []int64) (map[int64]models.VendorReliability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]models.VendorReliability, len(vendorIDs))
	for _, id := range vendorIDs {
		if r, ok := s.reliability[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

// RoutingGroupStore

func (s *Store) EnsureGroups(ctx context.Context, groups []models.RoutingGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("EnsureGroups"); err != nil {
		return err
	}
	for _, g := range groups {
		id := groupID{g.OrderID, g.GroupKey}
		if _, ok := s.groups[id]; ok {
			continue
		}
		g.Items = append([]models.OrderItem(nil), g.Items...)
		s.groups[id] = g
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, orderID int64, key string) (*models.RoutingGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID{orderID, key}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &g, nil
}

func (s *Store) ListGroups(ctx context.Context, orderID int64) ([]models.RoutingGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RoutingGroup
	for id, g := range s.groups {
		if id.orderID == orderID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupKey < out[j].GroupKey })
	return out, nil
}

func (s *Store) TransitionGroup(ctx context.Context, orderID int64, key string, from []string, to, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("TransitionGroup"); err != nil {
		return false, err
	}
	id := groupID{orderID, key}
	g, ok := s.groups[id]
	if !ok || !contains(from, g.Status) {
		return false, nil
	}
	g.Status = to
	g.FailureReason = reason
	g.UpdatedAt = now
	s.groups[id] = g
	return true, nil
}

func (s *Store) ListOpenGroups(ctx context.Context, updatedBefore time.Time, limit int) ([]models.RoutingGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RoutingGroup
	for _, g := range s.groups {
		if !g.IsTerminal() && g.UpdatedAt.Before(updatedBefore) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		if a.OrderID != b.OrderID {
			return a.OrderID < b.OrderID
		}
		return a.GroupKey < b.GroupKey
	})
	return truncate(out, limit), nil
}

// AcceptanceStore

func (s *Store) CreatePendingAcceptance(ctx context.Context, req *models.AcceptanceRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreatePendingAcceptance"); err != nil {
		return err
	}
	if _, ok := s.acceptances[req.ID]; ok {
		return fmt.Errorf("%w: acceptance %s exists", store.ErrConflict, req.ID)
	}
	for _, existing := range s.acceptances {
		if existing.OrderID != req.OrderID || existing.GroupKey != req.GroupKey {
			continue
		}
		if existing.AttemptNumber == req.AttemptNumber {
			return fmt.Errorf("%w: attempt %d exists", store.ErrConflict, req.AttemptNumber)
		}
		if existing.Status == models.AcceptanceStatusPending {
			return fmt.Errorf("%w: pending request %s exists", store.ErrConflict, existing.ID)
		}
	}
	req.Status = models.AcceptanceStatusPending
	s.acceptances[req.ID] = *req
	return nil
}

func (s *Store) GetAcceptance(ctx context.Context, id string) (*models.AcceptanceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetAcceptance"); err != nil {
		return nil, err
	}
	req, ok := s.acceptances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &req, nil
}

func (s *Store) ListAcceptancesByOrder(ctx context.Context, orderID int64) ([]models.AcceptanceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListAcceptancesByOrder"); err != nil {
		return nil, err
	}
	var out []models.AcceptanceRequest
	for _, req := range s.acceptances {
		if req.OrderID == orderID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupKey != out[j].GroupKey {
			return out[i].GroupKey < out[j].GroupKey
		}
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out, nil
}

func (s *Store) TransitionAcceptance(ctx context.Context, id, from, to, actor string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("TransitionAcceptance"); err != nil {
		return false, err
	}
	req, ok := s.acceptances[id]
	if !ok || req.Status != from {
		return false, nil
	}
	req.Status = to
	req.RespondedBy = actor
	req.UpdatedAt = now
	if to == models.AcceptanceStatusAccepted || to == models.AcceptanceStatusRejected {
		at := now
		req.RespondedAt = &at
	}
	s.acceptances[id] = req
	return true, nil
}

func (s *Store) SupersedeOutstanding(ctx context.Context, orderID int64, key, exceptID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, req := range s.acceptances {
		if req.OrderID == orderID && req.GroupKey == key && id != exceptID && req.Status == models.AcceptanceStatusPending {
			req.Status = models.AcceptanceStatusSuperseded
			req.UpdatedAt = now
			s.acceptances[id] = req
			n++
		}
	}
	return n, nil
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.AcceptanceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListExpiredPending"); err != nil {
		return nil, err
	}
	var out []models.AcceptanceRequest
	for _, req := range s.acceptances {
		if req.Status == models.AcceptanceStatusPending && req.ExpiresAt.Before(now) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

// RoutingLogStore

func (s *Store) AppendRoutingLog(ctx context.Context, entry *models.RoutingLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("AppendRoutingLog"); err != nil {
		return err
	}
	if s.logIDs[entry.ID] {
		return nil
	}
	e := *entry
	e.Candidates = cloneBytes(e.Candidates)
	s.logIDs[e.ID] = true
	s.logs = append(s.logs, e)
	return nil
}

func (s *Store) ListRoutingLogs(ctx context.Context, orderID int64) ([]models.RoutingLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RoutingLogEntry
	for _, e := range s.logs {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// AlertStore

func (s *Store) CreateAlert(ctx context.Context, alert *models.AdminAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alertIDs[alert.ID] {
		return nil
	}
	s.alertIDs[alert.ID] = true
	s.alerts = append(s.alerts, *alert)
	return nil
}

func (s *Store) ListAlerts(ctx context.Context, orderID int64) ([]models.AdminAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AdminAlert
	for _, a := range s.alerts {
		if a.OrderID == orderID {
			out = append(out, a)
		}
	}
	return out, nil
}
