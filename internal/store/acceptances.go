package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-routing/internal/models"
)

const groupColumns = `order_id, group_key, items, status, failure_reason, created_at, updated_at`

func (s *Store) EnsureGroups(ctx context.Context, groups []models.RoutingGroup) error {
	for i := range groups {
		g := &groups[i]
		items, err := json.Marshal(g.Items)
		if err != nil {
			return fmt.Errorf("encode group items: %w", err)
		}
		_, err = s.exec(ctx, `
			INSERT INTO routing_groups (`+groupColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (order_id, group_key) DO NOTHING`,
			g.OrderID, g.GroupKey, items, g.Status, g.FailureReason, utc(g.CreatedAt), utc(g.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert routing group %s: %w", g.GroupKey, err)
		}
	}
	return nil
}

func decodeGroups(groups []models.RoutingGroup) error {
	for i := range groups {
		if err := json.Unmarshal(groups[i].ItemsJSON, &groups[i].Items); err != nil {
			return fmt.Errorf("decode group items: %w", err)
		}
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, orderID int64, key string) (*models.RoutingGroup, error) {
	var g models.RoutingGroup
	if err := s.get(ctx, &g, `SELECT `+groupColumns+` FROM routing_groups WHERE order_id = ? AND group_key = ?`, orderID, key); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(g.ItemsJSON, &g.Items); err != nil {
		return nil, fmt.Errorf("decode group items: %w", err)
	}
	return &g, nil
}

func (s *Store) ListGroups(ctx context.Context, orderID int64) ([]models.RoutingGroup, error) {
	var groups []models.RoutingGroup
	if err := s.selectAll(ctx, &groups,
		`SELECT `+groupColumns+` FROM routing_groups WHERE order_id = ? ORDER BY group_key`, orderID); err != nil {
		return nil, err
	}
	return groups, decodeGroups(groups)
}

func (s *Store) TransitionGroup(ctx context.Context, orderID int64, key string, from []string, to, reason string, now time.Time) (bool, error) {
	n, err := s.execIn(ctx, `
		UPDATE routing_groups SET status = ?, failure_reason = ?, updated_at = ?
		WHERE order_id = ? AND group_key = ? AND status IN (?)`,
		to, reason, utc(now), orderID, key, from)
	return n > 0, err
}

func (s *Store) ListOpenGroups(ctx context.Context, updatedBefore time.Time, limit int) ([]models.RoutingGroup, error) {
	var groups []models.RoutingGroup
	if err := s.selectAll(ctx, &groups, `
		SELECT `+groupColumns+` FROM routing_groups
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY updated_at, order_id, group_key LIMIT ?`,
		models.GroupStatusRouting, models.GroupStatusVendorAssigned, utc(updatedBefore), limit); err != nil {
		return nil, err
	}
	return groups, decodeGroups(groups)
}

const acceptanceColumns = `id, order_id, group_key, vendor_id, status, attempt_number,
	created_at, expires_at, responded_at, responded_by, updated_at`

// CreatePendingAcceptance relies on the primary key, the (order, group, attempt)
// unique index and the partial unique index on PENDING rows.
func (s *Store) CreatePendingAcceptance(ctx context.Context, req *models.AcceptanceRequest) error {
	req.Status = models.AcceptanceStatusPending
	_, err := s.exec(ctx, `
		INSERT INTO acceptance_requests (`+acceptanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.OrderID, req.GroupKey, req.VendorID, req.Status, req.AttemptNumber,
		utc(req.CreatedAt), utc(req.ExpiresAt), nil, "", utc(req.UpdatedAt))
	return err
}

func (s *Store) GetAcceptance(ctx context.Context, id string) (*models.AcceptanceRequest, error) {
	var req models.AcceptanceRequest
	if err := s.get(ctx, &req, `SELECT `+acceptanceColumns+` FROM acceptance_requests WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Store) ListAcceptancesByOrder(ctx context.Context, orderID int64) ([]models.AcceptanceRequest, error) {
	var reqs []models.AcceptanceRequest
	err := s.selectAll(ctx, &reqs, `
		SELECT `+acceptanceColumns+` FROM acceptance_requests
		WHERE order_id = ? ORDER BY group_key, attempt_number`, orderID)
	return reqs, err
}

func (s *Store) TransitionAcceptance(ctx context.Context, id, from, to, actor string, now time.Time) (bool, error) {
	now = utc(now)
	var respondedAt *time.Time
	if to == models.AcceptanceStatusAccepted || to == models.AcceptanceStatusRejected {
		respondedAt = &now
	}
	n, err := s.exec(ctx, `
		UPDATE acceptance_requests
		SET status = ?, responded_at = COALESCE(?, responded_at), responded_by = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, respondedAt, actor, now, id, from)
	return n > 0, err
}

func (s *Store) SupersedeOutstanding(ctx context.Context, orderID int64, key, exceptID string, now time.Time) (int64, error) {
	return s.exec(ctx, `
		UPDATE acceptance_requests SET status = ?, updated_at = ?
		WHERE order_id = ? AND group_key = ? AND id <> ? AND status = ?`,
		models.AcceptanceStatusSuperseded, utc(now), orderID, key, exceptID, models.AcceptanceStatusPending)
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.AcceptanceRequest, error) {
	var reqs []models.AcceptanceRequest
	err := s.selectAll(ctx, &reqs, `
		SELECT `+acceptanceColumns+` FROM acceptance_requests
		WHERE status = ? AND expires_at < ?
		ORDER BY expires_at, id LIMIT ?`,
		models.AcceptanceStatusPending, utc(now), limit)
	return reqs, err
}

func (s *Store) AppendRoutingLog(ctx context.Context, entry *models.RoutingLogEntry) error {
	candidates := entry.CandidatesJSON
	if candidates == nil && entry.Candidates != nil {
		candidates = []byte(entry.Candidates)
	}
	_, err := s.exec(ctx, `
		INSERT INTO routing_logs (id, order_id, group_key, attempt_number, event, vendor_id,
			candidates, override_by, override_reason, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.OrderID, entry.GroupKey, entry.AttemptNumber, entry.Event, entry.VendorID,
		candidates, entry.OverrideBy, entry.OverrideReason, entry.Message, utc(entry.CreatedAt))
	return err
}

func (s *Store) ListRoutingLogs(ctx context.Context, orderID int64) ([]models.RoutingLogEntry, error) {
	var entries []models.RoutingLogEntry
	if err := s.selectAll(ctx, &entries, `
		SELECT id, order_id, group_key, attempt_number, event, vendor_id, candidates,
			override_by, override_reason, message, created_at
		FROM routing_logs WHERE order_id = ?
		ORDER BY created_at, group_key, attempt_number, id`, orderID); err != nil {
		return nil, err
	}
	for i := range entries {
		if len(entries[i].CandidatesJSON) > 0 {
			entries[i].Candidates = entries[i].CandidatesJSON
		}
	}
	return entries, nil
}

func (s *Store) CreateAlert(ctx context.Context, alert *models.AdminAlert) error {
	_, err := s.exec(ctx, `
		INSERT INTO admin_alerts (id, order_id, kind, message, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		alert.ID, alert.OrderID, alert.Kind, alert.Message, utc(alert.CreatedAt))
	if errors.Is(err, ErrConflict) {
		return nil
	}
	return err
}

func (s *Store) ListAlerts(ctx context.Context, orderID int64) ([]models.AdminAlert, error) {
	var alerts []models.AdminAlert
	err := s.selectAll(ctx, &alerts, `
		SELECT id, order_id, kind, message, created_at FROM admin_alerts
		WHERE order_id = ? ORDER BY created_at, id`, orderID)
	return alerts, err
}
