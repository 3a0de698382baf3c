package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"order-routing/internal/apperrors"
	"order-routing/internal/models"
	"order-routing/internal/scoring"
	"order-routing/internal/store"
	"order-routing/internal/util"
	"order-routing/internal/workflow"

	"go.uber.org/zap"
)

// Vendor assignment workflow identifiers
const (
	WorkflowVendorAssignment = "vendor_assignment"
	EntityOrder              = "order"

	StepRankVendors      = "rank_vendors"
	StepCreateAcceptance = "create_acceptance"
	StepRecordRoutingLog = "record_routing_log"
	StepNotifyVendor     = "notify_vendor"
)

type overrideChoice struct {
	VendorID int64  `json:"vendor_id"`
	By       string `json:"by"`
	Reason   string `json:"reason"`
}

// assignmentState is the step data of one vendor assignment attempt. The input
// fields are set when the attempt starts; each step fills in its own output.
type assignmentState struct {
	OrderID     int64              `json:"order_id"`
	GroupKey    string             `json:"group_key"`
	Attempt     int                `json:"attempt"`
	Items       []models.OrderItem `json:"items"`
	RetailerLat *float64           `json:"retailer_lat,omitempty"`
	RetailerLng *float64           `json:"retailer_lng,omitempty"`
	Exclude     []int64            `json:"exclude,omitempty"`
	Override    *overrideChoice    `json:"override,omitempty"`
	Reason      string             `json:"reason"`

	Candidates    []models.VendorCandidate `json:"candidates,omitempty"`
	VendorID      int64                    `json:"vendor_id,omitempty"`
	NoVendor      bool                     `json:"no_vendor,omitempty"`
	FailureReason string                   `json:"failure_reason,omitempty"`

	AcceptanceID string     `json:"acceptance_id,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	OrderStatus  string     `json:"order_status,omitempty"`
}

func (r *Router) assignmentWorkflow() workflow.Definition {
	return workflow.Definition{
		Type: WorkflowVendorAssignment,
		Steps: []workflow.Step{
			{Name: StepRankVendors, Run: r.stateStep(r.rankVendors)},
			{Name: StepCreateAcceptance, Run: r.stateStep(r.createAcceptance)},
			{Name: StepRecordRoutingLog, Run: r.stateStep(r.recordRoutingLog)},
			{Name: StepNotifyVendor, Run: r.stateStep(r.notifyVendor)},
		},
	}
}

// stateStep decodes the step data, runs fn and encodes the result. Steps after a
// failed ranking do nothing.
func (r *Router) stateStep(fn func(ctx context.Context, st *assignmentState) error) func(context.Context, []byte) ([]byte, error) {
	return func(ctx context.Context, data []byte) ([]byte, error) {
		var st assignmentState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, apperrors.Permanent("Router.assignment", "decode step data: %v", err)
		}
		if st.NoVendor {
			return data, nil
		}
		if err := fn(ctx, &st); err != nil {
			return nil, err
		}
		return json.Marshal(st)
	}
}

func (r *Router) startAttempt(
	ctx context.Context,
	order *models.Order,
	group models.RoutingGroup,
	attempt int,
	exclude []int64,
	override *overrideChoice,
	reason string,
) (*assignmentState, error) {
	st := assignmentState{
		OrderID:     order.ID,
		GroupKey:    group.GroupKey,
		Attempt:     attempt,
		Items:       group.Items,
		RetailerLat: order.RetailerLat,
		RetailerLng: order.RetailerLng,
		Exclude:     exclude,
		Override:    override,
		Reason:      reason,
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, apperrors.Permanent("Router.startAttempt", "encode step data: %v", err)
	}

	id := workflow.DeterministicID(WorkflowVendorAssignment, order.ID, group.GroupKey, attempt)
	cp, err := r.engine.Start(ctx, id, WorkflowVendorAssignment, EntityOrder, strconv.FormatInt(order.ID, 10), data)
	if cp != nil {
		var out assignmentState
		if jsonErr := json.Unmarshal(cp.StepData, &out); jsonErr == nil {
			return &out, err
		}
	}
	return &st, err
}

func (r *Router) rankVendors(ctx context.Context, st *assignmentState) error {
	const op = "Router.rankVendors"

	start := time.Now()
	offers, err := r.store.ListVendorOffers(ctx, productIDs(st.Items))
	if err != nil {
		return apperrors.Transient(op, err)
	}
	vendorIDs := make([]int64, len(offers))
	for i, o := range offers {
		vendorIDs[i] = o.ID
	}
	reliability, err := r.reliability.VendorReliability(ctx, vendorIDs)
	if err != nil {
		return apperrors.Transient(op, err)
	}

	req := scoring.Request{
		Items:       st.Items,
		Offers:      offers,
		Reliability: reliability,
		Exclude:     make(map[int64]bool, len(st.Exclude)),
	}
	for _, id := range st.Exclude {
		req.Exclude[id] = true
	}
	if st.RetailerLat != nil && st.RetailerLng != nil {
		req.Retailer = &scoring.Location{Lat: *st.RetailerLat, Lng: *st.RetailerLng}
	}
	if st.Override != nil {
		req.OverrideVendorID = st.Override.VendorID
	}

	candidates, err := r.scorer.Rank(req)
	util.VendorScoringLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindNoEligibleVendor {
			return err
		}
		st.NoVendor = true
		reason, alert := err.Error(), models.AlertNoEligibleVendor
		if errors.Is(err, scoring.ErrVendorsExhausted) {
			reason, alert = ReasonAttemptsExhausted, models.AlertAttemptsExhausted
		}
		st.FailureReason = reason
		return r.failGroup(ctx, st.OrderID, st.GroupKey, st.Attempt, reason, alert)
	}

	st.Candidates = candidates
	st.VendorID = candidates[0].VendorID
	r.logger.Debug("Vendors ranked",
		zap.Int64("order_id", st.OrderID),
		zap.String("group", st.GroupKey),
		zap.Int("attempt", st.Attempt),
		zap.Int("candidates", len(candidates)),
		zap.Int64("vendor_id", st.VendorID))
	return nil
}

func (r *Router) createAcceptance(ctx context.Context, st *assignmentState) error {
	const op = "Router.createAcceptance"

	now := r.Now()
	req := models.AcceptanceRequest{
		ID:            workflow.DeterministicID("acceptance", st.OrderID, st.GroupKey, st.Attempt),
		OrderID:       st.OrderID,
		GroupKey:      st.GroupKey,
		VendorID:      st.VendorID,
		AttemptNumber: st.Attempt,
		CreatedAt:     now,
		ExpiresAt:     now.Add(r.tunables.Current().TimeoutWindow),
		UpdatedAt:     now,
	}
	err := r.store.CreatePendingAcceptance(ctx, &req)
	if errors.Is(err, store.ErrConflict) {
		existing, getErr := r.store.GetAcceptance(ctx, req.ID)
		switch {
		case getErr == nil:
			req = *existing
		case errors.Is(getErr, store.ErrNotFound):
			return apperrors.Conflict(op, "group %s of order %d already has attempt %d or an open request",
				st.GroupKey, st.OrderID, st.Attempt)
		default:
			return apperrors.Transient(op, getErr)
		}
	} else if err != nil {
		return apperrors.Transient(op, err)
	}

	if _, err := r.store.TransitionGroup(ctx, st.OrderID, st.GroupKey,
		[]string{models.GroupStatusRouting}, models.GroupStatusVendorAssigned, "", now); err != nil {
		return apperrors.Transient(op, err)
	}
	status, err := r.syncOrderStatus(ctx, st.OrderID)
	if err != nil {
		return err
	}

	expires := req.ExpiresAt.UTC()
	st.AcceptanceID = req.ID
	st.ExpiresAt = &expires
	st.OrderStatus = status

	kind := "initial"
	switch {
	case st.Override != nil:
		kind = "override"
	case st.Attempt > 1:
		kind = "fallback"
	}
	util.RoutingAttemptsTotal.WithLabelValues(kind).Inc()
	return nil
}

func (r *Router) recordRoutingLog(ctx context.Context, st *assignmentState) error {
	candidates, err := json.Marshal(st.Candidates)
	if err != nil {
		return apperrors.Permanent("Router.recordRoutingLog", "encode candidates: %v", err)
	}
	entry := &models.RoutingLogEntry{
		OrderID:       st.OrderID,
		GroupKey:      st.GroupKey,
		AttemptNumber: st.Attempt,
		Event:         models.RoutingEventAssigned,
		VendorID:      &st.VendorID,
		Candidates:    candidates,
		Message: fmt.Sprintf("attempt %d (%s): vendor %d has until %s to respond",
			st.Attempt, st.Reason, st.VendorID, st.ExpiresAt.Format(time.RFC3339)),
	}
	if st.Override != nil {
		entry.Event = models.RoutingEventOverride
		entry.OverrideBy = st.Override.By
		entry.OverrideReason = st.Override.Reason
	}
	entry.ID = logID(st.OrderID, st.GroupKey, st.Attempt, entry.Event)
	return r.appendLog(ctx, entry)
}

func (r *Router) notifyVendor(ctx context.Context, st *assignmentState) error {
	req := models.AcceptanceRequest{
		ID:            st.AcceptanceID,
		OrderID:       st.OrderID,
		GroupKey:      st.GroupKey,
		VendorID:      st.VendorID,
		AttemptNumber: st.Attempt,
		Status:        models.AcceptanceStatusPending,
	}
	if st.ExpiresAt != nil {
		req.ExpiresAt = *st.ExpiresAt
	}
	r.notifier.NotifyVendor(ctx, req, st.Items)
	r.notifier.OrderRouted(ctx, models.EventTypeOrderAssigned, models.OrderRoutedEvent{
		OrderID:       st.OrderID,
		GroupKey:      st.GroupKey,
		VendorID:      st.VendorID,
		AcceptanceID:  st.AcceptanceID,
		AttemptNumber: st.Attempt,
		OrderStatus:   st.OrderStatus,
		Reason:        st.Reason,
	})
	return nil
}

// fallback moves an open group on to its next vendor. It is shared by rejection,
// expiry, manual triggers and recovery, and does nothing while the group still
// has a PENDING request.
func (r *Router) fallback(ctx context.Context, orderID int64, key, reason string) error {
	const op = "Router.fallback"

	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return translate(op, err)
	}
	if models.IsTerminalOrderStatus(order.Status) {
		return nil
	}
	group, err := r.store.GetGroup(ctx, orderID, key)
	if err != nil {
		return translate(op, err)
	}
	if group.IsTerminal() {
		return nil
	}
	reqs, err := r.store.ListAcceptancesByOrder(ctx, orderID)
	if err != nil {
		return apperrors.Transient(op, err)
	}

	latest := 0
	var tried []int64
	for i := range reqs {
		req := reqs[i]
		if req.GroupKey != key {
			continue
		}
		switch req.Status {
		case models.AcceptanceStatusPending:
			return nil
		case models.AcceptanceStatusAccepted:
			return r.acceptGroup(ctx, &req, req.RespondedBy)
		}
		if req.AttemptNumber > latest {
			latest = req.AttemptNumber
		}
		tried = append(tried, req.VendorID)
	}

	if _, err := r.store.TransitionGroup(ctx, orderID, key,
		[]string{models.GroupStatusVendorAssigned}, models.GroupStatusRouting, "", r.Now()); err != nil {
		return apperrors.Transient(op, err)
	}

	maxAttempts := r.tunables.Current().MaxAttempts
	if latest >= maxAttempts {
		r.logger.Warn("Vendor assignment attempts exhausted",
			zap.Int64("order_id", orderID),
			zap.String("group", key),
			zap.Int("attempts", latest))
		return r.failGroup(ctx, orderID, key, latest, ReasonAttemptsExhausted, models.AlertAttemptsExhausted)
	}

	if latest > 0 {
		if err := r.appendLog(ctx, &models.RoutingLogEntry{
			ID:            logID(orderID, key, latest+1, models.RoutingEventFallback),
			OrderID:       orderID,
			GroupKey:      key,
			AttemptNumber: latest + 1,
			Event:         models.RoutingEventFallback,
			Message:       fmt.Sprintf("%s: excluding vendors %v", reason, tried),
		}); err != nil {
			return err
		}
	}

	r.logger.Info("Falling back to next vendor",
		zap.Int64("order_id", orderID),
		zap.String("group", key),
		zap.Int("attempt", latest+1),
		zap.String("reason", reason))

	if _, err := r.startAttempt(ctx, order, *group, latest+1, tried, nil, reason); err != nil {
		return err
	}
	_, err = r.syncOrderStatus(ctx, orderID)
	return err
}

// failGroup marks a group FAILED, then records the log entry and admin alert.
// Every write is idempotent, so a retried call completes a partial one.
func (r *Router) failGroup(ctx context.Context, orderID int64, key string, attempt int, reason, alertKind string) error {
	const op = "Router.failGroup"

	moved, err := r.store.TransitionGroup(ctx, orderID, key,
		[]string{models.GroupStatusRouting, models.GroupStatusVendorAssigned}, models.GroupStatusFailed, reason, r.Now())
	if err != nil {
		return apperrors.Transient(op, err)
	}
	if err := r.appendLog(ctx, &models.RoutingLogEntry{
		ID:            logID(orderID, key, attempt, models.RoutingEventFailed),
		OrderID:       orderID,
		GroupKey:      key,
		AttemptNumber: attempt,
		Event:         models.RoutingEventFailed,
		Message:       reason,
	}); err != nil {
		return err
	}
	if err := r.raiseAlert(ctx, &models.AdminAlert{
		ID:      workflow.DeterministicID("alert", alertKind, orderID, key, attempt),
		OrderID: orderID,
		Kind:    alertKind,
		Message: fmt.Sprintf("order %d group %s: %s", orderID, key, reason),
	}); err != nil {
		return err
	}
	status, err := r.syncOrderStatus(ctx, orderID)
	if err != nil {
		return err
	}

	if moved {
		util.OrdersRoutingFailedTotal.WithLabelValues(alertKind).Inc()
		r.notifier.OrderRouted(ctx, models.EventTypeOrderRoutingFailed, models.OrderRoutedEvent{
			OrderID:       orderID,
			GroupKey:      key,
			AttemptNumber: attempt,
			OrderStatus:   status,
			Reason:        reason,
		})
	}
	return nil
}

// RaiseAlert stores an admin alert and forwards it to the messaging collaborator.
// Alerts with an id that was already stored are not raised again.
func (r *Router) RaiseAlert(ctx context.Context, alert *models.AdminAlert) error {
	return r.raiseAlert(ctx, alert)
}

func (r *Router) raiseAlert(ctx context.Context, alert *models.AdminAlert) error {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = r.Now()
	}
	if err := r.store.CreateAlert(ctx, alert); err != nil {
		return apperrors.Transient("Router.raiseAlert", err)
	}
	util.AdminAlertsTotal.WithLabelValues(alert.Kind).Inc()
	r.logger.Warn("Admin alert raised",
		zap.String("alert_id", alert.ID),
		zap.Int64("order_id", alert.OrderID),
		zap.String("kind", alert.Kind),
		zap.String("message", alert.Message))
	r.notifier.AdminAlert(ctx, *alert)
	return nil
}

func (r *Router) appendLog(ctx context.Context, entry *models.RoutingLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.Now()
	}
	if err := r.store.AppendRoutingLog(ctx, entry); err != nil {
		return apperrors.Transient("Router.appendLog", err)
	}
	return nil
}

func logID(orderID int64, key string, attempt int, event string) string {
	return workflow.DeterministicID("routing-log", orderID, key, attempt, event)
}
