// Package routing assigns orders to vendors and drives each assignment through
// acceptance, rejection, expiry and fallback until the order is accepted or fails.
//
// Every status change is a compare-and-set in the store. Several router, scanner
// and recovery instances may act on the same order at once; the losers observe a
// failed precondition and back off.
package routing

import (
	"context"
	"errors"
	"strings"
	"time"

	"order-routing/config"
	"order-routing/internal/apperrors"
	"order-routing/internal/models"
	"order-routing/internal/scoring"
	"order-routing/internal/store"
	"order-routing/internal/util"
	"order-routing/internal/workflow"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Store is the persistence the router works against.
type Store interface {
	store.OrderStore
	store.VendorStore
	store.RoutingGroupStore
	store.AcceptanceStore
	store.RoutingLogStore
	store.AlertStore
}

// ReliabilitySource yields the reliability counters used for scoring.
type ReliabilitySource interface {
	VendorReliability(ctx context.Context, vendorIDs []int64) (map[int64]models.VendorReliability, error)
}

// ReasonAttemptsExhausted is the failure reason of a group that ran out of vendors to try.
const ReasonAttemptsExhausted = "vendor assignment attempts exhausted"

// Router handles order routing business logic
type Router struct {
	store       Store
	reliability ReliabilitySource
	scorer      *scoring.Scorer
	tunables    config.TunablesSource
	engine      *workflow.Engine
	notifier    *Notifier
	validate    *validator.Validate
	logger      *zap.Logger

	Now func() time.Time
}

// NewRouter creates a router and registers the vendor-assignment workflow with
// engine. A nil reliability source reads reliability from st.
func NewRouter(
	st Store,
	reliability ReliabilitySource,
	engine *workflow.Engine,
	notifier *Notifier,
	tunables config.TunablesSource,
) *Router {
	if reliability == nil {
		reliability = st
	}
	r := &Router{
		store:       st,
		reliability: reliability,
		scorer:      scoring.NewScorer(tunables),
		tunables:    tunables,
		engine:      engine,
		notifier:    notifier,
		validate:    validator.New(),
		logger:      util.GetLogger(),
		Now:         time.Now,
	}
	engine.Register(r.assignmentWorkflow())
	return r
}

// Wait blocks until background notifications have been handed off.
func (r *Router) Wait() {
	r.notifier.Wait()
}

// RouteOptions tunes a RouteOrder call.
type RouteOptions struct {
	AllowSplit bool `json:"allow_split"`
	// A manual override assigns the whole order to one vendor, bypassing the
	// reliability threshold.
	OverrideVendorID int64  `json:"override_vendor_id" validate:"required_with=OverrideBy OverrideReason,gte=0"`
	OverrideBy       string `json:"override_by" validate:"required_with=OverrideVendorID,max=100"`
	OverrideReason   string `json:"override_reason" validate:"required_with=OverrideVendorID,max=500"`
}

type vendorResponse struct {
	AcceptanceID string `validate:"required,max=64"`
	Response     string `validate:"required,oneof=ACCEPTED REJECTED"`
	ActorID      string `validate:"max=200"`
}

// RoutingResult is the routing state of an order after an operation.
type RoutingResult struct {
	OrderID     int64         `json:"order_id"`
	OrderStatus string        `json:"order_status"`
	Groups      []GroupResult `json:"groups"`
}

// GroupResult is the routing state of one group. Current is the latest attempt.
type GroupResult struct {
	GroupKey      string                     `json:"group_key"`
	Status        string                     `json:"status"`
	FailureReason string                     `json:"failure_reason,omitempty"`
	Items         []models.OrderItem         `json:"items"`
	Current       *models.AcceptanceRequest  `json:"current,omitempty"`
	Attempts      []models.AcceptanceRequest `json:"attempts"`
}

// Group returns the group with key, or nil.
func (res *RoutingResult) Group(key string) *GroupResult {
	for i := range res.Groups {
		if res.Groups[i].GroupKey == key {
			return &res.Groups[i]
		}
	}
	return nil
}

// translate maps store errors to the error taxonomy.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return &apperrors.Error{Kind: apperrors.KindNotFound, Op: op, Err: err}
	case errors.Is(err, store.ErrConflict):
		return &apperrors.Error{Kind: apperrors.KindConcurrencyConflict, Op: op, Err: err}
	}
	return apperrors.Transient(op, err)
}

// RouteOrder starts routing a CREATED order. Orders already in routing or finished
// return their current state together with a ConcurrencyConflict.
func (r *Router) RouteOrder(ctx context.Context, orderID int64, opts RouteOptions) (*RoutingResult, error) {
	ctx, span := util.StartSpan(ctx, "Router.RouteOrder", attribute.Int64("order.id", orderID))
	defer span.End()

	result, err := r.routeOrder(ctx, orderID, opts)
	util.SpanError(span, err)
	return result, err
}

func (r *Router) routeOrder(ctx context.Context, orderID int64, opts RouteOptions) (*RoutingResult, error) {
	const op = "Router.RouteOrder"

	if orderID <= 0 {
		return nil, apperrors.Validation(op, "invalid order id %d", orderID)
	}
	if err := r.validate.Struct(opts); err != nil {
		return nil, apperrors.Validation(op, "%v", err)
	}
	if opts.OverrideVendorID != 0 && opts.AllowSplit {
		return nil, apperrors.Validation(op, "an override assigns the whole order and cannot be split")
	}

	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, translate(op, err)
	}
	if len(order.Items) == 0 {
		return nil, apperrors.Validation(op, "order %d has no items", orderID)
	}
	if order.Status != models.OrderStatusCreated {
		return r.conflict(ctx, op, orderID, "order %d is already %s", orderID, order.Status)
	}

	ok, err := r.store.TransitionOrder(ctx, orderID, []string{models.OrderStatusCreated}, models.OrderStatusRouting, r.Now())
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	if !ok {
		return r.conflict(ctx, op, orderID, "order %d left CREATED concurrently", orderID)
	}
	order.Status = models.OrderStatusRouting

	r.logger.Info("Routing order",
		zap.Int64("order_id", orderID),
		zap.Int("items", len(order.Items)),
		zap.Bool("allow_split", opts.AllowSplit),
		zap.Int64("override_vendor_id", opts.OverrideVendorID))

	routeErr := r.routeGroups(ctx, order, opts)

	result, err := r.snapshot(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if routeErr == nil && result.OrderStatus == models.OrderStatusFailed {
		routeErr = apperrors.NoEligibleVendor(op, "no eligible vendor for order %d", orderID)
	}
	return result, routeErr
}

// routeGroups plans the routing groups of an order in ROUTING and starts the
// first attempt of each.
func (r *Router) routeGroups(ctx context.Context, order *models.Order, opts RouteOptions) error {
	groups, err := r.planGroups(ctx, order, opts.AllowSplit)
	if err != nil && apperrors.KindOf(err) != apperrors.KindNoEligibleVendor {
		return err
	}
	if ensureErr := r.store.EnsureGroups(ctx, groups); ensureErr != nil {
		return apperrors.Transient("Router.routeGroups", ensureErr)
	}
	if err != nil {
		// items nobody stocks: the single group fails without an attempt
		return r.failGroup(ctx, order.ID, groups[0].GroupKey, 0, err.Error(), models.AlertNoEligibleVendor)
	}

	var override *overrideChoice
	if opts.OverrideVendorID != 0 {
		override = &overrideChoice{VendorID: opts.OverrideVendorID, By: opts.OverrideBy, Reason: opts.OverrideReason}
	}

	var firstErr error
	for _, g := range groups {
		if _, err := r.startAttempt(ctx, order, g, 1, nil, override, "initial"); err != nil {
			r.logger.Error("Failed to start vendor assignment",
				zap.Int64("order_id", order.ID),
				zap.String("group", g.GroupKey),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if _, err := r.syncOrderStatus(ctx, order.ID); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// planGroups returns one group for the whole order unless splitting is allowed
// and no single vendor stocks every item. On NoEligibleVendor the single
// default group is returned together with the error.
func (r *Router) planGroups(ctx context.Context, order *models.Order, allowSplit bool) ([]models.RoutingGroup, error) {
	now := r.Now()
	toGroups := func(plan []scoring.Group) []models.RoutingGroup {
		out := make([]models.RoutingGroup, len(plan))
		for i, g := range plan {
			out[i] = models.RoutingGroup{
				OrderID:   order.ID,
				GroupKey:  g.Key,
				Items:     g.Items,
				Status:    models.GroupStatusRouting,
				CreatedAt: now,
				UpdatedAt: now,
			}
		}
		return out
	}
	whole := toGroups([]scoring.Group{{Key: models.DefaultGroupKey, Items: order.Items}})
	if !allowSplit {
		return whole, nil
	}

	offers, err := r.store.ListVendorOffers(ctx, productIDs(order.Items))
	if err != nil {
		return nil, apperrors.Transient("Router.planGroups", err)
	}
	for _, offer := range offers {
		if offer.Covers(order.Items) {
			return whole, nil
		}
	}
	plan, err := scoring.PlanSplit(order.Items, offers)
	if err != nil {
		return whole, err
	}
	r.logger.Info("Splitting order", zap.Int64("order_id", order.ID), zap.Int("groups", len(plan)))
	return toGroups(plan), nil
}

// HandleVendorResponse records a vendor's ACCEPTED or REJECTED answer. Repeating
// ACCEPTED for an accepted request is a no-op; any other answer to a request
// that is no longer PENDING is a ConcurrencyConflict.
func (r *Router) HandleVendorResponse(ctx context.Context, acceptanceID, response, actorID string) (*RoutingResult, error) {
	ctx, span := util.StartSpan(ctx, "Router.HandleVendorResponse", attribute.String("acceptance.id", acceptanceID))
	defer span.End()

	result, err := r.handleVendorResponse(ctx, acceptanceID, response, actorID)
	util.SpanError(span, err)
	return result, err
}

func (r *Router) handleVendorResponse(ctx context.Context, acceptanceID, response, actorID string) (*RoutingResult, error) {
	const op = "Router.HandleVendorResponse"

	resp := vendorResponse{
		AcceptanceID: strings.TrimSpace(acceptanceID),
		Response:     strings.ToUpper(strings.TrimSpace(response)),
		ActorID:      actorID,
	}
	if err := r.validate.Struct(resp); err != nil {
		return nil, apperrors.Validation(op, "%v", err)
	}

	req, err := r.store.GetAcceptance(ctx, resp.AcceptanceID)
	if err != nil {
		return nil, translate(op, err)
	}

	if req.Status == models.AcceptanceStatusPending {
		ok, err := r.store.TransitionAcceptance(ctx, req.ID, models.AcceptanceStatusPending, resp.Response, actorID, r.Now())
		if err != nil {
			return nil, apperrors.Transient(op, err)
		}
		if ok {
			util.VendorResponsesTotal.WithLabelValues(resp.Response, "applied").Inc()
			r.logger.Info("Vendor responded",
				zap.String("acceptance_id", req.ID),
				zap.Int64("order_id", req.OrderID),
				zap.Int64("vendor_id", req.VendorID),
				zap.String("response", resp.Response))

			if resp.Response == models.AcceptanceStatusAccepted {
				if err := r.acceptGroup(ctx, req, actorID); err != nil {
					return nil, err
				}
			} else {
				r.rejectGroup(ctx, req, actorID)
			}
			return r.snapshot(ctx, req.OrderID)
		}
		if req, err = r.store.GetAcceptance(ctx, req.ID); err != nil {
			return nil, translate(op, err)
		}
	}

	if req.Status == models.AcceptanceStatusAccepted && resp.Response == models.AcceptanceStatusAccepted {
		util.VendorResponsesTotal.WithLabelValues(resp.Response, "duplicate").Inc()
		// finishes an acceptance whose follow-up writes were interrupted
		if err := r.acceptGroup(ctx, req, actorID); err != nil {
			return nil, err
		}
		return r.snapshot(ctx, req.OrderID)
	}

	util.VendorResponsesTotal.WithLabelValues(resp.Response, "late").Inc()
	return r.conflict(ctx, op, req.OrderID, "acceptance request %s is already %s", req.ID, req.Status)
}

func (r *Router) acceptGroup(ctx context.Context, req *models.AcceptanceRequest, actorID string) error {
	const op = "Router.acceptGroup"
	now := r.Now()

	if _, err := r.store.SupersedeOutstanding(ctx, req.OrderID, req.GroupKey, req.ID, now); err != nil {
		return apperrors.Transient(op, err)
	}
	moved, err := r.store.TransitionGroup(ctx, req.OrderID, req.GroupKey,
		[]string{models.GroupStatusRouting, models.GroupStatusVendorAssigned}, models.GroupStatusAccepted, "", now)
	if err != nil {
		return apperrors.Transient(op, err)
	}
	vendorID := req.VendorID
	if err := r.appendLog(ctx, &models.RoutingLogEntry{
		ID:            logID(req.OrderID, req.GroupKey, req.AttemptNumber, models.RoutingEventAccepted),
		OrderID:       req.OrderID,
		GroupKey:      req.GroupKey,
		AttemptNumber: req.AttemptNumber,
		Event:         models.RoutingEventAccepted,
		VendorID:      &vendorID,
		Message:       "accepted by " + actorID,
	}); err != nil {
		return err
	}
	status, err := r.syncOrderStatus(ctx, req.OrderID)
	if err != nil {
		return err
	}
	if moved {
		r.notifier.OrderRouted(ctx, models.EventTypeOrderAccepted, models.OrderRoutedEvent{
			OrderID:       req.OrderID,
			GroupKey:      req.GroupKey,
			VendorID:      req.VendorID,
			AcceptanceID:  req.ID,
			AttemptNumber: req.AttemptNumber,
			OrderStatus:   status,
		})
	}
	return nil
}

// rejectGroup falls back after a rejection. A failed fallback is retried by the
// recovery coordinator, so it does not fail the response that was already recorded.
func (r *Router) rejectGroup(ctx context.Context, req *models.AcceptanceRequest, actorID string) {
	vendorID := req.VendorID
	err := r.appendLog(ctx, &models.RoutingLogEntry{
		ID:            logID(req.OrderID, req.GroupKey, req.AttemptNumber, models.RoutingEventRejected),
		OrderID:       req.OrderID,
		GroupKey:      req.GroupKey,
		AttemptNumber: req.AttemptNumber,
		Event:         models.RoutingEventRejected,
		VendorID:      &vendorID,
		Message:       "rejected by " + actorID,
	})
	if err == nil {
		util.FallbacksTotal.WithLabelValues("rejected").Inc()
		err = r.fallback(ctx, req.OrderID, req.GroupKey, "rejected")
	}
	if err != nil {
		util.FallbacksTotal.WithLabelValues("deferred").Inc()
		r.logger.Error("Fallback after rejection deferred to recovery",
			zap.Int64("order_id", req.OrderID),
			zap.String("group", req.GroupKey),
			zap.Error(err))
	}
}

// HandleExpired falls back after the scanner moved req to EXPIRED.
func (r *Router) HandleExpired(ctx context.Context, req models.AcceptanceRequest) error {
	ctx, span := util.StartSpan(ctx, "Router.HandleExpired",
		attribute.Int64("order.id", req.OrderID),
		attribute.String("acceptance.id", req.ID))
	defer span.End()

	vendorID := req.VendorID
	err := r.appendLog(ctx, &models.RoutingLogEntry{
		ID:            logID(req.OrderID, req.GroupKey, req.AttemptNumber, models.RoutingEventExpired),
		OrderID:       req.OrderID,
		GroupKey:      req.GroupKey,
		AttemptNumber: req.AttemptNumber,
		Event:         models.RoutingEventExpired,
		VendorID:      &vendorID,
		Message:       "no response before " + req.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if err == nil {
		util.FallbacksTotal.WithLabelValues("expired").Inc()
		err = r.fallback(ctx, req.OrderID, req.GroupKey, "expired")
	}
	util.SpanError(span, err)
	return err
}

// TriggerFallback supersedes the outstanding request of every open group of the
// order and moves each group on to its next vendor.
func (r *Router) TriggerFallback(ctx context.Context, orderID int64, actorID string) (*RoutingResult, error) {
	const op = "Router.TriggerFallback"
	ctx, span := util.StartSpan(ctx, op, attribute.Int64("order.id", orderID))
	defer span.End()

	if strings.TrimSpace(actorID) == "" {
		return nil, apperrors.Validation(op, "actor is required")
	}
	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, translate(op, err)
	}
	if models.IsTerminalOrderStatus(order.Status) {
		return r.conflict(ctx, op, orderID, "order %d is already %s", orderID, order.Status)
	}

	groups, err := r.store.ListGroups(ctx, orderID)
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	reqs, err := r.store.ListAcceptancesByOrder(ctx, orderID)
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}

	open := 0
	var firstErr error
	for _, g := range groups {
		if g.IsTerminal() {
			continue
		}
		open++
		for _, req := range reqs {
			if req.GroupKey != g.GroupKey || req.Status != models.AcceptanceStatusPending {
				continue
			}
			if _, err := r.store.TransitionAcceptance(ctx, req.ID, models.AcceptanceStatusPending,
				models.AcceptanceStatusSuperseded, actorID, r.Now()); err != nil {
				return nil, apperrors.Transient(op, err)
			}
		}
		util.FallbacksTotal.WithLabelValues("manual").Inc()
		if err := r.fallback(ctx, orderID, g.GroupKey, "manual fallback by "+actorID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if open == 0 {
		return r.conflict(ctx, op, orderID, "order %d has no open routing group", orderID)
	}

	r.logger.Info("Manual fallback triggered",
		zap.Int64("order_id", orderID),
		zap.String("actor", actorID),
		zap.Int("groups", open))

	result, err := r.snapshot(ctx, orderID)
	if err != nil {
		return nil, err
	}
	util.SpanError(span, firstErr)
	return result, firstErr
}

// RecoverOrder retries an order left in CREATED, ROUTING or VENDOR_ASSIGNED
// without progress. Open groups without a PENDING request move to their next
// attempt; an order without groups is routed from scratch.
func (r *Router) RecoverOrder(ctx context.Context, orderID int64) error {
	const op = "Router.RecoverOrder"
	ctx, span := util.StartSpan(ctx, op, attribute.Int64("order.id", orderID))
	defer span.End()

	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return translate(op, err)
	}
	switch {
	case models.IsTerminalOrderStatus(order.Status):
		return nil
	case order.Status == models.OrderStatusCreated:
		_, err := r.RouteOrder(ctx, orderID, RouteOptions{})
		if apperrors.KindOf(err) == apperrors.KindNoEligibleVendor || errors.Is(err, apperrors.ErrConflict) {
			return nil
		}
		return err
	}

	groups, err := r.store.ListGroups(ctx, orderID)
	if err != nil {
		return apperrors.Transient(op, err)
	}
	if len(groups) == 0 {
		err := r.routeGroups(ctx, order, RouteOptions{})
		util.SpanError(span, err)
		return err
	}
	for _, g := range groups {
		if g.IsTerminal() {
			continue
		}
		if err := r.fallback(ctx, orderID, g.GroupKey, "recovery"); err != nil {
			util.SpanError(span, err)
			return err
		}
	}
	_, err = r.syncOrderStatus(ctx, orderID)
	return err
}

// RetryGroup runs the fallback path for one group whose last attempt ended
// without a follow-up.
func (r *Router) RetryGroup(ctx context.Context, orderID int64, key string) error {
	ctx, span := util.StartSpan(ctx, "Router.RetryGroup",
		attribute.Int64("order.id", orderID),
		attribute.String("group.key", key))
	defer span.End()

	util.FallbacksTotal.WithLabelValues("recovery").Inc()
	err := r.fallback(ctx, orderID, key, "recovery")
	util.SpanError(span, err)
	return err
}

// GetRoutingLogs returns the audit trail of an order, oldest first.
func (r *Router) GetRoutingLogs(ctx context.Context, orderID int64) ([]models.RoutingLogEntry, error) {
	const op = "Router.GetRoutingLogs"
	if _, err := r.store.GetOrder(ctx, orderID); err != nil {
		return nil, translate(op, err)
	}
	entries, err := r.store.ListRoutingLogs(ctx, orderID)
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	return entries, nil
}

// GetVendorAcceptanceStatus returns every group of the order with all its attempts.
func (r *Router) GetVendorAcceptanceStatus(ctx context.Context, orderID int64) (*RoutingResult, error) {
	return r.snapshot(ctx, orderID)
}

func (r *Router) snapshot(ctx context.Context, orderID int64) (*RoutingResult, error) {
	const op = "Router.snapshot"
	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, translate(op, err)
	}
	groups, err := r.store.ListGroups(ctx, orderID)
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	reqs, err := r.store.ListAcceptancesByOrder(ctx, orderID)
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}

	result := &RoutingResult{OrderID: order.ID, OrderStatus: order.Status, Groups: make([]GroupResult, 0, len(groups))}
	for _, g := range groups {
		gr := GroupResult{
			GroupKey:      g.GroupKey,
			Status:        g.Status,
			FailureReason: g.FailureReason,
			Items:         g.Items,
			Attempts:      []models.AcceptanceRequest{},
		}
		for _, req := range reqs {
			if req.GroupKey == g.GroupKey {
				gr.Attempts = append(gr.Attempts, req)
			}
		}
		if n := len(gr.Attempts); n > 0 {
			current := gr.Attempts[n-1]
			gr.Current = &current
		}
		result.Groups = append(result.Groups, gr)
	}
	return result, nil
}

// conflict returns the current state of the order together with a ConcurrencyConflict.
func (r *Router) conflict(ctx context.Context, op string, orderID int64, format string, args ...any) (*RoutingResult, error) {
	result, err := r.snapshot(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return result, apperrors.Conflict(op, format, args...)
}

// syncOrderStatus derives the order status from its groups and stores it.
// Terminal orders are never changed.
func (r *Router) syncOrderStatus(ctx context.Context, orderID int64) (string, error) {
	const op = "Router.syncOrderStatus"
	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return "", translate(op, err)
	}
	if models.IsTerminalOrderStatus(order.Status) || order.Status == models.OrderStatusCreated {
		return order.Status, nil
	}
	groups, err := r.store.ListGroups(ctx, orderID)
	if err != nil {
		return "", apperrors.Transient(op, err)
	}
	if len(groups) == 0 {
		return order.Status, nil
	}

	target := aggregateStatus(groups)
	if target == order.Status {
		return target, nil
	}
	ok, err := r.store.TransitionOrder(ctx, orderID,
		[]string{models.OrderStatusRouting, models.OrderStatusVendorAssigned}, target, r.Now())
	if err != nil {
		return "", apperrors.Transient(op, err)
	}
	if !ok {
		current, err := r.store.GetOrder(ctx, orderID)
		if err != nil {
			return "", translate(op, err)
		}
		return current.Status, nil
	}

	switch target {
	case models.OrderStatusAccepted:
		util.OrdersAcceptedTotal.Inc()
		r.logger.Info("Order accepted", zap.Int64("order_id", orderID))
	case models.OrderStatusPartiallyAccepted, models.OrderStatusFailed:
		r.logger.Warn("Order routing finished without full acceptance",
			zap.Int64("order_id", orderID),
			zap.String("status", target))
	}
	return target, nil
}

func aggregateStatus(groups []models.RoutingGroup) string {
	var accepted, failed, routing int
	for _, g := range groups {
		switch g.Status {
		case models.GroupStatusAccepted:
			accepted++
		case models.GroupStatusFailed:
			failed++
		case models.GroupStatusRouting:
			routing++
		}
	}
	switch {
	case accepted == len(groups):
		return models.OrderStatusAccepted
	case failed == len(groups):
		return models.OrderStatusFailed
	case accepted+failed == len(groups):
		return models.OrderStatusPartiallyAccepted
	case routing > 0:
		return models.OrderStatusRouting
	}
	return models.OrderStatusVendorAssigned
}

func productIDs(items []models.OrderItem) []int64 {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}
	return ids
}
