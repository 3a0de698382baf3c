// Package recovery repairs work that a crash, a restart or an infrastructure
// outage left half done. The coordinator runs five stages in a fixed order, and
// the webhook processor turns ingested external events into router calls.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"order-routing/config"
	"order-routing/internal/apperrors"
	"order-routing/internal/models"
	"order-routing/internal/routing"
	"order-routing/internal/store"
	"order-routing/internal/util"
	"order-routing/internal/workflow"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Store is the persistence the coordinator repairs.
type Store interface {
	store.OrderStore
	store.RoutingGroupStore
	store.AcceptanceStore
	store.WorkflowStore
	store.WebhookStore
	store.DeadLetterStore
	store.RecoveryStore
}

// Stage names, in execution order
const (
	StageWebhooks    = "webhook_recovery"
	StageWorkflows   = "workflow_resumption"
	StageAssignments = "assignment_retry"
	StageOrders      = "order_recovery"
	StageDeadLetters = "dead_letters"
	StageCleanup     = "cleanup"
)

// StageResult is the outcome of one stage.
type StageResult struct {
	Stage   string `json:"stage"`
	Handled int    `json:"handled"`
	Failed  int    `json:"failed"`
	Error   string `json:"error,omitempty"`
}

// Report summarises one RunOnce.
type Report struct {
	Run    int64         `json:"run"`
	Stages []StageResult `json:"stages"`
	Busy   bool          `json:"busy,omitempty"`
}

// Stage returns the result of a stage, or nil when it did not run.
func (r Report) Stage(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Stage == name {
			return &r.Stages[i]
		}
	}
	return nil
}

type Coordinator struct {
	store   Store
	router  Router
	engine  *workflow.Engine
	cfg     config.RecoveryConfig
	runs    atomic.Int64
	running atomic.Bool
	logger  *zap.Logger

	Now func() time.Time
}

func NewCoordinator(st Store, router Router, engine *workflow.Engine, cfg config.RecoveryConfig) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Coordinator{
		store:  st,
		router: router,
		engine: engine,
		cfg:    cfg,
		logger: util.GetLogger(),
		Now:    time.Now,
	}
}

// Backoff is the wait before retry n of a failed webhook event: base doubled for
// every earlier retry, capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n <= 1 {
		return base
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	return d
}

// RunOnce runs every stage in order. A failing stage is recorded in the report
// and the later stages still run; the returned error joins the stage errors.
func (c *Coordinator) RunOnce(ctx context.Context) (Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Report{Busy: true}, nil
	}
	defer c.running.Store(false)

	run := c.runs.Add(1)
	ctx, span := util.StartSpan(ctx, "Coordinator.RunOnce", attribute.Int64("recovery.run", run))
	defer span.End()

	type stage struct {
		name string
		fn   func(context.Context) (int, int, error)
	}
	stages := []stage{
		{StageWebhooks, c.recoverWebhooks},
		{StageWorkflows, c.resumeWorkflows},
		{StageAssignments, c.retryAssignments},
		{StageOrders, c.recoverOrders},
		{StageDeadLetters, c.deadLetterWebhooks},
	}
	if c.cfg.CleanupEvery > 0 && run%int64(c.cfg.CleanupEvery) == 0 {
		stages = append(stages, stage{StageCleanup, c.cleanup})
	}

	report := Report{Run: run}
	var errs []error
	for _, s := range stages {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		handled, failed, err := s.fn(ctx)
		res := StageResult{Stage: s.name, Handled: handled, Failed: failed}
		util.RecoveryStageTotal.WithLabelValues(s.name, "handled").Add(float64(handled))
		util.RecoveryStageTotal.WithLabelValues(s.name, "failed").Add(float64(failed))
		if err != nil {
			res.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			c.logger.Error("Recovery stage failed", zap.String("stage", s.name), zap.Error(err))
		}
		report.Stages = append(report.Stages, res)
	}

	err := errors.Join(errs...)
	util.SpanError(span, err)
	c.logger.Info("Recovery run finished", zap.Int64("run", run), zap.Any("stages", report.Stages))
	return report, err
}

// recoverWebhooks resets stale PROCESSING events and requeues FAILED events whose
// backoff has elapsed.
func (c *Coordinator) recoverWebhooks(ctx context.Context) (int, int, error) {
	now := c.Now()
	reset, err := c.store.ResetStaleProcessing(ctx, now.Add(-c.cfg.WebhookStaleAfter), now)
	if err != nil {
		return 0, 0, apperrors.Transient("Coordinator.recoverWebhooks", err)
	}
	handled := int(reset)
	if reset > 0 {
		c.logger.Warn("Reset stale webhook events", zap.Int64("count", reset))
	}

	failedEvents, err := c.store.ListFailedWebhookEvents(ctx, c.cfg.WebhookMaxRetries, false, c.cfg.BatchSize)
	if err != nil {
		return handled, 0, apperrors.Transient("Coordinator.recoverWebhooks", err)
	}
	failures := 0
	for _, ev := range failedEvents {
		due := ev.UpdatedAt.Add(Backoff(ev.RetryCount, c.cfg.WebhookBaseBackoff, c.cfg.WebhookMaxBackoff))
		if due.After(now) {
			continue
		}
		ok, err := c.store.RequeueWebhookEvent(ctx, ev.ID, now)
		if err != nil {
			failures++
			c.logger.Error("Failed to requeue webhook event", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		if ok {
			handled++
		}
	}
	return handled, failures, nil
}

// resumeWorkflows resumes RUNNING checkpoints whose heartbeat went stale. A
// checkpoint past the resume limit is failed and dead-lettered.
func (c *Coordinator) resumeWorkflows(ctx context.Context) (int, int, error) {
	now := c.Now()
	cutoff := now.Add(-c.cfg.WorkflowStaleAfter)
	stale, err := c.store.ListStaleWorkflows(ctx, cutoff, c.cfg.BatchSize)
	if err != nil {
		return 0, 0, apperrors.Transient("Coordinator.resumeWorkflows", err)
	}

	handled, failures := 0, 0
	for i := range stale {
		cp := stale[i]
		ok, err := c.store.ClaimStaleWorkflow(ctx, cp.ID, cutoff, now)
		if err != nil {
			failures++
			c.logger.Error("Failed to claim workflow", zap.String("workflow_id", cp.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		cp.ResumeCount++
		cp.HeartbeatAt = now

		if cp.ResumeCount > c.cfg.WorkflowMaxResumes {
			reason := fmt.Sprintf("resume limit %d reached: %s", c.cfg.WorkflowMaxResumes, cp.LastError)
			if err := c.abandonWorkflow(ctx, &cp, reason); err != nil {
				failures++
				c.logger.Error("Failed to abandon workflow", zap.String("workflow_id", cp.ID), zap.Error(err))
				continue
			}
			handled++
			continue
		}

		err = c.engine.Resume(ctx, &cp)
		switch {
		case err == nil:
			handled++
		case apperrors.IsRetryable(err):
			failures++
		default:
			failures++
			if abErr := c.abandonWorkflow(ctx, &cp, err.Error()); abErr != nil {
				c.logger.Error("Failed to abandon workflow", zap.String("workflow_id", cp.ID), zap.Error(abErr))
			}
		}
	}
	return handled, failures, nil
}

func (c *Coordinator) abandonWorkflow(ctx context.Context, cp *models.WorkflowCheckpoint, reason string) error {
	now := c.Now()
	if err := c.store.FinishWorkflow(ctx, cp.ID, models.WorkflowStatusFailed, reason, now); err != nil {
		return err
	}
	cp.Status = models.WorkflowStatusFailed
	snapshot, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	history := appendFailure(nil, models.FailureRecord{Attempt: cp.ResumeCount, Error: reason, At: now.UTC()})
	orderID, _ := strconv.ParseInt(cp.EntityID, 10, 64)
	return c.deadLetter(ctx, models.DeadLetterSourceWorkflow, cp.ID, orderID, snapshot, history)
}

// retryAssignments drives groups whose last request expired, was rejected or was
// superseded without a follow-up attempt through the router's fallback path.
func (c *Coordinator) retryAssignments(ctx context.Context) (int, int, error) {
	cutoff := c.Now().Add(-c.cfg.FallbackGrace)
	groups, err := c.store.ListOpenGroups(ctx, cutoff, c.cfg.BatchSize)
	if err != nil {
		return 0, 0, apperrors.Transient("Coordinator.retryAssignments", err)
	}

	byOrder := make(map[int64][]models.AcceptanceRequest)
	handled, failures := 0, 0
	for _, g := range groups {
		reqs, ok := byOrder[g.OrderID]
		if !ok {
			if reqs, err = c.store.ListAcceptancesByOrder(ctx, g.OrderID); err != nil {
				failures++
				continue
			}
			byOrder[g.OrderID] = reqs
		}

		var latest *models.AcceptanceRequest
		for i := range reqs {
			if reqs[i].GroupKey == g.GroupKey {
				latest = &reqs[i]
			}
		}
		if latest == nil || latest.UpdatedAt.After(cutoff) {
			continue
		}
		switch latest.Status {
		case models.AcceptanceStatusExpired, models.AcceptanceStatusRejected, models.AcceptanceStatusSuperseded:
		default:
			continue
		}

		if err := c.router.RetryGroup(ctx, g.OrderID, g.GroupKey); err != nil {
			failures++
			c.logger.Error("Assignment retry failed",
				zap.Int64("order_id", g.OrderID),
				zap.String("group", g.GroupKey),
				zap.Error(err))
			continue
		}
		handled++
	}
	return handled, failures, nil
}

// recoverOrders gives orders stuck in routing without a PENDING request or a
// running workflow one automated retry, then hands them to manual review.
func (c *Coordinator) recoverOrders(ctx context.Context) (int, int, error) {
	const op = "Coordinator.recoverOrders"
	now := c.Now()
	cutoff := now.Add(-c.cfg.OrderStaleAfter)
	orders, err := c.store.ListStuckOrders(ctx,
		[]string{models.OrderStatusRouting, models.OrderStatusVendorAssigned}, cutoff, c.cfg.BatchSize)
	if err != nil {
		return 0, 0, apperrors.Transient(op, err)
	}

	handled, failures := 0, 0
	for _, o := range orders {
		point, stuck, err := c.failurePoint(ctx, o.ID, cutoff)
		if err != nil {
			failures++
			c.logger.Error("Failed to inspect stuck order", zap.Int64("order_id", o.ID), zap.Error(err))
			continue
		}
		if !stuck {
			continue
		}

		state, err := c.store.GetRecoveryState(ctx, o.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			state = &models.OrderRecoveryState{OrderID: o.ID, CreatedAt: now}
		case err != nil:
			failures++
			continue
		}
		if state.Status == models.RecoveryStatusManualReview {
			continue
		}
		state.FailurePoint = point
		state.UpdatedAt = now

		if state.Attempts >= 1 {
			state.LastError = "order stuck again after automated retry at " + point
			err = c.escalate(ctx, state)
		} else {
			state.Attempts++
			state.Status = models.RecoveryStatusPendingRetry
			if err = c.store.SaveRecoveryState(ctx, state); err == nil {
				if retryErr := c.router.RecoverOrder(ctx, o.ID); retryErr != nil {
					state.LastError = retryErr.Error()
					err = c.escalate(ctx, state)
				} else {
					state.Status = models.RecoveryStatusRecovered
					err = c.store.SaveRecoveryState(ctx, state)
				}
			}
		}
		if err != nil {
			failures++
			c.logger.Error("Order recovery failed", zap.Int64("order_id", o.ID), zap.Error(err))
			continue
		}
		handled++
	}
	return handled, failures, nil
}

// failurePoint reports where an order stalled. stuck is false while a vendor is
// still being waited on, a workflow is working on the order, or a request
// changed after cutoff.
func (c *Coordinator) failurePoint(ctx context.Context, orderID int64, cutoff time.Time) (string, bool, error) {
	reqs, err := c.store.ListAcceptancesByOrder(ctx, orderID)
	if err != nil {
		return "", false, err
	}
	for _, r := range reqs {
		if r.Status == models.AcceptanceStatusPending || r.UpdatedAt.After(cutoff) {
			return "", false, nil
		}
	}
	running, err := c.store.HasRunningWorkflow(ctx, routing.EntityOrder, strconv.FormatInt(orderID, 10))
	if err != nil || running {
		return "", false, err
	}
	groups, err := c.store.ListGroups(ctx, orderID)
	if err != nil {
		return "", false, err
	}
	switch {
	case len(groups) == 0:
		return "groups_not_created", true, nil
	case len(reqs) == 0:
		return "no_acceptance_request", true, nil
	}
	return "no_pending_request", true, nil
}

func (c *Coordinator) escalate(ctx context.Context, state *models.OrderRecoveryState) error {
	state.Status = models.RecoveryStatusManualReview
	if err := c.store.SaveRecoveryState(ctx, state); err != nil {
		return err
	}
	snapshot, err := json.Marshal(state)
	if err != nil {
		return err
	}
	history := appendFailure(nil, models.FailureRecord{Attempt: state.Attempts, Error: state.LastError, At: c.Now().UTC()})
	if err := c.deadLetter(ctx, models.DeadLetterSourceOrderRecovery, strconv.FormatInt(state.OrderID, 10), state.OrderID, snapshot, history); err != nil {
		return err
	}
	return c.router.RaiseAlert(ctx, &models.AdminAlert{
		ID:      workflow.DeterministicID("alert", models.AlertRecoveryFailed, state.OrderID, state.CreatedAt.Unix()),
		OrderID: state.OrderID,
		Kind:    models.AlertRecoveryFailed,
		Message: fmt.Sprintf("order %d needs manual review (%s): %s", state.OrderID, state.FailurePoint, state.LastError),
	})
}

type webhookSnapshot struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error"`
	CreatedAt  time.Time       `json:"created_at"`
}

// deadLetterWebhooks moves FAILED events out of retries into the dead-letter store.
func (c *Coordinator) deadLetterWebhooks(ctx context.Context) (int, int, error) {
	events, err := c.store.ListFailedWebhookEvents(ctx, c.cfg.WebhookMaxRetries, true, c.cfg.BatchSize)
	if err != nil {
		return 0, 0, apperrors.Transient("Coordinator.deadLetterWebhooks", err)
	}

	handled, failures := 0, 0
	for _, ev := range events {
		payload := json.RawMessage(ev.Payload)
		if !json.Valid(payload) {
			payload, _ = json.Marshal(string(ev.Payload))
		}
		snapshot, err := json.Marshal(webhookSnapshot{
			ID:         ev.ID,
			Source:     ev.Source,
			Payload:    payload,
			RetryCount: ev.RetryCount,
			LastError:  ev.LastError,
			CreatedAt:  ev.CreatedAt,
		})
		if err == nil {
			err = c.deadLetter(ctx, models.DeadLetterSourceWebhook, ev.ID, 0, snapshot, ev.FailureHistory)
		}
		if err == nil {
			err = c.store.DeleteWebhookEvent(ctx, ev.ID)
		}
		if err != nil {
			failures++
			c.logger.Error("Failed to dead-letter webhook event", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		handled++
	}
	return handled, failures, nil
}

// deadLetter stores a job snapshot and raises an alert. A source has one dead
// letter: when it fails again after a replay, that entry is reopened with the
// new failures appended to its history.
func (c *Coordinator) deadLetter(ctx context.Context, sourceType, sourceID string, orderID int64, payload, history []byte) error {
	if history == nil {
		history = []byte("[]")
	}
	job := &models.DeadLetterJob{
		ID:             uuid.NewString(),
		SourceType:     sourceType,
		SourceID:       sourceID,
		Payload:        payload,
		FailureHistory: history,
		CreatedAt:      c.Now(),
	}
	alertID := workflow.DeterministicID("alert", models.AlertDeadLetter, sourceType, sourceID)

	err := c.store.InsertDeadLetter(ctx, job)
	if errors.Is(err, store.ErrConflict) {
		existing, getErr := c.store.GetDeadLetterBySource(ctx, sourceType, sourceID)
		if getErr != nil {
			return getErr
		}
		if existing.ReplayedAt == nil {
			c.logger.Warn("Source already dead-lettered",
				zap.String("dead_letter_id", existing.ID),
				zap.String("source_type", sourceType),
				zap.String("source_id", sourceID))
			return nil
		}
		merged := mergeHistory(existing.FailureHistory, history)
		reopened, reopenErr := c.store.ReopenDeadLetter(ctx, existing.ID, payload, merged)
		if reopenErr != nil {
			return reopenErr
		}
		if !reopened {
			return nil
		}
		alertID = workflow.DeterministicID("alert", models.AlertDeadLetter, sourceType, sourceID, existing.ReplayedAt.Unix())
		job = existing
		err = nil
	}
	if err != nil {
		return err
	}
	util.DeadLettersTotal.WithLabelValues(sourceType).Inc()
	c.logger.Warn("Job dead-lettered",
		zap.String("dead_letter_id", job.ID),
		zap.String("source_type", sourceType),
		zap.String("source_id", sourceID),
		zap.Bool("reopened", job.ReplayedAt != nil))
	return c.router.RaiseAlert(ctx, &models.AdminAlert{
		ID:      alertID,
		OrderID: orderID,
		Kind:    models.AlertDeadLetter,
		Message: fmt.Sprintf("%s %s moved to dead letters as %s", sourceType, sourceID, job.ID),
	})
}

func mergeHistory(existing, added []byte) []byte {
	records := []models.FailureRecord{}
	_ = json.Unmarshal(existing, &records)
	var more []models.FailureRecord
	_ = json.Unmarshal(added, &more)
	out, err := json.Marshal(append(records, more...))
	if err != nil {
		return added
	}
	return out
}

func (c *Coordinator) cleanup(ctx context.Context) (int, int, error) {
	cutoff := c.Now().Add(-c.cfg.Retention)
	var total int64
	var errs []error
	for _, purge := range []func(context.Context, time.Time) (int64, error){
		c.store.PurgeWebhookEvents,
		c.store.PurgeWorkflows,
		c.store.PurgeProcessedEvents,
	} {
		n, err := purge(ctx, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	if total > 0 {
		c.logger.Info("Purged finished records", zap.Int64("rows", total), zap.Time("before", cutoff))
	}
	return int(total), len(errs), errors.Join(errs...)
}

// ListDeadLetters returns the newest dead letters first.
func (c *Coordinator) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterJob, error) {
	jobs, err := c.store.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, apperrors.Transient("Coordinator.ListDeadLetters", err)
	}
	return jobs, nil
}

// GetDeadLetter returns one dead letter with its full snapshot.
func (c *Coordinator) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterJob, error) {
	const op = "Coordinator.GetDeadLetter"
	job, err := c.store.GetDeadLetter(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound(op, "dead letter %s", id)
	}
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	return job, nil
}

// ReplayDeadLetter re-ingests a dead-lettered webhook as a new PENDING event,
// rearms a failed workflow, or returns an order to automated recovery.
func (c *Coordinator) ReplayDeadLetter(ctx context.Context, id string) (*models.DeadLetterJob, error) {
	const op = "Coordinator.ReplayDeadLetter"
	ctx, span := util.StartSpan(ctx, op, attribute.String("dead_letter.id", id))
	defer span.End()

	job, err := c.store.GetDeadLetter(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound(op, "dead letter %s", id)
	}
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	if job.ReplayedAt != nil {
		return job, apperrors.Conflict(op, "dead letter %s was already replayed", id)
	}

	now := c.Now()
	switch job.SourceType {
	case models.DeadLetterSourceWebhook:
		var snap webhookSnapshot
		if err := json.Unmarshal(job.Payload, &snap); err != nil {
			return nil, apperrors.Permanent(op, "decode webhook snapshot: %v", err)
		}
		ev := &models.WebhookEvent{
			ID:        workflow.DeterministicID("replay", job.ID),
			Source:    snap.Source,
			Payload:   snap.Payload,
			Status:    models.WebhookStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := c.store.InsertWebhookEvent(ctx, ev); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, apperrors.Transient(op, err)
		}
	case models.DeadLetterSourceWorkflow:
		if _, err := c.store.RearmWorkflow(ctx, job.SourceID, now); err != nil {
			return nil, apperrors.Transient(op, err)
		}
	case models.DeadLetterSourceOrderRecovery:
		orderID, err := strconv.ParseInt(job.SourceID, 10, 64)
		if err != nil {
			return nil, apperrors.Permanent(op, "invalid order id %q", job.SourceID)
		}
		state := &models.OrderRecoveryState{
			OrderID:      orderID,
			FailurePoint: "replayed",
			Status:       models.RecoveryStatusPendingRetry,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := c.store.SaveRecoveryState(ctx, state); err != nil {
			return nil, apperrors.Transient(op, err)
		}
	default:
		return nil, apperrors.Permanent(op, "unknown dead letter source %q", job.SourceType)
	}

	ok, err := c.store.MarkReplayed(ctx, id, now)
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	if !ok {
		return job, apperrors.Conflict(op, "dead letter %s was already replayed", id)
	}
	job.ReplayedAt = &now
	c.logger.Info("Dead letter replayed",
		zap.String("dead_letter_id", id),
		zap.String("source_type", job.SourceType),
		zap.String("source_id", job.SourceID))
	return job, nil
}
