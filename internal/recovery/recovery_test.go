package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"order-routing/config"
	"order-routing/internal/apperrors"
	"order-routing/internal/models"
	"order-routing/internal/routing"
	"order-routing/internal/store"
	"order-routing/internal/store/memstore"
	"order-routing/internal/workflow"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	store  *memstore.Store
	engine *workflow.Engine
	router *routing.Router
	coord  *Coordinator
	proc   *WebhookProcessor
	clock  *fakeClock
}

func testRecoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		WebhookStaleAfter:  5 * time.Minute,
		WebhookMaxRetries:  3,
		WebhookBaseBackoff: time.Minute,
		WebhookMaxBackoff:  10 * time.Minute,
		WorkflowStaleAfter: 2 * time.Minute,
		WorkflowMaxResumes: 2,
		FallbackGrace:      time.Minute,
		OrderStaleAfter:    10 * time.Minute,
		Retention:          24 * time.Hour,
		BatchSize:          50,
	}
}

func newEnv(t *testing.T, mutate ...func(*config.RecoveryConfig)) *env {
	t.Helper()
	cfg := testRecoveryConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	e := &env{store: memstore.New(), clock: &fakeClock{now: t0}}
	e.engine = workflow.NewEngine(e.store)
	e.engine.Now = e.clock.Now

	notifier := routing.NewNotifier(e.store, nil, "US")
	notifier.Now = e.clock.Now
	e.router = routing.NewRouter(e.store, nil, e.engine, notifier, config.StaticTunables(config.Tunables{
		Weights:            config.Weights{Price: 0.35, Reliability: 0.30, Proximity: 0.20, Load: 0.15},
		TimeoutWindow:      15 * time.Minute,
		MaxAttempts:        3,
		MinReliability:     40,
		DefaultReliability: 70,
		MaxDistanceKm:      50,
		DefaultCapacity:    20,
	}))
	e.router.Now = e.clock.Now
	t.Cleanup(e.router.Wait)

	e.coord = NewCoordinator(e.store, e.router, e.engine, cfg)
	e.coord.Now = e.clock.Now
	e.proc = NewWebhookProcessor(e.store, cfg.WebhookMaxRetries, cfg.BatchSize)
	e.proc.Now = e.clock.Now
	e.proc.HandleRouting(e.router)
	return e
}

func (e *env) addVendors() {
	for i, price := range []string{"10.00", "11.00", "12.00"} {
		e.store.AddVendor(models.VendorOffer{
			Vendor: models.Vendor{ID: int64(i + 1), Phone: "+16502530000", Capacity: 10},
			Stock: map[int64]models.ProductStock{
				1: {ProductID: 1, Available: 100, UnitPrice: decimal.RequireFromString(price)},
			},
		})
	}
}

func (e *env) addOrder(status string) int64 {
	return e.store.AddOrder(models.Order{
		RetailerID: 7,
		Status:     status,
		Items:      []models.OrderItem{{ProductID: 1, Quantity: 1}},
		CreatedAt:  t0,
	}).ID
}

func (e *env) pending(t *testing.T, orderID int64) []models.AcceptanceRequest {
	t.Helper()
	reqs, err := e.store.ListAcceptancesByOrder(context.Background(), orderID)
	require.NoError(t, err)
	var out []models.AcceptanceRequest
	for _, r := range reqs {
		if r.Status == models.AcceptanceStatusPending {
			out = append(out, r)
		}
	}
	return out
}

func TestBackoff(t *testing.T) {
	base, max := time.Minute, 10*time.Minute
	assert.Equal(t, time.Minute, Backoff(0, base, max))
	assert.Equal(t, time.Minute, Backoff(1, base, max))
	assert.Equal(t, 2*time.Minute, Backoff(2, base, max))
	assert.Equal(t, 4*time.Minute, Backoff(3, base, max))
	assert.Equal(t, 8*time.Minute, Backoff(4, base, max))
	assert.Equal(t, max, Backoff(5, base, max))
	assert.Equal(t, max, Backoff(64, base, max))
}

func TestStaleProcessingEventIsHandledOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var calls atomic.Int32
	e.proc.Handle("test", func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		return nil
	})

	// crashed after claiming, before the handler ran
	_, err := e.proc.Ingest(ctx, "test", "ev-1", []byte(`{}`))
	require.NoError(t, err)
	claimed, err := e.store.ClaimWebhookEvent(ctx, "ev-1", e.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	e.clock.Advance(6 * time.Minute)
	report, err := e.coord.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stage(StageWebhooks).Handled)

	processed, err := e.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed.Completed)
	assert.Equal(t, int32(1), calls.Load())

	ev, err := e.store.GetWebhookEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusCompleted, ev.Status)
	done, err := e.store.IsEventProcessed(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, done)

	// crashed after the handler, before the completion write
	_, err = e.proc.Ingest(ctx, "test", "ev-2", []byte(`{}`))
	require.NoError(t, err)
	e.store.FailNext("CompleteWebhookEvent", errors.New("connection reset"))
	processed, err = e.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed.Failed)
	assert.Equal(t, int32(2), calls.Load())

	ev, err = e.store.GetWebhookEvent(ctx, "ev-2")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusProcessing, ev.Status)

	e.clock.Advance(6 * time.Minute)
	_, err = e.coord.RunOnce(ctx)
	require.NoError(t, err)
	processed, err = e.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed.Completed)
	assert.Equal(t, int32(2), calls.Load(), "processed marker must stop a second run")
}

func TestFailedEventBacksOffThenDeadLetters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var healthy atomic.Bool
	var calls atomic.Int32
	e.proc.Handle("test", func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		if healthy.Load() {
			return nil
		}
		return apperrors.Transient("test", errors.New("vendor api down"))
	})

	_, err := e.proc.Ingest(ctx, "test", "ev-1", []byte(`{"n":1}`))
	require.NoError(t, err)
	_, err = e.proc.ProcessPending(ctx)
	require.NoError(t, err)

	// first retry is due one base backoff after the failure
	report, err := e.coord.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Stage(StageWebhooks).Handled)

	for _, wait := range []time.Duration{time.Minute, 2 * time.Minute} {
		e.clock.Advance(wait)
		report, err = e.coord.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Stage(StageWebhooks).Handled)
		_, err = e.proc.ProcessPending(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())

	ev, err := e.store.GetWebhookEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, 3, ev.RetryCount)

	report, err = e.coord.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stage(StageDeadLetters).Handled)

	_, err = e.store.GetWebhookEvent(ctx, "ev-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	jobs, err := e.store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, models.DeadLetterSourceWebhook, job.SourceType)
	assert.Equal(t, "ev-1", job.SourceID)
	var history []models.FailureRecord
	require.NoError(t, json.Unmarshal(job.FailureHistory, &history))
	assert.Len(t, history, 3)

	alerts, err := e.store.ListAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertDeadLetter, alerts[0].Kind)

	healthy.Store(true)
	replayed, err := e.coord.ReplayDeadLetter(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, replayed.ReplayedAt)

	processed, err := e.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed.Completed)
	assert.Equal(t, int32(4), calls.Load())

	_, err = e.coord.ReplayDeadLetter(ctx, job.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	_, err = e.coord.ReplayDeadLetter(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestValidationFailureSkipsRetries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.proc.Ingest(ctx, models.WebhookSourceVendorResponse, "ev-1", []byte(`{"acceptance_id": 5}`))
	require.NoError(t, err)
	processed, err := e.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed.Failed)

	ev, err := e.store.GetWebhookEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, ev.Status)
	assert.Equal(t, 3, ev.RetryCount)

	report, err := e.coord.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Stage(StageWebhooks).Handled)
	assert.Equal(t, 1, report.Stage(StageDeadLetters).Handled)
}

func TestStaleWorkflowIsResumed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addVendors()
	orderID := e.addOrder(models.OrderStatusCreated)

	e.store.FailNext("AppendRoutingLog", errors.New("connection reset"))
	_, err := e.router.RouteOrder(ctx, orderID, routing.RouteOptions{})
	require.Error(t, err)

	wfID := workflow.DeterministicID(routing.WorkflowVendorAssignment, orderID, models.DefaultGroupKey, 1)
	cp, err := e.store.GetWorkflow(ctx, wfID)
	require.NoError(t, err)
	require.Equal(t, models.WorkflowStatusRunning, cp.Status)

	// heartbeat still fresh
	report, err := e.coord.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Stage(StageWorkflows).Handled)

	e.clock.Advance(3 * time.Minute)
	report, err = e.coord.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stage(StageWorkflows).Handled)

	cp, err = e.store.GetWorkflow(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, cp.Status)
	assert.Equal(t, 1, cp.ResumeCount)
	assert.Len(t, e.pending(t, orderID), 1)

	logs, err := e.router.GetRoutingLogs(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.RoutingEventAssigned, logs[0].Event)
}

func TestWorkflowPastResumeLimitIsDeadLettered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CreateWorkflow(ctx, &models.WorkflowCheckpoint{
		ID:           "wf-1",
		EntityType:   routing.EntityOrder,
		EntityID:     "42",
		WorkflowType: routing.WorkflowVendorAssignment,
		StepData:     []byte(`{}`),
		Status:       models.WorkflowStatusRunning,
		HeartbeatAt:  t0,
		ResumeCount:  2,
		LastError:    "connection reset",
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}))

	e.clock.Advance(3 * time.Minute)
	report, err := e.coord.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stage(StageWorkflows).Handled)

	cp, err := e.store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusFailed, cp.Status)
	assert.Contains(t, cp.LastError, "resume limit")

	jobs, err := e.store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.DeadLetterSourceWorkflow, jobs[0].SourceType)
	assert.Equal(t, "wf-1", jobs[0].SourceID)

	alerts, err := e.store.ListAlerts(ctx, 42)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertDeadLetter, alerts[0].Kind)

	_, err = e.coord.ReplayDeadLetter(ctx, jobs[0].ID)
	require.NoError(t, err)
	cp, err = e.store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusRunning, cp.Status)
	assert.Equal(t, 0, cp.ResumeCount)
}

func TestReplayedWorkflowThatFailsAgainIsReopened(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CreateWorkflow(ctx, &models.WorkflowCheckpoint{
		ID:           "wf-1",
		EntityType:   routing.EntityOrder,
		EntityID:     "42",
		WorkflowType: routing.WorkflowVendorAssignment,
		StepData:     []byte(`{}`),
		Status:       models.WorkflowStatusRunning,
		HeartbeatAt:  t0,
		ResumeCount:  2,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}))

	e.clock.Advance(3 * time.Minute)
	_, err := e.coord.RunOnce(ctx)
	require.NoError(t, err)
	jobs, err := e.store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	first := jobs[0]

	e.clock.Advance(time.Minute)
	_, err = e.coord.ReplayDeadLetter(ctx, first.ID)
	require.NoError(t, err)

	e.clock.Advance(time.Minute)
	cp, err := e.store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.NoError(t, e.coord.abandonWorkflow(ctx, cp, "step create_acceptance: vendor table missing"))

	jobs, err = e.store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, first.ID, jobs[0].ID)
	assert.Nil(t, jobs[0].ReplayedAt)

	var history []models.FailureRecord
	require.NoError(t, json.Unmarshal(jobs[0].FailureHistory, &history))
	require.Len(t, history, 2)
	assert.Contains(t, history[0].Error, "resume limit")
	assert.Contains(t, history[1].Error, "vendor table missing")

	alerts, err := e.store.ListAlerts(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)

	_, err = e.coord.ReplayDeadLetter(ctx, first.ID)
	require.NoError(t, err)
	cp, err = e.store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusRunning, cp.Status)
}

func TestRepeatDeadLetterBeforeReplayIsIgnored(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.coord.deadLetter(ctx, models.DeadLetterSourceWorkflow, "wf-9", 9, []byte(`{}`), nil))
	require.NoError(t, e.coord.deadLetter(ctx, models.DeadLetterSourceWorkflow, "wf-9", 9, []byte(`{}`), nil))

	jobs, err := e.store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	alerts, err := e.store.ListAlerts(ctx, 9)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestExpiredAssignmentWithoutFallbackIsRetried(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addVendors()
	orderID := e.addOrder(models.OrderStatusCreated)

	result, err := e.router.RouteOrder(ctx, orderID, routing.RouteOptions{})
	require.NoError(t, err)
	first := result.Group(models.DefaultGroupKey).Current
	require.Equal(t, int64(1), first.VendorID)

	// the scanner expired the request and crashed before falling back
	e.clock.Advance(20 * time.Minute)
	ok, err := e.store.TransitionAcceptance(ctx, first.ID, models.AcceptanceStatusPending,
		models.AcceptanceStatusExpired, routing.ScannerActor, e.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	report, err := e.coord.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Stage(StageAssignments).Handled, "grace period not over")

	e.clock.Advance(2 * time.Minute)
	report, err = e.coord.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stage(StageAssignments).Handled)

	pending := e.pending(t, orderID)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].VendorID)
	assert.Equal(t, 2, pending[0].AttemptNumber)
}

func TestStuckOrderWithoutGroupsIsRouted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addVendors()
	orderID := e.addOrder(models.OrderStatusRouting)

	e.clock.Advance(11 * time.Minute)
	report, err := e.coord.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stage(StageOrders).Handled)

	order, err := e.store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusVendorAssigned, order.Status)
	assert.Len(t, e.pending(t, orderID), 1)

	state, err := e.store.GetRecoveryState(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryStatusRecovered, state.Status)
	assert.Equal(t, "groups_not_created", state.FailurePoint)
	assert.Equal(t, 1, state.Attempts)
}

func TestStuckOrderEscalatesWhenRetryFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addVendors()
	orderID := e.addOrder(models.OrderStatusRouting)

	e.clock.Advance(11 * time.Minute)
	e.store.FailNext("EnsureGroups", errors.New("deadlock detected"))
	report, err := e.coord.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stage(StageOrders).Handled)

	state, err := e.store.GetRecoveryState(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryStatusManualReview, state.Status)
	assert.Contains(t, state.LastError, "deadlock detected")

	alerts, err := e.store.ListAlerts(ctx, orderID)
	require.NoError(t, err)
	var kinds []string
	for _, a := range alerts {
		kinds = append(kinds, a.Kind)
	}
	assert.ElementsMatch(t, []string{models.AlertDeadLetter, models.AlertRecoveryFailed}, kinds)

	// manual review is not retried automatically
	report, err = e.coord.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Stage(StageOrders).Handled)
	assert.Empty(t, e.pending(t, orderID))

	jobs, err := e.store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.DeadLetterSourceOrderRecovery, jobs[0].SourceType)

	_, err = e.coord.ReplayDeadLetter(ctx, jobs[0].ID)
	require.NoError(t, err)
	report, err = e.coord.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stage(StageOrders).Handled)
	assert.Len(t, e.pending(t, orderID), 1)

	state, err = e.store.GetRecoveryState(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryStatusRecovered, state.Status)
}

func TestRunContinuesAfterStageFailure(t *testing.T) {
	e := newEnv(t)
	e.store.FailNext("ResetStaleProcessing", errors.New("timeout"))

	report, err := e.coord.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	require.Len(t, report.Stages, 5)
	assert.NotEmpty(t, report.Stage(StageWebhooks).Error)
	assert.Empty(t, report.Stage(StageDeadLetters).Error)
}

func TestCleanupRunsEveryNthPass(t *testing.T) {
	e := newEnv(t, func(c *config.RecoveryConfig) { c.CleanupEvery = 2 })
	ctx := context.Background()
	e.proc.Handle("test", func(ctx context.Context, payload []byte) error { return nil })
	_, err := e.proc.Ingest(ctx, "test", "ev-1", []byte(`{}`))
	require.NoError(t, err)
	_, err = e.proc.ProcessPending(ctx)
	require.NoError(t, err)

	e.clock.Advance(25 * time.Hour)
	report, err := e.coord.RunOnce(ctx)
	require.NoError(t, err)
	assert.Nil(t, report.Stage(StageCleanup))

	report, err = e.coord.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, report.Stage(StageCleanup))
	assert.Equal(t, 2, report.Stage(StageCleanup).Handled)

	_, err = e.store.GetWebhookEvent(ctx, "ev-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
