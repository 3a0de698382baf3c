// Package workflow runs multi-step operations with a persisted checkpoint after
// every step, so a crashed run resumes from the step after the last one that
// completed instead of starting over.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-routing/internal/apperrors"
	"order-routing/internal/models"
	"order-routing/internal/store"
	"order-routing/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var idNamespace = uuid.MustParse("6f1c4b52-7d0e-4f8a-9a57-2f3c1d9e8b10")

// DeterministicID derives a stable id from parts. Re-running an operation with the
// same inputs yields the same id, which is what makes retried inserts idempotent.
func DeterministicID(parts ...any) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = fmt.Sprint(p)
	}
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(s, ":"))).String()
}

// Step receives the data produced by the previous step and returns the data for
// the next one. A step must be safe to run again after a crash that happened
// before its checkpoint was written.
type Step struct {
	Name string
	Run  func(ctx context.Context, data []byte) ([]byte, error)
}

type Definition struct {
	Type  string
	Steps []Step
}

type Engine struct {
	store  store.WorkflowStore
	defs   map[string]Definition
	logger *zap.Logger

	Now func() time.Time
}

func NewEngine(s store.WorkflowStore) *Engine {
	return &Engine{
		store:  s,
		defs:   make(map[string]Definition),
		logger: util.GetLogger(),
		Now:    time.Now,
	}
}

func (e *Engine) Register(def Definition) {
	e.defs[def.Type] = def
}

// Start creates the checkpoint and runs every step. Starting a workflow whose id
// already completed returns the stored checkpoint; one that is still running
// elsewhere is a ConcurrencyConflict.
func (e *Engine) Start(ctx context.Context, id, workflowType, entityType, entityID string, data []byte) (*models.WorkflowCheckpoint, error) {
	const op = "Engine.Start"
	ctx, span := util.StartSpan(ctx, op,
		attribute.String("workflow.id", id),
		attribute.String("workflow.type", workflowType))
	defer span.End()

	def, ok := e.defs[workflowType]
	if !ok {
		return nil, apperrors.Permanent(op, "unknown workflow type %q", workflowType)
	}

	now := e.Now()
	cp := &models.WorkflowCheckpoint{
		ID:           id,
		EntityType:   entityType,
		EntityID:     entityID,
		WorkflowType: workflowType,
		StepData:     data,
		Status:       models.WorkflowStatusRunning,
		HeartbeatAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateWorkflow(ctx, cp); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			util.SpanError(span, err)
			return nil, apperrors.Transient(op, err)
		}
		existing, getErr := e.store.GetWorkflow(ctx, id)
		if getErr != nil {
			return nil, apperrors.Transient(op, getErr)
		}
		switch existing.Status {
		case models.WorkflowStatusCompleted:
			return existing, nil
		case models.WorkflowStatusFailed:
			return existing, apperrors.Permanent(op, "workflow %s failed: %s", id, existing.LastError)
		default:
			return existing, apperrors.Conflict(op, "workflow %s is already running", id)
		}
	}

	err := e.run(ctx, def, cp)
	util.SpanError(span, err)
	return cp, err
}

// Resume continues a RUNNING checkpoint from the step after its current step.
func (e *Engine) Resume(ctx context.Context, cp *models.WorkflowCheckpoint) error {
	const op = "Engine.Resume"
	ctx, span := util.StartSpan(ctx, op, attribute.String("workflow.id", cp.ID))
	defer span.End()

	def, ok := e.defs[cp.WorkflowType]
	if !ok {
		return apperrors.Permanent(op, "unknown workflow type %q", cp.WorkflowType)
	}
	if cp.Status != models.WorkflowStatusRunning {
		return apperrors.Conflict(op, "workflow %s is %s", cp.ID, cp.Status)
	}

	e.logger.Info("Resuming workflow",
		zap.String("workflow_id", cp.ID),
		zap.String("workflow_type", cp.WorkflowType),
		zap.String("after_step", cp.CurrentStep),
		zap.Int("resume_count", cp.ResumeCount))

	err := e.run(ctx, def, cp)
	util.SpanError(span, err)
	return err
}

// NextStep names the step a checkpoint would run next, or "" when none remain.
func (e *Engine) NextStep(cp *models.WorkflowCheckpoint) string {
	def, ok := e.defs[cp.WorkflowType]
	if !ok {
		return ""
	}
	idx, err := startIndex(def, cp.CurrentStep)
	if err != nil || idx >= len(def.Steps) {
		return ""
	}
	return def.Steps[idx].Name
}

func startIndex(def Definition, current string) (int, error) {
	if current == "" {
		return 0, nil
	}
	for i, step := range def.Steps {
		if step.Name == current {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("step %q is not part of workflow %s", current, def.Type)
}

func (e *Engine) run(ctx context.Context, def Definition, cp *models.WorkflowCheckpoint) error {
	const op = "Engine.run"

	idx, err := startIndex(def, cp.CurrentStep)
	if err != nil {
		e.fail(ctx, cp, err)
		return apperrors.Permanent(op, "%v", err)
	}

	data := cp.StepData
	for _, step := range def.Steps[idx:] {
		out, err := step.Run(ctx, data)
		if err != nil {
			if apperrors.IsRetryable(err) {
				// stays RUNNING; recovery resumes it once the heartbeat is stale
				if recErr := e.store.RecordWorkflowError(ctx, cp.ID, err.Error(), e.Now()); recErr != nil {
					e.logger.Error("Failed to record workflow error", zap.String("workflow_id", cp.ID), zap.Error(recErr))
				}
				cp.LastError = err.Error()
			} else {
				e.fail(ctx, cp, err)
			}
			e.logger.Warn("Workflow step failed",
				zap.String("workflow_id", cp.ID),
				zap.String("step", step.Name),
				zap.Error(err))
			return err
		}
		data = out
		if err := e.store.AdvanceWorkflow(ctx, cp.ID, step.Name, data, e.Now()); err != nil {
			return apperrors.Transient(op, fmt.Errorf("checkpoint %s after %s: %w", cp.ID, step.Name, err))
		}
		cp.CurrentStep = step.Name
		cp.StepData = data
	}

	if err := e.store.FinishWorkflow(ctx, cp.ID, models.WorkflowStatusCompleted, "", e.Now()); err != nil {
		return apperrors.Transient(op, err)
	}
	cp.Status = models.WorkflowStatusCompleted
	return nil
}

func (e *Engine) fail(ctx context.Context, cp *models.WorkflowCheckpoint, cause error) {
	if err := e.store.FinishWorkflow(ctx, cp.ID, models.WorkflowStatusFailed, cause.Error(), e.Now()); err != nil {
		e.logger.Error("Failed to mark workflow failed", zap.String("workflow_id", cp.ID), zap.Error(err))
	}
	cp.Status = models.WorkflowStatusFailed
	cp.LastError = cause.Error()
}
