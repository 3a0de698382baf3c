package store

import (
	"context"
	"time"

	"order-routing/internal/models"
)

const workflowColumns = `id, entity_type, entity_id, workflow_type, current_step, step_data, status,
	heartbeat_at, resume_count, last_error, created_at, updated_at`

func (s *Store) CreateWorkflow(ctx context.Context, cp *models.WorkflowCheckpoint) error {
	_, err := s.exec(ctx, `
		INSERT INTO workflow_checkpoints (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.EntityType, cp.EntityID, cp.WorkflowType, cp.CurrentStep, cp.StepData, cp.Status,
		utc(cp.HeartbeatAt), cp.ResumeCount, cp.LastError, utc(cp.CreatedAt), utc(cp.UpdatedAt))
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*models.WorkflowCheckpoint, error) {
	var cp models.WorkflowCheckpoint
	if err := s.get(ctx, &cp, `SELECT `+workflowColumns+` FROM workflow_checkpoints WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) AdvanceWorkflow(ctx context.Context, id, step string, data []byte, now time.Time) error {
	n, err := s.exec(ctx, `
		UPDATE workflow_checkpoints
		SET current_step = ?, step_data = ?, heartbeat_at = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		step, data, utc(now), utc(now), id, models.WorkflowStatusRunning)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FinishWorkflow(ctx context.Context, id, status, lastErr string, now time.Time) error {
	_, err := s.exec(ctx, `
		UPDATE workflow_checkpoints SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, lastErr, utc(now), id, models.WorkflowStatusRunning)
	return err
}

func (s *Store) RecordWorkflowError(ctx context.Context, id, lastErr string, now time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE workflow_checkpoints SET last_error = ?, updated_at = ? WHERE id = ?`,
		lastErr, utc(now), id)
	return err
}

func (s *Store) ListStaleWorkflows(ctx context.Context, heartbeatBefore time.Time, limit int) ([]models.WorkflowCheckpoint, error) {
	var cps []models.WorkflowCheckpoint
	err := s.selectAll(ctx, &cps, `
		SELECT `+workflowColumns+` FROM workflow_checkpoints
		WHERE status = ? AND heartbeat_at < ?
		ORDER BY heartbeat_at, id LIMIT ?`,
		models.WorkflowStatusRunning, utc(heartbeatBefore), limit)
	return cps, err
}

func (s *Store) ClaimStaleWorkflow(ctx context.Context, id string, heartbeatBefore, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE workflow_checkpoints
		SET heartbeat_at = ?, resume_count = resume_count + 1, updated_at = ?
		WHERE id = ? AND status = ? AND heartbeat_at < ?`,
		utc(now), utc(now), id, models.WorkflowStatusRunning, utc(heartbeatBefore))
	return n > 0, err
}

func (s *Store) RearmWorkflow(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE workflow_checkpoints
		SET status = ?, resume_count = 0, last_error = '', heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.WorkflowStatusRunning, utc(now), utc(now), id, models.WorkflowStatusFailed)
	return n > 0, err
}

func (s *Store) HasRunningWorkflow(ctx context.Context, entityType, entityID string) (bool, error) {
	var count int
	err := s.get(ctx, &count, `
		SELECT COUNT(*) FROM workflow_checkpoints
		WHERE entity_type = ? AND entity_id = ? AND status = ?`,
		entityType, entityID, models.WorkflowStatusRunning)
	return count > 0, err
}

func (s *Store) PurgeWorkflows(ctx context.Context, updatedBefore time.Time) (int64, error) {
	return s.exec(ctx, `DELETE FROM workflow_checkpoints WHERE status = ? AND updated_at < ?`,
		models.WorkflowStatusCompleted, utc(updatedBefore))
}

const webhookColumns = `id, source, payload, status, retry_count, last_error, failure_history,
	processing_started_at, created_at, updated_at`

func (s *Store) InsertWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error {
	_, err := s.exec(ctx, `
		INSERT INTO webhook_events (`+webhookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Source, ev.Payload, ev.Status, ev.RetryCount, ev.LastError, ev.FailureHistory,
		ev.ProcessingStartedAt, utc(ev.CreatedAt), utc(ev.UpdatedAt))
	return err
}

func (s *Store) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	if err := s.get(ctx, &ev, `SELECT `+webhookColumns+` FROM webhook_events WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *Store) ListPendingWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	var evs []models.WebhookEvent
	err := s.selectAll(ctx, &evs, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE status = ? ORDER BY created_at, id LIMIT ?`,
		models.WebhookStatusPending, limit)
	return evs, err
}

func (s *Store) ClaimWebhookEvent(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE webhook_events SET status = ?, processing_started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.WebhookStatusProcessing, utc(now), utc(now), id, models.WebhookStatusPending)
	return n > 0, err
}

func (s *Store) CompleteWebhookEvent(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE webhook_events SET status = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		models.WebhookStatusCompleted, utc(now), id, models.WebhookStatusProcessing)
	return n > 0, err
}

func (s *Store) FailWebhookEvent(ctx context.Context, id, lastErr string, retryCount int, history []byte, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE webhook_events
		SET status = ?, last_error = ?, retry_count = ?, failure_history = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.WebhookStatusFailed, lastErr, retryCount, history, utc(now), id, models.WebhookStatusProcessing)
	return n > 0, err
}

func (s *Store) ResetStaleProcessing(ctx context.Context, startedBefore, now time.Time) (int64, error) {
	return s.exec(ctx, `
		UPDATE webhook_events SET status = ?, processing_started_at = NULL, updated_at = ?
		WHERE status = ? AND processing_started_at < ?`,
		models.WebhookStatusPending, utc(now), models.WebhookStatusProcessing, utc(startedBefore))
}

// ListFailedWebhookEvents lists FAILED events below maxRetries, or at or above it
// when exhausted is set.
func (s *Store) ListFailedWebhookEvents(ctx context.Context, maxRetries int, exhausted bool, limit int) ([]models.WebhookEvent, error) {
	cmp := "<"
	if exhausted {
		cmp = ">="
	}
	var evs []models.WebhookEvent
	err := s.selectAll(ctx, &evs, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE status = ? AND retry_count `+cmp+` ?
		ORDER BY updated_at, id LIMIT ?`,
		models.WebhookStatusFailed, maxRetries, limit)
	return evs, err
}

func (s *Store) RequeueWebhookEvent(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE webhook_events SET status = ?, processing_started_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.WebhookStatusPending, utc(now), id, models.WebhookStatusFailed)
	return n > 0, err
}

func (s *Store) DeleteWebhookEvent(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM webhook_events WHERE id = ?`, id)
	return err
}

func (s *Store) PurgeWebhookEvents(ctx context.Context, updatedBefore time.Time) (int64, error) {
	return s.exec(ctx, `DELETE FROM webhook_events WHERE status = ? AND updated_at < ?`,
		models.WebhookStatusCompleted, utc(updatedBefore))
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int
	err := s.get(ctx, &count, `SELECT COUNT(*) FROM processed_events WHERE event_id = ?`, eventID)
	return count > 0, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string, now time.Time) error {
	_, err := s.exec(ctx, `
		INSERT INTO processed_events (event_id, event_type, processed_at) VALUES (?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, utc(now))
	return err
}

func (s *Store) PurgeProcessedEvents(ctx context.Context, processedBefore time.Time) (int64, error) {
	return s.exec(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, utc(processedBefore))
}

const deadLetterColumns = `id, source_type, source_id, payload, failure_history, created_at, replayed_at`

func (s *Store) InsertDeadLetter(ctx context.Context, job *models.DeadLetterJob) error {
	_, err := s.exec(ctx, `
		INSERT INTO dead_letter_jobs (`+deadLetterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SourceType, job.SourceID, job.Payload, job.FailureHistory, utc(job.CreatedAt), job.ReplayedAt)
	return err
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterJob, error) {
	var job models.DeadLetterJob
	if err := s.get(ctx, &job, `SELECT `+deadLetterColumns+` FROM dead_letter_jobs WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) GetDeadLetterBySource(ctx context.Context, sourceType, sourceID string) (*models.DeadLetterJob, error) {
	var job models.DeadLetterJob
	if err := s.get(ctx, &job, `
		SELECT `+deadLetterColumns+` FROM dead_letter_jobs
		WHERE source_type = ? AND source_id = ?`, sourceType, sourceID); err != nil {
		return nil, err
	}
	return &job, nil
}

// ReopenDeadLetter puts a replayed dead letter back up for review with a new
// snapshot and history. It is a no-op unless the job was replayed.
func (s *Store) ReopenDeadLetter(ctx context.Context, id string, payload, history []byte) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE dead_letter_jobs SET payload = ?, failure_history = ?, replayed_at = NULL
		WHERE id = ? AND replayed_at IS NOT NULL`,
		payload, history, id)
	return n > 0, err
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterJob, error) {
	var jobs []models.DeadLetterJob
	err := s.selectAll(ctx, &jobs, `
		SELECT `+deadLetterColumns+` FROM dead_letter_jobs
		ORDER BY created_at DESC, id LIMIT ?`, limit)
	return jobs, err
}

func (s *Store) MarkReplayed(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE dead_letter_jobs SET replayed_at = ? WHERE id = ? AND replayed_at IS NULL`,
		utc(now), id)
	return n > 0, err
}

func (s *Store) GetRecoveryState(ctx context.Context, orderID int64) (*models.OrderRecoveryState, error) {
	var st models.OrderRecoveryState
	err := s.get(ctx, &st, `
		SELECT order_id, failure_point, status, attempts, last_error, created_at, updated_at
		FROM order_recovery_states WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) SaveRecoveryState(ctx context.Context, st *models.OrderRecoveryState) error {
	_, err := s.exec(ctx, `
		INSERT INTO order_recovery_states (order_id, failure_point, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			failure_point = excluded.failure_point, status = excluded.status,
			attempts = excluded.attempts, last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		st.OrderID, st.FailurePoint, st.Status, st.Attempts, st.LastError, utc(st.CreatedAt), utc(st.UpdatedAt))
	return err
}
