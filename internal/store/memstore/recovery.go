package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"order-routing/internal/models"
	"order-routing/internal/store"
)

// WorkflowStore

func cloneCheckpoint(cp models.WorkflowCheckpoint) models.WorkflowCheckpoint {
	cp.StepData = cloneBytes(cp.StepData)
	return cp
}

func (s *Store) CreateWorkflow(ctx context.Context, cp *models.WorkflowCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateWorkflow"); err != nil {
		return err
	}
	if _, ok := s.workflows[cp.ID]; ok {
		return fmt.Errorf("%w: workflow %s exists", store.ErrConflict, cp.ID)
	}
	s.workflows[cp.ID] = cloneCheckpoint(*cp)
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*models.WorkflowCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp = cloneCheckpoint(cp)
	return &cp, nil
}

func (s *Store) AdvanceWorkflow(ctx context.Context, id, step string, data []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("AdvanceWorkflow"); err != nil {
		return err
	}
	cp, ok := s.workflows[id]
	if !ok || cp.Status != models.WorkflowStatusRunning {
		return store.ErrNotFound
	}
	cp.CurrentStep = step
	cp.StepData = cloneBytes(data)
	cp.HeartbeatAt = now
	cp.LastError = ""
	cp.UpdatedAt = now
	s.workflows[id] = cp
	return nil
}

func (s *Store) FinishWorkflow(ctx context.Context, id, status, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.workflows[id]
	if !ok || cp.Status != models.WorkflowStatusRunning {
		return nil
	}
	cp.Status = status
	cp.LastError = lastErr
	cp.UpdatedAt = now
	s.workflows[id] = cp
	return nil
}

func (s *Store) RecordWorkflowError(ctx context.Context, id, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.workflows[id]
	if !ok {
		return nil
	}
	cp.LastError = lastErr
	cp.UpdatedAt = now
	s.workflows[id] = cp
	return nil
}

func (s *Store) ListStaleWorkflows(ctx context.Context, heartbeatBefore time.Time, limit int) ([]models.WorkflowCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListStaleWorkflows"); err != nil {
		return nil, err
	}
	var out []models.WorkflowCheckpoint
	for _, cp := range s.workflows {
		if cp.Status == models.WorkflowStatusRunning && cp.HeartbeatAt.Before(heartbeatBefore) {
			out = append(out, cloneCheckpoint(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].HeartbeatAt.Equal(out[j].HeartbeatAt) {
			return out[i].HeartbeatAt.Before(out[j].HeartbeatAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

func (s *Store) ClaimStaleWorkflow(ctx context.Context, id string, heartbeatBefore, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.workflows[id]
	if !ok || cp.Status != models.WorkflowStatusRunning || !cp.HeartbeatAt.Before(heartbeatBefore) {
		return false, nil
	}
	cp.HeartbeatAt = now
	cp.ResumeCount++
	cp.UpdatedAt = now
	s.workflows[id] = cp
	return true, nil
}

func (s *Store) RearmWorkflow(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.workflows[id]
	if !ok || cp.Status != models.WorkflowStatusFailed {
		return false, nil
	}
	cp.Status = models.WorkflowStatusRunning
	cp.ResumeCount = 0
	cp.LastError = ""
	cp.HeartbeatAt = now
	cp.UpdatedAt = now
	s.workflows[id] = cp
	return true, nil
}

func (s *Store) HasRunningWorkflow(ctx context.Context, entityType, entityID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range s.workflows {
		if cp.EntityType == entityType && cp.EntityID == entityID && cp.Status == models.WorkflowStatusRunning {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) PurgeWorkflows(ctx context.Context, updatedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, cp := range s.workflows {
		if cp.Status == models.WorkflowStatusCompleted && cp.UpdatedAt.Before(updatedBefore) {
			delete(s.workflows, id)
			n++
		}
	}
	return n, nil
}

// WebhookStore

func cloneEvent(ev models.WebhookEvent) models.WebhookEvent {
	ev.Payload = cloneBytes(ev.Payload)
	ev.FailureHistory = cloneBytes(ev.FailureHistory)
	if ev.ProcessingStartedAt != nil {
		at := *ev.ProcessingStartedAt
		ev.ProcessingStartedAt = &at
	}
	return ev
}

func (s *Store) InsertWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("InsertWebhookEvent"); err != nil {
		return err
	}
	if _, ok := s.webhooks[ev.ID]; ok {
		return fmt.Errorf("%w: webhook event %s exists", store.ErrConflict, ev.ID)
	}
	s.webhooks[ev.ID] = cloneEvent(*ev)
	return nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.webhooks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	ev = cloneEvent(ev)
	return &ev, nil
}

func (s *Store) listEvents(match func(models.WebhookEvent) bool, byUpdated bool, limit int) []models.WebhookEvent {
	var out []models.WebhookEvent
	for _, ev := range s.webhooks {
		if match(ev) {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].CreatedAt, out[j].CreatedAt
		if byUpdated {
			a, b = out[i].UpdatedAt, out[j].UpdatedAt
		}
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit)
}

func (s *Store) ListPendingWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListPendingWebhookEvents"); err != nil {
		return nil, err
	}
	return s.listEvents(func(ev models.WebhookEvent) bool {
		return ev.Status == models.WebhookStatusPending
	}, false, limit), nil
}

// moveEvent applies a status change when the event is currently in from.
func (s *Store) moveEvent(id, from string, apply func(*models.WebhookEvent)) bool {
	ev, ok := s.webhooks[id]
	if !ok || ev.Status != from {
		return false
	}
	apply(&ev)
	s.webhooks[id] = ev
	return true
}

func (s *Store) ClaimWebhookEvent(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ClaimWebhookEvent"); err != nil {
		return false, err
	}
	return s.moveEvent(id, models.WebhookStatusPending, func(ev *models.WebhookEvent) {
		at := now
		ev.Status = models.WebhookStatusProcessing
		ev.ProcessingStartedAt = &at
		ev.UpdatedAt = now
	}), nil
}

func (s *Store) CompleteWebhookEvent(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CompleteWebhookEvent"); err != nil {
		return false, err
	}
	return s.moveEvent(id, models.WebhookStatusProcessing, func(ev *models.WebhookEvent) {
		ev.Status = models.WebhookStatusCompleted
		ev.LastError = ""
		ev.UpdatedAt = now
	}), nil
}

func (s *Store) FailWebhookEvent(ctx context.Context, id, lastErr string, retryCount int, history []byte, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveEvent(id, models.WebhookStatusProcessing, func(ev *models.WebhookEvent) {
		ev.Status = models.WebhookStatusFailed
		ev.LastError = lastErr
		ev.RetryCount = retryCount
		ev.FailureHistory = cloneBytes(history)
		ev.UpdatedAt = now
	}), nil
}

func (s *Store) ResetStaleProcessing(ctx context.Context, startedBefore, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ResetStaleProcessing"); err != nil {
		return 0, err
	}
	var n int64
	for id, ev := range s.webhooks {
		if ev.Status == models.WebhookStatusProcessing && ev.ProcessingStartedAt != nil && ev.ProcessingStartedAt.Before(startedBefore) {
			ev.Status = models.WebhookStatusPending
			ev.ProcessingStartedAt = nil
			ev.UpdatedAt = now
			s.webhooks[id] = ev
			n++
		}
	}
	return n, nil
}

func (s *Store) ListFailedWebhookEvents(ctx context.Context, maxRetries int, exhausted bool, limit int) ([]models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listEvents(func(ev models.WebhookEvent) bool {
		return ev.Status == models.WebhookStatusFailed && (ev.RetryCount >= maxRetries) == exhausted
	}, true, limit), nil
}

func (s *Store) RequeueWebhookEvent(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveEvent(id, models.WebhookStatusFailed, func(ev *models.WebhookEvent) {
		ev.Status = models.WebhookStatusPending
		ev.ProcessingStartedAt = nil
		ev.UpdatedAt = now
	}), nil
}

func (s *Store) DeleteWebhookEvent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.webhooks, id)
	return nil
}

func (s *Store) PurgeWebhookEvents(ctx context.Context, updatedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, ev := range s.webhooks {
		if ev.Status == models.WebhookStatusCompleted && ev.UpdatedAt.Before(updatedBefore) {
			delete(s.webhooks, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("MarkEventProcessed"); err != nil {
		return err
	}
	if _, ok := s.processed[eventID]; !ok {
		s.processed[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: now}
	}
	return nil
}

func (s *Store) PurgeProcessedEvents(ctx context.Context, processedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, pe := range s.processed {
		if pe.ProcessedAt.Before(processedBefore) {
			delete(s.processed, id)
			n++
		}
	}
	return n, nil
}

// DeadLetterStore

func (s *Store) InsertDeadLetter(ctx context.Context, job *models.DeadLetterJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.deadLetters {
		if existing.ID == job.ID || (existing.SourceType == job.SourceType && existing.SourceID == job.SourceID) {
			return fmt.Errorf("%w: %s %s already dead-lettered", store.ErrConflict, job.SourceType, job.SourceID)
		}
	}
	j := *job
	j.Payload = cloneBytes(j.Payload)
	j.FailureHistory = cloneBytes(j.FailureHistory)
	s.deadLetters[j.ID] = j
	return nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.deadLetters[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &j, nil
}

func (s *Store) GetDeadLetterBySource(ctx context.Context, sourceType, sourceID string) (*models.DeadLetterJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.deadLetters {
		if j.SourceType == sourceType && j.SourceID == sourceID {
			return &j, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ReopenDeadLetter(ctx context.Context, id string, payload, history []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ReopenDeadLetter"); err != nil {
		return false, err
	}
	j, ok := s.deadLetters[id]
	if !ok || j.ReplayedAt == nil {
		return false, nil
	}
	j.Payload = cloneBytes(payload)
	j.FailureHistory = cloneBytes(history)
	j.ReplayedAt = nil
	s.deadLetters[id] = j
	return true, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DeadLetterJob, 0, len(s.deadLetters))
	for _, j := range s.deadLetters {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

func (s *Store) MarkReplayed(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.deadLetters[id]
	if !ok || j.ReplayedAt != nil {
		return false, nil
	}
	at := now
	j.ReplayedAt = &at
	s.deadLetters[id] = j
	return true, nil
}

// RecoveryStore

func (s *Store) GetRecoveryState(ctx context.Context, orderID int64) (*models.OrderRecoveryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.recovery[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &st, nil
}

func (s *Store) SaveRecoveryState(ctx context.Context, st *models.OrderRecoveryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.recovery[st.OrderID]; ok {
		st.CreatedAt = existing.CreatedAt
	}
	s.recovery[st.OrderID] = *st
	return nil
}
