package store

import (
	"context"
	"errors"
	"time"

	"order-routing/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a uniqueness constraint rejects a write.
	ErrConflict = errors.New("store: conflict")
)

// OrderStore reads orders from order-management and moves them through routing statuses.
type OrderStore interface {
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	// TransitionOrder sets status to `to` only if the current status is one of from.
	TransitionOrder(ctx context.Context, id int64, from []string, to string, now time.Time) (bool, error)
	ListStuckOrders(ctx context.Context, statuses []string, updatedBefore time.Time, limit int) ([]models.Order, error)
}

// VendorStore reads vendor data owned by vendor-management.
type VendorStore interface {
	ListVendorOffers(ctx context.Context, productIDs []int64) ([]models.VendorOffer, error)
	GetVendor(ctx context.Context, id int64) (*models.Vendor, error)
	VendorReliability(ctx context.Context, vendorIDs []int64) (map[int64]models.VendorReliability, error)
}

type RoutingGroupStore interface {
	// EnsureGroups inserts the groups that do not exist yet and leaves the others untouched.
	EnsureGroups(ctx context.Context, groups []models.RoutingGroup) error
	GetGroup(ctx context.Context, orderID int64, key string) (*models.RoutingGroup, error)
	ListGroups(ctx context.Context, orderID int64) ([]models.RoutingGroup, error)
	TransitionGroup(ctx context.Context, orderID int64, key string, from []string, to, reason string, now time.Time) (bool, error)
	ListOpenGroups(ctx context.Context, updatedBefore time.Time, limit int) ([]models.RoutingGroup, error)
}

type AcceptanceStore interface {
	// CreatePendingAcceptance fails with ErrConflict when the id, the attempt number or
	// the single PENDING slot of the group is already taken.
	CreatePendingAcceptance(ctx context.Context, req *models.AcceptanceRequest) error
	GetAcceptance(ctx context.Context, id string) (*models.AcceptanceRequest, error)
	// ListAcceptancesByOrder returns requests ordered by group key then attempt number.
	ListAcceptancesByOrder(ctx context.Context, orderID int64) ([]models.AcceptanceRequest, error)
	// TransitionAcceptance is the compare-and-set every status change goes through.
	TransitionAcceptance(ctx context.Context, id, from, to, actor string, now time.Time) (bool, error)
	SupersedeOutstanding(ctx context.Context, orderID int64, key, exceptID string, now time.Time) (int64, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.AcceptanceRequest, error)
}

type RoutingLogStore interface {
	// AppendRoutingLog ignores an entry whose id was already written.
	AppendRoutingLog(ctx context.Context, entry *models.RoutingLogEntry) error
	ListRoutingLogs(ctx context.Context, orderID int64) ([]models.RoutingLogEntry, error)
}

type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.AdminAlert) error
	ListAlerts(ctx context.Context, orderID int64) ([]models.AdminAlert, error)
}

type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, cp *models.WorkflowCheckpoint) error
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowCheckpoint, error)
	// AdvanceWorkflow records step as the last completed step of a RUNNING workflow.
	AdvanceWorkflow(ctx context.Context, id, step string, data []byte, now time.Time) error
	FinishWorkflow(ctx context.Context, id, status, lastErr string, now time.Time) error
	RecordWorkflowError(ctx context.Context, id, lastErr string, now time.Time) error
	ListStaleWorkflows(ctx context.Context, heartbeatBefore time.Time, limit int) ([]models.WorkflowCheckpoint, error)
	// ClaimStaleWorkflow bumps the heartbeat and resume count of a stale RUNNING
	// workflow. Only one caller wins.
	ClaimStaleWorkflow(ctx context.Context, id string, heartbeatBefore, now time.Time) (bool, error)
	RearmWorkflow(ctx context.Context, id string, now time.Time) (bool, error)
	HasRunningWorkflow(ctx context.Context, entityType, entityID string) (bool, error)
	PurgeWorkflows(ctx context.Context, updatedBefore time.Time) (int64, error)
}

type WebhookStore interface {
	InsertWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error
	GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error)
	ListPendingWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error)
	// ClaimWebhookEvent moves PENDING to PROCESSING.
	ClaimWebhookEvent(ctx context.Context, id string, now time.Time) (bool, error)
	CompleteWebhookEvent(ctx context.Context, id string, now time.Time) (bool, error)
	FailWebhookEvent(ctx context.Context, id, lastErr string, retryCount int, history []byte, now time.Time) (bool, error)
	ResetStaleProcessing(ctx context.Context, startedBefore, now time.Time) (int64, error)
	ListFailedWebhookEvents(ctx context.Context, maxRetries int, exhausted bool, limit int) ([]models.WebhookEvent, error)
	// RequeueWebhookEvent moves FAILED back to PENDING.
	RequeueWebhookEvent(ctx context.Context, id string, now time.Time) (bool, error)
	DeleteWebhookEvent(ctx context.Context, id string) error
	PurgeWebhookEvents(ctx context.Context, updatedBefore time.Time) (int64, error)

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string, now time.Time) error
	PurgeProcessedEvents(ctx context.Context, processedBefore time.Time) (int64, error)
}

type DeadLetterStore interface {
	// InsertDeadLetter fails with ErrConflict when the source was already dead-lettered.
	InsertDeadLetter(ctx context.Context, job *models.DeadLetterJob) error
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterJob, error)
	GetDeadLetterBySource(ctx context.Context, sourceType, sourceID string) (*models.DeadLetterJob, error)
	// ReopenDeadLetter clears replayed_at and stores the new snapshot. It reports
	// false when the job is missing or was never replayed.
	ReopenDeadLetter(ctx context.Context, id string, payload, history []byte) (bool, error)
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterJob, error)
	MarkReplayed(ctx context.Context, id string, now time.Time) (bool, error)
}

type RecoveryStore interface {
	GetRecoveryState(ctx context.Context, orderID int64) (*models.OrderRecoveryState, error)
	SaveRecoveryState(ctx context.Context, state *models.OrderRecoveryState) error
}

// Repository is everything the routing subsystem persists.
type Repository interface {
	OrderStore
	VendorStore
	RoutingGroupStore
	AcceptanceStore
	RoutingLogStore
	AlertStore
	WorkflowStore
	WebhookStore
	DeadLetterStore
	RecoveryStore
}
