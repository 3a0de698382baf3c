package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"order-routing/internal/apperrors"
	"order-routing/internal/models"
	"order-routing/internal/routing"
	"order-routing/internal/store"
	"order-routing/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Handler processes the payload of one webhook event. It may run more than once
// for the same event when a crash hits between the handler and the completion write.
type Handler func(ctx context.Context, payload []byte) error

// Router is the part of the router the webhook handlers and recovery stages drive.
type Router interface {
	RouteOrder(ctx context.Context, orderID int64, opts routing.RouteOptions) (*routing.RoutingResult, error)
	HandleVendorResponse(ctx context.Context, acceptanceID, response, actorID string) (*routing.RoutingResult, error)
	RecoverOrder(ctx context.Context, orderID int64) error
	RetryGroup(ctx context.Context, orderID int64, key string) error
	RaiseAlert(ctx context.Context, alert *models.AdminAlert) error
}

// ProcessReport summarises one ProcessPending call.
type ProcessReport struct {
	Claimed   int  `json:"claimed"`
	Completed int  `json:"completed"`
	Skipped   int  `json:"skipped"`
	Failed    int  `json:"failed"`
	Busy      bool `json:"busy,omitempty"`
}

// WebhookProcessor stores incoming events and runs them through their source handler.
type WebhookProcessor struct {
	store      store.WebhookStore
	handlers   map[string]Handler
	maxRetries int
	batchSize  int
	running    atomic.Bool
	logger     *zap.Logger

	Now func() time.Time
}

func NewWebhookProcessor(st store.WebhookStore, maxRetries, batchSize int) *WebhookProcessor {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &WebhookProcessor{
		store:      st,
		handlers:   make(map[string]Handler),
		maxRetries: maxRetries,
		batchSize:  batchSize,
		logger:     util.GetLogger(),
		Now:        time.Now,
	}
}

// Handle registers the handler for a source.
func (p *WebhookProcessor) Handle(source string, h Handler) {
	p.handlers[source] = h
}

// HandleRouting registers the vendor_response and order_created handlers.
func (p *WebhookProcessor) HandleRouting(router Router) {
	p.Handle(models.WebhookSourceVendorResponse, func(ctx context.Context, payload []byte) error {
		const op = "webhook.vendor_response"
		var in models.VendorResponsePayload
		if err := json.Unmarshal(payload, &in); err != nil {
			return apperrors.Validation(op, "decode payload: %v", err)
		}
		_, err := router.HandleVendorResponse(ctx, in.AcceptanceID, in.Response, in.ActorID)
		if errors.Is(err, apperrors.ErrConflict) {
			p.logger.Info("Ignoring stale vendor response",
				zap.String("acceptance_id", in.AcceptanceID),
				zap.Error(err))
			return nil
		}
		return err
	})

	p.Handle(models.WebhookSourceOrderCreated, func(ctx context.Context, payload []byte) error {
		const op = "webhook.order_created"
		var in models.OrderCreatedPayload
		if err := json.Unmarshal(payload, &in); err != nil {
			return apperrors.Validation(op, "decode payload: %v", err)
		}
		_, err := router.RouteOrder(ctx, in.OrderID, routing.RouteOptions{AllowSplit: in.AllowSplit})
		switch apperrors.KindOf(err) {
		case apperrors.KindConcurrencyConflict, apperrors.KindNoEligibleVendor:
			// already routed, or failed with an admin alert
			return nil
		}
		return err
	})
}

// Ingest stores a PENDING event. eventID may be empty; a repeated eventID returns
// the stored event without error.
func (p *WebhookProcessor) Ingest(ctx context.Context, source, eventID string, payload []byte) (*models.WebhookEvent, error) {
	const op = "WebhookProcessor.Ingest"
	ctx, span := util.StartSpan(ctx, op, attribute.String("webhook.source", source))
	defer span.End()

	if _, ok := p.handlers[source]; !ok {
		return nil, apperrors.Validation(op, "unknown webhook source %q", source)
	}
	if !json.Valid(payload) {
		return nil, apperrors.Validation(op, "payload is not valid JSON")
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}

	now := p.Now()
	ev := &models.WebhookEvent{
		ID:        eventID,
		Source:    source,
		Payload:   payload,
		Status:    models.WebhookStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.InsertWebhookEvent(ctx, ev); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			err = apperrors.Transient(op, err)
			util.SpanError(span, err)
			return nil, err
		}
		existing, getErr := p.store.GetWebhookEvent(ctx, eventID)
		if getErr != nil {
			return nil, apperrors.Transient(op, getErr)
		}
		util.WebhookEventsTotal.WithLabelValues(source, "duplicate").Inc()
		return existing, nil
	}
	util.WebhookEventsTotal.WithLabelValues(source, "ingested").Inc()
	return ev, nil
}

// ProcessPending claims and handles one batch of PENDING events. Overlapping calls
// return immediately with Busy set.
func (p *WebhookProcessor) ProcessPending(ctx context.Context) (ProcessReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		return ProcessReport{Busy: true}, nil
	}
	defer p.running.Store(false)

	ctx, span := util.StartSpan(ctx, "WebhookProcessor.ProcessPending")
	defer span.End()

	events, err := p.store.ListPendingWebhookEvents(ctx, p.batchSize)
	if err != nil {
		err = apperrors.Transient("WebhookProcessor.ProcessPending", err)
		util.SpanError(span, err)
		return ProcessReport{}, err
	}

	var report ProcessReport
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		switch outcome := p.process(ctx, ev); outcome {
		case "completed":
			report.Claimed++
			report.Completed++
		case "skipped":
			report.Skipped++
		default:
			report.Claimed++
			report.Failed++
		}
	}
	return report, nil
}

func (p *WebhookProcessor) process(ctx context.Context, ev models.WebhookEvent) string {
	ok, err := p.store.ClaimWebhookEvent(ctx, ev.ID, p.Now())
	if err != nil {
		p.logger.Error("Failed to claim webhook event", zap.String("event_id", ev.ID), zap.Error(err))
		return "skipped"
	}
	if !ok {
		return "skipped"
	}

	if err := p.run(ctx, ev); err != nil {
		p.fail(ctx, ev, err)
		util.WebhookEventsTotal.WithLabelValues(ev.Source, "failed").Inc()
		return "failed"
	}

	if _, err := p.store.CompleteWebhookEvent(ctx, ev.ID, p.Now()); err != nil {
		// stays PROCESSING; recovery resets it and the processed marker stops a second run
		p.logger.Error("Failed to complete webhook event", zap.String("event_id", ev.ID), zap.Error(err))
		return "failed"
	}
	util.WebhookEventsTotal.WithLabelValues(ev.Source, "completed").Inc()
	return "completed"
}

func (p *WebhookProcessor) run(ctx context.Context, ev models.WebhookEvent) error {
	const op = "WebhookProcessor.run"

	done, err := p.store.IsEventProcessed(ctx, ev.ID)
	if err != nil {
		return apperrors.Transient(op, err)
	}
	if done {
		p.logger.Info("Webhook event already processed", zap.String("event_id", ev.ID))
		return nil
	}

	handler, ok := p.handlers[ev.Source]
	if !ok {
		return apperrors.Permanent(op, "no handler for source %q", ev.Source)
	}
	if err := handler(ctx, ev.Payload); err != nil {
		return err
	}
	if err := p.store.MarkEventProcessed(ctx, ev.ID, ev.Source, p.Now()); err != nil {
		return apperrors.Transient(op, err)
	}
	return nil
}

func (p *WebhookProcessor) fail(ctx context.Context, ev models.WebhookEvent, cause error) {
	retries := ev.RetryCount + 1
	switch apperrors.KindOf(cause) {
	case apperrors.KindValidation, apperrors.KindPermanent:
		if retries < p.maxRetries {
			retries = p.maxRetries
		}
	}

	now := p.Now()
	history := appendFailure(ev.FailureHistory, models.FailureRecord{
		Attempt: ev.RetryCount + 1,
		Error:   cause.Error(),
		At:      now.UTC(),
	})
	if _, err := p.store.FailWebhookEvent(ctx, ev.ID, cause.Error(), retries, history, now); err != nil {
		p.logger.Error("Failed to record webhook failure", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	p.logger.Warn("Webhook event failed",
		zap.String("event_id", ev.ID),
		zap.String("source", ev.Source),
		zap.Int("retry_count", retries),
		zap.String("kind", apperrors.KindOf(cause).String()),
		zap.Error(cause))
}

func appendFailure(history []byte, rec models.FailureRecord) []byte {
	var records []models.FailureRecord
	if len(history) > 0 {
		_ = json.Unmarshal(history, &records)
	}
	records = append(records, rec)
	out, err := json.Marshal(records)
	if err != nil {
		return history
	}
	return out
}
