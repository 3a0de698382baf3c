package worker

import (
	"context"
	"encoding/json"
	"errors"

	"order-routing/internal/apperrors"
	"order-routing/internal/broker"
	"order-routing/internal/models"
	"order-routing/internal/util"

	"go.uber.org/zap"
)

// Ingester stores an external event for the webhook processor.
type Ingester interface {
	Ingest(ctx context.Context, source, eventID string, payload []byte) (*models.WebhookEvent, error)
}

// MessageSource is the consumer side of the broker.
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// ResponseWorker moves vendor responses from Kafka into the webhook inbox. The
// offset is committed only after the event is stored, so nothing is lost when the
// process dies between fetch and insert.
type ResponseWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	ingester     Ingester
	logger       *zap.Logger
}

// NewResponseWorker creates a new vendor response worker
func NewResponseWorker(consumer MessageSource, ingester Ingester) *ResponseWorker {
	w := &ResponseWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		ingester:     ingester,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnVendorResponse(w.handleVendorResponse)
	return w
}

func (w *ResponseWorker) handleVendorResponse(ctx context.Context, event *models.VendorResponseEvent, _ []byte) error {
	payload, err := json.Marshal(models.VendorResponsePayload{
		AcceptanceID: event.AcceptanceID,
		Response:     event.Response,
		ActorID:      event.ActorID,
	})
	if err != nil {
		return err
	}

	_, err = w.ingester.Ingest(ctx, models.WebhookSourceVendorResponse, event.EventID, payload)
	if errors.Is(err, apperrors.ErrValidation) {
		// redelivery cannot fix it
		w.logger.Error("Dropping invalid vendor response",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return nil
	}
	return err
}

// Start consumes until ctx is cancelled.
func (w *ResponseWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting vendor response worker")
	err := w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop stops the worker
func (w *ResponseWorker) Stop() error {
	w.logger.Info("Stopping vendor response worker")
	return w.consumer.Close()
}
