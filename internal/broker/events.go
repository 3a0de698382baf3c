package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"order-routing/internal/models"
	"order-routing/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing routing events
type EventPublisher struct {
	notifications *Producer
	routing       *Producer
}

// NewEventPublisher creates a new event publisher. Vendor notifications go to
// their own topic; assignment changes and admin alerts share the routing topic.
func NewEventPublisher(notifications, routing *Producer) *EventPublisher {
	return &EventPublisher{notifications: notifications, routing: routing}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishVendorNotification asks the messaging collaborator to contact a vendor
func (ep *EventPublisher) PublishVendorNotification(ctx context.Context, event *models.VendorNotificationEvent) error {
	return ep.notifications.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderRouted publishes an assignment state change
func (ep *EventPublisher) PublishOrderRouted(ctx context.Context, event *models.OrderRoutedEvent) error {
	return ep.routing.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishAdminAlert publishes an admin alert
func (ep *EventPublisher) PublishAdminAlert(ctx context.Context, event *models.AdminAlertEvent) error {
	return ep.routing.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onVendorResponse func(context.Context, *models.VendorResponseEvent, []byte) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnVendorResponse registers a handler for vendor replies. The raw message value
// is passed along so it can be stored verbatim.
func (eh *EventHandler) OnVendorResponse(handler func(context.Context, *models.VendorResponseEvent, []byte) error) {
	eh.onVendorResponse = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// never parses on redelivery either
		eh.logger.Error("Dropping malformed event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeVendorResponse:
		if eh.onVendorResponse != nil {
			var event models.VendorResponseEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				eh.logger.Error("Dropping malformed vendor response", zap.Error(err))
				return nil
			}
			return eh.onVendorResponse(ctx, &event, msg.Value)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
