package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"order-routing/internal/apperrors"
	"order-routing/internal/models"
	"order-routing/internal/store"
	"order-routing/internal/util"

	"github.com/google/uuid"
	"github.com/ttacon/libphonenumber"
	"go.uber.org/zap"
)

// EventPublisher hands routing events to the messaging collaborator.
type EventPublisher interface {
	PublishVendorNotification(ctx context.Context, event *models.VendorNotificationEvent) error
	PublishOrderRouted(ctx context.Context, event *models.OrderRoutedEvent) error
	PublishAdminAlert(ctx context.Context, event *models.AdminAlertEvent) error
}

type nopPublisher struct{}

func (nopPublisher) PublishVendorNotification(context.Context, *models.VendorNotificationEvent) error {
	return nil
}
func (nopPublisher) PublishOrderRouted(context.Context, *models.OrderRoutedEvent) error { return nil }
func (nopPublisher) PublishAdminAlert(context.Context, *models.AdminAlertEvent) error   { return nil }

const publishTimeout = 10 * time.Second

// Notifier publishes vendor notifications and routing events in the background.
// A failed publish is logged and counted; it never rolls back the state change
// that triggered it.
type Notifier struct {
	vendors   store.VendorStore
	publisher EventPublisher
	region    string
	logger    *zap.Logger
	wg        sync.WaitGroup
	Now       func() time.Time
}

// NewNotifier creates a notifier. A nil publisher drops every event.
func NewNotifier(vendors store.VendorStore, publisher EventPublisher, region string) *Notifier {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Notifier{
		vendors:   vendors,
		publisher: publisher,
		region:    region,
		logger:    util.GetLogger(),
		Now:       time.Now,
	}
}

// Wait blocks until every background publish has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) background(ctx context.Context, kind string, fn func(ctx context.Context) error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			err = apperrors.Transient("Notifier."+kind, err)
			util.VendorNotifyFailuresTotal.WithLabelValues(kind).Inc()
			n.logger.Error("Background publish failed",
				zap.String("event", kind),
				zap.String("kind", apperrors.KindOf(err).String()),
				zap.Error(err))
		}
	}()
}

func (n *Notifier) baseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: n.Now().UTC(),
	}
}

// NotifyVendor asks the messaging collaborator to contact the vendor of req.
func (n *Notifier) NotifyVendor(ctx context.Context, req models.AcceptanceRequest, items []models.OrderItem) {
	n.background(ctx, "vendor_notification", func(ctx context.Context) error {
		vendor, err := n.vendors.GetVendor(ctx, req.VendorID)
		if err != nil {
			return fmt.Errorf("load vendor %d: %w", req.VendorID, err)
		}
		phone, err := NormalizePhone(vendor.Phone, n.region)
		if err != nil {
			return fmt.Errorf("vendor %d: %w", vendor.ID, err)
		}
		return n.publisher.PublishVendorNotification(ctx, &models.VendorNotificationEvent{
			BaseEvent:     n.baseEvent(models.EventTypeVendorNotification),
			AcceptanceID:  req.ID,
			OrderID:       req.OrderID,
			VendorID:      req.VendorID,
			VendorPhone:   phone,
			AttemptNumber: req.AttemptNumber,
			ExpiresAt:     req.ExpiresAt,
			Items:         items,
		})
	})
}

// OrderRouted announces an assignment state change of one group.
func (n *Notifier) OrderRouted(ctx context.Context, eventType string, event models.OrderRoutedEvent) {
	event.BaseEvent = n.baseEvent(eventType)
	n.background(ctx, "order_routed", func(ctx context.Context) error {
		return n.publisher.PublishOrderRouted(ctx, &event)
	})
}

// AdminAlert forwards a stored alert to the messaging collaborator.
func (n *Notifier) AdminAlert(ctx context.Context, alert models.AdminAlert) {
	event := models.AdminAlertEvent{
		BaseEvent: n.baseEvent(models.EventTypeAdminAlert),
		AlertID:   alert.ID,
		OrderID:   alert.OrderID,
		Kind:      alert.Kind,
		Message:   alert.Message,
	}
	n.background(ctx, "admin_alert", func(ctx context.Context) error {
		return n.publisher.PublishAdminAlert(ctx, &event)
	})
}

// NormalizePhone formats a vendor phone number as E.164. Numbers without a
// country code are read as belonging to region.
func NormalizePhone(raw, region string) (string, error) {
	num, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("parse phone %q: %w", raw, err)
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", fmt.Errorf("invalid phone number %q", raw)
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}
