package models

import "time"

// Event types
const (
	EventTypeVendorNotification = "VENDOR_NOTIFICATION_REQUESTED"
	EventTypeOrderAssigned      = "ORDER_VENDOR_ASSIGNED"
	EventTypeOrderAccepted      = "ORDER_VENDOR_ACCEPTED"
	EventTypeOrderRoutingFailed = "ORDER_ROUTING_FAILED"
	EventTypeAdminAlert         = "ADMIN_ALERT_RAISED"
	EventTypeVendorResponse     = "VENDOR_RESPONSE_RECEIVED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// VendorNotificationEvent asks the messaging collaborator to contact a vendor
type VendorNotificationEvent struct {
	BaseEvent
	AcceptanceID  string      `json:"acceptance_id"`
	OrderID       int64       `json:"order_id"`
	VendorID      int64       `json:"vendor_id"`
	VendorPhone   string      `json:"vendor_phone"`
	AttemptNumber int         `json:"attempt_number"`
	ExpiresAt     time.Time   `json:"expires_at"`
	Items         []OrderItem `json:"items"`
}

// OrderRoutedEvent published when an order group changes assignment state
type OrderRoutedEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	GroupKey      string `json:"group_key"`
	VendorID      int64  `json:"vendor_id,omitempty"`
	AcceptanceID  string `json:"acceptance_id,omitempty"`
	AttemptNumber int    `json:"attempt_number,omitempty"`
	OrderStatus   string `json:"order_status"`
	Reason        string `json:"reason,omitempty"`
}

// AdminAlertEvent published when an admin-visible alert is raised
type AdminAlertEvent struct {
	BaseEvent
	AlertID string `json:"alert_id"`
	OrderID int64  `json:"order_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// VendorResponseEvent is produced by the messaging collaborator when a vendor replies
type VendorResponseEvent struct {
	BaseEvent
	AcceptanceID string `json:"acceptance_id"`
	Response     string `json:"response"`
	ActorID      string `json:"actor_id"`
}

// VendorResponsePayload is the webhook payload for a vendor reply
type VendorResponsePayload struct {
	AcceptanceID string `json:"acceptance_id"`
	Response     string `json:"response"`
	ActorID      string `json:"actor_id"`
}

// OrderCreatedPayload is the webhook payload announcing a new order to route
type OrderCreatedPayload struct {
	OrderID    int64 `json:"order_id"`
	AllowSplit bool  `json:"allow_split,omitempty"`
}
