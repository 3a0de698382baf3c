package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Order is the order-management view of an order that the router reads.
type Order struct {
	ID          int64     `db:"id" json:"id"`
	RetailerID  int64     `db:"retailer_id" json:"retailer_id"`
	RetailerLat *float64  `db:"retailer_lat" json:"retailer_lat,omitempty"`
	RetailerLng *float64  `db:"retailer_lng" json:"retailer_lng,omitempty"`
	Status      string    `db:"status" json:"status"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`

	Items []OrderItem `db:"-" json:"items"`
}

// OrderItem represents items in an order
type OrderItem struct {
	ProductID int64 `db:"product_id" json:"product_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
}

// Order statuses owned by the routing subsystem
const (
	OrderStatusCreated           = "CREATED"
	OrderStatusRouting           = "ROUTING"
	OrderStatusVendorAssigned    = "VENDOR_ASSIGNED"
	OrderStatusAccepted          = "ACCEPTED"
	OrderStatusPartiallyAccepted = "PARTIALLY_ACCEPTED"
	OrderStatusFailed            = "FAILED"
)

// IsTerminalOrderStatus reports whether routing is finished for the order.
func IsTerminalOrderStatus(status string) bool {
	switch status {
	case OrderStatusAccepted, OrderStatusPartiallyAccepted, OrderStatusFailed:
		return true
	}
	return false
}

// Vendor is a wholesale vendor as seen by vendor-management.
type Vendor struct {
	ID           int64    `db:"id" json:"id"`
	Name         string   `db:"name" json:"name"`
	Phone        string   `db:"phone" json:"phone"`
	Region       string   `db:"region" json:"region"`
	Lat          *float64 `db:"lat" json:"lat,omitempty"`
	Lng          *float64 `db:"lng" json:"lng,omitempty"`
	Capacity     int      `db:"capacity" json:"capacity"`
	ActiveOrders int      `db:"active_orders" json:"active_orders"`
}

// ProductStock is one vendor's stock and price for a product.
type ProductStock struct {
	ProductID int64           `db:"product_id" json:"product_id"`
	Available int             `db:"available" json:"available"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// VendorOffer is a vendor together with the stock it carries for the requested products.
type VendorOffer struct {
	Vendor
	Stock map[int64]ProductStock `json:"stock"`
}

// Covers reports whether the vendor can fulfil every item on its own.
func (o VendorOffer) Covers(items []OrderItem) bool {
	for _, item := range items {
		st, ok := o.Stock[item.ProductID]
		if !ok || st.Available < item.Quantity {
			return false
		}
	}
	return true
}

// VendorReliability holds the historical counters behind the reliability sub-score.
type VendorReliability struct {
	VendorID        int64 `db:"vendor_id" json:"vendor_id"`
	OffersReceived  int   `db:"offers_received" json:"offers_received"`
	OffersAccepted  int   `db:"offers_accepted" json:"offers_accepted"`
	OrdersAccepted  int   `db:"orders_accepted" json:"orders_accepted"`
	OrdersDelivered int   `db:"orders_delivered" json:"orders_delivered"`
}

// VendorCandidate is a scored vendor for one routing group.
type VendorCandidate struct {
	VendorID         int64   `json:"vendor_id"`
	VendorName       string  `json:"vendor_name,omitempty"`
	PriceScore       float64 `json:"price_score"`
	ReliabilityScore float64 `json:"reliability_score"`
	ProximityScore   float64 `json:"proximity_score"`
	LoadScore        float64 `json:"load_score"`
	Composite        float64 `json:"composite"`
	Rank             int     `json:"rank"`
	ActiveOrders     int     `json:"active_orders"`
	DistanceKm       float64 `json:"distance_km"`
	Total            string  `json:"total"`
}

// RoutingGroup is the sub-order a single vendor is asked to fulfil.
type RoutingGroup struct {
	OrderID       int64       `db:"order_id" json:"order_id"`
	GroupKey      string      `db:"group_key" json:"group_key"`
	Items         []OrderItem `db:"-" json:"items"`
	ItemsJSON     []byte      `db:"items" json:"-"`
	Status        string      `db:"status" json:"status"`
	FailureReason string      `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// DefaultGroupKey names the single group of an order that was not split.
const DefaultGroupKey = "all"

// Routing group statuses
const (
	GroupStatusRouting        = "ROUTING"
	GroupStatusVendorAssigned = "VENDOR_ASSIGNED"
	GroupStatusAccepted       = "ACCEPTED"
	GroupStatusFailed         = "FAILED"
)

// IsTerminal reports whether the group needs no further routing.
func (g RoutingGroup) IsTerminal() bool {
	return g.Status == GroupStatusAccepted || g.Status == GroupStatusFailed
}

// AcceptanceRequest is a time-boxed offer to one vendor.
type AcceptanceRequest struct {
	ID            string     `db:"id" json:"id"`
	OrderID       int64      `db:"order_id" json:"order_id"`
	GroupKey      string     `db:"group_key" json:"group_key"`
	VendorID      int64      `db:"vendor_id" json:"vendor_id"`
	Status        string     `db:"status" json:"status"`
	AttemptNumber int        `db:"attempt_number" json:"attempt_number"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expires_at"`
	RespondedAt   *time.Time `db:"responded_at" json:"responded_at,omitempty"`
	RespondedBy   string     `db:"responded_by" json:"responded_by,omitempty"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// Acceptance statuses
const (
	AcceptanceStatusPending    = "PENDING"
	AcceptanceStatusAccepted   = "ACCEPTED"
	AcceptanceStatusRejected   = "REJECTED"
	AcceptanceStatusExpired    = "EXPIRED"
	AcceptanceStatusSuperseded = "SUPERSEDED"
)

// RoutingLogEntry is an immutable audit record of a routing decision.
type RoutingLogEntry struct {
	ID             string          `db:"id" json:"id"`
	OrderID        int64           `db:"order_id" json:"order_id"`
	GroupKey       string          `db:"group_key" json:"group_key"`
	AttemptNumber  int             `db:"attempt_number" json:"attempt_number"`
	Event          string          `db:"event" json:"event"`
	VendorID       *int64          `db:"vendor_id" json:"vendor_id,omitempty"`
	Candidates     json.RawMessage `db:"-" json:"candidates,omitempty"`
	CandidatesJSON []byte          `db:"candidates" json:"-"`
	OverrideBy     string          `db:"override_by" json:"override_by,omitempty"`
	OverrideReason string          `db:"override_reason" json:"override_reason,omitempty"`
	Message        string          `db:"message" json:"message,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Routing log events
const (
	RoutingEventAssigned = "ASSIGNED"
	RoutingEventOverride = "OVERRIDE"
	RoutingEventAccepted = "ACCEPTED"
	RoutingEventRejected = "REJECTED"
	RoutingEventExpired  = "EXPIRED"
	RoutingEventFallback = "FALLBACK"
	RoutingEventFailed   = "FAILED"
)

// WorkflowCheckpoint marks the last completed step of a multi-step operation.
type WorkflowCheckpoint struct {
	ID           string    `db:"id" json:"id"`
	EntityType   string    `db:"entity_type" json:"entity_type"`
	EntityID     string    `db:"entity_id" json:"entity_id"`
	WorkflowType string    `db:"workflow_type" json:"workflow_type"`
	CurrentStep  string    `db:"current_step" json:"current_step"`
	StepData     []byte    `db:"step_data" json:"step_data"`
	Status       string    `db:"status" json:"status"`
	HeartbeatAt  time.Time `db:"heartbeat_at" json:"heartbeat_at"`
	ResumeCount  int       `db:"resume_count" json:"resume_count"`
	LastError    string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Workflow statuses
const (
	WorkflowStatusRunning   = "RUNNING"
	WorkflowStatusCompleted = "COMPLETED"
	WorkflowStatusFailed    = "FAILED"
)

// WebhookEvent is an ingested external event waiting to be processed.
type WebhookEvent struct {
	ID                  string     `db:"id" json:"id"`
	Source              string     `db:"source" json:"source"`
	Payload             []byte     `db:"payload" json:"payload"`
	Status              string     `db:"status" json:"status"`
	RetryCount          int        `db:"retry_count" json:"retry_count"`
	LastError           string     `db:"last_error" json:"last_error,omitempty"`
	FailureHistory      []byte     `db:"failure_history" json:"-"`
	ProcessingStartedAt *time.Time `db:"processing_started_at" json:"processing_started_at,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Webhook statuses
const (
	WebhookStatusPending    = "PENDING"
	WebhookStatusProcessing = "PROCESSING"
	WebhookStatusCompleted  = "COMPLETED"
	WebhookStatusFailed     = "FAILED"
)

// Webhook sources
const (
	WebhookSourceVendorResponse = "vendor_response"
	WebhookSourceOrderCreated   = "order_created"
)

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// DeadLetterJob is a full snapshot of a job whose retries are exhausted.
type DeadLetterJob struct {
	ID             string     `db:"id" json:"id"`
	SourceType     string     `db:"source_type" json:"source_type" yaml:"source_type"`
	SourceID       string     `db:"source_id" json:"source_id" yaml:"source_id"`
	Payload        []byte     `db:"payload" json:"payload" yaml:"-"`
	FailureHistory []byte     `db:"failure_history" json:"failure_history" yaml:"-"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at" yaml:"created_at"`
	ReplayedAt     *time.Time `db:"replayed_at" json:"replayed_at,omitempty" yaml:"replayed_at,omitempty"`
}

// Dead letter source types
const (
	DeadLetterSourceWebhook       = "webhook"
	DeadLetterSourceWorkflow      = "workflow"
	DeadLetterSourceOrderRecovery = "order_recovery"
)

// FailureRecord is one entry of a dead letter's failure history.
type FailureRecord struct {
	Attempt int       `json:"attempt" yaml:"attempt"`
	Error   string    `json:"error" yaml:"error"`
	At      time.Time `json:"at" yaml:"at"`
}

// OrderRecoveryState tracks an order found in an inconsistent intermediate state.
type OrderRecoveryState struct {
	OrderID      int64     `db:"order_id" json:"order_id"`
	FailurePoint string    `db:"failure_point" json:"failure_point"`
	Status       string    `db:"status" json:"status"`
	Attempts     int       `db:"attempts" json:"attempts"`
	LastError    string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Order recovery statuses
const (
	RecoveryStatusPendingRetry = "PENDING_RETRY"
	RecoveryStatusRecovered    = "RECOVERED"
	RecoveryStatusManualReview = "MANUAL_REVIEW"
)

// AdminAlert is an admin-visible alert raised by the routing subsystem.
type AdminAlert struct {
	ID        string    `db:"id" json:"id"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	Kind      string    `db:"kind" json:"kind"`
	Message   string    `db:"message" json:"message"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Alert kinds
const (
	AlertNoEligibleVendor  = "NO_ELIGIBLE_VENDOR"
	AlertAttemptsExhausted = "ATTEMPTS_EXHAUSTED"
	AlertRecoveryFailed    = "RECOVERY_FAILED"
	AlertDeadLetter        = "DEAD_LETTER"
)
