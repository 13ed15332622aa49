package clinical

import (
	"encoding/json"
	"time"
)

// OrderType identifies a kind of clinical order. The set is open; these are
// the types the engine gives special handling or that scenarios commonly use.
type OrderType string

const (
	OrderVitals   OrderType = "vitals"
	OrderEKG      OrderType = "ekg"
	OrderLabs     OrderType = "labs"
	OrderImaging  OrderType = "imaging"
	OrderExam     OrderType = "exam"
	OrderIVAccess OrderType = "iv_access"
)

// OrderStatus is the lifecycle position of an order.
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderComplete OrderStatus = "complete"
)

// Order is one clinical order. CompletedAt is set if and only if Status is complete.
type Order struct {
	ID          string          `json:"id"`
	Type        OrderType       `json:"type"`
	Status      OrderStatus     `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	OrderedAt   time.Time       `json:"orderedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Clone returns a deep copy.
func (o Order) Clone() Order {
	out := o
	if o.Result != nil {
		out.Result = append(json.RawMessage(nil), o.Result...)
	}
	if o.CompletedAt != nil {
		completed := *o.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

// TelemetryReading is a vitals sample recorded while telemetry is on.
type TelemetryReading struct {
	At     time.Time `json:"at"`
	Vitals Vitals    `json:"vitals"`
}

// EKGResult is one EKG interpretation.
type EKGResult struct {
	At      time.Time `json:"at"`
	Rhythm  string    `json:"rhythm"`
	Summary string    `json:"summary,omitempty"`
}

// Treatment records an administered intervention.
type Treatment struct {
	At     time.Time `json:"at"`
	Type   string    `json:"type"`
	Note   string    `json:"note,omitempty"`
	Source string    `json:"source,omitempty"`
}

// TimelineEvent is a free-form scenario timeline marker.
type TimelineEvent struct {
	At     time.Time `json:"at"`
	Label  string    `json:"label"`
	Detail string    `json:"detail,omitempty"`
}
