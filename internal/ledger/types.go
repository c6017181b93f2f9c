package ledger

import (
	"encoding/json"
	"time"
)

// HoldState is the lifecycle state of a credit hold.
type HoldState string

const (
	HoldActive   HoldState = "ACTIVE"
	HoldCaptured HoldState = "CAPTURED"
	HoldExpired  HoldState = "EXPIRED"
)

// EventType enumerates every ledger mutation that produces a domain event.
type EventType string

const (
	EventCreditAdded       EventType = "CREDIT_ADDED"
	EventCreditHoldCreated EventType = "CREDIT_HOLD_CREATED"
	EventCreditHoldCapture EventType = "CREDIT_HOLD_CAPTURED"
	EventCreditHoldExpired EventType = "CREDIT_HOLD_EXPIRED"
	EventCreditRemoved     EventType = "CREDIT_REMOVED"
	EventCreditExpired     EventType = "CREDIT_EXPIRED"
)

// EventTypes lists all known event types in a stable order.
var EventTypes = []EventType{
	EventCreditAdded,
	EventCreditHoldCreated,
	EventCreditHoldCapture,
	EventCreditHoldExpired,
	EventCreditRemoved,
	EventCreditExpired,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// EventStatus is the dispatch status of a domain event.
type EventStatus string

const (
	EventPending    EventStatus = "PENDING"
	EventProcessing EventStatus = "PROCESSING"
	EventProcessed  EventStatus = "PROCESSED"
	EventFailed     EventStatus = "FAILED"
)

// Batch is a single grant of credits with its own expiry and remaining balance.
type Batch struct {
	ID                string
	AccountID         string
	QuantityGranted   int64
	QuantityRemaining int64
	ExpiresAt         *time.Time
	CreatedAt         time.Time
}

// ExpiredAt reports whether the batch is past its expiry at now.
func (b Batch) ExpiredAt(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// Hold is a provisional reservation against exactly one batch.
type Hold struct {
	ID           string
	AccountID    string
	BatchID      string
	QuantityHeld int64
	State        HoldState
	Ref          string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Event is an append-only record of a ledger mutation.
type Event struct {
	ID             string
	AccountID      string
	Type           EventType
	Payload        json.RawMessage
	IdempotencyKey string
	Status         EventStatus
	RetryCount     int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Balance summarises an account's spendable and reserved credit.
type Balance struct {
	AccountID string `json:"account_id"`
	Available int64  `json:"available"`
	Held      int64  `json:"held"`
}

// CreditAddedPayload is carried by CREDIT_ADDED events.
type CreditAddedPayload struct {
	BatchID   string     `json:"batch_id"`
	Quantity  int64      `json:"quantity"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// HoldCreatedPayload is carried by CREDIT_HOLD_CREATED events.
type HoldCreatedPayload struct {
	HoldIDs     []string `json:"hold_ids"`
	MaxQuantity int64    `json:"max_quantity"`
	Ref         string   `json:"ref"`
}

// HoldCapturedPayload is carried by CREDIT_HOLD_CAPTURED events.
type HoldCapturedPayload struct {
	HoldIDs  []string `json:"hold_ids"`
	Captured int64    `json:"captured"`
	Refunded int64    `json:"refunded"`
	Ref      string   `json:"ref"`
}

// HoldExpiredPayload is carried by CREDIT_HOLD_EXPIRED events.
type HoldExpiredPayload struct {
	HoldID   string `json:"hold_id"`
	BatchID  string `json:"batch_id"`
	Quantity int64  `json:"quantity"`
}

// CreditRemovedPayload is carried by CREDIT_REMOVED events.
type CreditRemovedPayload struct {
	BatchID   string `json:"batch_id"`
	Requested int64  `json:"requested"`
	Removed   int64  `json:"removed"`
	Reason    string `json:"reason"`
}

// CreditExpiredPayload is carried by CREDIT_EXPIRED events.
type CreditExpiredPayload struct {
	BatchID  string `json:"batch_id"`
	Quantity int64  `json:"quantity"`
}

// eventKey builds the per-type idempotency key stored on an event row.
func eventKey(key string, t EventType) string {
	return key + "_" + string(t)
}
