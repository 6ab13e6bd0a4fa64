package callback

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CallbackStatus tracks relaying a status event back to the submitting EMR.
type CallbackStatus string

const (
	CallbackPending   CallbackStatus = "Pending"
	CallbackInFlight  CallbackStatus = "InFlight"
	CallbackSucceeded CallbackStatus = "Succeeded"
	CallbackFailed    CallbackStatus = "Failed"
)

// SourceSHIP marks events received from the downstream delivery service.
const SourceSHIP = "SHIP"

// StatusEvent is one delivery-status callback for a transaction, together
// with the outbox state of relaying it to the EMR.
type StatusEvent struct {
	ID            uuid.UUID `json:"id"`
	TransactionID string    `json:"transactionId"`
	Source        string    `json:"source"`

	CorrelationID string `json:"correlationId,omitempty"`
	ClientID      string `json:"clientId,omitempty"`
	FacilityID    string `json:"facilityId,omitempty"`

	ResourceType  string          `json:"resourceType"`
	ResourceID    string          `json:"resourceId"`
	ShipID        string          `json:"shipId,omitempty"`
	Status        string          `json:"status"`
	Message       string          `json:"message"`
	ReceivedAtUTC time.Time       `json:"receivedAtUtc"`
	Headers       json.RawMessage `json:"headers,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	PayloadHash   string          `json:"payloadHash"`

	CallbackStatus        CallbackStatus `json:"callbackStatus"`
	CallbackAttempts      int            `json:"callbackAttempts"`
	CallbackNextAttemptAt *time.Time     `json:"callbackNextAttemptAt,omitempty"`
	CallbackLastError     string         `json:"callbackLastError,omitempty"`
	CallbackDeliveredAt   *time.Time     `json:"callbackDeliveredAt,omitempty"`
	EMRTargetURL          string         `json:"emrTargetUrl,omitempty"`
	EMRResponseStatusCode int            `json:"emrResponseStatusCode,omitempty"`
	EMRResponseBody       string         `json:"emrResponseBody,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

func (e *StatusEvent) clone() *StatusEvent {
	cp := *e
	cp.Headers = append(json.RawMessage(nil), e.Headers...)
	if e.Data != nil {
		cp.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.CallbackNextAttemptAt != nil {
		t := *e.CallbackNextAttemptAt
		cp.CallbackNextAttemptAt = &t
	}
	if e.CallbackDeliveredAt != nil {
		t := *e.CallbackDeliveredAt
		cp.CallbackDeliveredAt = &t
	}
	return &cp
}

// UpsertResult reports how an incoming event was reconciled. Event is nil
// only for the anomalous conflict where the colliding row cannot be read.
type UpsertResult struct {
	Event     *StatusEvent
	Duplicate bool
	Conflict  bool
}

// DeliveryUpdate is the outbox state written after one relay attempt.
type DeliveryUpdate struct {
	Status             CallbackStatus
	Attempts           int
	NextAttemptAt      *time.Time
	LastError          string
	DeliveredAt        *time.Time
	ResponseStatusCode int
	ResponseBody       string
}
