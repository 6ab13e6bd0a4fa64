package ingest

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the downstream processing state of a record.
type Status string

const (
	StatusPending Status = "Pending"
	StatusSynced  Status = "Synced"
	StatusFailed  Status = "Failed"
)

// ExtractSourceAPI marks records that arrived over the ingest endpoint.
const ExtractSourceAPI = "API"

// Kind discriminates record variants. Every kind shares the same fields and
// idempotency key and differs only in where it is stored.
type Kind string

const (
	KindPatient Kind = "patient"
	KindGeneric Kind = "generic"
)

type kindSpec struct {
	table string
}

var kinds = map[Kind]kindSpec{
	KindPatient: {table: "patient_sync_record"},
	KindGeneric: {table: "generic_resource_sync_record"},
}

// lookupOrder is the order GetByTransactionID searches collections in.
var lookupOrder = []Kind{KindPatient, KindGeneric}

// KindFor maps a FHIR resource type to its record kind. Only Patient has a
// dedicated collection; everything else is generic.
func KindFor(resourceType string) Kind {
	if strings.EqualFold(resourceType, "Patient") {
		return KindPatient
	}
	return KindGeneric
}

// Table returns the collection name for k.
func (k Kind) Table() string {
	if info, ok := kinds[k]; ok {
		return info.table
	}
	return kinds[KindGeneric].table
}

// Key is the idempotency key of a submission.
type Key struct {
	ClientID      string
	FacilityID    string
	CorrelationID string
}

// Record is one ingested submission. Empty strings stand for absent values.
type Record struct {
	ID            uuid.UUID       `json:"id"`
	Kind          Kind            `json:"kind"`
	ClientID      string          `json:"clientId"`
	FacilityID    string          `json:"facilityId"`
	CorrelationID string          `json:"correlationId"`
	ResourceType  string          `json:"resourceType"`
	ResourceID    string          `json:"resourceId,omitempty"`
	ShipService   string          `json:"shipService,omitempty"`
	ExtractSource string          `json:"extractSource"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payloadHash"`

	Status             Status          `json:"status"`
	RetryCount         int             `json:"retryCount"`
	TransactionID      string          `json:"transactionId,omitempty"`
	LastAttemptAt      *time.Time      `json:"lastAttemptAt,omitempty"`
	APIResponsePayload json.RawMessage `json:"apiResponsePayload,omitempty"`
	SyncedResourceID   string          `json:"syncedResourceId,omitempty"`

	CallbackURL string `json:"callbackUrl,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (r *Record) Key() Key {
	return Key{ClientID: r.ClientID, FacilityID: r.FacilityID, CorrelationID: r.CorrelationID}
}

// clone returns a deep copy so stores never share mutable state with callers.
func (r *Record) clone() *Record {
	cp := *r
	cp.Payload = append(json.RawMessage(nil), r.Payload...)
	if r.APIResponsePayload != nil {
		cp.APIResponsePayload = append(json.RawMessage(nil), r.APIResponsePayload...)
	}
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	return &cp
}

// applyReattempt copies the incoming payload onto r and resets processing
// state so the record is picked up again as new work.
func (r *Record) applyReattempt(incoming *Record, now time.Time) {
	r.Payload = append(json.RawMessage(nil), incoming.Payload...)
	r.PayloadHash = incoming.PayloadHash
	r.ResourceType = incoming.ResourceType
	r.ResourceID = incoming.ResourceID
	r.ShipService = incoming.ShipService
	r.Status = StatusPending
	r.RetryCount = 0
	r.LastAttemptAt = nil
	r.APIResponsePayload = nil
	r.SyncedResourceID = ""
	r.CallbackURL = incoming.CallbackURL
	r.UpdatedAt = now
}

// Outcome is the disposition of a TryInsert call.
type Outcome string

const (
	OutcomeInserted                    Outcome = "Inserted"
	OutcomeReattemptChangedPayload     Outcome = "ReattemptChangedPayload"
	OutcomeIdempotentRepeatSamePayload Outcome = "IdempotentRepeatSamePayload"
)

// metricLabel is the Prometheus label value for o.
func (o Outcome) metricLabel() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeReattemptChangedPayload:
		return "reattempt_changed_payload"
	case OutcomeIdempotentRepeatSamePayload:
		return "idempotent_repeat_same_payload"
	}
	return "unknown"
}

// InsertResult pairs an outcome with the record as stored after the call.
type InsertResult struct {
	Outcome Outcome
	Record  *Record
}
