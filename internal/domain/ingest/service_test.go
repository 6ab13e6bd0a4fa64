package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest-gateway/internal/platform/events"
	"github.com/ehr/ingest-gateway/internal/platform/telemetry"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func newTestService() (*Service, *MemoryCollection, *recordingPublisher) {
	coll := NewMemoryCollection()
	pub := &recordingPublisher{}
	return NewService(NewStore(coll), pub, zerolog.Nop()), coll, pub
}

func patientRequest(payload string) *IngestRequest {
	return &IngestRequest{
		ResourceType:  "Patient",
		FacilityID:    "F1",
		CorrelationID: "C1",
		Payload:       json.RawMessage(payload),
	}
}

// Two identical submissions then a changed payload under the same key.
func TestService_IdempotencyScenario(t *testing.T) {
	ctx := context.Background()
	svc, coll, pub := newTestService()

	first, err := svc.Ingest(ctx, patientRequest(`{"id":"p1"}`), "emr-1")
	if err != nil {
		t.Fatal(err)
	}
	if first.Outcome != OutcomeInserted {
		t.Fatalf("expected Inserted, got %s", first.Outcome)
	}

	second, err := svc.Ingest(ctx, patientRequest(`{ "id" : "p1" }`), "emr-1")
	if err != nil {
		t.Fatal(err)
	}
	if second.Outcome != OutcomeIdempotentRepeatSamePayload {
		t.Fatalf("expected IdempotentRepeatSamePayload, got %s", second.Outcome)
	}

	third, err := svc.Ingest(ctx, patientRequest(`{"id":"p1","active":true}`), "emr-1")
	if err != nil {
		t.Fatal(err)
	}
	if third.Outcome != OutcomeReattemptChangedPayload {
		t.Fatalf("expected ReattemptChangedPayload, got %s", third.Outcome)
	}
	if third.Record.RetryCount != 0 || third.Record.Status != StatusPending {
		t.Errorf("expected reset processing fields, got %+v", third.Record)
	}
	if third.Record.PayloadHash == first.Record.PayloadHash {
		t.Error("expected payload hash to change")
	}
	if coll.Len() != 1 {
		t.Errorf("expected exactly one record, got %d", coll.Len())
	}

	if len(pub.events) != 2 {
		t.Fatalf("expected events for insert and reattempt only, got %d", len(pub.events))
	}
	data := pub.events[1].Data.(events.ResourceIngested)
	if data.Outcome != string(OutcomeReattemptChangedPayload) || data.CorrelationID != "C1" {
		t.Errorf("unexpected event data %+v", data)
	}
}

func TestService_RecordFields(t *testing.T) {
	svc, _, _ := newTestService()
	req := &IngestRequest{
		ResourceType:  "Observation",
		ShipService:   "PDS",
		FacilityID:    "F1",
		CorrelationID: "C9",
		CallbackURL:   "https://emr.example.org/cb",
		FHIRJSON:      json.RawMessage(`{"resourceType":"Observation","id":"o1","status":"final"}`),
	}
	res, err := svc.Ingest(context.Background(), req, "emr-1")
	if err != nil {
		t.Fatal(err)
	}
	r := res.Record
	if r.Kind != KindGeneric {
		t.Errorf("expected generic kind, got %s", r.Kind)
	}
	if r.ResourceID != "o1" {
		t.Errorf("expected resource id from payload, got %q", r.ResourceID)
	}
	if r.ExtractSource != ExtractSourceAPI || r.ShipService != "PDS" || r.Status != StatusPending {
		t.Errorf("unexpected defaults %+v", r)
	}
	if string(r.Payload) != `{"id":"o1","resourceType":"Observation","status":"final"}` {
		t.Errorf("expected canonical payload, got %s", r.Payload)
	}
	if r.PayloadHash != HashHex(r.Payload) || len(r.PayloadHash) != 64 {
		t.Errorf("unexpected hash %q", r.PayloadHash)
	}
}

func TestService_ResourceIDPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		explicit string
		payload  string
		want     string
	}{
		{"explicit wins", "x1", `{"id":"p1"}`, "x1"},
		{"resource id", "", `{"id":"p1"}`, "p1"},
		{"bundle first entry", "", `{"resourceType":"Bundle","id":"b","entry":[{"resource":{"id":"e1"}}]}`, "e1"},
		{"absent", "", `{"name":"x"}`, ""},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService()
			req := patientRequest(tt.payload)
			req.ResourceID = tt.explicit
			req.CorrelationID = string(rune('A' + i))
			res, err := svc.Ingest(context.Background(), req, "emr-1")
			if err != nil {
				t.Fatal(err)
			}
			if res.Record.ResourceID != tt.want {
				t.Errorf("expected %q, got %q", tt.want, res.Record.ResourceID)
			}
		})
	}
}

func TestService_Validation(t *testing.T) {
	long := make([]byte, MaxResourceIDLength+1)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name     string
		req      *IngestRequest
		clientID string
		want     error
	}{
		{"nil request", nil, "emr-1", ErrNilRequest},
		{"missing client", patientRequest(`{}`), "", ErrMissingClientID},
		{"missing correlation", &IngestRequest{ResourceType: "Patient", FacilityID: "F1", Payload: []byte(`{}`)}, "emr-1", ErrMissingCorrelationID},
		{"missing facility", &IngestRequest{ResourceType: "Patient", CorrelationID: "C1", Payload: []byte(`{}`)}, "emr-1", ErrMissingFacilityID},
		{"missing type", &IngestRequest{FacilityID: "F1", CorrelationID: "C1", Payload: []byte(`{}`)}, "emr-1", ErrMissingResourceType},
		{"long resource id", &IngestRequest{ResourceType: "Patient", FacilityID: "F1", CorrelationID: "C1", ResourceID: string(long), Payload: []byte(`{}`)}, "emr-1", ErrResourceIDTooLong},
		{"bad callback", &IngestRequest{ResourceType: "Patient", FacilityID: "F1", CorrelationID: "C1", CallbackURL: "ftp://x", Payload: []byte(`{}`)}, "emr-1", ErrInvalidCallbackURL},
		{"both payload fields", &IngestRequest{ResourceType: "Patient", FacilityID: "F1", CorrelationID: "C1", FHIRJSON: []byte(`{}`), Payload: []byte(`{}`)}, "emr-1", ErrAmbiguousPayloadField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, coll, _ := newTestService()
			_, err := svc.Ingest(context.Background(), tt.req, tt.clientID)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !IsValidation(err) {
				t.Error("expected a validation error")
			}
			if coll.Len() != 0 {
				t.Error("validation failures must not write")
			}
		})
	}
}

func TestService_UnrecognizedPayload(t *testing.T) {
	for _, raw := range []string{``, `null`, `[1,2]`, `"text"`} {
		svc, _, _ := newTestService()
		req := patientRequest(raw)
		_, err := svc.Ingest(context.Background(), req, "emr-1")
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != "fhirJson" {
			t.Errorf("payload %q: expected fhirJson validation error, got %v", raw, err)
		}
	}
}

func TestService_PublishFailureDoesNotFail(t *testing.T) {
	coll := NewMemoryCollection()
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := NewService(NewStore(coll), pub, zerolog.Nop())

	before := testutil.ToFloat64(telemetry.EventPublishFailures.WithLabelValues(events.TypeResourceIngested))
	res, err := svc.Ingest(context.Background(), patientRequest(`{"id":"p1"}`), "emr-1")
	if err != nil {
		t.Fatalf("publish failure must not fail ingestion: %v", err)
	}
	if res.Outcome != OutcomeInserted || coll.Len() != 1 {
		t.Errorf("expected committed insert, got %s", res.Outcome)
	}
	after := testutil.ToFloat64(telemetry.EventPublishFailures.WithLabelValues(events.TypeResourceIngested))
	if after != before+1 {
		t.Errorf("expected publish failure counted, got %v -> %v", before, after)
	}
}

func TestService_CountsOutcomes(t *testing.T) {
	svc, _, _ := newTestService()
	counter := telemetry.IngestOutcomes.WithLabelValues("idempotent_repeat_same_payload")
	before := testutil.ToFloat64(counter)

	svc.Ingest(context.Background(), patientRequest(`{"id":"p1"}`), "emr-1")
	svc.Ingest(context.Background(), patientRequest(`{"id":"p1"}`), "emr-1")

	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Errorf("expected one repeat counted, got %v", got-before)
	}
}
