package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest-gateway/internal/platform/events"
	"github.com/ehr/ingest-gateway/internal/platform/telemetry"
	"github.com/ehr/ingest-gateway/internal/platform/webhook"
)

// MaxResourceIDLength bounds the caller supplied resourceId.
const MaxResourceIDLength = 100

// ValidationError describes a rejected submission field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

var (
	ErrNilRequest            = &ValidationError{Field: "request", Message: "request body is required"}
	ErrMissingClientID       = &ValidationError{Field: "clientId", Message: "client id is required"}
	ErrMissingCorrelationID  = &ValidationError{Field: "correlationId", Message: "correlationId is required"}
	ErrMissingFacilityID     = &ValidationError{Field: "facilityId", Message: "facilityId is required"}
	ErrMissingResourceType   = &ValidationError{Field: "resourceType", Message: "resourceType is required"}
	ErrResourceIDTooLong     = &ValidationError{Field: "resourceId", Message: "resourceId must be at most 100 characters"}
	ErrInvalidCallbackURL    = &ValidationError{Field: "callbackUrl", Message: "callbackUrl must be an absolute http or https URL"}
	ErrAmbiguousPayloadField = &ValidationError{Field: "fhirJson", Message: "supply the document in fhirJson or payload, not both"}
)

// IngestRequest is the body of POST /fhir-ingest. The FHIR document is taken
// from fhirJson, or from payload when fhirJson is absent.
type IngestRequest struct {
	ResourceType  string          `json:"resourceType"`
	ShipService   string          `json:"shipService,omitempty"`
	ResourceID    string          `json:"resourceId,omitempty"`
	FacilityID    string          `json:"facilityId"`
	CorrelationID string          `json:"correlationId"`
	CallbackURL   string          `json:"callbackUrl,omitempty"`
	FHIRJSON      json.RawMessage `json:"fhirJson,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func (r *IngestRequest) document() (json.RawMessage, error) {
	hasFHIR, hasPayload := present(r.FHIRJSON), present(r.Payload)
	switch {
	case hasFHIR && hasPayload:
		return nil, ErrAmbiguousPayloadField
	case hasFHIR:
		return r.FHIRJSON, nil
	default:
		return r.Payload, nil
	}
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// Service validates submissions and records them through the idempotent store.
type Service struct {
	store     *Store
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(store *Store, publisher events.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "ingest").Logger(),
		now:       time.Now,
	}
}

func validate(req *IngestRequest, clientID string) error {
	switch {
	case req == nil:
		return ErrNilRequest
	case clientID == "":
		return ErrMissingClientID
	case req.CorrelationID == "":
		return ErrMissingCorrelationID
	case req.FacilityID == "":
		return ErrMissingFacilityID
	case req.ResourceType == "":
		return ErrMissingResourceType
	case len(req.ResourceID) > MaxResourceIDLength:
		return ErrResourceIDTooLong
	}
	if req.CallbackURL != "" {
		if err := webhook.ValidateTargetURL(req.CallbackURL); err != nil {
			return ErrInvalidCallbackURL
		}
	}
	return nil
}

// Ingest records one submission for clientID and reports how it was resolved
// against earlier submissions with the same idempotency key.
func (s *Service) Ingest(ctx context.Context, req *IngestRequest, clientID string) (InsertResult, error) {
	if err := validate(req, clientID); err != nil {
		return InsertResult{}, err
	}

	doc, err := req.document()
	if err != nil {
		return InsertResult{}, err
	}
	payload, err := ParsePayload(doc)
	if err != nil {
		return InsertResult{}, &ValidationError{Field: "fhirJson", Message: err.Error()}
	}

	resourceID := req.ResourceID
	if resourceID == "" {
		resourceID = payload.ResourceID()
	}
	if len(resourceID) > MaxResourceIDLength {
		return InsertResult{}, ErrResourceIDTooLong
	}

	now := s.now().UTC()
	canonical := payload.Canonical()
	rec := &Record{
		ID:            uuid.New(),
		Kind:          KindFor(req.ResourceType),
		ClientID:      clientID,
		FacilityID:    req.FacilityID,
		CorrelationID: req.CorrelationID,
		ResourceType:  req.ResourceType,
		ResourceID:    resourceID,
		ShipService:   req.ShipService,
		ExtractSource: ExtractSourceAPI,
		Payload:       canonical,
		PayloadHash:   HashHex(canonical),
		Status:        StatusPending,
		RetryCount:    0,
		CallbackURL:   req.CallbackURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	res, err := s.store.TryInsert(ctx, rec)
	if err != nil {
		return InsertResult{}, err
	}
	telemetry.IngestOutcomes.WithLabelValues(res.Outcome.metricLabel()).Inc()

	s.logger.Info().
		Str("outcome", string(res.Outcome)).
		Str("client_id", clientID).
		Str("facility_id", req.FacilityID).
		Str("correlation_id", req.CorrelationID).
		Str("resource_type", req.ResourceType).
		Str("payload_shape", string(payload.Shape())).
		Msg("ingestion recorded")

	if res.Outcome != OutcomeIdempotentRepeatSamePayload {
		s.publish(ctx, res)
	}
	return res, nil
}

// publish is best effort: the record is already committed.
func (s *Service) publish(ctx context.Context, res InsertResult) {
	rec := res.Record
	err := s.publisher.Publish(ctx, events.Event{
		Type: events.TypeResourceIngested,
		Key:  rec.CorrelationID,
		Data: events.ResourceIngested{
			CorrelationID: rec.CorrelationID,
			ClientID:      rec.ClientID,
			FacilityID:    rec.FacilityID,
			ResourceType:  rec.ResourceType,
			ResourceID:    rec.ResourceID,
			Outcome:       string(res.Outcome),
			PayloadHash:   rec.PayloadHash,
		},
	})
	if err != nil {
		telemetry.EventPublishFailures.WithLabelValues(events.TypeResourceIngested).Inc()
		s.logger.Error().Err(err).
			Str("correlation_id", rec.CorrelationID).
			Msg("publish ResourceIngested failed")
	}
}

// GetByTransactionID exposes the originating record lookup used by the
// callback path.
func (s *Service) GetByTransactionID(ctx context.Context, transactionID string) (*Record, error) {
	return s.store.GetByTransactionID(ctx, transactionID)
}

// IsValidation reports whether err is a caller input error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
