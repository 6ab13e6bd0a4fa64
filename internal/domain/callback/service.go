package callback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest-gateway/internal/domain/ingest"
	"github.com/ehr/ingest-gateway/internal/platform/events"
	"github.com/ehr/ingest-gateway/internal/platform/telemetry"
)

const (
	HeaderResourceType  = "X-Fhir-Resource-Type"
	HeaderResourceID    = "X-Fhir-Resource-Id"
	HeaderCorrelationID = "X-Correlation-Id"

	// UnknownResourceType is recorded when neither the originating record
	// nor the headers name the resource type.
	UnknownResourceType = "Unknown"

	MaxMessageLength = 2000
)

var statusPattern = regexp.MustCompile(`^(SUCCESS|FAILED|PENDING)$`)

// ValidationError describes a rejected callback field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

var (
	ErrNilRequest           = &ValidationError{Field: "request", Message: "request body is required"}
	ErrMissingTransactionID = &ValidationError{Field: "transactionId", Message: "transactionId is required"}
	ErrInvalidStatus        = &ValidationError{Field: "status", Message: "status must be SUCCESS, FAILED or PENDING"}
	ErrInvalidMessage       = &ValidationError{Field: "message", Message: "message must be between 1 and 2000 characters"}
	ErrInvalidData          = &ValidationError{Field: "data", Message: "data must be a JSON object"}

	// ErrStatusConflict rejects a callback whose content differs from the
	// event already recorded for its transaction id.
	ErrStatusConflict = errors.New("status event conflicts with the recorded event")
)

// AckRequest is the body of POST /patient/ack.
type AckRequest struct {
	Status        string          `json:"status"`
	Message       string          `json:"message"`
	ShipID        string          `json:"shipId,omitempty"`
	TransactionID string          `json:"transactionId"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
}

func (r *AckRequest) hasData() bool {
	return len(r.Data) > 0 && string(r.Data) != "null"
}

// AckResponse is returned for recorded and duplicate callbacks alike.
type AckResponse struct {
	TransactionID  string    `json:"transactionId"`
	StatusRecorded string    `json:"statusRecorded"`
	Duplicate      bool      `json:"duplicate"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// OriginLookup finds the ingestion record a transaction id was assigned to.
type OriginLookup interface {
	GetByTransactionID(ctx context.Context, transactionID string) (*ingest.Record, error)
}

type Service struct {
	store     *Store
	origins   OriginLookup
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(store *Store, origins OriginLookup, publisher events.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		store:     store,
		origins:   origins,
		publisher: publisher,
		logger:    logger.With().Str("component", "callback").Logger(),
		now:       time.Now,
	}
}

func validate(req *AckRequest) error {
	if req == nil {
		return ErrNilRequest
	}
	if req.TransactionID == "" {
		return ErrMissingTransactionID
	}
	if !statusPattern.MatchString(req.Status) {
		return ErrInvalidStatus
	}
	if n := utf8.RuneCountInString(req.Message); n < 1 || n > MaxMessageLength {
		return ErrInvalidMessage
	}
	if req.hasData() {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(req.Data, &obj); err != nil || obj == nil {
			return ErrInvalidData
		}
	}
	return nil
}

// ProcessStatusUpdate records one delivery-status callback. A resubmission
// with the same content reports Duplicate; different content for a known
// transaction id fails with ErrStatusConflict and leaves the first event as is.
func (s *Service) ProcessStatusUpdate(ctx context.Context, headers http.Header, req *AckRequest) (AckResponse, error) {
	if err := validate(req); err != nil {
		return AckResponse{}, err
	}

	log := s.logger.With().Str("transaction_id", req.TransactionID).Logger()

	origin := s.lookupOrigin(ctx, req.TransactionID, log)

	var data json.RawMessage
	if req.hasData() {
		canonical, err := ingest.Canonicalize(req.Data)
		if err != nil {
			return AckResponse{}, ErrInvalidData
		}
		data = canonical
	}

	now := s.now().UTC()
	receivedAt := now
	if req.Timestamp != nil {
		receivedAt = req.Timestamp.UTC()
	}
	next := now

	evt := &StatusEvent{
		ID:                    uuid.New(),
		TransactionID:         req.TransactionID,
		Source:                SourceSHIP,
		CorrelationID:         headers.Get(HeaderCorrelationID),
		ResourceType:          firstNonEmpty(headers.Get(HeaderResourceType), UnknownResourceType),
		ResourceID:            firstNonEmpty(headers.Get(HeaderResourceID), req.TransactionID),
		ShipID:                req.ShipID,
		Status:                req.Status,
		Message:               req.Message,
		ReceivedAtUTC:         receivedAt,
		Headers:               headersJSON(headers),
		Data:                  data,
		PayloadHash:           StableHash(req.Status, req.Message, req.ShipID, req.TransactionID, data),
		CallbackStatus:        CallbackPending,
		CallbackNextAttemptAt: &next,
		CreatedAt:             now,
	}
	if origin != nil {
		evt.CorrelationID = firstNonEmpty(origin.CorrelationID, evt.CorrelationID)
		evt.ClientID = origin.ClientID
		evt.FacilityID = origin.FacilityID
		evt.ResourceType = firstNonEmpty(origin.ResourceType, evt.ResourceType)
		evt.ResourceID = firstNonEmpty(origin.ResourceID, evt.ResourceID)
		evt.EMRTargetURL = origin.CallbackURL
	}

	res, err := s.store.Upsert(ctx, evt)
	if err != nil {
		return AckResponse{}, err
	}

	switch {
	case res.Conflict:
		telemetry.StatusCallbacks.WithLabelValues("conflict").Inc()
		log.Warn().Str("status", req.Status).Msg("status callback conflicts with recorded event")
		return AckResponse{}, ErrStatusConflict
	case res.Duplicate:
		telemetry.StatusCallbacks.WithLabelValues("duplicate").Inc()
		log.Info().Str("status", res.Event.Status).Msg("duplicate status callback")
	default:
		telemetry.StatusCallbacks.WithLabelValues("persisted").Inc()
		log.Info().
			Str("status", res.Event.Status).
			Str("correlation_id", res.Event.CorrelationID).
			Str("resource_type", res.Event.ResourceType).
			Bool("relay", res.Event.EMRTargetURL != "").
			Msg("status callback recorded")
		s.publish(ctx, res.Event)
	}

	return AckResponse{
		TransactionID:  res.Event.TransactionID,
		StatusRecorded: res.Event.Status,
		Duplicate:      res.Duplicate,
		RecordedAt:     res.Event.ReceivedAtUTC,
	}, nil
}

// lookupOrigin is best effort. Without an origin the event keeps only the
// context carried by the callback headers.
func (s *Service) lookupOrigin(ctx context.Context, transactionID string, log zerolog.Logger) *ingest.Record {
	if s.origins == nil {
		return nil
	}
	origin, err := s.origins.GetByTransactionID(ctx, transactionID)
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		log.Warn().Msg("no originating record for transaction")
		return nil
	case err != nil:
		log.Warn().Err(err).Msg("originating record lookup failed")
		return nil
	}
	return origin
}

func (s *Service) publish(ctx context.Context, evt *StatusEvent) {
	err := s.publisher.Publish(ctx, events.Event{
		Type: events.TypePatientTransmissionStatusUpdated,
		Key:  evt.TransactionID,
		Data: events.PatientTransmissionStatusUpdated{
			TransactionID: evt.TransactionID,
			Status:        evt.Status,
			Message:       evt.Message,
			ResourceID:    evt.ResourceID,
			ShipID:        evt.ShipID,
		},
	})
	if err != nil {
		telemetry.EventPublishFailures.WithLabelValues(events.TypePatientTransmissionStatusUpdated).Inc()
		s.logger.Error().Err(err).
			Str("transaction_id", evt.TransactionID).
			Msg("publish PatientTransmissionStatusUpdated failed")
	}
}

func (s *Service) GetByTransactionID(ctx context.Context, transactionID string) (*StatusEvent, error) {
	return s.store.GetByTransactionID(ctx, transactionID)
}

func (s *Service) GetByCorrelationID(ctx context.Context, correlationID string) (*StatusEvent, error) {
	return s.store.GetByCorrelationID(ctx, correlationID)
}

// StableHash is the content hash compared when a transaction id repeats. An
// attached document contributes only its own digest.
func StableHash(status, message, shipID, transactionID string, data json.RawMessage) string {
	var dataSum *string
	if len(data) > 0 {
		h := ingest.HashHex(data)
		dataSum = &h
	}
	doc, _ := json.Marshal(struct {
		Status        string  `json:"status"`
		Message       string  `json:"message"`
		ShipID        string  `json:"shipId"`
		TransactionID string  `json:"transactionId"`
		DataSHA256    *string `json:"dataSha256"`
	}{status, message, shipID, transactionID, dataSum})
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// redactedHeaders never reach storage.
var redactedHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
}

func headersJSON(h http.Header) json.RawMessage {
	flat := make(map[string]string, len(h))
	for name, values := range h {
		name = http.CanonicalHeaderKey(name)
		if redactedHeaders[name] || len(values) == 0 {
			continue
		}
		flat[name] = values[0]
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return nil
	}
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
