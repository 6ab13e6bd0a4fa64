package callback

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ingest-gateway/internal/platform/telemetry"
	"github.com/ehr/ingest-gateway/internal/platform/webhook"
)

// Deliverer posts one notification body to an EMR endpoint.
type Deliverer interface {
	Deliver(ctx context.Context, target string, payload []byte) webhook.DeliveryAttempt
}

type RelayConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	// Timeout bounds a single delivery. The claim lease is twice this so
	// an event is not handed to another relay while still being posted.
	Timeout time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Interval:    15 * time.Second,
		BatchSize:   50,
		MaxAttempts: 5,
		Timeout:     10 * time.Second,
	}
}

// Relay drains the status event outbox, notifying each originating EMR of
// the delivery status it was waiting for.
type Relay struct {
	events EventCollection
	sender Deliverer
	cfg    RelayConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewRelay(events EventCollection, sender Deliverer, cfg RelayConfig, logger zerolog.Logger) *Relay {
	def := DefaultRelayConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Relay{
		events: events,
		sender: sender,
		cfg:    cfg,
		logger: logger.With().Str("component", "relay").Logger(),
		now:    time.Now,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info().Dur("interval", r.cfg.Interval).Msg("callback relay started")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("relay pass failed")
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("callback relay stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due events and attempts each. It returns the
// number of events attempted.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()
	due, err := r.events.ClaimDue(ctx, now, now.Add(2*r.cfg.Timeout), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, evt := range due {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		r.deliver(ctx, evt)
	}
	return len(due), nil
}

// Notification is the body POSTed to an EMR callback URL.
type Notification struct {
	TransactionID string          `json:"transactionId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Status        string          `json:"status"`
	Message       string          `json:"message"`
	ShipID        string          `json:"shipId,omitempty"`
	ResourceType  string          `json:"resourceType"`
	ResourceID    string          `json:"resourceId"`
	ReceivedAtUTC time.Time       `json:"receivedAtUtc"`
	Data          json.RawMessage `json:"data,omitempty"`
}

func (r *Relay) deliver(ctx context.Context, evt *StatusEvent) {
	log := r.logger.With().
		Str("transaction_id", evt.TransactionID).
		Str("correlation_id", evt.CorrelationID).
		Logger()

	body, err := json.Marshal(Notification{
		TransactionID: evt.TransactionID,
		CorrelationID: evt.CorrelationID,
		Status:        evt.Status,
		Message:       evt.Message,
		ShipID:        evt.ShipID,
		ResourceType:  evt.ResourceType,
		ResourceID:    evt.ResourceID,
		ReceivedAtUTC: evt.ReceivedAtUTC,
		Data:          evt.Data,
	})
	if err != nil {
		log.Error().Err(err).Msg("marshal notification")
		return
	}

	dctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	attempt := r.sender.Deliver(dctx, evt.EMRTargetURL, body)
	cancel()

	upd := r.nextState(evt, attempt)
	if err := r.events.RecordDelivery(ctx, evt.ID, upd); err != nil {
		log.Error().Err(err).Msg("record delivery outcome")
		return
	}

	switch upd.Status {
	case CallbackSucceeded:
		telemetry.RelayDeliveries.WithLabelValues("succeeded").Inc()
		log.Info().Int("status", attempt.StatusCode).Dur("duration", attempt.Duration).Msg("callback delivered")
	case CallbackFailed:
		telemetry.RelayDeliveries.WithLabelValues("failed").Inc()
		log.Error().Int("attempts", upd.Attempts).Str("error", upd.LastError).Msg("callback delivery abandoned")
	default:
		telemetry.RelayDeliveries.WithLabelValues("retry").Inc()
		log.Warn().Int("attempts", upd.Attempts).Str("error", upd.LastError).
			Time("next_attempt_at", *upd.NextAttemptAt).Msg("callback delivery failed, will retry")
	}
}

func (r *Relay) nextState(evt *StatusEvent, attempt webhook.DeliveryAttempt) DeliveryUpdate {
	now := r.now().UTC()
	upd := DeliveryUpdate{
		Attempts:           evt.CallbackAttempts + 1,
		ResponseStatusCode: attempt.StatusCode,
		ResponseBody:       attempt.ResponseBody,
	}
	if attempt.Succeeded() {
		upd.Status = CallbackSucceeded
		upd.DeliveredAt = &now
		return upd
	}

	upd.LastError = attempt.ErrorText()
	if upd.Attempts >= r.cfg.MaxAttempts {
		upd.Status = CallbackFailed
		return upd
	}
	next := now.Add(webhook.NextAttemptDelay(upd.Attempts))
	upd.Status = CallbackPending
	upd.NextAttemptAt = &next
	return upd
}
