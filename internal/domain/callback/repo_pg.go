package callback

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ingest-gateway/internal/platform/db"
)

type pgCollection struct {
	pool *pgxpool.Pool
}

func NewPGCollection(pool *pgxpool.Pool) EventCollection {
	return &pgCollection{pool: pool}
}

const eventCols = `id, transaction_id, source, COALESCE(correlation_id, ''),
	COALESCE(client_id, ''), COALESCE(facility_id, ''), resource_type, resource_id,
	COALESCE(ship_id, ''), status, message, received_at_utc, headers, data, payload_hash,
	callback_status, callback_attempts, callback_next_attempt_at,
	COALESCE(callback_last_error, ''), callback_delivered_at, COALESCE(emr_target_url, ''),
	COALESCE(emr_response_status_code, 0), COALESCE(emr_response_body, ''), created_at`

func scanEvent(row pgx.Row) (*StatusEvent, error) {
	var (
		e             StatusEvent
		headers, data []byte
	)
	err := row.Scan(&e.ID, &e.TransactionID, &e.Source, &e.CorrelationID,
		&e.ClientID, &e.FacilityID, &e.ResourceType, &e.ResourceID,
		&e.ShipID, &e.Status, &e.Message, &e.ReceivedAtUTC, &headers, &data, &e.PayloadHash,
		&e.CallbackStatus, &e.CallbackAttempts, &e.CallbackNextAttemptAt,
		&e.CallbackLastError, &e.CallbackDeliveredAt, &e.EMRTargetURL,
		&e.EMRResponseStatusCode, &e.EMRResponseBody, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Headers = headers
	e.Data = data
	return &e, nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (p *pgCollection) Insert(ctx context.Context, e *StatusEvent) error {
	_, err := db.Conn(ctx, p.pool).Exec(ctx, `
		INSERT INTO status_event (id, transaction_id, source, correlation_id, client_id,
			facility_id, resource_type, resource_id, ship_id, status, message,
			received_at_utc, headers, data, payload_hash, callback_status,
			callback_attempts, callback_next_attempt_at, emr_target_url, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8,
			NULLIF($9, ''), $10, $11, $12, $13, $14, $15, $16, $17, $18, NULLIF($19, ''), $20)`,
		e.ID, e.TransactionID, e.Source, e.CorrelationID, e.ClientID,
		e.FacilityID, e.ResourceType, e.ResourceID, e.ShipID, e.Status, e.Message,
		e.ReceivedAtUTC, nullableJSON(e.Headers), nullableJSON(e.Data), e.PayloadHash, e.CallbackStatus,
		e.CallbackAttempts, e.CallbackNextAttemptAt, e.EMRTargetURL, e.CreatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("insert status_event: %w: %w", ErrDuplicateTransaction, err)
	}
	if err != nil {
		return fmt.Errorf("insert status_event: %w", err)
	}
	return nil
}

func (p *pgCollection) GetByTransactionID(ctx context.Context, transactionID string) (*StatusEvent, error) {
	e, err := scanEvent(db.Conn(ctx, p.pool).QueryRow(ctx,
		`SELECT `+eventCols+` FROM status_event WHERE transaction_id = $1`, transactionID))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *pgCollection) GetByCorrelationID(ctx context.Context, correlationID string) (*StatusEvent, error) {
	e, err := scanEvent(db.Conn(ctx, p.pool).QueryRow(ctx,
		`SELECT `+eventCols+` FROM status_event WHERE correlation_id = $1
		ORDER BY received_at_utc DESC, created_at DESC LIMIT 1`, correlationID))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return e, err
}

// ClaimDue is a single statement so concurrent relays on other replicas skip
// rows already being claimed.
func (p *pgCollection) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*StatusEvent, error) {
	rows, err := db.Conn(ctx, p.pool).Query(ctx, `
		UPDATE status_event SET callback_status = $3, callback_next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM status_event
			WHERE callback_status IN ($4, $3)
				AND callback_next_attempt_at <= $1
				AND COALESCE(emr_target_url, '') <> ''
			ORDER BY callback_next_attempt_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED)
		RETURNING `+eventCols,
		now, leaseUntil, CallbackInFlight, CallbackPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due status events: %w", err)
	}
	defer rows.Close()

	var out []*StatusEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *pgCollection) RecordDelivery(ctx context.Context, id uuid.UUID, upd DeliveryUpdate) error {
	tag, err := db.Conn(ctx, p.pool).Exec(ctx, `
		UPDATE status_event SET callback_status = $2, callback_attempts = $3,
			callback_next_attempt_at = $4, callback_last_error = NULLIF($5, ''),
			callback_delivered_at = $6, emr_response_status_code = NULLIF($7, 0),
			emr_response_body = NULLIF($8, '')
		WHERE id = $1`,
		id, upd.Status, upd.Attempts, upd.NextAttemptAt, upd.LastError,
		upd.DeliveredAt, upd.ResponseStatusCode, upd.ResponseBody)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
