package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ingest-gateway/internal/platform/db"
)

type pgCollection struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPGCollection stores records in one table per Kind.
func NewPGCollection(pool *pgxpool.Pool) Collection {
	return &pgCollection{pool: pool, now: time.Now}
}

const recordCols = `id, client_id, facility_id, correlation_id, resource_type,
	COALESCE(resource_id, ''), COALESCE(ship_service, ''), extract_source,
	payload, payload_hash, status, retry_count, COALESCE(transaction_id, ''),
	last_attempt_at, api_response_payload, COALESCE(synced_resource_id, ''),
	COALESCE(callback_url, ''), created_at, updated_at`

func scanRecord(row pgx.Row, kind Kind) (*Record, error) {
	var (
		r               Record
		payload, apiRes []byte
	)
	err := row.Scan(&r.ID, &r.ClientID, &r.FacilityID, &r.CorrelationID, &r.ResourceType,
		&r.ResourceID, &r.ShipService, &r.ExtractSource,
		&payload, &r.PayloadHash, &r.Status, &r.RetryCount, &r.TransactionID,
		&r.LastAttemptAt, &apiRes, &r.SyncedResourceID,
		&r.CallbackURL, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Kind = kind
	r.Payload = payload
	r.APIResponsePayload = apiRes
	return &r, nil
}

func (p *pgCollection) Insert(ctx context.Context, rec *Record) error {
	table := rec.Kind.Table()
	_, err := db.Conn(ctx, p.pool).Exec(ctx, `
		INSERT INTO `+table+` (id, client_id, facility_id, correlation_id, resource_type,
			resource_id, ship_service, extract_source, payload, payload_hash,
			status, retry_count, callback_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10,
			$11, $12, NULLIF($13, ''), $14, $15)`,
		rec.ID, rec.ClientID, rec.FacilityID, rec.CorrelationID, rec.ResourceType,
		rec.ResourceID, rec.ShipService, rec.ExtractSource, []byte(rec.Payload), rec.PayloadHash,
		rec.Status, rec.RetryCount, rec.CallbackURL, rec.CreatedAt, rec.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("insert %s: %w: %w", table, ErrDuplicateKey, err)
	}
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func (p *pgCollection) GetByKey(ctx context.Context, kind Kind, key Key) (*Record, error) {
	row := db.Conn(ctx, p.pool).QueryRow(ctx, `SELECT `+recordCols+` FROM `+kind.Table()+`
		WHERE client_id = $1 AND facility_id = $2 AND correlation_id = $3`,
		key.ClientID, key.FacilityID, key.CorrelationID)
	rec, err := scanRecord(row, kind)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *pgCollection) Reattempt(ctx context.Context, existing, incoming *Record) (*Record, error) {
	row := db.Conn(ctx, p.pool).QueryRow(ctx, `
		UPDATE `+existing.Kind.Table()+` SET
			payload = $2, payload_hash = $3, resource_type = $4,
			resource_id = NULLIF($5, ''), ship_service = NULLIF($6, ''),
			status = $7, retry_count = 0, last_attempt_at = NULL,
			api_response_payload = NULL, synced_resource_id = NULL,
			callback_url = NULLIF($8, ''), updated_at = $9
		WHERE id = $1
		RETURNING `+recordCols,
		existing.ID, []byte(incoming.Payload), incoming.PayloadHash, incoming.ResourceType,
		incoming.ResourceID, incoming.ShipService, StatusPending,
		incoming.CallbackURL, p.now().UTC())
	rec, err := scanRecord(row, existing.Kind)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *pgCollection) GetByTransactionID(ctx context.Context, transactionID string) (*Record, error) {
	if transactionID == "" {
		return nil, ErrNotFound
	}
	for _, kind := range lookupOrder {
		row := db.Conn(ctx, p.pool).QueryRow(ctx, `SELECT `+recordCols+` FROM `+kind.Table()+`
			WHERE transaction_id = $1 ORDER BY updated_at DESC LIMIT 1`, transactionID)
		rec, err := scanRecord(row, kind)
		if err == nil {
			return rec, nil
		}
		if !db.IsNoRows(err) {
			return nil, fmt.Errorf("lookup %s by transaction: %w", kind.Table(), err)
		}
	}
	return nil, ErrNotFound
}
