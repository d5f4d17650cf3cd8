package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PremierFoxes/vault/client"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a transaction is not in the projection.
var ErrNotFound = errors.New("transaction not found")

// Store keeps a projection of Vault transactions built from the transaction
// event stream. Each row holds the latest version of a transaction, guarded
// by the change id of the event that wrote it.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewStore(pool), nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Transaction is a projected transaction with the bookkeeping of the event
// that last wrote it.
type Transaction struct {
	client.Transaction

	Amount    decimal.Decimal
	ChangeID  int64
	EventID   string
	UpdatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS vault_transactions (
    id                         TEXT PRIMARY KEY,
    account_id                 TEXT NOT NULL,
    status                     TEXT NOT NULL,
    is_credit                  BOOLEAN NOT NULL DEFAULT FALSE,
    charge_amount_value        NUMERIC NOT NULL DEFAULT 0,
    charge_amount_asset        TEXT NOT NULL,
    charge_amount_denomination TEXT,
    reference                  TEXT,
    payee_id                   TEXT,
    payment_order_id           TEXT,
    value_timestamp            TIMESTAMPTZ,
    booking_timestamp          TIMESTAMPTZ,
    last_update_timestamp      TIMESTAMPTZ,
    change_id                  BIGINT NOT NULL,
    event_id                   TEXT,
    payload                    JSONB NOT NULL,
    updated_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS vault_transactions_account_idx
    ON vault_transactions (account_id, value_timestamp DESC);
`

// Migrate creates the projection table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

const upsertTransaction = `
INSERT INTO vault_transactions (
    id, account_id, status, is_credit,
    charge_amount_value, charge_amount_asset, charge_amount_denomination,
    reference, payee_id, payment_order_id,
    value_timestamp, booking_timestamp, last_update_timestamp,
    change_id, event_id, payload, updated_at
) VALUES (
    $1, $2, $3, $4,
    $5::numeric, $6, $7,
    $8, $9, $10,
    $11, $12, $13,
    $14, $15, $16, NOW()
)
ON CONFLICT (id) DO UPDATE SET
    account_id                 = EXCLUDED.account_id,
    status                     = EXCLUDED.status,
    is_credit                  = EXCLUDED.is_credit,
    charge_amount_value        = EXCLUDED.charge_amount_value,
    charge_amount_asset        = EXCLUDED.charge_amount_asset,
    charge_amount_denomination = EXCLUDED.charge_amount_denomination,
    reference                  = EXCLUDED.reference,
    payee_id                   = EXCLUDED.payee_id,
    payment_order_id           = EXCLUDED.payment_order_id,
    value_timestamp            = EXCLUDED.value_timestamp,
    booking_timestamp          = EXCLUDED.booking_timestamp,
    last_update_timestamp      = EXCLUDED.last_update_timestamp,
    change_id                  = EXCLUDED.change_id,
    event_id                   = EXCLUDED.event_id,
    payload                    = EXCLUDED.payload,
    updated_at                 = NOW()
WHERE vault_transactions.change_id <= EXCLUDED.change_id
RETURNING id`

// ApplyEvent writes the transaction carried by event. A row written by a
// later change is left alone and applied is false, so replaying events after
// a redelivery is harmless.
func (s *Store) ApplyEvent(ctx context.Context, event *client.TransactionEvent) (applied bool, err error) {
	if event == nil || event.Transaction == nil {
		return false, errors.New("event carries no transaction")
	}
	txn := event.Transaction
	if txn.ID == "" {
		return false, errors.New("transaction has no id")
	}

	amount, err := txn.ChargeAmount.Decimal()
	if err != nil {
		return false, err
	}

	payload, err := json.Marshal(txn)
	if err != nil {
		return false, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	var id string
	err = s.pool.QueryRow(ctx, upsertTransaction,
		txn.ID,
		txn.AccountID,
		string(txn.Status),
		txn.IsCredit,
		amount.String(),
		string(txn.ChargeAmount.Asset),
		pgtextFromString(txn.ChargeAmount.Denomination),
		pgtextFromString(txn.Reference),
		pgtextFromString(txn.PayeeID),
		pgtextFromString(txn.PaymentOrderID),
		pgTimestamptzFromPtr(txn.ValueTimestamp),
		pgTimestamptzFromPtr(txn.BookingTimestamp),
		pgTimestamptzFromPtr(txn.LastUpdateTimestamp),
		event.ChangeID,
		pgtextFromString(event.EventID),
		payload,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert transaction %s: %w", txn.ID, err)
	}
	return true, nil
}

const selectTransaction = `
SELECT payload, charge_amount_value::text, change_id, event_id, updated_at
FROM vault_transactions`

// GetTransaction returns the projected transaction with id.
func (s *Store) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := s.pool.QueryRow(ctx, selectTransaction+` WHERE id = $1`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// ListByAccount returns up to limit transactions of an account, most recent
// value timestamp first.
func (s *Store) ListByAccount(ctx context.Context, accountID string, limit int32) ([]*Transaction, error) {
	rows, err := s.pool.Query(ctx,
		selectTransaction+` WHERE account_id = $1 ORDER BY value_timestamp DESC NULLS LAST, id LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var (
		payload   []byte
		amount    string
		changeID  int64
		eventID   pgtype.Text
		updatedAt time.Time
	)
	if err := row.Scan(&payload, &amount, &changeID, &eventID, &updatedAt); err != nil {
		return nil, err
	}

	out := &Transaction{
		ChangeID:  changeID,
		EventID:   eventID.String,
		UpdatedAt: updatedAt,
	}
	if err := json.Unmarshal(payload, &out.Transaction); err != nil {
		return nil, fmt.Errorf("failed to decode stored transaction: %w", err)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored amount %q: %w", amount, err)
	}
	out.Amount = d
	return out, nil
}

// Helper functions to convert between domain and pgtype values

func pgtextFromString(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

func pgTimestamptzFromPtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
