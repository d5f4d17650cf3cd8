package client

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	TransactionStatusUnknown   TransactionStatus = "TRANSACTION_STATUS_UNKNOWN"
	TransactionStatusPending   TransactionStatus = "TRANSACTION_STATUS_PENDING"
	TransactionStatusCompleted TransactionStatus = "TRANSACTION_STATUS_COMPLETED"
	TransactionStatusRejected  TransactionStatus = "TRANSACTION_STATUS_REJECTED"
	TransactionStatusCancelled TransactionStatus = "TRANSACTION_STATUS_CANCELLED"
)

// TransactionRejectionCode explains why a transaction has status rejected.
type TransactionRejectionCode string

const (
	TransactionRejectionCodeUnknown            TransactionRejectionCode = "TRANSACTION_REJECTION_CODE_UNKNOWN"
	TransactionRejectionCodeInsufficientFunds  TransactionRejectionCode = "TRANSACTION_REJECTION_CODE_INSUFFICIENT_FUNDS"
	TransactionRejectionCodeAccountRestricted  TransactionRejectionCode = "TRANSACTION_REJECTION_CODE_ACCOUNT_RESTRICTED"
	TransactionRejectionCodeAccountNotFound    TransactionRejectionCode = "TRANSACTION_REJECTION_CODE_ACCOUNT_NOT_FOUND"
	TransactionRejectionCodeDuplicateReference TransactionRejectionCode = "TRANSACTION_REJECTION_CODE_DUPLICATE_REFERENCE"
)

// TransactionDirection filters on credit or debit from the point of view of the
// account the transaction belongs to.
type TransactionDirection string

const (
	TransactionDirectionUnspecified TransactionDirection = "TRANSACTION_DIRECTION_UNSPECIFIED"
	TransactionDirectionCredit      TransactionDirection = "TRANSACTION_DIRECTION_CREDIT"
	TransactionDirectionDebit       TransactionDirection = "TRANSACTION_DIRECTION_DEBIT"
)

// TransactionOrderBy is a primary sort key for listing. The server always
// applies last update timestamp descending as the secondary sort.
type TransactionOrderBy string

const (
	TransactionOrderByValueTimestampAsc      TransactionOrderBy = "TRANSACTION_ORDER_BY_VALUE_TIMESTAMP_ASC"
	TransactionOrderByValueTimestampDesc     TransactionOrderBy = "TRANSACTION_ORDER_BY_VALUE_TIMESTAMP_DESC"
	TransactionOrderByBookingTimestampAsc    TransactionOrderBy = "TRANSACTION_ORDER_BY_BOOKING_TIMESTAMP_ASC"
	TransactionOrderByBookingTimestampDesc   TransactionOrderBy = "TRANSACTION_ORDER_BY_BOOKING_TIMESTAMP_DESC"
	TransactionOrderByLastUpdateTimestampAsc TransactionOrderBy = "TRANSACTION_ORDER_BY_LAST_UPDATE_TIMESTAMP_ASC"
	TransactionOrderByChargeAmountValueAsc   TransactionOrderBy = "TRANSACTION_ORDER_BY_CHARGE_AMOUNT_VALUE_ASC"
	TransactionOrderByChargeAmountValueDesc  TransactionOrderBy = "TRANSACTION_ORDER_BY_CHARGE_AMOUNT_VALUE_DESC"
)

// ChargeAmountAsset is the asset type of a charge amount.
type ChargeAmountAsset string

const (
	ChargeAmountAssetUnknown             ChargeAmountAsset = "CHARGE_AMOUNT_ASSET_UNKNOWN"
	ChargeAmountAssetCommercialBankMoney ChargeAmountAsset = "CHARGE_AMOUNT_ASSET_COMMERCIAL_BANK_MONEY"
)

// ChargeAmount is the amount of a transaction. Value is an unsigned decimal
// string of arbitrary precision, e.g. "100", "0.1", "5.99".
type ChargeAmount struct {
	Asset        ChargeAmountAsset `json:"asset"`
	Value        string            `json:"value"`
	Denomination string            `json:"denomination"`
}

// Decimal parses Value. An empty value is zero.
func (c ChargeAmount) Decimal() (decimal.Decimal, error) {
	if c.Value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(c.Value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid charge amount value %q: %w", c.Value, err)
	}
	return d, nil
}

// Transaction is a transaction within a customer account.
type Transaction struct {
	ID                  string                   `json:"id"`
	AccountID           string                   `json:"account_id"`
	ChargeAmount        ChargeAmount             `json:"charge_amount"`
	IsCredit            bool                     `json:"is_credit"`
	Reference           string                   `json:"reference"`
	Status              TransactionStatus        `json:"status"`
	RejectionCode       TransactionRejectionCode `json:"rejection_code,omitempty"`
	ValueTimestamp      *time.Time               `json:"value_timestamp,omitempty"`
	BookingTimestamp    *time.Time               `json:"booking_timestamp,omitempty"`
	LastUpdateTimestamp *time.Time               `json:"last_update_timestamp,omitempty"`
	PayeeID             string                   `json:"payee_id,omitempty"`
	PaymentOrderID      string                   `json:"payment_order_id,omitempty"`

	// PostingInstructionBatchIDs is ordered by the value timestamp of each
	// batch, ascending. Ids are only ever appended, never unlinked.
	PostingInstructionBatchIDs []string `json:"posting_instruction_batch_ids"`
}

// transactionWire is the JSON shape returned by the API. Timestamps are kept
// as strings so that absent, empty and offset-less values all decode.
type transactionWire struct {
	ID                         string                   `json:"id"`
	AccountID                  string                   `json:"account_id"`
	ChargeAmount               *ChargeAmount            `json:"charge_amount"`
	IsCredit                   bool                     `json:"is_credit"`
	Reference                  string                   `json:"reference"`
	Status                     TransactionStatus        `json:"status"`
	RejectionCode              TransactionRejectionCode `json:"rejection_code"`
	ValueTimestamp             string                   `json:"value_timestamp"`
	BookingTimestamp           string                   `json:"booking_timestamp"`
	LastUpdateTimestamp        string                   `json:"last_update_timestamp"`
	PayeeID                    string                   `json:"payee_id"`
	PaymentOrderID             string                   `json:"payment_order_id"`
	PostingInstructionBatchIDs []string                 `json:"posting_instruction_batch_ids"`
}

// UnmarshalJSON fills in the same defaults the API documents for absent fields.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var w transactionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Transaction{
		ID:                         w.ID,
		AccountID:                  w.AccountID,
		IsCredit:                   w.IsCredit,
		Reference:                  w.Reference,
		Status:                     w.Status,
		RejectionCode:              w.RejectionCode,
		PayeeID:                    w.PayeeID,
		PaymentOrderID:             w.PaymentOrderID,
		PostingInstructionBatchIDs: w.PostingInstructionBatchIDs,
	}
	if w.ChargeAmount != nil {
		out.ChargeAmount = *w.ChargeAmount
	}
	if out.ChargeAmount.Asset == "" {
		out.ChargeAmount.Asset = ChargeAmountAssetUnknown
	}
	if out.Status == "" {
		out.Status = TransactionStatusUnknown
	}
	if out.PostingInstructionBatchIDs == nil {
		out.PostingInstructionBatchIDs = []string{}
	}

	var err error
	if out.ValueTimestamp, err = parseTimestamp(w.ValueTimestamp); err != nil {
		return fmt.Errorf("value_timestamp: %w", err)
	}
	if out.BookingTimestamp, err = parseTimestamp(w.BookingTimestamp); err != nil {
		return fmt.Errorf("booking_timestamp: %w", err)
	}
	if out.LastUpdateTimestamp, err = parseTimestamp(w.LastUpdateTimestamp); err != nil {
		return fmt.Errorf("last_update_timestamp: %w", err)
	}

	*t = out
	return nil
}

// KeepsPostingBatches reports whether every posting batch id linked on prev
// is still linked on t.
func (t *Transaction) KeepsPostingBatches(prev *Transaction) bool {
	if prev == nil {
		return true
	}
	linked := make(map[string]struct{}, len(t.PostingInstructionBatchIDs))
	for _, id := range t.PostingInstructionBatchIDs {
		linked[id] = struct{}{}
	}
	for _, id := range prev.PostingInstructionBatchIDs {
		if _, ok := linked[id]; !ok {
			return false
		}
	}
	return true
}

// TimestampLayout is the wire format for timestamps sent to the API.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02",
}

// parseTimestamp accepts the ISO-8601 variants the API emits. Empty is nil.
func parseTimestamp(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			ts = ts.UTC()
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("invalid timestamp %q", s)
}
