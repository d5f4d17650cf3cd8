package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the current or target status of a payment.
type PaymentStatus string

const (
	PaymentStatusUnknown            PaymentStatus = "PAYMENT_STATUS_UNKNOWN"
	PaymentStatusReceived           PaymentStatus = "PAYMENT_STATUS_RECEIVED"
	PaymentStatusAwaitingSettlement PaymentStatus = "PAYMENT_STATUS_AWAITING_SETTLEMENT"
	PaymentStatusSettled            PaymentStatus = "PAYMENT_STATUS_SETTLED"
	PaymentStatusCancelled          PaymentStatus = "PAYMENT_STATUS_CANCELLED"
	PaymentStatusRejected           PaymentStatus = "PAYMENT_STATUS_REJECTED"
)

// BBAN identifies a UK bank account by sort code and account number.
type BBAN struct {
	BankIDCode    string `json:"bank_id_code,omitempty"`
	BankID        string `json:"bank_id"`
	AccountNumber string `json:"account_number"`
}

// Party is the debtor or creditor of a payment.
type Party struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	BBAN      BBAN   `json:"bban"`
}

// SortCode returns the party's UK sort code.
func (p Party) SortCode() string { return p.BBAN.BankID }

// Payment is a payment held by the payments hub. Amount is an unsigned
// decimal string of arbitrary precision.
type Payment struct {
	ID              string            `json:"id"`
	Amount          string            `json:"amount"`
	Currency        string            `json:"currency"`
	Reference       string            `json:"reference"`
	CurrentStatus   PaymentStatus     `json:"current_status"`
	StatusReason    string            `json:"status_reason,omitempty"`
	TargetStatus    PaymentStatus     `json:"target_status"`
	DebtorParty     Party             `json:"debitor_party"`
	CreditorParty   Party             `json:"creditor_party"`
	PaymentType     string            `json:"payment_type"`
	Metadata        map[string]string `json:"metadata"`
	ValueTimestamp  *time.Time        `json:"value_timestamp,omitempty"`
	UpdateTimestamp *time.Time        `json:"update_timestamp,omitempty"`
}

type paymentWire struct {
	Payment
	ValueTimestamp  string `json:"value_timestamp"`
	UpdateTimestamp string `json:"update_timestamp"`
}

func (w paymentWire) payment() (*Payment, error) {
	p := w.Payment
	if p.CurrentStatus == "" {
		p.CurrentStatus = PaymentStatusUnknown
	}
	if p.TargetStatus == "" {
		p.TargetStatus = PaymentStatusUnknown
	}
	var err error
	if p.ValueTimestamp, err = parseTimestamp(w.ValueTimestamp); err != nil {
		return nil, fmt.Errorf("payment %s: value_timestamp: %w", p.ID, err)
	}
	if p.UpdateTimestamp, err = parseTimestamp(w.UpdateTimestamp); err != nil {
		return nil, fmt.Errorf("payment %s: update_timestamp: %w", p.ID, err)
	}
	return &p, nil
}

const (
	paymentsPath         = "/v1/payments"
	batchGetPaymentsPath = "/v1/payments:batchGet"

	// UK domestic sort code scheme.
	sortCodeBankIDCode = "GBDSC"
)

// PaymentsAPI creates and reads payments on the payments hub API.
type PaymentsAPI struct {
	requester Requester
	logger    *slog.Logger
}

// NewPaymentsAPI creates a PaymentsAPI. A nil logger discards.
func NewPaymentsAPI(requester Requester, logger *slog.Logger) *PaymentsAPI {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &PaymentsAPI{requester: requester, logger: logger}
}

// NewPayment holds the fields for CreatePayment. Currency defaults to GBP.
type NewPayment struct {
	Amount    string
	Currency  string
	Reference string
	Debtor    Party
	Creditor  Party
	Metadata  map[string]string
}

func (n NewPayment) body() (map[string]any, error) {
	amount, err := decimal.NewFromString(n.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid payment amount %q: %w", n.Amount, err)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("payment amount must be positive, got %s", n.Amount)
	}
	currency := n.Currency
	if currency == "" {
		currency = "GBP"
	}
	metadata := n.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return map[string]any{
		"payment": map[string]any{
			"scheme":         "OnUs",
			"amount":         n.Amount,
			"currency":       currency,
			"reference":      n.Reference,
			"debitor_party":  partyBody(n.Debtor, "debtor_name"),
			"creditor_party": partyBody(n.Creditor, "creditor_name"),
			"direction":      "PAYMENT_DIRECTION_OUTBOUND",
			"payment_type":   "PAYMENT_TYPE_IMMEDIATE_PAYMENT",
			"metadata":       metadata,
		},
	}, nil
}

func partyBody(p Party, defaultName string) Party {
	if p.Name == "" {
		p.Name = defaultName
	}
	if p.BBAN.BankIDCode == "" {
		p.BBAN.BankIDCode = sortCodeBankIDCode
	}
	return p
}

// CreatePayment submits an immediate on-us payment. The returned payment is
// usually PAYMENT_STATUS_RECEIVED; any other status means it failed
// validation and StatusReason says why. Settlement is not waited for.
func (a *PaymentsAPI) CreatePayment(ctx context.Context, n NewPayment) (*Payment, error) {
	body, err := n.body()
	if err != nil {
		return nil, err
	}
	var w paymentWire
	if err := a.requester.Post(ctx, paymentsPath, body, &w); err != nil {
		return nil, err
	}
	p, err := w.payment()
	if err != nil {
		return nil, err
	}
	a.logger.Debug("payment created", "id", p.ID, "status", p.CurrentStatus)
	return p, nil
}

// RequestSettlement sets the target status of a received payment to settled,
// which starts processing. It returns the payment as stored afterwards.
func (a *PaymentsAPI) RequestSettlement(ctx context.Context, id string) (*Payment, error) {
	body := map[string]any{
		"payment": map[string]any{
			"target_status": string(PaymentStatusSettled),
		},
		"update_mask": map[string]any{
			"paths": []string{"target_status"},
		},
	}
	var w paymentWire
	if err := a.requester.Put(ctx, paymentsPath+"/"+url.PathEscape(id), body, &w); err != nil {
		return nil, err
	}
	return w.payment()
}

// GetPayment fetches one payment. It returns ErrPaymentNotFound when the
// server does not know the id.
func (a *PaymentsAPI) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var resp struct {
		Payments map[string]paymentWire `json:"payments"`
	}
	if err := a.requester.Get(ctx, batchGetPaymentsPath, url.Values{"ids": {id}}, &resp); err != nil {
		return nil, err
	}
	w, ok := resp.Payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	return w.payment()
}
