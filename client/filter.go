package client

import (
	"net/url"
	"slices"
	"time"
)

// TimestampRange bounds a timestamp filter. From is inclusive, To exclusive.
// Either end may be nil.
type TimestampRange struct {
	From *time.Time
	To   *time.Time
}

// AmountRange bounds a charge amount filter with decimal strings. The server
// compares numerically; values are sent exactly as given.
type AmountRange struct {
	From *string
	To   *string
}

// TransactionFilter describes a transaction query. Fields combine with AND;
// values within one field combine with OR. At least one field should be set.
type TransactionFilter struct {
	AccountIDs      []string
	PaymentOrderIDs []string
	PayeeIDs        []string

	// Direction is not sent when empty.
	Direction TransactionDirection
	Statuses  []TransactionStatus

	ValueTimestampRange      *TimestampRange
	BookingTimestampRange    *TimestampRange
	LastUpdateTimestampRange *TimestampRange
	ChargeAmountValueRange   *AmountRange

	OrderBy []TransactionOrderBy
}

// IsEmpty reports whether no filter dimension is set.
func (f TransactionFilter) IsEmpty() bool {
	return len(f.AccountIDs) == 0 &&
		len(f.PaymentOrderIDs) == 0 &&
		len(f.PayeeIDs) == 0 &&
		f.Direction == "" &&
		len(f.Statuses) == 0 &&
		f.ValueTimestampRange.isEmpty() &&
		f.BookingTimestampRange.isEmpty() &&
		f.LastUpdateTimestampRange.isEmpty() &&
		f.ChargeAmountValueRange.isEmpty()
}

// Clone returns a deep copy so a filter bound to a page cannot be changed
// through the caller's slices or pointers.
func (f TransactionFilter) Clone() TransactionFilter {
	return TransactionFilter{
		AccountIDs:               slices.Clone(f.AccountIDs),
		PaymentOrderIDs:          slices.Clone(f.PaymentOrderIDs),
		PayeeIDs:                 slices.Clone(f.PayeeIDs),
		Direction:                f.Direction,
		Statuses:                 slices.Clone(f.Statuses),
		ValueTimestampRange:      f.ValueTimestampRange.clone(),
		BookingTimestampRange:    f.BookingTimestampRange.clone(),
		LastUpdateTimestampRange: f.LastUpdateTimestampRange.clone(),
		ChargeAmountValueRange:   f.ChargeAmountValueRange.clone(),
		OrderBy:                  slices.Clone(f.OrderBy),
	}
}

// Params encodes the filter as query parameters. List fields are repeated,
// ranges are split into "<name>.from" and "<name>.to", timestamps use
// TimestampLayout in UTC.
func (f TransactionFilter) Params() url.Values {
	params := url.Values{}

	for _, id := range f.AccountIDs {
		params.Add("account_ids", id)
	}
	for _, id := range f.PaymentOrderIDs {
		params.Add("payment_order_ids", id)
	}
	for _, id := range f.PayeeIDs {
		params.Add("payee_ids", id)
	}
	if f.Direction != "" {
		params.Set("direction", string(f.Direction))
	}
	for _, s := range f.Statuses {
		params.Add("statuses", string(s))
	}

	f.ValueTimestampRange.encode(params, "value_timestamp_range")
	f.BookingTimestampRange.encode(params, "booking_timestamp_range")
	f.LastUpdateTimestampRange.encode(params, "last_update_timestamp_range")
	f.ChargeAmountValueRange.encode(params, "charge_amount_value_range")

	for _, o := range f.OrderBy {
		params.Add("order_by", string(o))
	}

	return params
}

func (r *TimestampRange) isEmpty() bool {
	return r == nil || (r.From == nil && r.To == nil)
}

func (r *TimestampRange) clone() *TimestampRange {
	if r == nil {
		return nil
	}
	out := &TimestampRange{}
	if r.From != nil {
		from := *r.From
		out.From = &from
	}
	if r.To != nil {
		to := *r.To
		out.To = &to
	}
	return out
}

func (r *TimestampRange) encode(params url.Values, name string) {
	if r == nil {
		return
	}
	if r.From != nil {
		params.Set(name+".from", FormatTimestamp(*r.From))
	}
	if r.To != nil {
		params.Set(name+".to", FormatTimestamp(*r.To))
	}
}

func (r *AmountRange) isEmpty() bool {
	return r == nil || (r.From == nil && r.To == nil)
}

func (r *AmountRange) clone() *AmountRange {
	if r == nil {
		return nil
	}
	out := &AmountRange{}
	if r.From != nil {
		from := *r.From
		out.From = &from
	}
	if r.To != nil {
		to := *r.To
		out.To = &to
	}
	return out
}

func (r *AmountRange) encode(params url.Values, name string) {
	if r == nil {
		return
	}
	if r.From != nil {
		params.Set(name+".from", *r.From)
	}
	if r.To != nil {
		params.Set(name+".to", *r.To)
	}
}
