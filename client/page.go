package client

import (
	"context"
	"iter"
)

// TransactionsPage is one page of a transaction listing together with the
// filter and cursor needed to fetch the next one. A page never changes after
// it is returned; NextPage produces a new page with the same filter.
//
// Pages of one listing must be walked by a single caller.
type TransactionsPage struct {
	Transactions  []Transaction
	NextPageToken string

	filter TransactionFilter
	api    *TransactionsAPI
}

// Len returns the number of transactions on this page.
func (p *TransactionsPage) Len() int {
	return len(p.Transactions)
}

// Filter returns a copy of the filter this listing was issued with.
func (p *TransactionsPage) Filter() TransactionFilter {
	return p.filter.Clone()
}

// HasNextPage reports whether the server returned a cursor for a further page.
func (p *TransactionsPage) HasNextPage() bool {
	return p.NextPageToken != ""
}

// NextPage fetches the next page using the original filter and this page's
// cursor. Without a cursor it returns an empty last page and makes no call.
func (p *TransactionsPage) NextPage(ctx context.Context) (*TransactionsPage, error) {
	if !p.HasNextPage() || p.api == nil {
		return &TransactionsPage{
			Transactions: []Transaction{},
			filter:       p.filter,
			api:          p.api,
		}, nil
	}
	return p.api.query(ctx, p.filter, p.NextPageToken)
}

// All yields every transaction from this page onwards, fetching further pages
// only as the caller asks for more. On a fetch error the error is yielded
// once and iteration stops. To start over, issue the query again.
func (p *TransactionsPage) All(ctx context.Context) iter.Seq2[Transaction, error] {
	return func(yield func(Transaction, error) bool) {
		page := p
		for {
			for _, txn := range page.Transactions {
				if !yield(txn, nil) {
					return
				}
			}
			if !page.HasNextPage() {
				return
			}

			next, err := page.NextPage(ctx)
			if err != nil {
				yield(Transaction{}, err)
				return
			}
			page = next
		}
	}
}

// Collect walks every remaining page and returns all transactions.
func (p *TransactionsPage) Collect(ctx context.Context) ([]Transaction, error) {
	var out []Transaction
	for txn, err := range p.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, txn)
	}
	return out, nil
}
