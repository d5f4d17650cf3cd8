package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/PremierFoxes/vault/client"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

var (
	knownStatuses = []client.TransactionStatus{
		client.TransactionStatusUnknown,
		client.TransactionStatusPending,
		client.TransactionStatusCompleted,
		client.TransactionStatusRejected,
		client.TransactionStatusCancelled,
	}
	knownDirections = []client.TransactionDirection{
		client.TransactionDirectionUnspecified,
		client.TransactionDirectionCredit,
		client.TransactionDirectionDebit,
	}
	knownOrderBy = []client.TransactionOrderBy{
		client.TransactionOrderByValueTimestampAsc,
		client.TransactionOrderByValueTimestampDesc,
		client.TransactionOrderByBookingTimestampAsc,
		client.TransactionOrderByBookingTimestampDesc,
		client.TransactionOrderByLastUpdateTimestampAsc,
		client.TransactionOrderByChargeAmountValueAsc,
		client.TransactionOrderByChargeAmountValueDesc,
	}
	knownRejectionCodes = []client.TransactionRejectionCode{
		client.TransactionRejectionCodeUnknown,
		client.TransactionRejectionCodeInsufficientFunds,
		client.TransactionRejectionCodeAccountRestricted,
		client.TransactionRejectionCodeAccountNotFound,
		client.TransactionRejectionCodeDuplicateReference,
	}
	knownAssets = []client.ChargeAmountAsset{
		client.ChargeAmountAssetUnknown,
		client.ChargeAmountAssetCommercialBankMoney,
	}
)

func transactionsCommands() *cli.Command {
	return &cli.Command{
		Name:    "transactions",
		Aliases: []string{"txns", "tx"},
		Usage:   "Query and create Vault transactions",
		Subcommands: []*cli.Command{
			transactionsListCommand(),
			transactionsGetCommand(),
			transactionsCreateCommand(),
		},
	}
}

func transactionsListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List transactions matching a filter",
		Description: `Filter flags combine with AND; repeating a flag combines its values with OR.
Enum values may be given short (pending, credit, value_timestamp_desc) or as
their full tag. Timestamps are RFC 3339 or YYYY-MM-DD (UTC).

Example:
  vault transactions list --account-id acc-1 --status completed --all
  vault transactions list --payment-order-id po-9 --wait --max-wait 10s`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "account-id", Aliases: []string{"a"}, Usage: "Account id"},
			&cli.StringSliceFlag{Name: "payment-order-id", Usage: "Payment order id"},
			&cli.StringSliceFlag{Name: "payee-id", Usage: "Payee id"},
			&cli.StringFlag{Name: "direction", Usage: "credit, debit or unspecified"},
			&cli.StringSliceFlag{Name: "status", Usage: "Transaction status (pending, completed, rejected, cancelled)"},
			&cli.StringFlag{Name: "value-from", Usage: "Value timestamp lower bound (inclusive)"},
			&cli.StringFlag{Name: "value-to", Usage: "Value timestamp upper bound (exclusive)"},
			&cli.StringFlag{Name: "booking-from", Usage: "Booking timestamp lower bound (inclusive)"},
			&cli.StringFlag{Name: "booking-to", Usage: "Booking timestamp upper bound (exclusive)"},
			&cli.StringFlag{Name: "updated-from", Usage: "Last update timestamp lower bound (inclusive)"},
			&cli.StringFlag{Name: "updated-to", Usage: "Last update timestamp upper bound (exclusive)"},
			&cli.StringFlag{Name: "amount-from", Usage: "Charge amount lower bound, as a decimal string"},
			&cli.StringFlag{Name: "amount-to", Usage: "Charge amount upper bound, as a decimal string"},
			&cli.StringSliceFlag{Name: "order-by", Usage: "Sort key, e.g. value_timestamp_desc"},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Fetch every page instead of only the first",
			},
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Poll until at least one transaction matches",
			},
			&cli.DurationFlag{
				Name:  "max-wait",
				Usage: "Total time to wait with --wait (default from LIST_MAX_WAIT)",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "Pause between polls with --wait (default from LIST_POLL_INTERVAL)",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq expression each transaction must satisfy (can be repeated, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			filter, err := buildFilter(c)
			if err != nil {
				return err
			}
			if filter.IsEmpty() {
				return fmt.Errorf("at least one filter flag is required")
			}

			matchers, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(c.String("log-level"))
			api := newVaultClient(cfg, logger).Transactions()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			var page *client.TransactionsPage
			if c.Bool("wait") {
				maxWait := cfg.ListMaxWait
				if c.IsSet("max-wait") {
					maxWait = c.Duration("max-wait")
				}
				pollInterval := cfg.ListPollInterval
				if c.IsSet("poll-interval") {
					pollInterval = c.Duration("poll-interval")
				}
				if maxWait < 0 {
					return fmt.Errorf("--max-wait must not be negative, got %s", maxWait)
				}
				if pollInterval <= 0 {
					return fmt.Errorf("--poll-interval must be positive, got %s", pollInterval)
				}
				page, err = api.ListTransactionsWhenExists(ctx, filter,
					client.WithMaxWait(maxWait),
					client.WithPollInterval(pollInterval),
				)
			} else {
				page, err = api.ListTransactions(ctx, filter)
			}
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			txns := page.Transactions
			more := page.HasNextPage()
			if c.Bool("all") {
				txns, err = page.Collect(ctx)
				if err != nil {
					return fmt.Errorf("failed to list transactions: %w", err)
				}
				more = false
			}

			txns, err = filterTransactions(txns, matchers)
			if err != nil {
				return err
			}

			w := c.App.Writer
			if c.Bool("json") {
				return writeJSON(w, txns)
			}

			if len(txns) == 0 {
				fmt.Fprintln(w, "No transactions found")
				return nil
			}
			fmt.Fprintf(w, "Found %d transaction(s):\n\n", len(txns))
			for i := range txns {
				printTransaction(w, &txns[i])
				fmt.Fprintln(w)
			}
			if more {
				fmt.Fprintln(w, "More transactions available, use --all to fetch every page")
			}
			return nil
		},
	}
}

func transactionsGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Aliases:   []string{"show"},
		Usage:     "Get transactions by id",
		ArgsUsage: "ID [ID...]",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("at least one transaction id is required")
			}
			ids := c.Args().Slice()

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(c.String("log-level"))
			api := newVaultClient(cfg, logger).Transactions()

			found, err := api.BatchGetTransactions(c.Context, ids)
			if err != nil {
				return fmt.Errorf("failed to get transactions: %w", err)
			}

			var (
				txns    []client.Transaction
				missing []string
			)
			for _, id := range ids {
				txn, ok := found[id]
				if !ok {
					missing = append(missing, id)
					continue
				}
				txns = append(txns, txn)
			}

			w := c.App.Writer
			if c.Bool("json") {
				if err := writeJSON(w, txns); err != nil {
					return err
				}
			} else {
				for i := range txns {
					printTransaction(w, &txns[i])
					fmt.Fprintln(w)
				}
			}

			if len(missing) > 0 {
				return fmt.Errorf("transactions not found: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

func transactionsCreateCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create a transaction",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Transaction id (assigned by Vault when empty)"},
			&cli.StringFlag{Name: "account-id", Aliases: []string{"a"}, Usage: "Account id", Required: true},
			&cli.StringFlag{Name: "amount", Usage: "Charge amount value, as a decimal string"},
			&cli.StringFlag{Name: "denomination", Usage: "Charge amount denomination, e.g. GBP"},
			&cli.StringFlag{Name: "asset", Usage: "Charge amount asset", Value: "commercial_bank_money"},
			&cli.BoolFlag{Name: "credit", Usage: "Credit to the account (debit when false)"},
			&cli.StringFlag{Name: "reference", Usage: "Reference shown to the customer"},
			&cli.StringFlag{Name: "status", Usage: "Initial status"},
			&cli.StringFlag{Name: "value-timestamp", Usage: "Value timestamp"},
			&cli.StringFlag{Name: "booking-timestamp", Usage: "Booking timestamp"},
			&cli.StringFlag{Name: "payee-id", Usage: "Payee id"},
			&cli.StringFlag{Name: "payment-order-id", Usage: "Payment order id"},
			&cli.StringSliceFlag{Name: "posting-batch-id", Usage: "Posting instruction batch id (can be repeated)"},
			&cli.StringFlag{Name: "rejection-code", Usage: "Rejection code for rejected transactions"},
		},
		Action: func(c *cli.Context) error {
			n, err := buildNewTransaction(c)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(c.String("log-level"))
			api := newVaultClient(cfg, logger).Transactions()

			created, err := api.CreateTransaction(c.Context, n)
			if err != nil {
				return fmt.Errorf("failed to create transaction: %w", err)
			}

			w := c.App.Writer
			if c.Bool("json") {
				return writeJSON(w, created)
			}
			fmt.Fprintln(w, "✓ Transaction created")
			printTransaction(w, created)
			return nil
		},
	}
}

// buildFilter turns the list flags into a filter.
func buildFilter(c *cli.Context) (client.TransactionFilter, error) {
	filter := client.TransactionFilter{
		AccountIDs:      c.StringSlice("account-id"),
		PaymentOrderIDs: c.StringSlice("payment-order-id"),
		PayeeIDs:        c.StringSlice("payee-id"),
	}

	if v := c.String("direction"); v != "" {
		d, err := parseEnum("TRANSACTION_DIRECTION_", v, knownDirections)
		if err != nil {
			return filter, err
		}
		filter.Direction = d
	}
	for _, v := range c.StringSlice("status") {
		s, err := parseEnum("TRANSACTION_STATUS_", v, knownStatuses)
		if err != nil {
			return filter, err
		}
		filter.Statuses = append(filter.Statuses, s)
	}
	for _, v := range c.StringSlice("order-by") {
		o, err := parseEnum("TRANSACTION_ORDER_BY_", v, knownOrderBy)
		if err != nil {
			return filter, err
		}
		filter.OrderBy = append(filter.OrderBy, o)
	}

	var err error
	if filter.ValueTimestampRange, err = timestampRange(c, "value-from", "value-to"); err != nil {
		return filter, err
	}
	if filter.BookingTimestampRange, err = timestampRange(c, "booking-from", "booking-to"); err != nil {
		return filter, err
	}
	if filter.LastUpdateTimestampRange, err = timestampRange(c, "updated-from", "updated-to"); err != nil {
		return filter, err
	}

	from, to := c.String("amount-from"), c.String("amount-to")
	if from != "" || to != "" {
		r := &client.AmountRange{}
		if from != "" {
			r.From = &from
		}
		if to != "" {
			r.To = &to
		}
		filter.ChargeAmountValueRange = r
	}

	return filter, nil
}

func buildNewTransaction(c *cli.Context) (client.NewTransaction, error) {
	n := client.NewTransaction{
		ID:                         c.String("id"),
		AccountID:                  c.String("account-id"),
		Reference:                  c.String("reference"),
		PayeeID:                    c.String("payee-id"),
		PaymentOrderID:             c.String("payment-order-id"),
		PostingInstructionBatchIDs: c.StringSlice("posting-batch-id"),
	}

	if amount := c.String("amount"); amount != "" {
		asset, err := parseEnum("CHARGE_AMOUNT_ASSET_", c.String("asset"), knownAssets)
		if err != nil {
			return n, err
		}
		n.ChargeAmount = &client.ChargeAmount{
			Asset:        asset,
			Value:        amount,
			Denomination: c.String("denomination"),
		}
		if _, err := n.ChargeAmount.Decimal(); err != nil {
			return n, err
		}
	}
	if c.IsSet("credit") {
		credit := c.Bool("credit")
		n.IsCredit = &credit
	}
	if v := c.String("status"); v != "" {
		s, err := parseEnum("TRANSACTION_STATUS_", v, knownStatuses)
		if err != nil {
			return n, err
		}
		n.Status = s
	}
	if v := c.String("rejection-code"); v != "" {
		r, err := parseEnum("TRANSACTION_REJECTION_CODE_", v, knownRejectionCodes)
		if err != nil {
			return n, err
		}
		n.RejectionCode = r
	}

	var err error
	if n.ValueTimestamp, err = optionalTime(c.String("value-timestamp")); err != nil {
		return n, fmt.Errorf("value-timestamp: %w", err)
	}
	if n.BookingTimestamp, err = optionalTime(c.String("booking-timestamp")); err != nil {
		return n, fmt.Errorf("booking-timestamp: %w", err)
	}
	return n, nil
}

// parseEnum accepts an enum tag in full or without its prefix, in any case,
// with dashes for underscores.
func parseEnum[T ~string](prefix, value string, known []T) (T, error) {
	v := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(value), "-", "_"))
	if !strings.HasPrefix(v, prefix) {
		v = prefix + v
	}
	if !slices.Contains(known, T(v)) {
		return "", fmt.Errorf("unknown value %q, expected one of %v", value, known)
	}
	return T(v), nil
}

func timestampRange(c *cli.Context, fromFlag, toFlag string) (*client.TimestampRange, error) {
	from, err := optionalTime(c.String(fromFlag))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fromFlag, err)
	}
	to, err := optionalTime(c.String(toFlag))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", toFlag, err)
	}
	if from == nil && to == nil {
		return nil, nil
	}
	return &client.TimestampRange{From: from, To: to}, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func optionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid timestamp %q", s)
}

// compileJQ compiles every expression up front so a typo fails before any
// request is made.
func compileJQ(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return codes, nil
}

// matchesJQ reports whether v satisfies every filter. v is converted to its
// generic JSON form first, which is what gojq evaluates.
func matchesJQ(codes []*gojq.Code, v any) (bool, error) {
	if len(codes) == 0 {
		return true, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to encode jq input: %w", err)
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return false, fmt.Errorf("failed to decode jq input: %w", err)
	}

	for _, code := range codes {
		iter := code.Run(input)
		result, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if _, isErr := result.(error); isErr {
			return false, nil
		}
		if !isTruthy(result) {
			return false, nil
		}
	}
	return true, nil
}

func filterTransactions(txns []client.Transaction, codes []*gojq.Code) ([]client.Transaction, error) {
	if len(codes) == 0 {
		return txns, nil
	}
	out := make([]client.Transaction, 0, len(txns))
	for _, txn := range txns {
		ok, err := matchesJQ(codes, txn)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, txn)
		}
	}
	return out, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printTransaction(w io.Writer, txn *client.Transaction) {
	direction := "debit"
	if txn.IsCredit {
		direction = "credit"
	}
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "ID:           %s\n", txn.ID)
	fmt.Fprintf(w, "Account:      %s\n", txn.AccountID)
	fmt.Fprintf(w, "Amount:       %s %s (%s)\n", txn.ChargeAmount.Value, txn.ChargeAmount.Denomination, direction)
	fmt.Fprintf(w, "Status:       %s\n", txn.Status)
	if txn.RejectionCode != "" {
		fmt.Fprintf(w, "Rejection:    %s\n", txn.RejectionCode)
	}
	if txn.Reference != "" {
		fmt.Fprintf(w, "Reference:    %s\n", txn.Reference)
	}
	if txn.PaymentOrderID != "" {
		fmt.Fprintf(w, "Payment Order: %s\n", txn.PaymentOrderID)
	}
	if txn.PayeeID != "" {
		fmt.Fprintf(w, "Payee:        %s\n", txn.PayeeID)
	}
	printTimestamp(w, "Value Time:   ", txn.ValueTimestamp)
	printTimestamp(w, "Booking Time: ", txn.BookingTimestamp)
	printTimestamp(w, "Last Update:  ", txn.LastUpdateTimestamp)
	if len(txn.PostingInstructionBatchIDs) > 0 {
		fmt.Fprintf(w, "Posting Batches: %s\n", strings.Join(txn.PostingInstructionBatchIDs, ", "))
	}
}

func printTimestamp(w io.Writer, label string, t *time.Time) {
	if t == nil {
		return
	}
	fmt.Fprintf(w, "%s%s\n", label, t.Format(time.RFC3339))
}
