package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	AccountStatusUnknown        AccountStatus = "ACCOUNT_STATUS_UNKNOWN"
	AccountStatusOpen           AccountStatus = "ACCOUNT_STATUS_OPEN"
	AccountStatusClosed         AccountStatus = "ACCOUNT_STATUS_CLOSED"
	AccountStatusCancelled      AccountStatus = "ACCOUNT_STATUS_CANCELLED"
	AccountStatusPendingClosure AccountStatus = "ACCOUNT_STATUS_PENDING_CLOSURE"
	AccountStatusPending        AccountStatus = "ACCOUNT_STATUS_PENDING"
)

// TSide is the side of the balance sheet an account balance is counted on.
type TSide string

const (
	TSideUnknown   TSide = "TSIDE_UNKNOWN"
	TSideAsset     TSide = "TSIDE_ASSET"
	TSideLiability TSide = "TSIDE_LIABILITY"
)

// PostingPhase is the phase a live balance applies to.
type PostingPhase string

const (
	PostingPhaseUnknown         PostingPhase = "POSTING_PHASE_UNKNOWN"
	PostingPhasePendingIncoming PostingPhase = "POSTING_PHASE_PENDING_INCOMING"
	PostingPhasePendingOutgoing PostingPhase = "POSTING_PHASE_PENDING_OUTGOING"
	PostingPhaseCommitted       PostingPhase = "POSTING_PHASE_COMMITTED"
)

// LiveBalance is one current balance of an account.
type LiveBalance struct {
	Amount         string       `json:"amount"`
	AccountAddress string       `json:"account_address"`
	Phase          PostingPhase `json:"phase"`
	Asset          string       `json:"asset"`
	Denomination   string       `json:"denomination"`
	Accounting     struct {
		TSide TSide `json:"tside,omitempty"`
	} `json:"accounting"`
}

// AccountBalance is the set of live balances calculated for an account.
type AccountBalance struct {
	AsOfPostingInstructionBatchID string        `json:"as_of_posting_instruction_batch_id"`
	LiveBalances                  []LiveBalance `json:"live_balances"`
}

// Balance is a committed balance at one account address.
type Balance struct {
	Amount       decimal.Decimal
	Denomination string
}

// Account is a customer account.
type Account struct {
	ID                       string            `json:"id"`
	Name                     string            `json:"name"`
	ProductID                string            `json:"product_id"`
	ProductVersionID         string            `json:"product_version_id"`
	Status                   AccountStatus     `json:"status"`
	OpeningTimestamp         *time.Time        `json:"opening_timestamp,omitempty"`
	StakeholderIDs           []string          `json:"stakeholder_ids"`
	InstanceParamVals        map[string]string `json:"instance_param_vals"`
	DerivedInstanceParamVals map[string]string `json:"derived_instance_param_vals"`
	Details                  map[string]string `json:"details"`
	AccountBalance           AccountBalance    `json:"account_balance"`
	Accounting               struct {
		TSide TSide `json:"tside"`
	} `json:"accounting"`

	// Filled from the account's payment device when requested; may be empty.
	UKSortCode      string `json:"uk_sort_code,omitempty"`
	UKAccountNumber string `json:"uk_account_number,omitempty"`
}

// Balances returns the committed live balances keyed by account address.
// Usually the only address is "DEFAULT".
func (a *Account) Balances() (map[string]Balance, error) {
	out := make(map[string]Balance)
	for _, lb := range a.AccountBalance.LiveBalances {
		if lb.Phase != PostingPhaseCommitted {
			continue
		}
		amount, err := decimal.NewFromString(lb.Amount)
		if err != nil {
			return nil, fmt.Errorf("invalid balance amount %q at %s: %w", lb.Amount, lb.AccountAddress, err)
		}
		out[lb.AccountAddress] = Balance{Amount: amount, Denomination: lb.Denomination}
	}
	return out, nil
}

// accountWire keeps opening_timestamp as a string so loose formats decode.
type accountWire struct {
	Account
	OpeningTimestamp string `json:"opening_timestamp"`
}

func (w accountWire) account() (Account, error) {
	a := w.Account
	if a.Status == "" {
		a.Status = AccountStatusUnknown
	}
	if a.Accounting.TSide == "" {
		a.Accounting.TSide = TSideUnknown
	}
	ts, err := parseTimestamp(w.OpeningTimestamp)
	if err != nil {
		return Account{}, fmt.Errorf("account %s: opening_timestamp: %w", a.ID, err)
	}
	a.OpeningTimestamp = ts
	return a, nil
}

const (
	accountsPath           = "/v1/accounts"
	paymentDeviceLinksPath = "/v1/payment-device-links"
	batchGetPaymentDevices = "/v1/payment-devices:batchGet"
	accountView            = "ACCOUNT_VIEW_INCLUDE_BALANCES"
)

// AccountsAPI reads accounts from the core API.
type AccountsAPI struct {
	requester Requester
	logger    *slog.Logger
	now       func() time.Time
}

// NewAccountsAPI creates an AccountsAPI. A nil logger discards.
func NewAccountsAPI(requester Requester, logger *slog.Logger) *AccountsAPI {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &AccountsAPI{requester: requester, logger: logger, now: time.Now}
}

// AccountOption configures GetAccount and ListAccountsForCustomer.
type AccountOption func(*accountOptions)

type accountOptions struct {
	bankDetails bool
}

// WithUKBankDetails fills UKSortCode and UKAccountNumber from the account's
// payment device. It costs two extra requests per call.
func WithUKBankDetails() AccountOption {
	return func(o *accountOptions) { o.bankDetails = true }
}

// GetAccount fetches one account with its balances. Instance parameters are
// evaluated as of now.
func (a *AccountsAPI) GetAccount(ctx context.Context, id string, opts ...AccountOption) (*Account, error) {
	var o accountOptions
	for _, opt := range opts {
		opt(&o)
	}

	params := url.Values{}
	params.Set("instance_param_vals_effective_timestamp", FormatTimestamp(a.now()))
	params.Set("view", accountView)

	var w accountWire
	if err := a.requester.Get(ctx, accountsPath+"/"+url.PathEscape(id), params, &w); err != nil {
		return nil, err
	}
	account, err := w.account()
	if err != nil {
		return nil, err
	}

	if o.bankDetails {
		accounts := []Account{account}
		if err := a.addBankDetails(ctx, accounts); err != nil {
			return nil, err
		}
		account = accounts[0]
	}
	return &account, nil
}

// ListAccountsForCustomer returns the first page (up to ListPageSize) of
// accounts the customer is a stakeholder of.
func (a *AccountsAPI) ListAccountsForCustomer(ctx context.Context, customerID string, opts ...AccountOption) ([]Account, error) {
	var o accountOptions
	for _, opt := range opts {
		opt(&o)
	}

	params := url.Values{}
	params.Set("page_size", strconv.Itoa(ListPageSize))
	params.Set("stakeholder_id", customerID)
	params.Set("view", accountView)

	var resp struct {
		Accounts []accountWire `json:"accounts"`
	}
	if err := a.requester.Get(ctx, accountsPath, params, &resp); err != nil {
		return nil, err
	}

	accounts := make([]Account, 0, len(resp.Accounts))
	for _, w := range resp.Accounts {
		account, err := w.account()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	if o.bankDetails && len(accounts) > 0 {
		if err := a.addBankDetails(ctx, accounts); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

// UpdateAccountStakeholders replaces the stakeholders of an account and
// returns the account as stored afterwards.
func (a *AccountsAPI) UpdateAccountStakeholders(ctx context.Context, id string, customerIDs []string) (*Account, error) {
	body := map[string]any{
		"account": map[string]any{
			"stakeholder_ids": customerIDs,
		},
		"update_mask": map[string]any{
			"paths": []string{"stakeholder_ids"},
		},
	}
	var updated struct {
		ID string `json:"id"`
	}
	if err := a.requester.Put(ctx, accountsPath+"/"+url.PathEscape(id), body, &updated); err != nil {
		return nil, err
	}
	a.logger.Debug("account stakeholders updated", "id", updated.ID, "stakeholders", len(customerIDs))
	return a.GetAccount(ctx, updated.ID)
}

type paymentDevice struct {
	RoutingInfo struct {
		SortCode      string `json:"sort_code"`
		AccountNumber string `json:"account_number"`
	} `json:"routing_info"`
}

// addBankDetails looks up the payment device linked to each account and
// copies its UK routing info. Accounts without a device are left unchanged.
func (a *AccountsAPI) addBankDetails(ctx context.Context, accounts []Account) error {
	params := url.Values{}
	for _, account := range accounts {
		params.Add("account_ids", account.ID)
	}
	var links struct {
		PaymentDeviceLinks []struct {
			AccountID       string `json:"account_id"`
			PaymentDeviceID string `json:"payment_device_id"`
		} `json:"payment_device_links"`
	}
	if err := a.requester.Get(ctx, paymentDeviceLinksPath, params, &links); err != nil {
		return fmt.Errorf("failed to get payment device links: %w", err)
	}
	if len(links.PaymentDeviceLinks) == 0 {
		return nil
	}

	deviceByAccount := make(map[string]string, len(links.PaymentDeviceLinks))
	params = url.Values{}
	for _, link := range links.PaymentDeviceLinks {
		// First link wins when an account has several devices.
		if _, ok := deviceByAccount[link.AccountID]; ok {
			continue
		}
		deviceByAccount[link.AccountID] = link.PaymentDeviceID
		params.Add("ids", link.PaymentDeviceID)
	}

	var devices struct {
		PaymentDevices map[string]paymentDevice `json:"payment_devices"`
	}
	if err := a.requester.Get(ctx, batchGetPaymentDevices, params, &devices); err != nil {
		return fmt.Errorf("failed to get payment devices: %w", err)
	}

	var missing []string
	for i := range accounts {
		deviceID, ok := deviceByAccount[accounts[i].ID]
		if !ok {
			continue
		}
		device, ok := devices.PaymentDevices[deviceID]
		if !ok {
			missing = append(missing, deviceID)
			continue
		}
		accounts[i].UKSortCode = device.RoutingInfo.SortCode
		accounts[i].UKAccountNumber = device.RoutingInfo.AccountNumber
	}
	if len(missing) > 0 {
		a.logger.Warn("payment devices not returned", "ids", strings.Join(missing, ","))
	}
	return nil
}
