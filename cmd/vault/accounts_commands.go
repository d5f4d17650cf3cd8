package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/PremierFoxes/vault/client"
	"github.com/PremierFoxes/vault/service/config"
	"github.com/urfave/cli/v2"
)

// requireURL fails commands whose API base URL is not configured.
func requireURL(value, env string) error {
	if value == "" {
		return fmt.Errorf("%s is required for this command", env)
	}
	return nil
}

func accountsCommands() *cli.Command {
	return &cli.Command{
		Name:    "accounts",
		Aliases: []string{"acc"},
		Usage:   "Read customer accounts",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Get an account with its balances",
				ArgsUsage: "ID",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "bank-details", Usage: "Include the UK sort code and account number"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("exactly one account id is required")
					}
					api, err := coreClient(c)
					if err != nil {
						return err
					}
					account, err := api.Accounts().GetAccount(c.Context, c.Args().First(), accountOptions(c)...)
					if err != nil {
						return fmt.Errorf("failed to get account: %w", err)
					}
					if c.Bool("json") {
						return writeJSON(c.App.Writer, account)
					}
					return printAccount(c.App.Writer, account)
				},
			},
			{
				Name:  "list",
				Usage: "List the accounts of a customer",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "customer-id", Usage: "Stakeholder customer id", Required: true},
					&cli.BoolFlag{Name: "bank-details", Usage: "Include the UK sort code and account number"},
				},
				Action: func(c *cli.Context) error {
					api, err := coreClient(c)
					if err != nil {
						return err
					}
					accounts, err := api.Accounts().ListAccountsForCustomer(c.Context, c.String("customer-id"), accountOptions(c)...)
					if err != nil {
						return fmt.Errorf("failed to list accounts: %w", err)
					}
					w := c.App.Writer
					if c.Bool("json") {
						return writeJSON(w, accounts)
					}
					if len(accounts) == 0 {
						fmt.Fprintln(w, "No accounts found")
						return nil
					}
					for i := range accounts {
						if err := printAccount(w, &accounts[i]); err != nil {
							return err
						}
						fmt.Fprintln(w)
					}
					return nil
				},
			},
		},
	}
}

func customersCommands() *cli.Command {
	return &cli.Command{
		Name:  "customers",
		Usage: "Read and create customers",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Get customers by id",
				ArgsUsage: "ID [ID...]",
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return fmt.Errorf("at least one customer id is required")
					}
					api, err := coreClient(c)
					if err != nil {
						return err
					}
					ids := c.Args().Slice()
					found, err := api.Customers().GetCustomers(c.Context, ids)
					if err != nil {
						return fmt.Errorf("failed to get customers: %w", err)
					}

					var (
						customers []client.Customer
						missing   []string
					)
					for _, id := range ids {
						customer, ok := found[id]
						if !ok {
							missing = append(missing, id)
							continue
						}
						customers = append(customers, customer)
					}

					w := c.App.Writer
					if c.Bool("json") {
						if err := writeJSON(w, customers); err != nil {
							return err
						}
					} else {
						for i := range customers {
							printCustomer(w, &customers[i])
							fmt.Fprintln(w)
						}
					}
					if len(missing) > 0 {
						return fmt.Errorf("customers not found: %s", strings.Join(missing, ", "))
					}
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "Create a customer",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "Customer id (assigned by Vault when empty)"},
					&cli.StringFlag{Name: "first-name", Usage: "First name"},
					&cli.StringFlag{Name: "last-name", Usage: "Last name"},
					&cli.StringFlag{Name: "dob", Usage: "Date of birth, YYYY-MM-DD"},
					&cli.StringFlag{Name: "email", Usage: "Email address, also registered as an identifier"},
					&cli.StringFlag{Name: "mobile", Usage: "Mobile phone number"},
				},
				Action: func(c *cli.Context) error {
					n := client.NewCustomer{
						ID: c.String("id"),
						Details: client.CustomerDetails{
							FirstName:         c.String("first-name"),
							LastName:          c.String("last-name"),
							DOB:               c.String("dob"),
							EmailAddress:      c.String("email"),
							MobilePhoneNumber: c.String("mobile"),
						},
					}
					if n.Details.DOB != "" && n.Details.DateOfBirth() == nil {
						return fmt.Errorf("invalid --dob %q, want YYYY-MM-DD", n.Details.DOB)
					}

					api, err := coreClient(c)
					if err != nil {
						return err
					}
					created, err := api.Customers().CreateCustomer(c.Context, n)
					if err != nil {
						return fmt.Errorf("failed to create customer: %w", err)
					}
					w := c.App.Writer
					if c.Bool("json") {
						return writeJSON(w, created)
					}
					fmt.Fprintln(w, "✓ Customer created")
					printCustomer(w, created)
					return nil
				},
			},
		},
	}
}

func paymentsCommands() *cli.Command {
	return &cli.Command{
		Name:  "payments",
		Usage: "Create and read payments",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create an immediate payment between two accounts",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "amount", Usage: "Amount, as a decimal string", Required: true},
					&cli.StringFlag{Name: "currency", Usage: "Currency", Value: "GBP"},
					&cli.StringFlag{Name: "reference", Usage: "Reference, at most 18 characters"},
					&cli.StringFlag{Name: "debtor-account-id", Required: true},
					&cli.StringFlag{Name: "debtor-sort-code", Required: true},
					&cli.StringFlag{Name: "debtor-account-number", Required: true},
					&cli.StringFlag{Name: "creditor-account-id", Required: true},
					&cli.StringFlag{Name: "creditor-sort-code", Required: true},
					&cli.StringFlag{Name: "creditor-account-number", Required: true},
					&cli.BoolFlag{Name: "settle", Usage: "Request settlement once the payment is received"},
				},
				Action: func(c *cli.Context) error {
					if len(c.String("reference")) > 18 {
						return fmt.Errorf("--reference must be at most 18 characters")
					}
					api, err := paymentsClient(c)
					if err != nil {
						return err
					}
					payments := api.Payments()

					payment, err := payments.CreatePayment(c.Context, client.NewPayment{
						Amount:    c.String("amount"),
						Currency:  c.String("currency"),
						Reference: c.String("reference"),
						Debtor: client.Party{
							AccountID: c.String("debtor-account-id"),
							BBAN: client.BBAN{
								BankID:        c.String("debtor-sort-code"),
								AccountNumber: c.String("debtor-account-number"),
							},
						},
						Creditor: client.Party{
							AccountID: c.String("creditor-account-id"),
							BBAN: client.BBAN{
								BankID:        c.String("creditor-sort-code"),
								AccountNumber: c.String("creditor-account-number"),
							},
						},
					})
					if err != nil {
						return fmt.Errorf("failed to create payment: %w", err)
					}
					if c.Bool("settle") && payment.CurrentStatus == client.PaymentStatusReceived {
						payment, err = payments.RequestSettlement(c.Context, payment.ID)
						if err != nil {
							return fmt.Errorf("failed to request settlement: %w", err)
						}
					}

					w := c.App.Writer
					if c.Bool("json") {
						return writeJSON(w, payment)
					}
					printPayment(w, payment)
					return nil
				},
			},
			{
				Name:      "get",
				Usage:     "Get a payment",
				ArgsUsage: "ID",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("exactly one payment id is required")
					}
					api, err := paymentsClient(c)
					if err != nil {
						return err
					}
					payment, err := api.Payments().GetPayment(c.Context, c.Args().First())
					if err != nil {
						return fmt.Errorf("failed to get payment: %w", err)
					}
					if c.Bool("json") {
						return writeJSON(c.App.Writer, payment)
					}
					printPayment(c.App.Writer, payment)
					return nil
				},
			},
		},
	}
}

func loadClient(c *cli.Context, check func(*config.Config) error) (*client.Client, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if err := check(cfg); err != nil {
		return nil, err
	}
	return newVaultClient(cfg, setupLogger(c.String("log-level"))), nil
}

func coreClient(c *cli.Context) (*client.Client, error) {
	return loadClient(c, func(cfg *config.Config) error {
		return requireURL(cfg.CoreAPIURL, "VAULT_CORE_API_URL")
	})
}

func paymentsClient(c *cli.Context) (*client.Client, error) {
	return loadClient(c, func(cfg *config.Config) error {
		return requireURL(cfg.PaymentsHubAPIURL, "VAULT_PAYMENTS_HUB_API_URL")
	})
}

func accountOptions(c *cli.Context) []client.AccountOption {
	if c.Bool("bank-details") {
		return []client.AccountOption{client.WithUKBankDetails()}
	}
	return nil
}

func printAccount(w io.Writer, a *client.Account) error {
	balances, err := a.Balances()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "ID:           %s\n", a.ID)
	if a.Name != "" {
		fmt.Fprintf(w, "Name:         %s\n", a.Name)
	}
	fmt.Fprintf(w, "Product:      %s (%s)\n", a.ProductID, a.ProductVersionID)
	fmt.Fprintf(w, "Status:       %s\n", a.Status)
	fmt.Fprintf(w, "Stakeholders: %s\n", strings.Join(a.StakeholderIDs, ", "))
	printTimestamp(w, "Opened:       ", a.OpeningTimestamp)
	if a.UKSortCode != "" {
		fmt.Fprintf(w, "Sort Code:    %s\n", a.UKSortCode)
		fmt.Fprintf(w, "Account No:   %s\n", a.UKAccountNumber)
	}

	addresses := make([]string, 0, len(balances))
	for address := range balances {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	for _, address := range addresses {
		b := balances[address]
		fmt.Fprintf(w, "Balance:      %s %s (%s)\n", b.Amount.String(), b.Denomination, address)
	}
	return nil
}

func printCustomer(w io.Writer, cu *client.Customer) {
	d := cu.Details
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "ID:           %s\n", cu.ID)
	fmt.Fprintf(w, "Name:         %s\n", strings.TrimSpace(strings.Join([]string{d.FirstName, d.MiddleName, d.LastName}, " ")))
	if d.DOB != "" {
		fmt.Fprintf(w, "Born:         %s\n", d.DOB)
	}
	if d.EmailAddress != "" {
		fmt.Fprintf(w, "Email:        %s\n", d.EmailAddress)
	}
	if d.MobilePhoneNumber != "" {
		fmt.Fprintf(w, "Mobile:       %s\n", d.MobilePhoneNumber)
	}
}

func printPayment(w io.Writer, p *client.Payment) {
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "ID:           %s\n", p.ID)
	fmt.Fprintf(w, "Amount:       %s %s\n", p.Amount, p.Currency)
	fmt.Fprintf(w, "Status:       %s\n", p.CurrentStatus)
	if p.StatusReason != "" {
		fmt.Fprintf(w, "Reason:       %s\n", p.StatusReason)
	}
	if p.Reference != "" {
		fmt.Fprintf(w, "Reference:    %s\n", p.Reference)
	}
	fmt.Fprintf(w, "From:         %s (%s %s)\n", p.DebtorParty.AccountID, p.DebtorParty.SortCode(), p.DebtorParty.BBAN.AccountNumber)
	fmt.Fprintf(w, "To:           %s (%s %s)\n", p.CreditorParty.AccountID, p.CreditorParty.SortCode(), p.CreditorParty.BBAN.AccountNumber)
	printTimestamp(w, "Value Time:   ", p.ValueTimestamp)
}
