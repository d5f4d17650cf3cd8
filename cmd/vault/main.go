package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/PremierFoxes/vault/client"
	"github.com/PremierFoxes/vault/service/config"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "vault",
		Usage: "Vault ledger client",
		Description: `A command-line tool for querying Vault transactions and consuming the
transaction event stream.

Connection settings come from the environment (VAULT_XPL_API_URL,
VAULT_SERVICE_ACCOUNT_TOKEN, KAFKA_BROKERS, ...) or from a JSON file given
with --config.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			transactionsCommands(),
			accountsCommands(),
			customersCommands(),
			paymentsCommands(),
			eventsCommands(),
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "JSON config file (overrides the VAULT_* environment)",
				EnvVars: []string{"VAULT_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "error",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}

// loadConfig reads the --config file when given, the environment otherwise.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// newVaultClient builds a client for every Vault API in cfg. Requests are
// logged under the configured user.
func newVaultClient(cfg *config.Config, logger *slog.Logger) *client.Client {
	if cfg.User != "" {
		logger = logger.With("user", cfg.User)
	}
	return client.New(client.Config{
		XPLAPIURL:           cfg.XPLAPIURL,
		CoreAPIURL:          cfg.CoreAPIURL,
		PaymentsHubAPIURL:   cfg.PaymentsHubAPIURL,
		ServiceAccountToken: cfg.ServiceAccountToken,
	}, logger)
}

// setupLogger logs JSON to stderr so stdout stays clean for command output.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
