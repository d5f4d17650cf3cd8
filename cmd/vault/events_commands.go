package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PremierFoxes/vault/client"
	"github.com/PremierFoxes/vault/service/config"
	"github.com/PremierFoxes/vault/service/db"
	"github.com/PremierFoxes/vault/service/kafka"
	"github.com/PremierFoxes/vault/service/metrics"
	natspkg "github.com/PremierFoxes/vault/service/nats"
	"github.com/PremierFoxes/vault/service/projector"
	"github.com/itchyny/gojq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const cliClientID = "vault-cli"

func eventsCommands() *cli.Command {
	streamFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "backend",
			Usage: "Stream backend, kafka or nats (default from STREAM_BACKEND)",
		},
		&cli.StringFlag{
			Name:    "group-id",
			Aliases: []string{"g"},
			Usage:   "Consumer group id (default from STREAM_GROUP_ID, a fresh group otherwise)",
		},
		&cli.StringFlag{
			Name:  "offset-reset",
			Usage: "Where a new group starts reading, latest or earliest",
		},
	}

	return &cli.Command{
		Name:  "events",
		Usage: "Transaction event stream commands",
		Subcommands: []*cli.Command{
			eventsTailCommand(streamFlags),
			eventsSyncCommand(streamFlags),
			eventsPublishCommand(),
		},
	}
}

func eventsTailCommand(streamFlags []cli.Flag) *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Print transaction events as they arrive",
		Description: `Consume the transaction event topic as a member of a consumer group.

Without --commit the group's position is never advanced, so the same events
are shown again next time. Ctrl-C to exit.

Example:
  vault events tail --group-id ops --offset-reset earliest --jq '.type == "TRANSACTION_EVENT_CREATED"'`,
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:  "commit",
				Usage: "Commit after every printed event",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Stop after this many events (0 for no limit)",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq expression each event must satisfy (can be repeated, all must match)",
			},
		}, streamFlags...),
		Action: func(c *cli.Context) error {
			matchers, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(c.String("log-level"))

			source, err := newSource(c, cfg, logger)
			if err != nil {
				return err
			}
			stream := client.New(client.Config{}, logger).
				TransactionEventStream(source, client.WithPollTimeout(cfg.StreamPollTimeout))
			defer stream.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			count, err := tailEvents(ctx, stream, tailOptions{
				commit:   c.Bool("commit"),
				limit:    c.Int("limit"),
				matchers: matchers,
				json:     c.Bool("json"),
			}, c.App.Writer)
			if !c.Bool("json") {
				fmt.Fprintf(c.App.ErrWriter, "Received %d event(s)\n", count)
			}
			return err
		},
	}
}

func eventsSyncCommand(streamFlags []cli.Flag) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Project transaction events into PostgreSQL",
		Description: `Apply every transaction event to the vault_transactions table and commit
the consumer group only once the events are written. A restarted sync picks
up from the last commit.

Example:
  vault events sync --group-id projection --database-url postgres://localhost/vault --metrics-addr :9090`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "PostgreSQL connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address (e.g. :9090)",
			},
			&cli.IntFlag{
				Name:  "commit-every",
				Usage: "Commit after this many events (default from SYNC_COMMIT_EVERY)",
			},
		}, streamFlags...),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(c.String("log-level"))

			databaseURL := c.String("database-url")
			if databaseURL == "" {
				databaseURL = cfg.DatabaseURL
			}
			if databaseURL == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			commitEvery := cfg.SyncCommitEvery
			if c.IsSet("commit-every") {
				commitEvery = c.Int("commit-every")
			}
			metricsAddr := c.String("metrics-addr")
			if metricsAddr == "" {
				metricsAddr = cfg.MetricsAddr
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := db.Open(ctx, databaseURL)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			m := metrics.NewMetrics(registry)

			source, err := newSource(c, cfg, logger)
			if err != nil {
				return err
			}
			stream := client.New(client.Config{Metrics: m}, logger).
				TransactionEventStream(source, client.WithPollTimeout(cfg.StreamPollTimeout))
			defer stream.Close()

			p := projector.New(stream, store, logger.With("component", "projector"),
				projector.WithCommitEvery(commitEvery),
				projector.WithMetrics(m),
			)

			logger.Info("starting sync", "commit_every", commitEvery, "metrics_addr", metricsAddr)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return p.Run(gctx)
			})
			if metricsAddr != "" {
				g.Go(func() error {
					return metrics.Serve(gctx, metricsAddr, registry, logger)
				})
			}
			err = g.Wait()

			stats := p.Stats()
			logger.Info("sync stopped",
				"applied", stats.Applied,
				"stale", stats.Stale,
				"skipped", stats.Skipped,
				"commits", stats.Commits,
			)
			if !c.Bool("json") {
				fmt.Fprintf(c.App.ErrWriter, "Applied %d, stale %d, skipped %d, commits %d\n",
					stats.Applied, stats.Stale, stats.Skipped, stats.Commits)
			}
			return err
		},
	}
}

func eventsPublishCommand() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "Publish raw events, one JSON document per line",
		ArgsUsage: "FILE (- for stdin)",
		Description: `Send every non-empty line of FILE as one message to the transaction event
topic. Intended for feeding a local broker when testing consumers.

Example:
  vault events publish --backend nats events.jsonl`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Stream backend, kafka or nats (default from STREAM_BACKEND)",
			},
			&cli.StringFlag{
				Name:  "topic",
				Usage: "Topic to publish to",
				Value: client.TransactionEventsTopic,
			},
			&cli.StringFlag{
				Name:  "metrics-file",
				Usage: "Write producer metrics in Prometheus text format to this file when done (node_exporter textfile collector)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("an input file is required")
			}

			var in io.Reader = os.Stdin
			if path := c.Args().Get(0); path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", path, err)
				}
				defer f.Close()
				in = f
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(c.String("log-level"))

			registry := prometheus.NewRegistry()
			producer, err := newProducer(c, cfg, logger, metrics.NewMetrics(registry))
			if err != nil {
				return err
			}
			defer producer.Close()

			sent, err := publishLines(c.Context, producer, c.String("topic"), in)
			if path := c.String("metrics-file"); path != "" {
				if werr := prometheus.WriteToTextfile(path, registry); werr != nil {
					logger.Error("failed to write metrics file", "path", path, "error", werr)
					if err == nil {
						err = fmt.Errorf("failed to write metrics file: %w", werr)
					}
				}
			}
			if c.Bool("json") {
				if werr := writeJSON(c.App.Writer, map[string]any{"topic": c.String("topic"), "sent": sent}); werr != nil {
					return werr
				}
			} else {
				fmt.Fprintf(c.App.Writer, "✓ Published %d message(s) to %s\n", sent, c.String("topic"))
			}
			return err
		},
	}
}

// streamSettings resolves the stream flags against the configuration.
func streamSettings(c *cli.Context, cfg *config.Config) (backend, groupID, offsetReset string) {
	backend, groupID, offsetReset = cfg.StreamBackend, cfg.StreamGroupID, cfg.StreamOffsetReset
	if v := c.String("backend"); v != "" {
		backend = v
	}
	if v := c.String("group-id"); v != "" {
		groupID = v
	}
	if v := c.String("offset-reset"); v != "" {
		offsetReset = v
	}
	return backend, groupID, offsetReset
}

func newSource(c *cli.Context, cfg *config.Config, logger *slog.Logger) (client.MessageSource, error) {
	backend, groupID, offsetReset := streamSettings(c, cfg)
	logger = logger.With("backend", backend, "group_id", groupID)

	switch backend {
	case config.BackendKafka:
		consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:     cfg.KafkaBrokers,
			GroupID:     groupID,
			Topic:       client.TransactionEventsTopic,
			OffsetReset: offsetReset,
			ClientID:    cliClientID,
		}, logger)
		if err != nil {
			return nil, err
		}
		return consumer, nil
	case config.BackendNATS:
		source, err := natspkg.NewSource(cfg.NATSURL, natspkg.SourceConfig{
			GroupID:     groupID,
			Topic:       client.TransactionEventsTopic,
			OffsetReset: offsetReset,
		}, logger)
		if err != nil {
			return nil, err
		}
		return source, nil
	default:
		return nil, fmt.Errorf("unknown backend %q: must be %q or %q", backend, config.BackendKafka, config.BackendNATS)
	}
}

func newProducer(c *cli.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (client.MessageProducer, error) {
	backend, _, _ := streamSettings(c, cfg)

	switch backend {
	case config.BackendKafka:
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, logger, kafka.WithProducerClientID(cliClientID))
		if err != nil {
			return nil, err
		}
		return producer.WithMetrics(m), nil
	case config.BackendNATS:
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		return publisher.WithMetrics(m), nil
	default:
		return nil, fmt.Errorf("unknown backend %q: must be %q or %q", backend, config.BackendKafka, config.BackendNATS)
	}
}

// eventStream is the part of client.TransactionEventStream tail uses.
type eventStream interface {
	NextEvent(ctx context.Context) (*client.TransactionEvent, error)
	Commit(ctx context.Context) error
}

type tailOptions struct {
	commit   bool
	limit    int
	matchers []*gojq.Code
	json     bool
}

// eventOutput is the printed form of an event.
type eventOutput struct {
	EventID     string                      `json:"event_id"`
	Timestamp   *time.Time                  `json:"timestamp,omitempty"`
	Type        client.TransactionEventType `json:"type"`
	ChangeID    int64                       `json:"change_id"`
	UpdateMask  []string                    `json:"update_mask"`
	Transaction *client.Transaction         `json:"transaction,omitempty"`
}

// tailEvents prints events until ctx is done or limit events were printed.
// Events rejected by the jq filters are not counted but are committed along
// with the rest.
func tailEvents(ctx context.Context, stream eventStream, opts tailOptions, w io.Writer) (int, error) {
	count := 0
	for opts.limit <= 0 || count < opts.limit {
		event, err := stream.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return count, nil
			}
			return count, err
		}
		if event == nil {
			continue
		}

		out := eventOutput{
			EventID:     event.EventID,
			Timestamp:   event.Timestamp,
			Type:        event.Type,
			ChangeID:    event.ChangeID,
			UpdateMask:  event.UpdateMask,
			Transaction: event.Transaction,
		}
		ok, err := matchesJQ(opts.matchers, out)
		if err != nil {
			return count, err
		}
		if ok {
			count++
			if err := printEvent(w, count, out, opts.json); err != nil {
				return count, err
			}
		}

		if opts.commit {
			if err := stream.Commit(ctx); err != nil {
				if ctx.Err() != nil {
					return count, nil
				}
				return count, fmt.Errorf("failed to commit: %w", err)
			}
		}
	}
	return count, nil
}

func printEvent(w io.Writer, n int, e eventOutput, jsonOutput bool) error {
	if jsonOutput {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Event #%d\n", n)
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Event ID:     %s\n", e.EventID)
	fmt.Fprintf(w, "Type:         %s\n", e.Type)
	fmt.Fprintf(w, "Change ID:    %d\n", e.ChangeID)
	if e.Timestamp != nil {
		fmt.Fprintf(w, "Timestamp:    %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if len(e.UpdateMask) > 0 {
		fmt.Fprintf(w, "Updated:      %s\n", strings.Join(e.UpdateMask, ", "))
	}
	if e.Transaction != nil {
		printTransaction(w, e.Transaction)
	}
	fmt.Fprintln(w)
	return nil
}

// publishLines sends every non-empty line of r to topic and returns how many
// were sent.
func publishLines(ctx context.Context, producer client.MessageProducer, topic string, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), kafka.MaxMessageBytes)

	sent, line := 0, 0
	for scanner.Scan() {
		line++
		data := []byte(strings.TrimSpace(scanner.Text()))
		if len(data) == 0 {
			continue
		}
		if err := producer.Send(ctx, topic, data); err != nil {
			return sent, fmt.Errorf("failed to publish line %d: %w", line, err)
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return sent, fmt.Errorf("line %d exceeds %d bytes", line+1, kafka.MaxMessageBytes)
		}
		return sent, fmt.Errorf("failed to read input: %w", err)
	}
	return sent, nil
}
