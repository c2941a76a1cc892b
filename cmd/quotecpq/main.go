// quotecpq - quote pricing and cost review
//
// Usage:
//   quotecpq serve [options]
//   quotecpq preview --rule-set RS1 --set region=EU --set seats=20 --discount 10
//   quotecpq draft --template-version TV3 --set tier=gold
//   quotecpq suggest --quote Q1 --quote-version V2
//   quotecpq apply --quote Q1 --quote-version V2 --edit I1:cost=60
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"quote-cpq/api"
	"quote-cpq/backend"
	"quote-cpq/db/clickhouse"
	"quote-cpq/db/postgres"
	"quote-cpq/db/rediscache"
	"quote-cpq/decision/costmatch"
	"quote-cpq/decision/cpq"
	"quote-cpq/decision/preview"
	"quote-cpq/decision/selection"
	"quote-cpq/events"
	qerrors "quote-cpq/pkg/errors"
	"quote-cpq/pkg/platform"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// .env only outside production; real deployments set the environment directly
	if !platform.IsProduction() {
		_ = godotenv.Load(".env")
	}
	platform.NumericDecimals()

	app := &cli.App{
		Name:    "quotecpq",
		Usage:   "Quote pricing, approval advisory and historical cost review",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"QUOTECPQ_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "env",
				Value:   "development",
				Usage:   "Environment (development, production)",
				EnvVars: []string{"QUOTECPQ_ENV"},
			},
			&cli.StringFlag{
				Name:    "backend-url",
				Value:   "http://localhost:3000/api",
				Usage:   "Base URL of the pricing and quote services",
				EnvVars: []string{"QUOTECPQ_BACKEND_URL"},
			},
			&cli.StringFlag{
				Name:    "backend-token",
				Usage:   "Bearer token for the backend",
				EnvVars: []string{"QUOTECPQ_BACKEND_TOKEN"},
			},
			&cli.DurationFlag{
				Name:    "backend-timeout",
				Value:   preview.DefaultTimeout,
				Usage:   "Timeout per backend call (previews use 10s-30s)",
				EnvVars: []string{"QUOTECPQ_BACKEND_TIMEOUT"},
			},
			&cli.IntFlag{
				Name:    "backend-retries",
				Value:   2,
				Usage:   "Retries for idempotent backend reads",
				EnvVars: []string{"QUOTECPQ_BACKEND_RETRIES"},
			},
			&cli.DurationFlag{
				Name:    "debounce",
				Value:   preview.DefaultDebounce,
				Usage:   "Quiet period before a price preview is requested",
				EnvVars: []string{"QUOTECPQ_DEBOUNCE"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-host",
				Usage:   "ClickHouse host for apply audits (empty disables)",
				EnvVars: []string{"CLICKHOUSE_HOST"},
			},
			&cli.IntFlag{
				Name:    "clickhouse-port",
				Value:   9000,
				Usage:   "ClickHouse native port",
				EnvVars: []string{"CLICKHOUSE_PORT"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-database",
				Value:   "quotecpq",
				Usage:   "ClickHouse database",
				EnvVars: []string{"CLICKHOUSE_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-user",
				Value:   "default",
				Usage:   "ClickHouse user",
				EnvVars: []string{"CLICKHOUSE_USER"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-password",
				Usage:   "ClickHouse password",
				EnvVars: []string{"CLICKHOUSE_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "postgres-dsn",
				Usage:   "PostgreSQL DSN for apply audits (empty disables)",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers for apply events (empty disables)",
				EnvVars: []string{"KAFKA_BROKERS"},
			},
			&cli.StringFlag{
				Name:    "kafka-topic",
				Value:   events.DefaultTopic,
				Usage:   "Kafka topic for apply events",
				EnvVars: []string{"KAFKA_TOPIC"},
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the catalog cache (empty disables)",
				EnvVars: []string{"REDIS_ADDR"},
			},
			&cli.StringFlag{
				Name:    "redis-password",
				EnvVars: []string{"REDIS_PASSWORD"},
			},
			&cli.DurationFlag{
				Name:    "catalog-cache-ttl",
				Value:   rediscache.DefaultTTL,
				Usage:   "How long catalog listings stay cached",
				EnvVars: []string{"QUOTECPQ_CATALOG_CACHE_TTL"},
			},
		},

		Commands: []*cli.Command{
			serveCommand(),
			catalogCommand(),
			previewCommand(),
			draftCommand(),
			suggestCommand(),
			applyCommand(),
			auditCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", qerrors.UserMessage(err))
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

func newLogger(c *cli.Context) zerolog.Logger {
	return platform.InitLogger(c.String("log-level"), c.String("env") == "development", os.Stderr).
		With().Str("service", "quotecpq").Logger()
}

func newBackend(c *cli.Context, logger zerolog.Logger) *backend.Client {
	return backend.NewClient(backend.Config{
		BaseURL: c.String("backend-url"),
		Token:   c.String("backend-token"),
		Timeout: platform.ClampDuration(c.Duration("backend-timeout"), time.Second, 2*time.Minute),
		Retries: c.Int("backend-retries"),
	}, logger)
}

// multiSink fans an audit out to every configured store. Every store is
// attempted and the errors are joined.
type multiSink []costmatch.AuditSink

func (m multiSink) RecordApply(ctx context.Context, audit costmatch.ApplyAudit) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordApply(ctx, audit); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type auditStores struct {
	clickhouse *clickhouse.Store
	postgres   *postgres.AuditStore
	events     *events.Publisher
}

func (a auditStores) sink() costmatch.AuditSink {
	var m multiSink
	if a.clickhouse != nil {
		m = append(m, a.clickhouse)
	}
	if a.postgres != nil {
		m = append(m, a.postgres)
	}
	if a.events != nil {
		m = append(m, a.events)
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func (a auditStores) Close() {
	if a.clickhouse != nil {
		a.clickhouse.Close()
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.events != nil {
		a.events.Close()
	}
}

func openAuditStores(c *cli.Context, logger zerolog.Logger) (auditStores, error) {
	var stores auditStores
	if host := c.String("clickhouse-host"); host != "" {
		store, err := clickhouse.NewStore(&clickhouse.Config{
			Host:     host,
			Port:     c.Int("clickhouse-port"),
			Database: c.String("clickhouse-database"),
			Username: c.String("clickhouse-user"),
			Password: c.String("clickhouse-password"),
			Debug:    c.String("log-level") == "debug",
		})
		if err != nil {
			return stores, err
		}
		stores.clickhouse = store
		logger.Info().Str("host", host).Msg("clickhouse audit sink enabled")
	}
	if dsn := c.String("postgres-dsn"); dsn != "" {
		store, err := postgres.Open(c.Context, dsn, logger)
		if err != nil {
			stores.Close()
			return auditStores{}, err
		}
		stores.postgres = store
	}
	if brokers := c.String("kafka-brokers"); brokers != "" {
		stores.events = events.NewPublisher(events.NewKafkaWriter(brokers, c.String("kafka-topic")), logger)
		logger.Info().Str("topic", c.String("kafka-topic")).Msg("kafka apply events enabled")
	}
	return stores, nil
}

// cachedBackend serves catalog listings through Redis and everything else
// straight from the client.
type cachedBackend struct {
	*backend.Client
	catalog *rediscache.Catalog
}

func (b cachedBackend) ListRuleSets(ctx context.Context, f cpq.CatalogFilter) ([]cpq.RuleSet, error) {
	return b.catalog.ListRuleSets(ctx, f)
}

func (b cachedBackend) ListQuoteTemplates(ctx context.Context, f cpq.CatalogFilter) ([]cpq.QuoteTemplate, error) {
	return b.catalog.ListQuoteTemplates(ctx, f)
}

// sessionBackend wraps client with the catalog cache when Redis is configured.
// The returned func releases the Redis connection.
func sessionBackend(c *cli.Context, client *backend.Client, logger zerolog.Logger) (cpq.Backend, func()) {
	addr := c.String("redis-addr")
	if addr == "" {
		return client, func() {}
	}
	rdb := rediscache.NewClient(rediscache.Config{Addr: addr, Password: c.String("redis-password")})
	logger.Info().Str("addr", addr).Msg("catalog cache enabled")
	return cachedBackend{
		Client:  client,
		catalog: rediscache.NewCatalog(client, rdb, c.Duration("catalog-cache-ttl"), logger),
	}, func() { rdb.Close() }
}

// previewTimeout bounds the price preview wait to the range operators accept.
func previewTimeout(c *cli.Context) time.Duration {
	return platform.ClampDuration(c.Duration("backend-timeout"), preview.MinTimeout, preview.MaxTimeout)
}

func newMatcher(client costmatch.Backend, sink costmatch.AuditSink, logger zerolog.Logger) *costmatch.Matcher {
	opts := []costmatch.MatcherOption{costmatch.WithLogger(logger)}
	if sink != nil {
		opts = append(opts, costmatch.WithAuditSink(sink))
	}
	return costmatch.NewMatcher(client, opts...)
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the console API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				Usage:   "API server port",
				EnvVars: []string{"PORT"},
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "Require this X-API-Key on /api/v1 (empty disables)",
				EnvVars: []string{"QUOTECPQ_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "jwt-secret",
				Usage:   "Accept HS256 bearer tokens signed with this secret",
				EnvVars: []string{"QUOTECPQ_JWT_SECRET"},
			},
			&cli.StringSliceFlag{
				Name:    "cors-origin",
				Value:   cli.NewStringSlice("*"),
				Usage:   "Allowed CORS origins",
				EnvVars: []string{"QUOTECPQ_CORS_ORIGINS"},
			},
			&cli.Float64Flag{
				Name:    "rate-limit",
				Value:   20,
				Usage:   "Requests per second per client (0 disables)",
				EnvVars: []string{"QUOTECPQ_RATE_LIMIT"},
			},
			&cli.IntFlag{
				Name:    "rate-burst",
				Value:   40,
				Usage:   "Burst size per client",
				EnvVars: []string{"QUOTECPQ_RATE_BURST"},
			},
			&cli.DurationFlag{
				Name:    "workspace-idle",
				Value:   8 * time.Hour,
				Usage:   "Drop operator workspaces idle this long (0 keeps them)",
				EnvVars: []string{"QUOTECPQ_WORKSPACE_IDLE"},
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	logger := newLogger(c)
	client := newBackend(c, logger)

	stores, err := openAuditStores(c, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc, release := sessionBackend(c, client, logger)
	defer release()

	sink := stores.sink()
	workspace := func() *api.Workspace {
		return &api.Workspace{
			Session: cpq.New(svc, logger, preview.WithDebounce(c.Duration("debounce")), preview.WithTimeout(previewTimeout(c))),
			Matcher: newMatcher(client, sink, logger),
		}
	}

	config := api.DefaultConfig()
	config.Port = c.Int("port")
	config.APIKey = c.String("api-key")
	config.JWTSecret = c.String("jwt-secret")
	config.CORSOrigins = c.StringSlice("cors-origin")
	config.RateLimit = c.Float64("rate-limit")
	config.RateBurst = c.Int("rate-burst")
	config.WorkspaceIdle = c.Duration("workspace-idle")
	config.Version = version

	server := api.NewServer(workspace, svc, config, logger)
	return server.StartWithGracefulShutdown()
}

// =============================================================================
// CATALOG COMMAND
// =============================================================================

func catalogCommand() *cli.Command {
	filterFlags := []cli.Flag{
		&cli.StringFlag{Name: "status", Usage: "Filter by status"},
		&cli.StringFlag{Name: "keyword", Usage: "Filter by keyword"},
	}
	return &cli.Command{
		Name:  "catalog",
		Usage: "Browse rule sets and quote templates",
		Subcommands: []*cli.Command{
			{
				Name:  "rule-sets",
				Usage: "List rule sets",
				Flags: filterFlags,
				Action: func(c *cli.Context) error {
					logger := newLogger(c)
					svc, release := sessionBackend(c, newBackend(c, logger), logger)
					defer release()
					sets, err := svc.ListRuleSets(c.Context, cpq.CatalogFilter{
						Status:  c.String("status"),
						Keyword: c.String("keyword"),
					})
					if err != nil {
						return err
					}
					printRuleSets(sets)
					return nil
				},
			},
			{
				Name:  "templates",
				Usage: "List quote templates and their versions",
				Flags: filterFlags,
				Action: func(c *cli.Context) error {
					logger := newLogger(c)
					svc, release := sessionBackend(c, newBackend(c, logger), logger)
					defer release()
					templates, err := svc.ListQuoteTemplates(c.Context, cpq.CatalogFilter{
						Status:  c.String("status"),
						Keyword: c.String("keyword"),
					})
					if err != nil {
						return err
					}
					printTemplates(templates)
					return nil
				},
			},
			{
				Name:  "flush-cache",
				Usage: "Drop cached catalog listings",
				Action: func(c *cli.Context) error {
					addr := c.String("redis-addr")
					if addr == "" {
						return fmt.Errorf("--redis-addr is required")
					}
					rdb := rediscache.NewClient(rediscache.Config{Addr: addr, Password: c.String("redis-password")})
					defer rdb.Close()
					logger := newLogger(c)
					if err := rediscache.NewCatalog(nil, rdb, 0, logger).Invalidate(c.Context); err != nil {
						return err
					}
					fmt.Println("Catalog cache flushed")
					return nil
				},
			},
		},
	}
}

// =============================================================================
// PREVIEW / DRAFT COMMANDS
// =============================================================================

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "rule-set", Usage: "Rule set id"},
		&cli.StringFlag{Name: "template-version", Usage: "Quote template version id"},
		&cli.StringSliceFlag{Name: "set", Aliases: []string{"s"}, Usage: "Selection as key=value (repeatable)"},
		&cli.StringFlag{Name: "discount", Usage: "Manual discount percentage"},
		&cli.StringFlag{Name: "markup", Usage: "Manual markup percentage"},
		&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "table", Usage: "Output format (table, json)"},
	}
}

func previewCommand() *cli.Command {
	return &cli.Command{
		Name:   "preview",
		Usage:  "Price a configuration",
		Flags:  configFlags(),
		Action: runPreview,
	}
}

func draftCommand() *cli.Command {
	return &cli.Command{
		Name:   "draft",
		Usage:  "Price a configuration and save it as a quote draft",
		Flags:  configFlags(),
		Action: runDraft,
	}
}

// configure builds a session from flags and prices it. Adjustments need a
// base price, so they are applied after a first preview.
func configure(c *cli.Context, logger zerolog.Logger) (*cpq.Configurator, error) {
	session := cpq.New(newBackend(c, logger), logger, preview.WithTimeout(previewTimeout(c)))

	kind, id := selection.SourceNone, ""
	switch {
	case c.String("rule-set") != "" && c.String("template-version") != "":
		return nil, qerrors.NewInvalidField("source", "use either --rule-set or --template-version")
	case c.String("rule-set") != "":
		kind, id = selection.SourceRuleSet, c.String("rule-set")
	case c.String("template-version") != "":
		kind, id = selection.SourceTemplate, c.String("template-version")
	default:
		return nil, qerrors.NewNoSourceSelected()
	}
	if err := session.SetSource(c.Context, kind, id); err != nil {
		logger.Warn().Err(err).Msg("continuing without schema")
	}

	for _, kv := range c.StringSlice("set") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, qerrors.NewInvalidField("set", fmt.Sprintf("expected key=value, got %q", kv))
		}
		session.SetSelectionRaw(key, value)
	}

	if _, err := session.PreviewNow(c.Context); err != nil {
		return nil, err
	}

	if c.IsSet("discount") || c.IsSet("markup") {
		if c.IsSet("discount") {
			if _, err := session.SetDiscount(c.String("discount")); err != nil {
				return nil, err
			}
		}
		if c.IsSet("markup") {
			if _, err := session.SetMarkup(c.String("markup")); err != nil {
				return nil, err
			}
		}
		if _, err := session.PreviewNow(c.Context); err != nil {
			return nil, err
		}
	}
	return session, nil
}

func runPreview(c *cli.Context) error {
	logger := newLogger(c)
	session, err := configure(c, logger)
	if err != nil {
		return err
	}
	view := session.View()
	if c.String("format") == "json" {
		return outputJSON(view)
	}
	printPreview(view)
	return nil
}

func runDraft(c *cli.Context) error {
	logger := newLogger(c)
	session, err := configure(c, logger)
	if err != nil {
		return err
	}
	out, err := session.SaveDraft(c.Context)
	if err != nil {
		return err
	}
	if c.String("format") == "json" {
		return outputJSON(out)
	}
	printDraft(out)
	return nil
}

// =============================================================================
// SUGGEST / APPLY COMMANDS
// =============================================================================

func scopeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "quote", Aliases: []string{"q"}, Usage: "Quote id", Required: true},
		&cli.StringFlag{Name: "quote-version", Usage: "Quote version id"},
		&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "table", Usage: "Output format (table, json)"},
	}
}

func suggestCommand() *cli.Command {
	return &cli.Command{
		Name:  "suggest",
		Usage: "Show historical cost matches for a quote version",
		Flags: scopeFlags(),
		Action: func(c *cli.Context) error {
			logger := newLogger(c)
			matcher := newMatcher(newBackend(c, logger), nil, logger)
			quoteID, versionID := c.String("quote"), c.String("quote-version")

			if _, err := matcher.LoadItems(c.Context, quoteID, versionID); err != nil {
				return err
			}
			pairs, err := matcher.RequestSuggestions(c.Context, quoteID, versionID)
			if err != nil {
				return err
			}
			if c.String("format") == "json" {
				return outputJSON(pairs)
			}
			printSuggestions(matcher.Items(), pairs)
			return nil
		},
	}
}

func applyCommand() *cli.Command {
	flags := append(scopeFlags(),
		&cli.StringSliceFlag{Name: "edit", Aliases: []string{"e"}, Usage: "Override as item:field=value (repeatable)"},
		&cli.BoolFlag{Name: "dry-run", Usage: "Print the update records without applying"},
	)
	return &cli.Command{
		Name:   "apply",
		Usage:  "Apply historical cost matches, with optional overrides, to a quote version",
		Flags:  flags,
		Action: runApply,
	}
}

func runApply(c *cli.Context) error {
	logger := newLogger(c)
	stores, err := openAuditStores(c, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	matcher := newMatcher(newBackend(c, logger), stores.sink(), logger)
	quoteID, versionID := c.String("quote"), c.String("quote-version")

	if _, err := matcher.LoadItems(c.Context, quoteID, versionID); err != nil {
		return err
	}
	if _, err := matcher.RequestSuggestions(c.Context, quoteID, versionID); err != nil {
		return err
	}

	for _, e := range c.StringSlice("edit") {
		itemID, field, value, err := parseEdit(e)
		if err != nil {
			return err
		}
		if err := matcher.EditSuggestion(itemID, field, value); err != nil {
			return err
		}
	}

	if c.Bool("dry-run") {
		return outputJSON(matcher.BuildRecords())
	}

	result, err := matcher.ApplySuggestions(c.Context, quoteID, versionID)
	if err != nil {
		return err
	}
	if c.String("format") == "json" {
		return outputJSON(result)
	}
	printApply(result, matcher.Items())
	return nil
}

// parseEdit splits "item:field=value".
func parseEdit(s string) (string, costmatch.Field, string, error) {
	target, value, ok := strings.Cut(s, "=")
	if !ok {
		return "", "", "", qerrors.NewInvalidField("edit", fmt.Sprintf("expected item:field=value, got %q", s))
	}
	itemID, rawField, ok := strings.Cut(target, ":")
	if !ok || itemID == "" {
		return "", "", "", qerrors.NewInvalidField("edit", fmt.Sprintf("expected item:field=value, got %q", s))
	}
	field, ok := costmatch.ParseField(rawField)
	if !ok {
		return "", "", "", qerrors.NewInvalidField("edit", fmt.Sprintf("unknown field %q", rawField))
	}
	return itemID, field, value, nil
}

// =============================================================================
// AUDIT COMMAND
// =============================================================================

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "Manage apply audit storage",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Create audit tables in the configured stores",
				Action: func(c *cli.Context) error {
					logger := newLogger(c)
					stores, err := openAuditStores(c, logger)
					if err != nil {
						return err
					}
					defer stores.Close()

					if stores.clickhouse == nil && stores.postgres == nil {
						return fmt.Errorf("no audit store configured: set CLICKHOUSE_HOST or DATABASE_URL")
					}
					if stores.clickhouse != nil {
						if err := stores.clickhouse.EnsureSchema(c.Context); err != nil {
							return err
						}
						logger.Info().Msg("clickhouse audit table ready")
					}
					if stores.postgres != nil {
						if err := stores.postgres.EnsureSchema(c.Context); err != nil {
							return err
						}
						logger.Info().Msg("postgres audit tables ready")
					}
					return nil
				},
			},
		},
	}
}
