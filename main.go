package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cito-engine/internal/audit"
	"cito-engine/internal/auth"
	catalogapp "cito-engine/internal/catalog/application"
	catalogrepo "cito-engine/internal/catalog/infrastructure/postgres"
	"cito-engine/internal/config"
	"cito-engine/internal/db"
	"cito-engine/internal/eventing"
	"cito-engine/internal/httpserver"
	"cito-engine/internal/incidents/application"
	incidentrepo "cito-engine/internal/incidents/infrastructure/postgres"
	incidenthttp "cito-engine/internal/incidents/interfaces/http"
	"cito-engine/internal/incidents/interfaces/queue"
	"cito-engine/internal/incidents/notify"
	"cito-engine/internal/logging"
	"cito-engine/internal/observability/metrics"
)

const ingestPath = "/api/v1/events"

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "cito-engine",
		Short:         "Incident dedup and lifecycle engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file (CITO_* env vars override)")

	root.AddCommand(serveCmd(), migrateCmd(), catalogCmd(), tokenCmd(), envCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, queue listeners and schedulers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if err := cfg.ValidateDB(); err != nil {
				return err
			}
			conn, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			return db.Migrate(cmd.Context(), conn, logger)
		},
	}
}

func catalogCmd() *cobra.Command {
	var file string
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Upsert teams, categories and event definitions from a YAML seed file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if err := cfg.ValidateDB(); err != nil {
				return err
			}
			if file == "" {
				file = cfg.Catalog.SeedPath
			}
			if file == "" {
				return fmt.Errorf("catalog sync: --file or CITO_CATALOG_SEED is required")
			}
			conn, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			result, err := syncCatalog(cmd.Context(), catalogrepo.NewRepository(conn), file, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "teams=%d categories=%d events=%d\n", result.Teams, result.Categories, result.Events)
			return nil
		},
	}
	sync.Flags().StringVar(&file, "file", "", "Seed file path")

	cmd := &cobra.Command{Use: "catalog", Short: "Manage the event catalog"}
	cmd.AddCommand(sync)
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token for an operator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := cfg.ValidateJWT(); err != nil {
				return err
			}
			normalized, ok := auth.NormalizeRole(role)
			if !ok {
				return fmt.Errorf("token: unknown role %q", role)
			}
			token, err := auth.IssueJWT([]byte(cfg.Auth.JWTSecret), subject, normalized, ttl)
			if err != nil {
				return err
			}
			logger.Info("issued token", zap.String("subject", subject), zap.String("role", string(normalized)), zap.Duration("ttl", ttl))
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (operator name)")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleOperator), "Role: viewer, operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func envCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List supported environment variables",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.Usage())
		},
	}
}

func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	return db.Open(ctx, cfg.DB.URL, db.Options{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
}

func syncCatalog(ctx context.Context, repo *catalogrepo.Repository, path string, logger *zap.Logger) (catalogapp.SyncResult, error) {
	seed, err := catalogapp.LoadSeedFile(path)
	if err != nil {
		return catalogapp.SyncResult{}, err
	}
	syncer, err := catalogapp.NewSyncService(repo, logger)
	if err != nil {
		return catalogapp.SyncResult{}, err
	}
	return syncer.Sync(ctx, seed)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	conn, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	if cfg.DB.AutoMigrate {
		if err := db.Migrate(ctx, conn, logger); err != nil {
			return err
		}
	}
	metrics.Init(conn, logger)

	catalogRepo := catalogrepo.NewRepository(conn)
	if cfg.Catalog.SeedPath != "" {
		if _, err := syncCatalog(ctx, catalogRepo, cfg.Catalog.SeedPath, logger); err != nil {
			return err
		}
	}
	incidentRepo := incidentrepo.NewIncidentRepository(conn)

	var natsConn *nats.Conn
	if cfg.Queue.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.Queue.NATSURL,
			nats.Name("cito-engine"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer natsConn.Close()
	}

	broker := incidenthttp.NewSSEBroker()
	notifiers := []application.IncidentNotifier{broker}
	if cfg.Notify.WebhookURL != "" {
		webhook, err := buildWebhookNotifier(cfg, incidentRepo, catalogRepo, logger)
		if err != nil {
			return err
		}
		defer webhook.Close()
		notifiers = append(notifiers, webhook)
	}
	if natsConn != nil {
		publisher, err := eventing.NewNATSPublisher(natsConn, cfg.Notify.NATSSubjectBase, logger)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, publisher)
	}

	service, err := application.NewService(catalogRepo, incidentRepo,
		application.WithNotifier(notify.NewMultiNotifier(notifiers...)),
		application.WithLogger(logger),
		application.WithConflictRetries(cfg.Dedup.ConflictRetries, cfg.Dedup.RetryInterval))
	if err != nil {
		return err
	}

	var exempt []string
	handlerOpts := []incidenthttp.Option{
		incidenthttp.WithStream(broker),
		incidenthttp.WithLogger(logger),
	}
	if cfg.Auth.IngestSecret != "" {
		exempt = append(exempt, ingestPath)
		ingest := auth.NewIngestAuthMiddleware([]byte(cfg.Auth.IngestSecret), cfg.Auth.IngestMaxSkew)
		handlerOpts = append(handlerOpts, incidenthttp.WithIngestAuth(ingest.Wrap))
	}
	checker, err := auth.NewMembershipChecker(catalogRepo)
	if err != nil {
		return err
	}
	handlerOpts = append(handlerOpts, incidenthttp.WithTeamChecker(checker))
	if auditRepo := audit.NewRepository(conn); auditRepo != nil {
		handlerOpts = append(handlerOpts, incidenthttp.WithAudit(auditRepo))
	}
	incidentHandler, err := incidenthttp.NewHandler(service, handlerOpts...)
	if err != nil {
		return err
	}

	policy, err := auth.NewDefaultPolicy(exempt, nil)
	if err != nil {
		return err
	}
	router := httpserver.NewRouter(logger, auth.NewMiddleware([]byte(cfg.Auth.JWTSecret), policy, logger), incidentHandler.Routes)
	server := httpserver.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, cfg.HTTP.ShutdownTimeout, logger)

	queueHandler, err := queue.NewHandler(service, logger)
	if err != nil {
		return err
	}
	scheduler, err := application.NewStatsScheduler(catalogRepo, service, cfg.Scheduler.StatsSpec, logger)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(ctx) })
	group.Go(func() error { return scheduler.Start(ctx) })
	if len(cfg.Queue.KafkaBrokers) > 0 {
		reader, err := queue.NewKafkaReader(queue.KafkaConfig{
			Brokers: cfg.Queue.KafkaBrokers,
			Topic:   cfg.Queue.KafkaTopic,
			GroupID: cfg.Queue.KafkaGroup,
		})
		if err != nil {
			return err
		}
		listener, err := queue.NewKafkaListener(reader, queueHandler, logger)
		if err != nil {
			return err
		}
		group.Go(func() error { return listener.Run(ctx) })
	}
	if natsConn != nil {
		listener, err := queue.NewNATSListener(natsConn, cfg.Queue.NATSSubject, cfg.Queue.NATSQueue, queueHandler, logger)
		if err != nil {
			return err
		}
		group.Go(func() error { return listener.Run(ctx) })
	}
	return group.Wait()
}

func buildWebhookNotifier(cfg *config.Config, incidents notify.IncidentReader, events notify.EventReader, logger *zap.Logger) (*notify.Notifier, error) {
	channel, err := notify.NewWebhookChannel(cfg.Notify.WebhookURL)
	if err != nil {
		return nil, err
	}
	channel.WithTimeout(cfg.Notify.Timeout)
	tpl, err := notify.NewTemplate(cfg.Notify.Template)
	if err != nil {
		return nil, err
	}
	return notify.NewNotifier(incidents, events, channel, tpl,
		notify.WithRequestTimeout(cfg.Notify.Timeout),
		notify.WithCooldown(cfg.Notify.Cooldown),
		notify.WithFolds(cfg.Notify.NotifyFolds),
		notify.WithEscalation(cfg.Notify.EscalateAfter),
		notify.WithDedupeWindow(cfg.Notify.DedupeWindow),
		notify.WithChannelName("webhook"),
		notify.WithLogger(logger))
}
