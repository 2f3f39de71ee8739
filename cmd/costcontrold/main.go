// costcontrold runs the quantum task cost accounting pipeline: it ingests
// lifecycle, ledger-change and alarm events, maintains the task ledger and
// cost bins, emits aggregate metrics and applies threshold enforcement.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qubitcloud/cost-guard/internal/aggregator"
	"github.com/qubitcloud/cost-guard/internal/awscloud"
	"github.com/qubitcloud/cost-guard/internal/config"
	"github.com/qubitcloud/cost-guard/internal/enforcement"
	"github.com/qubitcloud/cost-guard/internal/intake"
	"github.com/qubitcloud/cost-guard/internal/ledger"
	"github.com/qubitcloud/cost-guard/internal/pricing"
	"github.com/qubitcloud/cost-guard/internal/report"
	"github.com/qubitcloud/cost-guard/internal/storage/dynamostore"
	"github.com/qubitcloud/cost-guard/internal/storage/sqlitestore"
)

// purgeInterval is how often expired ledger records are swept when the
// sqlite store is in use. DynamoDB expires records through the table TTL.
const purgeInterval = 6 * time.Hour

func main() {
	configPath := flag.String("config", "cost-guard.yaml", "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := run(*configPath); err != nil {
		log.Fatal().Err(err).Msg("costcontrold: fatal")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var clients *awscloud.Clients
	if needsAWS(cfg) {
		clients, err = awscloud.LoadClients(ctx)
		if err != nil {
			return err
		}
	}

	// Durable stores.
	var (
		taskStore ledger.TaskStore
		binStore  aggregator.BinStore
		sqlStore  *sqlitestore.Store
	)
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		sqlStore, err = sqlitestore.Open(cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		taskStore, binStore = sqlStore, sqlStore
	case config.DriverDynamoDB:
		dyn := dynamostore.New(clients.DynamoDB, dynamostore.Tables{
			Tasks: cfg.Store.TasksTable,
			Bins:  cfg.Store.BinsTable,
			Dedup: cfg.Store.DedupTable,
		})
		taskStore, binStore = dyn, dyn
	}

	// Pricing oracle. Without a results bucket, simulator completions
	// cannot be priced and will fail for redelivery until configured.
	var results pricing.ResultMetadataReader = unconfiguredResults{}
	if cfg.Pricing.ResultsBucket != "" {
		results = awscloud.NewResultReader(clients.S3, cfg.Pricing.ResultsBucket, cfg.Pricing.ResultsPrefix)
	}
	oracle := pricing.NewCatalog(results)

	// Metric emission.
	var emitter aggregator.MetricEmitter = aggregator.LogEmitter{}
	if cfg.Metrics.Driver == config.DriverCloudWatch {
		emitter = awscloud.NewMetricEmitter(clients.CloudWatch, cfg.Metrics.Namespace)
	}

	// Enforcement.
	var binder enforcement.PolicyBinder = enforcement.LogBinder{}
	if cfg.Enforcement.Driver == config.DriverIAM {
		binder = awscloud.NewPolicyBinder(clients.IAM)
	}
	var notifier enforcement.Notifier = enforcement.LogNotifier{}
	if cfg.Notification.Driver == config.DriverSNS {
		snsNotifier := awscloud.NewNotifier(clients.SNS, cfg.Notification.TopicARN)
		if cfg.Notification.EmailAddress != "" {
			if err := snsNotifier.EnsureEmailSubscription(ctx, cfg.Notification.EmailAddress); err != nil {
				return err
			}
			log.Info().Str("email", cfg.Notification.EmailAddress).
				Msg("costcontrold: operator email subscribed to notifications")
		}
		notifier = snsNotifier
	}

	taskLogger := ledger.NewLogger(taskStore, oracle, cfg.TaskRetentionDays)
	meter := aggregator.NewMeter(binStore, emitter)
	controller := enforcement.NewController(binder, notifier, enforcement.Config{
		PolicyARN: cfg.Enforcement.PolicyARN,
		Roles:     cfg.Enforcement.Roles,
		Groups:    cfg.Enforcement.Groups,
		Users:     cfg.Enforcement.Users,
	})

	if sqlStore != nil {
		go purgeLoop(ctx, sqlStore)
	}

	server := intake.NewServer(taskLogger, meter, controller)
	if clients != nil {
		widget := report.NewWidget(clients.CostExplorer, cfg.TagKey, config.ReportTagValue, config.ReportServices)
		server.WithSpendReport(widget)
	}
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	log.Info().
		Str("listen", cfg.ListenAddr).
		Str("store", cfg.Store.Driver).
		Str("metrics", cfg.Metrics.Driver).
		Str("enforcement", cfg.Enforcement.Driver).
		Str("all_time_limit_usd", cfg.Limits.AllTimeUSD).
		Str("monthly_limit_usd", cfg.Limits.MonthlyUSD).
		Int("retention_days", cfg.TaskRetentionDays).
		Msg("costcontrold: starting")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("intake server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("costcontrold: stopped")
	return nil
}

func needsAWS(cfg *config.Config) bool {
	return cfg.Store.Driver == config.DriverDynamoDB ||
		cfg.Metrics.Driver == config.DriverCloudWatch ||
		cfg.Enforcement.Driver == config.DriverIAM ||
		cfg.Notification.Driver == config.DriverSNS ||
		cfg.Pricing.ResultsBucket != ""
}

func purgeLoop(ctx context.Context, store *sqlitestore.Store) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx, time.Now())
			if err != nil {
				log.Error().Err(err).Msg("costcontrold: purge expired records failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("records", n).Msg("costcontrold: purged expired records")
			}
		}
	}
}

type unconfiguredResults struct{}

func (unconfiguredResults) ExecutionDuration(context.Context, pricing.TaskDescriptor) (time.Duration, error) {
	return 0, fmt.Errorf("pricing: results bucket not configured")
}
