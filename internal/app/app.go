// Package app builds the dependency graph shared by the API server and the
// background workers from a loaded Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"eventmail/internal/archive"
	"eventmail/internal/campaign"
	"eventmail/internal/config"
	"eventmail/internal/db"
	"eventmail/internal/dedupe"
	"eventmail/internal/dispatch"
	"eventmail/internal/external"
	"eventmail/internal/logging"
	"eventmail/internal/metrics"
	"eventmail/internal/queue"
	"eventmail/internal/retry"
	"eventmail/internal/scheduler"
	"eventmail/internal/stats"
	"eventmail/internal/tracking"
	"eventmail/internal/types"
	"eventmail/internal/unsubscribe"
)

const providerHTTPTimeout = 10 * time.Second

// Repositories groups the Postgres repositories.
type Repositories struct {
	Templates    *db.TemplateRepository
	Deliveries   *db.DeliveryRepository
	Events       *db.EventRepository
	Scheduled    *db.ScheduledEmailRepository
	Unsubscribes *db.UnsubscribeRepository
	JobLocks     *db.JobLockRepository
	JobHistory   *db.JobHistoryRepository
}

// Container holds every long-lived service. Optional components are nil
// when their configuration is absent.
type Container struct {
	Config *config.Config
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Repos  Repositories

	SQS        *sqs.Client
	CloudWatch *cloudwatch.Client
	S3         *s3.Client

	Publisher    *queue.Publisher
	Metrics      types.MetricsRecorder
	Sender       external.EmailProvider
	Unsubscribe  *unsubscribe.Service
	Audience     *campaign.Audience
	Materializer *campaign.Materializer
	Dispatcher   *dispatch.Dispatcher
	Retry        *retry.Engine
	RetryScanner *retry.Scanner
	Tracker      *tracking.Tracker
	Stats        *stats.Aggregator

	// Redis is nil when REDIS_URL is unset; the tracker then relies on
	// row state alone for replay safety.
	Redis    redis.UniversalClient
	Archiver *archive.S3Archiver

	closers []func() error
}

// Build connects to Postgres (and Redis when configured), creates the AWS
// clients and assembles the services. The caller owns Close.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{Config: cfg, Logger: logger}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	c.Pool = pool
	c.closers = append(c.closers, func() error { pool.Close(); return nil })

	if cfg.Server.MigrateOnStart {
		if err := db.Migrate(ctx, pool, logger); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.SQS, c.CloudWatch, c.S3 = NewAWSClients(awsCfg, cfg.AWS)

	if cfg.Redis.URL.IsSet() {
		client, err := dedupe.Open(ctx, cfg.Redis.URL.Unmask())
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		c.Redis = client
		c.closers = append(c.closers, client.Close)
	}

	if cfg.AWS.ArchiveBucket != "" {
		arch, err := archive.NewS3Archiver(c.S3, cfg.AWS.ArchiveBucket, nil, logger)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.Archiver = arch
	}

	c.wire()
	return c, nil
}

func (c *Container) wire() {
	cfg := c.Config
	log := logging.Adapt(c.Logger)

	c.Repos = NewRepositories(c.Pool)
	c.Publisher = queue.NewPublisher(c.SQS, cfg.AWS, nil, c.Logger)
	c.Metrics = NewMetrics(cfg, c.CloudWatch, log)
	c.Sender = NewSender(cfg.Email, c.Logger)

	c.Unsubscribe = unsubscribe.NewService(unsubscribe.Config{
		TokenTTL: cfg.Unsubscribe.TokenTTL,
		LinkBase: UnsubscribeLinkBase(cfg),
	}, c.Repos.Unsubscribes, c.Repos.Events, nil, log.With("component", "unsubscribe"))

	c.Audience = campaign.NewAudience(c.Repos.Events, c.Repos.Unsubscribes)
	c.Materializer = campaign.NewMaterializer(c.Repos.Templates, c.Repos.Scheduled, c.Repos.Events, log.With("component", "materializer"))

	c.Dispatcher = dispatch.NewDispatcher(dispatch.Config{
		Window:           cfg.Dispatch.Window,
		BatchLimit:       cfg.Dispatch.BatchLimit,
		Concurrency:      cfg.Dispatch.Concurrency,
		SendTimeout:      cfg.Dispatch.SendTimeout,
		ReservationLease: cfg.Dispatch.ReservationLease,
		MaxRetries:       cfg.Retry.MaxRetries,
		From:             cfg.Email.FromAddress,
		FromName:         cfg.Email.FromName,
	},
		c.Repos.Scheduled,
		c.Repos.Events,
		c.Audience,
		c.Repos.Deliveries,
		c.Unsubscribe,
		campaign.NewRenderer(nil),
		c.Sender,
		c.Metrics,
		nil,
		log.With("component", "dispatcher"),
	)

	c.Retry = retry.NewEngine(retry.Config{
		Backoff:     cfg.Retry.Backoff,
		MaxRetries:  cfg.Retry.MaxRetries,
		SendTimeout: cfg.Retry.SendTimeout,
		From:        cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
	}, c.Repos.Deliveries, c.Publisher, c.Sender, c.Metrics, nil, log.With("component", "retry"))
	c.RetryScanner = retry.NewScanner(c.Repos.Deliveries, c.Publisher, cfg.Retry.ScanGrace, cfg.Retry.ScanLimit, nil, log.With("component", "retry_scanner"))

	opts := []tracking.Option{
		tracking.WithMetrics(c.Metrics),
		tracking.WithDefaultMaxRetries(cfg.Retry.MaxRetries),
	}
	if c.Redis != nil {
		opts = append(opts, tracking.WithReplayGuard(dedupe.NewRedisGuard(c.Redis, cfg.Redis.DedupeTTL)))
	}
	c.Tracker = tracking.NewTracker(c.Repos.Deliveries, c.Repos.Events, c.Retry, nil, log.With("component", "tracker"), opts...)

	c.Stats = stats.NewAggregator(c.Repos.Deliveries, c.Repos.Events, c.Repos.Unsubscribes)
}

// Close releases connections in reverse acquisition order.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// NewRepositories creates every repository over one connection pool.
func NewRepositories(conn db.DBTX) Repositories {
	return Repositories{
		Templates:    db.NewTemplateRepository(conn),
		Deliveries:   db.NewDeliveryRepository(conn),
		Events:       db.NewEventRepository(conn),
		Scheduled:    db.NewScheduledEmailRepository(conn),
		Unsubscribes: db.NewUnsubscribeRepository(conn),
		JobLocks:     db.NewJobLockRepository(conn),
		JobHistory:   db.NewJobHistoryRepository(conn),
	}
}

// LoadAWSConfig loads the default AWS credential chain for the configured region.
func LoadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

// NewAWSClients creates the SQS, CloudWatch and S3 clients. EndpointURL
// points all three at a local emulator such as LocalStack.
func NewAWSClients(awsCfg aws.Config, cfg config.AWSConfig) (*sqs.Client, *cloudwatch.Client, *s3.Client) {
	endpoint := cfg.EndpointURL
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return sqsClient, cwClient, s3Client
}

// NewMetrics returns a CloudWatch recorder, or a no-op recorder when metrics
// are disabled or running locally.
func NewMetrics(cfg *config.Config, client metrics.CloudWatchClient, logger types.Logger) types.MetricsRecorder {
	if !cfg.Observability.EnableMetrics || cfg.IsLocal() || client == nil {
		return types.NoopMetrics{}
	}
	return metrics.NewCloudWatch(client, cfg.Observability.MetricNamespace, logger)
}

// NewSender selects the email provider.
func NewSender(cfg config.EmailConfig, logger *slog.Logger) external.EmailProvider {
	if cfg.Provider == "stub" || !cfg.SendGridAPIKey.IsSet() {
		logger.Warn("using stub email provider, messages are logged and not sent")
		return external.NewStubEmailProvider(logger)
	}
	return external.NewSendGridClient(
		&http.Client{Timeout: providerHTTPTimeout},
		external.SendGridClientConfig{
			APIKey: cfg.SendGridAPIKey.Unmask(),
			Logger: logger,
		},
	)
}

// UnsubscribeLinkBase is the absolute URL that unsubscribe links point at.
func UnsubscribeLinkBase(cfg *config.Config) string {
	return strings.TrimRight(cfg.Server.APIExternalURL, "/") + "/" + strings.TrimLeft(cfg.Unsubscribe.LinkPath, "/")
}

// NewRunner routes each maintenance task to its service in c.
func NewRunner(c *Container, workerID string, logger *slog.Logger) *scheduler.Runner {
	return &scheduler.Runner{
		Services: scheduler.ServiceRegistry{
			Dispatcher: c.Dispatcher,
			Retries:    c.RetryScanner,
			Tokens:     c.Unsubscribe,
			Refresher:  c.Materializer,
			Unresolved: c.Repos.Scheduled,
		},
		JobLock:        c.Repos.JobLocks,
		JobHistory:     c.Repos.JobHistory,
		WorkerID:       workerID,
		TokenRetention: c.Config.Unsubscribe.PurgeAfter,
		Logger:         logger,
	}
}
