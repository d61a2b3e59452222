package recmover

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"github.com/arcvox/recmover/internal/audit"
	"github.com/arcvox/recmover/internal/callrec"
	"github.com/arcvox/recmover/internal/conncache"
	"github.com/arcvox/recmover/internal/dbpool"
	"github.com/arcvox/recmover/internal/destination"
	"github.com/arcvox/recmover/internal/ingest"
	"github.com/arcvox/recmover/internal/keymap"
	"github.com/arcvox/recmover/internal/sourceblob"
)

// Service owns the fully wired transfer pipeline: the queue consumer, the
// per-process caches, the database pools and the metrics listener.
type Service struct {
	cfg       Config
	logger    pslog.Logger
	processor *Processor
	consumer  *ingest.Consumer
	pools     *dbpool.Pool
}

// NewService wires every component from cfg. AWS clients share one ambient
// configuration bound to cfg.Region.
func NewService(ctx context.Context, cfg Config, logger pslog.Logger) (*Service, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("recmover: load aws config: %w", err)
	}

	conns, err := conncache.New(conncache.Config{
		API:      secretsmanager.NewFromConfig(awsCfg),
		SecretID: cfg.SecretID,
		Timeout:  cfg.SecretTimeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	keys, err := keymap.New(keymap.Config{
		API:     dynamodb.NewFromConfig(awsCfg),
		Table:   cfg.KeyMapTable,
		Timeout: cfg.DBTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	pools := dbpool.New()
	records := callrec.New(pools, cfg.DBTimeout, logger)
	trail, err := audit.New(audit.Config{
		Pools:     pools,
		Resolver:  conns,
		CreatedBy: cfg.CreatedBy,
		Timeout:   cfg.DBTimeout,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	uploader, err := destination.New(ctx, destination.Config{
		Region:  cfg.Region,
		Buckets: cfg.Buckets,
		Prefix:  cfg.DestinationPrefix,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	proc, err := callrec.ParseProcSpec(cfg.StatusProc)
	if err != nil {
		return nil, err
	}

	processor, err := NewProcessor(ProcessorConfig{
		Connections:     conns,
		Records:         records,
		Keys:            keys,
		Source:          newSourceFactory(logger),
		Uploader:        uploader,
		Audit:           trail,
		StatusProc:      proc,
		DownloadTimeout: cfg.DownloadTimeout,
		Metrics:         DefaultMetrics(),
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	consumer, err := ingest.New(ctx, ingest.Config{
		QueueURL:          cfg.QueueURL,
		Region:            cfg.Region,
		WaitTime:          cfg.QueueWaitTime,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:       cfg,
		logger:    logger,
		processor: processor,
		consumer:  consumer,
		pools:     pools,
	}, nil
}

// newSourceFactory builds a source-store client per request from the active
// storage configuration, which can change between messages.
func newSourceFactory(logger pslog.Logger) SourceFactory {
	return func(cfg *callrec.StorageConfig) (SourceStore, error) {
		scfg := sourceblob.Config{
			ConnectionString: cfg.ConnectionString,
			Endpoint:         cfg.Endpoint,
			Account:          cfg.AccountName,
			AccountKey:       cfg.AccountKey,
			Logger:           logger,
		}
		if cfg.KeyVault != nil {
			scfg.KeyVault = &sourceblob.KeyVaultCredentials{
				ClientID:     cfg.KeyVault.ClientID,
				ClientSecret: cfg.KeyVault.ClientSecret,
				TenantID:     cfg.KeyVault.TenantID,
				VaultURI:     cfg.KeyVault.VaultURI,
			}
		}
		return sourceblob.New(scfg)
	}
}

// Run consumes the queue until ctx is cancelled, serving Prometheus metrics
// when a listener is configured. Cancellation is a clean shutdown.
func (s *Service) Run(ctx context.Context) error {
	defer s.pools.Close()

	if s.cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: s.cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			s.logger.Info("metrics.listen", "addr", s.cfg.MetricsListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics.listen.error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err := s.consumer.Run(ctx, func(ctx context.Context, msg ingest.Message) error {
		return s.processor.Handle(ctx, msg.Body)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ProcessOne runs a single raw message body through the pipeline, bypassing
// the queue. Used by the one-shot CLI command.
func (s *Service) ProcessOne(ctx context.Context, body string) error {
	defer s.pools.Close()
	return s.processor.Handle(ctx, body)
}
