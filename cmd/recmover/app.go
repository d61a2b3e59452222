package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/arcvox/recmover"
	"github.com/arcvox/recmover/internal/version"
)

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("RECMOVER_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "recmover")
	cmd := newRootCommand(logger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recmover",
		Short: "Move call recordings between object stores with an audit trail",
		Long: `recmover consumes transfer requests from an SQS queue, downloads each
recording from the source store (decrypting client-side encrypted content),
uploads it to the per-country destination bucket under the tenant's KMS key,
verifies the copy by digest, persists the new location and finalizes a
transactional audit record for every outcome.

All flags can be set via environment variables with the RECMOVER_ prefix,
e.g. RECMOVER_QUEUE_URL, RECMOVER_SECRET_ID, RECMOVER_KEYMAP_TABLE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromViper()
			if err != nil {
				return err
			}
			svc, err := recmover.NewService(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return svc.Run(cmd.Context())
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("queue-url", "", "SQS queue URL carrying transfer requests")
	flags.String("region", "", "primary AWS region")
	flags.String("secret-id", "", "Secrets Manager secret holding connection strings")
	flags.String("keymap-table", "", "DynamoDB table mapping program codes to encryption keys")
	flags.String("status-proc", recmover.DefaultStatusProc, "status stored procedure as name|Reader or name|Writer")
	flags.StringToString("bucket", nil, "country=bucket destination mappings, e.g. US=recordings-us,CA=recordings-ca")
	flags.String("dest-prefix", "", "destination object-key prefix override")
	flags.Duration("secret-timeout", recmover.DefaultSecretTimeout, "secret fetch timeout")
	flags.Duration("db-timeout", recmover.DefaultDBTimeout, "database command timeout")
	flags.Duration("download-timeout", recmover.DefaultDownloadTimeout, "source store call timeout")
	flags.String("created-by", recmover.DefaultCreatedBy, "audit row author stamp")
	flags.String("metrics-listen", recmover.DefaultMetricsListen, "Prometheus listen address (empty disables)")
	flags.Duration("queue-wait", recmover.DefaultQueueWaitTime, "SQS long-poll duration")
	flags.Duration("queue-visibility", recmover.DefaultQueueVisibilityTimeout, "SQS visibility timeout")

	flags.VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag.Name, err))
		}
	})
	viper.SetEnvPrefix("RECMOVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(newProcessCommand(logger))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func configFromViper() (recmover.Config, error) {
	cfg := recmover.Config{
		QueueURL:               viper.GetString("queue-url"),
		Region:                 viper.GetString("region"),
		SecretID:               viper.GetString("secret-id"),
		SecretTimeout:          viper.GetDuration("secret-timeout"),
		KeyMapTable:            viper.GetString("keymap-table"),
		StatusProc:             viper.GetString("status-proc"),
		Buckets:                viper.GetStringMapString("bucket"),
		DestinationPrefix:      viper.GetString("dest-prefix"),
		DBTimeout:              viper.GetDuration("db-timeout"),
		DownloadTimeout:        viper.GetDuration("download-timeout"),
		CreatedBy:              viper.GetString("created-by"),
		MetricsListen:          viper.GetString("metrics-listen"),
		QueueWaitTime:          viper.GetDuration("queue-wait"),
		QueueVisibilityTimeout: viper.GetDuration("queue-visibility"),
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

func newProcessCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "process [message-json]",
		Short: "Run a single transfer request through the pipeline",
		Long:  "Processes one queue-message body, given as an argument or on stdin, without touching the queue.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := messageBody(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			cfg, err := configFromViper()
			if err != nil {
				return err
			}
			svc, err := recmover.NewService(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return svc.ProcessOne(cmd.Context(), body)
		},
	}
}

func messageBody(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read message from stdin: %w", err)
	}
	body := strings.TrimSpace(string(raw))
	if body == "" {
		return "", fmt.Errorf("empty message body")
	}
	return body, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the recmover version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "recmover %s\n", version.Current())
			return err
		},
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx
}
