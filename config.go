package recmover

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultSecretTimeout bounds the connection-string secret fetch.
	DefaultSecretTimeout = 10 * time.Second
	// DefaultDBTimeout bounds individual database commands.
	DefaultDBTimeout = 30 * time.Second
	// DefaultDownloadTimeout bounds source-store downloads and deletes.
	DefaultDownloadTimeout = 5 * time.Minute
	// DefaultStatusProc names the stored procedure that records the transfer
	// status, with the connection role it runs under.
	DefaultStatusProc = "dbo.UpdateCallRecordingStatus|Writer"
	// DefaultCreatedBy stamps audit rows written by this service.
	DefaultCreatedBy = "recmover"
	// DefaultMetricsListen is the Prometheus scrape endpoint; empty disables
	// the listener.
	DefaultMetricsListen = ""
	// DefaultQueueWaitTime is the SQS long-poll duration.
	DefaultQueueWaitTime = 20 * time.Second
	// DefaultQueueVisibilityTimeout hides in-flight messages long enough to
	// finish one transfer.
	DefaultQueueVisibilityTimeout = 5 * time.Minute
)

// Config carries everything the service needs to run. Zero values fall back
// to the defaults above where one exists; the rest are required and enforced
// by Validate.
type Config struct {
	// QueueURL addresses the SQS queue carrying transfer requests.
	QueueURL string
	// Region is the primary AWS region for the queue, secret store, key-map
	// table and destination client.
	Region string
	// SecretID names the secret holding the per-country connection strings.
	SecretID string
	// SecretTimeout bounds the secret fetch.
	SecretTimeout time.Duration
	// KeyMapTable names the DynamoDB table mapping program codes to
	// encryption keys.
	KeyMapTable string
	// StatusProc selects the status stored procedure as "name|Reader" or
	// "name|Writer".
	StatusProc string
	// Buckets maps country codes to destination bucket names.
	Buckets map[string]string
	// DestinationPrefix overrides the default object-key prefix when set.
	DestinationPrefix string
	// DBTimeout bounds database commands.
	DBTimeout time.Duration
	// DownloadTimeout bounds source-store calls.
	DownloadTimeout time.Duration
	// CreatedBy stamps audit rows.
	CreatedBy string
	// MetricsListen is the Prometheus scrape endpoint; empty disables it.
	MetricsListen string
	// QueueWaitTime is the SQS long-poll duration.
	QueueWaitTime time.Duration
	// QueueVisibilityTimeout hides in-flight queue messages.
	QueueVisibilityTimeout time.Duration
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.SecretTimeout <= 0 {
		c.SecretTimeout = DefaultSecretTimeout
	}
	if c.DBTimeout <= 0 {
		c.DBTimeout = DefaultDBTimeout
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = DefaultDownloadTimeout
	}
	if strings.TrimSpace(c.StatusProc) == "" {
		c.StatusProc = DefaultStatusProc
	}
	if strings.TrimSpace(c.CreatedBy) == "" {
		c.CreatedBy = DefaultCreatedBy
	}
	if c.QueueWaitTime <= 0 {
		c.QueueWaitTime = DefaultQueueWaitTime
	}
	if c.QueueVisibilityTimeout <= 0 {
		c.QueueVisibilityTimeout = DefaultQueueVisibilityTimeout
	}
}

// Validate reports the first missing required field.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.QueueURL) == "" {
		return fmt.Errorf("recmover: queue URL is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return fmt.Errorf("recmover: region is required")
	}
	if strings.TrimSpace(c.SecretID) == "" {
		return fmt.Errorf("recmover: secret id is required")
	}
	if strings.TrimSpace(c.KeyMapTable) == "" {
		return fmt.Errorf("recmover: key-map table is required")
	}
	if len(c.Buckets) == 0 {
		return fmt.Errorf("recmover: at least one destination bucket mapping is required")
	}
	return nil
}
