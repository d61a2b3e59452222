// Package ingest pulls transfer requests off the work queue and hands them to
// a processor one at a time. Messages are deleted only after the handler
// reports a terminal outcome, so an interrupted run leaves the message for
// redelivery once its visibility timeout lapses.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"pkt.systems/pslog"

	"github.com/arcvox/recmover/internal/faults"
)

const (
	defaultWaitTime          = 20 * time.Second
	defaultVisibilityTimeout = 5 * time.Minute
	defaultMaxMessages       = 1
	errorBackoff             = 5 * time.Second
)

// SQSAPI is the slice of the SQS client the consumer needs.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Message is one queue delivery.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	Receives      int
}

// Handler processes a single message. A nil return means the message reached
// a terminal outcome (success or audited failure) and may be deleted; a
// non-nil return leaves it on the queue for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Config controls the consumer.
type Config struct {
	// QueueURL addresses the SQS work queue.
	QueueURL string
	// Region for the client when one is not injected.
	Region string
	// WaitTime is the long-poll duration, default 20s.
	WaitTime time.Duration
	// VisibilityTimeout hides in-flight messages, default 5m.
	VisibilityTimeout time.Duration
	// MaxMessages per receive, default 1. Dispatch is sequential either way.
	MaxMessages int32
	// Client overrides the SQS client (tests).
	Client SQSAPI
	Logger pslog.Logger
}

// Consumer runs the receive/dispatch/delete loop.
type Consumer struct {
	client     SQSAPI
	queueURL   string
	waitTime   time.Duration
	visibility time.Duration
	maxMsgs    int32
	logger     pslog.Logger
}

// New constructs a Consumer, building an SQS client from the ambient AWS
// configuration unless one is injected.
func New(ctx context.Context, cfg Config) (*Consumer, error) {
	if cfg.QueueURL == "" {
		return nil, faults.New(faults.Configuration, "ingest: queue URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, faults.Wrap(faults.Configuration, fmt.Errorf("ingest: load aws config: %w", err))
		}
		client = sqs.NewFromConfig(awsCfg)
	}
	waitTime := cfg.WaitTime
	if waitTime <= 0 {
		waitTime = defaultWaitTime
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	maxMsgs := cfg.MaxMessages
	if maxMsgs <= 0 {
		maxMsgs = defaultMaxMessages
	}
	return &Consumer{
		client:     client,
		queueURL:   cfg.QueueURL,
		waitTime:   waitTime,
		visibility: visibility,
		maxMsgs:    maxMsgs,
		logger:     logger.With("sys", "ingest"),
	}, nil
}

// Run receives and dispatches until ctx is cancelled. Receive errors are
// logged and retried after a short backoff rather than terminating the loop.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	c.logger.Info("ingest.run.start", "queue", c.queueURL, "wait", c.waitTime)
	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("ingest.run.stop", "error", err)
			return err
		}
		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(c.queueURL),
			MaxNumberOfMessages:   c.maxMsgs,
			WaitTimeSeconds:       int32(c.waitTime / time.Second),
			VisibilityTimeout:     int32(c.visibility / time.Second),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("ingest.run.stop", "error", ctx.Err())
				return ctx.Err()
			}
			c.logger.Warn("ingest.receive.error", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(errorBackoff):
			}
			continue
		}
		for _, raw := range out.Messages {
			c.dispatch(ctx, handle, raw)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, handle Handler, raw types.Message) {
	msg := Message{
		ID:            aws.ToString(raw.MessageId),
		ReceiptHandle: aws.ToString(raw.ReceiptHandle),
		Body:          aws.ToString(raw.Body),
		Receives:      receiveCount(raw),
	}
	start := time.Now()
	if err := handle(ctx, msg); err != nil {
		c.logger.Warn("ingest.dispatch.retry", "message_id", msg.ID, "receives", msg.Receives, "error", err, "elapsed", time.Since(start))
		return
	}
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: raw.ReceiptHandle,
	}); err != nil {
		// The handler already reached a terminal outcome; a failed delete
		// only risks a redundant redelivery.
		c.logger.Warn("ingest.delete.error", "message_id", msg.ID, "error", err)
		return
	}
	c.logger.Debug("ingest.dispatch.done", "message_id", msg.ID, "elapsed", time.Since(start))
}

func receiveCount(raw types.Message) int {
	val, ok := raw.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 1
	}
	var n int
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil || n < 1 {
		return 1
	}
	return n
}
