// Package keymap resolves a program code to its destination encryption-key
// mapping via a DynamoDB lookup table. Successful resolutions are cached for
// the process lifetime; failures are never cached so the next message retries.
package keymap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"pkt.systems/pslog"

	"github.com/arcvox/recmover/internal/faults"
)

// queryLimit caps the lookup defensively; exactly one row is expected.
const queryLimit = 5

// Mapping is the resolved encryption-key handle for one program code.
type Mapping struct {
	KeyArn       string `dynamodbav:"arn"`
	KeyAlias     string `dynamodbav:"alias"`
	ClientCode   string `dynamodbav:"clientcode"`
	TargetRegion string `dynamodbav:"systemname"`
}

// DynamoAPI is the slice of the DynamoDB client the cache uses.
type DynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Config controls the cache.
type Config struct {
	API     DynamoAPI
	Table   string
	Timeout time.Duration
	Logger  pslog.Logger
}

// Cache memoizes successful program-code resolutions.
type Cache struct {
	api     DynamoAPI
	table   string
	timeout time.Duration
	logger  pslog.Logger

	mu       sync.Mutex
	mappings map[string]Mapping
}

// New constructs a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("keymap: dynamodb client is required")
	}
	if strings.TrimSpace(cfg.Table) == "" {
		return nil, fmt.Errorf("keymap: table name is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Cache{
		api:      cfg.API,
		table:    cfg.Table,
		timeout:  cfg.Timeout,
		logger:   logger.With("sys", "keymap"),
		mappings: make(map[string]Mapping),
	}, nil
}

// Resolve returns the mapping for programCode. A cache hit performs no I/O.
// A miss queries the lookup table; the result is cached only when the row
// exists and carries a key ARN.
func (c *Cache) Resolve(ctx context.Context, programCode string) (Mapping, error) {
	programCode = strings.TrimSpace(programCode)
	if programCode == "" {
		return Mapping{}, faults.New(faults.KeyResolution, "keymap: program code is empty")
	}
	c.mu.Lock()
	if mapping, ok := c.mappings[programCode]; ok {
		c.mu.Unlock()
		return mapping, nil
	}
	c.mu.Unlock()

	start := time.Now()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("ProgramCode = :program"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":program": &ddbtypes.AttributeValueMemberS{Value: programCode},
		},
		Limit: aws.Int32(queryLimit),
	})
	if err != nil {
		c.logger.Error("keymap.resolve.query_error", "program_code", programCode, "table", c.table, "error", err, "elapsed", time.Since(start))
		return Mapping{}, faults.Wrap(faults.KeyResolution, fmt.Errorf("keymap: query %s: %w", programCode, err))
	}
	if len(out.Items) == 0 {
		c.logger.Warn("keymap.resolve.no_mapping", "program_code", programCode, "table", c.table, "elapsed", time.Since(start))
		return Mapping{}, faults.New(faults.KeyResolution, "keymap: no encryption key mapping for program %s", programCode)
	}
	if len(out.Items) > 1 {
		c.logger.Warn("keymap.resolve.multiple_rows", "program_code", programCode, "count", len(out.Items))
	}
	var mapping Mapping
	if err := attributevalue.UnmarshalMap(out.Items[0], &mapping); err != nil {
		return Mapping{}, faults.Wrap(faults.KeyResolution, fmt.Errorf("keymap: decode mapping for %s: %w", programCode, err))
	}
	if mapping.KeyArn == "" {
		return Mapping{}, faults.New(faults.KeyResolution, "keymap: mapping for program %s has no key arn", programCode)
	}
	c.mu.Lock()
	c.mappings[programCode] = mapping
	c.mu.Unlock()
	c.logger.Debug("keymap.resolve.success",
		"program_code", programCode,
		"key_alias", mapping.KeyAlias,
		"client_code", mapping.ClientCode,
		"target_region", mapping.TargetRegion,
		"elapsed", time.Since(start),
	)
	return mapping, nil
}
