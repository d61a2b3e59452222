// Package conncache caches the per-country database connection strings
// published as a single Secrets Manager JSON document. The document is fetched
// at most once per process; failed fetches reset the loaded flag so the next
// message retries instead of poisoning the cache.
package conncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"pkt.systems/pslog"

	"github.com/arcvox/recmover/internal/faults"
)

// Role selects the reader or writer connection for a country.
type Role string

const (
	RoleReader Role = "Reader"
	RoleWriter Role = "Writer"
)

// fallbackCountry backs Resolve when a country has no entry of its own.
const fallbackCountry = "US"

const secretKeyPrefix = "ConnectionStrings_"

// SecretsAPI is the slice of the Secrets Manager client the cache uses.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Config controls the cache.
type Config struct {
	API      SecretsAPI
	SecretID string
	// Timeout bounds the secret fetch. Zero leaves only the caller's context
	// deadline in effect.
	Timeout time.Duration
	Logger  pslog.Logger
}

// Cache resolves country+role connection strings from a once-loaded secret.
type Cache struct {
	api      SecretsAPI
	secretID string
	timeout  time.Duration
	logger   pslog.Logger

	mu     sync.Mutex
	loaded bool
	conns  map[string]string
}

// New constructs a Cache. The secret is not fetched until first use.
func New(cfg Config) (*Cache, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("conncache: secrets client is required")
	}
	if strings.TrimSpace(cfg.SecretID) == "" {
		return nil, fmt.Errorf("conncache: secret id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Cache{
		api:      cfg.API,
		secretID: cfg.SecretID,
		timeout:  cfg.Timeout,
		logger:   logger.With("sys", "conncache"),
	}, nil
}

// Resolve returns the connection string for country+role, falling back to the
// US entry for the same role before reporting a configuration fault. The
// secret document is fetched on first use; concurrent first callers perform
// exactly one fetch.
func (c *Cache) Resolve(ctx context.Context, country string, role Role) (string, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return "", err
	}
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		country = fallbackCountry
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[country+string(role)+"Connection"]; ok {
		return conn, nil
	}
	if conn, ok := c.conns[fallbackCountry+string(role)+"Connection"]; ok {
		c.logger.Debug("conncache.resolve.fallback", "country", country, "role", string(role), "fallback", fallbackCountry)
		return conn, nil
	}
	return "", faults.New(faults.Configuration, "conncache: no %s connection for country %s", role, country)
}

// Loaded reports whether the secret document has been fetched and cached.
func (c *Cache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

func (c *Cache) ensureLoaded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	start := time.Now()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out, err := c.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(c.secretID),
	})
	if err != nil {
		c.logger.Error("conncache.load.fetch_error", "secret_id", c.secretID, "error", err, "elapsed", time.Since(start))
		var nf *smtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return faults.Wrap(faults.Configuration, fmt.Errorf("conncache: secret %s: %w", c.secretID, faults.ErrNotFound))
		}
		return faults.Wrap(faults.Configuration, fmt.Errorf("conncache: fetch secret %s: %w", c.secretID, err))
	}
	if out.SecretString == nil || *out.SecretString == "" {
		c.logger.Error("conncache.load.empty_secret", "secret_id", c.secretID)
		return faults.New(faults.Configuration, "conncache: secret %s has no string payload", c.secretID)
	}
	var doc map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &doc); err != nil {
		c.logger.Error("conncache.load.decode_error", "secret_id", c.secretID, "error", err)
		return faults.Wrap(faults.Configuration, fmt.Errorf("conncache: decode secret %s: %w", c.secretID, err))
	}
	conns := make(map[string]string, len(doc))
	for key, value := range doc {
		if value == "" {
			continue
		}
		conns[strings.TrimPrefix(key, secretKeyPrefix)] = value
	}
	c.conns = conns
	c.loaded = true
	c.logger.Debug("conncache.load.success", "secret_id", c.secretID, "entries", len(conns), "elapsed", time.Since(start))
	return nil
}
