// Package sourceblob downloads call recordings from the source blob store,
// transparently unwrapping and decrypting client-side encrypted content when
// the blob's metadata carries an encryption envelope, and deletes source
// objects after the destination copy has been durably confirmed.
package sourceblob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"pkt.systems/pslog"

	"github.com/arcvox/recmover/internal/faults"
)

// KeyVaultCredentials authenticates the key-unwrap calls.
type KeyVaultCredentials struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	VaultURI     string
}

// Config controls connectivity to the source store.
type Config struct {
	// ConnectionString takes precedence over Account/AccountKey/Endpoint.
	ConnectionString string
	Endpoint         string
	Account          string
	AccountKey       string
	KeyVault         *KeyVaultCredentials
	Logger           pslog.Logger
}

// keyUnwrapper isolates the vault round-trip so decryption is testable
// without a live vault.
type keyUnwrapper interface {
	Unwrap(ctx context.Context, keyID, algorithm string, wrapped []byte) ([]byte, error)
}

// Client downloads and deletes source blobs.
type Client struct {
	blob     *azblob.Client
	unwrap   keyUnwrapper
	hasVault bool
	logger   pslog.Logger
}

// New constructs a Client from the active storage configuration.
func New(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.Account != "" && cfg.AccountKey != "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
		}
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if err != nil {
			return nil, faults.Wrap(faults.Configuration, fmt.Errorf("sourceblob: build credentials: %w", err))
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	default:
		return nil, faults.New(faults.Configuration, "sourceblob: connection string or account+key required")
	}
	if err != nil {
		return nil, faults.Wrap(faults.Configuration, fmt.Errorf("sourceblob: create client: %w", err))
	}
	c := &Client{blob: client, logger: logger.With("sys", "sourceblob")}
	if cfg.KeyVault != nil {
		unwrapper, err := newVaultUnwrapper(*cfg.KeyVault)
		if err != nil {
			return nil, err
		}
		c.unwrap = unwrapper
		c.hasVault = true
	}
	return c, nil
}

// DownloadDecrypted opens the blob at container/blobName. When the blob's
// metadata carries a wrapped-content-key envelope the content key is
// unwrapped via the vault and the body decrypted before return; otherwise the
// raw stream is returned. timeout bounds the whole probe+download.
func (c *Client) DownloadDecrypted(ctx context.Context, container, blobName string, timeout time.Duration) (io.ReadCloser, error) {
	logger := c.logger.With("container", container, "blob", blobName)
	ctx, cancel := boundCtx(ctx, timeout)
	start := time.Now()

	blobClient := c.blob.ServiceClient().NewContainerClient(container).NewBlobClient(blobName)
	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		cancel()
		if isNotFound(err) {
			logger.Warn("sourceblob.download.not_found", "elapsed", time.Since(start))
			return nil, faults.Wrap(faults.Transfer, fmt.Errorf("sourceblob: %s/%s: %w", container, blobName, faults.ErrNotFound))
		}
		logger.Error("sourceblob.download.probe_error", "error", err)
		return nil, faults.Wrap(faults.Transfer, fmt.Errorf("sourceblob: probe %s/%s: %w", container, blobName, err))
	}
	env, encrypted, err := ParseEnvelope(props.Metadata)
	if err != nil {
		cancel()
		logger.Error("sourceblob.download.envelope_error", "error", err)
		return nil, err
	}

	if !encrypted {
		resp, err := c.blob.DownloadStream(ctx, container, blobName, nil)
		if err != nil {
			cancel()
			logger.Error("sourceblob.download.stream_error", "error", err)
			return nil, faults.Wrap(faults.Transfer, fmt.Errorf("sourceblob: download %s/%s: %w", container, blobName, err))
		}
		logger.Debug("sourceblob.download.plain", "elapsed", time.Since(start))
		return &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, nil
	}

	defer cancel()
	if !c.hasVault {
		return nil, faults.New(faults.Configuration, "sourceblob: %s/%s is client-side encrypted but no key vault is configured", container, blobName)
	}
	contentKey, err := c.unwrap.Unwrap(ctx, env.WrappedContentKey.KeyID, env.WrappedContentKey.Algorithm, env.WrappedContentKey.EncryptedKey)
	if err != nil {
		logger.Error("sourceblob.download.unwrap_error", "key_id", env.WrappedContentKey.KeyID, "error", err)
		return nil, faults.Wrap(faults.Transfer, fmt.Errorf("sourceblob: unwrap content key: %w", err))
	}
	resp, err := c.blob.DownloadStream(ctx, container, blobName, nil)
	if err != nil {
		logger.Error("sourceblob.download.stream_error", "error", err)
		return nil, faults.Wrap(faults.Transfer, fmt.Errorf("sourceblob: download %s/%s: %w", container, blobName, err))
	}
	defer resp.Body.Close()
	ciphertext, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.Transfer, fmt.Errorf("sourceblob: read %s/%s: %w", container, blobName, err))
	}
	plaintext, err := decryptContent(ciphertext, contentKey, env.ContentEncryptionIV)
	if err != nil {
		logger.Error("sourceblob.download.decrypt_error", "error", err)
		return nil, faults.Wrap(faults.Transfer, err)
	}
	logger.Debug("sourceblob.download.decrypted",
		"cipher_bytes", len(ciphertext),
		"plain_bytes", len(plaintext),
		"elapsed", time.Since(start),
	)
	return io.NopCloser(bytes.NewReader(plaintext)), nil
}

// Delete removes the source blob. Best effort: a missing blob is not an
// error, it just reports false.
func (c *Client) Delete(ctx context.Context, container, blobName string, timeout time.Duration) (bool, error) {
	ctx, cancel := boundCtx(ctx, timeout)
	defer cancel()
	_, err := c.blob.DeleteBlob(ctx, container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			c.logger.Debug("sourceblob.delete.not_found", "container", container, "blob", blobName)
			return false, nil
		}
		c.logger.Warn("sourceblob.delete.error", "container", container, "blob", blobName, "error", err)
		return false, fmt.Errorf("sourceblob: delete %s/%s: %w", container, blobName, err)
	}
	c.logger.Debug("sourceblob.delete.success", "container", container, "blob", blobName)
	return true, nil
}

func boundCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

// vaultUnwrapper unwraps content keys with Key Vault, caching one azkeys
// client per vault URL.
type vaultUnwrapper struct {
	cred     azcore.TokenCredential
	vaultURI string

	mu      sync.Mutex
	clients map[string]*azkeys.Client
}

func newVaultUnwrapper(kv KeyVaultCredentials) (*vaultUnwrapper, error) {
	if kv.ClientID == "" || kv.ClientSecret == "" || kv.TenantID == "" {
		return nil, faults.New(faults.Configuration, "sourceblob: incomplete key vault credentials")
	}
	cred, err := azidentity.NewClientSecretCredential(kv.TenantID, kv.ClientID, kv.ClientSecret, nil)
	if err != nil {
		return nil, faults.Wrap(faults.Configuration, fmt.Errorf("sourceblob: vault credential: %w", err))
	}
	return &vaultUnwrapper{
		cred:     cred,
		vaultURI: strings.TrimRight(kv.VaultURI, "/"),
		clients:  make(map[string]*azkeys.Client),
	}, nil
}

func (v *vaultUnwrapper) client(vaultURL string) (*azkeys.Client, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if client, ok := v.clients[vaultURL]; ok {
		return client, nil
	}
	client, err := azkeys.NewClient(vaultURL, v.cred, nil)
	if err != nil {
		return nil, fmt.Errorf("sourceblob: vault client %s: %w", vaultURL, err)
	}
	v.clients[vaultURL] = client
	return client, nil
}

func (v *vaultUnwrapper) Unwrap(ctx context.Context, keyID, algorithm string, wrapped []byte) ([]byte, error) {
	vaultURL, name, version, err := splitKeyID(keyID)
	if err != nil {
		if v.vaultURI == "" {
			return nil, err
		}
		// Some writers stamp only the bare key name; fall back to the
		// configured vault.
		vaultURL, name, version = v.vaultURI, keyID, ""
	}
	client, err := v.client(vaultURL)
	if err != nil {
		return nil, err
	}
	alg, err := unwrapAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}
	resp, err := client.UnwrapKey(ctx, name, version, azkeys.KeyOperationParameters{
		Algorithm: &alg,
		Value:     wrapped,
	}, nil)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func unwrapAlgorithm(name string) (azkeys.EncryptionAlgorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "RSA-OAEP":
		return azkeys.EncryptionAlgorithmRSAOAEP, nil
	case "RSA-OAEP-256":
		return azkeys.EncryptionAlgorithmRSAOAEP256, nil
	case "RSA1_5":
		return azkeys.EncryptionAlgorithmRSA15, nil
	case "A256KW":
		return azkeys.EncryptionAlgorithmA256KW, nil
	default:
		return "", fmt.Errorf("sourceblob: unsupported key wrap algorithm %q", name)
	}
}
