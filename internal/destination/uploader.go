// Package destination uploads verified copies of call recordings to the
// destination object store. Every upload attaches the resolved KMS key and a
// pre-computed MD5 integrity header, and is verified by re-downloading the
// object and comparing digests; provider ETags are not trusted.
package destination

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"
	"pkt.systems/pslog"

	"github.com/arcvox/recmover/internal/faults"
)

// DefaultPrefix is the top-level key prefix for transferred recordings.
const DefaultPrefix = "callrecordings"

// S3API is the slice of the S3 client the uploader uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ClientFactory builds a client bound to region. Overridable for tests.
type ClientFactory func(ctx context.Context, region string) (S3API, error)

// Config controls the uploader.
type Config struct {
	// Region is the primary client's region.
	Region string
	// Buckets maps upper-case country codes to destination bucket names.
	Buckets map[string]string
	// Prefix overrides DefaultPrefix when set.
	Prefix string
	// Client overrides the primary client (tests); NewClient overrides
	// regional client construction.
	Client    S3API
	NewClient ClientFactory
	Logger    pslog.Logger
}

// Result carries everything the status call and the audit trail need about an
// upload attempt, including partial values gathered before a failure.
type Result struct {
	Bucket    string
	Key       string
	Location  string
	SourceMD5 string
	DestMD5   string
	Size      int64
}

// Uploader copies streams into the destination store.
type Uploader struct {
	primary       S3API
	primaryRegion string
	newClient     ClientFactory
	buckets       map[string]string
	prefix        string
	logger        pslog.Logger
	now           func() time.Time

	mu       sync.Mutex
	regional map[string]S3API
}

// New constructs an Uploader. The primary client is built eagerly; clients
// for other target regions are created lazily and cached for the process
// lifetime.
func New(ctx context.Context, cfg Config) (*Uploader, error) {
	if len(cfg.Buckets) == 0 {
		return nil, faults.New(faults.Configuration, "dest: no destination buckets configured")
	}
	if cfg.Region == "" {
		return nil, faults.New(faults.Configuration, "dest: region is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	factory := cfg.NewClient
	if factory == nil {
		factory = awsClientFactory
	}
	primary := cfg.Client
	if primary == nil {
		var err error
		primary, err = factory(ctx, cfg.Region)
		if err != nil {
			return nil, faults.Wrap(faults.Configuration, fmt.Errorf("dest: build client: %w", err))
		}
	}
	buckets := make(map[string]string, len(cfg.Buckets))
	for country, bucket := range cfg.Buckets {
		buckets[strings.ToUpper(country)] = bucket
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Uploader{
		primary:       primary,
		primaryRegion: cfg.Region,
		newClient:     factory,
		buckets:       buckets,
		prefix:        strings.Trim(prefix, "/"),
		logger:        logger.With("sys", "dest"),
		now:           func() time.Time { return time.Now().UTC() },
		regional:      make(map[string]S3API),
	}, nil
}

func awsClientFactory(ctx context.Context, region string) (S3API, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg), nil
}

// ObjectKey composes the deterministic destination key, partitioned by the
// call date down to the minute so keys stay sortable and fan-out bounded.
func (u *Uploader) ObjectKey(clientCode, fileName string, callDate time.Time) string {
	if callDate.IsZero() {
		callDate = u.now()
	}
	return path.Join(u.prefix, clientCode, callDate.UTC().Format("2006/01/02/15/04"), fileName)
}

// clientFor returns the client bound to region, creating and caching one when
// the primary's region does not match. A region-matching client is never
// discarded.
func (u *Uploader) clientFor(ctx context.Context, region string) (S3API, error) {
	if region == "" || region == u.primaryRegion {
		return u.primary, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if client, ok := u.regional[region]; ok {
		return client, nil
	}
	client, err := u.newClient(ctx, region)
	if err != nil {
		return nil, faults.Wrap(faults.Configuration, fmt.Errorf("dest: build client for region %s: %w", region, err))
	}
	u.regional[region] = client
	u.logger.Debug("dest.client.created", "region", region)
	return client, nil
}

// UploadAndVerify writes the stream to the bucket mapped from countryCode and
// proves integrity by re-downloading the object and comparing MD5 digests.
// The returned Result carries whatever was computed before a failure so
// callers can log and audit partial outcomes.
func (u *Uploader) UploadAndVerify(ctx context.Context, body io.Reader, countryCode, fileName, keyArn, clientCode, targetRegion string, callDate time.Time) (Result, error) {
	res := Result{}
	logger := u.logger.With("country", countryCode, "file", fileName, "target_region", targetRegion)
	start := time.Now()

	bucket, ok := u.buckets[strings.ToUpper(strings.TrimSpace(countryCode))]
	if !ok || bucket == "" {
		return res, faults.New(faults.Configuration, "dest: no bucket mapped for country %q", countryCode)
	}
	res.Bucket = bucket

	reader, sum, size, restore, err := digestStream(body)
	if restore != nil {
		defer restore()
	}
	if err != nil {
		return res, faults.Wrap(faults.Transfer, fmt.Errorf("dest: digest source stream: %w", err))
	}
	res.SourceMD5 = hex.EncodeToString(sum)
	res.Size = size
	res.Key = u.ObjectKey(clientCode, fileName, callDate)
	res.Location = fmt.Sprintf("s3://%s/%s", bucket, res.Key)

	client, err := u.clientFor(ctx, targetRegion)
	if err != nil {
		return res, err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(res.Key),
		Body:          reader,
		ContentLength: aws.Int64(size),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(sum)),
		ContentType:   aws.String(contentTypeFor(fileName)),
	}
	if keyArn != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(keyArn)
	}
	if _, err := client.PutObject(ctx, input); err != nil {
		logger.Error("dest.upload.put_error", "bucket", bucket, "key", res.Key, "error", err)
		return res, faults.Wrap(faults.Transfer, fmt.Errorf("dest: put %s/%s: %w", bucket, res.Key, err))
	}

	destSum, destSize, err := u.verify(ctx, client, bucket, res.Key)
	if err != nil {
		logger.Error("dest.upload.verify_error", "bucket", bucket, "key", res.Key, "error", err)
		if isNotFound(err) {
			return res, faults.New(faults.Integrity, "dest: object %s/%s missing after upload", bucket, res.Key)
		}
		return res, faults.Wrap(faults.Transfer, fmt.Errorf("dest: verify %s/%s: %w", bucket, res.Key, err))
	}
	res.DestMD5 = hex.EncodeToString(destSum)
	if res.DestMD5 != res.SourceMD5 || destSize != size {
		logger.Error("dest.upload.verify_mismatch",
			"bucket", bucket,
			"key", res.Key,
			"source_md5", res.SourceMD5,
			"dest_md5", res.DestMD5,
			"source_bytes", size,
			"dest_bytes", destSize,
		)
		return res, faults.New(faults.Integrity, "dest: MD5 mismatch for %s/%s: source %s dest %s", bucket, res.Key, res.SourceMD5, res.DestMD5)
	}
	logger.Info("dest.upload.success",
		"bucket", bucket,
		"key", res.Key,
		"md5", res.SourceMD5,
		"size", humanize.Bytes(uint64(size)),
		"elapsed", time.Since(start),
	)
	return res, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (u *Uploader) verify(ctx context.Context, client S3API, bucket, key string) ([]byte, int64, error) {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, err
	}
	defer out.Body.Close()
	h := md5.New()
	n, err := io.Copy(h, out.Body)
	if err != nil {
		return nil, 0, err
	}
	return h.Sum(nil), n, nil
}

// digestStream computes the MD5 of body and returns a reader that replays the
// same bytes. Seekable streams are digested in place and rewound; everything
// else is buffered fully because the digest must cover exactly the bytes the
// upload will send. restore rewinds a seekable stream to its original
// position and must run regardless of outcome.
func digestStream(body io.Reader) (reader io.Reader, sum []byte, size int64, restore func(), err error) {
	var h hash.Hash = md5.New()
	if rs, ok := body.(io.ReadSeeker); ok {
		pos, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, nil, 0, nil, err
		}
		restore = func() { _, _ = rs.Seek(pos, io.SeekStart) }
		size, err = io.Copy(h, rs)
		if err != nil {
			return nil, nil, 0, restore, err
		}
		if _, err := rs.Seek(pos, io.SeekStart); err != nil {
			return nil, nil, 0, restore, err
		}
		return rs, h.Sum(nil), size, restore, nil
	}
	buf, err := io.ReadAll(body)
	if err != nil {
		return nil, nil, 0, nil, err
	}
	if _, err := h.Write(buf); err != nil {
		return nil, nil, 0, nil, err
	}
	return bytes.NewReader(buf), h.Sum(nil), int64(len(buf)), nil, nil
}

func contentTypeFor(fileName string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(fileName))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
