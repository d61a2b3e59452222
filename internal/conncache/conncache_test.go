package conncache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/arcvox/recmover/internal/faults"
)

type fakeSecrets struct {
	calls   atomic.Int64
	payload string
	err     error
}

func (f *fakeSecrets) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(f.payload)}, nil
}

const secretDoc = `{
	"ConnectionStrings_USReaderConnection": "server=us-read",
	"ConnectionStrings_USWriterConnection": "server=us-write",
	"ConnectionStrings_CAReaderConnection": "server=ca-read",
	"ConnectionStrings_CAWriterConnection": ""
}`

func newTestCache(t *testing.T, api SecretsAPI) *Cache {
	t.Helper()
	cache, err := New(Config{API: api, SecretID: "recmover/connections"})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return cache
}

func TestResolveKnownCountry(t *testing.T) {
	cache := newTestCache(t, &fakeSecrets{payload: secretDoc})
	conn, err := cache.Resolve(context.Background(), "us", RoleWriter)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn != "server=us-write" {
		t.Fatalf("unexpected connection %q", conn)
	}
}

func TestResolveFallsBackToUS(t *testing.T) {
	cache := newTestCache(t, &fakeSecrets{payload: secretDoc})
	conn, err := cache.Resolve(context.Background(), "FR", RoleReader)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn != "server=us-read" {
		t.Fatalf("expected US reader fallback, got %q", conn)
	}
}

func TestResolveEmptyValueNotCached(t *testing.T) {
	cache := newTestCache(t, &fakeSecrets{payload: secretDoc})
	// CAWriter is present but blank in the document, so resolution falls
	// through to the US writer.
	conn, err := cache.Resolve(context.Background(), "CA", RoleWriter)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conn != "server=us-write" {
		t.Fatalf("expected fallback for blank entry, got %q", conn)
	}
}

func TestConcurrentFirstLoadFetchesOnce(t *testing.T) {
	api := &fakeSecrets{payload: secretDoc}
	cache := newTestCache(t, api)
	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			conn, err := cache.Resolve(context.Background(), "US", RoleReader)
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			results[slot] = conn
		}(i)
	}
	wg.Wait()
	if got := api.calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 secret fetch, got %d", got)
	}
	for _, conn := range results {
		if conn != "server=us-read" {
			t.Fatalf("caller observed %q", conn)
		}
	}
}

func TestFailedLoadRetries(t *testing.T) {
	api := &fakeSecrets{payload: secretDoc, err: &smtypes.ResourceNotFoundException{}}
	cache := newTestCache(t, api)
	_, err := cache.Resolve(context.Background(), "US", RoleReader)
	if err == nil {
		t.Fatal("expected error from missing secret")
	}
	if !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not-found classification, got %v", err)
	}
	if cache.Loaded() {
		t.Fatal("failed load must not mark the cache loaded")
	}
	api.err = nil
	conn, err := cache.Resolve(context.Background(), "US", RoleReader)
	if err != nil {
		t.Fatalf("resolve after retry: %v", err)
	}
	if conn != "server=us-read" {
		t.Fatalf("unexpected connection %q", conn)
	}
	if got := api.calls.Load(); got != 2 {
		t.Fatalf("expected 2 fetch attempts, got %d", got)
	}
}

func TestResolveUnknownRoleEverywhere(t *testing.T) {
	cache := newTestCache(t, &fakeSecrets{payload: `{"ConnectionStrings_CAReaderConnection":"server=ca-read"}`})
	_, err := cache.Resolve(context.Background(), "CA", RoleWriter)
	if err == nil {
		t.Fatal("expected configuration fault")
	}
	if cat, ok := faults.CategoryOf(err); !ok || cat != faults.Configuration {
		t.Fatalf("expected configuration category, got %v", err)
	}
}
