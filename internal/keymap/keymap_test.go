package keymap

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/arcvox/recmover/internal/faults"
)

type fakeDynamo struct {
	calls atomic.Int64
	items []map[string]ddbtypes.AttributeValue
	err   error
}

func (f *fakeDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.QueryOutput{Items: f.items, Count: int32(len(f.items))}, nil
}

func mappingItem(arn, alias, client, region string) map[string]ddbtypes.AttributeValue {
	item := map[string]ddbtypes.AttributeValue{
		"ProgramCode": &ddbtypes.AttributeValueMemberS{Value: "ACME01"},
	}
	if arn != "" {
		item["arn"] = &ddbtypes.AttributeValueMemberS{Value: arn}
	}
	if alias != "" {
		item["alias"] = &ddbtypes.AttributeValueMemberS{Value: alias}
	}
	if client != "" {
		item["clientcode"] = &ddbtypes.AttributeValueMemberS{Value: client}
	}
	if region != "" {
		item["systemname"] = &ddbtypes.AttributeValueMemberS{Value: region}
	}
	return item
}

func newTestCache(t *testing.T, api DynamoAPI) *Cache {
	t.Helper()
	cache, err := New(Config{API: api, Table: "recording-key-map"})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return cache
}

func TestResolveCachesSuccess(t *testing.T) {
	api := &fakeDynamo{items: []map[string]ddbtypes.AttributeValue{
		mappingItem("arn:aws:kms:ca-central-1:1:key/abc", "alias/acme", "acme", "ca-central-1"),
	}}
	cache := newTestCache(t, api)
	ctx := context.Background()
	first, err := cache.Resolve(ctx, "ACME01")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.KeyArn != "arn:aws:kms:ca-central-1:1:key/abc" || first.ClientCode != "acme" || first.TargetRegion != "ca-central-1" {
		t.Fatalf("unexpected mapping %+v", first)
	}
	second, err := cache.Resolve(ctx, "ACME01")
	if err != nil {
		t.Fatalf("resolve cached: %v", err)
	}
	if second != first {
		t.Fatalf("cached mapping differs: %+v vs %+v", second, first)
	}
	if got := api.calls.Load(); got != 1 {
		t.Fatalf("expected a single table query, got %d", got)
	}
}

func TestResolveBlankProgramCode(t *testing.T) {
	api := &fakeDynamo{}
	cache := newTestCache(t, api)
	_, err := cache.Resolve(context.Background(), "  ")
	if err == nil {
		t.Fatal("expected error for blank program code")
	}
	if got := api.calls.Load(); got != 0 {
		t.Fatalf("blank program code must not query, got %d calls", got)
	}
}

func TestResolveMissingRowNotCached(t *testing.T) {
	api := &fakeDynamo{}
	cache := newTestCache(t, api)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := cache.Resolve(ctx, "GHOST")
		if err == nil {
			t.Fatal("expected missing-mapping error")
		}
		if cat, ok := faults.CategoryOf(err); !ok || cat != faults.KeyResolution {
			t.Fatalf("expected key-resolution category, got %v", err)
		}
	}
	if got := api.calls.Load(); got != 2 {
		t.Fatalf("failures must be retried, got %d calls", got)
	}
}

func TestResolveMissingArnNotCached(t *testing.T) {
	api := &fakeDynamo{items: []map[string]ddbtypes.AttributeValue{
		mappingItem("", "alias/acme", "acme", "us-east-1"),
	}}
	cache := newTestCache(t, api)
	_, err := cache.Resolve(context.Background(), "ACME01")
	if err == nil {
		t.Fatal("expected error for row without key arn")
	}
	_, _ = cache.Resolve(context.Background(), "ACME01")
	if got := api.calls.Load(); got != 2 {
		t.Fatalf("arn-less row must not be cached, got %d calls", got)
	}
}

func TestResolveQueryError(t *testing.T) {
	api := &fakeDynamo{err: errors.New("throttled")}
	cache := newTestCache(t, api)
	_, err := cache.Resolve(context.Background(), "ACME01")
	if err == nil {
		t.Fatal("expected query error")
	}
}
