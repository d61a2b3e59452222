package recmover

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"github.com/arcvox/recmover/internal/audit"
	"github.com/arcvox/recmover/internal/callrec"
	"github.com/arcvox/recmover/internal/conncache"
	"github.com/arcvox/recmover/internal/destination"
	"github.com/arcvox/recmover/internal/faults"
	"github.com/arcvox/recmover/internal/keymap"
)

type fakeResolver struct {
	conns map[string]string
	err   error
	calls int
}

func (f *fakeResolver) Resolve(ctx context.Context, country string, role conncache.Role) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	conn, ok := f.conns[strings.ToUpper(country)+string(role)]
	if !ok {
		return "", faults.New(faults.Configuration, "no connection for %s %s", country, role)
	}
	return conn, nil
}

type fakeRecords struct {
	locator    *callrec.RecordingLocator
	findErr    error
	findCalls  int
	storageCfg *callrec.StorageConfig
	storageErr error
	statusErr  error
	statuses   []callrec.StatusPayload
}

func (f *fakeRecords) Find(ctx context.Context, conn string, callDetailID int64, audioFile string) (*callrec.RecordingLocator, error) {
	f.findCalls++
	return f.locator, f.findErr
}

func (f *fakeRecords) ActiveStorageConfig(ctx context.Context, conn string, countryID *int64) (*callrec.StorageConfig, error) {
	return f.storageCfg, f.storageErr
}

func (f *fakeRecords) CallStatus(ctx context.Context, conn string, proc callrec.ProcSpec, payload callrec.StatusPayload) error {
	f.statuses = append(f.statuses, payload)
	return f.statusErr
}

type fakeKeys struct {
	mapping keymap.Mapping
	err     error
	calls   int
}

func (f *fakeKeys) Resolve(ctx context.Context, programCode string) (keymap.Mapping, error) {
	f.calls++
	return f.mapping, f.err
}

type fakeSource struct {
	payload     []byte
	downloadErr error
	downloads   int
	deleted     []string
	deleteErr   error
}

func (f *fakeSource) DownloadDecrypted(ctx context.Context, container, blobName string, timeout time.Duration) (io.ReadCloser, error) {
	f.downloads++
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return io.NopCloser(bytes.NewReader(f.payload)), nil
}

func (f *fakeSource) Delete(ctx context.Context, container, blobName string, timeout time.Duration) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	f.deleted = append(f.deleted, container+"/"+blobName)
	return true, nil
}

type fakeUploader struct {
	result destination.Result
	err    error
	calls  int
}

func (f *fakeUploader) UploadAndVerify(ctx context.Context, body io.Reader, countryCode, fileName, keyArn, clientCode, targetRegion string, callDate time.Time) (destination.Result, error) {
	f.calls++
	if _, err := io.Copy(io.Discard, body); err != nil {
		return destination.Result{}, err
	}
	return f.result, f.err
}

type finalizeCall struct {
	req   audit.Request
	cause error
}

type fakeAudit struct {
	calls []finalizeCall
	fail  bool
}

func (f *fakeAudit) Finalize(ctx context.Context, req audit.Request, cause error) bool {
	f.calls = append(f.calls, finalizeCall{req: req, cause: cause})
	return !f.fail
}

type fixture struct {
	resolver *fakeResolver
	records  *fakeRecords
	keys     *fakeKeys
	source   *fakeSource
	uploader *fakeUploader
	audit    *fakeAudit
	proc     *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		resolver: &fakeResolver{conns: map[string]string{
			"USReader": "reader-conn",
			"USWriter": "writer-conn",
		}},
		records: &fakeRecords{
			locator: &callrec.RecordingLocator{
				CallDetailID:       123,
				ProgramCode:        "PRG1",
				AudioFile:          "a.wav",
				AudioFileLocation:  "recordings",
				IsSourceCloudAudio: true,
				CallDate:           time.Date(2025, 11, 3, 14, 25, 0, 0, time.UTC),
			},
			storageCfg: &callrec.StorageConfig{ConnectionString: "UseDevelopmentStorage=true"},
		},
		keys: &fakeKeys{mapping: keymap.Mapping{
			KeyArn:       "arn:aws:kms:us-east-1:1:key/abc",
			ClientCode:   "acme",
			TargetRegion: "us-east-1",
		}},
		source: &fakeSource{payload: []byte("pcm audio")},
		uploader: &fakeUploader{result: destination.Result{
			Bucket:    "recordings-us",
			Key:       "callrecordings/acme/2025/11/03/14/25/a.wav",
			Location:  "s3://recordings-us/callrecordings/acme/2025/11/03/14/25/a.wav",
			SourceMD5: "abc123",
			DestMD5:   "abc123",
			Size:      9,
		}},
		audit: &fakeAudit{},
	}
	proc, err := NewProcessor(ProcessorConfig{
		Connections: f.resolver,
		Records:     f.records,
		Keys:        f.keys,
		Source:      func(cfg *callrec.StorageConfig) (SourceStore, error) { return f.source, nil },
		Uploader:    f.uploader,
		Audit:       f.audit,
		StatusProc:  callrec.ProcSpec{Name: "dbo.UpdateCallRecordingStatus", Role: "Writer"},
		Metrics:     MustNewMetrics(prometheus.NewRegistry()),
		Logger:      pslog.NoopLogger(),
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	f.proc = proc
	return f
}

const validBody = `{"CountryCode":"US","CallDetailID":123,"AudioFile":"a.wav","RequestId":"req-1"}`

func TestHandleSuccess(t *testing.T) {
	f := newFixture(t)
	if err := f.proc.Handle(context.Background(), validBody); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.records.statuses) != 1 {
		t.Fatalf("expected one status call, got %d", len(f.records.statuses))
	}
	status := f.records.statuses[0]
	if status.Status != audit.StatusSuccess || status.AudioFileLocation != f.uploader.result.Location {
		t.Fatalf("unexpected status payload %+v", status)
	}
	if status.S3Md5 != "abc123" || status.S3SizeBytes != 9 {
		t.Fatalf("unexpected digest fields %+v", status)
	}
	if len(f.source.deleted) != 1 || f.source.deleted[0] != "recordings/a.wav" {
		t.Fatalf("expected source delete, got %v", f.source.deleted)
	}
	if len(f.audit.calls) != 1 || f.audit.calls[0].cause != nil {
		t.Fatalf("expected SUCCESS finalize, got %+v", f.audit.calls)
	}
	if f.audit.calls[0].req.RequestID != "req-1" {
		t.Fatalf("unexpected audit request %+v", f.audit.calls[0].req)
	}
}

func TestHandleIntegrityFailureSkipsSourceDelete(t *testing.T) {
	f := newFixture(t)
	f.uploader.err = faults.New(faults.Integrity, "dest: MD5 mismatch for b/k: source a dest b")
	if err := f.proc.Handle(context.Background(), validBody); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.source.deleted) != 0 {
		t.Fatalf("source must survive a failed transfer, deleted %v", f.source.deleted)
	}
	if len(f.audit.calls) != 1 {
		t.Fatalf("expected one finalize, got %d", len(f.audit.calls))
	}
	cause := f.audit.calls[0].cause
	if cause == nil || !strings.Contains(cause.Error(), "MD5 mismatch") {
		t.Fatalf("expected MD5 mismatch cause, got %v", cause)
	}
	if len(f.records.statuses) != 1 || f.records.statuses[0].Status != audit.StatusError {
		t.Fatalf("expected ERROR status call, got %+v", f.records.statuses)
	}
	if f.records.statuses[0].ErrorDescription == "" {
		t.Fatal("error description missing from status payload")
	}
}

func TestHandleMissingKeyMappingSkipsDownload(t *testing.T) {
	f := newFixture(t)
	f.keys.err = faults.New(faults.KeyResolution, "keymap: no mapping for program PRG1")
	if err := f.proc.Handle(context.Background(), validBody); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.source.downloads != 0 {
		t.Fatalf("no download may happen without a key mapping, got %d", f.source.downloads)
	}
	if f.uploader.calls != 0 {
		t.Fatal("no upload may happen without a key mapping")
	}
	cause := f.audit.calls[0].cause
	if cat, _ := faults.CategoryOf(cause); cat != faults.KeyResolution {
		t.Fatalf("expected key resolution cause, got %v", cause)
	}
}

func TestHandleSecretFailureAbortsBeforeDB(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = faults.Wrap(faults.Configuration, faults.ErrNotFound)
	if err := f.proc.Handle(context.Background(), validBody); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.records.findCalls != 0 {
		t.Fatalf("no DB access may happen without secrets, got %d finds", f.records.findCalls)
	}
	if len(f.records.statuses) != 0 {
		t.Fatal("status call needs a writer connection and must be skipped")
	}
	if len(f.audit.calls) != 1 {
		t.Fatalf("expected finalize, got %d", len(f.audit.calls))
	}
}

func TestHandleNoMatchingRecord(t *testing.T) {
	f := newFixture(t)
	f.records.locator = nil
	if err := f.proc.Handle(context.Background(), validBody); err != nil {
		t.Fatalf("handle: %v", err)
	}
	cause := f.audit.calls[0].cause
	if cat, _ := faults.CategoryOf(cause); cat != faults.Lookup {
		t.Fatalf("expected lookup cause, got %v", cause)
	}
}

func TestHandleMalformedBodyDropped(t *testing.T) {
	f := newFixture(t)
	if err := f.proc.Handle(context.Background(), "{not json"); err != nil {
		t.Fatalf("malformed body must be dropped, got %v", err)
	}
	if len(f.audit.calls) != 0 {
		t.Fatal("no audit row is possible for an unparsed message")
	}
	if err := f.proc.Handle(context.Background(), `{"CountryCode":"US"}`); err != nil {
		t.Fatalf("incomplete body must be dropped, got %v", err)
	}
	if len(f.audit.calls) != 0 {
		t.Fatal("incomplete message must not be audited")
	}
}

func TestHandleFinalizeFailureRequestsRedelivery(t *testing.T) {
	f := newFixture(t)
	f.audit.fail = true
	if err := f.proc.Handle(context.Background(), validBody); err == nil {
		t.Fatal("a failed finalize must leave the message on the queue")
	}
}

func TestHandleMintsRequestID(t *testing.T) {
	f := newFixture(t)
	f.proc.newRequestID = func() string { return "minted-id" }
	body := `{"CountryCode":"US","CallDetailID":123,"AudioFile":"a.wav"}`
	if err := f.proc.Handle(context.Background(), body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.audit.calls[0].req.RequestID != "minted-id" {
		t.Fatalf("expected minted request id, got %q", f.audit.calls[0].req.RequestID)
	}
}

func TestHandlePersistenceFailureRoutesToError(t *testing.T) {
	f := newFixture(t)
	f.records.statusErr = errors.New("deadlock victim")
	if err := f.proc.Handle(context.Background(), validBody); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.source.deleted) != 0 {
		t.Fatal("source must survive when the location update fails")
	}
	cause := f.audit.calls[0].cause
	if cat, _ := faults.CategoryOf(cause); cat != faults.Persistence {
		t.Fatalf("expected persistence cause, got %v", cause)
	}
}

func TestHandleNonCloudRecording(t *testing.T) {
	f := newFixture(t)
	f.records.locator.IsSourceCloudAudio = false
	if err := f.proc.Handle(context.Background(), validBody); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.source.downloads != 0 {
		t.Fatal("non-cloud recordings must not be downloaded")
	}
	if cat, _ := faults.CategoryOf(f.audit.calls[0].cause); cat != faults.Lookup {
		t.Fatalf("expected lookup cause, got %v", f.audit.calls[0].cause)
	}
}
