package recmover

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/arcvox/recmover/internal/audit"
	"github.com/arcvox/recmover/internal/callrec"
	"github.com/arcvox/recmover/internal/conncache"
	"github.com/arcvox/recmover/internal/destination"
	"github.com/arcvox/recmover/internal/faults"
	"github.com/arcvox/recmover/internal/keymap"
)

// Pipeline stage names, logged on every transition.
const (
	stageReceived          = "RECEIVED"
	stageParsed            = "PARSED"
	stageSecretsReady      = "SECRETS_READY"
	stageLookedUp          = "LOOKED_UP"
	stageStorageResolved   = "STORAGE_RESOLVED"
	stageKeyResolved       = "KEY_RESOLVED"
	stageDownloaded        = "DOWNLOADED"
	stageUploadedVerified  = "UPLOADED_VERIFIED"
	stageLocationPersisted = "LOCATION_PERSISTED"
	stageSourceDeleted     = "SOURCE_DELETED"
)

// TransferRequest is the queue message body naming one recording to move.
type TransferRequest struct {
	CountryCode  string `json:"CountryCode"`
	CallDetailID int64  `json:"CallDetailID"`
	AudioFile    string `json:"AudioFile"`
	RequestID    string `json:"RequestId"`
}

// ConnectionResolver yields a connection string for a country and role.
type ConnectionResolver interface {
	Resolve(ctx context.Context, country string, role conncache.Role) (string, error)
}

// RecordStore is the relational surface the processor needs.
type RecordStore interface {
	Find(ctx context.Context, conn string, callDetailID int64, audioFile string) (*callrec.RecordingLocator, error)
	ActiveStorageConfig(ctx context.Context, conn string, countryID *int64) (*callrec.StorageConfig, error)
	CallStatus(ctx context.Context, conn string, proc callrec.ProcSpec, payload callrec.StatusPayload) error
}

// KeyResolver maps a program code to its encryption key handle.
type KeyResolver interface {
	Resolve(ctx context.Context, programCode string) (keymap.Mapping, error)
}

// SourceStore downloads and deletes source blobs.
type SourceStore interface {
	DownloadDecrypted(ctx context.Context, container, blobName string, timeout time.Duration) (io.ReadCloser, error)
	Delete(ctx context.Context, container, blobName string, timeout time.Duration) (bool, error)
}

// SourceFactory builds a source-store client from the per-request storage
// configuration. The config can change between requests, so clients are not
// cached across messages.
type SourceFactory func(cfg *callrec.StorageConfig) (SourceStore, error)

// Uploader writes verified bytes to the destination store.
type Uploader interface {
	UploadAndVerify(ctx context.Context, body io.Reader, countryCode, fileName, keyArn, clientCode, targetRegion string, callDate time.Time) (destination.Result, error)
}

// Auditor records terminal outcomes.
type Auditor interface {
	Finalize(ctx context.Context, req audit.Request, cause error) bool
}

// ProcessorConfig wires the pipeline's collaborators.
type ProcessorConfig struct {
	Connections ConnectionResolver
	Records     RecordStore
	Keys        KeyResolver
	Source      SourceFactory
	Uploader    Uploader
	Audit       Auditor
	// StatusProc selects the stored procedure recording the transfer status.
	StatusProc callrec.ProcSpec
	// DownloadTimeout bounds each source-store call.
	DownloadTimeout time.Duration
	Metrics         *Metrics
	Logger          pslog.Logger
}

// Processor drives one queue message through the transfer pipeline.
type Processor struct {
	conns        ConnectionResolver
	records      RecordStore
	keys         KeyResolver
	newSource    SourceFactory
	uploader     Uploader
	audit        Auditor
	statusProc   callrec.ProcSpec
	dlTimeout    time.Duration
	metrics      *Metrics
	logger       pslog.Logger
	newRequestID func() string
}

// NewProcessor validates the wiring and returns a Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Connections == nil {
		return nil, fmt.Errorf("recmover: connection resolver is required")
	}
	if cfg.Records == nil {
		return nil, fmt.Errorf("recmover: record store is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("recmover: key resolver is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("recmover: source factory is required")
	}
	if cfg.Uploader == nil {
		return nil, fmt.Errorf("recmover: uploader is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("recmover: audit trail is required")
	}
	if cfg.StatusProc.Name == "" {
		return nil, fmt.Errorf("recmover: status procedure is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	dlTimeout := cfg.DownloadTimeout
	if dlTimeout <= 0 {
		dlTimeout = DefaultDownloadTimeout
	}
	return &Processor{
		conns:        cfg.Connections,
		records:      cfg.Records,
		keys:         cfg.Keys,
		newSource:    cfg.Source,
		uploader:     cfg.Uploader,
		audit:        cfg.Audit,
		statusProc:   cfg.StatusProc,
		dlTimeout:    dlTimeout,
		metrics:      cfg.Metrics,
		logger:       logger.With("sys", "processor"),
		newRequestID: uuid.NewString,
	}, nil
}

// Handle processes one raw queue message body to a terminal outcome. A nil
// return means the message may be deleted from the queue: either the transfer
// finished (success or audited error) or the body was malformed and dropped.
// A non-nil return means the terminal status could not be recorded and the
// message should be redelivered.
func (p *Processor) Handle(ctx context.Context, body string) error {
	start := time.Now()
	p.logger.Debug("process.stage", "stage", stageReceived, "bytes", len(body))

	var req TransferRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		// Without a parsed CallDetailID/AudioFile no audit row is possible;
		// this is a data-quality condition, not a transfer failure.
		p.logger.Error("process.parse.drop", "error", faults.Wrap(faults.Parse, err))
		p.metrics.observeOutcome("dropped")
		return nil
	}
	if req.CallDetailID <= 0 || req.AudioFile == "" || req.CountryCode == "" {
		p.logger.Error("process.parse.drop", "error",
			faults.New(faults.Parse, "incomplete request: call_detail_id=%d audio_file=%q country=%q",
				req.CallDetailID, req.AudioFile, req.CountryCode))
		p.metrics.observeOutcome("dropped")
		return nil
	}
	if req.RequestID == "" {
		req.RequestID = p.newRequestID()
	}

	logger := p.logger.With("request_id", req.RequestID, "call_detail_id", req.CallDetailID, "audio_file", req.AudioFile, "country", req.CountryCode)
	logger.Info("process.stage", "stage", stageParsed)

	res, locator, stage, err := p.transfer(ctx, logger, req)
	if err != nil {
		return p.finalizeError(ctx, logger, req, locator, res, stage, err, start)
	}

	if ok := p.audit.Finalize(ctx, auditRequest(req), nil); !ok {
		logger.Error("process.finalize.failed", "status", audit.StatusSuccess)
		p.metrics.observeOutcome("finalize_failed")
		return fmt.Errorf("recmover: finalize success for request %s", req.RequestID)
	}
	p.metrics.observeOutcome("success")
	p.metrics.observeBytes(res.Size)
	logger.Info("process.done", "status", audit.StatusSuccess, "location", res.Location, "size", humanize.Bytes(uint64(res.Size)), "elapsed", time.Since(start))
	return nil
}

// transfer runs the happy path through source deletion. It returns the stage
// that failed alongside the error, plus whatever partial results were
// gathered for the status call and diagnostics.
func (p *Processor) transfer(ctx context.Context, logger pslog.Logger, req TransferRequest) (destination.Result, *callrec.RecordingLocator, string, error) {
	var res destination.Result

	readerConn, err := p.conns.Resolve(ctx, req.CountryCode, conncache.RoleReader)
	if err != nil {
		return res, nil, stageSecretsReady, err
	}
	logger.Info("process.stage", "stage", stageSecretsReady)

	locator, err := p.records.Find(ctx, readerConn, req.CallDetailID, req.AudioFile)
	if err != nil {
		return res, nil, stageLookedUp, err
	}
	if locator == nil {
		return res, nil, stageLookedUp, faults.New(faults.Lookup, "no call record for call_detail_id=%d audio_file=%q", req.CallDetailID, req.AudioFile)
	}
	if !locator.IsSourceCloudAudio {
		return res, locator, stageLookedUp, faults.New(faults.Lookup, "recording %q is not stored in the source cloud", locator.AudioFile)
	}
	logger.Info("process.stage", "stage", stageLookedUp, "program_code", locator.ProgramCode, "source_container", locator.AudioFileLocation)

	storageCfg, err := p.records.ActiveStorageConfig(ctx, readerConn, nil)
	if err != nil {
		return res, locator, stageStorageResolved, err
	}
	if storageCfg == nil {
		return res, locator, stageStorageResolved, faults.New(faults.Configuration, "no active source storage configuration")
	}
	if err := storageCfg.Validate(); err != nil {
		return res, locator, stageStorageResolved, faults.Wrap(faults.Configuration, err)
	}
	logger.Info("process.stage", "stage", stageStorageResolved)

	mapping, err := p.keys.Resolve(ctx, locator.ProgramCode)
	if err != nil {
		return res, locator, stageKeyResolved, err
	}
	logger.Info("process.stage", "stage", stageKeyResolved, "client_code", mapping.ClientCode, "target_region", mapping.TargetRegion)

	source, err := p.newSource(storageCfg)
	if err != nil {
		return res, locator, stageDownloaded, faults.Wrap(faults.Configuration, err)
	}
	stream, err := source.DownloadDecrypted(ctx, locator.AudioFileLocation, locator.AudioFile, p.dlTimeout)
	if err != nil {
		return res, locator, stageDownloaded, faults.Wrap(faults.Transfer, err)
	}
	defer stream.Close()
	logger.Info("process.stage", "stage", stageDownloaded)

	res, err = p.uploader.UploadAndVerify(ctx, stream, req.CountryCode, locator.AudioFile, mapping.KeyArn, mapping.ClientCode, mapping.TargetRegion, locator.CallDate)
	if err != nil {
		return res, locator, stageUploadedVerified, err
	}
	logger.Info("process.stage", "stage", stageUploadedVerified, "location", res.Location, "md5", res.DestMD5)

	statusConn, err := p.conns.Resolve(ctx, req.CountryCode, conncache.Role(p.statusProc.Role))
	if err != nil {
		return res, locator, stageLocationPersisted, err
	}
	payload := callrec.StatusPayload{
		CallDetailID:      req.CallDetailID,
		AudioFile:         locator.AudioFile,
		AudioFileLocation: res.Location,
		S3Md5:             res.DestMD5,
		S3SizeBytes:       res.Size,
		Status:            audit.StatusSuccess,
		RequestID:         req.RequestID,
	}
	if err := p.records.CallStatus(ctx, statusConn, p.statusProc, payload); err != nil {
		return res, locator, stageLocationPersisted, faults.Wrap(faults.Persistence, err)
	}
	logger.Info("process.stage", "stage", stageLocationPersisted)

	// Best effort: the destination copy is durable and the system of record
	// already points at it, so a failed source delete only leaves a stale
	// source object behind.
	if _, err := source.Delete(ctx, locator.AudioFileLocation, locator.AudioFile, p.dlTimeout); err != nil {
		logger.Warn("process.source_delete.error", "error", err)
	} else {
		logger.Info("process.stage", "stage", stageSourceDeleted)
	}
	return res, locator, stageSourceDeleted, nil
}

// finalizeError records the terminal ERROR outcome: a best-effort status call
// when enough context exists, then the audit finalize. Only a failed finalize
// leaves the message on the queue.
func (p *Processor) finalizeError(ctx context.Context, logger pslog.Logger, req TransferRequest, locator *callrec.RecordingLocator, res destination.Result, stage string, cause error, start time.Time) error {
	category, _ := faults.CategoryOf(cause)
	logger.Error("process.stage.failed", "stage", stage, "category", string(category), "error", cause)
	p.metrics.observeFailure(stage, string(category))

	p.reportErrorStatus(ctx, logger, req, locator, res, cause)

	if ok := p.audit.Finalize(ctx, auditRequest(req), cause); !ok {
		logger.Error("process.finalize.failed", "status", audit.StatusError)
		p.metrics.observeOutcome("finalize_failed")
		return fmt.Errorf("recmover: finalize error for request %s", req.RequestID)
	}
	p.metrics.observeOutcome("error")
	logger.Info("process.done", "status", audit.StatusError, "stage", stage, "elapsed", time.Since(start))
	return nil
}

// reportErrorStatus invokes the status procedure with the failure details.
// Failure here is logged only; the audit row remains the terminal record.
func (p *Processor) reportErrorStatus(ctx context.Context, logger pslog.Logger, req TransferRequest, locator *callrec.RecordingLocator, res destination.Result, cause error) {
	statusConn, err := p.conns.Resolve(ctx, req.CountryCode, conncache.Role(p.statusProc.Role))
	if err != nil {
		logger.Warn("process.status.skip", "error", err)
		return
	}
	payload := callrec.StatusPayload{
		CallDetailID:     req.CallDetailID,
		AudioFile:        req.AudioFile,
		S3Md5:            res.DestMD5,
		S3SizeBytes:      res.Size,
		Status:           audit.StatusError,
		ErrorDescription: faults.Describe(cause),
		RequestID:        req.RequestID,
	}
	if locator != nil {
		payload.AudioFile = locator.AudioFile
		payload.AudioFileLocation = locator.AudioFileLocation
	}
	if err := p.records.CallStatus(ctx, statusConn, p.statusProc, payload); err != nil {
		logger.Warn("process.status.error", "error", err)
	}
}

func auditRequest(req TransferRequest) audit.Request {
	return audit.Request{
		CallDetailID: req.CallDetailID,
		CountryCode:  req.CountryCode,
		AudioFile:    req.AudioFile,
		RequestID:    req.RequestID,
	}
}
