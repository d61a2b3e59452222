// Package callrec reads and updates call-recording rows in the per-country
// relational store: the joined transfer locator, the active source-store
// configuration document, and the post-transfer status stored procedure.
package callrec

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/arcvox/recmover/internal/dbpool"
	"github.com/arcvox/recmover/internal/faults"
)

// storageTypeSourceCloud selects source-store rows in the config table.
const storageTypeSourceCloud = "source-cloud"

const findQuery = `SELECT TOP 1 cd.CallDetailID, cd.ProgramCode, r.AudioFile, r.AudioFileLocation, r.IsSourceCloudAudio, cd.CallDate
FROM dbo.CallDetail cd
INNER JOIN dbo.CallDetailRecording r ON r.CallDetailID = cd.CallDetailID
WHERE cd.CallDetailID = @p1 AND (@p2 = '' OR LOWER(r.AudioFile) = LOWER(@p2))
ORDER BY r.AudioFile ASC`

const activeStorageQuery = `SELECT TOP 1 TableStorageID, SettingsDocument
FROM dbo.TableStorage
WHERE IsDefault = 1 AND IsActive = 1 AND StorageType = @p1
ORDER BY UpdatedDate DESC`

const activeStorageByCountryQuery = `SELECT TOP 1 TableStorageID, SettingsDocument
FROM dbo.TableStorage
WHERE IsDefault = 1 AND IsActive = 1 AND StorageType = @p1 AND CountryID = @p2
ORDER BY UpdatedDate DESC`

// Store runs the call-record queries over pooled per-country connections.
type Store struct {
	pools   *dbpool.Pool
	timeout time.Duration
	logger  pslog.Logger
}

// New constructs a Store. timeout bounds each command; zero disables the bound.
func New(pools *dbpool.Pool, timeout time.Duration, logger pslog.Logger) *Store {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{pools: pools, timeout: timeout, logger: logger.With("sys", "callrec")}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Find returns the joined locator for (callDetailID, audioFile), or nil with
// no error when nothing matches. Duplicate recordings are resolved by the
// ascending audio-file-name tie-break.
func (s *Store) Find(ctx context.Context, conn string, callDetailID int64, audioFile string) (*RecordingLocator, error) {
	db, err := s.pools.Get(conn)
	if err != nil {
		return nil, faults.Wrap(faults.Configuration, err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	row := db.QueryRowContext(ctx, findQuery, callDetailID, audioFile)
	var loc RecordingLocator
	var callDate sql.NullTime
	err = row.Scan(&loc.CallDetailID, &loc.ProgramCode, &loc.AudioFile, &loc.AudioFileLocation, &loc.IsSourceCloudAudio, &callDate)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("callrec.find.no_rows", "call_detail_id", callDetailID, "audio_file", audioFile, "elapsed", time.Since(start))
		return nil, nil
	}
	if err != nil {
		s.logger.Error("callrec.find.query_error", "call_detail_id", callDetailID, "audio_file", audioFile, "error", err)
		return nil, faults.Wrap(faults.Persistence, fmt.Errorf("callrec: find %d: %w", callDetailID, err))
	}
	if callDate.Valid {
		loc.CallDate = callDate.Time
	}
	s.logger.Debug("callrec.find.success",
		"call_detail_id", loc.CallDetailID,
		"program_code", loc.ProgramCode,
		"audio_file", loc.AudioFile,
		"location", loc.AudioFileLocation,
		"source_cloud", loc.IsSourceCloudAudio,
		"elapsed", time.Since(start),
	)
	return &loc, nil
}

// ActiveStorageRow selects the single active, default, source-type storage
// configuration row, most recently updated first, optionally scoped by
// country. Returns nil with no error when no row qualifies.
func (s *Store) ActiveStorageRow(ctx context.Context, conn string, countryID *int64) (*StorageRow, error) {
	db, err := s.pools.Get(conn)
	if err != nil {
		return nil, faults.Wrap(faults.Configuration, err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var row *sql.Row
	if countryID != nil {
		row = db.QueryRowContext(ctx, activeStorageByCountryQuery, storageTypeSourceCloud, *countryID)
	} else {
		row = db.QueryRowContext(ctx, activeStorageQuery, storageTypeSourceCloud)
	}
	var out StorageRow
	err = row.Scan(&out.ID, &out.Document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Wrap(faults.Persistence, fmt.Errorf("callrec: active storage row: %w", err))
	}
	return &out, nil
}

// ParseStorageConfig deserializes the row's credential document. Field names
// match case-insensitively; malformed JSON is returned as an error value.
func ParseStorageConfig(row *StorageRow) (*StorageConfig, error) {
	if row == nil {
		return nil, faults.New(faults.Configuration, "callrec: no active storage configuration row")
	}
	var cfg StorageConfig
	if err := json.Unmarshal([]byte(row.Document), &cfg); err != nil {
		return nil, faults.Wrap(faults.Configuration, fmt.Errorf("callrec: parse storage config row %d: %w", row.ID, err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, faults.Wrap(faults.Configuration, err)
	}
	return &cfg, nil
}

// ActiveStorageConfig combines ActiveStorageRow and ParseStorageConfig.
func (s *Store) ActiveStorageConfig(ctx context.Context, conn string, countryID *int64) (*StorageConfig, error) {
	row, err := s.ActiveStorageRow(ctx, conn, countryID)
	if err != nil {
		return nil, err
	}
	return ParseStorageConfig(row)
}

// CallStatus invokes the status stored procedure with the serialized payload.
func (s *Store) CallStatus(ctx context.Context, conn string, proc ProcSpec, payload StatusPayload) error {
	db, err := s.pools.Get(conn)
	if err != nil {
		return faults.Wrap(faults.Configuration, err)
	}
	doc, err := json.Marshal(payload)
	if err != nil {
		return faults.Wrap(faults.Persistence, fmt.Errorf("callrec: marshal status payload: %w", err))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	stmt := fmt.Sprintf("EXEC %s @Payload = @p1", proc.Name)
	if _, err := db.ExecContext(ctx, stmt, string(doc)); err != nil {
		s.logger.Error("callrec.status.exec_error", "procedure", proc.Name, "call_detail_id", payload.CallDetailID, "error", err)
		return faults.Wrap(faults.Persistence, fmt.Errorf("callrec: exec %s: %w", proc.Name, err))
	}
	s.logger.Debug("callrec.status.success",
		"procedure", proc.Name,
		"call_detail_id", payload.CallDetailID,
		"status", payload.Status,
		"elapsed", time.Since(start),
	)
	return nil
}
