// Package audit implements the move-and-finalize protocol: within one
// database transaction the in-progress move row is copied verbatim into the
// audit table, deleted from the primary table, and a terminal status row is
// written. Any failure rolls the whole transaction back so a request is never
// silently lost and no partial audit rows are committed.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"pkt.systems/pslog"

	"github.com/arcvox/recmover/internal/conncache"
	"github.com/arcvox/recmover/internal/dbpool"
	"github.com/arcvox/recmover/internal/faults"
)

// Terminal status values recorded on the final audit row.
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

const (
	selectMoveQuery = `SELECT Status, ErrorDescription, RequestID, CreatedBy, CreatedDate
FROM dbo.CallRecordingMove
WHERE CallDetailID = @p1 AND AudioFile = @p2`

	copyMoveStmt = `INSERT INTO dbo.CallRecordingMoveAudit
(CallDetailID, AudioFile, Status, ErrorDescription, RequestID, CreatedBy, CreatedDate, ArchivedBy, ArchivedDate)
VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9)`

	deleteMoveStmt = `DELETE FROM dbo.CallRecordingMove WHERE CallDetailID = @p1 AND AudioFile = @p2`

	insertFinalStmt = `INSERT INTO dbo.CallRecordingMoveAudit
(CallDetailID, AudioFile, Status, ErrorDescription, RequestID, CreatedBy, CreatedDate)
VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7)`
)

// Request identifies the transfer being finalized.
type Request struct {
	CallDetailID int64
	CountryCode  string
	AudioFile    string
	RequestID    string
}

// ConnectionResolver yields the writer connection string for a country.
type ConnectionResolver interface {
	Resolve(ctx context.Context, country string, role conncache.Role) (string, error)
}

// Config controls the audit trail.
type Config struct {
	Pools    *dbpool.Pool
	Resolver ConnectionResolver
	// CreatedBy stamps the terminal audit row and the archive copy.
	CreatedBy string
	// Timeout bounds the finalize transaction; zero leaves only the
	// connection/command timeout in effect.
	Timeout time.Duration
	Logger  pslog.Logger
}

// Trail records terminal transfer outcomes.
type Trail struct {
	pools     *dbpool.Pool
	resolver  ConnectionResolver
	createdBy string
	timeout   time.Duration
	logger    pslog.Logger
	now       func() time.Time
}

// New constructs a Trail.
func New(cfg Config) (*Trail, error) {
	if cfg.Pools == nil {
		return nil, faults.New(faults.Configuration, "audit: connection pool is required")
	}
	if cfg.Resolver == nil {
		return nil, faults.New(faults.Configuration, "audit: connection resolver is required")
	}
	createdBy := cfg.CreatedBy
	if createdBy == "" {
		createdBy = "recmover"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Trail{
		pools:     cfg.Pools,
		resolver:  cfg.Resolver,
		createdBy: createdBy,
		timeout:   cfg.Timeout,
		logger:    logger.With("sys", "audit"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Finalize records the terminal status for req. cause==nil means SUCCESS;
// otherwise the row carries ERROR plus the error description. Returns true
// only when the transaction committed. Failures here are logged and reported
// via the return value; they are never re-audited.
func (t *Trail) Finalize(ctx context.Context, req Request, cause error) bool {
	logger := t.logger.With("call_detail_id", req.CallDetailID, "audio_file", req.AudioFile, "request_id", req.RequestID)
	conn, err := t.resolver.Resolve(ctx, req.CountryCode, conncache.RoleWriter)
	if err != nil {
		logger.Error("audit.finalize.resolve_error", "country", req.CountryCode, "error", err)
		return false
	}
	db, err := t.pools.Get(conn)
	if err != nil {
		logger.Error("audit.finalize.pool_error", "error", err)
		return false
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	start := time.Now()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		logger.Error("audit.finalize.begin_error", "error", err)
		return false
	}
	if err := t.finalizeTx(ctx, tx, req, cause, logger); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Error("audit.finalize.rollback_error", "error", rbErr)
		}
		logger.Error("audit.finalize.tx_error", "error", err)
		return false
	}
	if err := tx.Commit(); err != nil {
		logger.Error("audit.finalize.commit_error", "error", err)
		return false
	}
	status := StatusSuccess
	if cause != nil {
		status = StatusError
	}
	logger.Info("audit.finalize.success", "status", status, "elapsed", time.Since(start))
	return true
}

func (t *Trail) finalizeTx(ctx context.Context, tx *sql.Tx, req Request, cause error, logger pslog.Logger) error {
	now := t.now()

	var (
		status    string
		errDesc   sql.NullString
		requestID sql.NullString
		createdBy sql.NullString
		createdAt sql.NullTime
	)
	err := tx.QueryRowContext(ctx, selectMoveQuery, req.CallDetailID, req.AudioFile).
		Scan(&status, &errDesc, &requestID, &createdBy, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// A prior attempt already archived the in-progress row; only the
		// terminal row remains to write.
		logger.Debug("audit.finalize.move_row_absent")
	case err != nil:
		return err
	default:
		if _, err := tx.ExecContext(ctx, copyMoveStmt,
			req.CallDetailID, req.AudioFile,
			status, errDesc, requestID, createdBy, createdAt,
			t.createdBy, now,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, deleteMoveStmt, req.CallDetailID, req.AudioFile); err != nil {
			return err
		}
	}

	final := StatusSuccess
	description := sql.NullString{}
	if cause != nil {
		final = StatusError
		description = sql.NullString{String: faults.Describe(cause), Valid: true}
	}
	_, err = tx.ExecContext(ctx, insertFinalStmt,
		req.CallDetailID, req.AudioFile, final, description, req.RequestID, t.createdBy, now,
	)
	return err
}
