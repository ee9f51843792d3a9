// Package postgres provides the Postgres-backed job store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool used by the store; pgxmock satisfies it in tests.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// JobStore implements job.Store on Postgres.
type JobStore struct {
	pool pool
}

// NewJobStore connects a pool using cfg.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: p}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool) (*JobStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &JobStore{pool: p}, nil
}

// Ping checks that the database is reachable.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const jobColumns = `id, name, description, type, created_by, status, config, progress, stats, error,
	folder_name, file_format, upload, created_at, updated_at, started_at, completed_at,
	archived_at, archive_path, deleted_at, deletion_reason`

const selectJobs = `SELECT ` + jobColumns + ` FROM jobs`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, j job.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create job %s: %w", j.ID, job.ErrAlreadyExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, id string) (job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, selectJobs+` WHERE id = $1`, id))
	if err != nil {
		return job.Job{}, err
	}
	return j, nil
}

// ListJobs returns a page of jobs newest first and the unpaginated total.
func (s *JobStore) ListJobs(ctx context.Context, f job.ListFilter) ([]job.Job, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.CreatedBy != "" {
		args = append(args, f.CreatedBy)
		conds = append(conds, fmt.Sprintf("created_by = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := selectJobs + where + ` ORDER BY folder_name DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	jobs, err := s.queryJobs(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// UpdateJob locks the row, applies mutate and writes the result in one transaction.
func (s *JobStore) UpdateJob(ctx context.Context, id string, mutate func(*job.Job) error) (job.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return job.Job{}, fmt.Errorf("begin update: %w", err)
	}
	current, err := scanJob(tx.QueryRow(ctx, selectJobs+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		rollback(ctx, tx)
		return job.Job{}, err
	}
	next := current.Clone()
	if err := mutate(&next); err != nil {
		rollback(ctx, tx)
		return current, err
	}
	next.ID = current.ID
	next.FolderName = current.FolderName

	args, err := jobArgs(next)
	if err != nil {
		rollback(ctx, tx)
		return current, err
	}
	_, err = tx.Exec(ctx, `UPDATE jobs SET
		name = $2, description = $3, type = $4, created_by = $5, status = $6, config = $7,
		progress = $8, stats = $9, error = $10, folder_name = $11, file_format = $12, upload = $13,
		created_at = $14, updated_at = $15, started_at = $16, completed_at = $17,
		archived_at = $18, archive_path = $19, deleted_at = $20, deletion_reason = $21
		WHERE id = $1`, args...)
	if err != nil {
		rollback(ctx, tx)
		return current, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return current, fmt.Errorf("commit update: %w", err)
	}
	return next, nil
}

// DeleteJob removes the job; logs and results cascade through foreign keys.
func (s *JobStore) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrNotFound
	}
	return nil
}

// AppendLog inserts a log entry.
func (s *JobStore) AppendLog(ctx context.Context, entry job.LogEntry) error {
	var meta []byte
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal log metadata: %w", err)
		}
		meta = raw
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_logs (job_id, ts, level, message, metadata) VALUES ($1, $2, $3, $4, $5)`,
		entry.JobID, entry.Timestamp, string(entry.Level), entry.Message, meta)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return job.ErrNotFound
		}
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// ListLogs returns a page of log entries ordered by timestamp.
func (s *JobStore) ListLogs(ctx context.Context, jobID string, f job.LogFilter) ([]job.LogEntry, int, error) {
	args := []any{jobID}
	where := ` WHERE job_id = $1`
	if f.Level != "" {
		args = append(args, string(f.Level))
		where += ` AND level = $2`
	}
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}
	query := `SELECT id, job_id, ts, level, message, metadata FROM job_logs` + where + ` ORDER BY ts, id`
	query, args = withPage(query, args, f.Limit, f.Offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []job.LogEntry
	for rows.Next() {
		var (
			e     job.LogEntry
			level string
			meta  []byte
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Timestamp, &level, &e.Message, &meta); err != nil {
			return nil, 0, fmt.Errorf("scan log: %w", err)
		}
		e.Level = job.LogLevel(level)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, 0, fmt.Errorf("decode log metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate logs: %w", err)
	}
	return out, total, nil
}

// AppendResults assigns sequence numbers under the job's row lock and inserts the items.
func (s *JobStore) AppendResults(ctx context.Context, jobID string, items []job.ResultItem) ([]job.ResultItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append results: %w", err)
	}
	var locked string
	if err := tx.QueryRow(ctx, `SELECT id FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&locked); err != nil {
		rollback(ctx, tx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("lock job: %w", err)
	}
	var next int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM job_results WHERE job_id = $1`, jobID).Scan(&next); err != nil {
		rollback(ctx, tx)
		return nil, fmt.Errorf("read result sequence: %w", err)
	}
	out := make([]job.ResultItem, 0, len(items))
	for _, item := range items {
		next++
		item.JobID = jobID
		item.Sequence = next
		if item.CreatedAt.IsZero() {
			item.CreatedAt = time.Now().UTC()
		}
		payload := item.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO job_results (job_id, sequence, source_url, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
			jobID, item.Sequence, item.SourceURL, []byte(payload), item.CreatedAt); err != nil {
			rollback(ctx, tx)
			return nil, fmt.Errorf("insert result: %w", err)
		}
		out = append(out, item)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit results: %w", err)
	}
	return out, nil
}

// ListResults returns a page of results in sequence order.
func (s *JobStore) ListResults(ctx context.Context, jobID string, limit, offset int) ([]job.ResultItem, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_results WHERE job_id = $1`, jobID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count results: %w", err)
	}
	query, args := withPage(
		`SELECT job_id, sequence, source_url, payload, created_at FROM job_results WHERE job_id = $1 ORDER BY sequence`,
		[]any{jobID}, limit, offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []job.ResultItem
	for rows.Next() {
		var (
			item    job.ResultItem
			payload []byte
		)
		if err := rows.Scan(&item.JobID, &item.Sequence, &item.SourceURL, &payload, &item.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan result: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate results: %w", err)
	}
	return out, total, nil
}

// ArchiveCandidates returns completed, unarchived jobs finished before the cutoff.
func (s *JobStore) ArchiveCandidates(ctx context.Context, completedBefore time.Time) ([]job.Job, error) {
	return s.queryJobs(ctx, selectJobs+` WHERE status = $1 AND archived_at IS NULL
		AND completed_at IS NOT NULL AND completed_at < $2 ORDER BY folder_name`,
		string(job.StatusCompleted), completedBefore)
}

// DeleteCandidates returns archived, undeleted jobs archived before the cutoff.
func (s *JobStore) DeleteCandidates(ctx context.Context, archivedBefore time.Time) ([]job.Job, error) {
	return s.queryJobs(ctx, selectJobs+` WHERE archived_at IS NOT NULL AND archived_at < $1
		AND deleted_at IS NULL ORDER BY folder_name`, archivedBefore)
}

// RecordAudit inserts a deletion audit row.
func (s *JobStore) RecordAudit(ctx context.Context, rec job.AuditRecord) error {
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return fmt.Errorf("marshal audit stats: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO job_audit
		(job_id, name, folder_name, strategy, reason, created_by, stats, created_at, completed_at, archived_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.JobID, rec.Name, rec.FolderName, rec.Strategy, rec.Reason, rec.CreatedBy, stats,
		rec.CreatedAt, rec.CompletedAt, rec.ArchivedAt, rec.DeletedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// Aggregate computes the statistics summary with two grouped queries.
func (s *JobStore) Aggregate(ctx context.Context, f job.AggregateFilter) (job.Aggregate, error) {
	agg := job.Aggregate{ByStatus: make(map[job.Status]int)}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*),
		COALESCE(SUM((progress->>'pagesScraped')::bigint), 0),
		COALESCE(SUM((stats->>'bytesDownloaded')::bigint), 0)
		FROM jobs WHERE ($1 = '' OR created_by = $1) GROUP BY status`, f.CreatedBy)
	if err != nil {
		return agg, fmt.Errorf("aggregate jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status      string
			count       int
			pages, byts int64
		)
		if err := rows.Scan(&status, &count, &pages, &byts); err != nil {
			return agg, fmt.Errorf("scan aggregate: %w", err)
		}
		agg.ByStatus[job.Status(status)] = count
		agg.TotalJobs += count
		agg.TotalPagesScraped += pages
		agg.TotalBytesDownloaded += byts
	}
	if err := rows.Err(); err != nil {
		return agg, fmt.Errorf("iterate aggregate: %w", err)
	}

	var avgSeconds float64
	err = s.pool.QueryRow(ctx, `SELECT
		COALESCE(AVG(EXTRACT(EPOCH FROM completed_at - started_at))
			FILTER (WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL), 0)::float8,
		COUNT(*) FILTER (WHERE status = 'completed' AND completed_at >= $2),
		COALESCE(SUM((progress->>'pagesScraped')::bigint) FILTER (WHERE completed_at >= $2), 0)
		FROM jobs WHERE ($1 = '' OR created_by = $1)`, f.CreatedBy, f.Since).
		Scan(&avgSeconds, &agg.Recent.JobsCompleted, &agg.Recent.PagesScraped)
	if err != nil {
		return agg, fmt.Errorf("aggregate window: %w", err)
	}
	agg.AverageDuration = time.Duration(avgSeconds * float64(time.Second))
	return agg, nil
}

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]job.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (job.Job, error) {
	var (
		j                                            job.Job
		status, fileFormat                           string
		cfgRaw, progressRaw, statsRaw, errRaw, upRaw []byte
		started, completed, archived, deleted        sql.NullTime
		archivePath, deletionReason                  sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.Name, &j.Description, &j.Type, &j.CreatedBy, &status,
		&cfgRaw, &progressRaw, &statsRaw, &errRaw,
		&j.FolderName, &fileFormat, &upRaw, &j.CreatedAt, &j.UpdatedAt, &started, &completed,
		&archived, &archivePath, &deleted, &deletionReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, fmt.Errorf("scan job: %w", err)
	}
	j.Status = job.Status(status)
	j.FileFormat = job.FileFormat(fileFormat)
	if err := decodeJSON(cfgRaw, &j.Config); err != nil {
		return job.Job{}, fmt.Errorf("decode config: %w", err)
	}
	if err := decodeJSON(progressRaw, &j.Progress); err != nil {
		return job.Job{}, fmt.Errorf("decode progress: %w", err)
	}
	if err := decodeJSON(statsRaw, &j.Stats); err != nil {
		return job.Job{}, fmt.Errorf("decode stats: %w", err)
	}
	if len(errRaw) > 0 && string(errRaw) != "null" {
		j.Error = &job.ErrorInfo{}
		if err := json.Unmarshal(errRaw, j.Error); err != nil {
			return job.Job{}, fmt.Errorf("decode error: %w", err)
		}
	}
	if len(upRaw) > 0 && string(upRaw) != "null" {
		j.Upload = &job.UploadResult{}
		if err := json.Unmarshal(upRaw, j.Upload); err != nil {
			return job.Job{}, fmt.Errorf("decode upload: %w", err)
		}
	}
	j.StartedAt = nullTime(started)
	j.CompletedAt = nullTime(completed)
	j.ArchivedAt = nullTime(archived)
	j.DeletedAt = nullTime(deleted)
	j.ArchivePath = archivePath.String
	j.DeletionReason = deletionReason.String
	return j, nil
}

func jobArgs(j job.Job) ([]any, error) {
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	progress, err := json.Marshal(j.Progress)
	if err != nil {
		return nil, fmt.Errorf("marshal progress: %w", err)
	}
	stats, err := json.Marshal(j.Stats)
	if err != nil {
		return nil, fmt.Errorf("marshal stats: %w", err)
	}
	var errInfo, upload []byte
	if j.Error != nil {
		if errInfo, err = json.Marshal(j.Error); err != nil {
			return nil, fmt.Errorf("marshal error: %w", err)
		}
	}
	if j.Upload != nil {
		if upload, err = json.Marshal(j.Upload); err != nil {
			return nil, fmt.Errorf("marshal upload: %w", err)
		}
	}
	return []any{
		j.ID, j.Name, j.Description, j.Type, j.CreatedBy, string(j.Status),
		cfg, progress, stats, errInfo,
		j.FolderName, string(j.FileFormat), upload, j.CreatedAt, j.UpdatedAt, j.StartedAt, j.CompletedAt,
		j.ArchivedAt, nullString(j.ArchivePath), j.DeletedAt, nullString(j.DeletionReason),
	}, nil
}

func withPage(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rollback(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
