package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS download_jobs (
	id TEXT PRIMARY KEY,
	request_id TEXT NULL REFERENCES media_requests(id) ON DELETE SET NULL,
	media_type TEXT NOT NULL DEFAULT 'audiobook',
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	torrent_id TEXT NOT NULL DEFAULT '',
	client_hash TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	seed_configuration TEXT NOT NULL DEFAULT '',
	seed_seconds INTEGER NOT NULL DEFAULT 0,
	destination_path TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME NULL
);
`

const createJobsStatusIndex = `CREATE INDEX IF NOT EXISTS idx_download_jobs_status ON download_jobs(status)`

// columns added after the first schema revision
var jobColumns = []columnDef{
	{name: "dl_hash", ddl: "TEXT NOT NULL DEFAULT ''"},
	{name: "client_id", ddl: "TEXT NOT NULL DEFAULT ''"},
	{name: "attempts", ddl: "INTEGER NOT NULL DEFAULT 0"},
	{name: "version", ddl: "INTEGER NOT NULL DEFAULT 0"},
	{name: "lease_owner", ddl: "TEXT NOT NULL DEFAULT ''"},
	{name: "lease_expires", ddl: "INTEGER NOT NULL DEFAULT 0"},
}

const jobSelect = `
SELECT id, request_id, media_type, title, status, torrent_id, dl_hash, client_hash, client_id,
	provider, seed_configuration, seed_seconds, destination_path, message, attempts, version,
	created_at, updated_at, completed_at
FROM download_jobs`

// JobRepository reads and writes download jobs.
type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Init creates the table and adds missing columns.
func (r *JobRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createJobsTable); err != nil {
		return fmt.Errorf("create download_jobs table: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, createJobsStatusIndex); err != nil {
		return fmt.Errorf("create download_jobs index: %w", err)
	}
	return ensureColumns(ctx, r.db, "download_jobs", jobColumns)
}

// Create inserts a new job, assigning timestamps.
func (r *JobRepository) Create(ctx context.Context, job *Job) error {
	if !job.Status.Valid() {
		return fmt.Errorf("create job %s: unknown status %q", job.ID, job.Status)
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO download_jobs (id, request_id, media_type, title, status, torrent_id, dl_hash, client_hash, client_id,
	provider, seed_configuration, seed_seconds, destination_path, message, attempts, version, created_at, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		nullString(job.RequestID),
		string(job.MediaType),
		job.Title,
		string(job.Status),
		job.TorrentID,
		job.DLHash,
		job.ClientHash,
		job.ClientID,
		job.Provider,
		job.SeedConfiguration,
		job.SeedSeconds,
		job.DestinationPath,
		job.Message,
		job.Attempts,
		job.Version,
		job.CreatedAt,
		job.UpdatedAt,
		nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Save writes every mutable column of the job. The write only applies when
// the stored version still matches job.Version; otherwise ErrConflict is
// returned and the caller should reload.
func (r *JobRepository) Save(ctx context.Context, job *Job) error {
	updatedAt := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE download_jobs
SET request_id=?, media_type=?, title=?, status=?, torrent_id=?, dl_hash=?, client_hash=?, client_id=?,
	provider=?, seed_configuration=?, seed_seconds=?, destination_path=?, message=?, attempts=?,
	updated_at=?, completed_at=?, version=version+1
WHERE id=? AND version=?`,
		nullString(job.RequestID),
		string(job.MediaType),
		job.Title,
		string(job.Status),
		job.TorrentID,
		job.DLHash,
		job.ClientHash,
		job.ClientID,
		job.Provider,
		job.SeedConfiguration,
		job.SeedSeconds,
		job.DestinationPath,
		job.Message,
		job.Attempts,
		updatedAt,
		nullTime(job.CompletedAt),
		job.ID,
		job.Version,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, job.ID); err != nil {
			return fmt.Errorf("update job %s: %w", job.ID, err)
		}
		return fmt.Errorf("update job %s at version %d: %w", job.ID, job.Version, ErrConflict)
	}
	job.Version++
	job.UpdatedAt = updatedAt
	return nil
}

// Claim takes the finalization lease on a job for owner until expires. A
// lease held by another owner blocks the claim until it expires.
func (r *JobRepository) Claim(ctx context.Context, id, owner string, now, expires time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE download_jobs SET lease_owner=?, lease_expires=?
WHERE id=? AND (lease_owner='' OR lease_owner=? OR lease_expires<?)`,
		owner, expires.UnixMilli(), id, owner, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return n == 1, nil
}

// Release drops the lease if owner still holds it.
func (r *JobRepository) Release(ctx context.Context, id, owner string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE download_jobs SET lease_owner='', lease_expires=0 WHERE id=? AND lease_owner=?`, id, owner)
	if err != nil {
		return fmt.Errorf("release job %s: %w", id, err)
	}
	return nil
}

// Get loads one job.
func (r *JobRepository) Get(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, jobSelect+` WHERE id=?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return job, nil
}

// Delete removes a job. Deleting a missing job is not an error.
func (r *JobRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM download_jobs WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// List returns the newest jobs first. A non-positive limit returns all.
func (r *JobRepository) List(ctx context.Context, limit int) ([]*Job, error) {
	query := jobSelect + ` ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.query(ctx, query, args...)
}

// ListByStatuses returns jobs in any of the statuses, oldest first.
func (r *JobRepository) ListByStatuses(ctx context.Context, statuses ...Status) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders, args := statusArgs(statuses)
	query := jobSelect + ` WHERE status IN (` + placeholders + `) ORDER BY created_at ASC`
	return r.query(ctx, query, args...)
}

// ListOrphaned returns processing or seeding jobs that own a torrent but were never finalized.
func (r *JobRepository) ListOrphaned(ctx context.Context) ([]*Job, error) {
	return r.query(ctx, jobSelect+`
WHERE status IN (?, ?) AND client_hash != '' AND destination_path = ''
ORDER BY updated_at ASC`, string(StatusProcessing), string(StatusSeeding))
}

// HasActive reports whether a request already has a live job for the given tracker torrent.
func (r *JobRepository) HasActive(ctx context.Context, requestID, torrentID string) (bool, error) {
	placeholders, args := statusArgs(ActiveStatuses)
	args = append([]any{requestID, torrentID}, args...)
	var count int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM download_jobs
WHERE request_id=? AND torrent_id=? AND status IN (`+placeholders+`)`, args...).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count active jobs: %w", err)
	}
	return count > 0, nil
}

func (r *JobRepository) query(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func statusArgs(statuses []Status) (string, []any) {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ","), args
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job         Job
		requestID   sql.NullString
		mediaType   string
		status      string
		completedAt sql.NullTime
	)
	err := scanner.Scan(
		&job.ID,
		&requestID,
		&mediaType,
		&job.Title,
		&status,
		&job.TorrentID,
		&job.DLHash,
		&job.ClientHash,
		&job.ClientID,
		&job.Provider,
		&job.SeedConfiguration,
		&job.SeedSeconds,
		&job.DestinationPath,
		&job.Message,
		&job.Attempts,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.RequestID = requestID.String
	job.MediaType = ParseMediaType(mediaType)
	job.Status = Status(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.CompletedAt = timePtr(completedAt)
	return &job, nil
}
