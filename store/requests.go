package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const createRequestsTable = `
CREATE TABLE IF NOT EXISTS media_requests (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	authors TEXT NOT NULL DEFAULT '[]',
	narrators TEXT NOT NULL DEFAULT '[]',
	asin TEXT NOT NULL DEFAULT '',
	cover_url TEXT NOT NULL DEFAULT '',
	publish_date TEXT NOT NULL DEFAULT '',
	series TEXT NOT NULL DEFAULT '',
	series_position TEXT NOT NULL DEFAULT '',
	media_type TEXT NOT NULL DEFAULT 'audiobook',
	unavailable INTEGER NOT NULL DEFAULT 0,
	last_checked DATETIME NULL,
	downloaded INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
`

const requestSelect = `
SELECT id, title, authors, narrators, asin, cover_url, publish_date, series, series_position,
	media_type, unavailable, last_checked, downloaded, created_at
FROM media_requests`

// RequestRepository reads and writes media requests.
type RequestRepository struct {
	db *sql.DB
}

func NewRequestRepository(db *sql.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

func (r *RequestRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createRequestsTable); err != nil {
		return fmt.Errorf("create media_requests table: %w", err)
	}
	return nil
}

func (r *RequestRepository) Create(ctx context.Context, req *MediaRequest) error {
	req.CreatedAt = time.Now().UTC()
	authors, narrators, err := encodePeople(req)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO media_requests (id, title, authors, narrators, asin, cover_url, publish_date, series, series_position,
	media_type, unavailable, last_checked, downloaded, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID,
		req.Title,
		authors,
		narrators,
		req.ASIN,
		req.CoverURL,
		req.PublishDate,
		req.Series,
		req.SeriesPosition,
		string(req.MediaType),
		req.Unavailable,
		nullTime(req.LastChecked),
		req.Downloaded,
		req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// Save writes the request back.
func (r *RequestRepository) Save(ctx context.Context, req *MediaRequest) error {
	authors, narrators, err := encodePeople(req)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE media_requests
SET title=?, authors=?, narrators=?, asin=?, cover_url=?, publish_date=?, series=?, series_position=?,
	media_type=?, unavailable=?, last_checked=?, downloaded=?
WHERE id=?`,
		req.Title,
		authors,
		narrators,
		req.ASIN,
		req.CoverURL,
		req.PublishDate,
		req.Series,
		req.SeriesPosition,
		string(req.MediaType),
		req.Unavailable,
		nullTime(req.LastChecked),
		req.Downloaded,
		req.ID,
	)
	if err != nil {
		return fmt.Errorf("update request %s: %w", req.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update request %s: %w", req.ID, ErrNotFound)
	}
	return nil
}

func (r *RequestRepository) Get(ctx context.Context, id string) (*MediaRequest, error) {
	row := r.db.QueryRowContext(ctx, requestSelect+` WHERE id=?`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return req, nil
}

// ListUnavailableDue returns unavailable, not-downloaded requests never checked
// or last checked before the cutoff. Never-checked requests come first.
func (r *RequestRepository) ListUnavailableDue(ctx context.Context, cutoff time.Time, limit int) ([]*MediaRequest, error) {
	rows, err := r.db.QueryContext(ctx, requestSelect+`
WHERE unavailable = 1 AND downloaded = 0 AND (last_checked IS NULL OR last_checked < ?)
ORDER BY last_checked IS NOT NULL, last_checked ASC, created_at ASC
LIMIT ?`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due requests: %w", err)
	}
	defer rows.Close()

	var out []*MediaRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

func encodePeople(req *MediaRequest) (string, string, error) {
	authors, err := json.Marshal(nonNil(req.Authors))
	if err != nil {
		return "", "", fmt.Errorf("encode authors: %w", err)
	}
	narrators, err := json.Marshal(nonNil(req.Narrators))
	if err != nil {
		return "", "", fmt.Errorf("encode narrators: %w", err)
	}
	return string(authors), string(narrators), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanRequest(scanner interface{ Scan(dest ...any) error }) (*MediaRequest, error) {
	var (
		req         MediaRequest
		authors     string
		narrators   string
		mediaType   string
		lastChecked sql.NullTime
	)
	err := scanner.Scan(
		&req.ID,
		&req.Title,
		&authors,
		&narrators,
		&req.ASIN,
		&req.CoverURL,
		&req.PublishDate,
		&req.Series,
		&req.SeriesPosition,
		&mediaType,
		&req.Unavailable,
		&lastChecked,
		&req.Downloaded,
		&req.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan request: %w", err)
	}
	if err := json.Unmarshal([]byte(authors), &req.Authors); err != nil {
		return nil, fmt.Errorf("decode authors for %s: %w", req.ID, err)
	}
	if err := json.Unmarshal([]byte(narrators), &req.Narrators); err != nil {
		return nil, fmt.Errorf("decode narrators for %s: %w", req.ID, err)
	}
	req.MediaType = ParseMediaType(mediaType)
	req.LastChecked = timePtr(lastChecked)
	req.CreatedAt = req.CreatedAt.UTC()
	return &req, nil
}
