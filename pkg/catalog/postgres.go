// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
)

// PostgresStore is the production Store backed by Postgres via pgx's
// database/sql driver and sqlx for struct scanning.
type PostgresStore struct {
	db *sqlx.DB
}

// Open connects to dsn and configures the pool per the caller's limits.
// It pings once so startup fails fast on a bad DSN rather than on the
// first request.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}

	return &PostgresStore{db: sqlx.NewDb(db, "pgx")}, nil
}

// NewWithDB wraps an already-opened *sqlx.DB, used by tests to inject a
// sqlmock-backed connection.
func NewWithDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type entryRow struct {
	ID             int64          `db:"id"`
	Family         string         `db:"family"`
	ForecastCycle  sql.NullTime   `db:"forecast_cycle"`
	ValidTime      sql.NullTime   `db:"valid_time"`
	TauSeconds     sql.NullInt64  `db:"tau_seconds"`
	EnsembleMember sql.NullString `db:"ensemble_member"`
	StormName      sql.NullString `db:"storm_name"`
	Basin          sql.NullString `db:"basin"`
	Advisory       sql.NullString `db:"advisory"`
	StorageKey     string         `db:"storage_key"`
	PayloadMD5     string         `db:"payload_md5"`
	SizeBytes      int64          `db:"size_bytes"`
	IngestedAt     time.Time      `db:"ingested_at"`
	Accessed       time.Time      `db:"accessed"`
	PayloadMeta    []byte         `db:"payload_meta"`
}

func (r entryRow) toEntry() (Entry, error) {
	meta := map[string]string{}
	if len(r.PayloadMeta) > 0 {
		if err := json.Unmarshal(r.PayloadMeta, &meta); err != nil {
			return Entry{}, fmt.Errorf("catalog: decode payload_meta: %w", err)
		}
	}
	return Entry{
		ID: r.ID,
		Identity: Identity{
			Family:         Family(r.Family),
			ForecastCycle:  r.ForecastCycle.Time,
			ValidTime:      r.ValidTime.Time,
			Tau:            time.Duration(r.TauSeconds.Int64) * time.Second,
			EnsembleMember: r.EnsembleMember.String,
			StormName:      r.StormName.String,
			Basin:          r.Basin.String,
			Advisory:       r.Advisory.String,
		},
		StorageKey:  r.StorageKey,
		PayloadMD5:  r.PayloadMD5,
		SizeBytes:   r.SizeBytes,
		IngestedAt:  r.IngestedAt,
		Accessed:    r.Accessed,
		PayloadMeta: meta,
	}, nil
}

const upsertEntrySQL = `
INSERT INTO catalog_entries
	(family, forecast_cycle, valid_time, tau_seconds, ensemble_member,
	 storm_name, basin, advisory, storage_key, payload_md5, size_bytes, ingested_at, accessed, payload_meta)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (family, forecast_cycle, valid_time, tau_seconds, ensemble_member, storm_name, basin, advisory)
DO UPDATE SET
	storage_key = EXCLUDED.storage_key,
	payload_md5 = EXCLUDED.payload_md5,
	size_bytes = EXCLUDED.size_bytes,
	accessed = EXCLUDED.accessed,
	payload_meta = EXCLUDED.payload_meta
RETURNING id, family, forecast_cycle, valid_time, tau_seconds, ensemble_member,
	storm_name, basin, advisory, storage_key, payload_md5, size_bytes, ingested_at, accessed, payload_meta
`

func (s *PostgresStore) Upsert(ctx context.Context, entry Entry) (Entry, error) {
	metaJSON, err := json.Marshal(entry.PayloadMeta)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: encode payload_meta: %w", err)
	}
	if entry.Accessed.IsZero() {
		entry.Accessed = entry.IngestedAt
	}

	var row entryRow
	err = s.db.QueryRowxContext(ctx, upsertEntrySQL,
		string(entry.Identity.Family),
		nullTime(entry.Identity.ForecastCycle),
		nullTime(entry.Identity.ValidTime),
		int64(entry.Identity.Tau/time.Second),
		nullString(entry.Identity.EnsembleMember),
		nullString(entry.Identity.StormName),
		nullString(entry.Identity.Basin),
		nullString(entry.Identity.Advisory),
		entry.StorageKey,
		entry.PayloadMD5,
		entry.SizeBytes,
		entry.IngestedAt,
		entry.Accessed,
		metaJSON,
	).StructScan(&row)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: upsert: %w", err)
	}
	return row.toEntry()
}

const findExactSQL = `
SELECT id, family, forecast_cycle, valid_time, tau_seconds, ensemble_member,
	storm_name, basin, advisory, storage_key, payload_md5, size_bytes, ingested_at, accessed, payload_meta
FROM catalog_entries
WHERE family = $1 AND forecast_cycle IS NOT DISTINCT FROM $2 AND valid_time IS NOT DISTINCT FROM $3
	AND tau_seconds IS NOT DISTINCT FROM $4 AND ensemble_member IS NOT DISTINCT FROM $5
	AND storm_name IS NOT DISTINCT FROM $6 AND basin IS NOT DISTINCT FROM $7 AND advisory IS NOT DISTINCT FROM $8
`

func (s *PostgresStore) FindExact(ctx context.Context, id Identity) (Entry, error) {
	var row entryRow
	err := s.db.QueryRowxContext(ctx, findExactSQL,
		string(id.Family), nullTime(id.ForecastCycle), nullTime(id.ValidTime),
		int64(id.Tau/time.Second), nullString(id.EnsembleMember),
		nullString(id.StormName), nullString(id.Basin), nullString(id.Advisory),
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "catalog entry")
	}
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: find exact: %w", err)
	}
	return row.toEntry()
}

const findCoveringSQL = `
SELECT id, family, forecast_cycle, valid_time, tau_seconds, ensemble_member,
	storm_name, basin, advisory, storage_key, payload_md5, size_bytes, ingested_at, accessed, payload_meta
FROM catalog_entries
WHERE family = $1 AND valid_time BETWEEN $2 AND $3
ORDER BY forecast_cycle ASC, valid_time ASC, tau_seconds ASC
`

func (s *PostgresStore) FindCovering(ctx context.Context, family Family, start, end time.Time) ([]Entry, error) {
	rows, err := s.db.QueryxContext(ctx, findCoveringSQL, string(family), start, end)
	if err != nil {
		return nil, fmt.Errorf("catalog: find covering: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var row entryRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("catalog: scan covering row: %w", err)
		}
		entry, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

const listCyclesSQL = `
SELECT DISTINCT forecast_cycle
FROM catalog_entries
WHERE family = $1 AND forecast_cycle >= $2
ORDER BY forecast_cycle DESC
`

func (s *PostgresStore) ListCycles(ctx context.Context, family Family, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, listCyclesSQL, string(family), since)
	if err != nil {
		return nil, fmt.Errorf("catalog: list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("catalog: scan cycle: %w", err)
		}
		cycles = append(cycles, t)
	}
	return cycles, rows.Err()
}

const upsertRequestSQL = `
INSERT INTO requests (id, apikey_id, source_ip, spec, status, try, output_key, credit_usage, input_data, message, start_date, last_date)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	try = EXCLUDED.try,
	output_key = EXCLUDED.output_key,
	credit_usage = EXCLUDED.credit_usage,
	message = EXCLUDED.message,
	last_date = EXCLUDED.last_date
RETURNING id, apikey_id, source_ip, spec, status, try, output_key, credit_usage, input_data, message, start_date, last_date
`

type requestRow struct {
	ID          string    `db:"id"`
	ApiKeyID    string    `db:"apikey_id"`
	SourceIP    string    `db:"source_ip"`
	Spec        []byte    `db:"spec"`
	Status      string    `db:"status"`
	Try         int       `db:"try"`
	OutputKey   string    `db:"output_key"`
	CreditUsage int64     `db:"credit_usage"`
	InputData   string    `db:"input_data"`
	Message     string    `db:"message"`
	StartDate   time.Time `db:"start_date"`
	LastDate    time.Time `db:"last_date"`
}

func (r requestRow) toRequest() (Request, error) {
	var spec RequestSpec
	if len(r.Spec) > 0 {
		if err := json.Unmarshal(r.Spec, &spec); err != nil {
			return Request{}, fmt.Errorf("catalog: decode request spec: %w", err)
		}
	}
	return Request{
		ID: r.ID, ApiKeyID: r.ApiKeyID, SourceIP: r.SourceIP, Spec: spec, Status: RequestStatus(r.Status),
		Try: r.Try, OutputKey: r.OutputKey, CreditUsage: r.CreditUsage, InputData: r.InputData, Message: r.Message,
		StartDate: r.StartDate, LastDate: r.LastDate,
	}, nil
}

func (s *PostgresStore) UpsertRequest(ctx context.Context, req Request) (Request, error) {
	specJSON, err := json.Marshal(req.Spec)
	if err != nil {
		return Request{}, fmt.Errorf("catalog: encode request spec: %w", err)
	}

	var row requestRow
	err = s.db.QueryRowxContext(ctx, upsertRequestSQL,
		req.ID, req.ApiKeyID, req.SourceIP, specJSON, string(req.Status), req.Try,
		req.OutputKey, req.CreditUsage, req.InputData, req.Message, req.StartDate, req.LastDate,
	).StructScan(&row)
	if err != nil {
		return Request{}, fmt.Errorf("catalog: upsert request: %w", err)
	}
	return row.toRequest()
}

const findRequestSQL = `
SELECT id, apikey_id, source_ip, spec, status, try, output_key, credit_usage, input_data, message, start_date, last_date
FROM requests WHERE id = $1
`

func (s *PostgresStore) FindRequest(ctx context.Context, id string) (Request, error) {
	var row requestRow
	err := s.db.QueryRowxContext(ctx, findRequestSQL, id).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "request %s", id)
	}
	if err != nil {
		return Request{}, fmt.Errorf("catalog: find request: %w", err)
	}
	return row.toRequest()
}

const claimRequestSQL = `
UPDATE requests SET status = 'running', try = try + 1, last_date = $3
WHERE id = $1 AND (status = 'queued' OR (status = 'running' AND last_date < $2))
RETURNING id, apikey_id, source_ip, spec, status, try, output_key, credit_usage, input_data, message, start_date, last_date
`

// ClaimRequest implements the visibility-timeout conditional transition
// as a single UPDATE ... RETURNING: row-level locking makes
// two workers racing to pick up the same envelope linearize on this
// statement rather than needing an explicit SELECT ... FOR UPDATE.
func (s *PostgresStore) ClaimRequest(ctx context.Context, id string, visibilityTimeout time.Duration, now time.Time) (Request, bool, error) {
	cutoff := now.Add(-visibilityTimeout)

	var row requestRow
	err := s.db.QueryRowxContext(ctx, claimRequestSQL, id, cutoff, now).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, findErr := s.FindRequest(ctx, id); findErr != nil {
			return Request{}, false, findErr
		}
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, fmt.Errorf("catalog: claim request: %w", err)
	}
	req, err := row.toRequest()
	return req, true, err
}

func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM catalog_entries WHERE ingested_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("catalog: prune: %w", err)
	}
	return result.RowsAffected()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
