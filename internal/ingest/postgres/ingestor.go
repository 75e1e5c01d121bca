// Package postgres persists harvested product records.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/shelfwatch/harvester/internal/harvester"
)

// insertedTolerance separates freshly inserted rows from updated ones when a
// record lands twice in quick succession.
const insertedTolerance = 2 * time.Second

const argsPerRecord = 8

// Config controls the Postgres connection pool used for product rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Ingestor implements harvester.Ingestor with an idempotent batch upsert on
// (source_id, external_id).
type Ingestor struct {
	pool   db
	logger *zap.Logger
}

// New creates a Postgres-backed Ingestor using the provided config.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Ingestor, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newIngestor(pool, logger), nil
}

// NewWithPool constructs an Ingestor from an existing pool (primarily for
// testing).
func NewWithPool(pool db, logger *zap.Logger) (*Ingestor, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newIngestor(pool, logger), nil
}

func newIngestor(pool db, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{pool: pool, logger: logger}
}

// Close closes the underlying connection pool.
func (i *Ingestor) Close() {
	i.pool.Close()
}

// Save upserts a batch of records and reports how many rows were inserted
// versus updated. Records sharing a (source_id, external_id) key are deduped
// within the batch keeping the last occurrence; Postgres rejects a multi-row
// upsert that touches the same row twice. If the batch statement fails the
// records are retried one at a time so a single poison record cannot sink the
// whole batch.
func (i *Ingestor) Save(ctx context.Context, records []harvester.Record) (inserted, updated int, err error) {
	deduped := dedupe(records)
	if len(deduped) == 0 {
		return 0, 0, nil
	}

	inserted, updated, err = i.saveBatch(ctx, deduped)
	if err == nil {
		return inserted, updated, nil
	}
	i.logger.Warn("batch upsert failed, retrying records individually",
		zap.Int("records", len(deduped)),
		zap.Error(err),
	)
	return i.saveOneByOne(ctx, deduped)
}

func (i *Ingestor) saveBatch(ctx context.Context, records []harvester.Record) (inserted, updated int, err error) {
	query, args, err := buildUpsert(records)
	if err != nil {
		return 0, 0, err
	}
	rows, err := i.pool.Query(ctx, query, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("batch upsert: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&createdAt, &updatedAt); err != nil {
			return 0, 0, fmt.Errorf("scan upsert result: %w", err)
		}
		if isInsert(createdAt, updatedAt) {
			inserted++
		} else {
			updated++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("iterate upsert results: %w", err)
	}
	return inserted, updated, nil
}

func (i *Ingestor) saveOneByOne(ctx context.Context, records []harvester.Record) (inserted, updated int, err error) {
	var failures []error
	for _, rec := range records {
		query, args, buildErr := buildUpsert([]harvester.Record{rec})
		if buildErr != nil {
			failures = append(failures, buildErr)
			continue
		}
		var createdAt, updatedAt time.Time
		if scanErr := i.pool.QueryRow(ctx, query, args...).Scan(&createdAt, &updatedAt); scanErr != nil {
			i.logger.Warn("record upsert failed",
				zap.String("source_id", rec.SourceID),
				zap.String("external_id", rec.ExternalID),
				zap.Error(scanErr),
			)
			failures = append(failures, fmt.Errorf("upsert %s/%s: %w", rec.SourceID, rec.ExternalID, scanErr))
			continue
		}
		if isInsert(createdAt, updatedAt) {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, errors.Join(failures...)
}

func buildUpsert(records []harvester.Record) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO products
		(source_id, external_id, title, url, price_cents, currency, attributes, seen_at)
	VALUES `)

	args := make([]any, 0, len(records)*argsPerRecord)
	for idx, rec := range records {
		attrs, err := json.Marshal(rec.Attributes)
		if err != nil {
			return "", nil, fmt.Errorf("marshal attributes for %s/%s: %w", rec.SourceID, rec.ExternalID, err)
		}
		if idx > 0 {
			sb.WriteString(", ")
		}
		base := idx * argsPerRecord
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args,
			rec.SourceID,
			rec.ExternalID,
			rec.Title,
			rec.URL,
			rec.PriceCents,
			rec.Currency,
			attrs,
			rec.SeenAt,
		)
	}

	sb.WriteString(`
	ON CONFLICT (source_id, external_id) DO UPDATE SET
		title = EXCLUDED.title,
		url = EXCLUDED.url,
		price_cents = EXCLUDED.price_cents,
		currency = EXCLUDED.currency,
		attributes = EXCLUDED.attributes,
		seen_at = EXCLUDED.seen_at,
		updated_at = now()
	RETURNING created_at, updated_at;`)
	return sb.String(), args, nil
}

// dedupe keeps the last occurrence per key while preserving first-seen order.
func dedupe(records []harvester.Record) []harvester.Record {
	if len(records) < 2 {
		return records
	}
	index := make(map[harvester.RecordKey]int, len(records))
	out := make([]harvester.Record, 0, len(records))
	for _, rec := range records {
		if pos, ok := index[rec.Key()]; ok {
			out[pos] = rec
			continue
		}
		index[rec.Key()] = len(out)
		out = append(out, rec)
	}
	return out
}

func isInsert(createdAt, updatedAt time.Time) bool {
	diff := updatedAt.Sub(createdAt)
	if diff < 0 {
		diff = -diff
	}
	return diff < insertedTolerance
}
