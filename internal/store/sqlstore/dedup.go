package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/pep299/daily-digest/internal/model"
	"github.com/pep299/daily-digest/internal/store"
)

// DedupStore keeps SeenRecords in the seen_records table.
type DedupStore struct {
	db        *DB
	retention time.Duration
}

// Dedup returns the DedupStore backed by this DB.
func (s *DB) Dedup(retention time.Duration) *DedupStore {
	if retention <= 0 {
		retention = store.DefaultRetention
	}
	return &DedupStore{db: s, retention: retention}
}

func (d *DedupStore) IsNew(ctx context.Context, fingerprint string, asOf time.Time) (bool, error) {
	row, err := d.db.queryRow(ctx, d.db.sb.
		Select("COUNT(*)").
		From("seen_records").
		Where(sq.Eq{"fingerprint": fingerprint}).
		Where(sq.Gt{"retention_expiry": millis(asOf)}))
	if err != nil {
		return false, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("query seen record: %w", err)
	}
	return n == 0, nil
}

func (d *DedupStore) MarkSeen(ctx context.Context, fingerprint string, date time.Time) error {
	rec := store.NewSeenRecord(fingerprint, date, d.retention)

	// An expired record may be replaced; a live one wins the race.
	n, err := d.db.exec(ctx, d.db.sb.
		Insert("seen_records").
		Columns("fingerprint", "first_seen_date", "retention_expiry").
		Values(rec.Fingerprint, model.DateKey(rec.FirstSeenDate), millis(rec.RetentionExpiry)).
		Suffix(`ON CONFLICT (fingerprint) DO UPDATE
			SET first_seen_date = excluded.first_seen_date, retention_expiry = excluded.retention_expiry
			WHERE seen_records.retention_expiry <= ?`, millis(rec.FirstSeenDate)))
	if err != nil {
		return fmt.Errorf("insert seen record: %w", err)
	}
	if n > 0 {
		return nil
	}

	existing, err := d.get(ctx, fingerprint)
	if err != nil {
		return err
	}
	return &store.ConflictError{Existing: existing}
}

func (d *DedupStore) get(ctx context.Context, fingerprint string) (model.SeenRecord, error) {
	row, err := d.db.queryRow(ctx, d.db.sb.
		Select("fingerprint", "first_seen_date", "retention_expiry").
		From("seen_records").
		Where(sq.Eq{"fingerprint": fingerprint}))
	if err != nil {
		return model.SeenRecord{}, err
	}

	var (
		rec    model.SeenRecord
		date   string
		expiry int64
	)
	if err := row.Scan(&rec.Fingerprint, &date, &expiry); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SeenRecord{}, store.ErrNotFound
		}
		return model.SeenRecord{}, fmt.Errorf("read seen record: %w", err)
	}
	if rec.FirstSeenDate, err = model.ParseDate(date); err != nil {
		return model.SeenRecord{}, fmt.Errorf("parse first_seen_date: %w", err)
	}
	rec.RetentionExpiry = fromMillis(expiry)
	return rec, nil
}

func (d *DedupStore) Forget(ctx context.Context, fingerprint string, date time.Time) error {
	_, err := d.db.exec(ctx, d.db.sb.
		Delete("seen_records").
		Where(sq.Eq{"fingerprint": fingerprint, "first_seen_date": model.DateKey(model.Day(date))}))
	if err != nil {
		return fmt.Errorf("delete seen record: %w", err)
	}
	return nil
}

func (d *DedupStore) Prune(ctx context.Context, asOf time.Time) (int, error) {
	n, err := d.db.exec(ctx, d.db.sb.
		Delete("seen_records").
		Where(sq.LtOrEq{"retention_expiry": millis(asOf)}))
	if err != nil {
		return 0, fmt.Errorf("prune seen records: %w", err)
	}
	return int(n), nil
}

// Close is a no-op; the owning DB closes the pool.
func (d *DedupStore) Close() error { return nil }
