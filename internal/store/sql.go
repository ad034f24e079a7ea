package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"ccbcounter/api/internal/ata"
)

// SQLStore implements RecordStore over Postgres or SQLite. Queries are
// written with ? placeholders and rebound for the driver.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) SelectLatest(ctx context.Context) (ata.RawRecord, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `SELECT `+recordColumns+` FROM contabilizacao ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return ata.RawRecord{}, ErrNotFound
	}
	if err != nil {
		return ata.RawRecord{}, fmt.Errorf("select latest: %w", err)
	}
	return row.raw(), nil
}

func (s *SQLStore) SelectAll(ctx context.Context, limit int) ([]ata.RawRecord, error) {
	var rows []recordRow
	query := s.db.Rebind(`SELECT ` + recordColumns + ` FROM contabilizacao ORDER BY id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, listLimit(limit)); err != nil {
		return nil, fmt.Errorf("select all: %w", err)
	}
	out := make([]ata.RawRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.raw())
	}
	return out, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (ata.RawRecord, error) {
	return s.get(ctx, s.db, id)
}

func (s *SQLStore) get(ctx context.Context, q sqlx.QueryerContext, id int64) (ata.RawRecord, error) {
	var row recordRow
	query := s.db.Rebind(`SELECT ` + recordColumns + ` FROM contabilizacao WHERE id = ?`)
	err := sqlx.GetContext(ctx, q, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ata.RawRecord{}, ErrNotFound
	}
	if err != nil {
		return ata.RawRecord{}, fmt.Errorf("get record %d: %w", id, err)
	}
	return row.raw(), nil
}

// GetByRehearsalDate returns the newest snapshot for date.
func (s *SQLStore) GetByRehearsalDate(ctx context.Context, date string) (ata.RawRecord, error) {
	var row recordRow
	query := s.db.Rebind(`SELECT ` + recordColumns + ` FROM contabilizacao WHERE data_ensaio = ? ORDER BY id DESC LIMIT 1`)
	err := s.db.GetContext(ctx, &row, query, date)
	if errors.Is(err, sql.ErrNoRows) {
		return ata.RawRecord{}, ErrNotFound
	}
	if err != nil {
		return ata.RawRecord{}, fmt.Errorf("get record for %s: %w", date, err)
	}
	return row.raw(), nil
}

const insertRecord = `INSERT INTO contabilizacao (data, data_ensaio, cidade, estado, local_ensaio, presidencia,
	palavra, encarregado, regencia, hinos, hinos_numeros, musicians, organists, instruments, ministerio, printed)
	VALUES (:data, :data_ensaio, :cidade, :estado, :local_ensaio, :presidencia, :palavra, :encarregado,
	:regencia, :hinos, :hinos_numeros, :musicians, :organists, :instruments, :ministerio, :printed)
	RETURNING id`

const updateRecord = `UPDATE contabilizacao SET data = :data, data_ensaio = :data_ensaio, cidade = :cidade,
	estado = :estado, local_ensaio = :local_ensaio, presidencia = :presidencia, palavra = :palavra,
	encarregado = :encarregado, regencia = :regencia, hinos = :hinos, hinos_numeros = :hinos_numeros,
	musicians = :musicians, organists = :organists, instruments = :instruments, ministerio = :ministerio,
	printed = :printed
	WHERE id = :id`

func (s *SQLStore) Insert(ctx context.Context, r ata.Record) (int64, error) {
	return s.insert(ctx, s.db, r)
}

func (s *SQLStore) insert(ctx context.Context, q sqlx.QueryerContext, r ata.Record) (int64, error) {
	row, err := toRow(r, s.now())
	if err != nil {
		return 0, err
	}
	query, args, err := sqlx.Named(insertRecord, row)
	if err != nil {
		return 0, fmt.Errorf("bind insert: %w", err)
	}
	var id int64
	if err := q.QueryRowxContext(ctx, s.db.Rebind(query), args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	return id, nil
}

func (s *SQLStore) Update(ctx context.Context, id int64, r ata.Record) error {
	return s.update(ctx, s.db, id, r)
}

func (s *SQLStore) update(ctx context.Context, e sqlx.ExecerContext, id int64, r ata.Record) error {
	row, err := toRow(r, s.now())
	if err != nil {
		return err
	}
	row.ID = id
	query, args, err := sqlx.Named(updateRecord, row)
	if err != nil {
		return fmt.Errorf("bind update: %w", err)
	}
	res, err := e.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update record %d: %w", id, err)
	}
	return expectRow(res)
}

func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM contabilizacao WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	return expectRow(res)
}

// Upsert replaces the newest row with the same rehearsal date, or inserts one.
func (s *SQLStore) Upsert(ctx context.Context, r ata.Record, conflictKey string) (int64, error) {
	if conflictKey != ConflictRehearsalDate {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedConflictKey, conflictKey)
	}
	if r.RehearsalDate == "" {
		return 0, ErrMissingConflictValue
	}
	var id int64
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		query := s.db.Rebind(`SELECT id FROM contabilizacao WHERE data_ensaio = ? ORDER BY id DESC LIMIT 1`)
		err := tx.GetContext(ctx, &id, query, r.RehearsalDate)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			id, err = s.insert(ctx, tx, r)
			return err
		case err != nil:
			return fmt.Errorf("find conflict row: %w", err)
		default:
			return s.update(ctx, tx, id, r)
		}
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLStore) MarkPrinted(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE contabilizacao SET printed = 1 WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("mark printed %d: %w", id, err)
	}
	return expectRow(res)
}

const insertChange = `INSERT INTO change_log (snapshot_id, timestamp, field_name, old_value, new_value)
	VALUES (:snapshot_id, :timestamp, :field_name, :old_value, :new_value)`

func (s *SQLStore) InsertChangeLog(ctx context.Context, entries []ata.ChangeLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := s.now()
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, e := range entries {
			row, err := toChangeRow(e, now)
			if err != nil {
				return err
			}
			query, args, err := sqlx.Named(insertChange, row)
			if err != nil {
				return fmt.Errorf("bind change: %w", err)
			}
			if _, err := tx.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
				return fmt.Errorf("insert change %s: %w", e.Field, err)
			}
		}
		return nil
	})
}

// ListChangeLog returns the newest limit entries for one snapshot, or for all
// snapshots when snapshotID is zero, oldest first.
func (s *SQLStore) ListChangeLog(ctx context.Context, snapshotID int64, limit int) ([]ata.ChangeLogEntry, error) {
	var rows []changeRow
	var err error
	if snapshotID > 0 {
		query := s.db.Rebind(`SELECT id, snapshot_id, timestamp, field_name, old_value, new_value
			FROM change_log WHERE snapshot_id = ? ORDER BY id DESC LIMIT ?`)
		err = s.db.SelectContext(ctx, &rows, query, snapshotID, listLimit(limit))
	} else {
		query := s.db.Rebind(`SELECT id, snapshot_id, timestamp, field_name, old_value, new_value
			FROM change_log ORDER BY id DESC LIMIT ?`)
		err = s.db.SelectContext(ctx, &rows, query, listLimit(limit))
	}
	if err != nil {
		return nil, fmt.Errorf("list change log: %w", err)
	}
	out := make([]ata.ChangeLogEntry, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i].entry())
	}
	return out, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
