// Package store persists tally snapshots and their change log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"ccbcounter/api/internal/ata"
)

var (
	// ErrNotFound is returned when no snapshot matches.
	ErrNotFound = errors.New("record not found")
	// ErrUnsupportedConflictKey is returned by Upsert for keys other than data_ensaio.
	ErrUnsupportedConflictKey = errors.New("unsupported conflict key")
	// ErrMissingConflictValue is returned by Upsert when the record has no rehearsal date.
	ErrMissingConflictValue = errors.New("conflict key value is empty")
)

// ConflictRehearsalDate is the only supported upsert key.
const ConflictRehearsalDate = "data_ensaio"

// DefaultListLimit caps SelectAll when no limit is given.
const DefaultListLimit = 100

// RecordStore is the persistence contract for the contabilizacao relation.
// Records go in normalized and come back raw, as stored.
type RecordStore interface {
	SelectLatest(ctx context.Context) (ata.RawRecord, error)
	SelectAll(ctx context.Context, limit int) ([]ata.RawRecord, error)
	Get(ctx context.Context, id int64) (ata.RawRecord, error)
	GetByRehearsalDate(ctx context.Context, date string) (ata.RawRecord, error)
	Insert(ctx context.Context, r ata.Record) (int64, error)
	Update(ctx context.Context, id int64, r ata.Record) error
	Delete(ctx context.Context, id int64) error
	Upsert(ctx context.Context, r ata.Record, conflictKey string) (int64, error)
	MarkPrinted(ctx context.Context, id int64) error
	InsertChangeLog(ctx context.Context, entries []ata.ChangeLogEntry) error
	ListChangeLog(ctx context.Context, snapshotID int64, limit int) ([]ata.ChangeLogEntry, error)
	Ping(ctx context.Context) error
	Close() error
}

// recordRow mirrors one contabilizacao row.
type recordRow struct {
	ID           int64          `db:"id"`
	Data         sql.NullString `db:"data"`
	DataEnsaio   sql.NullString `db:"data_ensaio"`
	Cidade       sql.NullString `db:"cidade"`
	Estado       sql.NullString `db:"estado"`
	LocalEnsaio  sql.NullString `db:"local_ensaio"`
	Presidencia  sql.NullString `db:"presidencia"`
	Palavra      sql.NullString `db:"palavra"`
	Encarregado  sql.NullString `db:"encarregado"`
	Regencia     sql.NullString `db:"regencia"`
	Hinos        sql.NullString `db:"hinos"`
	HinosNumeros sql.NullString `db:"hinos_numeros"`
	Musicians    sql.NullInt64  `db:"musicians"`
	Organists    sql.NullInt64  `db:"organists"`
	Instruments  sql.NullString `db:"instruments"`
	Ministerio   sql.NullString `db:"ministerio"`
	Printed      sql.NullInt64  `db:"printed"`
}

const recordColumns = `id, data, data_ensaio, cidade, estado, local_ensaio, presidencia, palavra,
	encarregado, regencia, hinos, hinos_numeros, musicians, organists, instruments, ministerio, printed`

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// toRow serializes a record for writing. A zero timestamp is stamped with now.
func toRow(r ata.Record, now time.Time) (recordRow, error) {
	instruments, err := json.Marshal(r.Instruments)
	if err != nil {
		return recordRow{}, fmt.Errorf("encode instruments: %w", err)
	}
	ministry, err := json.Marshal(r.Ministry)
	if err != nil {
		return recordRow{}, fmt.Errorf("encode ministerio: %w", err)
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = now
	}
	printed := int64(0)
	if r.Printed {
		printed = 1
	}
	return recordRow{
		ID:           r.ID,
		Data:         nullString(ts.UTC().Format(time.RFC3339Nano)),
		DataEnsaio:   nullString(r.RehearsalDate),
		Cidade:       nullString(r.City),
		Estado:       nullString(r.State),
		LocalEnsaio:  nullString(r.Venue),
		Presidencia:  nullString(r.Presiding),
		Palavra:      nullString(r.Speaker),
		Encarregado:  nullString(r.Usher),
		Regencia:     nullString(r.Conductor),
		Hinos:        nullString(r.HymnCount),
		HinosNumeros: nullString(r.HymnNumbers),
		Musicians:    sql.NullInt64{Int64: int64(r.Musicians), Valid: true},
		Organists:    sql.NullInt64{Int64: int64(r.Organists), Valid: true},
		Instruments:  nullString(string(instruments)),
		Ministerio:   nullString(string(ministry)),
		Printed:      sql.NullInt64{Int64: printed, Valid: true},
	}, nil
}

func (row recordRow) raw() ata.RawRecord {
	r := ata.RawRecord{
		ID:            row.ID,
		RehearsalDate: row.DataEnsaio.String,
		City:          row.Cidade.String,
		State:         row.Estado.String,
		Venue:         row.LocalEnsaio.String,
		Presiding:     row.Presidencia.String,
		Speaker:       row.Palavra.String,
		Usher:         row.Encarregado.String,
		Conductor:     row.Regencia.String,
		HymnNumbers:   row.HinosNumeros.String,
		Musicians:     row.Musicians.Int64,
		Organists:     row.Organists.Int64,
		Printed:       row.Printed.Int64,
	}
	if row.Data.Valid {
		r.Timestamp = row.Data.String
	}
	if row.Hinos.Valid {
		r.HymnCount = row.Hinos.String
	}
	if row.Instruments.Valid {
		r.Instruments = row.Instruments.String
	}
	if row.Ministerio.Valid {
		r.Ministerio = row.Ministerio.String
	}
	return r
}

// changeRow mirrors one change_log row.
type changeRow struct {
	ID         int64          `db:"id"`
	SnapshotID int64          `db:"snapshot_id"`
	Timestamp  sql.NullString `db:"timestamp"`
	FieldName  string         `db:"field_name"`
	OldValue   sql.NullString `db:"old_value"`
	NewValue   sql.NullString `db:"new_value"`
}

func toChangeRow(e ata.ChangeLogEntry, now time.Time) (changeRow, error) {
	oldValue, err := json.Marshal(e.OldValue)
	if err != nil {
		return changeRow{}, fmt.Errorf("encode old value of %s: %w", e.Field, err)
	}
	newValue, err := json.Marshal(e.NewValue)
	if err != nil {
		return changeRow{}, fmt.Errorf("encode new value of %s: %w", e.Field, err)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return changeRow{
		SnapshotID: e.SnapshotID,
		Timestamp:  nullString(ts.UTC().Format(time.RFC3339Nano)),
		FieldName:  e.Field,
		OldValue:   nullString(string(oldValue)),
		NewValue:   nullString(string(newValue)),
	}, nil
}

func (row changeRow) entry() ata.ChangeLogEntry {
	return ata.ChangeLogEntry{
		SnapshotID: row.SnapshotID,
		Timestamp:  ata.ParseTimestamp(row.Timestamp.String),
		Field:      row.FieldName,
		OldValue:   decodeValue(row.OldValue.String),
		NewValue:   decodeValue(row.NewValue.String),
	}
}

// decodeValue reads a JSON change value back. Integral numbers come back as
// int so they compare equal to the values that were written.
func decodeValue(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return integral(v)
}

func integral(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int(t)
		}
		return t
	case []any:
		allStrings := true
		for _, item := range t {
			if _, ok := item.(string); !ok {
				allStrings = false
				break
			}
		}
		if !allStrings {
			return t
		}
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = item.(string)
		}
		return out
	default:
		return v
	}
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
