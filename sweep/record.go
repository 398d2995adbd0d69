package sweep

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const tableObservations = "observations"

// Recorder persists observer rows to a sqlite database, one record per
// (step, measurement name).
type Recorder struct {
	Path string
	db   *sql.DB
}

func NewRecorder(dbPath string) (*Recorder, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if err := prepareDB(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "")
	}
	return &Recorder{Path: dbPath, db: db}, nil
}

func prepareDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableObservations)
	if _, err := db.ExecContext(ctx, sqlStr); err != nil {
		return errors.Wrap(err, "")
	}
	sqlStr = fmt.Sprintf(`CREATE TABLE %s (sweep INTEGER, step INTEGER, t REAL, name TEXT, re REAL, im REAL, PRIMARY KEY (step, name)) STRICT`, tableObservations)
	if _, err := db.ExecContext(ctx, sqlStr); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func (r *Recorder) Close() error {
	return r.db.Close()
}

// Add appends observation rows.
func (r *Recorder) Add(rows []Row) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf(`INSERT OR REPLACE INTO %s (sweep, step, t, name, re, im) VALUES (?, ?, ?, ?, ?, ?)`, tableObservations)
	for _, row := range rows {
		for name, v := range row.Values {
			args := []any{row.Sweep, row.Step, row.Time, name, real(v), imag(v)}
			if _, err := r.db.ExecContext(ctx, sqlStr, args...); err != nil {
				return errors.Wrap(err, fmt.Sprintf("%s %#v", sqlStr, args))
			}
		}
	}
	return nil
}

// Rows reads back every stored observation, grouped by step.
func (r *Recorder) Rows() ([]Row, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT sweep, step, t, name, re, im FROM %s ORDER BY step, name`, tableObservations)
	rows, err := r.db.QueryContext(ctx, sqlStr)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var sweep, step int
		var t, re, im float64
		var name string
		if err := rows.Scan(&sweep, &step, &t, &name, &re, &im); err != nil {
			return nil, errors.Wrap(err, "")
		}
		if len(out) == 0 || out[len(out)-1].Step != step {
			out = append(out, Row{Sweep: sweep, Step: step, Time: t, Values: make(map[string]complex64)})
		}
		out[len(out)-1].Values[name] = complex(float32(re), float32(im))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return out, nil
}
