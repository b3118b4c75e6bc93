package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ChuLiYu/framequeue/pkg/types"
)

// HasTable reports whether the result table for kind has been created.
func (c *Container) HasTable(kind Kind) bool {
	c.metrics.LockTimed(&c.mu, c.domain)
	defer c.mu.Unlock()
	return c.tables[kind]
}

// ExpectedRows returns the hint recorded when the kind's table was created, or 0.
func (c *Container) ExpectedRows(kind Kind) (int64, error) {
	if err := c.lock(); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	var n int64
	err := c.db.QueryRow(`SELECT expected_rows FROM table_hints WHERE name = ?`, kind.table()).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// AppendResults persists one batch of fit and drift rows in a single transaction.
// The first batch of each kind creates that kind's table and records expectedRows as its
// sizing hint. Empty slices leave the corresponding table untouched.
func (c *Container) AppendResults(fits []types.FitEntry, drift []types.DriftEntry, expectedRows int) error {
	if err := c.lock(); err != nil {
		return err
	}
	defer c.mu.Unlock()

	if len(fits) == 0 && len(drift) == 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	created := make([]Kind, 0, 2)
	if len(fits) > 0 {
		if !c.tables[KindFit] {
			if err := createResultTable(tx, KindFit, expectedRows); err != nil {
				return err
			}
			created = append(created, KindFit)
		}
		stmt, err := tx.Prepare(`INSERT INTO fit_results (idx, x, y, amplitude, sigma, background) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare fit insert: %w", err)
		}
		for _, f := range fits {
			if _, err := stmt.Exec(f.Index, f.X, f.Y, f.Amplitude, f.Sigma, f.Background); err != nil {
				stmt.Close()
				return fmt.Errorf("insert fit row: %w", err)
			}
		}
		stmt.Close()
	}

	if len(drift) > 0 {
		if !c.tables[KindDrift] {
			if err := createResultTable(tx, KindDrift, expectedRows); err != nil {
				return err
			}
			created = append(created, KindDrift)
		}
		stmt, err := tx.Prepare(`INSERT INTO drift_results (idx, dx, dy) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare drift insert: %w", err)
		}
		for _, d := range drift {
			if _, err := stmt.Exec(d.Index, d.DX, d.DY); err != nil {
				stmt.Close()
				return fmt.Errorf("insert drift row: %w", err)
			}
		}
		stmt.Close()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, k := range created {
		c.tables[k] = true
	}
	return nil
}

func createResultTable(tx *sql.Tx, kind Kind, expectedRows int) error {
	var ddl string
	switch kind {
	case KindFit:
		ddl = `CREATE TABLE IF NOT EXISTS fit_results (
			idx        INTEGER NOT NULL,
			x          REAL NOT NULL,
			y          REAL NOT NULL,
			amplitude  REAL NOT NULL,
			sigma      REAL NOT NULL,
			background REAL NOT NULL
		)`
	case KindDrift:
		ddl = `CREATE TABLE IF NOT EXISTS drift_results (
			idx INTEGER NOT NULL,
			dx  REAL NOT NULL,
			dy  REAL NOT NULL
		)`
	}
	if _, err := tx.Exec(ddl); err != nil {
		return fmt.Errorf("create %s: %w", kind.table(), err)
	}
	_, err := tx.Exec(`INSERT OR REPLACE INTO table_hints (name, expected_rows, created_at) VALUES (?, ?, ?)`,
		kind.table(), expectedRows, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("record hint for %s: %w", kind.table(), err)
	}
	return nil
}

// FitRows returns the fit rows from position from (insertion order) to the end.
// A container without a fit table yields an empty slice.
func (c *Container) FitRows(from int64) ([]types.FitEntry, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	out := make([]types.FitEntry, 0)
	if !c.tables[KindFit] {
		return out, nil
	}
	if from < 0 {
		from = 0
	}

	rows, err := c.db.Query(`SELECT idx, x, y, amplitude, sigma, background FROM fit_results
		ORDER BY rowid LIMIT -1 OFFSET ?`, from)
	if err != nil {
		return nil, fmt.Errorf("query fit rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f types.FitEntry
		if err := rows.Scan(&f.Index, &f.X, &f.Y, &f.Amplitude, &f.Sigma, &f.Background); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DriftRows returns the drift rows from position from to the end.
func (c *Container) DriftRows(from int64) ([]types.DriftEntry, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	out := make([]types.DriftEntry, 0)
	if !c.tables[KindDrift] {
		return out, nil
	}
	if from < 0 {
		from = 0
	}

	rows, err := c.db.Query(`SELECT idx, dx, dy FROM drift_results ORDER BY rowid LIMIT -1 OFFSET ?`, from)
	if err != nil {
		return nil, fmt.Errorf("query drift rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d types.DriftEntry
		if err := rows.Scan(&d.Index, &d.DX, &d.DY); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountRows returns the number of rows in kind's table (0 if absent).
func (c *Container) CountRows(kind Kind) (int64, error) {
	if err := c.lock(); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	if !c.tables[kind] {
		return 0, nil
	}
	var n int64
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM ` + kind.table()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind.table(), err)
	}
	return n, nil
}
