package sheets

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"fleetbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteConfig configures the local SQLite-backed store.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// SQLiteStore implements Client and DedupStore on a local SQLite file.
// It stands in for the remote spreadsheet service in local deployments
// and integration tests; the cell layout mirrors the worksheet model
// (1-based rows, row 1 is the header).
type SQLiteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func OpenSQLite(cfg SQLiteConfig, log logx.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &SQLiteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) classify(op Op, worksheet string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindUnavailable
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, sql.ErrNoRows):
		kind = KindNotFound
	}
	return NewError(op, worksheet, kind, err)
}

func (s *SQLiteStore) ReadAll(ctx context.Context, worksheet string) ([][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT row, col, val FROM cells WHERE worksheet = ? ORDER BY row, col`, worksheet)
	if err != nil {
		return nil, s.classify(OpReadAll, worksheet, err)
	}
	defer rows.Close()
	out, err := collectCells(rows, 1)
	if err != nil {
		return nil, s.classify(OpReadAll, worksheet, err)
	}
	return out, nil
}

func (s *SQLiteStore) ReadRange(ctx context.Context, worksheet string, startRow, rowCount int) ([][]string, error) {
	if startRow < 1 || rowCount < 1 {
		return nil, NewError(OpReadRange, worksheet, KindInvalid, fmt.Errorf("bad range start=%d count=%d", startRow, rowCount))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT row, col, val FROM cells WHERE worksheet = ? AND row >= ? AND row < ? ORDER BY row, col`,
		worksheet, startRow, startRow+rowCount)
	if err != nil {
		return nil, s.classify(OpReadRange, worksheet, err)
	}
	defer rows.Close()
	out, err := collectCells(rows, startRow)
	if err != nil {
		return nil, s.classify(OpReadRange, worksheet, err)
	}
	return out, nil
}

// collectCells turns (row, col, val) tuples into a dense matrix whose first
// entry corresponds to baseRow. Gaps become empty strings, matching the
// remote service's behaviour for blank cells.
func collectCells(rows *sql.Rows, baseRow int) ([][]string, error) {
	type cell struct {
		row, col int
		val      string
	}
	var cells []cell
	maxRow, maxCol := 0, 0
	for rows.Next() {
		var c cell
		if err := rows.Scan(&c.row, &c.col, &c.val); err != nil {
			return nil, err
		}
		cells = append(cells, c)
		if c.row > maxRow {
			maxRow = c.row
		}
		if c.col > maxCol {
			maxCol = c.col
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		return nil, nil
	}

	out := make([][]string, maxRow-baseRow+1)
	for i := range out {
		out[i] = make([]string, maxCol)
	}
	for _, c := range cells {
		out[c.row-baseRow][c.col-1] = c.val
	}
	return out, nil
}

func (s *SQLiteStore) WriteRange(ctx context.Context, worksheet string, startRow, startCol int, rows [][]string) error {
	if startRow < 1 || startCol < 1 {
		return NewError(OpWriteRange, worksheet, KindInvalid, fmt.Errorf("bad origin row=%d col=%d", startRow, startCol))
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i, r := range rows {
			if err := upsertRow(ctx, tx, worksheet, startRow+i, startCol, r); err != nil {
				return err
			}
		}
		return nil
	})
	return s.classify(OpWriteRange, worksheet, err)
}

func (s *SQLiteStore) Append(ctx context.Context, worksheet string, rows [][]string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var next sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(row) FROM cells WHERE worksheet = ?`, worksheet).Scan(&next); err != nil {
			return err
		}
		start := int(next.Int64) + 1
		if !next.Valid {
			start = 1
		}
		for i, r := range rows {
			if err := upsertRow(ctx, tx, worksheet, start+i, 1, r); err != nil {
				return err
			}
		}
		return nil
	})
	return s.classify(OpAppend, worksheet, err)
}

func (s *SQLiteStore) BatchWrite(ctx context.Context, worksheet string, updates []Update) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			if u.Row < 1 || u.StartCol < 1 {
				return fmt.Errorf("bad update row=%d col=%d", u.Row, u.StartCol)
			}
			if err := upsertRow(ctx, tx, worksheet, u.Row, u.StartCol, u.Values); err != nil {
				return err
			}
		}
		return nil
	})
	return s.classify(OpBatchWrite, worksheet, err)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func upsertRow(ctx context.Context, tx *sql.Tx, worksheet string, row, startCol int, vals []string) error {
	for i, v := range vals {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cells(worksheet, row, col, val) VALUES(?,?,?,?)
			 ON CONFLICT(worksheet, row, col) DO UPDATE SET val=excluded.val`,
			worksheet, row, startCol+i, v)
		if err != nil {
			return err
		}
	}
	return nil
}

// ---- DedupStore ----

func (s *SQLiteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.PruneDedup(pctx, time.Now())
		cancel()
	}
	return err
}

func (s *SQLiteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *SQLiteStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
