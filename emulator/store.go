package emulator

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/frobware/go-nicctl"
	"github.com/frobware/go-nicctl/mcdi"
)

//go:embed schema.sql
var schemaSQL string

// msec formats a duration as milliseconds with 3 decimal places.
func msec(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d.Microseconds())/1000)
}

// Filter is a firmware filter as the controller holds it.
type Filter struct {
	Handle    uint64
	Exclusive bool
	// Refs counts subscribers of a shared filter. Exclusive filters
	// always have one.
	Refs int
	Spec nicctl.FilterSpec
}

// RSSContext is a firmware RSS context.
type RSSContext struct {
	ID        nicctl.RSSContextID
	Exclusive bool
	Queues    uint32
	Key       []byte
	Indir     []byte
}

// firmwareStore keeps controller state in SQLite. It is not safe for
// concurrent use; the controller serialises commands.
type firmwareStore struct {
	db     *sql.DB
	logger *slog.Logger

	stmtBootCount      *sql.Stmt
	stmtIncrementBoot  *sql.Stmt
	stmtFilterByTuple  *sql.Stmt
	stmtFilterByHandle *sql.Stmt
	stmtCountFilters   *sql.Stmt
	stmtInsertFilter   *sql.Stmt
	stmtSetRefs        *sql.Stmt
	stmtReplaceFilter  *sql.Stmt
	stmtDeleteFilter   *sql.Stmt
	stmtListFilters    *sql.Stmt
	stmtInsertRSS      *sql.Stmt
	stmtGetRSS         *sql.Stmt
	stmtCountExclusive *sql.Stmt
	stmtCountRSSRefs   *sql.Stmt
	stmtDeleteRSS      *sql.Stmt
	stmtSetRSSKey      *sql.Stmt
	stmtSetRSSIndir    *sql.Stmt
	stmtListRSS        *sql.Stmt
}

// openStore opens the firmware database at path, or an in-memory one
// when path is empty.
func openStore(ctx context.Context, path string, logger *slog.Logger) (*firmwareStore, error) {
	pragmas := [][2]string{{"foreign_keys", "1"}}
	name := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		pragmas = append(pragmas, [2]string{"journal_mode", "WAL"})
		name = path
	}
	logger = logger.With("db", name)

	db, err := sql.Open(driverName, dsn(name, pragmas))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	s := &firmwareStore{db: db, logger: logger}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := s.prepare(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	logger.Debug("opened firmware database")
	return s, nil
}

func (s *firmwareStore) prepare(ctx context.Context) error {
	for _, p := range []struct {
		stmt **sql.Stmt
		sql  string
	}{
		{&s.stmtBootCount, `SELECT boot_count FROM controller WHERE id = 1`},
		{&s.stmtIncrementBoot, `UPDATE controller SET boot_count = boot_count + 1 WHERE id = 1 RETURNING boot_count`},
		{&s.stmtFilterByTuple, `SELECT handle, exclusive, refs, spec FROM filters WHERE tuple_key = ?`},
		{&s.stmtFilterByHandle, `SELECT handle, exclusive, refs, spec FROM filters WHERE handle = ?`},
		{&s.stmtCountFilters, `SELECT COUNT(*) FROM filters`},
		{&s.stmtInsertFilter, `INSERT INTO filters (tuple_key, exclusive, refs, priority, flags, queue, rss_context, spec)
			VALUES (?, ?, 1, ?, ?, ?, ?, ?) RETURNING handle`},
		{&s.stmtSetRefs, `UPDATE filters SET refs = ? WHERE handle = ?`},
		{&s.stmtReplaceFilter, `UPDATE filters SET tuple_key = ?, priority = ?, flags = ?, queue = ?, rss_context = ?, spec = ?
			WHERE handle = ?`},
		{&s.stmtDeleteFilter, `DELETE FROM filters WHERE handle = ?`},
		{&s.stmtListFilters, `SELECT handle, exclusive, refs, spec FROM filters ORDER BY handle`},
		{&s.stmtInsertRSS, `INSERT INTO rss_contexts (exclusive, queues) VALUES (?, ?) RETURNING id`},
		{&s.stmtGetRSS, `SELECT id, exclusive, queues, hash_key, indir FROM rss_contexts WHERE id = ?`},
		{&s.stmtCountExclusive, `SELECT COUNT(*) FROM rss_contexts WHERE exclusive = 1`},
		{&s.stmtCountRSSRefs, `SELECT COUNT(*) FROM filters WHERE rss_context = ?`},
		{&s.stmtDeleteRSS, `DELETE FROM rss_contexts WHERE id = ?`},
		{&s.stmtSetRSSKey, `UPDATE rss_contexts SET hash_key = ? WHERE id = ?`},
		{&s.stmtSetRSSIndir, `UPDATE rss_contexts SET indir = ? WHERE id = ?`},
		{&s.stmtListRSS, `SELECT id, exclusive, queues, hash_key, indir FROM rss_contexts ORDER BY id`},
	} {
		stmt, err := s.db.PrepareContext(ctx, p.sql)
		if err != nil {
			return fmt.Errorf("prepare %q: %w", p.sql, err)
		}
		*p.stmt = stmt
	}
	return nil
}

// Close closes the statements and the database.
func (s *firmwareStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmtBootCount, s.stmtIncrementBoot, s.stmtFilterByTuple, s.stmtFilterByHandle,
		s.stmtCountFilters, s.stmtInsertFilter, s.stmtSetRefs, s.stmtReplaceFilter,
		s.stmtDeleteFilter, s.stmtListFilters, s.stmtInsertRSS, s.stmtGetRSS,
		s.stmtCountExclusive, s.stmtCountRSSRefs, s.stmtDeleteRSS, s.stmtSetRSSKey,
		s.stmtSetRSSIndir, s.stmtListRSS,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *firmwareStore) trace(stmt string, start time.Time, err error, args ...any) {
	if err != nil {
		s.logger.Debug("sql", "stmt", stmt, "args", args, "duration_ms", msec(time.Since(start)), "error", err)
		return
	}
	s.logger.Debug("sql", "stmt", stmt, "args", args, "duration_ms", msec(time.Since(start)))
}

func (s *firmwareStore) bootCount(ctx context.Context) (uint32, error) {
	var n uint32
	err := s.stmtBootCount.QueryRowContext(ctx).Scan(&n)
	return n, err
}

// reboot bumps the boot counter and forgets every filter and RSS
// context, as a controller restart does.
func (s *firmwareStore) reboot(ctx context.Context) (uint32, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var n uint32
	if err := tx.StmtContext(ctx, s.stmtIncrementBoot).QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM filters`); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rss_contexts`); err != nil {
		return 0, err
	}
	err = tx.Commit()
	s.trace("Reboot", start, err, n)
	return n, err
}

func scanFilter(row interface{ Scan(...any) error }) (Filter, error) {
	var f Filter
	var spec []byte
	if err := row.Scan(&f.Handle, &f.Exclusive, &f.Refs, &spec); err != nil {
		return Filter{}, err
	}
	var req mcdi.FilterOpRequest
	if err := req.UnmarshalBinary(spec); err != nil {
		return Filter{}, fmt.Errorf("filter %d: corrupt spec: %w", f.Handle, err)
	}
	f.Spec = req.Spec
	return f, nil
}

// filterByTuple returns the filter matching key, if any.
func (s *firmwareStore) filterByTuple(ctx context.Context, key string) (Filter, bool, error) {
	start := time.Now()
	f, err := scanFilter(s.stmtFilterByTuple.QueryRowContext(ctx, key))
	s.trace("FilterByTuple", start, err, key)
	if errors.Is(err, sql.ErrNoRows) {
		return Filter{}, false, nil
	}
	return f, err == nil, err
}

func (s *firmwareStore) filterByHandle(ctx context.Context, handle uint64) (Filter, bool, error) {
	start := time.Now()
	f, err := scanFilter(s.stmtFilterByHandle.QueryRowContext(ctx, handle))
	s.trace("FilterByHandle", start, err, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return Filter{}, false, nil
	}
	return f, err == nil, err
}

func (s *firmwareStore) countFilters(ctx context.Context) (int, error) {
	var n int
	err := s.stmtCountFilters.QueryRowContext(ctx).Scan(&n)
	return n, err
}

func encodeSpec(spec nicctl.FilterSpec) ([]byte, error) {
	return mcdi.FilterOpRequest{Spec: spec}.MarshalBinary()
}

// rssRef is the rss_context column: NULL unless the filter spreads
// over an RSS context.
func rssRef(spec nicctl.FilterSpec) any {
	if spec.Flags&nicctl.FlagRSS == 0 {
		return nil
	}
	return int64(spec.RSSContext)
}

func (s *firmwareStore) insertFilter(ctx context.Context, key string, exclusive bool, spec nicctl.FilterSpec) (uint64, error) {
	blob, err := encodeSpec(spec)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	var handle uint64
	err = s.stmtInsertFilter.QueryRowContext(ctx, key, exclusive, int(spec.Priority), int(spec.Flags),
		int(spec.Queue), rssRef(spec), blob).Scan(&handle)
	s.trace("InsertFilter", start, err, key, exclusive)
	return handle, err
}

func (s *firmwareStore) setRefs(ctx context.Context, handle uint64, refs int) error {
	start := time.Now()
	_, err := s.stmtSetRefs.ExecContext(ctx, refs, handle)
	s.trace("SetRefs", start, err, handle, refs)
	return err
}

func (s *firmwareStore) replaceFilter(ctx context.Context, handle uint64, key string, spec nicctl.FilterSpec) error {
	blob, err := encodeSpec(spec)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = s.stmtReplaceFilter.ExecContext(ctx, key, int(spec.Priority), int(spec.Flags), int(spec.Queue),
		rssRef(spec), blob, handle)
	s.trace("ReplaceFilter", start, err, handle, key)
	return err
}

func (s *firmwareStore) deleteFilter(ctx context.Context, handle uint64) error {
	start := time.Now()
	_, err := s.stmtDeleteFilter.ExecContext(ctx, handle)
	s.trace("DeleteFilter", start, err, handle)
	return err
}

func (s *firmwareStore) listFilters(ctx context.Context) ([]Filter, error) {
	rows, err := s.stmtListFilters.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Filter
	for rows.Next() {
		f, err := scanFilter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *firmwareStore) insertRSS(ctx context.Context, exclusive bool, queues uint32) (nicctl.RSSContextID, error) {
	start := time.Now()
	var id int64
	err := s.stmtInsertRSS.QueryRowContext(ctx, exclusive, queues).Scan(&id)
	s.trace("InsertRSS", start, err, exclusive, queues)
	return nicctl.RSSContextID(id), err
}

func scanRSS(row interface{ Scan(...any) error }) (RSSContext, error) {
	var c RSSContext
	var id int64
	if err := row.Scan(&id, &c.Exclusive, &c.Queues, &c.Key, &c.Indir); err != nil {
		return RSSContext{}, err
	}
	c.ID = nicctl.RSSContextID(id)
	return c, nil
}

func (s *firmwareStore) getRSS(ctx context.Context, id nicctl.RSSContextID) (RSSContext, bool, error) {
	c, err := scanRSS(s.stmtGetRSS.QueryRowContext(ctx, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return RSSContext{}, false, nil
	}
	return c, err == nil, err
}

func (s *firmwareStore) countExclusiveRSS(ctx context.Context) (int, error) {
	var n int
	err := s.stmtCountExclusive.QueryRowContext(ctx).Scan(&n)
	return n, err
}

func (s *firmwareStore) countRSSRefs(ctx context.Context, id nicctl.RSSContextID) (int, error) {
	var n int
	err := s.stmtCountRSSRefs.QueryRowContext(ctx, int64(id)).Scan(&n)
	return n, err
}

func (s *firmwareStore) deleteRSS(ctx context.Context, id nicctl.RSSContextID) error {
	start := time.Now()
	_, err := s.stmtDeleteRSS.ExecContext(ctx, int64(id))
	s.trace("DeleteRSS", start, err, id)
	return err
}

func (s *firmwareStore) setRSSKey(ctx context.Context, id nicctl.RSSContextID, key []byte) error {
	start := time.Now()
	_, err := s.stmtSetRSSKey.ExecContext(ctx, key, int64(id))
	s.trace("SetRSSKey", start, err, id)
	return err
}

func (s *firmwareStore) setRSSIndir(ctx context.Context, id nicctl.RSSContextID, indir []byte) error {
	start := time.Now()
	_, err := s.stmtSetRSSIndir.ExecContext(ctx, indir, int64(id))
	s.trace("SetRSSIndir", start, err, id)
	return err
}

func (s *firmwareStore) listRSS(ctx context.Context) ([]RSSContext, error) {
	rows, err := s.stmtListRSS.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RSSContext
	for rows.Next() {
		c, err := scanRSS(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
