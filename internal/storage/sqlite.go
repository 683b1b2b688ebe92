//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"noticewatch/internal/notice"
	logx "noticewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetSnapshot(ctx context.Context, departmentID string) (*notice.Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM snapshots WHERE dept_id = ?`, departmentID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap notice.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", departmentID, err)
	}
	return &snap, nil
}

func (s *sqliteStore) PutSnapshot(ctx context.Context, departmentID string, snap *notice.Snapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if snap == nil {
		return errors.New("nil snapshot")
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	// A single upsert statement; readers never see a partial document.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots(dept_id, body, updated_at) VALUES(?,?,?)
		 ON CONFLICT(dept_id) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		departmentID, string(body), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) AppendArchive(ctx context.Context, rec notice.ArchiveRecord) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if rec.DepartmentID == "" || rec.Item.ID == "" {
		return false, errors.New("archive record requires department and item id")
	}
	if rec.YearMonth == "" {
		rec.YearMonth = notice.MonthKey(rec.Item)
	}
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	// INSERT OR IGNORE is the dedup-on-append gate: an existing
	// id+revision row in the month segment makes this a no-op.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO archive(dept_id, year_month, notice_id, revision, change_kind, body, archived_at)
		 VALUES(?,?,?,?,?,?,?)`,
		rec.DepartmentID, rec.YearMonth, rec.Item.ID, rec.Item.Revision,
		string(rec.Kind), string(body), rec.ArchivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ExistsOrCreate(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("empty idempotency key")
	}
	now := time.Now().UnixMilli()

	// Expired keys count as absent. The pool is capped at one connection,
	// so delete-then-insert is not racy within this process.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE key = ? AND until < ?`, key, now); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency(key, until) VALUES(?,?) ON CONFLICT(key) DO NOTHING`,
		key, time.Now().Add(ttl).UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return n == 0, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE until < ?`, now)
	return err
}
