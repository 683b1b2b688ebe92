package storage

import (
	"context"
	"errors"
	"time"

	"noticewatch/internal/notice"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free directory backend (json snapshots + jsonl logs)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the ingestion worker and the notifier.
//
// All three families of writes are idempotent by construction:
//   - PutSnapshot replaces the whole document atomically.
//   - AppendArchive skips entries whose (department, month, id, revision)
//     already exist, so a retried commit never duplicates history.
//   - ExistsOrCreate is the atomic create-if-absent gate for notification
//     dedup keys; the caller that observes existed=false won the create.
type Store interface {
	GetSnapshot(ctx context.Context, departmentID string) (*notice.Snapshot, error)
	PutSnapshot(ctx context.Context, departmentID string, snap *notice.Snapshot) error

	// AppendArchive reports whether the record was actually appended
	// (false means an entry with the same id+revision already existed in
	// the target month segment).
	AppendArchive(ctx context.Context, rec notice.ArchiveRecord) (bool, error)

	// ExistsOrCreate atomically records key with the given TTL unless an
	// unexpired entry already exists. Expired entries count as absent.
	ExistsOrCreate(ctx context.Context, key string, ttl time.Duration) (existed bool, err error)

	Close() error
}
