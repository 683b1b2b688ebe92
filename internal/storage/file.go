package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"noticewatch/internal/notice"
	logx "noticewatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend rooted at a directory.
//
// Layout:
//   - snapshots/<dept>.json               (replaced via tmp+rename)
//   - archive/<dept>/<yyyy-mm>.jsonl      (append-only JSON Lines)
//   - idem.snapshot.json                  (periodic snapshot)
//   - idem.journal.jsonl                  (append-only journal)
//
// The idempotency journal is periodically compacted into the snapshot.
// Archive segments keep an in-memory id+revision index, loaded lazily per
// segment, so replayed appends are no-ops.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	root string

	idemSnapshotPath string
	idemJournalFile  *os.File
	idem             map[string]int64 // unix milli expiry
	idemWrites       int

	archiveIdx map[string]map[string]struct{} // segment path -> id@revision set
}

type idemRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	for _, dir := range []string{root, filepath.Join(root, "snapshots"), filepath.Join(root, "archive")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	snapPath := filepath.Join(root, "idem.snapshot.json")
	journalPath := filepath.Join(root, "idem.journal.jsonl")

	// Load idempotency state from snapshot + journal.
	idem := map[string]int64{}
	_ = loadIdemSnapshot(snapPath, idem)
	_ = replayIdemJournal(journalPath, idem)
	pruneExpired(idem)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:              log,
		root:             root,
		idemSnapshotPath: snapPath,
		idemJournalFile:  jf,
		idem:             idem,
		archiveIdx:       map[string]map[string]struct{}{},
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idemJournalFile != nil {
		err := s.idemJournalFile.Close()
		s.idemJournalFile = nil
		return err
	}
	return nil
}

// --- Snapshots ---

func (s *fileStore) snapshotPath(departmentID string) string {
	return filepath.Join(s.root, "snapshots", sanitizeID(departmentID)+".json")
}

func (s *fileStore) GetSnapshot(ctx context.Context, departmentID string) (*notice.Snapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.snapshotPath(departmentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var snap notice.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", departmentID, err)
	}
	return &snap, nil
}

func (s *fileStore) PutSnapshot(ctx context.Context, departmentID string, snap *notice.Snapshot) error {
	_ = ctx
	if snap == nil {
		return errors.New("nil snapshot")
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Write-new-then-rename so readers never observe a partial document.
	path := s.snapshotPath(departmentID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// --- Archive ---

func archiveKey(noticeID string, revision int) string {
	return noticeID + "@" + fmt.Sprint(revision)
}

func (s *fileStore) segmentPath(departmentID, yearMonth string) string {
	return filepath.Join(s.root, "archive", sanitizeID(departmentID), sanitizeID(yearMonth)+".jsonl")
}

func (s *fileStore) AppendArchive(ctx context.Context, rec notice.ArchiveRecord) (bool, error) {
	_ = ctx
	if rec.DepartmentID == "" || rec.Item.ID == "" {
		return false, errors.New("archive record requires department and item id")
	}
	if rec.YearMonth == "" {
		rec.YearMonth = notice.MonthKey(rec.Item)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.segmentPath(rec.DepartmentID, rec.YearMonth)
	idx, err := s.segmentIndexLocked(path)
	if err != nil {
		return false, err
	}
	key := archiveKey(rec.Item.ID, rec.Item.Revision)
	if _, dup := idx[key]; dup {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return false, err
	}
	idx[key] = struct{}{}
	return true, nil
}

// segmentIndexLocked returns the id@revision set for a segment, scanning the
// file on first touch.
func (s *fileStore) segmentIndexLocked(path string) (map[string]struct{}, error) {
	if idx, ok := s.archiveIdx[path]; ok {
		return idx, nil
	}
	idx := map[string]struct{}{}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.archiveIdx[path] = idx
			return idx, nil
		}
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec notice.ArchiveRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// A torn trailing line is tolerated; the next append rewrites
			// nothing, it just adds a fresh line.
			continue
		}
		idx[archiveKey(rec.Item.ID, rec.Item.Revision)] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	s.archiveIdx[path] = idx
	return idx, nil
}

// --- Idempotency keys ---

func (s *fileStore) ExistsOrCreate(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("empty idempotency key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idemJournalFile == nil {
		return false, errors.New("idempotency journal closed")
	}

	now := time.Now()
	if until, ok := s.idem[key]; ok && until >= now.UnixMilli() {
		return true, nil
	}

	ms := now.Add(ttl).UnixMilli()
	s.idem[key] = ms
	if err := json.NewEncoder(s.idemJournalFile).Encode(idemRecord{Key: key, Until: ms}); err != nil {
		// Roll back the in-memory claim so a retry can win the create again.
		delete(s.idem, key)
		return false, err
	}
	s.idemWrites++
	if s.idemWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("idempotency compact failed", logx.Any("err", err))
		}
	}
	return false, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpired(s.idem)

	tmp := s.idemSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.idem); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.idemSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.idemJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.idemJournalFile.Seek(0, 2)
	return err
}

func loadIdemSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayIdemJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r idemRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpired(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}

// sanitizeID makes an identifier safe for use as a path component.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	// "." and ".." are path components themselves
	if out == "" || strings.Trim(out, ".") == "" {
		return "_"
	}
	return out
}
