package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"noticewatch/internal/config"
	"noticewatch/internal/fetch"
	"noticewatch/internal/notice"
	"noticewatch/internal/queue"
	"noticewatch/internal/storage"
	logx "noticewatch/pkg/logx"
)

type fakeFetcher func(ctx context.Context, dept config.Department) ([]notice.RawItem, error)

func (f fakeFetcher) FetchPage(ctx context.Context, dept config.Department) ([]notice.RawItem, error) {
	return f(ctx, dept)
}

type fakeStore struct {
	snapshots map[string]*notice.Snapshot
	archived  []notice.ArchiveRecord
	seen      map[string]bool // "dept/ym/id@rev" append dedup

	putErr    error
	appendErr error
	puts      int
	appends   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		snapshots: map[string]*notice.Snapshot{},
		seen:      map[string]bool{},
	}
}

func (s *fakeStore) GetSnapshot(_ context.Context, dept string) (*notice.Snapshot, error) {
	snap, ok := s.snapshots[dept]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return snap, nil
}

func (s *fakeStore) PutSnapshot(_ context.Context, dept string, snap *notice.Snapshot) error {
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	s.snapshots[dept] = snap
	return nil
}

func (s *fakeStore) AppendArchive(_ context.Context, rec notice.ArchiveRecord) (bool, error) {
	s.appends++
	if s.appendErr != nil {
		return false, s.appendErr
	}
	key := fmt.Sprintf("%s/%s/%s@%d", rec.DepartmentID, rec.YearMonth, rec.Item.ID, rec.Item.Revision)
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	s.archived = append(s.archived, rec)
	return true, nil
}

func (s *fakeStore) ExistsOrCreate(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}

func (s *fakeStore) Close() error { return nil }

type captureSink struct {
	events []notice.ChangeEvent
	err    error
}

func (c *captureSink) EnqueueChange(ev notice.ChangeEvent) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func testDept() config.Department {
	return config.Department{ID: "cs", Name: "Computer Science", URL: "https://example.edu/cs/board"}
}

func newTestWorker(t *testing.T, store storage.Store, f fakeFetcher, sink EventSink) *Worker {
	t.Helper()
	w, err := NewWorker(store, f, sink, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return w
}

func TestRunFirstSightingCommitsAndEmits(t *testing.T) {
	store := newFakeStore()
	sink := &captureSink{}
	raw := []notice.RawItem{
		{ID: "101", Title: "Midterm schedule", Date: "2026-03-02"},
		{ID: "102", Title: "Lab safety notice", Date: "2026-03-03"},
	}
	w := newTestWorker(t, store, func(context.Context, config.Department) ([]notice.RawItem, error) {
		return raw, nil
	}, sink)

	if err := w.Run(context.Background(), testDept()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := store.snapshots["cs"]
	if snap == nil {
		t.Fatal("snapshot not written")
	}
	if len(snap.Items) != 2 {
		t.Fatalf("snapshot items = %d, want 2", len(snap.Items))
	}
	for _, it := range snap.Items {
		if it.Revision != 1 {
			t.Fatalf("item %s revision = %d, want 1", it.ID, it.Revision)
		}
		if it.FirstSeen.IsZero() {
			t.Fatalf("item %s has zero firstSeen", it.ID)
		}
	}
	if snap.Meta.LastUpdated.IsZero() {
		t.Fatal("meta.lastUpdated not set")
	}
	if len(store.archived) != 2 {
		t.Fatalf("archived %d records, want 2", len(store.archived))
	}
	if store.archived[0].YearMonth != "2026-03" {
		t.Fatalf("archive month = %q, want 2026-03", store.archived[0].YearMonth)
	}
	if len(sink.events) != 2 {
		t.Fatalf("emitted %d events, want 2", len(sink.events))
	}
	if sink.events[0].Kind != notice.ChangeNew || sink.events[0].NoticeID != "101" {
		t.Fatalf("unexpected first event %+v", sink.events[0])
	}
}

func TestRunNoChangesWritesNothing(t *testing.T) {
	store := newFakeStore()
	sink := &captureSink{}
	raw := []notice.RawItem{{ID: "101", Title: "Midterm schedule", Date: "2026-03-02"}}
	w := newTestWorker(t, store, func(context.Context, config.Department) ([]notice.RawItem, error) {
		return raw, nil
	}, sink)

	if err := w.Run(context.Background(), testDept()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := *store.snapshots["cs"]
	putsBefore, appendsBefore := store.puts, store.appends

	if err := w.Run(context.Background(), testDept()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if store.puts != putsBefore {
		t.Fatal("unchanged cycle rewrote the snapshot")
	}
	if store.appends != appendsBefore {
		t.Fatal("unchanged cycle touched the archive")
	}
	if len(sink.events) != 1 {
		t.Fatalf("emitted %d events total, want 1", len(sink.events))
	}
	if got := store.snapshots["cs"].Meta.LastUpdated; !got.Equal(before.Meta.LastUpdated) {
		t.Fatal("lastUpdated moved on an unchanged cycle")
	}
}

func TestRunUpdateBumpsRevisionAndPreservesFirstSeen(t *testing.T) {
	store := newFakeStore()
	sink := &captureSink{}
	body := []notice.RawItem{{ID: "101", Title: "Midterm schedule", Date: "2026-03-02"}}
	w := newTestWorker(t, store, func(context.Context, config.Department) ([]notice.RawItem, error) {
		return body, nil
	}, sink)

	if err := w.Run(context.Background(), testDept()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstSeen := store.snapshots["cs"].Items[0].FirstSeen

	body = []notice.RawItem{{ID: "101", Title: "Midterm schedule (revised)", Date: "2026-03-02"}}
	if err := w.Run(context.Background(), testDept()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	it := store.snapshots["cs"].Items[0]
	if it.Revision != 2 {
		t.Fatalf("revision = %d, want 2", it.Revision)
	}
	if !it.FirstSeen.Equal(firstSeen) {
		t.Fatal("firstSeen changed on update")
	}
	last := sink.events[len(sink.events)-1]
	if last.Kind != notice.ChangeUpdated || last.Revision != 2 {
		t.Fatalf("unexpected update event %+v", last)
	}
	// rev 1 and rev 2 are distinct archive entries
	if len(store.archived) != 2 {
		t.Fatalf("archived %d records, want 2", len(store.archived))
	}
}

func TestRunPayloadErrorIsNoRetry(t *testing.T) {
	w := newTestWorker(t, newFakeStore(), func(context.Context, config.Department) ([]notice.RawItem, error) {
		return nil, &fetch.PayloadError{URL: "https://example.edu/cs/board", Err: errors.New("not json")}
	}, &captureSink{})

	err := w.Run(context.Background(), testDept())
	if err == nil {
		t.Fatal("expected error")
	}
	if !queue.IsNoRetry(err) {
		t.Fatalf("payload error should not be retried: %v", err)
	}
	var serr *SchemaError
	if !errors.As(err, &serr) {
		t.Fatalf("want SchemaError, got %v", err)
	}
}

func TestRunEmptyIDIsNoRetry(t *testing.T) {
	w := newTestWorker(t, newFakeStore(), func(context.Context, config.Department) ([]notice.RawItem, error) {
		return []notice.RawItem{{ID: "", Title: "broken row"}}, nil
	}, &captureSink{})

	err := w.Run(context.Background(), testDept())
	if !queue.IsNoRetry(err) {
		t.Fatalf("empty id should dead-letter, got %v", err)
	}
}

func TestRunFetchErrorCarriesRetryHint(t *testing.T) {
	w := newTestWorker(t, newFakeStore(), func(context.Context, config.Department) ([]notice.RawItem, error) {
		return nil, &fetch.Error{URL: "https://example.edu/cs/board", Status: 429, RetryAfter: 7 * time.Second, Err: errors.New("rate limited")}
	}, &captureSink{})

	err := w.Run(context.Background(), testDept())
	if queue.IsNoRetry(err) {
		t.Fatalf("fetch error must stay retryable: %v", err)
	}
	var ra queue.RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatalf("want retry-after hint, got %v", err)
	}
	if ra.RetryAfter() != 7*time.Second {
		t.Fatalf("hint = %s, want 7s", ra.RetryAfter())
	}
}

func TestRunStorageFailureRetryable(t *testing.T) {
	store := newFakeStore()
	store.putErr = errors.New("disk full")
	w := newTestWorker(t, store, func(context.Context, config.Department) ([]notice.RawItem, error) {
		return []notice.RawItem{{ID: "101", Title: "Midterm schedule", Date: "2026-03-02"}}, nil
	}, &captureSink{})

	err := w.Run(context.Background(), testDept())
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("want StorageError, got %v", err)
	}
	if queue.IsNoRetry(err) {
		t.Fatal("storage errors must be retryable")
	}
	// archive rows landed before the snapshot write failed; the retried run
	// must dedup them instead of double-filing
	if len(store.archived) != 1 {
		t.Fatalf("archived %d, want 1", len(store.archived))
	}
	store.putErr = nil
	if err := w.Run(context.Background(), testDept()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(store.archived) != 1 {
		t.Fatalf("retry double-filed the archive: %d records", len(store.archived))
	}
}

func TestHandlerRejectsForeignPayload(t *testing.T) {
	w := newTestWorker(t, newFakeStore(), func(context.Context, config.Department) ([]notice.RawItem, error) {
		return nil, nil
	}, &captureSink{})

	err := w.Handler()(context.Background(), queue.Delivery{Queue: "ingest", Key: "cs", Payload: 42})
	if !queue.IsNoRetry(err) {
		t.Fatalf("foreign payload should dead-letter, got %v", err)
	}
}
