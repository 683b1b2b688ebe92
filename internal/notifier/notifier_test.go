package notifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"noticewatch/internal/notice"
	"noticewatch/internal/queue"
	"noticewatch/internal/storage"
	logx "noticewatch/pkg/logx"
)

type gateStore struct {
	keys    map[string]bool
	gateErr error
	snaps   map[string]*notice.Snapshot
	lastTTL time.Duration
}

func newGateStore() *gateStore {
	return &gateStore{keys: map[string]bool{}, snaps: map[string]*notice.Snapshot{}}
}

func (s *gateStore) GetSnapshot(_ context.Context, dept string) (*notice.Snapshot, error) {
	snap, ok := s.snaps[dept]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return snap, nil
}

func (s *gateStore) PutSnapshot(context.Context, string, *notice.Snapshot) error { return nil }

func (s *gateStore) AppendArchive(context.Context, notice.ArchiveRecord) (bool, error) {
	return false, nil
}

func (s *gateStore) ExistsOrCreate(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.lastTTL = ttl
	if s.gateErr != nil {
		return false, s.gateErr
	}
	if s.keys[key] {
		return true, nil
	}
	s.keys[key] = true
	return false, nil
}

func (s *gateStore) Close() error { return nil }

type recordingPusher struct {
	topics []string
	msgs   []Message
	err    error
}

func (p *recordingPusher) SendTopic(_ context.Context, topic string, msg Message) error {
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.msgs = append(p.msgs, msg)
	return nil
}

func testEvent() notice.ChangeEvent {
	return notice.ChangeEvent{DepartmentID: "cs", NoticeID: "101", Revision: 1, Kind: notice.ChangeNew}
}

func newTestService(t *testing.T, store storage.Store, p Pusher) *Service {
	t.Helper()
	svc, err := NewService(store, p, time.Hour, nil, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestHandleDeliversOnce(t *testing.T) {
	store := newGateStore()
	pusher := &recordingPusher{}
	svc := newTestService(t, store, pusher)

	sent, err := svc.Handle(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !sent {
		t.Fatal("first handle should deliver")
	}

	// same event again: redelivery after a crash mid-cycle
	sent, err = svc.Handle(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("Handle duplicate: %v", err)
	}
	if sent {
		t.Fatal("duplicate event delivered twice")
	}
	if len(pusher.msgs) != 1 {
		t.Fatalf("pushed %d messages, want 1", len(pusher.msgs))
	}
}

func TestHandleNewRevisionDeliversAgain(t *testing.T) {
	store := newGateStore()
	pusher := &recordingPusher{}
	svc := newTestService(t, store, pusher)

	if _, err := svc.Handle(context.Background(), testEvent()); err != nil {
		t.Fatalf("rev1: %v", err)
	}
	ev := testEvent()
	ev.Revision = 2
	ev.Kind = notice.ChangeUpdated
	sent, err := svc.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("rev2: %v", err)
	}
	if !sent {
		t.Fatal("new revision suppressed")
	}
	if len(pusher.msgs) != 2 {
		t.Fatalf("pushed %d messages, want 2", len(pusher.msgs))
	}
}

func TestHandleGateFailureIsRetryable(t *testing.T) {
	store := newGateStore()
	store.gateErr = errors.New("db locked")
	pusher := &recordingPusher{}
	svc := newTestService(t, store, pusher)

	_, err := svc.Handle(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected gate error")
	}
	if queue.IsNoRetry(err) {
		t.Fatal("gate failures must stay retryable")
	}
	if len(pusher.msgs) != 0 {
		t.Fatal("pushed despite gate failure")
	}

	// gate recovers: nothing was recorded, so delivery still happens
	store.gateErr = nil
	sent, err := svc.Handle(context.Background(), testEvent())
	if err != nil || !sent {
		t.Fatalf("recovery handle = (%v, %v), want (true, nil)", sent, err)
	}
}

func TestHandleSendFailureIsAcceptedLoss(t *testing.T) {
	store := newGateStore()
	pusher := &recordingPusher{err: errors.New("telegram down")}
	svc := newTestService(t, store, pusher)

	sent, err := svc.Handle(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("send failure must not surface: %v", err)
	}
	if sent {
		t.Fatal("reported sent on failure")
	}

	// key was recorded before the send, so a retry is suppressed rather than
	// risking a duplicate
	pusher.err = nil
	sent, err = svc.Handle(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sent {
		t.Fatal("retry after accepted loss delivered anyway")
	}
}

func TestHandleEnrichesFromSnapshot(t *testing.T) {
	store := newGateStore()
	store.snaps["cs"] = &notice.Snapshot{Items: []notice.Item{{
		ID:       "101",
		Title:    "Midterm schedule",
		Link:     "https://example.edu/cs/board/101",
		Date:     "2026-03-02",
		Category: "Exams",
		Revision: 1,
	}}}
	pusher := &recordingPusher{}
	svc := newTestService(t, store, pusher)

	if _, err := svc.Handle(context.Background(), testEvent()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	msg := pusher.msgs[0]
	if msg.Title != "Midterm schedule" || msg.Link == "" {
		t.Fatalf("message not enriched: %+v", msg)
	}
	if pusher.topics[0] != "notices/cs" {
		t.Fatalf("topic = %q, want notices/cs", pusher.topics[0])
	}
}

func TestHandlerRejectsForeignPayload(t *testing.T) {
	svc := newTestService(t, newGateStore(), &recordingPusher{})
	err := svc.Handler()(context.Background(), queue.Delivery{Queue: "notify", Key: "cs", Payload: "nope"})
	if !queue.IsNoRetry(err) {
		t.Fatalf("foreign payload should dead-letter, got %v", err)
	}
}

func TestUnsetTTLDefaultsToThirtyMinutes(t *testing.T) {
	store := newGateStore()
	svc, err := NewService(store, &recordingPusher{}, 0, nil, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := svc.Handle(context.Background(), testEvent()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if store.lastTTL != 30*time.Minute {
		t.Fatalf("gate recorded ttl %s, want 30m", store.lastTTL)
	}
	if DefaultTTL != 30*time.Minute {
		t.Fatalf("DefaultTTL = %s, want 30m", DefaultTTL)
	}
}

func TestIdempotencyKeyShape(t *testing.T) {
	got := IdempotencyKey(notice.ChangeEvent{DepartmentID: "cs", NoticeID: "101", Revision: 3})
	if got != "notify:cs:101:3" {
		t.Fatalf("key = %q", got)
	}
}
