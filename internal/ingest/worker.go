// Package ingest runs the per-department change-detection cycle. Each run
// walks through fetching, diffing, committing and event emission; a failure
// at any phase aborts the run and lets the dispatch queue decide whether to
// retry or dead-letter the job.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"noticewatch/internal/config"
	"noticewatch/internal/eventbus"
	"noticewatch/internal/fetch"
	"noticewatch/internal/notice"
	"noticewatch/internal/queue"
	"noticewatch/internal/storage"
	logx "noticewatch/pkg/logx"
)

// EventSink receives change events discovered during a run. Implementations
// must de-duplicate downstream (delivery is at-least-once: a crash between
// commit and emission replays the whole cycle).
type EventSink interface {
	EnqueueChange(ev notice.ChangeEvent) error
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ev notice.ChangeEvent) error

func (f SinkFunc) EnqueueChange(ev notice.ChangeEvent) error { return f(ev) }

// Worker fetches one department page, diffs it against the stored snapshot
// and commits the result. A Worker is stateless between runs and safe for
// concurrent use across departments; per-department serialization is the
// dispatch queue's job.
type Worker struct {
	store   storage.Store
	fetcher fetch.PageFetcher
	sink    EventSink
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
}

func NewWorker(store storage.Store, fetcher fetch.PageFetcher, sink EventSink, log logx.Logger, bus eventbus.Bus) (*Worker, error) {
	if store == nil {
		return nil, errors.New("ingest: storage is required")
	}
	if fetcher == nil {
		return nil, errors.New("ingest: fetcher is required")
	}
	if sink == nil {
		return nil, errors.New("ingest: event sink is required")
	}
	return &Worker{
		store:   store,
		fetcher: fetcher,
		sink:    sink,
		log:     log,
		bus:     bus,
		now:     time.Now,
	}, nil
}

// Handler adapts the worker to a dispatch queue handler. The payload is the
// department config captured at enqueue time, so a hot reload mid-flight
// does not change a running job under it.
func (w *Worker) Handler() queue.Handler {
	return func(ctx context.Context, d queue.Delivery) error {
		dept, ok := d.Payload.(config.Department)
		if !ok {
			return queue.NoRetry(fmt.Errorf("ingest: unexpected payload %T", d.Payload))
		}
		return w.Run(ctx, dept)
	}
}

// Run executes one ingestion cycle for the department. Retryable failures
// (network, storage) are returned as-is; malformed payloads come back
// wrapped in queue.NoRetry so the queue dead-letters them immediately.
func (w *Worker) Run(ctx context.Context, dept config.Department) error {
	start := w.now()

	// Fetching
	raw, err := w.fetcher.FetchPage(ctx, dept)
	if err != nil {
		var perr *fetch.PayloadError
		if errors.As(err, &perr) {
			return queue.NoRetry(&SchemaError{Department: dept.ID, Err: err})
		}
		var ferr *fetch.Error
		if errors.As(err, &ferr) && ferr.RetryAfter > 0 {
			return queue.RetryAfter(fmt.Errorf("fetching: %w", err), ferr.RetryAfter)
		}
		return fmt.Errorf("fetching: %w", err)
	}

	// Diffing
	prev, err := w.store.GetSnapshot(ctx, dept.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return &StorageError{Op: "get snapshot", Err: err}
		}
		prev = &notice.Snapshot{Meta: notice.Meta{
			Name: dept.Name,
			URL:  dept.URL,
		}}
	}
	res, err := notice.Diff(prev, raw, start)
	if err != nil {
		return queue.NoRetry(&SchemaError{Department: dept.ID, Err: err})
	}
	if !res.Changed() {
		w.log.Debug("ingest: no changes",
			logx.String("dept", dept.ID),
			logx.Int("items", len(raw)),
			logx.Duration("took", w.now().Sub(start)))
		return nil
	}

	// Committing. Archive first: if the snapshot write below fails, the
	// retried run re-diffs the same changes and the appends dedup to no-ops.
	// Snapshot first would lose archive rows for good on a partial failure.
	for _, ch := range [][]notice.Item{res.News, res.Updates} {
		for _, it := range ch {
			kind := notice.ChangeNew
			if it.Revision > 1 {
				kind = notice.ChangeUpdated
			}
			rec := notice.ArchiveRecord{
				DepartmentID: dept.ID,
				YearMonth:    notice.MonthKey(it),
				Item:         it,
				Kind:         kind,
				ArchivedAt:   start,
			}
			if _, err := w.store.AppendArchive(ctx, rec); err != nil {
				return &StorageError{Op: "append archive", Err: err}
			}
		}
	}
	next := &notice.Snapshot{
		Meta: notice.Meta{
			Name:        dept.Name,
			URL:         dept.URL,
			LastUpdated: start,
		},
		Items: notice.MergeItems(prev.Items, res.News, res.Updates),
	}
	if err := w.store.PutSnapshot(ctx, dept.ID, next); err != nil {
		return &StorageError{Op: "put snapshot", Err: err}
	}

	// EventEmission
	for _, ev := range res.Events(dept.ID) {
		if err := w.sink.EnqueueChange(ev); err != nil {
			return fmt.Errorf("emitting: %w", err)
		}
		if w.bus != nil {
			w.bus.Publish(eventbus.Event{
				Type: eventbus.TypeChangeFound,
				Data: ev,
			})
		}
	}

	w.log.Info("ingest: committed",
		logx.String("dept", dept.ID),
		logx.Int("new", len(res.News)),
		logx.Int("updated", len(res.Updates)),
		logx.Int("snapshot", len(next.Items)),
		logx.Duration("took", w.now().Sub(start)))
	return nil
}
