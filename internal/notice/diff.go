package notice

import (
	"fmt"
	"time"
)

// DiffResult classifies one incoming batch against the pre-call snapshot.
//
// News and Updates preserve incoming batch order within each class; callers
// prepend (news ++ updates) to the snapshot in that order.
type DiffResult struct {
	News      []Item
	Updates   []Item
	Unchanged int
}

// Changed reports whether the diff produced any New or Updated items.
func (r DiffResult) Changed() bool { return len(r.News) > 0 || len(r.Updates) > 0 }

// Diff classifies incoming items against the existing snapshot by id.
//
//   - id absent from the snapshot: New, revision 1, firstSeen = now.
//   - id present with a different content hash: Updated, revision + 1,
//     firstSeen preserved.
//   - id present with the same hash: Unchanged, no output.
//
// If the same id appears more than once in one batch (pagination overlap),
// the later occurrence wins and the id is classified exactly once, against
// the pre-call snapshot only. Revision therefore never moves by more than
// one per call.
//
// Diff is pure: it never mutates the snapshot. A malformed item (empty id)
// fails the whole batch; partial classification would leave the caller
// unable to retry safely.
func Diff(snap *Snapshot, incoming []RawItem, now time.Time) (DiffResult, error) {
	// Collapse duplicate ids, keeping first-appearance order but
	// later-in-batch content.
	dedup := make([]RawItem, 0, len(incoming))
	pos := make(map[string]int, len(incoming))
	for i, r := range incoming {
		if r.ID == "" {
			return DiffResult{}, fmt.Errorf("incoming item %d: %w", i, ErrEmptyID)
		}
		if at, seen := pos[r.ID]; seen {
			dedup[at] = r
			continue
		}
		pos[r.ID] = len(dedup)
		dedup = append(dedup, r)
	}

	var res DiffResult
	for _, r := range dedup {
		hash, err := Fingerprint(r)
		if err != nil {
			return DiffResult{}, err
		}
		prev, ok := snap.ItemByID(r.ID)
		switch {
		case !ok:
			res.News = append(res.News, Item{
				ID:          r.ID,
				Title:       r.Title,
				Date:        r.Date,
				Category:    r.Category,
				Link:        r.Link,
				IsPinned:    r.IsPinned,
				Revision:    1,
				ContentHash: hash,
				FirstSeen:   now,
			})
		case prev.ContentHash != hash:
			res.Updates = append(res.Updates, Item{
				ID:          r.ID,
				Title:       r.Title,
				Date:        r.Date,
				Category:    r.Category,
				Link:        r.Link,
				IsPinned:    r.IsPinned,
				Revision:    prev.Revision + 1,
				ContentHash: hash,
				FirstSeen:   prev.FirstSeen,
			})
		default:
			res.Unchanged++
		}
	}
	return res, nil
}

// Events converts the diff result into change events for the department,
// news first, then updates, preserving classification order.
func (r DiffResult) Events(departmentID string) []ChangeEvent {
	evs := make([]ChangeEvent, 0, len(r.News)+len(r.Updates))
	for _, it := range r.News {
		evs = append(evs, ChangeEvent{
			DepartmentID: departmentID,
			NoticeID:     it.ID,
			Revision:     it.Revision,
			Kind:         ChangeNew,
		})
	}
	for _, it := range r.Updates {
		evs = append(evs, ChangeEvent{
			DepartmentID: departmentID,
			NoticeID:     it.ID,
			Revision:     it.Revision,
			Kind:         ChangeUpdated,
		})
	}
	return evs
}

// MergeItems builds the next snapshot item list: (news ++ updates) first,
// followed by previously existing items whose ids are not in the changed
// set, truncated to SnapshotCap. The result never contains duplicate ids.
func MergeItems(prev []Item, news, updates []Item) []Item {
	next := make([]Item, 0, len(news)+len(updates)+len(prev))
	changed := make(map[string]struct{}, len(news)+len(updates))
	for _, it := range news {
		next = append(next, it)
		changed[it.ID] = struct{}{}
	}
	for _, it := range updates {
		next = append(next, it)
		changed[it.ID] = struct{}{}
	}
	for _, it := range prev {
		if _, ok := changed[it.ID]; ok {
			continue
		}
		next = append(next, it)
	}
	if len(next) > SnapshotCap {
		next = next[:SnapshotCap]
	}
	return next
}
