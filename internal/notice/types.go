package notice

import "time"

// SnapshotCap is the maximum number of items kept in a department's hot
// snapshot. The cap and the JSON field names below are part of the contract
// read by clients; do not change without versioning.
const SnapshotCap = 30

// RawItem is one announcement row as produced by the fetch layer,
// before any change classification.
type RawItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Date     string `json:"date"`
	Category string `json:"category"`
	Link     string `json:"link"`
	IsPinned bool   `json:"isPinned"`
}

// Item is one announcement instance tracked in a department snapshot.
//
// Revision starts at 1 on first sighting and increases by exactly 1 each
// time ContentHash changes for the same ID. FirstSeen is set on initial
// detection and never changes afterwards.
type Item struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Date        string    `json:"date"`
	Category    string    `json:"category"`
	Link        string    `json:"link"`
	IsPinned    bool      `json:"isPinned"`
	Revision    int       `json:"revision"`
	ContentHash string    `json:"contentHash"`
	FirstSeen   time.Time `json:"firstSeen"`
}

// Meta describes the department a snapshot belongs to.
type Meta struct {
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Snapshot is the hot, capped, most-recently-changed-first view of one
// department. It is owned exclusively by the department's serialized worker
// lineage; nothing mutates it concurrently.
type Snapshot struct {
	Meta  Meta   `json:"meta"`
	Items []Item `json:"items"`
}

// ItemByID returns the item with the given id, if present.
func (s *Snapshot) ItemByID(id string) (Item, bool) {
	if s == nil {
		return Item{}, false
	}
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// ChangeKind classifies a detected change.
type ChangeKind string

const (
	ChangeNew     ChangeKind = "new"
	ChangeUpdated ChangeKind = "updated"
)

// ChangeEvent signals one New or Updated classification. It is created by
// the ingestion worker and consumed (with dedup) by the notifier.
type ChangeEvent struct {
	DepartmentID string     `json:"departmentId"`
	NoticeID     string     `json:"noticeId"`
	Revision     int        `json:"revision"`
	Kind         ChangeKind `json:"changeKind"`
}

// ArchiveRecord is one immutable entry in a department's month-keyed
// append-only archive. Entries are never edited or removed; replaying an
// append with the same (id, revision) is a no-op at the storage layer.
type ArchiveRecord struct {
	DepartmentID string     `json:"departmentId"`
	YearMonth    string     `json:"yearMonth"`
	Item         Item       `json:"item"`
	Kind         ChangeKind `json:"changeKind"`
	ArchivedAt   time.Time  `json:"archivedAt"`
}

// dateFormats accepted when deriving the archive month from a notice date.
// Board dates arrive already cleaned by the fetch layer but formats still
// vary per CMS.
var dateFormats = []string{
	"2006-01-02",
	"2006.01.02",
	"2006/01/02",
	"2006-01",
	"2006.01",
}

// MonthKey derives the archive segment key (YYYY-MM) for an item. The key
// comes from the item's own date, not wall-clock, so backfilled or
// late-arriving items file under their own period. When the date does not
// parse, the item's FirstSeen month is used.
func MonthKey(it Item) string {
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, it.Date); err == nil {
			return t.Format("2006-01")
		}
	}
	return it.FirstSeen.UTC().Format("2006-01")
}
