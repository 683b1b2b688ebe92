package push

import (
	"strings"
	"testing"

	"noticewatch/internal/notice"
	"noticewatch/internal/notifier"
)

func TestRenderTextNewNotice(t *testing.T) {
	got := renderText(notifier.Message{
		DepartmentID: "cs",
		NoticeID:     "101",
		Revision:     1,
		Kind:         notice.ChangeNew,
		Title:        "Midterm <schedule>",
		Link:         "https://example.edu/cs/board/101",
		Category:     "Exams",
		Date:         "2026-03-02",
	})
	if !strings.Contains(got, "New notice") {
		t.Fatalf("missing header: %q", got)
	}
	if !strings.Contains(got, "Midterm &lt;schedule&gt;") {
		t.Fatalf("title not escaped: %q", got)
	}
	if !strings.Contains(got, `href="https://example.edu/cs/board/101"`) {
		t.Fatalf("missing link: %q", got)
	}
	if strings.Contains(got, "rev") {
		t.Fatalf("revision shown for first sighting: %q", got)
	}
}

func TestRenderTextUpdateShowsRevision(t *testing.T) {
	got := renderText(notifier.Message{
		DepartmentID: "cs",
		NoticeID:     "101",
		Revision:     3,
		Kind:         notice.ChangeUpdated,
		Title:        "Midterm schedule",
		Date:         "2026-03-02",
	})
	if !strings.Contains(got, "Updated notice") {
		t.Fatalf("missing header: %q", got)
	}
	if !strings.Contains(got, "rev 3") {
		t.Fatalf("missing revision: %q", got)
	}
}

func TestRenderTextEvictedNoticeFallsBackToID(t *testing.T) {
	got := renderText(notifier.Message{DepartmentID: "cs", NoticeID: "101", Revision: 1, Kind: notice.ChangeNew})
	if !strings.Contains(got, "#101") {
		t.Fatalf("missing id fallback: %q", got)
	}
}
