package capture

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/anyan2/IdeaSystemXS/internal/storage"
)

type recordingCreator struct {
	got  []storage.NewIdea
	fail int // fail on this call number when > 0
}

func (c *recordingCreator) CreateIdea(_ context.Context, in storage.NewIdea) (string, error) {
	if c.fail > 0 && len(c.got)+1 == c.fail {
		return "", fmt.Errorf("store unavailable")
	}
	c.got = append(c.got, in)
	return fmt.Sprintf("idea-%d", len(c.got)), nil
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSplit(t *testing.T) {
	got := Split("first line\ncontinues here\n\n\n  second   paragraph  \r\n\r\nthird")
	want := []string{"first line continues here", "second paragraph", "third"}
	if len(got) != len(want) {
		t.Fatalf("Split = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("paragraph %d = %q, want %q", i, got[i], want[i])
		}
	}
	if len(Split("  \n\n ")) != 0 {
		t.Error("blank text produced paragraphs")
	}
}

func TestImportTextFile(t *testing.T) {
	path := writeFile(t, "notes.txt", "Start a community garden in spring.\n\nok\n\nLearn to bake sourdough bread at home.\n")
	c := &recordingCreator{}
	res, err := NewImporter(c, nil).Import(context.Background(), path, []string{"import"})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Title != "notes" || len(res.IdeaIDs) != 2 || res.Skipped != 1 {
		t.Errorf("result = %+v", res)
	}
	if c.got[1].Content != "Learn to bake sourdough bread at home." || c.got[1].Tags[0] != "import" {
		t.Errorf("second idea = %+v", c.got[1])
	}
}

func TestImportMarkdown(t *testing.T) {
	path := writeFile(t, "plan.md", "# Weekend projects\n- Repaint the old bicycle frame\n- Fix the squeaky garden gate\n\n```\ncode block\n```\n")
	c := &recordingCreator{}
	if _, err := NewImporter(c, nil).Import(context.Background(), path, nil); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(c.got) != 2 {
		t.Fatalf("ideas = %+v", c.got)
	}
	if c.got[0].Content != "Weekend projects" {
		t.Errorf("heading = %q", c.got[0].Content)
	}
	if c.got[1].Content != "Repaint the old bicycle frame Fix the squeaky garden gate" {
		t.Errorf("list = %q", c.got[1].Content)
	}
}

func TestImportURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Ideas page</title><script>var x = 1;</script></head>
<body><nav>Home | About</nav>
<p>Build a solar powered phone charger.</p>
<ul><li>Write a short story every week</li></ul>
</body></html>`)
	}))
	defer srv.Close()

	c := &recordingCreator{}
	res, err := NewImporter(c, srv.Client()).Import(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Title != "Ideas page" {
		t.Errorf("title = %q", res.Title)
	}
	if len(c.got) != 2 || c.got[0].Content != "Build a solar powered phone charger." || c.got[1].Content != "Write a short story every week" {
		t.Errorf("ideas = %+v", c.got)
	}
	for _, in := range c.got {
		if strings.Contains(in.Content, "var x") || strings.Contains(in.Content, "Home") {
			t.Errorf("non-content text captured: %q", in.Content)
		}
	}
}

func TestImportURL_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	if _, err := NewImporter(&recordingCreator{}, srv.Client()).Import(context.Background(), srv.URL, nil); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestImportStopsOnCreateError(t *testing.T) {
	path := writeFile(t, "list.txt", "Paragraph number one here.\n\nParagraph number two here.\n\nParagraph number three.\n")
	c := &recordingCreator{fail: 2}
	res, err := NewImporter(c, nil).Import(context.Background(), path, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(res.IdeaIDs) != 1 {
		t.Errorf("created before failure = %v, want 1", res.IdeaIDs)
	}
}

func TestUnsupportedAndBrokenFiles(t *testing.T) {
	im := NewImporter(&recordingCreator{}, nil)
	if _, err := im.Extract(context.Background(), writeFile(t, "a.docx", "x")); err == nil {
		t.Error("expected error for .docx")
	}
	if _, err := im.Extract(context.Background(), writeFile(t, "a.pdf", "not a pdf")); err == nil {
		t.Error("expected error for broken pdf")
	}
	if _, err := im.Extract(context.Background(), filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}
