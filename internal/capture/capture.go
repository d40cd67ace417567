// Package capture turns documents into ideas: text, markdown and PDF files
// or web pages are split into paragraphs and each paragraph is captured.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anyan2/IdeaSystemXS/internal/storage"
)

const (
	maxFileSize     = 20 << 20 // 20MB
	maxURLFetchSize = 5 << 20  // 5MB

	// minParagraph drops fragments too short to be an idea (page numbers,
	// stray headings).
	minParagraph = 12
)

// Document is extracted text ready to be split.
type Document struct {
	Title string
	Text  string
}

// Creator captures one idea and returns its id.
type Creator interface {
	CreateIdea(ctx context.Context, in storage.NewIdea) (string, error)
}

// Importer extracts documents and captures their paragraphs as ideas.
type Importer struct {
	creator Creator
	client  *http.Client
	logger  *slog.Logger
}

func NewImporter(creator Creator, client *http.Client) *Importer {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Importer{creator: creator, client: client, logger: slog.Default()}
}

// Result reports what an import created.
type Result struct {
	Title   string
	IdeaIDs []string
	Skipped int
}

// Import captures every paragraph of src, a file path or an http(s) URL.
// Ideas are tagged with tags. A failure part way leaves the ideas created so
// far in place and reports them in the result.
func (im *Importer) Import(ctx context.Context, src string, tags []string) (Result, error) {
	doc, err := im.Extract(ctx, src)
	if err != nil {
		return Result{}, err
	}
	res := Result{Title: doc.Title}
	for _, para := range Split(doc.Text) {
		if utf8.RuneCountInString(para) < minParagraph {
			res.Skipped++
			continue
		}
		id, err := im.creator.CreateIdea(ctx, storage.NewIdea{Content: para, Tags: tags})
		if err != nil {
			return res, fmt.Errorf("capturing paragraph %d of %s: %w", len(res.IdeaIDs)+1, src, err)
		}
		res.IdeaIDs = append(res.IdeaIDs, id)
	}
	im.logger.Info("import finished", "source", src, "ideas", len(res.IdeaIDs), "skipped", res.Skipped)
	return res, nil
}

// Extract reads src and returns its text.
func (im *Importer) Extract(ctx context.Context, src string) (Document, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return im.fetch(ctx, src)
	}
	return extractFile(src)
}

func extractFile(path string) (Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Document{}, err
	}
	if info.Size() > maxFileSize {
		return Document{}, fmt.Errorf("%s is %d bytes, limit is %d", path, info.Size(), maxFileSize)
	}
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		f, err := os.Open(path)
		if err != nil {
			return Document{}, err
		}
		defer f.Close()
		text, err := pdfText(f, info.Size())
		if err != nil {
			return Document{}, fmt.Errorf("reading pdf %s: %w", path, err)
		}
		return Document{Title: title, Text: text}, nil
	case ".html", ".htm":
		f, err := os.Open(path)
		if err != nil {
			return Document{}, err
		}
		defer f.Close()
		doc, err := htmlText(f)
		if err != nil {
			return Document{}, fmt.Errorf("parsing html %s: %w", path, err)
		}
		if doc.Title == "" {
			doc.Title = title
		}
		return doc, nil
	case ".md", ".markdown":
		data, err := os.ReadFile(path)
		if err != nil {
			return Document{}, err
		}
		return Document{Title: title, Text: stripMarkdown(string(data))}, nil
	case ".txt", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return Document{}, err
		}
		if !utf8.Valid(data) {
			return Document{}, fmt.Errorf("%s is not UTF-8 text", path)
		}
		return Document{Title: title, Text: string(data)}, nil
	default:
		return Document{}, fmt.Errorf("unsupported file type %q (want .txt, .md, .html or .pdf)", filepath.Ext(path))
	}
}

func (im *Importer) fetch(ctx context.Context, url string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Document{}, fmt.Errorf("invalid url: %w", err)
	}
	resp, err := im.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Document{}, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", url, err)
	}

	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/pdf"):
		text, err := pdfText(bytes.NewReader(body), int64(len(body)))
		if err != nil {
			return Document{}, fmt.Errorf("reading pdf from %s: %w", url, err)
		}
		return Document{Title: url, Text: text}, nil
	case strings.HasPrefix(ct, "text/plain"):
		return Document{Title: url, Text: string(body)}, nil
	default:
		doc, err := htmlText(bytes.NewReader(body))
		if err != nil {
			return Document{}, fmt.Errorf("parsing html from %s: %w", url, err)
		}
		if doc.Title == "" {
			doc.Title = url
		}
		return doc, nil
	}
}

// Split breaks text into paragraphs at blank lines. Lines inside a
// paragraph are joined with single spaces.
func Split(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.Join(cur, " "))
			cur = cur[:0]
		}
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return out
}

// stripMarkdown removes heading markers, list bullets and code fences so
// paragraphs read as plain text. Headings become their own paragraph.
func stripMarkdown(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		t := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(t, "```"):
			continue
		case strings.HasPrefix(t, "#"):
			b.WriteString("\n" + strings.TrimSpace(strings.TrimLeft(t, "#")) + "\n\n")
			continue
		case strings.HasPrefix(t, "- "), strings.HasPrefix(t, "* "), strings.HasPrefix(t, "+ "):
			t = strings.TrimSpace(t[2:])
		}
		b.WriteString(t)
		b.WriteByte('\n')
	}
	return b.String()
}
