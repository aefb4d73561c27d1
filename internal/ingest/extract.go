package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrUnsupported is returned for uploads that are not pdf, html or text.
var ErrUnsupported = errors.New("unsupported file type")

var (
	spaceRe     = regexp.MustCompile(`[ \t\f\v]+`)
	blankRunsRe = regexp.MustCompile(`\n{3,}`)
)

// ExtractFile returns the plain text of an uploaded document, picking the
// extractor by content sniffing and then by extension.
func ExtractFile(name string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return ExtractPDF(data)
	case ext == ".pdf":
		return "", fmt.Errorf("%s: missing %%PDF header", name)
	case ext == ".html" || ext == ".htm" || looksLikeHTML(data):
		_, text, err := ExtractHTML(data)
		return text, err
	case ext == ".txt" || ext == ".md" || ext == ".markdown" || ext == "":
		if bytes.IndexByte(data, 0) >= 0 {
			return "", fmt.Errorf("%s: %w", name, ErrUnsupported)
		}
		return normalize(string(data)), nil
	}
	return "", fmt.Errorf("%s: %w", name, ErrUnsupported)
}

func looksLikeHTML(b []byte) bool {
	head := strings.ToLower(strings.TrimSpace(string(b[:min(len(b), 2048)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// ExtractPDF returns the plain text of a PDF document.
func ExtractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return normalize(string(b)), nil
}

// ExtractHTML sanitizes an HTML document and returns its title and visible
// text. Block elements become paragraphs separated by a blank line so that
// segmentation keeps them apart.
func ExtractHTML(data []byte) (title, text string, err error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("parsing html: %w", err)
	}
	title = findTitle(doc)

	clean := bluemonday.UGCPolicy().SanitizeBytes(data)
	body, err := html.Parse(bytes.NewReader(clean))
	if err != nil {
		return "", "", fmt.Errorf("parsing sanitized html: %w", err)
	}

	var paras []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			paras = append(paras, s)
		}
		cur.Reset()
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if s := strings.TrimSpace(n.Data); s != "" {
				if cur.Len() > 0 {
					cur.WriteByte(' ')
				}
				cur.WriteString(s)
			}
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Title:
				return
			case atom.Br:
				cur.WriteByte('\n')
				return
			}
		}
		block := n.Type == html.ElementNode && isBlock(n.DataAtom)
		if block {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			flush()
		}
	}
	walk(body)
	flush()

	return title, normalize(strings.Join(paras, "\n\n")), nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Blockquote, atom.Pre,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Li, atom.Ul, atom.Ol, atom.Table, atom.Tr:
		return true
	}
	return false
}

// normalize collapses horizontal whitespace and blank-line runs while
// keeping paragraph breaks.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRe.ReplaceAllString(l, " "))
	}
	return strings.TrimSpace(blankRunsRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
