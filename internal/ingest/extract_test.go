package ingest

import (
	"errors"
	"strings"
	"testing"
)

const page = `<!DOCTYPE html>
<html><head><title> My Day </title><style>p{color:red}</style></head>
<body>
<nav>Home</nav>
<h1>Monday</h1>
<p>Work was <b>tiring</b> today.</p>
<script>alert("x")</script>
<p onclick="evil()">Studied English<br>at night.</p>
</body></html>`

func TestExtractHTML(t *testing.T) {
	title, text, err := ExtractHTML([]byte(page))
	if err != nil {
		t.Fatalf("ExtractHTML: %v", err)
	}
	if title != "My Day" {
		t.Errorf("title = %q, want %q", title, "My Day")
	}
	for _, bad := range []string{"alert", "color:red", "evil"} {
		if strings.Contains(text, bad) {
			t.Errorf("text contains %q:\n%s", bad, text)
		}
	}
	if !strings.Contains(text, "Work was tiring today.\n\n") {
		t.Errorf("paragraphs not separated:\n%s", text)
	}
	if !strings.Contains(text, "Studied English\nat night.") {
		t.Errorf("line break lost:\n%s", text)
	}
}

func TestExtractFile(t *testing.T) {
	got, err := ExtractFile("note.md", []byte("line one  \r\n\r\n\r\n\r\nline   two"))
	if err != nil {
		t.Fatalf("ExtractFile: %v", err)
	}
	if got != "line one\n\nline two" {
		t.Errorf("text = %q", got)
	}

	if _, err := ExtractFile("photo.png", []byte{0x89, 'P', 'N', 'G', 0}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("png err = %v, want ErrUnsupported", err)
	}
	if _, err := ExtractFile("fake.pdf", []byte("hello")); err == nil {
		t.Error("pdf without header accepted")
	}
	if _, err := ExtractFile("broken.pdf", []byte("%PDF-1.4 garbage")); err == nil {
		t.Error("corrupt pdf accepted")
	}
}
