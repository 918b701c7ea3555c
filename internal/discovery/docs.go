// ABOUTME: Renders the service's Markdown documentation to an HTML page
// ABOUTME: Uses goldmark with GitHub-flavoured extensions

package discovery

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"os"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var docsPage = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>body{font-family:system-ui,sans-serif;max-width:48rem;margin:2rem auto;padding:0 1rem;line-height:1.5}pre{background:#f4f4f4;padding:1rem;overflow-x:auto}</style>
</head>
<body>
{{.Content}}
</body>
</html>
`))

// RenderDocs converts markdown into a complete HTML page.
func RenderDocs(title string, markdown []byte) ([]byte, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var content bytes.Buffer
	if err := md.Convert(markdown, &content); err != nil {
		return nil, fmt.Errorf("converting markdown: %w", err)
	}

	var page bytes.Buffer
	err := docsPage.Execute(&page, struct {
		Title   string
		Content template.HTML
	}{
		Title:   title,
		Content: template.HTML(content.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering docs page: %w", err)
	}
	return page.Bytes(), nil
}

// NewDocsHandler reads the markdown file at path once and serves it as HTML.
func NewDocsHandler(title, path string) (http.Handler, error) {
	markdown, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading docs: %w", err)
	}
	page, err := RenderDocs(title, markdown)
	if err != nil {
		return nil, err
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", CacheControl)
		_, _ = w.Write(page)
	}), nil
}
