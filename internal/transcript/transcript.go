// ABOUTME: Renders a session snapshot as a standalone HTML transcript
// ABOUTME: Agent and system text is markdown converted with goldmark; user text is escaped verbatim

package transcript

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"os"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/2389/coven-dash/internal/conversation"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

var page = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; color: #1f2328; }
.msg { margin: 1rem 0; padding: .75rem 1rem; border-radius: .5rem; }
.user { background: #ddf4ff; white-space: pre-wrap; }
.agent { background: #f6f8fa; }
.system { background: #fff8c5; font-style: italic; }
.meta { font-size: .75rem; color: #656d76; margin-bottom: .25rem; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">Exported {{.Exported.Format "2006-01-02 15:04 MST"}}</p>
{{range .Messages}}<div class="msg {{.Origin}}">
<div class="meta">{{.Origin}}{{if not .Timestamp.IsZero}} &middot; {{.Timestamp.Format "15:04:05"}}{{end}}{{if .Partial}} &middot; streaming{{end}}</div>
{{.Body}}</div>
{{end}}</body>
</html>
`))

type renderedMessage struct {
	Origin    conversation.Origin
	Timestamp time.Time
	Partial   bool
	Body      template.HTML
}

// Render writes s as an HTML document to w.
func Render(w io.Writer, s conversation.Session, exported time.Time) error {
	msgs := make([]renderedMessage, 0, len(s.Messages))
	for _, m := range s.Messages {
		body, err := renderBody(m)
		if err != nil {
			return fmt.Errorf("rendering message %s: %w", m.ID, err)
		}
		msgs = append(msgs, renderedMessage{
			Origin:    m.Origin,
			Timestamp: m.Timestamp,
			Partial:   m.Partial,
			Body:      body,
		})
	}

	title := s.DisplayName
	if title == "" {
		title = s.ID
	}

	return page.Execute(w, struct {
		Title    string
		Exported time.Time
		Messages []renderedMessage
	}{
		Title:    title,
		Exported: exported,
		Messages: msgs,
	})
}

// WriteFile renders s to path, replacing any existing file.
func WriteFile(path string, s conversation.Session, exported time.Time) error {
	var buf bytes.Buffer
	if err := Render(&buf, s, exported); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	return nil
}

func renderBody(m conversation.Message) (template.HTML, error) {
	if m.Origin == conversation.OriginUser {
		return template.HTML(template.HTMLEscapeString(m.Text)), nil
	}

	// goldmark drops raw HTML unless WithUnsafe is set.
	var buf bytes.Buffer
	if err := md.Convert([]byte(m.Text), &buf); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}
