package transcript

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dash/internal/conversation"
)

var exportedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRender_AgentMarkdown(t *testing.T) {
	s := conversation.Session{
		ID:          "s1",
		DisplayName: "Deploys",
		Messages: []conversation.Message{
			{ID: "1", Origin: conversation.OriginUser, Text: "ship **it** <now>"},
			{ID: "2", Origin: conversation.OriginAgent, Text: "Done:\n\n- built\n- **deployed**"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, s, exportedAt))
	out := buf.String()

	assert.Contains(t, out, "<title>Deploys</title>")
	assert.Contains(t, out, "<li><strong>deployed</strong></li>")
	assert.Contains(t, out, "ship **it** &lt;now&gt;", "user text is escaped, not rendered")
	assert.Contains(t, out, "2026-03-01 12:00 UTC")
}

func TestRender_DropsRawHTML(t *testing.T) {
	s := conversation.Session{
		ID: "s1",
		Messages: []conversation.Message{
			{ID: "1", Origin: conversation.OriginAgent, Text: "hi <script>alert(1)</script>"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, s, exportedAt))
	assert.NotContains(t, buf.String(), "<script>")
	assert.Contains(t, buf.String(), "<title>s1</title>")
}

func TestRender_MarksStreamingPartial(t *testing.T) {
	s := conversation.Session{
		ID: "s1",
		Messages: []conversation.Message{
			{ID: "1", Origin: conversation.OriginAgent, Text: "work", Partial: true},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, s, exportedAt))
	assert.Contains(t, buf.String(), "streaming")
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.html")
	s := conversation.Session{ID: "s1", Messages: []conversation.Message{
		{ID: "1", Origin: conversation.OriginSystem, Text: "The agent reported an error."},
	}}

	require.NoError(t, WriteFile(path, s, exportedAt))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `class="msg system"`)
	assert.Contains(t, string(data), "The agent reported an error.")
}
