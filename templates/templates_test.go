package templates

import (
	"bytes"
	"context"
	"testing"
	"time"

	"despatchflow/internal/history"
	"despatchflow/internal/models"

	"github.com/a-h/templ"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, c templ.Component) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, c.Render(context.Background(), &buf))
	return buf.String()
}

func TestSignInPage(t *testing.T) {
	out := render(t, SignInPage(""))
	assert.Contains(t, out, `action="/signin"`)
	assert.NotContains(t, out, `class="error"`)

	out = render(t, SignInPage("name <required>"))
	assert.Contains(t, out, "name &lt;required&gt;")
}

func TestWorkspacePage(t *testing.T) {
	v := WorkspaceView{
		Snapshot: models.Snapshot{
			Session:     models.Session{Name: "Ana", Picture: "javascript:alert(1)"},
			HasDocument: true,
			Source:      &models.SourceFile{Name: "inv.xml", Size: 2048},
			Generation:  3,
			Conversion:  models.ConversionState{Phase: models.ConversionFailed, Reason: "service said no"},
			Email:       models.EmailState{Phase: models.EmailSendFailed, Recipient: `a"b@c.com`, Reason: "bounced"},
		},
		Metadata: models.Metadata{ID: "D9", IssueDate: "2025-04-01"},
		Preview:  "<Note>O'Brien &amp; co</Note>",
		History: []history.Entry{
			{Kind: history.KindConverted, SourceName: "inv.xml", DocumentID: "D9", At: time.Date(2025, 4, 1, 9, 30, 0, 0, time.UTC)},
			{Kind: history.KindEmailed, DocumentID: "D9", Recipient: "x@y.com", At: time.Date(2025, 4, 1, 9, 31, 0, 0, time.UTC)},
		},
		Notice: "hello",
	}
	out := render(t, WorkspacePage(v))

	assert.NotContains(t, out, "javascript:alert")
	assert.Contains(t, out, `data-generation="3"`)
	assert.Contains(t, out, "conversion_failed")
	assert.Contains(t, out, "Conversion failed: service said no")
	assert.Contains(t, out, "inv.xml (2.0 KB)")
	assert.Contains(t, out, "Despatch Advice - D9")
	assert.Contains(t, out, "&lt;Note&gt;O&#39;Brien &amp;amp; co&lt;/Note&gt;")
	assert.Contains(t, out, `value="a&#34;b@c.com"`)
	assert.Contains(t, out, "bounced")
	assert.Contains(t, out, "Converted inv.xml into D9")
	assert.Contains(t, out, "Emailed D9 to x@y.com")
	assert.Contains(t, out, `<p class="notice">hello</p>`)
}

func TestWorkspacePage_ConvertingDisablesActions(t *testing.T) {
	out := render(t, WorkspacePage(WorkspaceView{Snapshot: models.Snapshot{
		HasDocument: true,
		Conversion:  models.ConversionState{Phase: models.ConversionRunning},
		Email:       models.EmailState{Phase: models.EmailClosed},
	}}))
	assert.Contains(t, out, `<button type="submit" disabled>Convert</button>`)
	assert.Contains(t, out, `<button type="submit" disabled>Email</button>`)
	assert.Contains(t, out, "Converting...")
}
