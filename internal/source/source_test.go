package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReference(t *testing.T) {
	const id = "1AbCdEfGhIjKlMnOp_qr-st"
	accepted := map[string]string{
		"bare id":           id,
		"document url":      "https://docs.google.com/document/d/" + id + "/edit",
		"document user":     "https://docs.google.com/document/u/0/d/" + id + "/edit#heading=h.1",
		"file url":          "https://drive.google.com/file/d/" + id + "/view?usp=sharing",
		"open url":          "https://drive.google.com/open?id=" + id,
		"surrounding space": "  " + id + "\n",
	}
	for name, ref := range accepted {
		t.Run(name, func(t *testing.T) {
			got, err := ParseReference(ref)
			require.NoError(t, err)
			assert.Equal(t, id, got)
		})
	}

	rejected := map[string]string{
		"empty":        "",
		"short id":     "abc",
		"bad chars":    "abc def ghi jkl",
		"ftp url":      "ftp://drive.google.com/file/d/" + id,
		"no id in url": "https://drive.google.com/drive/my-drive",
		"short query":  "https://drive.google.com/open?id=x",
	}
	for name, ref := range rejected {
		t.Run(name, func(t *testing.T) {
			_, err := ParseReference(ref)
			assert.ErrorIs(t, err, ErrInvalidReference)
		})
	}
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported(Metadata{Name: "Plan", MimeType: MimeGoogleDoc}))
	assert.True(t, Supported(Metadata{Name: "notes", MimeType: "text/markdown; charset=utf-8"}))
	assert.True(t, Supported(Metadata{Name: "notes", MimeType: MimePlainText}))
	assert.True(t, Supported(Metadata{Name: "README.MD", MimeType: "application/octet-stream"}))
	assert.True(t, Supported(Metadata{Name: "notes.markdown", MimeType: ""}))
	assert.False(t, Supported(Metadata{Name: "budget.xlsx", MimeType: "application/vnd.ms-excel"}))
	assert.False(t, Supported(Metadata{Name: "photo.png", MimeType: "image/png"}))
}

func TestTitleFromName(t *testing.T) {
	assert.Equal(t, "Release notes", TitleFromName("Release notes.md"))
	assert.Equal(t, "todo", TitleFromName("todo.TXT"))
	assert.Equal(t, "Q3 plan", TitleFromName("Q3 plan"))
	assert.Equal(t, "archive.tar", TitleFromName("archive.tar"))
	assert.Equal(t, "Untitled", TitleFromName(" .md"))
}
