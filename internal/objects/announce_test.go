package objects

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/qcflow/internal/plot"
)

func TestAnnouncementSingleObject(t *testing.T) {
	m := NewManager("task1", "", testLogger())
	_, err := m.StartPublishing(plot.NewH1("h", "", 1, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, "task1:h", m.Announcement())
	assert.Equal(t, "h", m.ListNamesString())
}

func TestAnnouncementEscaping(t *testing.T) {
	names := []string{"a,b", "c:d", `e\f`, "plain"}
	body := FormatAnnouncement("my:task", names)
	assert.Equal(t, `my\:task:a\,b,c\:d,e\\f,plain`, body)

	task, got, err := ParseAnnouncement(body)
	require.NoError(t, err)
	assert.Equal(t, "my:task", task)
	assert.Equal(t, names, got)
}

func TestParseAnnouncementEdgeCases(t *testing.T) {
	task, names, err := ParseAnnouncement("t:")
	require.NoError(t, err)
	assert.Equal(t, "t", task)
	assert.Empty(t, names)

	_, _, err = ParseAnnouncement("no separator")
	assert.ErrorIs(t, err, ErrMalformedAnnouncement)

	_, _, err = ParseAnnouncement(`t:dangling\`)
	assert.ErrorIs(t, err, ErrMalformedAnnouncement)
}
