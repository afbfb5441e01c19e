package capture

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLog_RecordFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sessions.log")
	l, err := OpenEventLog(path)
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC) }

	require.NoError(t, l.Record(EventSpawn, "s1", map[string]any{"pid": 42, "cwd": "/tmp/my dir"}))
	require.NoError(t, l.Record(EventExit, "s1", nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"2026-10-18T09:30:00Z [spawn] session=s1 cwd=\"/tmp/my dir\" pid=42\n"+
			"2026-10-18T09:30:00Z [exit] session=s1\n",
		string(data))
}

func TestEventLog_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.log")
	l, err := OpenEventLog(path)
	require.NoError(t, err)
	l.max = 10
	l.keep = 5

	for i := 0; i < 11; i++ {
		require.NoError(t, l.Record(EventKill, "s", map[string]any{"n": i}))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasSuffix(lines[0], "n=6"))
	assert.True(t, strings.HasSuffix(lines[4], "n=10"))
}

func TestEventLog_CountsExistingLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\n"), 0o644))

	l, err := OpenEventLog(path)
	require.NoError(t, err)
	assert.Equal(t, 3, l.lines)
}

func TestEventLog_NilIsNoop(t *testing.T) {
	var l *EventLog
	assert.NoError(t, l.Record(EventSpawn, "s1", nil))
}
