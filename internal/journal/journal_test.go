package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 3, 4, 10, 30, 0, 123, time.UTC)
	j, err := openAt(dir, fixedClock(now))
	require.NoError(t, err)

	bodies := [][]byte{
		[]byte(`{"start_date":"2025-01-01"}`),
		[]byte("{\n  \"seed\": 7\n}"),
		[]byte("a|b|c"),
		{},
	}
	for _, b := range bodies {
		require.NoError(t, j.Append("dealer-1", b))
	}
	require.NoError(t, j.Close())

	assert.Equal(t, filepath.Join(dir, "requests-20250304.journal"), j.Path())

	entries, err := Replay(j.Path())
	require.NoError(t, err)
	require.Len(t, entries, len(bodies))
	for i, e := range entries {
		assert.Equal(t, "dealer-1", e.EntityID)
		assert.True(t, now.Equal(e.Timestamp))
		assert.Equal(t, string(bodies[i]), string(e.Body))
	}
}

func TestAppend_RejectsSeparatorInEntity(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	assert.Error(t, j.Append("a|b", []byte("{}")))
	assert.Error(t, j.Append("a\nb", []byte("{}")))
}

func TestReplay_SkipsMalformedAndTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests-20250101.journal")
	content := "garbage line\n" +
		"2025-01-01T00:00:00Z|d1|2|{}\n" +
		"not-a-time|d1|2|{}\n" +
		"2025-01-01T00:00:01Z|d1|x|{}\n" +
		"2025-01-01T00:00:02Z|d2|5|{}\n" + // declared length overruns the line
		"2025-01-01T00:00:03Z|d3|2|{}\n" +
		"2025-01-01T00:00:04Z|d4|100|{\"trunc"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	entries, err := Replay(path)
	require.NoError(t, err)

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.EntityID
	}
	// The overrunning d2 entry swallows d3 while resynchronizing.
	assert.Equal(t, []string{"d1"}, ids)
}

func TestReplay_MissingFile(t *testing.T) {
	entries, err := Replay(filepath.Join(t.TempDir(), "none.journal"))
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestRotateAndFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 3, 4, 23, 59, 0, 0, time.UTC)
	j, err := openAt(dir, func() time.Time { return now })
	require.NoError(t, err)
	require.NoError(t, j.Append("d", []byte("1")))

	assert.False(t, j.Stale())
	now = now.Add(2 * time.Minute)
	assert.True(t, j.Stale())
	old, err := j.Rotate()
	require.NoError(t, err)
	assert.False(t, j.Stale())
	require.NoError(t, j.Append("d", []byte("2")))
	require.NoError(t, j.Close())

	assert.Equal(t, filepath.Join(dir, "requests-20250304.journal"), old)

	files, err := Files(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "requests-20250304.journal"),
		filepath.Join(dir, "requests-20250305.journal"),
	}, files)

	entries, err := Replay(files[1])
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2", string(entries[0].Body))
}

func TestRotate_FailureKeepsCurrentFile(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "journal")
	now := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	j, err := openAt(dir, func() time.Time { return now })
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	require.NoError(t, j.Append("d", []byte("1")))

	// Replace the directory with a plain file so the next day cannot open.
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, nil, 0o600))
	now = now.Add(24 * time.Hour)

	_, err = j.Rotate()
	require.Error(t, err)
	assert.NoError(t, j.Append("d", []byte("2")), "appends continue on the current file")

	require.NoError(t, os.Remove(dir))
	old, err := j.Rotate()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "requests-20250304.journal"), old)
	assert.Equal(t, filepath.Join(dir, "requests-20250305.journal"), j.Path())
	require.NoError(t, j.Append("d", []byte("3")))

	entries, err := Replay(j.Path())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "3", string(entries[0].Body))
}
