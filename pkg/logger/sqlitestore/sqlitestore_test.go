package sqlitestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteWithRotationSplitsOnMaxSize(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "logger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for i := 0; i < 5; i++ {
		require.NoError(t, s.WriteWithRotation("logs", "log", "a line of moderate length", 40))
	}

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(DISTINCT file_index) FROM log_file_sizes WHERE directory = 'logs' AND prefix = 'log'`).Scan(&count))
	assert.Greater(t, count, 1)
}

func TestSetAndGetBlobRoundTrips(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.SetBlob("logger", "critical_entries", []byte(`[{"msg":"hi"}]`)))

	data, err := s.GetBlob("logger", "critical_entries")
	require.NoError(t, err)
	assert.Equal(t, `[{"msg":"hi"}]`, string(data))
}

func TestGetBlobMissingReturnsError(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "kv2.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.GetBlob("logger", "missing")
	assert.Error(t, err)
}

func TestWriteCSVAndJSONExports(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "export.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.WriteCSV("out.csv", [][]string{{"a", "b"}, {"1", "2"}}))
	require.NoError(t, s.WriteJSON("out.json", map[string]int{"x": 1}))

	var content string
	require.NoError(t, s.db.QueryRow(`SELECT content FROM exports WHERE path = 'out.csv'`).Scan(&content))
	assert.Contains(t, content, "a,b")
}
