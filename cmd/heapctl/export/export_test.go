package export

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_File_WritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	w := &File{Path: path}
	require.NoError(t, w.WriteReport([]byte("new")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func Test_File_MissingDirectory(t *testing.T) {
	w := &File{Path: filepath.Join(t.TempDir(), "missing", "report.json")}
	assert.Error(t, w.WriteReport([]byte("x")))
}

func Test_Memory_KeepsLastReport(t *testing.T) {
	var m Memory
	require.NoError(t, m.WriteReport([]byte("first report")))
	require.NoError(t, m.WriteReport([]byte("second")))
	assert.Equal(t, "second", string(m.Buf))
}

func Test_JSON_Indents(t *testing.T) {
	var m Memory
	require.NoError(t, JSON(&m, map[string]int{"live": 3}))
	assert.Equal(t, "{\n  \"live\": 3\n}\n", string(m.Buf))
}

func Test_JSON_EncodeError(t *testing.T) {
	var m Memory
	assert.Error(t, JSON(&m, make(chan int)))
	assert.Empty(t, m.Buf)
}
