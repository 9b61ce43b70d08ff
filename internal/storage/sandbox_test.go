package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSandbox(t *testing.T) {
	tmpDir := t.TempDir()
	sandboxDir := filepath.Join(tmpDir, "sandbox")

	sb, err := NewSandbox(sandboxDir)
	require.NoError(t, err)
	require.NotNil(t, sb)

	info, err := os.Stat(sandboxDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.True(t, filepath.IsAbs(sb.BaseDir()))
}

func TestSandbox_ResolvePath(t *testing.T) {
	sb := setupTestSandbox(t)

	tests := []struct {
		name        string
		path        string
		shouldError bool
	}{
		{"simple file", "test.txt", false},
		{"nested path", "subdir/test.txt", false},
		{"deep nesting", "a/b/c/d/test.txt", false},
		{"current dir", ".", false},
		{"parent escape attempt", "../escape.txt", true},
		{"nested parent escape", "subdir/../../escape.txt", true},
		{"absolute path escape", "/etc/passwd", true},
		{"hidden file", ".hidden", false},
		{"dot dot name", "..test", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := sb.ResolvePath(tt.path)
			if tt.shouldError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "escapes sandbox")
			} else {
				assert.NoError(t, err)
				assert.True(t, strings.HasPrefix(resolved, sb.BaseDir()))
			}
		})
	}
}

func TestSandbox_PathTraversalAttempts(t *testing.T) {
	sb := setupTestSandbox(t)

	attacks := []string{
		"../../../etc/passwd",
		"subdir/../../../etc/passwd",
		"/absolute/path",
		"subdir/../../..",
		"subdir/./../../etc/passwd",
	}

	for _, attack := range attacks {
		t.Run(attack, func(t *testing.T) {
			_, err := sb.ResolvePath(attack)
			assert.Error(t, err, "path traversal should be blocked: %s", attack)
		})
	}
}

func TestSandbox_WriteFile_CreatesParentDirs(t *testing.T) {
	sb := setupTestSandbox(t)
	content := []byte("nested content")

	require.NoError(t, sb.WriteFile("a/b/c/test.txt", content))

	path, err := sb.ResolvePath("a/b/c/test.txt")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestSandbox_MkdirAll(t *testing.T) {
	sb := setupTestSandbox(t)

	require.NoError(t, sb.MkdirAll("a/b/c"))

	path, err := sb.ResolvePath("a/b/c")
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSandbox_EnsureWritable(t *testing.T) {
	sb := setupTestSandbox(t)

	require.NoError(t, sb.EnsureWritable("streams/front-door/hls"))

	path, err := sb.ResolvePath("streams/front-door/hls")
	require.NoError(t, err)
	entries, err := os.ReadDir(path)
	require.NoError(t, err)
	assert.Empty(t, entries, "write probe must not be left behind")
}

func TestSandbox_Remove(t *testing.T) {
	sb := setupTestSandbox(t)

	require.NoError(t, sb.WriteFile("to_remove.txt", []byte("test")))
	require.NoError(t, sb.Remove("to_remove.txt"))

	path, err := sb.ResolvePath("to_remove.txt")
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSandbox_OpenFile(t *testing.T) {
	sb := setupTestSandbox(t)

	file, err := sb.OpenFile("open.txt", os.O_CREATE|os.O_WRONLY, 0640)
	require.NoError(t, err)

	_, err = file.WriteString("open file test")
	require.NoError(t, err)
	file.Close()

	path, err := sb.ResolvePath("open.txt")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "open file test", string(data))
}

func TestSandbox_StreamHLSDir(t *testing.T) {
	sb := setupTestSandbox(t)
	assert.Equal(t, filepath.Join("front-door", "hls"), sb.StreamHLSDir("front-door"))
}

func TestSandbox_StreamRecordingsDir(t *testing.T) {
	sb := setupTestSandbox(t)
	assert.Equal(t, filepath.Join("front-door", "recordings"), sb.StreamRecordingsDir("front-door"))
}

func TestSandbox_PrepareStreamHLSDir(t *testing.T) {
	sb := setupTestSandbox(t)

	relDir, absDir, err := sb.PrepareStreamHLSDir("front-door")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("front-door", "hls"), relDir)
	assert.True(t, strings.HasPrefix(absDir, sb.BaseDir()))

	info, err := os.Stat(absDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	entries, err := os.ReadDir(absDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "write probe must not be left behind")
}

func TestSandbox_PrepareStreamRecordingsDir(t *testing.T) {
	sb := setupTestSandbox(t)

	relDir, err := sb.PrepareStreamRecordingsDir("front-door")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("front-door", "recordings"), relDir)

	absDir, err := sb.ResolvePath(relDir)
	require.NoError(t, err)
	info, err := os.Stat(absDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func setupTestSandbox(t *testing.T) *Sandbox {
	t.Helper()

	tmpDir := t.TempDir()
	sb, err := NewSandbox(tmpDir)
	require.NoError(t, err)

	return sb
}
