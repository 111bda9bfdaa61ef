package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitKeyValue(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		key   string
		value string
		ok    bool
	}{
		{"simple", "baseDir=/srv/backup", "baseDir", "/srv/backup", true},
		{"spaces", "  logDir =  /var/log/ibex  ", "logDir", "/var/log/ibex", true},
		{"first equals only", "dbpass = a=b#c", "dbpass", "a=b#c", true},
		{"quotes kept", `dbpass = "s3cret"`, "dbpass", `"s3cret"`, true},
		{"single quotes kept", `dbpass = 'x'`, "dbpass", `'x'`, true},
		{"empty value", "offsiteBaseDir =", "offsiteBaseDir", "", true},
		{"no separator", "garbage", "", "", false},
		{"empty key", "= value", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, value, ok := SplitKeyValue(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.key, key)
			assert.Equal(t, tt.value, value)
		})
	}
}

func TestIsComment(t *testing.T) {
	assert.True(t, IsComment("# comment"))
	assert.True(t, IsComment("   "))
	assert.False(t, IsComment("key=value"))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"*.partial", "tmp-*", "lost+found"}, SplitList(" *.partial, tmp-*; lost+found "))
	assert.Empty(t, SplitList(""))
}

func TestPathHelpers(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(dir, link))

	assert.True(t, FileExists(file))
	assert.False(t, FileExists(dir))
	assert.True(t, IsSymlink(link))
	assert.False(t, IsSymlink(dir))
}
