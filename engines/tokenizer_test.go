package engines

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPadTokenMissingFile(t *testing.T) {
	token, err := loadPadToken(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "[PAD]", token)
}

func TestLoadPadTokenString(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "special_tokens_map.json"),
		[]byte(`{"pad_token": "<pad>"}`), 0o644))
	token, err := loadPadToken(dir)
	require.NoError(t, err)
	assert.Equal(t, "<pad>", token)
}

func TestLoadPadTokenMap(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "special_tokens_map.json"),
		[]byte(`{"pad_token": {"content": "[PAD]", "lstrip": false}}`), 0o644))
	token, err := loadPadToken(dir)
	require.NoError(t, err)
	assert.Equal(t, "[PAD]", token)
}

func TestLoadPadTokenMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "special_tokens_map.json"),
		[]byte(`{"pad_token": {"lstrip": false}}`), 0o644))
	_, err := loadPadToken(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "special_tokens_map.json"),
		[]byte(`{"pad_token": 3}`), 0o644))
	_, err = loadPadToken(dir)
	assert.Error(t, err)
}
