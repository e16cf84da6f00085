package targets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/courier-cli/api/schemas"
)

func ids(ts []schemas.Target) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func TestReadCSV(t *testing.T) {
	in := "\ufeffName,Profile Link,Notes\n" +
		"Ann, https://example.com/ann ,x\n" +
		"Bob,,missing\n" +
		"\"Cat, Jr\",https://example.com/cat\n" +
		"short\n" +
		"Dan,https://example.com/ann,dup\n"

	got, err := ReadCSV(strings.NewReader(in), "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.com/ann",
		"https://example.com/cat",
		"https://example.com/ann",
	}, ids(got), "order is kept, blanks and short rows dropped")
}

func TestReadCSV_ColumnIsCaseInsensitive(t *testing.T) {
	got, err := ReadCSV(strings.NewReader("url\nhttps://a\n"), "URL")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a"}, ids(got))
}

func TestReadCSV_Errors(t *testing.T) {
	_, err := ReadCSV(strings.NewReader(""), "")
	assert.ErrorIs(t, err, schemas.ErrConfiguration)

	_, err = ReadCSV(strings.NewReader("Name,Link\nA,B\n"), "")
	assert.ErrorIs(t, err, schemas.ErrConfiguration)
	assert.Contains(t, err.Error(), DefaultColumn)
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.csv")
	require.NoError(t, os.WriteFile(path, []byte("Profile Link\nhttps://a\nhttps://b\n"), 0o600))

	got, err := LoadCSV(path, DefaultColumn)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a", "https://b"}, ids(got))

	_, err = LoadCSV(filepath.Join(t.TempDir(), "missing.csv"), DefaultColumn)
	assert.ErrorIs(t, err, schemas.ErrConfiguration)
}

func TestFromArgs(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ids(FromArgs([]string{" a ", "", "b"})))
	assert.Empty(t, FromArgs(nil))
}

func TestLoadMessage(t *testing.T) {
	msg, err := LoadMessage("  hello\r\nworld \n", "")
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld", msg)

	path := filepath.Join(t.TempDir(), "message.txt")
	require.NoError(t, os.WriteFile(path, []byte("line1\nline2\n"), 0o600))
	msg, err = LoadMessage("", path)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", msg)

	msg, err = LoadMessage("inline wins", path)
	require.NoError(t, err)
	assert.Equal(t, "inline wins", msg)

	_, err = LoadMessage(" \n", "")
	assert.ErrorIs(t, err, schemas.ErrConfiguration)

	_, err = LoadMessage("", filepath.Join(t.TempDir(), "nope.txt"))
	assert.ErrorIs(t, err, schemas.ErrConfiguration)
}
