package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURLList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty", "", nil},
		{"blank lines", "\n\n   \n", nil},
		{"one per line", "https://host/DM_a.jpg\nhttps://host/DO_b.pdf\n", []string{"https://host/DM_a.jpg", "https://host/DO_b.pdf"}},
		{"whitespace and CRLF", "  https://host/DM_a.jpg \r\n\r\n\thttps://host/DA_c.txt", []string{"https://host/DM_a.jpg", "https://host/DA_c.txt"}},
		{"duplicates are kept", "https://host/a\nhttps://host/a\n", []string{"https://host/a", "https://host/a"}},
		{"malformed lines are kept", "https://host/DM_x.jpg\nnot a url\n", []string{"https://host/DM_x.jpg", "not a url"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			urls, err := ParseURLList(strings.NewReader(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.expected, urls)
		})
	}
}

func TestReadURLList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(path, []byte("https://host/DM_x.jpg\n\nnot a url\n"), 0644))

	urls, err := ReadURLList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://host/DM_x.jpg", "not a url"}, urls)

	_, err = ReadURLList(filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorContains(t, err, "does not exist")
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batchget.pid")
	require.NoError(t, os.WriteFile(path, []byte("99999999"), 0644))

	pidFile, err := NewPIDFile(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, pidFile.Acquire())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(content))

	require.NoError(t, pidFile.Release())
	assert.NoFileExists(t, path)
}
