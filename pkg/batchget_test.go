package batchget_test

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	batchget "github.com/replicate/batchget/pkg"
	"github.com/replicate/batchget/pkg/batch"
	"github.com/replicate/batchget/pkg/client"
	"github.com/replicate/batchget/pkg/dispatch"
	"github.com/replicate/batchget/pkg/journal"
	"github.com/replicate/batchget/pkg/transfer"
)

func writeRandomFile(t require.TestingT, path string, size int64) {
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()

	rnd := rand.New(rand.NewSource(size))
	_, err = io.CopyN(file, rnd, size)
	require.NoError(t, err)
}

func assertFileHasContent(t *testing.T, expectedPath, path string) {
	expected, err := os.ReadFile(expectedPath)
	require.NoError(t, err)
	contentFile, err := os.Open(path)
	require.NoError(t, err)
	defer contentFile.Close()

	assert.NoError(t, iotest.TestReader(contentFile, expected))
}

func newEngine(t *testing.T, opts batchget.Options) *batchget.Engine {
	t.Helper()
	if opts.DownloadsFolder == "" {
		opts.DownloadsFolder = t.TempDir()
	}
	opts.Logger = zerolog.Nop()
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	engine, err := batchget.NewEngine(opts)
	require.NoError(t, err)
	return engine
}

func TestRunBatchScenario(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodHead, "https://host/DM_x.jpg", func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, "")
		resp.Header.Set("Content-Length", "5")
		resp.Header.Set("Last-Modified", "Mon, 04 Mar 2024 10:11:12 GMT")
		return resp, nil
	})
	mock.RegisterResponder(http.MethodGet, "https://host/DM_x.jpg", func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, "hello")
		resp.Header.Set("Content-Length", "5")
		return resp, nil
	})
	dir := t.TempDir()
	engine := newEngine(t, batchget.Options{
		DownloadsFolder: dir,
		HTTPClient:      client.NewHTTPClient(client.Options{Logger: zerolog.Nop(), Transport: mock}),
	})

	result, err := engine.RunBatch(context.Background(), []string{"https://host/DM_x.jpg", "not a url"}, 2, 0, 0)
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 2)
	assert.True(t, result.Outcomes[0].OK(), result.Outcomes[0].Message())
	assert.Equal(t, filepath.Join(dir, "DM"), filepath.Dir(result.Outcomes[0].Path))
	assert.False(t, result.Outcomes[1].OK())
	assert.Contains(t, result.Outcomes[1].Message(), "Invalid URL")

	assert.Equal(t, batch.BudgetExhausted, result.State)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, []string{"not a url"}, result.FailedURLs)
	assert.ErrorIs(t, result.Err(), batch.ErrBudgetExhausted)
}

func TestRunBatchDownloadsFiles(t *testing.T) {
	inputDir := t.TempDir()
	sizes := []int64{10 * humanize.KiByte, 20 * humanize.KiByte, 30 * humanize.KiByte, 40 * humanize.KiByte, 50 * humanize.KiByte}
	urls := make([]string, len(sizes))
	srcFilenames := make([]string, len(sizes))
	for i, size := range sizes {
		srcFilenames[i] = fmt.Sprintf("DO_random-bytes-%d.bin", i)
		writeRandomFile(t, filepath.Join(inputDir, srcFilenames[i]), size)
	}
	ts := httptest.NewServer(http.FileServer(http.Dir(inputDir)))
	defer ts.Close()
	for i, name := range srcFilenames {
		urls[i] = ts.URL + "/" + name
	}

	engine := newEngine(t, batchget.Options{})
	result, err := engine.RunBatch(context.Background(), urls, 3, 2, 0)
	require.NoError(t, err)
	require.True(t, result.Success())

	var total int64
	for i, outcome := range result.Outcomes {
		assertFileHasContent(t, filepath.Join(inputDir, srcFilenames[i]), outcome.Path)
		total += outcome.Bytes
	}
	assert.Equal(t, int64(150*humanize.KiByte), total)

	again, err := engine.RunBatch(context.Background(), urls, 3, 2, 0)
	require.NoError(t, err)
	require.True(t, again.Success())
	for i, outcome := range again.Outcomes {
		assert.Equal(t, result.Outcomes[i].Path, outcome.Path)
		assert.True(t, outcome.Skipped, "second run must not download %s again", outcome.URL)
		assert.Equal(t, int64(0), outcome.Bytes)
	}
}

func TestRunBatchRecordsJournal(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodHead, "https://host/DA_gone.txt", httpmock.NewStringResponder(http.StatusNotFound, ""))
	history, err := journal.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer history.Close()

	engine := newEngine(t, batchget.Options{
		HTTPClient: client.NewHTTPClient(client.Options{Logger: zerolog.Nop(), Transport: mock}),
		Observer:   history,
	})
	result, err := engine.RunBatch(context.Background(), []string{"https://host/DA_gone.txt"}, 1, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempts)

	runID, err := history.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, result.RunID, runID)
	entries, err := history.Outcomes(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, i+1, entry.Attempt)
		assert.False(t, entry.Success)
		assert.Equal(t, transfer.StatusError{StatusCode: http.StatusNotFound}.Error(), entry.Error)
	}
}

func TestRunBatchInvalidSettings(t *testing.T) {
	engine := newEngine(t, batchget.Options{})

	_, err := engine.RunBatch(context.Background(), []string{"https://host/DM_x.jpg"}, 0, 1, 0)
	assert.ErrorIs(t, err, dispatch.ErrInvalidConcurrency)

	_, err = engine.RunBatch(context.Background(), []string{"https://host/DM_x.jpg"}, 1, -1, 0)
	assert.ErrorIs(t, err, batch.ErrInvalidRetry)
}

func TestNewEngineRejectsUnknownNaming(t *testing.T) {
	_, err := batchget.NewEngine(batchget.Options{DownloadsFolder: t.TempDir(), Naming: "random"})
	assert.Error(t, err)
}
