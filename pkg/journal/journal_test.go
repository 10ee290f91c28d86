package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/batchget/pkg/transfer"
)

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "history.db")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func TestLatestRunEmpty(t *testing.T) {
	j, _ := openTestJournal(t)

	_, err := j.LatestRun(context.Background())
	assert.ErrorIs(t, err, ErrNoRuns)
}

func TestObserveAndRead(t *testing.T) {
	j, _ := openTestJournal(t)
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return at }
	ctx := context.Background()

	first := []transfer.Outcome{
		{URL: "https://host/DM_a.jpg", Path: "/dl/DM/DM_a.jpg", Bytes: 2048},
		{URL: "https://host/DM_b.jpg", Path: "/dl/DM/DM_b.jpg", Err: transfer.StatusError{StatusCode: 404}},
		{URL: "not a url", Err: transfer.ErrInvalidURL},
	}
	require.NoError(t, j.Observe(ctx, "run-1", 1, first))
	require.NoError(t, j.Observe(ctx, "run-1", 2, first[1:2]))

	runID, err := j.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)

	entries, err := j.Outcomes(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, Entry{
		RunID: "run-1", Attempt: 1, URL: "https://host/DM_a.jpg", Path: "/dl/DM/DM_a.jpg",
		Success: true, Bytes: 2048, RecordedAt: time.Unix(0, at.UnixNano()),
	}, entries[0])
	assert.False(t, entries[1].Success)
	assert.Equal(t, "Download failed with status code 404", entries[1].Error)
	assert.Equal(t, "", entries[2].Path)
	assert.Equal(t, "Invalid URL", entries[2].Error)
	assert.Equal(t, 2, entries[3].Attempt)
	assert.Equal(t, "https://host/DM_b.jpg", entries[3].URL)
}

func TestLatestRunFollowsInsertOrder(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	outcome := []transfer.Outcome{{URL: "https://host/DA_x.txt", Path: "/dl/DA/DA_x.txt"}}

	require.NoError(t, j.Observe(ctx, "run-b", 1, outcome))
	require.NoError(t, j.Observe(ctx, "run-a", 1, outcome))

	runID, err := j.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-a", runID)

	entries, err := j.Outcomes(ctx, "run-unknown")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReopenKeepsHistory(t *testing.T) {
	j, path := openTestJournal(t)
	ctx := context.Background()
	require.NoError(t, j.Observe(ctx, "run-1", 1, []transfer.Outcome{{URL: "https://host/DO_x.pdf"}}))
	require.NoError(t, j.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Outcomes(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
