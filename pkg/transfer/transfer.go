package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/replicate/batchget/pkg/client"
	"github.com/replicate/batchget/pkg/naming"
)

const DefaultChunkSize = 8 * humanize.KiByte

type Options struct {
	// Client defaults to client.NewHTTPClient with ReadTimeout.
	Client client.HTTPClient
	// Naming is required.
	Naming naming.Policy
	Logger zerolog.Logger
	// ChunkSize is the size of the buffer the body is streamed through, DefaultChunkSize when 0.
	ChunkSize int
	// ReadTimeout is the longest the body may go without delivering a byte. 0 disables the check.
	ReadTimeout time.Duration
}

// Unit downloads or resumes single URLs. Whether a transfer is needed and where it starts is decided only from the
// destination file and the server's Content-Length and Last-Modified, so running it again over the same folder is
// always safe. A Unit is safe for concurrent use as long as the naming policy never hands out the same path twice at
// the same time.
type Unit struct {
	opts    Options
	chtimes func(name string, atime, mtime time.Time) error
}

func New(opts Options) *Unit {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Client == nil {
		opts.Client = client.NewHTTPClient(client.Options{ReadTimeout: opts.ReadTimeout, Logger: opts.Logger})
	}
	return &Unit{opts: opts, chtimes: os.Chtimes}
}

// Fetch brings the destination of rawURL up to date. Every failure is reported through the Outcome.
func (u *Unit) Fetch(ctx context.Context, rawURL string) Outcome {
	start := time.Now()
	outcome := u.fetch(ctx, rawURL)
	outcome.Elapsed = time.Since(start)
	return outcome
}

func (u *Unit) fetch(ctx context.Context, rawURL string) Outcome {
	logger := u.opts.Logger.With().Str("url", rawURL).Logger()
	outcome := Outcome{URL: rawURL}

	target, err := EncodeURL(rawURL)
	if err != nil {
		logger.Error().Err(err).Msg("Rejected")
		outcome.Err = err
		return outcome
	}
	if u.opts.Naming == nil {
		outcome.Err = errors.New("no naming policy configured")
		return outcome
	}
	dest, release, err := u.opts.Naming.Resolve(target)
	if err != nil {
		outcome.Err = fmt.Errorf("error resolving destination: %w", err)
		logger.Error().Err(outcome.Err).Msg("Download failed")
		return outcome
	}
	defer release()
	outcome.Path = dest
	logger = logger.With().Str("dest", dest).Logger()

	outcome.Bytes, outcome.Skipped, outcome.Err = u.transfer(ctx, target.String(), dest, logger)
	if outcome.Err != nil {
		logger.Error().Err(outcome.Err).Msg("Download failed")
	}
	return outcome
}

func (u *Unit) transfer(ctx context.Context, target, dest string, logger zerolog.Logger) (int64, bool, error) {
	var (
		meta      Metadata
		probed    bool
		localSize int64
	)

	info, err := os.Stat(dest)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() {
			return 0, false, fmt.Errorf("destination %s is not a regular file", dest)
		}
		meta, err = Probe(ctx, u.opts.Client, target)
		if err != nil {
			return 0, false, err
		}
		probed = true
		if meta.HasLastModified() && meta.LastModified.Unix() == info.ModTime().Unix() {
			logger.Info().Msg("Skipping download, file already exists with the same timestamp")
			return 0, true, nil
		}
		localSize = info.Size()
	case errors.Is(err, fs.ErrNotExist):
	default:
		return 0, false, fmt.Errorf("error checking destination: %w", err)
	}

	if !probed {
		meta, err = Probe(ctx, u.opts.Client, target)
		if err != nil {
			return 0, false, err
		}
	}

	if meta.SizeKnown() && localSize >= meta.Size {
		if info == nil {
			// remote file is empty, make sure the success path exists
			if err := os.WriteFile(dest, nil, 0644); err != nil {
				return 0, false, fmt.Errorf("error creating file: %w", err)
			}
			u.applyModTime(dest, meta.LastModified, logger)
		}
		logger.Info().Int64("size", localSize).Msg("Skipping download, file already exists and is up to date")
		return 0, true, nil
	}

	return u.download(ctx, target, dest, localSize, meta, logger)
}

// download fetches dest from localSize onwards. It reports skipped when the server says there is nothing past
// localSize because the local file already has the full length.
func (u *Unit) download(ctx context.Context, target, dest string, localSize int64, meta Metadata, logger zerolog.Logger) (int64, bool, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", localSize))

	downloadStart := time.Now()
	resp, err := u.opts.Client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()

	expected := meta.Size
	flags := os.O_WRONLY | os.O_CREATE
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return 0, false, err
		}
		if start != localSize {
			return 0, false, fmt.Errorf("%w: requested offset %d, got %d", ErrRangeMismatch, localSize, start)
		}
		if expected < 0 {
			expected = total
		}
		flags |= os.O_APPEND
		logger.Debug().Int64("offset", localSize).Msg("Resuming download")
	case http.StatusOK:
		if expected < 0 {
			expected = responseLength(resp)
		}
		flags |= os.O_TRUNC
	case http.StatusRequestedRangeNotSatisfiable:
		total, err := unsatisfiedRangeTotal(resp.Header.Get("Content-Range"))
		if err != nil || localSize == 0 || total != localSize || (meta.SizeKnown() && meta.Size != total) {
			return 0, false, StatusError{StatusCode: resp.StatusCode}
		}
		u.applyModTime(dest, meta.LastModified, logger)
		logger.Info().Int64("size", localSize).Msg("Skipping download, file already exists and is up to date")
		return 0, true, nil
	default:
		return 0, false, StatusError{StatusCode: resp.StatusCode}
	}
	if expected < 0 {
		return 0, false, ErrUnknownSize
	}

	f, err := os.OpenFile(dest, flags, 0644)
	if err != nil {
		return 0, false, fmt.Errorf("error opening file: %w", err)
	}
	written, err := u.copyBody(ctx, cancel, f, resp.Body)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("error writing file: %w", closeErr)
	}
	if err != nil {
		return written, false, err
	}

	info, err := os.Stat(dest)
	if err != nil {
		return written, false, fmt.Errorf("error checking downloaded file: %w", err)
	}
	if info.Size() != expected {
		return written, false, fmt.Errorf("%w: %d bytes on disk, %d expected", ErrSizeMismatch, info.Size(), expected)
	}

	elapsed := time.Since(downloadStart)
	throughput := humanize.Bytes(uint64(float64(written) / elapsed.Seconds()))
	logger.Info().
		Str("size", humanize.Bytes(uint64(info.Size()))).
		Str("transferred", humanize.Bytes(uint64(written))).
		Str("throughput", fmt.Sprintf("%s/s", throughput)).
		Str("elapsed", fmt.Sprintf("%.3fs", elapsed.Seconds())).
		Msg("Downloaded")

	modTime := lastModified(resp.Header)
	if modTime.IsZero() {
		modTime = meta.LastModified
	}
	u.applyModTime(dest, modTime, logger)
	return written, false, nil
}

// copyBody streams body to dst in ChunkSize pieces. When ReadTimeout passes without a byte arriving the request is
// cancelled with ErrReadTimeout.
func (u *Unit) copyBody(ctx context.Context, cancel context.CancelCauseFunc, dst io.Writer, body io.Reader) (int64, error) {
	buf := make([]byte, u.opts.ChunkSize)
	var idle *time.Timer
	if u.opts.ReadTimeout > 0 {
		idle = time.AfterFunc(u.opts.ReadTimeout, func() {
			cancel(fmt.Errorf("%w: no data received for %s", ErrReadTimeout, u.opts.ReadTimeout))
		})
		defer idle.Stop()
	}

	var written int64
	for {
		n, err := body.Read(buf)
		if idle != nil {
			idle.Reset(u.opts.ReadTimeout)
		}
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("error writing file: %w", werr)
			}
			written += int64(n)
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			if cause := context.Cause(ctx); errors.Is(cause, ErrReadTimeout) {
				return written, cause
			}
			return written, fmt.Errorf("error reading response body: %w", err)
		}
	}
}

func responseLength(resp *http.Response) int64 {
	if v := resp.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return resp.ContentLength
}

// applyModTime sets the modification time of dest to modTime. Failing to do so is only worth a warning: some
// filesystems store coarser times than the server reports.
func (u *Unit) applyModTime(dest string, modTime time.Time, logger zerolog.Logger) {
	if modTime.IsZero() {
		return
	}
	if err := u.chtimes(dest, time.Time{}, modTime); err != nil {
		logger.Warn().Err(err).Msg("Could not set modified time of downloaded file")
		return
	}
	info, err := os.Stat(dest)
	if err != nil || info.ModTime().Unix() != modTime.Unix() {
		logger.Warn().Time("remote_modified", modTime).Msg("Modified time of downloaded file does not match remote file")
	}
}
