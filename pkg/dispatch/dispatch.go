//go:generate mockgen -destination=./mocks/fetcher.go . Fetcher
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/replicate/batchget/pkg/transfer"
)

var ErrInvalidConcurrency = errors.New("max_workers must be a positive integer")

// Fetcher transfers one URL. It reports failures through the Outcome and never returns early on its own account.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) transfer.Outcome
}

var _ Fetcher = &transfer.Unit{}

// Dispatcher runs a Fetcher over many URLs with at most a given number in flight.
type Dispatcher struct {
	Fetcher Fetcher
	Logger  zerolog.Logger
	// Progress receives a progress bar counting finished files. Nil disables it.
	Progress io.Writer
}

// EffectiveWorkers is the number of workers used for n URLs when limit are allowed.
func EffectiveWorkers(limit, n int) int {
	if limit > n {
		return n
	}
	return limit
}

// Dispatch fetches every URL and waits for all of them. outcomes[i] always belongs to urls[i], whatever order the
// transfers finished in. One failed transfer never stops the others. The only error is ErrInvalidConcurrency.
func (d *Dispatcher) Dispatch(ctx context.Context, urls []string, limit int) ([]transfer.Outcome, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidConcurrency, limit)
	}
	outcomes := make([]transfer.Outcome, len(urls))
	if len(urls) == 0 {
		return outcomes, nil
	}

	workers := EffectiveWorkers(limit, len(urls))
	if workers < limit {
		d.Logger.Warn().
			Int("max_workers", limit).
			Int("workers", workers).
			Msg("Reduced max_workers to match the number of URLs")
	}

	bar := d.progressBar(len(urls))
	var eg errgroup.Group
	eg.SetLimit(workers)
	for i, rawURL := range urls {
		d.Logger.Debug().Str("url", rawURL).Msg("Queueing Download")
		eg.Go(func() error {
			outcome := d.fetch(ctx, rawURL)
			if outcome.URL == "" {
				outcome.URL = rawURL
			}
			outcomes[i] = outcome
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	_ = eg.Wait()
	if bar != nil {
		_ = bar.Close()
	}
	return outcomes, nil
}

// fetch turns a panicking transfer into a failed outcome so that it cannot take the other workers down with it.
func (d *Dispatcher) fetch(ctx context.Context, rawURL string) (outcome transfer.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.Logger.Error().Str("url", rawURL).Interface("panic", r).Msg("Download panicked")
			outcome = transfer.Outcome{URL: rawURL, Err: fmt.Errorf("download panicked: %v", r)}
		}
	}()
	return d.Fetcher.Fetch(ctx, rawURL)
}

func (d *Dispatcher) progressBar(total int) *progressbar.ProgressBar {
	if d.Progress == nil {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(d.Progress),
		progressbar.OptionSetDescription("Downloading"),
		progressbar.OptionSetItsString("file"),
		progressbar.OptionShowIts(),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
