package batchget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/replicate/batchget/pkg/batch"
	"github.com/replicate/batchget/pkg/client"
	"github.com/replicate/batchget/pkg/config"
	"github.com/replicate/batchget/pkg/dispatch"
	"github.com/replicate/batchget/pkg/naming"
	"github.com/replicate/batchget/pkg/transfer"
)

type Options struct {
	DownloadsFolder string
	// Naming is a naming policy name, see naming.New.
	Naming           string
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	ResolveOverrides map[string]string
	Logger           zerolog.Logger
	// Progress receives the per-attempt progress bar, nil for none.
	Progress io.Writer
	// Observer is told about every outcome, nil for none.
	Observer batch.Observer
	// HTTPClient replaces the client built from the timeouts and resolve overrides.
	HTTPClient client.HTTPClient
}

// OptionsFromSettings fills in everything Options takes from the configuration file.
func OptionsFromSettings(s *config.Settings) Options {
	return Options{
		DownloadsFolder: s.Folders.Downloads,
		Naming:          s.Settings.Naming,
		ConnectTimeout:  s.ConnectTimeout(),
		ReadTimeout:     s.ReadTimeout(),
	}
}

// Engine downloads URL lists into a downloads folder. The naming policy, and with it the paths handed out to
// in-flight transfers, is shared by every batch run on the same Engine.
type Engine struct {
	opts       Options
	dispatcher *dispatch.Dispatcher
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.DownloadsFolder == "" {
		return nil, errors.New("downloads folder is not set")
	}
	policy, err := naming.New(opts.Naming, opts.DownloadsFolder, opts.Logger)
	if err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = client.NewHTTPClient(client.Options{
			ConnectTimeout:   opts.ConnectTimeout,
			ReadTimeout:      opts.ReadTimeout,
			ResolveOverrides: opts.ResolveOverrides,
			Logger:           opts.Logger,
		})
	}
	unit := transfer.New(transfer.Options{
		Client:      httpClient,
		Naming:      policy,
		Logger:      opts.Logger,
		ReadTimeout: opts.ReadTimeout,
	})
	return &Engine{
		opts: opts,
		dispatcher: &dispatch.Dispatcher{
			Fetcher:  unit,
			Logger:   opts.Logger,
			Progress: opts.Progress,
		},
	}, nil
}

// RunBatch downloads urls with at most concurrency transfers at a time, then retries the failed ones up to
// retryCount times, waiting retryDelay before each retry. A run that ends with failed URLs is not an error, check
// Result.Success or Result.Err.
func (e *Engine) RunBatch(ctx context.Context, urls []string, concurrency, retryCount int, retryDelay time.Duration) (batch.Result, error) {
	controller := &batch.Controller{
		Dispatcher:  e.dispatcher,
		Concurrency: concurrency,
		RetryCount:  retryCount,
		RetryDelay:  retryDelay,
		Logger:      e.opts.Logger,
		Observer:    e.opts.Observer,
	}
	e.opts.Logger.Info().
		Int("file_count", len(urls)).
		Int("max_workers", concurrency).
		Int("retry_count", retryCount).
		Str("retry_delay", retryDelay.String()).
		Msg("Starting downloads")
	result, err := controller.Run(ctx, urls)
	if err != nil {
		return result, fmt.Errorf("error running batch: %w", err)
	}
	return result, nil
}
