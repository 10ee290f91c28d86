package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/replicate/batchget/pkg/dispatch"
	"github.com/replicate/batchget/pkg/transfer"
)

var (
	ErrInvalidRetry    = errors.New("invalid retry settings")
	ErrBudgetExhausted = errors.New("retry budget exhausted")
)

type State int

const (
	Attempting State = iota
	AllSucceeded
	BudgetExhausted
)

func (s State) String() string {
	switch s {
	case Attempting:
		return "attempting"
	case AllSucceeded:
		return "all_succeeded"
	case BudgetExhausted:
		return "budget_exhausted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Dispatcher interface {
	Dispatch(ctx context.Context, urls []string, limit int) ([]transfer.Outcome, error)
}

var _ Dispatcher = &dispatch.Dispatcher{}

// Observer is told about the outcomes of every attempt, in the order of the URLs of that attempt.
type Observer interface {
	Observe(ctx context.Context, runID string, attempt int, outcomes []transfer.Outcome) error
}

// Controller runs a Dispatcher over a URL list again and again, each time over the URLs that failed in the previous
// attempt, until none fail or RetryCount retries have been made.
type Controller struct {
	Dispatcher  Dispatcher
	Concurrency int
	RetryCount  int
	RetryDelay  time.Duration
	Logger      zerolog.Logger
	// Observer is optional.
	Observer Observer
	// Sleep waits between attempts, a context aware sleep when nil.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Result struct {
	RunID    string
	State    State
	Attempts int
	// Total is the number of input URLs, duplicates included.
	Total      int
	Succeeded  int
	FailedURLs []string
	// Outcomes holds the latest outcome of every input URL, Outcomes[i] belongs to the i-th URL.
	Outcomes []transfer.Outcome
}

func (r Result) Success() bool {
	return r.State == AllSucceeded
}

// Err is nil unless the retry budget ran out, in which case it wraps ErrBudgetExhausted.
func (r Result) Err() error {
	if r.State != BudgetExhausted {
		return nil
	}
	return fmt.Errorf("%w: failed to download %d files after %d attempts", ErrBudgetExhausted, len(r.FailedURLs), r.Attempts)
}

// Validate reports settings that must be rejected before anything is downloaded.
func (c *Controller) Validate() error {
	if c.RetryCount < 0 {
		return fmt.Errorf("%w: invalid retry count: %d. Must be a non-negative integer", ErrInvalidRetry, c.RetryCount)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: invalid retry delay: %s. Must be a non-negative duration", ErrInvalidRetry, c.RetryDelay)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: %d", dispatch.ErrInvalidConcurrency, c.Concurrency)
	}
	if c.Dispatcher == nil {
		return errors.New("no dispatcher configured")
	}
	return nil
}

// Run downloads urls. A Result in state BudgetExhausted is returned with a nil error: failing downloads are an outcome
// of the run, see Result.Err. The error is only set for invalid settings, or when ctx ends between attempts.
func (c *Controller) Run(ctx context.Context, urls []string) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}

	result := Result{
		RunID:    ksuid.New().String(),
		State:    Attempting,
		Total:    len(urls),
		Outcomes: make([]transfer.Outcome, len(urls)),
	}
	logger := c.Logger.With().Str("run_id", result.RunID).Logger()

	// indexes into urls of the ones still to do
	pending := make([]int, len(urls))
	for i := range pending {
		pending[i] = i
	}

	for {
		result.Attempts++
		attemptLogger := logger.With().Int("attempt", result.Attempts).Logger()
		current := make([]string, len(pending))
		for j, i := range pending {
			current[j] = urls[i]
		}

		attemptLogger.Debug().Int("file_count", len(current)).Msg("Starting attempt")
		attemptStart := time.Now()
		outcomes, err := c.Dispatcher.Dispatch(ctx, current, c.Concurrency)
		if err != nil {
			return result, err
		}
		if len(outcomes) != len(current) {
			return result, fmt.Errorf("dispatcher returned %d outcomes for %d URLs", len(outcomes), len(current))
		}
		c.observe(ctx, attemptLogger, result.RunID, result.Attempts, outcomes)
		logAttemptMetrics(attemptLogger, time.Since(attemptStart), outcomes)

		var failed []int
		for j, outcome := range outcomes {
			result.Outcomes[pending[j]] = outcome
			if !outcome.OK() {
				failed = append(failed, pending[j])
			}
		}
		result.Succeeded = result.Total - len(failed)

		if len(failed) == 0 {
			result.State = AllSucceeded
			logger.Info().
				Int("file_count", result.Total).
				Int("attempts", result.Attempts).
				Msg("All downloads completed successfully")
			return result, nil
		}

		if result.Attempts > c.RetryCount {
			result.State = BudgetExhausted
			result.FailedURLs = make([]string, len(failed))
			for j, i := range failed {
				result.FailedURLs[j] = urls[i]
				logger.Error().
					Str("url", urls[i]).
					Str("error", result.Outcomes[i].Message()).
					Msg("Failed")
			}
			logger.Error().
				Int("failed", len(failed)).
				Int("attempts", result.Attempts).
				Msgf("Failed to download %d files after %d attempts", len(failed), result.Attempts)
			return result, nil
		}

		attemptLogger.Warn().
			Int("failed", len(failed)).
			Str("retry_delay", c.RetryDelay.String()).
			Msgf("Retry attempt %d/%d", result.Attempts, c.RetryCount)
		if err := c.sleep(ctx, c.RetryDelay); err != nil {
			return result, err
		}
		pending = failed
	}
}

func (c *Controller) observe(ctx context.Context, logger zerolog.Logger, runID string, attempt int, outcomes []transfer.Outcome) {
	if c.Observer == nil {
		return
	}
	if err := c.Observer.Observe(ctx, runID, attempt, outcomes); err != nil {
		logger.Warn().Err(err).Msg("Could not record outcomes")
	}
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func logAttemptMetrics(logger zerolog.Logger, elapsed time.Duration, outcomes []transfer.Outcome) {
	var transferred int64
	var skipped, failed int
	for _, outcome := range outcomes {
		transferred += outcome.Bytes
		switch {
		case !outcome.OK():
			failed++
		case outcome.Skipped:
			skipped++
		}
	}
	var throughput float64
	if seconds := elapsed.Seconds(); seconds > 0 {
		throughput = float64(transferred) / seconds
	}
	logger.Info().
		Int("file_count", len(outcomes)).
		Int("skipped", skipped).
		Int("failed", failed).
		Str("total_bytes_downloaded", humanize.Bytes(uint64(transferred))).
		Str("throughput", fmt.Sprintf("%s/s", humanize.Bytes(uint64(throughput)))).
		Str("elapsed_time", fmt.Sprintf("%.3fs", elapsed.Seconds())).
		Msg("Metrics")
}
