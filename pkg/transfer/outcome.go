package transfer

import "time"

// Outcome is the result of one Fetch. Err is nil exactly when the transfer succeeded; Path is empty when the URL was
// rejected before a destination was chosen.
type Outcome struct {
	URL  string
	Path string
	Err  error

	// Bytes written to Path by this attempt, 0 when the file was already complete.
	Bytes   int64
	Skipped bool
	Elapsed time.Duration
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

// Message is the human readable failure reason, or "" on success.
func (o Outcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
