package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/replicate/batchget/pkg/client"
)

var (
	contentRangeRegexp     = regexp.MustCompile(`^bytes ([0-9]+)-[0-9]+/([0-9]+|\*)$`)
	unsatisfiedRangeRegexp = regexp.MustCompile(`^bytes \*/([0-9]+)$`)
)

// Metadata is what a HEAD request tells about a remote file.
type Metadata struct {
	// Size is -1 when the server sent no Content-Length.
	Size int64
	// LastModified is the zero time when the server sent no usable Last-Modified.
	LastModified time.Time
}

func (m Metadata) SizeKnown() bool {
	return m.Size >= 0
}

func (m Metadata) HasLastModified() bool {
	return !m.LastModified.IsZero()
}

// Probe sends a HEAD request for target. A server that does not implement HEAD yields unknown metadata instead of an
// error, any other non-2xx status is a StatusError.
func Probe(ctx context.Context, c client.HTTPClient, target string) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return Metadata{}, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		return Metadata{Size: -1}, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Metadata{}, StatusError{StatusCode: resp.StatusCode}
	}
	return metadataFromHeader(resp.Header)
}

func metadataFromHeader(h http.Header) (Metadata, error) {
	meta := Metadata{Size: -1, LastModified: lastModified(h)}
	if v := h.Get("Content-Length"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size < 0 {
			return Metadata{}, fmt.Errorf("invalid Content-Length %q", v)
		}
		meta.Size = size
	}
	return meta, nil
}

func lastModified(h http.Header) time.Time {
	v := h.Get("Last-Modified")
	if v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseContentRange returns the first byte and the total size of a Content-Range header. total is -1 when the server
// sent '*'.
func parseContentRange(v string) (start, total int64, err error) {
	m := contentRangeRegexp.FindStringSubmatch(v)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	start, err = strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid Content-Range %q: %w", v, err)
	}
	if m[2] == "*" {
		return start, -1, nil
	}
	total, err = strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid Content-Range %q: %w", v, err)
	}
	return start, total, nil
}

// unsatisfiedRangeTotal returns the size from the "bytes */N" Content-Range of a 416 response.
func unsatisfiedRangeTotal(v string) (int64, error) {
	m := unsatisfiedRangeRegexp.FindStringSubmatch(v)
	if m == nil {
		return 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	return strconv.ParseInt(m[1], 10, 64)
}
