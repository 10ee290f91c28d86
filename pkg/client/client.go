package client

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// BrowserUserAgent is sent on every request. Some servers refuse anything that does not look like a browser.
const BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"

// HTTPClient is the subset of *http.Client the transfer code needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Options struct {
	// ConnectTimeout bounds establishing a connection.
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for response headers. Body reads are bounded by the transfer code.
	ReadTimeout time.Duration
	// ResolveOverrides maps host:port to ip:port, see --resolve.
	ResolveOverrides map[string]string
	Logger           zerolog.Logger
	// Transport replaces the network transport, used by tests.
	Transport http.RoundTripper
}

type UserAgentTransport struct {
	Transport http.RoundTripper
}

func (t *UserAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", BrowserUserAgent)
	return t.Transport.RoundTrip(req)
}

// NewHTTPClient returns an http.Client backed by retryablehttp. Retries are disabled, a failed request
// fails the transfer attempt and the batch is what gets retried. The passthrough error handler hands the last
// response back untouched so callers can report its status code.
func NewHTTPClient(opts Options) *http.Client {
	logger := opts.Logger
	baseTransport := opts.Transport
	if baseTransport == nil {
		baseTransport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: transportDialContext(&net.Dialer{
				Timeout:   opts.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}, opts.ResolveOverrides, logger),
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ResponseHeaderTimeout: opts.ReadTimeout,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	retryClient := &retryablehttp.Client{
		HTTPClient: &http.Client{
			Transport:     &UserAgentTransport{Transport: baseTransport},
			CheckRedirect: checkRedirectFunc(logger),
		},
		Logger:       nil,
		RetryMax:     0,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
		RequestLogHook: func(_ retryablehttp.Logger, req *http.Request, _ int) {
			logger.Trace().Str("method", req.Method).Str("url", req.URL.String()).Str("range", req.Header.Get("Range")).Msg("Request")
		},
	}
	return retryClient.StandardClient()
}

// checkRedirectFunc is a wrapper around http.Client.CheckRedirect that allows for printing out redirects
func checkRedirectFunc(logger zerolog.Logger) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return http.ErrUseLastResponse
		}
		logger.Trace().
			Str("redirect_url", req.URL.String()).
			Str("url", via[0].URL.String()).
			Int("status", req.Response.StatusCode).
			Msg("Redirect")
		return nil
	}
}

// transportDialContext is a wrapper around net.Dialer that allows for overriding DNS lookups via the values passed to
// `--resolve` argument.
func transportDialContext(dialer *net.Dialer, overrides map[string]string, logger zerolog.Logger) func(context.Context, string, string) (net.Conn, error) {
	// Allow for overriding DNS lookups in the dialer without impacting Host and SSL resolution
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if addrOverride := overrides[addr]; addrOverride != "" {
			logger.Debug().Str("addr", addr).Str("override", addrOverride).Msg("DNS Override")
			addr = addrOverride
		}
		return dialer.DialContext(ctx, network, addr)
	}
}
