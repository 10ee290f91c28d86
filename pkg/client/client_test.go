package client_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/batchget/pkg/client"
)

func newMockedClient() (*http.Client, *httpmock.MockTransport) {
	mock := httpmock.NewMockTransport()
	c := client.NewHTTPClient(client.Options{
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
		Logger:         zerolog.Nop(),
		Transport:      mock,
	})
	return c, mock
}

func TestUserAgentOnEveryRequest(t *testing.T) {
	c, mock := newMockedClient()
	seen := make([]string, 0, 2)
	responder := func(req *http.Request) (*http.Response, error) {
		seen = append(seen, req.Header.Get("User-Agent"))
		return httpmock.NewStringResponse(http.StatusOK, ""), nil
	}
	mock.RegisterResponder(http.MethodHead, "https://example.com/DM_x.jpg", responder)
	mock.RegisterResponder(http.MethodGet, "https://example.com/DM_x.jpg", responder)

	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(context.Background(), method, "https://example.com/DM_x.jpg", nil)
		require.NoError(t, err)
		resp, err := c.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, []string{client.BrowserUserAgent, client.BrowserUserAgent}, seen)
}

func TestServerErrorIsNotRetried(t *testing.T) {
	c, mock := newMockedClient()
	mock.RegisterResponder(http.MethodGet, "https://example.com/flaky", httpmock.NewStringResponder(http.StatusServiceUnavailable, "busy"))

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://example.com/flaky", nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "busy", string(body))
	assert.Equal(t, 1, mock.GetTotalCallCount())
}

func TestTransportErrorIsNotRetried(t *testing.T) {
	c, mock := newMockedClient()
	mock.RegisterResponder(http.MethodHead, "https://example.com/down", httpmock.NewErrorResponder(errors.New("connection reset")))

	req, err := http.NewRequestWithContext(context.Background(), http.MethodHead, "https://example.com/down", nil)
	require.NoError(t, err)
	_, err = c.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 1, mock.GetTotalCallCount())
}

func TestResolveOverride(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Host)
	}))
	defer ts.Close()

	serverURL, err := url.Parse(ts.URL)
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(serverURL.Host)
	require.NoError(t, err)

	c := client.NewHTTPClient(client.Options{
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
		ResolveOverrides: map[string]string{
			net.JoinHostPort("files.example.invalid", port): net.JoinHostPort("127.0.0.1", port),
		},
		Logger: zerolog.Nop(),
	})

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://"+net.JoinHostPort("files.example.invalid", port)+"/", nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	// the Host header still names the original host
	assert.Equal(t, net.JoinHostPort("files.example.invalid", port), string(body))
}
