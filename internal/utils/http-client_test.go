package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestClientTimeoutLeavesBodyUnbounded(t *testing.T) {
	c := NewLMHTTPClient(HTTPClientConfig{Timeout: 500 * time.Millisecond})
	assert.Zero(t, c.client.Timeout)

	transport, ok := c.client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, transport.ResponseHeaderTimeout)
	assert.Equal(t, 500*time.Millisecond, transport.TLSHandshakeTimeout)
	assert.NotNil(t, transport.DialContext)
}

func TestClientProxyCredentials(t *testing.T) {
	c := NewLMHTTPClient(HTTPClientConfig{
		ProxyURL:      "http://proxy.example.com:8080",
		ProxyUsername: "alice",
		ProxyPassword: "secret",
	})
	transport := c.client.Transport.(*http.Transport)
	req := httptest.NewRequest(http.MethodGet, "https://example.com/en_ngrams.bin", nil)
	proxy, err := transport.Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "proxy.example.com:8080", proxy.Host)
	assert.Equal(t, "alice", proxy.User.Username())
	password, _ := proxy.User.Password()
	assert.Equal(t, "secret", password)
}

func TestClientHeadersAndToken(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer ts.Close()

	c := NewLMHTTPClient(HTTPClientConfig{
		Headers:   map[string]string{"X-Mirror": "eu"},
		AuthToken: "tok",
	})
	_, isOAuth := c.client.Transport.(*oauth2.Transport)
	assert.True(t, isOAuth)

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, ToolUserAgent, got.Get("User-Agent"))
	assert.Equal(t, "eu", got.Get("X-Mirror"))
	assert.Equal(t, "Bearer tok", got.Get("Authorization"))
}
