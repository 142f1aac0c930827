package ttclient

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type etagHandler struct {
	lock     sync.Mutex
	requests []*http.Request
	etag     string
	body     string
}

func (h *etagHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.lock.Lock()
	h.requests = append(h.requests, r)
	h.lock.Unlock()
	if h.etag != "" && r.Header.Get("If-None-Match") == h.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if h.etag != "" {
		w.Header().Set("ETag", h.etag)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(h.body))
}

func makeTestRequestor(serverURL string) *requestor {
	config := DefaultConfig
	config.BaseUri = serverURL
	config.Logger = nullLogger()
	config.UserAgent = "test-agent"
	return newRequestor("SDK_KEY", config)
}

func TestRequestorRequestAllParsesFlagsAndSegments(t *testing.T) {
	handler := &etagHandler{
		body: `{"flags": {"my-flag": {"key": "my-flag", "version": 3}}, "segments": {"my-segment": {"key": "my-segment", "version": 5}}}`,
	}
	server := httptest.NewServer(handler)
	defer server.Close()
	r := makeTestRequestor(server.URL)

	data, cached, err := r.requestAll()
	require.NoError(t, err)
	assert.False(t, cached)
	require.Contains(t, data.Flags, "my-flag")
	assert.Equal(t, 3, data.Flags["my-flag"].Version)
	require.Contains(t, data.Segments, "my-segment")
	assert.Equal(t, 5, data.Segments["my-segment"].Version)

	req := handler.requests[0]
	assert.Equal(t, LatestAllPath, req.URL.Path)
	assert.Equal(t, "SDK_KEY", req.Header.Get("Authorization"))
	assert.Equal(t, "test-agent", req.Header.Get("User-Agent"))
}

func TestRequestorRequestAllReportsCachedResponse(t *testing.T) {
	handler := &etagHandler{
		etag: `"abc123"`,
		body: `{"flags": {}, "segments": {}}`,
	}
	server := httptest.NewServer(handler)
	defer server.Close()
	r := makeTestRequestor(server.URL)

	_, cached, err := r.requestAll()
	require.NoError(t, err)
	assert.False(t, cached)

	_, cached, err = r.requestAll()
	require.NoError(t, err)
	assert.True(t, cached)
}

func TestRequestorRequestFlag(t *testing.T) {
	handler := &etagHandler{body: `{"key": "my-flag", "version": 7}`}
	server := httptest.NewServer(handler)
	defer server.Close()
	r := makeTestRequestor(server.URL)

	flag, err := r.requestFlag("my-flag")
	require.NoError(t, err)
	assert.Equal(t, "my-flag", flag.Key)
	assert.Equal(t, 7, flag.Version)
	assert.Equal(t, LatestFlagsPath+"/my-flag", handler.requests[0].URL.Path)
}

func TestRequestorRequestSegment(t *testing.T) {
	handler := &etagHandler{body: `{"key": "my-segment", "version": 9}`}
	server := httptest.NewServer(handler)
	defer server.Close()
	r := makeTestRequestor(server.URL)

	segment, err := r.requestSegment("my-segment")
	require.NoError(t, err)
	assert.Equal(t, "my-segment", segment.Key)
	assert.Equal(t, 9, segment.Version)
	assert.Equal(t, LatestSegmentsPath+"/my-segment", handler.requests[0].URL.Path)
}

func TestRequestorReturnsHttpStatusError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(handler)
	defer server.Close()
	r := makeTestRequestor(server.URL)

	_, _, err := r.requestAll()
	require.Error(t, err)
	hse, ok := err.(*HttpStatusError)
	require.True(t, ok)
	assert.Equal(t, 401, hse.Code)
}
