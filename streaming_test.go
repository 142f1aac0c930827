package ttclient

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facebookgo/httpcontrol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseHandler serves a single long-lived SSE connection and lets the test push events into it.
type sseHandler struct {
	lock     sync.Mutex
	requests []*http.Request
	eventsCh chan string
	closedCh chan struct{}
}

func newSSEHandler() *sseHandler {
	return &sseHandler{
		eventsCh: make(chan string, 10),
		closedCh: make(chan struct{}),
	}
}

func (h *sseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.lock.Lock()
	h.requests = append(h.requests, r)
	h.lock.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()
	for {
		select {
		case e := <-h.eventsCh:
			_, _ = w.Write([]byte(e))
			flusher.Flush()
		case <-h.closedCh:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *sseHandler) sendEvent(eventType, data string) {
	h.eventsCh <- fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

func (h *sseHandler) close() {
	close(h.closedCh)
}

func startStreamProcessor(t *testing.T, handler *sseHandler) (*streamProcessor, FeatureStore, <-chan struct{}, func()) {
	server := httptest.NewServer(handler)

	store := NewInMemoryFeatureStore(nullLogger())
	config := DefaultConfig
	config.StreamUri = server.URL
	config.BaseUri = server.URL
	config.FeatureStore = store
	config.Logger = nullLogger()

	req := newRequestor("SDK_KEY", config)
	sp := newStreamProcessor("SDK_KEY", config, req)
	closeWhenReady := make(chan struct{})
	sp.Start(closeWhenReady)

	return sp, store, closeWhenReady, func() {
		_ = sp.Close()
		handler.close()
		server.Close()
	}
}

func waitForStoreItem(t *testing.T, store FeatureStore, kind VersionedDataKind, key string, version int) VersionedData {
	deadline := time.Now().Add(time.Second * 3)
	for time.Now().Before(deadline) {
		item, err := store.Get(kind, key)
		require.NoError(t, err)
		if item != nil && item.GetVersion() == version {
			return item
		}
		time.Sleep(time.Millisecond * 10)
	}
	require.Fail(t, "timed out waiting for store item", "%s %s v%d", kind.GetNamespace(), key, version)
	return nil
}

func waitForStoreDeletion(t *testing.T, store FeatureStore, kind VersionedDataKind, key string) {
	deadline := time.Now().Add(time.Second * 3)
	for time.Now().Before(deadline) {
		item, err := store.Get(kind, key)
		require.NoError(t, err)
		if item == nil {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
	require.Fail(t, "timed out waiting for deletion of %s", key)
}

const initialPutData = `{"path": "/", "data": {"flags": {"my-flag": {"key": "my-flag", "version": 2}}, "segments": {"my-segment": {"key": "my-segment", "version": 5}}}`

func TestStreamProcessorInitializesStoreFromPutEvent(t *testing.T) {
	handler := newSSEHandler()
	sp, store, closeWhenReady, stop := startStreamProcessor(t, handler)
	defer stop()

	handler.sendEvent(putEvent, initialPutData+`}`)
	waitForReady(t, closeWhenReady)
	assert.True(t, sp.Initialized())

	flag := waitForStoreItem(t, store, Features, "my-flag", 2)
	assert.Equal(t, "my-flag", flag.GetKey())
	segment := waitForStoreItem(t, store, Segments, "my-segment", 5)
	assert.Equal(t, "my-segment", segment.GetKey())
}

func TestStreamProcessorSendsExpectedHeaders(t *testing.T) {
	handler := newSSEHandler()
	_, _, closeWhenReady, stop := startStreamProcessor(t, handler)
	defer stop()

	handler.sendEvent(putEvent, `{"path": "/", "data": {"flags": {}, "segments": {}}}`)
	waitForReady(t, closeWhenReady)

	handler.lock.Lock()
	defer handler.lock.Unlock()
	require.True(t, len(handler.requests) > 0)
	assert.Equal(t, "/all", handler.requests[0].URL.Path)
	assert.Equal(t, "SDK_KEY", handler.requests[0].Header.Get("Authorization"))
}

func TestStreamProcessorAppliesPatchToFlag(t *testing.T) {
	handler := newSSEHandler()
	_, store, closeWhenReady, stop := startStreamProcessor(t, handler)
	defer stop()

	handler.sendEvent(putEvent, initialPutData+`}`)
	waitForReady(t, closeWhenReady)

	handler.sendEvent(patchEvent, `{"path": "/flags/my-flag", "data": {"key": "my-flag", "version": 3}}`)
	waitForStoreItem(t, store, Features, "my-flag", 3)
}

func TestStreamProcessorAppliesPatchToSegment(t *testing.T) {
	handler := newSSEHandler()
	_, store, closeWhenReady, stop := startStreamProcessor(t, handler)
	defer stop()

	handler.sendEvent(putEvent, initialPutData+`}`)
	waitForReady(t, closeWhenReady)

	handler.sendEvent(patchEvent, `{"path": "/segments/my-segment", "data": {"key": "my-segment", "version": 6}}`)
	waitForStoreItem(t, store, Segments, "my-segment", 6)
}

func TestStreamProcessorAppliesDeleteToFlag(t *testing.T) {
	handler := newSSEHandler()
	_, store, closeWhenReady, stop := startStreamProcessor(t, handler)
	defer stop()

	handler.sendEvent(putEvent, initialPutData+`}`)
	waitForReady(t, closeWhenReady)

	handler.sendEvent(deleteEvent, `{"path": "/flags/my-flag", "version": 4}`)
	waitForStoreDeletion(t, store, Features, "my-flag")
}

func TestStreamProcessorIgnoresStaleDelete(t *testing.T) {
	handler := newSSEHandler()
	_, store, closeWhenReady, stop := startStreamProcessor(t, handler)
	defer stop()

	handler.sendEvent(putEvent, initialPutData+`}`)
	waitForReady(t, closeWhenReady)

	handler.sendEvent(deleteEvent, `{"path": "/flags/my-flag", "version": 1}`)
	// A later patch proves the delete was processed; the original flag must still be there.
	handler.sendEvent(patchEvent, `{"path": "/segments/my-segment", "data": {"key": "my-segment", "version": 6}}`)
	waitForStoreItem(t, store, Segments, "my-segment", 6)

	flag, err := store.Get(Features, "my-flag")
	require.NoError(t, err)
	require.NotNil(t, flag)
	assert.Equal(t, 2, flag.GetVersion())
}

func TestStreamClientHasNoOverallOrPerRequestTimeout(t *testing.T) {
	config := DefaultConfig
	config.Logger = nullLogger()

	client := config.newStreamHTTPClient()

	assert.Equal(t, time.Duration(0), client.Timeout)
	transport, ok := client.Transport.(*httpcontrol.Transport)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), transport.RequestTimeout)
	assert.Equal(t, config.ConnectTimeout, transport.DialTimeout)
}

func TestStreamProcessorKeepsConnectionOpenPastReadTimeout(t *testing.T) {
	var connCount int32
	done := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connCount, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "event: %s\ndata: %s}\n\n", putEvent, initialPutData)
		flusher.Flush()
		heartbeats := time.NewTicker(50 * time.Millisecond)
		defer heartbeats.Stop()
		for {
			select {
			case <-heartbeats.C:
				fmt.Fprint(w, ":\n\n")
				flusher.Flush()
			case <-done:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
	server := httptest.NewServer(handler)
	defer server.Close()
	defer close(done)

	store := NewInMemoryFeatureStore(nullLogger())
	config := DefaultConfig
	config.StreamUri = server.URL
	config.BaseUri = server.URL
	config.FeatureStore = store
	config.Logger = nullLogger()
	config.ReadTimeout = 200 * time.Millisecond

	sp := newStreamProcessor("SDK_KEY", config, newRequestor("SDK_KEY", config))
	closeWhenReady := make(chan struct{})
	sp.Start(closeWhenReady)
	defer sp.Close()
	waitForReady(t, closeWhenReady)

	// Stay connected well past ReadTimeout; a request timeout on the stream's client would
	// force a disconnect and reconnect here.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&connCount))
}

func TestStreamProcessorInitializedIsSafeForConcurrentReads(t *testing.T) {
	handler := newSSEHandler()
	sp, _, closeWhenReady, stop := startStreamProcessor(t, handler)
	defer stop()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for i := 0; i < 1000; i++ {
			sp.Initialized()
		}
	}()

	handler.sendEvent(putEvent, initialPutData+`}`)
	waitForReady(t, closeWhenReady)
	<-readerDone
	assert.True(t, sp.Initialized())
}

func TestFlagKeyFromPath(t *testing.T) {
	key, err := flagKeyFromPath("/flags/my-flag")
	require.NoError(t, err)
	assert.Equal(t, "my-flag", key)

	_, err = flagKeyFromPath("/segments/my-segment")
	assert.Error(t, err)
}

func TestSegmentKeyFromPath(t *testing.T) {
	key, err := segmentKeyFromPath("/segments/my-segment")
	require.NoError(t, err)
	assert.Equal(t, "my-segment", key)

	_, err = segmentKeyFromPath("/flags/my-flag")
	assert.Error(t, err)
}
