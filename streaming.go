package ttclient

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	es "github.com/launchdarkly/eventsource"
)

const (
	putEvent           = "put"
	patchEvent         = "patch"
	deleteEvent        = "delete"
	indirectPatchEvent = "indirect/patch"

	streamingErrorContext     = "in stream connection"
	streamingWillRetryMessage = "will retry"

	streamMaxRetryDelay      = 30 * time.Second
	streamRetryResetInterval = 60 * time.Second
	streamJitterRatio        = 0.5
	defaultStreamRetryDelay  = 1 * time.Second
)

// streamProcessor is the streaming data source: it holds an SSE subscription to the ToggleTree
// streaming service and applies put/patch/delete events to the feature store. Reconnection with
// backoff and jitter is handled by the eventsource library.
type streamProcessor struct {
	store              FeatureStore
	requestor          *requestor
	stream             *es.Stream
	config             Config
	sdkKey             string
	setInitializedOnce sync.Once
	isInitialized      int32 // set atomically; Initialized may be called from any goroutine
	halt               chan struct{}
	readyOnce          sync.Once
	closeOnce          sync.Once
}

type putData struct {
	Path string  `json:"path"`
	Data allData `json:"data"`
}

type allData struct {
	Flags    map[string]*FeatureFlag `json:"flags"`
	Segments map[string]*Segment     `json:"segments"`
}

type patchData struct {
	Path string `json:"path"`
	// This could be a flag or a segment, depending on the path
	Data json.RawMessage `json:"data"`
}

type deleteData struct {
	Path    string `json:"path"`
	Version int    `json:"version"`
}

func newStreamProcessor(sdkKey string, config Config, requestor *requestor) *streamProcessor {
	sp := &streamProcessor{
		store:     config.FeatureStore,
		config:    config,
		sdkKey:    sdkKey,
		requestor: requestor,
		halt:      make(chan struct{}),
	}

	return sp
}

func (sp *streamProcessor) Initialized() bool {
	return atomic.LoadInt32(&sp.isInitialized) == 1
}

func (sp *streamProcessor) Start(closeWhenReady chan<- struct{}) {
	sp.config.Logger.Printf("Starting ToggleTree streaming connection")
	go sp.subscribe(closeWhenReady)
}

func flagKeyFromPath(path string) (string, error) {
	if strings.HasPrefix(path, "/flags/") {
		return strings.TrimPrefix(path, "/flags/"), nil
	}
	return "", errors.New("not a flag path")
}

func segmentKeyFromPath(path string) (string, error) {
	if strings.HasPrefix(path, "/segments/") {
		return strings.TrimPrefix(path, "/segments/"), nil
	}
	return "", errors.New("not a segment path")
}

func (sp *streamProcessor) subscribe(closeWhenReady chan<- struct{}) {
	req, _ := http.NewRequest("GET", sp.config.StreamUri+"/all", nil)
	req.Header.Add("Authorization", sp.sdkKey)
	req.Header.Add("User-Agent", sp.config.UserAgent)
	sp.config.Logger.Printf("Connecting to ToggleTree stream using URL: %s", req.URL.String())

	errorHandler := func(err error) es.StreamErrorHandlerResult {
		if se, ok := err.(es.SubscriptionError); ok {
			sp.config.Logger.Printf("ERROR: %s", httpErrorMessage(se.Code, streamingErrorContext, streamingWillRetryMessage))
			if !isHTTPErrorRecoverable(se.Code) {
				sp.notifyReady(closeWhenReady)
				return es.StreamErrorHandlerResult{CloseNow: true}
			}
			return es.StreamErrorHandlerResult{CloseNow: false}
		}
		sp.config.Logger.Printf("WARN: Error in stream connection (%s): %+v", streamingWillRetryMessage, err)
		return es.StreamErrorHandlerResult{CloseNow: false}
	}

	stream, err := es.SubscribeWithRequestAndOptions(req,
		es.StreamOptionHTTPClient(sp.config.newStreamHTTPClient()),
		es.StreamOptionReadTimeout(5*time.Minute),
		es.StreamOptionInitialRetry(defaultStreamRetryDelay),
		es.StreamOptionUseBackoff(streamMaxRetryDelay),
		es.StreamOptionUseJitter(streamJitterRatio),
		es.StreamOptionRetryResetInterval(streamRetryResetInterval),
		es.StreamOptionErrorHandler(errorHandler),
		es.StreamOptionCanRetryFirstConnection(-1),
		es.StreamOptionLogger(sp.config.Logger),
	)

	if err != nil {
		sp.config.Logger.Printf("ERROR: Failed to establish streaming connection: %+v", err)
		sp.notifyReady(closeWhenReady)
		return
	}

	sp.stream = stream
	sp.consumeStream(stream, closeWhenReady)
}

func (sp *streamProcessor) consumeStream(stream *es.Stream, closeWhenReady chan<- struct{}) {
	// Consume remaining Events and Errors so we can garbage collect
	defer func() {
		for range stream.Events {
		}
		if stream.Errors != nil {
			for range stream.Errors {
			}
		}
	}()
	// Ensure we stop waiting for initialization if we exit, even if initialization fails
	defer sp.notifyReady(closeWhenReady)

	for {
		select {
		case event, ok := <-stream.Events:
			if !ok {
				sp.config.Logger.Printf("Event stream closed")
				return
			}
			sp.handleEvent(event, closeWhenReady)
		case <-sp.halt:
			stream.Close()
			return
		}
	}
}

func (sp *streamProcessor) handleEvent(event es.Event, closeWhenReady chan<- struct{}) {
	switch event.Event() {
	case putEvent:
		var put putData
		if err := json.Unmarshal([]byte(event.Data()), &put); err != nil {
			sp.config.Logger.Printf("ERROR: Unexpected error unmarshalling PUT json: %+v", err)
			return
		}
		if err := sp.store.Init(MakeAllVersionedDataMap(put.Data.Flags, put.Data.Segments)); err != nil {
			sp.config.Logger.Printf("ERROR: Error initializing store: %+v", err)
			return
		}
		sp.setInitializedOnce.Do(func() {
			sp.config.Logger.Printf("Started ToggleTree streaming client")
			atomic.StoreInt32(&sp.isInitialized, 1)
			sp.notifyReady(closeWhenReady)
		})

	case patchEvent:
		var patch patchData
		if err := json.Unmarshal([]byte(event.Data()), &patch); err != nil {
			sp.config.Logger.Printf("ERROR: Unexpected error unmarshalling PATCH json: %+v", err)
			return
		}
		if key, err := flagKeyFromPath(patch.Path); err == nil {
			var flag FeatureFlag
			if err := json.Unmarshal(patch.Data, &flag); err != nil {
				sp.config.Logger.Printf("ERROR: Unexpected error unmarshalling feature flag json: %+v", err)
				return
			}
			if err := sp.store.Upsert(Features, &flag); err != nil {
				sp.config.Logger.Printf(`ERROR: Unexpected error storing feature flag "%s": %+v`, key, err)
			}
		} else if key, err := segmentKeyFromPath(patch.Path); err == nil {
			var segment Segment
			if err := json.Unmarshal(patch.Data, &segment); err != nil {
				sp.config.Logger.Printf("ERROR: Unexpected error unmarshalling segment json: %+v", err)
				return
			}
			if err := sp.store.Upsert(Segments, &segment); err != nil {
				sp.config.Logger.Printf(`ERROR: Unexpected error storing segment "%s": %+v`, key, err)
			}
		} else {
			sp.config.Logger.Printf("ERROR: Unknown data path: %s. Ignoring patch.", patch.Path)
		}

	case deleteEvent:
		var data deleteData
		if err := json.Unmarshal([]byte(event.Data()), &data); err != nil {
			sp.config.Logger.Printf("ERROR: Unexpected error unmarshalling DELETE json: %+v", err)
			return
		}
		if key, err := flagKeyFromPath(data.Path); err == nil {
			if err := sp.store.Delete(Features, key, data.Version); err != nil {
				sp.config.Logger.Printf(`ERROR: Unexpected error deleting feature flag "%s": %+v`, key, err)
			}
		} else if key, err := segmentKeyFromPath(data.Path); err == nil {
			if err := sp.store.Delete(Segments, key, data.Version); err != nil {
				sp.config.Logger.Printf(`ERROR: Unexpected error deleting segment "%s": %+v`, key, err)
			}
		} else {
			sp.config.Logger.Printf("ERROR: Unknown data path: %s. Ignoring delete.", data.Path)
		}

	case indirectPatchEvent:
		path := event.Data()
		if key, err := flagKeyFromPath(path); err == nil {
			if flag, requestErr := sp.requestor.requestFlag(key); requestErr != nil {
				sp.config.Logger.Printf(`ERROR: Unexpected error requesting feature flag "%s": %+v`, key, requestErr)
			} else if err := sp.store.Upsert(Features, flag); err != nil {
				sp.config.Logger.Printf(`ERROR: Unexpected error storing feature flag "%s": %+v`, key, err)
			}
		} else if key, err := segmentKeyFromPath(path); err == nil {
			if segment, requestErr := sp.requestor.requestSegment(key); requestErr != nil {
				sp.config.Logger.Printf(`ERROR: Unexpected error requesting segment "%s": %+v`, key, requestErr)
			} else if err := sp.store.Upsert(Segments, segment); err != nil {
				sp.config.Logger.Printf(`ERROR: Unexpected error storing segment "%s": %+v`, key, err)
			}
		} else {
			sp.config.Logger.Printf("ERROR: Unknown data path: %s. Ignoring indirect patch.", path)
		}

	default:
		sp.config.Logger.Printf("Unexpected event found in stream: %s", event.Event())
	}
}

func (sp *streamProcessor) notifyReady(closeWhenReady chan<- struct{}) {
	sp.readyOnce.Do(func() {
		close(closeWhenReady)
	})
}

// Close instructs the processor to stop receiving updates
func (sp *streamProcessor) Close() error {
	sp.closeOnce.Do(func() {
		sp.config.Logger.Printf("Closing event stream")
		close(sp.halt)
	})
	return nil
}
