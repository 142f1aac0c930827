package ttclient

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxFlushWorkers        = 5
	eventSchemaHeader      = "X-ToggleTree-Event-Schema"
	payloadIDHeader        = "X-ToggleTree-Payload-ID"
	currentEventSchema     = "3"
	defaultURIPath         = "/bulk"
	eventPostMaxAttempts   = 2
	eventPostRetryInterval = 1 * time.Second
)

// defaultEventProcessor is the standard implementation of EventProcessor. Events are posted
// to the inbox channel and consumed by a single dispatcher goroutine, so the buffering and
// summarizing logic needs no locks; flush payloads are delivered by a small worker pool.
type defaultEventProcessor struct {
	inboxCh       chan eventDispatcherMessage
	inboxFullOnce sync.Once
	closeOnce     sync.Once
	logger        Logger
}

type eventDispatcher struct {
	sdkKey            string
	config            Config
	httpClient        *http.Client
	lastKnownPastTime uint64
	disabled          bool
	stateLock         sync.Mutex
}

// sendEventsState holds the data that is modified only by the dispatcher goroutine.
type sendEventsState struct {
	events            eventBuffer
	summarizer        *eventSummarizer
	userKeys          lruCache
	deduplicatedUsers int
}

type eventBuffer struct {
	events           []Event
	capacity         int
	capacityExceeded bool
	logger           Logger
}

type flushPayload struct {
	events  []Event
	summary summaryEventsState
}

// Payload of the inboxCh channel.
type eventDispatcherMessage interface{}

type sendEventMessage struct {
	event Event
}

type flushEventsMessage struct{}

type shutdownEventsMessage struct {
	replyCh chan struct{}
}

type syncEventsMessage struct {
	replyCh chan struct{}
}

// NewDefaultEventProcessor creates an instance of the default implementation of analytics event
// processing. This is normally only used internally; it is public because the ToggleTree relay
// proxy uses it as a library.
func NewDefaultEventProcessor(sdkKey string, config Config, client *http.Client) EventProcessor {
	if client == nil {
		client = config.newHTTPClient()
	}
	inboxCh := make(chan eventDispatcherMessage, config.Capacity)
	startEventDispatcher(sdkKey, config, client, inboxCh)
	return &defaultEventProcessor{
		inboxCh: inboxCh,
		logger:  config.Logger,
	}
}

func (ep *defaultEventProcessor) SendEvent(e Event) {
	ep.postNonBlockingMessageToInbox(sendEventMessage{event: e})
}

func (ep *defaultEventProcessor) Flush() {
	ep.postNonBlockingMessageToInbox(flushEventsMessage{})
}

func (ep *defaultEventProcessor) postNonBlockingMessageToInbox(e eventDispatcherMessage) {
	select {
	case ep.inboxCh <- e:
		return
	default:
	}
	// If the inbox is full, it means the dispatcher is seriously backed up with not-yet-processed
	// events. This is unlikely, but if it happens, it means the application is probably doing a
	// ton of flag evaluations across many goroutines, so that event processing is a bottleneck.
	// We'll log this at most once to avoid flooding the logs.
	ep.inboxFullOnce.Do(func() {
		ep.logger.Printf("WARN: Events are being produced faster than they can be processed; some events will be dropped")
	})
}

// Used only in testing - ensures that all pending messages and flushes have completed.
func (ep *defaultEventProcessor) waitUntilInactive() {
	m := syncEventsMessage{replyCh: make(chan struct{})}
	ep.inboxCh <- m
	<-m.replyCh // Now we know that all events prior to this call have been processed
}

func (ep *defaultEventProcessor) Close() error {
	ep.closeOnce.Do(func() {
		ep.inboxCh <- flushEventsMessage{}
		m := shutdownEventsMessage{replyCh: make(chan struct{})}
		ep.inboxCh <- m
		<-m.replyCh
	})
	return nil
}

func startEventDispatcher(sdkKey string, config Config, client *http.Client,
	inboxCh <-chan eventDispatcherMessage) {
	ed := &eventDispatcher{
		sdkKey:     sdkKey,
		config:     config,
		httpClient: client,
	}

	// Start a fixed-size pool of workers that wait on flushCh. This is the
	// maximum number of flushes we can do concurrently.
	flushCh := make(chan *flushPayload, 1)
	var workersGroup sync.WaitGroup
	for i := 0; i < maxFlushWorkers; i++ {
		startFlushTask(sdkKey, config, client, flushCh, &workersGroup, ed)
	}
	go ed.runMainLoop(inboxCh, flushCh, &workersGroup)
}

func (ed *eventDispatcher) runMainLoop(inboxCh <-chan eventDispatcherMessage,
	flushCh chan<- *flushPayload, workersGroup *sync.WaitGroup) {
	defer func() {
		if err := recover(); err != nil {
			ed.config.Logger.Printf("ERROR: Unexpected panic in event processing thread: %+v", err)
		}
	}()

	state := sendEventsState{
		events:     eventBuffer{capacity: ed.config.Capacity, logger: ed.config.Logger},
		summarizer: newEventSummarizer(),
		userKeys:   newLruCache(ed.config.UserKeysCapacity),
	}

	flushInterval := ed.config.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultConfig.FlushInterval
	}
	userKeysFlushInterval := ed.config.UserKeysFlushInterval
	if userKeysFlushInterval <= 0 {
		userKeysFlushInterval = DefaultConfig.UserKeysFlushInterval
	}
	flushTicker := time.NewTicker(flushInterval)
	usersResetTicker := time.NewTicker(userKeysFlushInterval)
	for {
		// Drain the response channel with a higher priority than anything else
		// to ensure that the flush workers don't get blocked.
		select {
		case message := <-inboxCh:
			switch m := message.(type) {
			case sendEventMessage:
				ed.processEvent(m.event, &state)
			case flushEventsMessage:
				ed.triggerFlush(&state, flushCh, workersGroup)
			case syncEventsMessage:
				workersGroup.Wait()
				m.replyCh <- struct{}{}
			case shutdownEventsMessage:
				flushTicker.Stop()
				usersResetTicker.Stop()
				workersGroup.Wait() // Wait for all in-progress flushes to complete
				close(flushCh)      // Causes all idle flush workers to terminate
				m.replyCh <- struct{}{}
				return
			}
		case <-flushTicker.C:
			ed.triggerFlush(&state, flushCh, workersGroup)
		case <-usersResetTicker.C:
			state.userKeys.clear()
		}
	}
}

func (ed *eventDispatcher) processEvent(evt Event, state *sendEventsState) {
	// Always record the event in the summarizer.
	state.summarizer.summarizeEvent(evt)

	// Decide whether to add the event to the payload. Feature events may be added twice, once for
	// the event (if tracked) and once for debugging.
	willAddFullEvent := false
	var debugEvent Event
	inlinedUser := ed.config.InlineUsersInEvents
	switch evt := evt.(type) {
	case FeatureRequestEvent:
		willAddFullEvent = evt.TrackEvents
		if ed.shouldDebugEvent(&evt) {
			de := evt
			de.Debug = true
			debugEvent = de
		}
	case IdentifyEvent:
		willAddFullEvent = true
		inlinedUser = true
	default:
		willAddFullEvent = true
	}

	// For each user we haven't seen before, we add an index event - unless this is already
	// an identify event for that user.
	user := evt.GetBase().User
	alreadySeenUser := ed.noticeUser(state, &user)
	if !(willAddFullEvent && inlinedUser) {
		if !alreadySeenUser {
			indexEvent := indexEvent{
				BaseEvent{CreationDate: evt.GetBase().CreationDate, User: user},
			}
			state.events.addEvent(indexEvent)
		} else {
			if _, ok := evt.(IdentifyEvent); !ok {
				state.deduplicatedUsers++
			}
		}
	}
	if willAddFullEvent {
		state.events.addEvent(evt)
	}
	if debugEvent != nil {
		state.events.addEvent(debugEvent)
	}
}

// Add to the set of users we've noticed, and return true if the user was already known to us.
func (ed *eventDispatcher) noticeUser(state *sendEventsState, user *User) bool {
	if user == nil || user.Key == nil {
		return true // Don't send an index event for a user with no key
	}
	return state.userKeys.add(*user.Key)
}

func (ed *eventDispatcher) shouldDebugEvent(evt *FeatureRequestEvent) bool {
	if evt.DebugEventsUntilDate == nil {
		return false
	}
	// The "last known past time" comes from the last HTTP response we got from the server.
	// In case the client's time is set wrong, at least we know that any expiration date
	// earlier than that point is definitely in the past. If there's any discrepancy, we
	// want to err on the side of cutting off event debugging sooner.
	ed.stateLock.Lock()
	lastPast := ed.lastKnownPastTime
	ed.stateLock.Unlock()
	return *evt.DebugEventsUntilDate > lastPast &&
		*evt.DebugEventsUntilDate > now()
}

// Signal that we would like to do a flush as soon as possible.
func (ed *eventDispatcher) triggerFlush(state *sendEventsState, flushCh chan<- *flushPayload,
	workersGroup *sync.WaitGroup) {
	if ed.isDisabled() {
		state.events.clear()
		return
	}
	// Is there anything to flush?
	payload := flushPayload{
		events:  state.events.getPayload(),
		summary: state.summarizer.snapshot(),
	}
	if len(payload.events) == 0 && len(payload.summary.counters) == 0 {
		return
	}
	workersGroup.Add(1) // Increment the count of active flushes
	select {
	case flushCh <- &payload:
		// If the channel wasn't full, then there is a worker available who will pick up
		// this flush payload and send it. The event buffer and summary state can now be
		// cleared from the dispatcher's point of view.
		state.events.clear()
	default:
		// We can't start a flush right now because we're waiting for one of the workers
		// to pick up the last one. Do not reset the event buffer or summary state.
		workersGroup.Done()
	}
}

func (ed *eventDispatcher) isDisabled() bool {
	ed.stateLock.Lock()
	defer ed.stateLock.Unlock()
	return ed.disabled
}

func (ed *eventDispatcher) handleResponseStatus(status int) {
	ed.stateLock.Lock()
	defer ed.stateLock.Unlock()
	if !isHTTPErrorRecoverable(status) {
		ed.disabled = true
	}
}

func (ed *eventDispatcher) setLastKnownPastTime(t uint64) {
	ed.stateLock.Lock()
	defer ed.stateLock.Unlock()
	if ed.lastKnownPastTime < t {
		ed.lastKnownPastTime = t
	}
}

func (b *eventBuffer) addEvent(event Event) {
	if len(b.events) >= b.capacity {
		if !b.capacityExceeded {
			b.capacityExceeded = true
			b.logger.Printf("WARN: Exceeded event queue capacity. Increase capacity to avoid dropping events.")
		}
		return
	}
	b.events = append(b.events, event)
}

func (b *eventBuffer) getPayload() []Event {
	return b.events
}

func (b *eventBuffer) clear() {
	b.events = make([]Event, 0, b.capacity)
	b.capacityExceeded = false
}

func startFlushTask(sdkKey string, config Config, client *http.Client, flushCh <-chan *flushPayload,
	workersGroup *sync.WaitGroup, dispatcher *eventDispatcher) {
	ef := eventOutputFormatter{
		userFilter:  newUserFilter(config),
		inlineUsers: config.InlineUsersInEvents,
	}
	t := &sendEventsTask{
		sdkKey:     sdkKey,
		config:     config,
		httpClient: client,
		formatter:  ef,
		dispatcher: dispatcher,
	}
	go t.run(flushCh, workersGroup)
}

type sendEventsTask struct {
	sdkKey     string
	config     Config
	httpClient *http.Client
	formatter  eventOutputFormatter
	dispatcher *eventDispatcher
}

func (t *sendEventsTask) run(flushCh <-chan *flushPayload, workersGroup *sync.WaitGroup) {
	for payload := range flushCh {
		outputEvents := t.formatter.makeOutputEvents(payload.events, payload.summary)
		if len(outputEvents) > 0 {
			t.postEvents(outputEvents)
		}
		workersGroup.Done() // Decrement the count of in-progress flushes
	}
}

func (t *sendEventsTask) postEvents(outputEvents []interface{}) {
	jsonPayload, marshalErr := json.Marshal(outputEvents)
	if marshalErr != nil {
		t.config.Logger.Printf("ERROR: Unexpected error marshalling event json: %+v", marshalErr)
		return
	}

	payloadUUID, _ := uuid.NewRandom()
	payloadID := payloadUUID.String() // if NewRandom somehow failed, this will be an empty string

	var resp *http.Response
	var respErr error
	for attempt := 0; attempt < eventPostMaxAttempts; attempt++ {
		if attempt > 0 {
			t.config.Logger.Printf("WARN: Will retry posting events after 1 second")
			time.Sleep(eventPostRetryInterval)
		}
		req, reqErr := http.NewRequest("POST", t.config.EventsUri+defaultURIPath, bytes.NewReader(jsonPayload))
		if reqErr != nil {
			t.config.Logger.Printf("ERROR: Unexpected error while creating event request: %+v", reqErr)
			return
		}

		req.Header.Add("Authorization", t.sdkKey)
		req.Header.Add("Content-Type", "application/json")
		req.Header.Add("User-Agent", t.config.UserAgent)
		req.Header.Add(eventSchemaHeader, currentEventSchema)
		req.Header.Add(payloadIDHeader, payloadID)

		resp, respErr = t.httpClient.Do(req)

		if resp != nil && resp.Body != nil {
			_, _ = ioutil.ReadAll(resp.Body)
			_ = resp.Body.Close()
		}

		if respErr != nil {
			t.config.Logger.Printf("WARN: Unexpected error while sending events: %+v", respErr)
			continue
		}
		if resp.StatusCode >= 400 {
			t.config.Logger.Printf("ERROR: %s", httpErrorMessage(resp.StatusCode, "posting events", "some events were dropped"))
			t.dispatcher.handleResponseStatus(resp.StatusCode)
			if !isHTTPErrorRecoverable(resp.StatusCode) {
				return
			}
			continue
		}
		t.handleResponse(resp)
		return
	}
}

// The Date header of a successful response gives us a server timestamp that we know is in the
// past, which bounds the debug event cutoff even if the local clock is wrong.
func (t *sendEventsTask) handleResponse(resp *http.Response) {
	dt, err := http.ParseTime(resp.Header.Get("Date"))
	if err == nil {
		t.dispatcher.setLastKnownPastTime(toUnixMillis(dt))
	}
}
