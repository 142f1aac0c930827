package ttclient

// An Event represents an analytics event generated by the client, which will be passed to
// the EventProcessor. The event types that the client produces are FeatureRequestEvent,
// IdentifyEvent, and CustomEvent; the event processor itself generates IndexEvent.
type Event interface {
	GetBase() BaseEvent
}

// BaseEvent provides properties common to all events.
type BaseEvent struct {
	CreationDate uint64
	User         User
}

// FeatureRequestEvent is generated by evaluating a feature flag or one of a flag's prerequisites.
type FeatureRequestEvent struct {
	BaseEvent
	Key       string
	Variation *int
	Value     interface{}
	Default   interface{}
	Version   *int
	PrereqOf  *string
	Reason    EvaluationReasonContainer
	// TrackEvents is true if the flag has requested full event tracking, in which case the
	// processor sends an individual event for this evaluation rather than only counting it
	// in the summary.
	TrackEvents bool
	// Debug is true if this is a debugging copy of an evaluation event, to be sent regardless
	// of TrackEvents until the flag's debugEventsUntilDate.
	Debug                bool
	DebugEventsUntilDate *uint64
}

// CustomEvent is generated by calling the client's Track method.
type CustomEvent struct {
	BaseEvent
	Key  string
	Data interface{}
}

// IdentifyEvent is generated by calling the client's Identify method.
type IdentifyEvent struct {
	BaseEvent
}

// IndexEvent is generated internally to capture user details from other events. It is an
// implementation detail of the event processor, so it is not exported.
type indexEvent struct {
	BaseEvent
}

// NewFeatureRequestEvent creates a feature request event. Normally, you don't need to call this;
// the event is created and queued automatically during feature flag evaluation.
func NewFeatureRequestEvent(key string, flag *FeatureFlag, user User, variation *int, value, defaultVal interface{}, prereqOf *string) FeatureRequestEvent {
	fre := FeatureRequestEvent{
		BaseEvent: BaseEvent{
			CreationDate: now(),
			User:         user,
		},
		Key:       key,
		Variation: variation,
		Value:     value,
		Default:   defaultVal,
		PrereqOf:  prereqOf,
	}
	if flag != nil {
		fre.Version = &flag.Version
		fre.TrackEvents = flag.TrackEvents
		fre.DebugEventsUntilDate = flag.DebugEventsUntilDate
	}
	return fre
}

// GetBase returns the BaseEvent
func (evt FeatureRequestEvent) GetBase() BaseEvent {
	return evt.BaseEvent
}

// NewCustomEvent constructs a new custom event, but does not send it. Typically, Track should be
// used to both create the event and send it to ToggleTree.
func NewCustomEvent(key string, user User, data interface{}) CustomEvent {
	return CustomEvent{
		BaseEvent: BaseEvent{
			CreationDate: now(),
			User:         user,
		},
		Key:  key,
		Data: data,
	}
}

// GetBase returns the BaseEvent
func (evt CustomEvent) GetBase() BaseEvent {
	return evt.BaseEvent
}

// NewIdentifyEvent constructs a new identify event, but does not send it. Typically, Identify
// should be used to both create the event and send it to ToggleTree.
func NewIdentifyEvent(user User) IdentifyEvent {
	return IdentifyEvent{
		BaseEvent: BaseEvent{
			CreationDate: now(),
			User:         user,
		},
	}
}

// GetBase returns the BaseEvent
func (evt IdentifyEvent) GetBase() BaseEvent {
	return evt.BaseEvent
}

// GetBase returns the BaseEvent
func (evt indexEvent) GetBase() BaseEvent {
	return evt.BaseEvent
}

// EventProcessor defines the interface for processing events.
type EventProcessor interface {
	// SendEvent records an event asynchronously.
	SendEvent(Event)
	// Flush specifies that any buffered events should be sent as soon as possible, rather than
	// waiting for the next flush interval. This method is asynchronous, so events still may not
	// be sent until a later time.
	Flush()
	// Close shuts down all event processor activity, after first ensuring that all buffered
	// events have been delivered. Subsequent calls to SendEvent or Flush will be ignored.
	Close() error
}

// nullEventProcessor discards all events. It is used when events are disabled or the client
// is offline.
type nullEventProcessor struct{}

func newNullEventProcessor() *nullEventProcessor {
	return &nullEventProcessor{}
}

func (n *nullEventProcessor) SendEvent(e Event) {}

func (n *nullEventProcessor) Flush() {}

func (n *nullEventProcessor) Close() error {
	return nil
}
