package ttclient

// eventSummarizer condenses a stream of feature request events into per-flag counters. One
// summary event at flush time replaces what would otherwise be an individual event for every
// evaluation.
type eventSummarizer struct {
	eventsState summaryEventsState
}

type summaryEventsState struct {
	counters  map[counterKey]*counterValue
	startDate uint64
	endDate   uint64
}

// hasVariation distinguishes a default-value event (nil variation) from a genuine evaluation
// of variation 0 for the same flag and version.
type counterKey struct {
	key          string
	variation    int
	hasVariation bool
	version      int
}

type counterValue struct {
	count       int
	flagValue   interface{}
	flagDefault interface{}
}

func newEventSummarizer() *eventSummarizer {
	return &eventSummarizer{eventsState: newSummaryEventsState()}
}

func newSummaryEventsState() summaryEventsState {
	return summaryEventsState{
		counters: make(map[counterKey]*counterValue),
	}
}

// Adds this event to our counters, if it is a type of event we need to count.
func (s *eventSummarizer) summarizeEvent(evt Event) {
	var fe FeatureRequestEvent
	var ok bool
	if fe, ok = evt.(FeatureRequestEvent); !ok {
		return
	}

	key := counterKey{key: fe.Key}
	if fe.Variation != nil {
		key.variation = *fe.Variation
		key.hasVariation = true
	}
	if fe.Version != nil {
		key.version = *fe.Version
	}

	if value, ok := s.eventsState.counters[key]; ok {
		value.count++
	} else {
		s.eventsState.counters[key] = &counterValue{
			count:       1,
			flagValue:   fe.Value,
			flagDefault: fe.Default,
		}
	}

	creationDate := fe.CreationDate
	if s.eventsState.startDate == 0 || creationDate < s.eventsState.startDate {
		s.eventsState.startDate = creationDate
	}
	if creationDate > s.eventsState.endDate {
		s.eventsState.endDate = creationDate
	}
}

// Returns a snapshot of the current summarized event data, and resets this state.
func (s *eventSummarizer) snapshot() summaryEventsState {
	state := s.eventsState
	s.eventsState = newSummaryEventsState()
	return state
}
