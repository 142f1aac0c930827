package ttclient

// The JSON shapes in this file are the wire format of the bulk event delivery endpoint.

type eventOutputFormatter struct {
	userFilter  userFilter
	inlineUsers bool
}

type featureRequestEventOutput struct {
	Kind         string                     `json:"kind"`
	CreationDate uint64                     `json:"creationDate"`
	Key          string                     `json:"key"`
	User         *filteredUser              `json:"user,omitempty"`
	UserKey      *string                    `json:"userKey,omitempty"`
	Version      *int                       `json:"version,omitempty"`
	Variation    *int                       `json:"variation,omitempty"`
	Value        interface{}                `json:"value"`
	Default      interface{}                `json:"default"`
	PrereqOf     *string                    `json:"prereqOf,omitempty"`
	Reason       *EvaluationReasonContainer `json:"reason,omitempty"`
}

type identifyEventOutput struct {
	Kind         string        `json:"kind"`
	CreationDate uint64        `json:"creationDate"`
	Key          *string       `json:"key"`
	User         *filteredUser `json:"user"`
}

type customEventOutput struct {
	Kind         string        `json:"kind"`
	CreationDate uint64        `json:"creationDate"`
	Key          string        `json:"key"`
	User         *filteredUser `json:"user,omitempty"`
	UserKey      *string       `json:"userKey,omitempty"`
	Data         interface{}   `json:"data,omitempty"`
}

type indexEventOutput struct {
	Kind         string        `json:"kind"`
	CreationDate uint64        `json:"creationDate"`
	User         *filteredUser `json:"user"`
}

type summaryEventOutput struct {
	Kind      string                         `json:"kind"`
	StartDate uint64                         `json:"startDate"`
	EndDate   uint64                         `json:"endDate"`
	Features  map[string]flagSummaryData     `json:"features"`
}

type flagSummaryData struct {
	Default  interface{}       `json:"default"`
	Counters []flagCounterData `json:"counters"`
}

type flagCounterData struct {
	Value     interface{} `json:"value"`
	Variation *int        `json:"variation,omitempty"`
	Version   *int        `json:"version,omitempty"`
	Count     int         `json:"count"`
	Unknown   *bool       `json:"unknown,omitempty"`
}

// Transforms the internal event representations into the wire format, appending the summary
// event if there is anything in the summary.
func (ef eventOutputFormatter) makeOutputEvents(events []Event, summary summaryEventsState) []interface{} {
	out := make([]interface{}, 0, len(events)+1)
	for _, e := range events {
		oe := ef.makeOutputEvent(e)
		if oe != nil {
			out = append(out, oe)
		}
	}
	if len(summary.counters) > 0 {
		out = append(out, ef.makeSummaryEvent(summary))
	}
	return out
}

func (ef eventOutputFormatter) makeOutputEvent(evt Event) interface{} {
	switch evt := evt.(type) {
	case FeatureRequestEvent:
		fe := featureRequestEventOutput{
			CreationDate: evt.CreationDate,
			Key:          evt.Key,
			Version:      evt.Version,
			Variation:    evt.Variation,
			Value:        evt.Value,
			Default:      evt.Default,
			PrereqOf:     evt.PrereqOf,
		}
		if evt.Debug {
			fe.Kind = "debug"
			fe.User = ef.userFilter.scrubUser(evt.User)
		} else {
			fe.Kind = "feature"
			if ef.inlineUsers {
				fe.User = ef.userFilter.scrubUser(evt.User)
			} else {
				fe.UserKey = evt.User.Key
			}
		}
		if evt.Reason.Reason != nil {
			fe.Reason = &evt.Reason
		}
		return fe
	case CustomEvent:
		ce := customEventOutput{
			Kind:         "custom",
			CreationDate: evt.CreationDate,
			Key:          evt.Key,
			Data:         evt.Data,
		}
		if ef.inlineUsers {
			ce.User = ef.userFilter.scrubUser(evt.User)
		} else {
			ce.UserKey = evt.User.Key
		}
		return ce
	case IdentifyEvent:
		return identifyEventOutput{
			Kind:         "identify",
			CreationDate: evt.CreationDate,
			Key:          evt.User.Key,
			User:         ef.userFilter.scrubUser(evt.User),
		}
	case indexEvent:
		return indexEventOutput{
			Kind:         "index",
			CreationDate: evt.CreationDate,
			User:         ef.userFilter.scrubUser(evt.User),
		}
	default:
		return nil
	}
}

// Produces the single summary event covering all feature requests since the last flush.
func (ef eventOutputFormatter) makeSummaryEvent(snapshot summaryEventsState) summaryEventOutput {
	features := make(map[string]flagSummaryData)
	unknownTrue := true
	for key, value := range snapshot.counters {
		flagData, known := features[key.key]
		if !known {
			flagData = flagSummaryData{
				Default:  value.flagDefault,
				Counters: []flagCounterData{},
			}
		}
		data := flagCounterData{
			Value: value.flagValue,
			Count: value.count,
		}
		if key.version == 0 {
			data.Unknown = &unknownTrue
		} else {
			version := key.version
			data.Version = &version
		}
		if key.hasVariation {
			variation := key.variation
			data.Variation = &variation
		}
		flagData.Counters = append(flagData.Counters, data)
		features[key.key] = flagData
	}
	return summaryEventOutput{
		Kind:      "summary",
		StartDate: snapshot.startDate,
		EndDate:   snapshot.endDate,
		Features:  features,
	}
}
