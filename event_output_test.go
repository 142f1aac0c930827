package ttclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeOutputFormatter(inlineUsers bool) eventOutputFormatter {
	return eventOutputFormatter{
		userFilter:  newUserFilter(DefaultConfig),
		inlineUsers: inlineUsers,
	}
}

func TestFeatureEventOutputUsesUserKeyByDefault(t *testing.T) {
	ef := makeOutputFormatter(false)
	flag := FeatureFlag{Key: "flagkey", Version: 11}
	variation := 1
	event := NewFeatureRequestEvent(flag.Key, &flag, testUser, &variation, "value", "default", nil)

	out := ef.makeOutputEvent(event)

	fe, ok := out.(featureRequestEventOutput)
	require.True(t, ok)
	assert.Equal(t, "feature", fe.Kind)
	assert.Equal(t, "flagkey", fe.Key)
	assert.Equal(t, testUser.Key, fe.UserKey)
	assert.Nil(t, fe.User)
	assert.Equal(t, &variation, fe.Variation)
	assert.Equal(t, 11, *fe.Version)
	assert.Equal(t, "value", fe.Value)
	assert.Equal(t, "default", fe.Default)
	assert.Nil(t, fe.Reason)
}

func TestFeatureEventOutputCanInlineUser(t *testing.T) {
	ef := makeOutputFormatter(true)
	flag := FeatureFlag{Key: "flagkey", Version: 11}
	event := NewFeatureRequestEvent(flag.Key, &flag, testUser, nil, nil, nil, nil)

	out := ef.makeOutputEvent(event)

	fe := out.(featureRequestEventOutput)
	assert.Nil(t, fe.UserKey)
	require.NotNil(t, fe.User)
	assert.Equal(t, testUser.Key, fe.User.Key)
}

func TestFeatureEventOutputIncludesReasonWhenPresent(t *testing.T) {
	ef := makeOutputFormatter(false)
	flag := FeatureFlag{Key: "flagkey", Version: 11}
	event := NewFeatureRequestEvent(flag.Key, &flag, testUser, nil, nil, nil, nil)
	event.Reason.Reason = evalReasonFallthroughInstance

	out := ef.makeOutputEvent(event)

	fe := out.(featureRequestEventOutput)
	require.NotNil(t, fe.Reason)
	assert.Equal(t, evalReasonFallthroughInstance, fe.Reason.Reason)
}

func TestDebugEventOutputAlwaysInlinesUser(t *testing.T) {
	ef := makeOutputFormatter(false)
	flag := FeatureFlag{Key: "flagkey", Version: 11}
	event := NewFeatureRequestEvent(flag.Key, &flag, testUser, nil, nil, nil, nil)
	event.Debug = true

	out := ef.makeOutputEvent(event)

	fe := out.(featureRequestEventOutput)
	assert.Equal(t, "debug", fe.Kind)
	assert.Nil(t, fe.UserKey)
	require.NotNil(t, fe.User)
	assert.Equal(t, testUser.Key, fe.User.Key)
}

func TestIdentifyEventOutput(t *testing.T) {
	ef := makeOutputFormatter(false)
	event := NewIdentifyEvent(testUser)

	out := ef.makeOutputEvent(event)

	ie, ok := out.(identifyEventOutput)
	require.True(t, ok)
	assert.Equal(t, "identify", ie.Kind)
	assert.Equal(t, testUser.Key, ie.Key)
	require.NotNil(t, ie.User)
	assert.Equal(t, testUser.Key, ie.User.Key)
}

func TestCustomEventOutput(t *testing.T) {
	ef := makeOutputFormatter(false)
	data := map[string]interface{}{"thing": "stuff"}
	event := NewCustomEvent("eventkey", testUser, data)

	out := ef.makeOutputEvent(event)

	ce, ok := out.(customEventOutput)
	require.True(t, ok)
	assert.Equal(t, "custom", ce.Kind)
	assert.Equal(t, "eventkey", ce.Key)
	assert.Equal(t, testUser.Key, ce.UserKey)
	assert.Equal(t, data, ce.Data)
}

func TestIndexEventOutput(t *testing.T) {
	ef := makeOutputFormatter(false)
	event := indexEvent{BaseEvent{CreationDate: 1000, User: testUser}}

	out := ef.makeOutputEvent(event)

	ie, ok := out.(indexEventOutput)
	require.True(t, ok)
	assert.Equal(t, "index", ie.Kind)
	assert.Equal(t, uint64(1000), ie.CreationDate)
	require.NotNil(t, ie.User)
	assert.Equal(t, testUser.Key, ie.User.Key)
}

func TestSummaryEventOutput(t *testing.T) {
	ef := makeOutputFormatter(false)
	es := newEventSummarizer()
	flag := FeatureFlag{Key: "flagkey", Version: 11}
	variation := 1
	event1 := NewFeatureRequestEvent(flag.Key, &flag, testUser, &variation, "value", "default", nil)
	event2 := NewFeatureRequestEvent(flag.Key, &flag, testUser, &variation, "value", "default", nil)
	event1.BaseEvent.CreationDate = 1000
	event2.BaseEvent.CreationDate = 2000
	es.summarizeEvent(event1)
	es.summarizeEvent(event2)

	se := ef.makeSummaryEvent(es.snapshot())

	assert.Equal(t, "summary", se.Kind)
	assert.Equal(t, uint64(1000), se.StartDate)
	assert.Equal(t, uint64(2000), se.EndDate)
	require.Contains(t, se.Features, "flagkey")
	fs := se.Features["flagkey"]
	assert.Equal(t, "default", fs.Default)
	require.Equal(t, 1, len(fs.Counters))
	counter := fs.Counters[0]
	assert.Equal(t, "value", counter.Value)
	assert.Equal(t, 2, counter.Count)
	assert.Equal(t, &variation, counter.Variation)
	assert.Equal(t, 11, *counter.Version)
	assert.Nil(t, counter.Unknown)
}

func TestSummaryEventOutputMarksUnknownFlags(t *testing.T) {
	ef := makeOutputFormatter(false)
	es := newEventSummarizer()
	event := NewFeatureRequestEvent("badkey", nil, testUser, nil, "default", "default", nil)
	es.summarizeEvent(event)

	se := ef.makeSummaryEvent(es.snapshot())

	require.Contains(t, se.Features, "badkey")
	counter := se.Features["badkey"].Counters[0]
	require.NotNil(t, counter.Unknown)
	assert.True(t, *counter.Unknown)
	assert.Nil(t, counter.Version)
	assert.Nil(t, counter.Variation)
}

func TestSummaryEventOutputOmitsVariationForDefaultValueCounter(t *testing.T) {
	ef := makeOutputFormatter(false)
	es := newEventSummarizer()
	flag := FeatureFlag{Key: "flagkey", Version: 11}
	event := NewFeatureRequestEvent(flag.Key, &flag, testUser, nil, "default", "default", nil)
	es.summarizeEvent(event)

	se := ef.makeSummaryEvent(es.snapshot())

	require.Contains(t, se.Features, "flagkey")
	counter := se.Features["flagkey"].Counters[0]
	assert.Nil(t, counter.Variation)
	require.NotNil(t, counter.Version)
	assert.Equal(t, 11, *counter.Version)
	assert.Nil(t, counter.Unknown)
}

func TestMakeOutputEventsAppendsSummary(t *testing.T) {
	ef := makeOutputFormatter(false)
	es := newEventSummarizer()
	flag := FeatureFlag{Key: "flagkey", Version: 11}
	fre := NewFeatureRequestEvent(flag.Key, &flag, testUser, nil, nil, nil, nil)
	es.summarizeEvent(fre)

	out := ef.makeOutputEvents([]Event{NewIdentifyEvent(testUser)}, es.snapshot())

	require.Equal(t, 2, len(out))
	assert.IsType(t, identifyEventOutput{}, out[0])
	assert.IsType(t, summaryEventOutput{}, out[1])
}
