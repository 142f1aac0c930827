package ttclient

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEventProcessor captures events synchronously so tests can inspect them.
type testEventProcessor struct {
	events []Event
}

func (ep *testEventProcessor) SendEvent(e Event) {
	ep.events = append(ep.events, e)
}

func (ep *testEventProcessor) Flush() {}

func (ep *testEventProcessor) Close() error {
	return nil
}

// makeTestClient creates a client in daemon mode so that no network connections are made; flag
// data is read directly from the given store.
func makeTestClient(t *testing.T, store FeatureStore) (*TTClient, *testEventProcessor) {
	ep := &testEventProcessor{}
	config := DefaultConfig
	config.Logger = nullLogger()
	config.UseLdd = true
	config.EventProcessor = ep
	config.FeatureStore = store

	client, err := MakeCustomClient("sdk-key", config, 0)
	require.NoError(t, err)
	return client, ep
}

func makeStoreWithFlags(t *testing.T, flags ...*FeatureFlag) FeatureStore {
	store := NewInMemoryFeatureStore(nullLogger())
	flagMap := make(map[string]*FeatureFlag)
	for _, f := range flags {
		flagMap[f.Key] = f
	}
	require.NoError(t, store.Init(MakeAllVersionedDataMap(flagMap, nil)))
	return store
}

// singleValueFlag returns the given value for all users via the fallthrough.
func singleValueFlag(key string, value interface{}) *FeatureFlag {
	return &FeatureFlag{
		Key:         key,
		Version:     1,
		On:          true,
		Fallthrough: VariationOrRollout{Variation: intPtr(0)},
		Variations:  []interface{}{value},
	}
}

func TestBoolVariation(t *testing.T) {
	client, _ := makeTestClient(t, makeStoreWithFlags(t, singleValueFlag("flagkey", true)))
	defer client.Close()

	value, err := client.BoolVariation("flagkey", NewUser("userkey"), false)
	require.NoError(t, err)
	assert.True(t, value)
}

func TestBoolVariationDetail(t *testing.T) {
	client, _ := makeTestClient(t, makeStoreWithFlags(t, singleValueFlag("flagkey", true)))
	defer client.Close()

	value, detail, err := client.BoolVariationDetail("flagkey", NewUser("userkey"), false)
	require.NoError(t, err)
	assert.True(t, value)
	assert.Equal(t, intPtr(0), detail.VariationIndex)
	assert.Equal(t, evalReasonFallthroughInstance, detail.Reason)
}

func TestIntVariation(t *testing.T) {
	client, _ := makeTestClient(t, makeStoreWithFlags(t, singleValueFlag("flagkey", float64(100))))
	defer client.Close()

	value, err := client.IntVariation("flagkey", NewUser("userkey"), 0)
	require.NoError(t, err)
	assert.Equal(t, 100, value)
}

func TestFloat64Variation(t *testing.T) {
	client, _ := makeTestClient(t, makeStoreWithFlags(t, singleValueFlag("flagkey", float64(2.5))))
	defer client.Close()

	value, err := client.Float64Variation("flagkey", NewUser("userkey"), 0)
	require.NoError(t, err)
	assert.Equal(t, 2.5, value)
}

func TestStringVariation(t *testing.T) {
	client, _ := makeTestClient(t, makeStoreWithFlags(t, singleValueFlag("flagkey", "b")))
	defer client.Close()

	value, err := client.StringVariation("flagkey", NewUser("userkey"), "a")
	require.NoError(t, err)
	assert.Equal(t, "b", value)
}

func TestJSONVariation(t *testing.T) {
	flagValue := map[string]interface{}{"field": "value"}
	client, _ := makeTestClient(t, makeStoreWithFlags(t, singleValueFlag("flagkey", flagValue)))
	defer client.Close()

	value, err := client.JSONVariation("flagkey", NewUser("userkey"), json.RawMessage(`{"default": true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"field": "value"}`, string(value))
}

func TestVariationReturnsDefaultForWrongType(t *testing.T) {
	client, _ := makeTestClient(t, makeStoreWithFlags(t, singleValueFlag("flagkey", true)))
	defer client.Close()

	value, detail, err := client.StringVariationDetail("flagkey", NewUser("userkey"), "default")
	assert.Error(t, err)
	assert.Equal(t, "default", value)
	assert.Equal(t, newEvalReasonError(EvalErrorWrongType), detail.Reason)
}

func TestVariationReturnsDefaultForUnknownFlag(t *testing.T) {
	client, _ := makeTestClient(t, makeStoreWithFlags(t))
	defer client.Close()

	value, detail, err := client.BoolVariationDetail("no-such-flag", NewUser("userkey"), false)
	assert.Error(t, err)
	assert.False(t, value)
	assert.Equal(t, newEvalReasonError(EvalErrorFlagNotFound), detail.Reason)
	assert.Nil(t, detail.VariationIndex)
}

func TestVariationSendsFeatureEvent(t *testing.T) {
	client, ep := makeTestClient(t, makeStoreWithFlags(t, singleValueFlag("flagkey", true)))
	defer client.Close()

	user := NewUser("userkey")
	_, err := client.BoolVariation("flagkey", user, false)
	require.NoError(t, err)

	require.Equal(t, 1, len(ep.events))
	fre, ok := ep.events[0].(FeatureRequestEvent)
	require.True(t, ok)
	assert.Equal(t, "flagkey", fre.Key)
	assert.Equal(t, user, fre.User)
	assert.Equal(t, intPtr(1), fre.Version)
	assert.Equal(t, intPtr(0), fre.Variation)
	assert.Equal(t, true, fre.Value)
	assert.Equal(t, false, fre.Default)
	assert.Nil(t, fre.Reason.Reason)
}

func TestVariationDetailSendsFeatureEventWithReason(t *testing.T) {
	client, ep := makeTestClient(t, makeStoreWithFlags(t, singleValueFlag("flagkey", true)))
	defer client.Close()

	_, _, err := client.BoolVariationDetail("flagkey", NewUser("userkey"), false)
	require.NoError(t, err)

	require.Equal(t, 1, len(ep.events))
	fre := ep.events[0].(FeatureRequestEvent)
	assert.Equal(t, evalReasonFallthroughInstance, fre.Reason.Reason)
}

func TestVariationSendsEventForUnknownFlag(t *testing.T) {
	client, ep := makeTestClient(t, makeStoreWithFlags(t))
	defer client.Close()

	_, _ = client.BoolVariation("no-such-flag", NewUser("userkey"), false)

	require.Equal(t, 1, len(ep.events))
	fre := ep.events[0].(FeatureRequestEvent)
	assert.Equal(t, "no-such-flag", fre.Key)
	assert.Nil(t, fre.Version)
	assert.Nil(t, fre.Variation)
	assert.Equal(t, false, fre.Value)
}

func TestIdentifySendsIdentifyEvent(t *testing.T) {
	client, ep := makeTestClient(t, makeStoreWithFlags(t))
	defer client.Close()

	user := NewUser("userkey")
	require.NoError(t, client.Identify(user))

	require.Equal(t, 1, len(ep.events))
	ie, ok := ep.events[0].(IdentifyEvent)
	require.True(t, ok)
	assert.Equal(t, user, ie.User)
}

func TestIdentifyWithEmptyUserKeySendsNoEvent(t *testing.T) {
	client, ep := makeTestClient(t, makeStoreWithFlags(t))
	defer client.Close()

	require.NoError(t, client.Identify(NewUser("")))
	assert.Equal(t, 0, len(ep.events))
}

func TestTrackSendsCustomEvent(t *testing.T) {
	client, ep := makeTestClient(t, makeStoreWithFlags(t))
	defer client.Close()

	user := NewUser("userkey")
	data := map[string]interface{}{"thing": "stuff"}
	require.NoError(t, client.Track("eventkey", user, data))

	require.Equal(t, 1, len(ep.events))
	ce, ok := ep.events[0].(CustomEvent)
	require.True(t, ok)
	assert.Equal(t, "eventkey", ce.Key)
	assert.Equal(t, user, ce.User)
	assert.Equal(t, data, ce.Data)
}

func TestTrackWithEmptyUserKeySendsNoEvent(t *testing.T) {
	client, ep := makeTestClient(t, makeStoreWithFlags(t))
	defer client.Close()

	require.NoError(t, client.Track("eventkey", NewUser(""), nil))
	assert.Equal(t, 0, len(ep.events))
}

func TestSecureModeHash(t *testing.T) {
	config := DefaultConfig
	config.Offline = true
	config.Logger = nullLogger()
	client, err := MakeCustomClient("secret", config, 0)
	require.NoError(t, err)
	defer client.Close()

	hash := client.SecureModeHash(NewUser("Message"))
	assert.Equal(t, "aa747c502a898200f9e4fa21bac68136f886a0e27aec70ba06daf2e2a5cb5597", hash)
}

func TestOfflineClientReturnsDefaultValueWithoutError(t *testing.T) {
	config := DefaultConfig
	config.Offline = true
	config.Logger = nullLogger()
	client, err := MakeCustomClient("sdk-key", config, 0)
	require.NoError(t, err)
	defer client.Close()

	assert.True(t, client.IsOffline())
	assert.True(t, client.Initialized())

	value, err := client.BoolVariation("flagkey", NewUser("userkey"), true)
	require.NoError(t, err)
	assert.True(t, value)
}

func TestOfflineClientReturnsInvalidAllFlagsState(t *testing.T) {
	config := DefaultConfig
	config.Offline = true
	config.Logger = nullLogger()
	client, err := MakeCustomClient("sdk-key", config, 0)
	require.NoError(t, err)
	defer client.Close()

	state := client.AllFlagsState(NewUser("userkey"))
	assert.False(t, state.IsValid())
}

func TestAllFlagsStateReturnsState(t *testing.T) {
	flag1 := singleValueFlag("flag1", "value1")
	flag2 := singleValueFlag("flag2", "value2")
	flag2.ClientSide = true
	client, _ := makeTestClient(t, makeStoreWithFlags(t, flag1, flag2))
	defer client.Close()

	state := client.AllFlagsState(NewUser("userkey"))
	require.True(t, state.IsValid())
	assert.Equal(t, map[string]interface{}{"flag1": "value1", "flag2": "value2"}, state.ToValuesMap())
}

func TestAllFlagsStateCanFilterForClientSideFlags(t *testing.T) {
	flag1 := singleValueFlag("server-side", "a")
	flag2 := singleValueFlag("client-side", "b")
	flag2.ClientSide = true
	client, _ := makeTestClient(t, makeStoreWithFlags(t, flag1, flag2))
	defer client.Close()

	state := client.AllFlagsState(NewUser("userkey"), ClientSideOnly)
	require.True(t, state.IsValid())
	assert.Equal(t, map[string]interface{}{"client-side": "b"}, state.ToValuesMap())
}

func TestAllFlagsStateCanIncludeReasons(t *testing.T) {
	client, _ := makeTestClient(t, makeStoreWithFlags(t, singleValueFlag("flagkey", "value")))
	defer client.Close()

	state := client.AllFlagsState(NewUser("userkey"), WithReasons)
	require.True(t, state.IsValid())
	reason := state.GetFlagReason("flagkey")
	require.NotNil(t, reason)
	assert.Equal(t, EvalReasonFallthrough, reason.GetKind())
}

func TestAllFlagsStateWithNilUserKeyIsInvalid(t *testing.T) {
	client, _ := makeTestClient(t, makeStoreWithFlags(t, singleValueFlag("flagkey", "value")))
	defer client.Close()

	state := client.AllFlagsState(User{})
	assert.False(t, state.IsValid())
}

func TestMakeCustomClientWithFailedInitialization(t *testing.T) {
	config := DefaultConfig
	config.Logger = nullLogger()
	config.DataSource = func(sdkKey string, config Config) (UpdateProcessor, error) {
		return failingUpdateProcessor{}, nil
	}
	config.SendEvents = false

	client, err := MakeCustomClient("sdk-key", config, time.Second)
	assert.Equal(t, ErrInitializationFailed, err)
	require.NotNil(t, client)
	assert.False(t, client.Initialized())
}

type failingUpdateProcessor struct{}

func (f failingUpdateProcessor) Initialized() bool {
	return false
}

func (f failingUpdateProcessor) Close() error {
	return nil
}

func (f failingUpdateProcessor) Start(closeWhenReady chan<- struct{}) {
	close(closeWhenReady)
}
