package ttclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Version is the SDK version.
const Version = "1.0.0"

// TTClient is the ToggleTree client. Client instances are thread-safe. Applications should
// instantiate a single instance for the lifetime of their application.
type TTClient struct {
	sdkKey          string
	config          Config
	eventProcessor  EventProcessor
	updateProcessor UpdateProcessor
	store           FeatureStore
}

// UpdateProcessor describes the interface for an object that receives feature flag data and
// stores it in the client's feature store. The default implementations are the streaming and
// polling data sources; daemon mode and offline mode use a no-op implementation.
type UpdateProcessor interface {
	// Initialized returns true once the processor has stored a complete data set in the
	// feature store at least once.
	Initialized() bool
	// Close permanently shuts down the processor.
	Close() error
	// Start begins the processor's work in the background. It must close closeWhenReady when
	// the processor has either succeeded in storing its first data set, or failed in a way it
	// will not recover from. Start must not block.
	Start(closeWhenReady chan<- struct{})
}

type nullUpdateProcessor struct{}

func (n nullUpdateProcessor) Initialized() bool {
	return true
}

func (n nullUpdateProcessor) Close() error {
	return nil
}

func (n nullUpdateProcessor) Start(closeWhenReady chan<- struct{}) {
	close(closeWhenReady)
}

// Initialization errors
var (
	// ErrInitializationTimeout is returned by MakeCustomClient if the client is not able to
	// establish a connection within the specified wait time. The client is still usable; it
	// will continue trying to connect in the background.
	ErrInitializationTimeout = errors.New("timeout encountered waiting for ToggleTree service connection")
	// ErrInitializationFailed is returned by MakeCustomClient if initialization failed in a way
	// that it will not recover from, such as an invalid SDK key.
	ErrInitializationFailed = errors.New("ToggleTree service connection failed")
	// ErrClientNotInitialized is returned by evaluation methods if they are called before the
	// client has received any flag data, and the feature store has no data either.
	ErrClientNotInitialized = errors.New("feature flag evaluation called before ToggleTree client initialization completed")
)

// MakeClient creates a new client instance that connects to ToggleTree with the default
// configuration. In most cases, you should use this method to instantiate your client. The
// optional duration parameter allows callers to block until the client has connected to
// ToggleTree and is properly initialized.
func MakeClient(sdkKey string, waitFor time.Duration) (*TTClient, error) {
	return MakeCustomClient(sdkKey, DefaultConfig, waitFor)
}

// MakeCustomClient creates a new client instance that connects to ToggleTree with a custom
// configuration. The optional duration parameter allows callers to block until the client has
// connected to ToggleTree and is properly initialized.
func MakeCustomClient(sdkKey string, config Config, waitFor time.Duration) (*TTClient, error) {
	closeWhenReady := make(chan struct{})

	config.BaseUri = strings.TrimRight(config.BaseUri, "/")
	config.StreamUri = strings.TrimRight(config.StreamUri, "/")
	config.EventsUri = strings.TrimRight(config.EventsUri, "/")
	config.UserAgent = strings.TrimSpace("GoClient/" + Version + " " + config.UserAgent)
	if config.Logger == nil {
		config.Logger = DefaultConfig.Logger
	}
	if config.PollInterval < MinimumPollInterval {
		if config.PollInterval > 0 && !config.Stream {
			config.Logger.Printf("WARN: PollInterval %+v is below the minimum; using %+v", config.PollInterval, MinimumPollInterval)
		}
		config.PollInterval = MinimumPollInterval
	}
	if config.FeatureStore == nil {
		config.FeatureStore = NewInMemoryFeatureStore(config.Logger)
	}

	client := TTClient{
		sdkKey: sdkKey,
		config: config,
		store:  config.FeatureStore,
	}

	if config.Offline || !config.SendEvents {
		client.eventProcessor = newNullEventProcessor()
	} else if config.EventProcessor != nil {
		client.eventProcessor = config.EventProcessor
	} else {
		client.eventProcessor = NewDefaultEventProcessor(sdkKey, config, nil)
	}

	factory := config.dataSourceFactory()
	if factory != nil {
		dataSource, err := factory(sdkKey, config)
		if err != nil {
			return nil, err
		}
		client.updateProcessor = dataSource
	} else {
		client.updateProcessor = createDefaultUpdateProcessor(sdkKey, config)
	}
	client.updateProcessor.Start(closeWhenReady)
	if waitFor > 0 && !config.Offline && !config.UseLdd {
		config.Logger.Printf("Waiting up to %d milliseconds for ToggleTree client to start...",
			waitFor/time.Millisecond)

		timeout := time.After(waitFor)
		for {
			select {
			case <-closeWhenReady:
				if !client.updateProcessor.Initialized() {
					return &client, ErrInitializationFailed
				}

				config.Logger.Printf("Successfully initialized ToggleTree client!")
				return &client, nil
			case <-timeout:
				config.Logger.Printf("WARN: Timeout encountered waiting for ToggleTree client initialization")
				return &client, ErrInitializationTimeout
			}
		}
	}
	go func() {
		<-closeWhenReady
	}()
	return &client, nil
}

func createDefaultUpdateProcessor(sdkKey string, config Config) UpdateProcessor {
	if config.Offline {
		config.Logger.Printf("Started ToggleTree client in offline mode")
		return nullUpdateProcessor{}
	}
	if config.UseLdd {
		config.Logger.Printf("Started ToggleTree client in daemon mode")
		return nullUpdateProcessor{}
	}
	requestor := newRequestor(sdkKey, config)
	if config.Stream {
		return newStreamProcessor(sdkKey, config, requestor)
	}
	config.Logger.Printf("WARN: You should only disable the streaming API if instructed to do so by ToggleTree support")
	return newPollingProcessor(config, requestor)
}

// Identify reports details about a user.
func (client *TTClient) Identify(user User) error {
	if user.Key == nil || *user.Key == "" {
		client.config.Logger.Printf("WARN: Identify called with empty/nil user key!")
		return nil // Don't return an error value because we didn't in the past and it might break things
	}
	evt := NewIdentifyEvent(user)
	client.eventProcessor.SendEvent(evt)
	return nil
}

// Track reports that a user has performed an event. Custom data can be attached to the event,
// and is serialized to JSON in the analytics event.
func (client *TTClient) Track(key string, user User, data interface{}) error {
	if user.Key == nil || *user.Key == "" {
		client.config.Logger.Printf("WARN: Track called with empty/nil user key!")
		return nil
	}
	evt := NewCustomEvent(key, user, data)
	client.eventProcessor.SendEvent(evt)
	return nil
}

// IsOffline returns whether the ToggleTree client is in offline mode.
func (client *TTClient) IsOffline() bool {
	return client.config.Offline
}

// SecureModeHash generates the secure mode hash value for a user. See:
// https://docs.toggletree.com/sdk/features/secure-mode
func (client *TTClient) SecureModeHash(user User) string {
	if user.Key == nil {
		return ""
	}
	key := []byte(client.sdkKey)
	h := hmac.New(sha256.New, key)
	_, _ = h.Write([]byte(*user.Key))
	return hex.EncodeToString(h.Sum(nil))
}

// Initialized returns whether the ToggleTree client is initialized.
func (client *TTClient) Initialized() bool {
	return client.IsOffline() || client.config.UseLdd || client.updateProcessor.Initialized()
}

// Close shuts down the ToggleTree client. After calling this, the client should no longer be used.
// The method will block until all pending analytics events (if any) have been sent.
func (client *TTClient) Close() error {
	client.config.Logger.Printf("Closing ToggleTree client")
	if client.IsOffline() {
		return nil
	}
	_ = client.eventProcessor.Close()
	_ = client.updateProcessor.Close()
	return nil
}

// Flush tells the client that all pending analytics events (if any) should be delivered as soon
// as possible. Flushing is asynchronous, so this method will return before it is complete.
// However, if you call Close(), events are guaranteed to be sent before that method returns.
func (client *TTClient) Flush() {
	client.eventProcessor.Flush()
}

// AllFlagsState returns an object that encapsulates the state of all feature flags for a given
// user, including the flag values and also metadata that can be used on the front end. You may
// pass any combination of ClientSideOnly, WithReasons, and DetailsOnlyForTrackedFlags as
// optional parameters to control what data is included.
//
// The most common use case for this method is to bootstrap a set of client-side feature flags
// from a back-end service.
func (client *TTClient) AllFlagsState(user User, options ...FlagsStateOption) FeatureFlagsState {
	valid := true
	if client.IsOffline() {
		client.config.Logger.Printf("WARN: Called AllFlagsState in offline mode. Returning empty state")
		valid = false
	} else if user.Key == nil {
		client.config.Logger.Printf("WARN: Called AllFlagsState with nil user key. Returning empty state")
		valid = false
	} else if !client.Initialized() {
		if client.store.Initialized() {
			client.config.Logger.Printf("WARN: Called AllFlagsState before client initialization; using last known values from feature store")
		} else {
			client.config.Logger.Printf("WARN: Called AllFlagsState before client initialization. Feature store not available; returning empty state")
			valid = false
		}
	}

	if !valid {
		return newInvalidFeatureFlagsState()
	}

	items, err := client.store.All(Features)
	if err != nil {
		client.config.Logger.Printf("WARN: Unable to fetch flags from feature store. Returning empty state. Error: %+v", err)
		return newInvalidFeatureFlagsState()
	}

	state := newFeatureFlagsState()
	clientSideOnly := hasFlagsStateOption(options, ClientSideOnly)
	withReasons := hasFlagsStateOption(options, WithReasons)
	detailsOnlyIfTracked := hasFlagsStateOption(options, DetailsOnlyForTrackedFlags)
	for _, item := range items {
		if flag, ok := item.(*FeatureFlag); ok {
			if clientSideOnly && !flag.ClientSide {
				continue
			}
			result, _ := flag.EvaluateDetail(user, client.store, false)
			var reason EvaluationReason
			if withReasons {
				reason = result.Reason
			}
			state.addFlag(flag, result.Value, result.VariationIndex, reason, detailsOnlyIfTracked)
		}
	}

	return state
}

// BoolVariation returns the value of a boolean feature flag for a given user. Returns defaultVal
// if there is an error, if the flag doesn't exist, the client hasn't completed initialization,
// or the feature is turned off and has no off variation.
func (client *TTClient) BoolVariation(key string, user User, defaultVal bool) (bool, error) {
	detail, err := client.variationWithType(key, user, defaultVal, reflect.TypeOf(true), false)
	result, _ := detail.Value.(bool)
	return result, err
}

// BoolVariationDetail is the same as BoolVariation, but also returns further information about
// how the value was calculated. The "reason" data will also be included in analytics events.
func (client *TTClient) BoolVariationDetail(key string, user User, defaultVal bool) (bool, EvaluationDetail, error) {
	detail, err := client.variationWithType(key, user, defaultVal, reflect.TypeOf(true), true)
	result, _ := detail.Value.(bool)
	return result, detail, err
}

// IntVariation returns the value of a feature flag (whose variations are integers) for the
// given user.
//
// Returns defaultVal if there is an error, if the flag doesn't exist, or the feature is turned
// off and has no off variation. If the flag variation has a numeric value that is not an
// integer, it is rounded toward zero.
func (client *TTClient) IntVariation(key string, user User, defaultVal int) (int, error) {
	detail, err := client.variationWithType(key, user, float64(defaultVal), reflect.TypeOf(float64(0)), false)
	result, _ := detail.Value.(float64)
	return int(result), err
}

// IntVariationDetail is the same as IntVariation, but also returns further information about how
// the value was calculated. The "reason" data will also be included in analytics events.
func (client *TTClient) IntVariationDetail(key string, user User, defaultVal int) (int, EvaluationDetail, error) {
	detail, err := client.variationWithType(key, user, float64(defaultVal), reflect.TypeOf(float64(0)), true)
	result, _ := detail.Value.(float64)
	return int(result), detail, err
}

// Float64Variation returns the value of a feature flag (whose variations are floats) for the
// given user.
//
// Returns defaultVal if there is an error, if the flag doesn't exist, or the feature is turned
// off and has no off variation.
func (client *TTClient) Float64Variation(key string, user User, defaultVal float64) (float64, error) {
	detail, err := client.variationWithType(key, user, defaultVal, reflect.TypeOf(float64(0)), false)
	result, _ := detail.Value.(float64)
	return result, err
}

// Float64VariationDetail is the same as Float64Variation, but also returns further information
// about how the value was calculated. The "reason" data will also be included in analytics events.
func (client *TTClient) Float64VariationDetail(key string, user User, defaultVal float64) (float64, EvaluationDetail, error) {
	detail, err := client.variationWithType(key, user, defaultVal, reflect.TypeOf(float64(0)), true)
	result, _ := detail.Value.(float64)
	return result, detail, err
}

// StringVariation returns the value of a feature flag (whose variations are strings) for the
// given user.
//
// Returns defaultVal if there is an error, if the flag doesn't exist, or the feature is turned
// off and has no off variation.
func (client *TTClient) StringVariation(key string, user User, defaultVal string) (string, error) {
	detail, err := client.variationWithType(key, user, defaultVal, reflect.TypeOf(string("string")), false)
	result, _ := detail.Value.(string)
	return result, err
}

// StringVariationDetail is the same as StringVariation, but also returns further information
// about how the value was calculated. The "reason" data will also be included in analytics events.
func (client *TTClient) StringVariationDetail(key string, user User, defaultVal string) (string, EvaluationDetail, error) {
	detail, err := client.variationWithType(key, user, defaultVal, reflect.TypeOf(string("string")), true)
	result, _ := detail.Value.(string)
	return result, detail, err
}

// JSONVariation returns the value of a feature flag (whose variations are JSON) for the given
// user.
//
// Returns defaultVal if there is an error, if the flag doesn't exist, or the feature is turned
// off and has no off variation.
func (client *TTClient) JSONVariation(key string, user User, defaultVal json.RawMessage) (json.RawMessage, error) {
	detail, err := client.variation(key, user, defaultVal, false)
	if err != nil {
		return defaultVal, err
	}
	valueJSONRawMessage, err := toJSONRawMessage(detail.Value)
	if err != nil {
		return defaultVal, err
	}
	return valueJSONRawMessage, nil
}

// JSONVariationDetail is the same as JSONVariation, but also returns further information about
// how the value was calculated. The "reason" data will also be included in analytics events.
func (client *TTClient) JSONVariationDetail(key string, user User, defaultVal json.RawMessage) (json.RawMessage, EvaluationDetail, error) {
	detail, err := client.variation(key, user, defaultVal, true)
	if err != nil {
		return defaultVal, detail, err
	}
	valueJSONRawMessage, err := toJSONRawMessage(detail.Value)
	if err != nil {
		detail.Value = defaultVal
		return defaultVal, detail, err
	}
	return valueJSONRawMessage, detail, nil
}

func toJSONRawMessage(value interface{}) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

// Generic method for evaluating a feature flag for a given user, with optional type checking of
// the result value.
func (client *TTClient) variationWithType(key string, user User, defaultVal interface{},
	expectedType reflect.Type, sendReasonsInEvents bool) (EvaluationDetail, error) {
	result, err := client.variation(key, user, defaultVal, sendReasonsInEvents)
	if err == nil && result.Value != nil && expectedType != reflect.TypeOf(result.Value) {
		result = EvaluationDetail{
			Value:  defaultVal,
			Reason: newEvalReasonError(EvalErrorWrongType),
		}
		err = fmt.Errorf("feature flag %q returned value of wrong type; returning default value", key)
	}
	return result, err
}

func (client *TTClient) variation(key string, user User, defaultVal interface{},
	sendReasonsInEvents bool) (EvaluationDetail, error) {
	if client.IsOffline() {
		return EvaluationDetail{Value: defaultVal, Reason: newEvalReasonError(EvalErrorClientNotReady)}, nil
	}
	result, flag, err := client.evaluateInternal(key, user, defaultVal, sendReasonsInEvents)
	if err != nil {
		result.Value = defaultVal
		result.VariationIndex = nil
	}

	evt := NewFeatureRequestEvent(key, flag, user, result.VariationIndex, result.Value, defaultVal, nil)
	if sendReasonsInEvents || (flag != nil && flag.isExperimentationEnabled(result.Reason)) {
		evt.Reason.Reason = result.Reason
		if flag != nil && flag.isExperimentationEnabled(result.Reason) {
			evt.TrackEvents = true
		}
	}
	client.eventProcessor.SendEvent(evt)

	return result, err
}

// Performs all the steps of evaluation except for sending the feature request event (the
// main one; events for prerequisites are sent).
func (client *TTClient) evaluateInternal(key string, user User, defaultVal interface{},
	sendReasonsInEvents bool) (EvaluationDetail, *FeatureFlag, error) {
	if user.Key != nil && *user.Key == "" {
		client.config.Logger.Printf("WARN: User.Key is blank when evaluating flag: %s. Flag evaluation will proceed, but the user will not be stored in ToggleTree", key)
	}

	var feature *FeatureFlag
	var storeErr error
	var ok bool

	evalErrorResult := func(errKind EvalErrorKind, flag *FeatureFlag, err error) (EvaluationDetail, *FeatureFlag, error) {
		detail := newEvalErrorResult(errKind)
		detail.Value = defaultVal
		detail.VariationIndex = nil
		return detail, flag, err
	}

	if !client.Initialized() {
		if client.store.Initialized() {
			client.config.Logger.Printf("WARN: Feature flag evaluation called before ToggleTree client initialization completed; using last known values from feature store")
		} else {
			client.config.Logger.Printf("WARN: %+v", ErrClientNotInitialized)
			return evalErrorResult(EvalErrorClientNotReady, nil, ErrClientNotInitialized)
		}
	}

	data, storeErr := client.store.Get(Features, key)

	if storeErr != nil {
		client.config.Logger.Printf("ERROR: Encountered error fetching feature from store: %+v", storeErr)
		detail := newEvalErrorResult(EvalErrorException)
		detail.Value = defaultVal
		return detail, nil, storeErr
	}

	if data != nil {
		feature, ok = data.(*FeatureFlag)
		if !ok {
			return evalErrorResult(EvalErrorException, nil,
				fmt.Errorf("unexpected data type (%T) found in store for feature key: %s. Returning default value", data, key))
		}
	} else {
		return evalErrorResult(EvalErrorFlagNotFound, nil,
			fmt.Errorf("unknown feature key: %s. Verify that this feature key exists. Returning default value", key))
	}

	detail, prereqEvents := feature.EvaluateDetail(user, client.store, sendReasonsInEvents)
	if detail.Reason != nil && detail.Reason.GetKind() == EvalReasonError {
		if reasonErr, ok := detail.Reason.(EvaluationReasonError); ok && reasonErr.ErrorKind == EvalErrorUserNotSpecified {
			client.config.Logger.Printf("WARN: User.Key cannot be nil when evaluating flag: %s. Returning default value", key)
			detail.Value = defaultVal
			detail.VariationIndex = nil
			for _, event := range prereqEvents {
				client.eventProcessor.SendEvent(event)
			}
			return detail, feature, nil
		}
	}
	if detail.IsDefaultValue() {
		detail.Value = defaultVal
		detail.VariationIndex = nil
	}
	for _, event := range prereqEvents {
		client.eventProcessor.SendEvent(event)
	}
	return detail, feature, nil
}
