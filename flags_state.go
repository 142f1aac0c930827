package ttclient

import (
	"encoding/json"
)

// FeatureFlagsState is a snapshot of the state of all feature flags with regard to a specific
// user, generated by calling the client's AllFlagsState method. Serializing this object to JSON,
// using the json.Marshal API, will produce the appropriate data structure for bootstrapping the
// ToggleTree JavaScript client.
type FeatureFlagsState struct {
	flagValues   map[string]interface{}
	flagMetadata map[string]flagMetadata
	valid        bool
}

type flagMetadata struct {
	Variation            *int                       `json:"variation,omitempty"`
	Version              *int                       `json:"version,omitempty"`
	Reason               *EvaluationReasonContainer `json:"reason,omitempty"`
	TrackEvents          bool                       `json:"trackEvents,omitempty"`
	DebugEventsUntilDate *uint64                    `json:"debugEventsUntilDate,omitempty"`
}

// FlagsStateOption is the type of optional parameters that can be passed to AllFlagsState.
type FlagsStateOption interface {
	String() string
}

type clientSideOnlyFlagsStateOption struct{}

// ClientSideOnly is an option that can be passed to AllFlagsState. It specifies that only flags
// marked for use with the client-side SDK should be included in the state object.
var ClientSideOnly FlagsStateOption = clientSideOnlyFlagsStateOption{}

func (o clientSideOnlyFlagsStateOption) String() string {
	return "ClientSideOnly"
}

type withReasonsFlagsStateOption struct{}

// WithReasons is an option that can be passed to AllFlagsState. It specifies that evaluation
// reasons should be included in the metadata for each flag.
var WithReasons FlagsStateOption = withReasonsFlagsStateOption{}

func (o withReasonsFlagsStateOption) String() string {
	return "WithReasons"
}

type detailsOnlyForTrackedFlagsOption struct{}

// DetailsOnlyForTrackedFlags is an option that can be passed to AllFlagsState. It specifies that
// any flag metadata that is normally only used for event generation - such as flag versions and
// evaluation reasons - should be omitted for any flag that does not have event tracking or
// debugging turned on. This reduces the size of the JSON representation of the flag state.
var DetailsOnlyForTrackedFlags FlagsStateOption = detailsOnlyForTrackedFlagsOption{}

func (o detailsOnlyForTrackedFlagsOption) String() string {
	return "DetailsOnlyForTrackedFlags"
}

func hasFlagsStateOption(options []FlagsStateOption, value FlagsStateOption) bool {
	for _, o := range options {
		if o == value {
			return true
		}
	}
	return false
}

func newFeatureFlagsState() FeatureFlagsState {
	return FeatureFlagsState{
		flagValues:   make(map[string]interface{}),
		flagMetadata: make(map[string]flagMetadata),
		valid:        true,
	}
}

func newInvalidFeatureFlagsState() FeatureFlagsState {
	return FeatureFlagsState{valid: false}
}

func (state *FeatureFlagsState) addFlag(flag *FeatureFlag, value interface{}, variation *int,
	reason EvaluationReason, detailsOnlyIfTracked bool) {
	meta := flagMetadata{Variation: variation}
	trackedNow := flag.TrackEvents
	if flag.DebugEventsUntilDate != nil && *flag.DebugEventsUntilDate > now() {
		trackedNow = true
	}
	if !detailsOnlyIfTracked || trackedNow {
		version := flag.Version
		meta.Version = &version
		if reason != nil {
			meta.Reason = &EvaluationReasonContainer{Reason: reason}
		}
	}
	meta.TrackEvents = flag.TrackEvents
	meta.DebugEventsUntilDate = flag.DebugEventsUntilDate
	state.flagValues[flag.Key] = value
	state.flagMetadata[flag.Key] = meta
}

// IsValid returns true if this object contains a valid snapshot of feature flag state, or false
// if the state could not be computed (for instance, because the client was offline or there
// was no user).
func (state FeatureFlagsState) IsValid() bool {
	return state.valid
}

// GetFlagValue returns the value of an individual feature flag at the time the state was
// recorded. It returns nil if the flag returned the default value, or if there was no such flag.
func (state FeatureFlagsState) GetFlagValue(key string) interface{} {
	return state.flagValues[key]
}

// GetFlagReason returns the evaluation reason for an individual feature flag at the time the
// state was recorded. It returns nil if reasons were not recorded, or if there was no such flag.
func (state FeatureFlagsState) GetFlagReason(key string) EvaluationReason {
	if m, ok := state.flagMetadata[key]; ok && m.Reason != nil {
		return m.Reason.Reason
	}
	return nil
}

// ToValuesMap returns a map of flag keys to flag values. If a flag would have evaluated to the
// default value, its value will be nil.
//
// Do not use this method if you are passing data to the front end to "bootstrap" the JavaScript
// client. Instead, serialize the FeatureFlagsState object to JSON.
func (state FeatureFlagsState) ToValuesMap() map[string]interface{} {
	return state.flagValues
}

// MarshalJSON implements a custom JSON serialization for FeatureFlagsState, to produce the
// correct data structure for "bootstrapping" the ToggleTree JavaScript client.
func (state FeatureFlagsState) MarshalJSON() ([]byte, error) {
	var mapOut = make(map[string]interface{}, len(state.flagValues)+2)
	for k, v := range state.flagValues {
		mapOut[k] = v
	}
	mapOut["$flagsState"] = state.flagMetadata
	mapOut["$valid"] = state.valid
	return json.Marshal(mapOut)
}
