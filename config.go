package ttclient

import (
	"log"
	"net/http"
	"os"
	"time"
)

// Logger is a generic logger interface.
type Logger interface {
	Println(...interface{})
	Printf(string, ...interface{})
}

// UpdateProcessorFactory is a function that creates an UpdateProcessor. It can be set in Config
// to substitute a custom data source, such as the file data source in the filedata subpackage.
type UpdateProcessorFactory func(sdkKey string, config Config) (UpdateProcessor, error)

// Config exposes advanced configuration options for the ToggleTree client.
type Config struct {
	// BaseUri is the base URI of the ToggleTree polling service. Trailing slashes are stripped.
	BaseUri string
	// StreamUri is the base URI of the ToggleTree streaming service. Trailing slashes are stripped.
	StreamUri string
	// EventsUri is the base URI of the ToggleTree events service. Trailing slashes are stripped.
	EventsUri string
	// Capacity is the capacity of the events buffer. The client buffers up to this many events in
	// memory before flushing. If the capacity is exceeded before the buffer is flushed, events
	// will be discarded.
	Capacity int
	// FlushInterval is the time between flushes of the event buffer. Decreasing the flush interval
	// means that the event buffer is less likely to reach capacity.
	FlushInterval time.Duration
	// PollInterval is the polling interval used when streaming mode is disabled. Values less than
	// MinimumPollInterval are treated as MinimumPollInterval.
	PollInterval time.Duration
	// Logger is the destination for log output. If nil, a default logger writing to os.Stderr
	// is used.
	Logger Logger
	// ReadTimeout is the maximum amount of time to wait for each HTTP response.
	ReadTimeout time.Duration
	// ConnectTimeout is the maximum amount of time to wait for each HTTP connection to be
	// established.
	ConnectTimeout time.Duration
	// FeatureStore is the data store for feature flags and segments. If nil, an in-memory store
	// is used.
	FeatureStore FeatureStore
	// Stream enables the streaming connection. Should normally be left at its default of true;
	// polling is significantly less efficient.
	Stream bool
	// UseLdd enables daemon mode, in which the client reads flag data from the feature store
	// (populated by an external process such as the relay proxy) and makes no connection of
	// its own to the ToggleTree service.
	UseLdd bool
	// SendEvents controls whether analytics events are delivered to ToggleTree. Unlike Offline,
	// this only affects events, not flag data.
	SendEvents bool
	// Offline disables all network activity; flag evaluations return the application-provided
	// default values.
	Offline bool
	// AllAttributesPrivate marks every user attribute other than the key as private, so that no
	// attribute values are sent to ToggleTree in analytics events.
	AllAttributesPrivate bool
	// InlineUsersInEvents causes full user details to be included in every analytics event. By
	// default, events only carry the user key, plus one "index" event per user per flush cycle
	// with the full details.
	InlineUsersInEvents bool
	// PrivateAttributeNames marks a set of attribute names (built-in or custom) as private. Any
	// users sent to ToggleTree with this configuration active will have attributes with these
	// names removed.
	PrivateAttributeNames []string
	// DataSource is a factory for the object that receives feature flag updates from ToggleTree.
	// If nil, a default implementation is used depending on the rest of the configuration
	// (streaming, polling, offline, etc.); a custom implementation can be substituted for
	// testing, or to read flags from a file with the filedata subpackage.
	DataSource UpdateProcessorFactory
	// UpdateProcessor is a deprecated synonym for DataSource, retained for backward
	// compatibility. If both are set, DataSource is used.
	//
	// Deprecated: Use DataSource.
	UpdateProcessor UpdateProcessorFactory
	// EventProcessor is the object responsible for recording or sending analytics events. If
	// nil, a default implementation is used; a custom implementation can be substituted for
	// testing.
	EventProcessor EventProcessor
	// UserKeysCapacity is the number of user keys that the event processor can remember at any
	// one time, so that duplicate user details will not be sent in analytics events.
	UserKeysCapacity int
	// UserKeysFlushInterval is the interval at which the event processor will reset its set of
	// known user keys.
	UserKeysFlushInterval time.Duration
	// UserAgent is an optional string to append to the User-Agent header on HTTP requests.
	UserAgent string
	// ProxyURL is an optional URL of a proxy server to use for all HTTP requests. Standard
	// proxies only; for NTLM-authenticated proxies, set HTTPClientFactory with
	// NewNTLMProxyHTTPClientFactory instead.
	ProxyURL string
	// HTTPClientFactory creates the HTTP clients used for polling, streaming, and event
	// delivery. If nil, a default factory honoring ConnectTimeout, ReadTimeout, and ProxyURL
	// is used.
	HTTPClientFactory func(Config) http.Client
}

// MinimumPollInterval describes the minimum value for Config.PollInterval. If you specify a
// smaller interval, the minimum will be used instead.
const MinimumPollInterval = 30 * time.Second

// DefaultConfig provides the default configuration options for the ToggleTree client.
// The easiest way to create a custom configuration is to start with the default config and set
// the custom options from there. For example:
//
//	var config = ttclient.DefaultConfig
//	config.Capacity = 2000
var DefaultConfig = Config{
	BaseUri:               "https://app.toggletree.com",
	StreamUri:             "https://stream.toggletree.com",
	EventsUri:             "https://events.toggletree.com",
	Capacity:              10000,
	FlushInterval:         10 * time.Second,
	PollInterval:          MinimumPollInterval,
	Logger:                log.New(os.Stderr, "[ToggleTree]", log.LstdFlags),
	ReadTimeout:           10 * time.Second,
	ConnectTimeout:        2 * time.Second,
	Stream:                true,
	FeatureStore:          nil,
	UseLdd:                false,
	SendEvents:            true,
	Offline:               false,
	UserKeysCapacity:      1000,
	UserKeysFlushInterval: 5 * time.Minute,
	UserAgent:             "",
}

// dataSourceFactory resolves the DataSource/UpdateProcessor alias; the newer name wins.
func (c Config) dataSourceFactory() UpdateProcessorFactory {
	if c.DataSource != nil {
		return c.DataSource
	}
	return c.UpdateProcessor
}
