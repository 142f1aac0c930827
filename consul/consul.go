// Package consul provides a Consul-backed feature store for the ToggleTree Go SDK.
//
// Like the redis package, this is typically used either in daemon mode (with the store being
// populated by the ToggleTree relay proxy) or as a persistent cache for a normal connection.
package consul

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	consul "github.com/hashicorp/consul/api"

	tt "github.com/toggletree/go-server-sdk"
	"github.com/toggletree/go-server-sdk/utils"
)

// DefaultPrefix is the key prefix used if none is specified.
const DefaultPrefix = "toggletree"

// initedKey is a marker key written at the end of Init, so that a separate process can tell
// that the store contains a complete data set.
const initedKey = "$inited"

type consulFeatureStoreCore struct {
	prefix    string
	client    *consul.Client
	cacheTTL  time.Duration
	logger    tt.Logger
	inited    bool
	initCheck sync.Once
}

// NewConsulFeatureStore creates a new Consul-backed feature store using the default Consul
// agent address (localhost:8500). Attaches a prefix string to all keys; if the prefix is the
// empty string, DefaultPrefix is used. A cacheTTL greater than zero enables local caching of
// recently accessed items.
func NewConsulFeatureStore(prefix string, cacheTTL time.Duration, logger tt.Logger) (tt.FeatureStore, error) {
	return NewConsulFeatureStoreWithConfig(consul.DefaultConfig(), prefix, cacheTTL, logger)
}

// NewConsulFeatureStoreWithConfig creates a new Consul-backed feature store with the specified
// Consul client configuration. Attaches a prefix string to all keys; if the prefix is the empty
// string, DefaultPrefix is used. A cacheTTL greater than zero enables local caching of recently
// accessed items.
func NewConsulFeatureStoreWithConfig(config *consul.Config, prefix string, cacheTTL time.Duration, logger tt.Logger) (tt.FeatureStore, error) {
	if logger == nil {
		logger = defaultLogger()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger.Printf("ConsulFeatureStore: Using address: %s", config.Address)
	logger.Printf("ConsulFeatureStore: Using prefix: %s", prefix)
	if cacheTTL > 0 {
		logger.Printf("ConsulFeatureStore: Using local cache with TTL: %v", cacheTTL)
	}

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, err
	}

	core := &consulFeatureStoreCore{
		prefix:   prefix,
		client:   client,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
	return utils.NewFeatureStoreWrapper(core), nil
}

func (core *consulFeatureStoreCore) GetCacheTTL() time.Duration {
	return core.cacheTTL
}

func (core *consulFeatureStoreCore) kindKey(kind tt.VersionedDataKind) string {
	return core.prefix + "/" + kind.GetNamespace()
}

func (core *consulFeatureStoreCore) itemKey(kind tt.VersionedDataKind, k string) string {
	return core.kindKey(kind) + "/" + k
}

func (core *consulFeatureStoreCore) initedKeyFor() string {
	return core.prefix + "/" + initedKey
}

func (core *consulFeatureStoreCore) GetInternal(kind tt.VersionedDataKind, key string) (tt.VersionedData, error) {
	item, _, err := core.getEvenIfDeleted(kind, key)
	return item, err
}

func (core *consulFeatureStoreCore) GetAllInternal(kind tt.VersionedDataKind) (map[string]tt.VersionedData, error) {
	results := make(map[string]tt.VersionedData)

	kv := core.client.KV()
	pairs, _, err := kv.List(core.kindKey(kind), nil)

	if err != nil {
		return results, err
	}

	for _, pair := range pairs {
		item, jsonErr := utils.UnmarshalItem(kind, pair.Value)
		if jsonErr != nil {
			return nil, jsonErr
		}
		results[item.GetKey()] = item
	}
	return results, nil
}

func (core *consulFeatureStoreCore) InitInternal(allData map[tt.VersionedDataKind]map[string]tt.VersionedData) error {
	kv := core.client.KV()

	// Start by reading the existing keys; we will later delete any that are not in allData.
	pairs, _, err := kv.List(core.prefix, nil)
	if err != nil {
		return err
	}
	oldKeys := make(map[string]bool)
	for _, p := range pairs {
		oldKeys[p.Key] = true
	}

	ops := consul.KVTxnOps{}

	for kind, items := range allData {
		for k, v := range items {
			data, jsonErr := json.Marshal(v)
			if jsonErr != nil {
				return jsonErr
			}

			key := core.itemKey(kind, k)
			oldKeys[key] = false
			ops = append(ops, &consul.KVTxnOp{
				Verb:  consul.KVSet,
				Key:   key,
				Value: data,
			})
		}
	}

	// Now delete any previously existing items whose keys were not in the current data
	for key, stillExists := range oldKeys {
		if stillExists && key != core.initedKeyFor() {
			ops = append(ops, &consul.KVTxnOp{
				Verb: consul.KVDelete,
				Key:  key,
			})
		}
	}

	// Add the special key that indicates the store is initialized
	ops = append(ops, &consul.KVTxnOp{
		Verb:  consul.KVSet,
		Key:   core.initedKeyFor(),
		Value: []byte{},
	})

	// The Consul transaction API limits the number of operations per transaction, so we may
	// need to do several batches.
	for len(ops) > 0 {
		batch := ops
		if len(batch) > 64 {
			batch = ops[:64]
			ops = ops[64:]
		} else {
			ops = nil
		}
		ok, resp, _, batchErr := kv.Txn(batch, nil)
		if batchErr != nil {
			return batchErr
		}
		if !ok {
			errs := make([]string, 0)
			for _, te := range resp.Errors {
				errs = append(errs, te.What)
			}
			return &consulTxnError{errs: errs}
		}
	}

	core.initCheck.Do(func() { core.inited = true })
	return nil
}

type consulTxnError struct {
	errs []string
}

func (e *consulTxnError) Error() string {
	return "Consul transaction failed: " + strings.Join(e.errs, ", ")
}

func (core *consulFeatureStoreCore) UpsertInternal(kind tt.VersionedDataKind, newItem tt.VersionedData) (bool, error) {
	key := newItem.GetKey()

	// We will potentially keep retrying indefinitely until someone's write succeeds
	for {
		oldItem, modifyIndex, err := core.getEvenIfDeleted(kind, key)
		if err != nil {
			return false, err
		}

		// Check whether the item is stale. If so, don't do the update (and return the existing
		// item to FeatureStoreWrapper so it can be cached)
		if oldItem != nil && oldItem.GetVersion() >= newItem.GetVersion() {
			return false, nil
		}

		data, jsonErr := json.Marshal(newItem)
		if jsonErr != nil {
			return false, jsonErr
		}

		// Compare and swap the item. The modify index from the read above ensures that we only
		// write if nobody else has written in the meantime.
		kv := core.client.KV()
		p := &consul.KVPair{
			Key:         core.itemKey(kind, key),
			ModifyIndex: modifyIndex,
			Value:       data,
		}
		written, _, err := kv.CAS(p, nil)
		if err != nil {
			return false, err
		}

		if written {
			return true, nil
		}
		// If we failed, retry the whole shebang
		core.logger.Printf("ConsulFeatureStore: DEBUG: Concurrent modification detected, retrying")
	}
}

func (core *consulFeatureStoreCore) InitializedInternal() bool {
	core.initCheck.Do(func() {
		kv := core.client.KV()
		pair, _, err := kv.Get(core.initedKeyFor(), nil)
		core.inited = pair != nil && err == nil
	})
	return core.inited
}

func (core *consulFeatureStoreCore) getEvenIfDeleted(kind tt.VersionedDataKind, key string) (tt.VersionedData, uint64, error) {
	kv := core.client.KV()

	pair, _, err := kv.Get(core.itemKey(kind, key), nil)

	if err != nil || pair == nil {
		return nil, 0, err
	}

	item, jsonErr := utils.UnmarshalItem(kind, pair.Value)
	if jsonErr != nil {
		return nil, 0, jsonErr
	}

	return item, pair.ModifyIndex, nil
}

func defaultLogger() *log.Logger {
	return log.New(os.Stderr, "[ToggleTree]", log.LstdFlags)
}
