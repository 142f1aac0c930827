package ttclient

import (
	"log"
	"os"
	"sync"
)

// FeatureStore is an interface describing a structure that maintains the live collection of
// features and related objects. The client uses it to store data received from the ToggleTree
// service, and reads from it on every flag evaluation. Custom FeatureStore implementations can
// be passed to the client via a custom Config object. This package provides an implementation
// backed by an in-memory map; the redis, consul, and dynamodb subpackages provide
// implementations backed by external databases.
//
// Implementations must be thread-safe.
type FeatureStore interface {
	// Get returns an individual object of a given type from the store, or nil if there is no
	// such item or if the item has been deleted.
	Get(kind VersionedDataKind, key string) (VersionedData, error)
	// All returns all the objects of a given kind from the store, excluding deleted items.
	All(kind VersionedDataKind) (map[string]VersionedData, error)
	// Init atomically replaces the entire contents of the store with the given data set.
	Init(map[VersionedDataKind]map[string]VersionedData) error
	// Delete removes an item of a given kind from the store, if its existing version is less
	// than the given version.
	Delete(kind VersionedDataKind, key string, version int) error
	// Upsert adds or updates an item, unless the store already contains an item with the same
	// key and an equal or greater version.
	Upsert(kind VersionedDataKind, item VersionedData) error
	// Initialized returns true if the store has ever been initialized with data.
	Initialized() bool
}

// InMemoryFeatureStore is a memory based FeatureStore implementation, backed by a single
// lock-guarded map. Suitable for all use cases that do not require sharing flag data across
// processes.
type InMemoryFeatureStore struct {
	allData       map[VersionedDataKind]map[string]VersionedData
	isInitialized bool
	sync.RWMutex
	logger Logger
}

// NewInMemoryFeatureStore creates a new in-memory FeatureStore instance.
func NewInMemoryFeatureStore(logger Logger) *InMemoryFeatureStore {
	if logger == nil {
		logger = log.New(os.Stderr, "[ToggleTree InMemoryFeatureStore]", log.LstdFlags)
	}
	return &InMemoryFeatureStore{
		allData:       make(map[VersionedDataKind]map[string]VersionedData),
		isInitialized: false,
		logger:        logger,
	}
}

// Get returns an individual object of a given type from the store
func (store *InMemoryFeatureStore) Get(kind VersionedDataKind, key string) (VersionedData, error) {
	store.RLock()
	defer store.RUnlock()
	item := store.allData[kind][key]

	if item == nil {
		return nil, nil
	} else if item.IsDeleted() {
		return nil, nil
	}
	return item, nil
}

// All returns all the objects of a given kind from the store
func (store *InMemoryFeatureStore) All(kind VersionedDataKind) (map[string]VersionedData, error) {
	store.RLock()
	defer store.RUnlock()
	ret := make(map[string]VersionedData)

	for k, v := range store.allData[kind] {
		if !v.IsDeleted() {
			ret[k] = v
		}
	}
	return ret, nil
}

// Delete removes an item of a given kind from the store, by writing a deleted-item placeholder
// with the given version
func (store *InMemoryFeatureStore) Delete(kind VersionedDataKind, key string, version int) error {
	store.Lock()
	defer store.Unlock()
	if store.allData[kind] == nil {
		store.allData[kind] = make(map[string]VersionedData)
	}
	items := store.allData[kind]
	item := items[key]
	if item == nil || item.GetVersion() < version {
		deletedItem := kind.MakeDeletedItem(key, version)
		items[key] = deletedItem
	}
	return nil
}

// Init populates the store with a complete set of versioned data
func (store *InMemoryFeatureStore) Init(allData map[VersionedDataKind]map[string]VersionedData) error {
	store.Lock()
	defer store.Unlock()

	store.allData = make(map[VersionedDataKind]map[string]VersionedData)

	for k, v := range allData {
		items := make(map[string]VersionedData)
		for k1, v1 := range v {
			items[k1] = v1
		}
		store.allData[k] = items
	}

	store.isInitialized = true
	return nil
}

// Upsert inserts or replaces an item in the store unless the store already contains an item with
// an equal or larger version
func (store *InMemoryFeatureStore) Upsert(kind VersionedDataKind, item VersionedData) error {
	store.Lock()
	defer store.Unlock()
	if store.allData[kind] == nil {
		store.allData[kind] = make(map[string]VersionedData)
	}
	items := store.allData[kind]
	old := items[item.GetKey()]

	if old == nil || old.GetVersion() < item.GetVersion() {
		items[item.GetKey()] = item
	}
	return nil
}

// Initialized returns whether the store has been initialized with data
func (store *InMemoryFeatureStore) Initialized() bool {
	store.RLock()
	defer store.RUnlock()
	return store.isInitialized
}
