// Package redis provides a Redis-backed feature store for the ToggleTree Go SDK.
//
// A Redis feature store is typically used in "daemon mode", where the store is populated by an
// external process (such as the ToggleTree relay proxy) and one or more SDK clients read from
// it without making their own connections to ToggleTree. It can also be used as a persistent
// cache in front of a normal streaming or polling connection.
package redis

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	r "github.com/gomodule/redigo/redis"

	tt "github.com/toggletree/go-server-sdk"
	"github.com/toggletree/go-server-sdk/utils"
)

// DefaultPrefix is the key prefix used if none is specified.
const DefaultPrefix = "toggletree"

// DefaultCacheTTL is the amount of time that recently read or updated items will be cached in
// memory, if no other value is specified.
const DefaultCacheTTL = 15 * time.Second

// redisFeatureStoreCore implements the lower-level interface used by utils.FeatureStoreWrapper,
// which provides the caching behavior on top of it.
type redisFeatureStoreCore struct {
	prefix     string
	pool       *r.Pool
	cacheTTL   time.Duration
	logger     tt.Logger
	testTxHook func()
	inited     bool
	initCheck  sync.Once
}

func newPool(url string) *r.Pool {
	return &r.Pool{
		MaxIdle:     20,
		MaxActive:   16,
		Wait:        true,
		IdleTimeout: 300 * time.Second,
		Dial: func() (c r.Conn, err error) {
			c, err = r.DialURL(url)
			return
		},
		TestOnBorrow: func(c r.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}
}

// NewRedisFeatureStoreFromUrl constructs a new Redis-backed feature store connecting to the
// specified URL, with a default connection pool configuration (16 concurrent connections,
// connection requests block). Attaches a prefix string to all keys to namespace ToggleTree
// data; if the prefix is the empty string, DefaultPrefix is used. A cacheTTL greater than zero
// enables local caching of recently accessed items.
func NewRedisFeatureStoreFromUrl(url, prefix string, cacheTTL time.Duration, logger tt.Logger) tt.FeatureStore {
	if logger == nil {
		logger = defaultLogger()
	}
	logger.Printf("RedisFeatureStore: Using url: %s", url)
	return NewRedisFeatureStoreWithPool(newPool(url), prefix, cacheTTL, logger)
}

// NewRedisFeatureStoreWithPool constructs a new Redis-backed feature store with the specified
// redigo pool configuration. Attaches a prefix string to all keys to namespace ToggleTree data;
// if the prefix is the empty string, DefaultPrefix is used. A cacheTTL greater than zero
// enables local caching of recently accessed items.
func NewRedisFeatureStoreWithPool(pool *r.Pool, prefix string, cacheTTL time.Duration, logger tt.Logger) tt.FeatureStore {
	core := newRedisFeatureStoreCore(pool, prefix, cacheTTL, logger)
	return utils.NewFeatureStoreWrapper(core)
}

// NewRedisFeatureStore constructs a new Redis-backed feature store connecting to the specified
// host and port. Attaches a prefix string to all keys to namespace ToggleTree data; if the
// prefix is the empty string, DefaultPrefix is used. A cacheTTL greater than zero enables local
// caching of recently accessed items.
func NewRedisFeatureStore(host string, port int, prefix string, cacheTTL time.Duration, logger tt.Logger) tt.FeatureStore {
	return NewRedisFeatureStoreFromUrl(fmt.Sprintf("redis://%s:%d", host, port), prefix, cacheTTL, logger)
}

func newRedisFeatureStoreCore(pool *r.Pool, prefix string, cacheTTL time.Duration, logger tt.Logger) *redisFeatureStoreCore {
	if logger == nil {
		logger = defaultLogger()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger.Printf("RedisFeatureStore: Using prefix: %s", prefix)
	if cacheTTL > 0 {
		logger.Printf("RedisFeatureStore: Using local cache with TTL: %v", cacheTTL)
	}
	return &redisFeatureStoreCore{
		prefix:   prefix,
		pool:     pool,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

func (core *redisFeatureStoreCore) GetCacheTTL() time.Duration {
	return core.cacheTTL
}

func (core *redisFeatureStoreCore) getConn() r.Conn {
	return core.pool.Get()
}

func (core *redisFeatureStoreCore) featuresKey(kind tt.VersionedDataKind) string {
	return core.prefix + ":" + kind.GetNamespace()
}

func (core *redisFeatureStoreCore) GetInternal(kind tt.VersionedDataKind, key string) (tt.VersionedData, error) {
	c := core.getConn()
	defer c.Close() // nolint:errcheck

	jsonStr, err := r.String(c.Do("HGET", core.featuresKey(kind), key))

	if err != nil {
		if err == r.ErrNil {
			core.logger.Printf("RedisFeatureStore: DEBUG: Key: %s not found in \"%s\"", key, kind.GetNamespace())
			return nil, nil
		}
		return nil, err
	}

	return utils.UnmarshalItem(kind, []byte(jsonStr))
}

func (core *redisFeatureStoreCore) GetAllInternal(kind tt.VersionedDataKind) (map[string]tt.VersionedData, error) {
	results := make(map[string]tt.VersionedData)

	c := core.getConn()
	defer c.Close() // nolint:errcheck

	values, err := r.StringMap(c.Do("HGETALL", core.featuresKey(kind)))

	if err != nil && err != r.ErrNil {
		return nil, err
	}

	for k, v := range values {
		item, jsonErr := utils.UnmarshalItem(kind, []byte(v))
		if jsonErr != nil {
			return nil, jsonErr
		}
		results[k] = item
	}
	return results, nil
}

func (core *redisFeatureStoreCore) InitInternal(allData map[tt.VersionedDataKind]map[string]tt.VersionedData) error {
	c := core.getConn()
	defer c.Close() // nolint:errcheck

	_ = c.Send("MULTI")

	for kind, items := range allData {
		baseKey := core.featuresKey(kind)

		_ = c.Send("DEL", baseKey)

		for k, v := range items {
			data, jsonErr := json.Marshal(v)
			if jsonErr != nil {
				return jsonErr
			}
			_ = c.Send("HSET", baseKey, k, data)
		}
	}

	_, err := c.Do("EXEC")

	if err == nil {
		core.initCheck.Do(func() { core.inited = true })
	}

	return err
}

func (core *redisFeatureStoreCore) UpsertInternal(kind tt.VersionedDataKind, newItem tt.VersionedData) (bool, error) {
	baseKey := core.featuresKey(kind)
	key := newItem.GetKey()
	for {
		// We accept that we can acquire multiple connections here and defer inside the loop, but
		// we don't expect many retries.
		c := core.getConn()
		defer c.Close() // nolint:errcheck

		_, err := c.Do("WATCH", baseKey)
		if err != nil {
			return false, err
		}

		defer c.Send("UNWATCH") // nolint:errcheck // this should always succeed

		if core.testTxHook != nil { // instrumentation for unit tests
			core.testTxHook()
		}

		oldItem, err := core.GetInternal(kind, key)
		if err != nil {
			return false, err
		}

		if oldItem != nil && oldItem.GetVersion() >= newItem.GetVersion() {
			return false, nil
		}

		data, jsonErr := json.Marshal(newItem)
		if jsonErr != nil {
			return false, jsonErr
		}

		_ = c.Send("MULTI")
		err = c.Send("HSET", baseKey, key, data)
		if err == nil {
			var result interface{}
			result, err = c.Do("EXEC")
			if err == nil {
				if result == nil {
					// if exec returned nothing, it means the watch was triggered and we should retry
					core.logger.Printf("RedisFeatureStore: DEBUG: Concurrent modification detected, retrying")
					continue
				}
				return true, nil
			}
		}
		return false, err
	}
}

func (core *redisFeatureStoreCore) InitializedInternal() bool {
	core.initCheck.Do(func() {
		c := core.getConn()
		defer c.Close() // nolint:errcheck
		core.inited, _ = r.Bool(c.Do("EXISTS", core.featuresKey(tt.Features)))
	})
	return core.inited
}

func defaultLogger() *log.Logger {
	return log.New(os.Stderr, "[ToggleTree]", log.LstdFlags)
}
