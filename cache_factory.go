package tenantsync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// CacheStoreFactory builds a CacheStore from a DSN. External packages may
// register factories for additional schemes.
type CacheStoreFactory func(dsn string) (CacheStore, error)

var cacheFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CacheStoreFactory
}{
	factories: map[string]CacheStoreFactory{},
}

func RegisterCacheStoreFactory(scheme string, factory CacheStoreFactory) {
	scheme = normalizeCacheScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	cacheFactoryRegistry.mu.Lock()
	defer cacheFactoryRegistry.mu.Unlock()
	cacheFactoryRegistry.factories[scheme] = factory
}

func lookupCacheStoreFactory(scheme string) (CacheStoreFactory, bool) {
	scheme = normalizeCacheScheme(scheme)
	cacheFactoryRegistry.mu.RLock()
	defer cacheFactoryRegistry.mu.RUnlock()
	factory, ok := cacheFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeCacheScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildCacheStoreFromDSN resolves a DSN to a cache backend. An empty DSN
// returns (nil, nil) so callers can fall back to their default. A bare
// path with no scheme is treated as a JSON file store.
func BuildCacheStoreFromDSN(dsn string) (CacheStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeCacheScheme(parsed.Scheme)
	if factory, ok := lookupCacheStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileCacheStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryCacheStore(), nil
	case "sqlite":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteCacheStore(path)
	case "postgres", "postgresql":
		return NewPostgresCacheStore(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cache backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
