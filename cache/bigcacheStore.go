package cache

import (
	"context"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/rs/zerolog"
)

// BigcacheStore keeps one bigcache instance per namespace, created lazily on
// first write. Dropping a namespace closes its instance, which releases every
// entry at once.
type BigcacheStore struct {
	mu         sync.RWMutex
	namespaces map[string]*bigcache.BigCache
	lifeWindow time.Duration
	maxSizeMB  int
	logger     zerolog.Logger
}

func NewBigcacheStore(logger zerolog.Logger, maxSizeMB int, lifeWindow time.Duration) *BigcacheStore {
	return &BigcacheStore{
		namespaces: make(map[string]*bigcache.BigCache),
		lifeWindow: lifeWindow,
		maxSizeMB:  maxSizeMB,
		logger:     logger,
	}
}

func (bs *BigcacheStore) Get(namespace, key string) (*Entry, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	bs.mu.RLock()
	bc, ok := bs.namespaces[namespace]
	bs.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}

	data, err := bc.Get(key)
	if err != nil {
		if err == bigcache.ErrEntryNotFound {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	e, err := deserializeEntry(data)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (bs *BigcacheStore) Put(namespace string, e *Entry) error {
	if namespace == "" {
		return ErrInvalidNs
	}
	if e == nil {
		return ErrEntryNil
	}
	if e.Key == "" {
		return ErrInvalidKey
	}
	if e.Body == nil {
		return ErrBodyNil
	}

	bc, err := bs.instance(namespace)
	if err != nil {
		return err
	}

	serialized, err := serializeEntry(*e)
	if err != nil {
		return err
	}
	return bc.Set(e.Key, serialized)
}

func (bs *BigcacheStore) Delete(namespace, key string) error {
	bs.mu.RLock()
	bc, ok := bs.namespaces[namespace]
	bs.mu.RUnlock()
	if !ok {
		return ErrCacheMiss
	}

	err := bc.Delete(key)
	if err == bigcache.ErrEntryNotFound {
		return ErrCacheMiss
	}
	return err
}

func (bs *BigcacheStore) Namespaces() ([]string, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	names := make([]string, 0, len(bs.namespaces))
	for name := range bs.namespaces {
		names = append(names, name)
	}
	return names, nil
}

func (bs *BigcacheStore) DropNamespace(namespace string) error {
	bs.mu.Lock()
	bc, ok := bs.namespaces[namespace]
	if ok {
		delete(bs.namespaces, namespace)
	}
	bs.mu.Unlock()

	if !ok {
		return nil
	}
	return bc.Close()
}

// instance returns the bigcache for a namespace, creating it on first use.
func (bs *BigcacheStore) instance(namespace string) (*bigcache.BigCache, error) {
	bs.mu.RLock()
	bc, ok := bs.namespaces[namespace]
	bs.mu.RUnlock()
	if ok {
		return bc, nil
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bc, ok := bs.namespaces[namespace]; ok {
		return bc, nil
	}

	config := bigcache.Config{
		Shards:             32,
		LifeWindow:         bs.lifeWindow,
		CleanWindow:        1 * time.Second,
		MaxEntriesInWindow: 1000 * 10 * 60,
		MaxEntrySize:       1000000,
		HardMaxCacheSize:   bs.maxSizeMB,
		Logger:             &bs.logger,
	}

	bc, err := bigcache.New(context.Background(), config)
	if err != nil {
		return nil, err
	}
	bs.namespaces[namespace] = bc
	return bc, nil
}
