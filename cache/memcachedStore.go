package cache

import (
	"bytes"
	"encoding/gob"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/rs/zerolog"
)

// registryKey holds the list of namespaces currently known to the store.
// Memcached cannot enumerate keys, so dropping a namespace only removes it
// from this registry; the orphaned entries are reaped by their TTL.
const registryKey = "offline-map-cache/namespaces"

type MemcachedStore struct {
	client *memcache.Client
	ttl    int32
	logger zerolog.Logger
}

/*
NewMemcachedStore creates a memcached-backed Store with the given logger,
default TTL and server addresses. defaultTTL is expressed in seconds (max 1
month), or an absolute time in UNIX epoch.
*/
func NewMemcachedStore(logger zerolog.Logger, defaultTTL int32, server ...string) *MemcachedStore {
	return &MemcachedStore{
		client: memcache.New(server...),
		ttl:    defaultTTL,
		logger: logger,
	}
}

func (ms *MemcachedStore) Get(namespace, key string) (*Entry, error) {
	if namespace == "" {
		return nil, ErrInvalidNs
	}
	if key == "" {
		return nil, ErrInvalidKey
	}

	item, err := ms.client.Get(namespace + "|" + key)
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	e, err := deserializeEntry(item.Value)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (ms *MemcachedStore) Put(namespace string, e *Entry) error {
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

	serialized, err := serializeEntry(*e)
	if err != nil {
		return err
	}

	err = ms.client.Set(&memcache.Item{
		Key:        namespace + "|" + e.Key,
		Value:      serialized,
		Expiration: ms.ttl,
	})
	if err != nil {
		return err
	}

	return ms.register(namespace)
}

func (ms *MemcachedStore) Delete(namespace, key string) error {
	if namespace == "" {
		return ErrInvalidNs
	}
	if key == "" {
		return ErrInvalidKey
	}

	err := ms.client.Delete(namespace + "|" + key)
	if err == memcache.ErrCacheMiss {
		return ErrCacheMiss
	}
	return err
}

func (ms *MemcachedStore) Namespaces() ([]string, error) {
	return ms.registry()
}

func (ms *MemcachedStore) DropNamespace(namespace string) error {
	names, err := ms.registry()
	if err != nil {
		return err
	}

	kept := names[:0]
	for _, name := range names {
		if name != namespace {
			kept = append(kept, name)
		}
	}
	return ms.writeRegistry(kept)
}

func (ms *MemcachedStore) Flush() error {
	return ms.client.FlushAll()
}

func (ms *MemcachedStore) TestConnection() error {
	return ms.client.Ping()
}

// register adds a namespace to the registry if it is not already listed.
// Last writer wins on concurrent registration, same as entry writes.
func (ms *MemcachedStore) register(namespace string) error {
	names, err := ms.registry()
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == namespace {
			return nil
		}
	}
	return ms.writeRegistry(append(names, namespace))
}

func (ms *MemcachedStore) registry() ([]string, error) {
	item, err := ms.client.Get(registryKey)
	if err == memcache.ErrCacheMiss {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	dec := gob.NewDecoder(bytes.NewReader(item.Value))
	if err := dec.Decode(&names); err != nil {
		ms.logger.Warn().Err(err).Msg("namespace registry corrupted, resetting")
		return nil, nil
	}
	return names, nil
}

func (ms *MemcachedStore) writeRegistry(names []string) error {
	b := bytes.Buffer{}
	enc := gob.NewEncoder(&b)
	if err := enc.Encode(names); err != nil {
		return err
	}
	// The registry never expires; it is tiny and always overwritten in full.
	return ms.client.Set(&memcache.Item{
		Key:   registryKey,
		Value: b.Bytes(),
	})
}
