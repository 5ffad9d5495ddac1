package cache

import (
	"errors"
	"net/http"
	"time"
)

var (
	ErrCacheMiss       = errors.New("cache miss")
	ErrInvalidKey      = errors.New("key is invalid")
	ErrInvalidNs       = errors.New("namespace is invalid")
	ErrEntryNil        = errors.New("entry is nil")
	ErrBodyNil         = errors.New("entry body is nil")
	ErrSerialization   = errors.New("serialization error")
	ErrDeserialization = errors.New("deserialization error")
)

// Entry is a snapshot of an upstream HTTP response. Entries are immutable
// once stored; a refresh overwrites the whole entry under the same key.
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Store is a response cache partitioned into named namespaces. A key lives
// in exactly one namespace; dropping a namespace drops all of its entries.
type Store interface {
	Get(namespace, key string) (*Entry, error)
	Put(namespace string, e *Entry) error
	Delete(namespace, key string) error
	Namespaces() ([]string, error)
	DropNamespace(namespace string) error
}
