package client

import (
	"errors"
	"sync"
)

// ErrStorageClosed is returned by a storage whose backend was shut down.
var ErrStorageClosed = errors.New("storage closed")

// StorageEvent reports a key written by another tab.
type StorageEvent struct {
	Key   string
	Value string
}

// Storage is key/value local durable storage shared between the tabs of
// one browser profile. Watch only reports writes made by other tabs.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string) error
	Watch(fn func(StorageEvent)) (cancel func(), err error)
}

// MemoryBackend is an in-process Storage shared by any number of tabs.
type MemoryBackend struct {
	mu       sync.Mutex
	data     map[string]string
	watchers map[int]memoryWatcher
	nextID   int
}

type memoryWatcher struct {
	tab string
	fn  func(StorageEvent)
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]string), watchers: make(map[int]memoryWatcher)}
}

// Tab returns a view of the backend as seen by the named tab.
func (b *MemoryBackend) Tab(name string) Storage {
	return &memoryTab{b: b, name: name}
}

// NewMemoryStorage returns storage private to a single tab.
func NewMemoryStorage() Storage {
	return NewMemoryBackend().Tab("self")
}

type memoryTab struct {
	b    *MemoryBackend
	name string
}

func (t *memoryTab) Get(key string) (string, bool) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	v, ok := t.b.data[key]
	return v, ok
}

func (t *memoryTab) Set(key, value string) error {
	t.b.mu.Lock()
	t.b.data[key] = value
	var notify []func(StorageEvent)
	for _, w := range t.b.watchers {
		if w.tab != t.name {
			notify = append(notify, w.fn)
		}
	}
	t.b.mu.Unlock()

	ev := StorageEvent{Key: key, Value: value}
	for _, fn := range notify {
		fn(ev)
	}
	return nil
}

func (t *memoryTab) Remove(key string) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	delete(t.b.data, key)
	return nil
}

func (t *memoryTab) Watch(fn func(StorageEvent)) (func(), error) {
	t.b.mu.Lock()
	id := t.b.nextID
	t.b.nextID++
	t.b.watchers[id] = memoryWatcher{tab: t.name, fn: fn}
	t.b.mu.Unlock()

	return func() {
		t.b.mu.Lock()
		delete(t.b.watchers, id)
		t.b.mu.Unlock()
	}, nil
}
