package storage

import (
	"bytes"
	"sync"

	g "github.com/anacrolix/generics"
)

type mapAttributeStore struct {
	mu sync.RWMutex
	m  map[string]map[string][]byte
}

var _ AttributeStore = (*mapAttributeStore)(nil)

// Attributes held in memory.
func NewMapAttributeStore() AttributeStore {
	return &mapAttributeStore{m: make(map[string]map[string][]byte)}
}

func (me *mapAttributeStore) Get(namespace, name string) (ret g.Option[[]byte], err error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	v, ok := me.m[namespace][name]
	if ok {
		ret.Set(bytes.Clone(v))
	}
	return
}

func (me *mapAttributeStore) setLocked(namespace, name string, value []byte) {
	ns, ok := me.m[namespace]
	if !ok {
		ns = make(map[string][]byte)
		me.m[namespace] = ns
	}
	ns[name] = bytes.Clone(value)
}

func (me *mapAttributeStore) Set(namespace, name string, value []byte) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.setLocked(namespace, name, value)
	return nil
}

func (me *mapAttributeStore) SetBatch(namespace string, values map[string][]byte) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	for name, v := range values {
		me.setLocked(namespace, name, v)
	}
	return nil
}

func (me *mapAttributeStore) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	clear(me.m)
	return nil
}
