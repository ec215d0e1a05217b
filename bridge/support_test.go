package bridge

import (
	"context"
	"strings"
	"sync"

	"github.com/fleetlink/relay/core"
)

// memKVStore in-memory core.KeyValueStore for tests
type memKVStore struct {
	lock sync.Mutex
	data map[string][]byte
}

func newMemKVStore() *memKVStore {
	return &memKVStore{data: make(map[string][]byte)}
}

func (s *memKVStore) Set(ctxt context.Context, key string, value []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.data[key] = value
	return nil
}

func (s *memKVStore) Get(ctxt context.Context, key string) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	value, ok := s.data[key]
	if !ok {
		return nil, core.ErrKeyNotFound
	}
	return value, nil
}

func (s *memKVStore) Delete(ctxt context.Context, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.data[key]; !ok {
		return core.ErrKeyNotFound
	}
	delete(s.data, key)
	return nil
}

func (s *memKVStore) Keys(ctxt context.Context, prefix string) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var result []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			result = append(result, key)
		}
	}
	return result, nil
}
