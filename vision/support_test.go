package vision

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/fleetlink/relay/core"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// memKVStore in-memory core.KeyValueStore for tests
type memKVStore struct {
	lock    sync.Mutex
	data    map[string][]byte
	failing map[string]error
}

func newMemKVStore() *memKVStore {
	return &memKVStore{data: make(map[string][]byte), failing: make(map[string]error)}
}

func (s *memKVStore) Set(ctxt context.Context, key string, value []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err, ok := s.failing[key]; ok {
		return err
	}
	clone := make([]byte, len(value))
	copy(clone, value)
	s.data[key] = clone
	return nil
}

func (s *memKVStore) Get(ctxt context.Context, key string) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err, ok := s.failing[key]; ok {
		return nil, err
	}
	value, ok := s.data[key]
	if !ok {
		return nil, core.ErrKeyNotFound
	}
	return value, nil
}

func (s *memKVStore) Delete(ctxt context.Context, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err, ok := s.failing[key]; ok {
		return err
	}
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

func (s *memKVStore) failOn(key string, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failing[key] = err
}

func (s *memKVStore) has(key string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.data[key]
	return ok
}

// gzipBytes compress test payloads the way the edge agents do
func gzipBytes(t *testing.T, raw []byte) []byte {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, 6)
	require.Nil(t, err)
	_, err = writer.Write(raw)
	require.Nil(t, err)
	require.Nil(t, writer.Close())
	return buf.Bytes()
}
