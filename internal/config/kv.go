package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// KVFile is the file name of a plugin's runtime key-value state.
const KVFile = "state.cbor"

var kvDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// KV is a small persistent key-value store owned by one plugin.
// Every mutation is written through to disk in CBOR form.
type KV struct {
	mu   sync.RWMutex
	path string
	data map[string]any
}

// OpenKV opens or creates the store at path.
func OpenKV(path string) (*KV, error) {
	kv := &KV{path: path, data: make(map[string]any)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return kv, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(raw) == 0 {
		return kv, nil
	}
	if err := kvDecMode.Unmarshal(raw, &kv.data); err != nil {
		return nil, &ParseError{Path: path, Message: err.Error(), Err: err}
	}
	return kv, nil
}

// Get returns the value stored under key.
func (kv *KV) Get(key string) (any, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.data[key]
	return v, ok
}

// Set stores value under key and persists the store.
func (kv *KV) Set(key string, value any) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	prev, had := kv.data[key]
	kv.data[key] = value
	if err := kv.flushLocked(); err != nil {
		if had {
			kv.data[key] = prev
		} else {
			delete(kv.data, key)
		}
		return err
	}
	return nil
}

// Delete removes key and persists the store.
func (kv *KV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if _, ok := kv.data[key]; !ok {
		return nil
	}
	delete(kv.data, key)
	return kv.flushLocked()
}

// Keys returns the stored keys in sorted order.
func (kv *KV) Keys() []string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (kv *KV) flushLocked() error {
	data, err := cbor.Marshal(kv.data)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", kv.path, err)
	}
	return writeFileAtomic(kv.path, data)
}
