// Copyright 2016-2019 Authors of Cilium
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bpfmap

import "sync"

// CachedMap wraps a Map with an in-process mirror of its contents, guarded
// by a single mutex covering both the cache and the underlying kernel call.
// Update is a no-op against the kernel when the cached value already equals
// the one being written; the cache is only mutated after the kernel call
// (if any) succeeds. This is what lets a reconciler replay the same desired
// state over and over without reprogramming the datapath each time.
type CachedMap[K comparable, V comparable] struct {
	mu    sync.Mutex
	inner Map[K, V]
	cache map[K]V
}

// NewCachedMap wraps inner. The cache starts empty; call Resync to seed it
// from the kernel's current contents before serving traffic.
func NewCachedMap[K comparable, V comparable](inner Map[K, V]) *CachedMap[K, V] {
	return &CachedMap[K, V]{
		inner: inner,
		cache: make(map[K]V),
	}
}

// Resync replaces the cache with a fresh kernel snapshot. Intended for
// startup, after which the cache should track every write this process makes.
func (c *CachedMap[K, V]) Resync() error {
	snap, err := c.inner.Snapshot()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = snap
	return nil
}

// Update compares value against the cached entry for key and only issues
// the kernel write if they differ (or no cached entry exists yet).
func (c *CachedMap[K, V]) Update(key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.cache[key]; ok && cur == value {
		return nil
	}
	if err := c.inner.Update(key, value); err != nil {
		return err
	}
	c.cache[key] = value
	return nil
}

// Delete removes key from the kernel map, then (only on success) from the
// cache.
func (c *CachedMap[K, V]) Delete(key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.inner.Delete(key); err != nil {
		return err
	}
	delete(c.cache, key)
	return nil
}

// Get reads straight through to the cache, never touching the kernel.
func (c *CachedMap[K, V]) Get(key K) (V, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache[key]
	return v, ok, nil
}

// Snapshot returns a copy of the in-process cache, not a fresh kernel read.
func (c *CachedMap[K, V]) Snapshot() (map[K]V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[K]V, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out, nil
}

// StateFromCache returns the same thing as Snapshot; named separately
// because callers reading state for display (e.g. the RPC ListIps/
// ListServices handlers) want to be explicit that this never calls into the
// kernel.
func (c *CachedMap[K, V]) StateFromCache() map[K]V {
	out, _ := c.Snapshot()
	return out
}

// Close releases the underlying kernel resource. The cache is left intact
// since nothing else may safely reuse this CachedMap afterward.
func (c *CachedMap[K, V]) Close() error {
	return c.inner.Close()
}

// Inner returns the wrapped Map, for the rare caller (e.g. the RPC layer's
// ListServices/GetConntrack "read straight from the kernel" paths) that
// must bypass the cache and hit the kernel map directly rather than read
// CachedMap's in-process mirror.
func (c *CachedMap[K, V]) Inner() Map[K, V] {
	return c.inner
}
