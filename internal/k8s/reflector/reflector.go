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

// Package reflector generalizes the teacher's per-resource shared-informer
// wiring (pkg/k8s/watchers/watcher.go's blockWaitGroupToSyncResources /
// WaitForCacheSync pattern) into a single reusable, typed Reflector[T]: one
// per watched resource kind, each exposing an indexed Store and a fan-out
// subscription.
package reflector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/cache"

	"github.com/mesh-cni/agent/internal/errors"
	"github.com/mesh-cni/agent/internal/logging"
	"github.com/mesh-cni/agent/internal/logging/logfields"
)

var log = logging.WithSubsys("k8s-reflector")

// EventKind distinguishes the three informer callbacks a subscriber may see.
type EventKind int

const (
	EventAdd EventKind = iota
	EventUpdate
	EventDelete
)

// Event is a single observation fanned out to every subscriber of a
// Reflector[T].
type Event[T any] struct {
	Kind   EventKind
	Object T
}

// defaultSyncTimeout is spec.md §4.3's default init timeout.
const defaultSyncTimeout = 30 * time.Second

const subscriberBufferSize = 256

// Reflector watches a single Kubernetes resource kind via a
// SharedIndexInformer, indexing observed objects by (namespace, name) and
// fanning every add/update/delete out to each Subscribe caller.
type Reflector[T runtime.Object] struct {
	name     string
	informer cache.SharedIndexInformer
	convert  func(interface{}) (T, bool)

	mu          sync.Mutex
	subscribers map[chan Event[T]]struct{}

	stopCh chan struct{}
}

// New wraps informer (already configured with its ListWatch and resync
// period by the caller) into a Reflector. convert adapts the informer's
// bare interface{} into T, returning false for objects of an unexpected
// concrete type (defensive against a misconfigured informer, not an
// expected runtime path).
func New[T runtime.Object](name string, informer cache.SharedIndexInformer, convert func(interface{}) (T, bool)) *Reflector[T] {
	r := &Reflector[T]{
		name:        name,
		informer:    informer,
		convert:     convert,
		subscribers: make(map[chan Event[T]]struct{}),
		stopCh:      make(chan struct{}),
	}

	_, _ = informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { r.publish(EventAdd, obj) },
		UpdateFunc: func(_, obj interface{}) { r.publish(EventUpdate, obj) },
		DeleteFunc: func(obj interface{}) { r.publish(EventDelete, obj) },
	})

	return r
}

// Run starts the informer. It blocks until ctx is cancelled, at which point
// every subscriber channel is closed.
func (r *Reflector[T]) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		close(r.stopCh)
	}()

	log.WithField(logfields.Object, r.name).Info("starting reflector")
	r.informer.Run(r.stopCh)

	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subscribers {
		close(ch)
	}
	r.subscribers = nil
}

// WaitForSync blocks until the informer's initial list has been processed,
// or timeout elapses (default 30s per spec.md §4.3/§5).
func (r *Reflector[T]) WaitForSync(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultSyncTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if ok := cache.WaitForCacheSync(waitCtx.Done(), r.informer.HasSynced); !ok {
		return errors.New(errors.StoreNotReady, "reflector.WaitForSync", fmt.Errorf("%s did not sync within %s", r.name, timeout))
	}
	return nil
}

// Subscribe returns a channel of every Event this reflector observes from
// this point forward. The channel is buffered; once a subscriber's buffer
// is full, dispatch blocks on it, which also holds up delivery to every
// other subscriber of this reflector. The channel is closed when Run's
// context is cancelled.
func (r *Reflector[T]) Subscribe() <-chan Event[T] {
	ch := make(chan Event[T], subscriberBufferSize)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribers == nil {
		close(ch)
		return ch
	}
	r.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe stops fanning events to ch and closes it.
func (r *Reflector[T]) Unsubscribe(ch <-chan Event[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.subscribers {
		if c == ch {
			delete(r.subscribers, c)
			close(c)
			return
		}
	}
}

func (r *Reflector[T]) publish(kind EventKind, obj interface{}) {
	if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		obj = tombstone.Obj
	}
	typed, ok := r.convert(obj)
	if !ok {
		log.WithField(logfields.Object, r.name).Warn("dropping event for unexpected object type")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subscribers {
		ch <- Event[T]{Kind: kind, Object: typed}
	}
}

// Store exposes read access to the reflector's underlying indexed cache.
type Store[T runtime.Object] struct {
	indexer cache.Indexer
	convert func(interface{}) (T, bool)
}

// NewStore wraps informer's indexer for typed Get/List access.
func NewStore[T runtime.Object](informer cache.SharedIndexInformer, convert func(interface{}) (T, bool)) Store[T] {
	return Store[T]{indexer: informer.GetIndexer(), convert: convert}
}

// NewIndexerStore wraps an already-populated cache.Indexer directly,
// without requiring a running informer. Reconcilers that need a Store
// fixture in tests, or a store over statically-known objects, use this
// instead of NewStore.
func NewIndexerStore[T runtime.Object](indexer cache.Indexer, convert func(interface{}) (T, bool)) Store[T] {
	return Store[T]{indexer: indexer, convert: convert}
}

// Valid reports whether s wraps a real indexer, as opposed to a zero Store
// value. Reconcilers with an optional Store field (e.g. one only wired when
// a CRD is in use) check this before calling Get/List.
func (s Store[T]) Valid() bool {
	return s.indexer != nil
}

// Get looks up a single object by namespace and name.
func (s Store[T]) Get(namespace, name string) (T, bool) {
	var zero T
	key := name
	if namespace != "" {
		key = namespace + "/" + name
	}
	obj, exists, err := s.indexer.GetByKey(key)
	if err != nil || !exists {
		return zero, false
	}
	return s.convert(obj)
}

// List returns every object currently in the store.
func (s Store[T]) List() []T {
	raw := s.indexer.List()
	out := make([]T, 0, len(raw))
	for _, obj := range raw {
		if typed, ok := s.convert(obj); ok {
			out = append(out, typed)
		}
	}
	return out
}
