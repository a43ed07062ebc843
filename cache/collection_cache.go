//
// Copyright 2019 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//
// Package cache implements the bounded, concurrency-gated Collection Cache:
// an LRU of CachedCollections keyed by collection name, where the first
// caller to request a missing name performs the (possibly expensive) build
// and every other concurrent caller blocks on that build's completion latch
// rather than repeating it.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/hashicorp/golang-lru/simplelru"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/google/schedviz/analysis/sched"
	"github.com/google/schedviz/topology"
)

// CachedCollection is a collection and its metadata that is stored in the LRU
// cache, together with the completion latch gating concurrent readers.
type CachedCollection struct {
	Collection     *sched.Collection
	SystemTopology *topology.SystemTopology
	// Payload stores arbitrary caller data by a string key.
	Payload map[string]interface{}
	// ready is closed by release() once the collection is fully populated (or
	// has failed to populate; see err).
	ready chan struct{}
	// err holds any error encountered while building the collection.  Once
	// set and released, it poisons the entry: every waiter, present and
	// future, observes it until the entry is evicted or explicitly forgotten.
	err error
}

func newCachedCollection() *CachedCollection {
	return &CachedCollection{
		ready: make(chan struct{}),
	}
}

// wait blocks until release() has been called on the receiver.  At that
// point the receiver should no longer be modified.  Returns the
// CachedCollection's build error, if returning because release was called,
// or the context's error, if the context was cancelled first.
func (cc *CachedCollection) wait(ctx context.Context) error {
	select {
	case <-cc.ready:
		return cc.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release unblocks any outstanding or future wait calls on the receiver.  It
// must only be called once, after the receiver is fully populated (or its err
// field is set) and will no longer be modified.
func (cc *CachedCollection) release() {
	close(cc.ready)
}

// BuildFunc constructs the contents of a newly-inserted cache entry.  It is
// invoked with the cache lock released, so it may take as long as it needs;
// concurrent Get calls for the same name block on its result rather than
// invoking it again.
type BuildFunc func(ctx context.Context) (*sched.Collection, *topology.SystemTopology, error)

// Cache is a bounded, name-keyed, concurrency-gated cache of Collections.
// Its zero value is not usable; construct one with NewCache.
type Cache struct {
	lruCache                  *simplelru.LRU
	mu                        sync.Mutex
	loadTimes                 map[string]time.Time
	cacheAdds, cacheEvictions int
	now                       func() time.Time
}

// NewCache returns a new Cache holding at most cacheSize collections.
func NewCache(cacheSize int) (*Cache, error) {
	lru, err := simplelru.NewLRU(cacheSize, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{
		lruCache:  lru,
		loadTimes: map[string]time.Time{},
		now:       time.Now,
	}, nil
}

// addToCache adds the provided collection, keyed by the specified name, to
// the LRU cache.  If a collection had to be evicted to make room for the new
// one, its total time in the cache is logged.  c.mu must be held.
func (c *Cache) addToCache(collectionName string, collection *CachedCollection) {
	oldestName, _, oldestFound := c.lruCache.GetOldest()
	var oldestLoadTime time.Time
	oldestLoadTimeFound := false
	if oldestFound {
		oldestLoadTime, oldestLoadTimeFound = c.loadTimes[oldestName.(string)]
	}
	evicted := c.lruCache.Add(collectionName, collection)
	c.loadTimes[collectionName] = c.now()
	c.cacheAdds++
	if evicted && oldestLoadTimeFound {
		c.cacheEvictions++
		delete(c.loadTimes, oldestName.(string))
		glog.V(1).Infof("cache: evicted %q after %s in cache", oldestName, c.now().Sub(oldestLoadTime))
	}
}

// Stats returns cache addition and eviction counters, for use in tests and
// diagnostics.
func (c *Cache) Stats() (adds, evictions int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheAdds, c.cacheEvictions
}

// Get returns the named collection, building it with build if it is not
// already cached.  Concurrent calls for the same name that arrive while a
// build is in flight block until that build completes and share its result
// (or its error, per the poison-and-keep policy: a failed build's error is
// cached and returned to every subsequent caller until Forget is called).
func (c *Cache) Get(ctx context.Context, name string, build BuildFunc) (*CachedCollection, error) {
	c.mu.Lock()
	if cached, ok := c.lruCache.Get(name); ok {
		c.mu.Unlock()
		cc, ok := cached.(*CachedCollection)
		if !ok {
			return nil, status.Error(codes.Internal, "unknown type stored in collection cache")
		}
		if err := cc.wait(ctx); err != nil {
			return nil, err
		}
		return cc, nil
	}
	cc := newCachedCollection()
	c.addToCache(name, cc)
	c.mu.Unlock()

	coll, topo, err := build(ctx)
	cc.Collection = coll
	cc.SystemTopology = topo
	cc.err = err
	cc.release()
	if err != nil {
		glog.Warningf("cache: failed to build collection %q: %s", name, err)
		return nil, err
	}
	return cc, nil
}

// Forget evicts the named entry, if present, so that a subsequent Get will
// retry its build rather than replaying a cached error.  It is a no-op if
// the name is not cached.
func (c *Cache) Forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lruCache.Remove(name)
	delete(c.loadTimes, name)
}
