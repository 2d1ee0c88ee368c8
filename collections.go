// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"context"
	"sync"

	"github.com/couchbase/gocbcore/internal/clog"
)

// collectionKey identifies a (scope, collection) pair within a bucket.
type collectionKey struct {
	scope      string
	collection string
}

// collectionEntry is one resolved (scope,collection) -> cid mapping,
// tagged with the manifest uid it was seen under.
type collectionEntry struct {
	cid         uint32
	manifestUID uint64
}

// collectionResolveFunc issues GET_COLLECTION_ID against the cluster and
// returns the resolved entry. It is supplied by the agent/kvmux layer so
// this package stays independent of the connection machinery.
type collectionResolveFunc func(ctx context.Context, scope, collection string) (collectionEntry, error)

// collectionResolver caches (scope,collection) -> cid, guaranteeing
// at-most-one concurrent resolution per key: concurrent callers for a
// cold key attach to the same in-flight resolution instead of each
// issuing their own GET_COLLECTION_ID.
type collectionResolver struct {
	resolve collectionResolveFunc

	mu       sync.RWMutex
	cache    map[collectionKey]collectionEntry
	inflight map[collectionKey]*inflightResolve
}

type inflightResolve struct {
	done  chan struct{}
	entry collectionEntry
	err   error
}

func newCollectionResolver(resolve collectionResolveFunc) *collectionResolver {
	return &collectionResolver{
		resolve:  resolve,
		cache:    make(map[collectionKey]collectionEntry),
		inflight: make(map[collectionKey]*inflightResolve),
	}
}

// Resolve returns the numeric collection id for (scope, collection),
// resolving on cache miss and coalescing concurrent misses for the same
// key into a single GET_COLLECTION_ID.
func (r *collectionResolver) Resolve(ctx context.Context, scope, collection string) (uint32, error) {
	key := collectionKey{scope, collection}

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return entry.cid, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return entry.cid, nil
	}
	if inflight, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		return r.waitInflight(ctx, inflight)
	}

	inflight := &inflightResolve{done: make(chan struct{})}
	r.inflight[key] = inflight
	r.mu.Unlock()

	clog.Debugf("collections: resolving %s.%s", scope, collection)
	entry, err := r.resolve(ctx, scope, collection)
	inflight.entry, inflight.err = entry, err
	close(inflight.done)

	r.mu.Lock()
	delete(r.inflight, key)
	if err == nil {
		r.cache[key] = entry
	}
	r.mu.Unlock()

	if err != nil {
		return 0, err
	}
	return entry.cid, nil
}

func (r *collectionResolver) waitInflight(ctx context.Context, inflight *inflightResolve) (uint32, error) {
	select {
	case <-inflight.done:
		if inflight.err != nil {
			return 0, inflight.err
		}
		return inflight.entry.cid, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Invalidate drops the cached entry for (scope, collection), forcing the
// next Resolve to re-issue GET_COLLECTION_ID. Called when an operation
// returns UnknownCollection.
func (r *collectionResolver) Invalidate(scope, collection string) {
	key := collectionKey{scope, collection}
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
	clog.Infof("collections: invalidated cache entry for %s.%s", scope, collection)
}

// ResolveAndRetryOnUnknown resolves (scope, collection), invokes op with
// the resolved cid, and if op reports UnknownCollection, invalidates the
// cache entry and retries op exactly once with a freshly resolved cid.
func (r *collectionResolver) ResolveAndRetryOnUnknown(
	ctx context.Context, scope, collection string, op func(cid uint32) error,
) error {
	cid, err := r.Resolve(ctx, scope, collection)
	if err != nil {
		return err
	}
	err = op(cid)
	if !isUnknownCollectionErr(err) {
		return err
	}

	r.Invalidate(scope, collection)
	cid, err = r.Resolve(ctx, scope, collection)
	if err != nil {
		return err
	}
	return op(cid)
}

func isUnknownCollectionErr(err error) bool {
	return IsKind(err, ErrCollectionNotFound)
}
