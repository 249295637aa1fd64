package chatsync

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNotLoaded is returned by LoadNextPage before any Load.
var ErrNotLoaded = errors.New("list has not been loaded")

// List ties one Cache to the store, the realtime subscription, the
// optimistic manager and the merge engine for a single owner at a time.
type List struct {
	cache      *Cache
	store      Store
	reconciler *Reconciler
	optimistic *Optimistic
	merger     *Merger

	mu    sync.Mutex
	owner string
	gen   uint64
}

// NewList creates an empty list of c backed by store. sub may be nil to
// run without realtime updates.
func NewList(c Collection, store Store, sub Subscriber) *List {
	cache := NewCache(c)
	return &List{
		cache:      cache,
		store:      store,
		reconciler: NewReconciler(cache, sub),
		optimistic: NewOptimistic(cache),
		merger:     NewMerger(cache),
	}
}

// Load makes ownerKey's list the current one: it subscribes to realtime
// updates and replaces the sequence with the first page. Switching owner
// clears the previous owner's entries first. A Load overtaken by a later
// Load or Clear returns without touching the list.
func (l *List) Load(ctx context.Context, ownerKey string) error {
	l.mu.Lock()
	switching := l.owner != ownerKey
	l.owner = ownerKey
	l.gen++
	gen := l.gen
	l.mu.Unlock()

	logger := log.WithFields(log.Fields{"collection": l.cache.coll.Name, "owner": ownerKey})
	if switching {
		l.cache.Clear()
	}
	// Any Clear after this point moves the epoch, so a load pinned to it
	// cannot land on a newer owner's sequence.
	epoch := l.cache.Epoch()
	if !l.current(gen) {
		logger.Debug("load superseded before subscribe")
		return nil
	}

	if l.reconciler.sub != nil {
		valid := func() bool { return l.current(gen) }
		if err := l.reconciler.subscribe(ctx, ownerKey, valid); err != nil {
			logger.WithError(err).Warn("realtime subscription failed, list will not receive live updates")
		}
	}
	if !l.current(gen) {
		logger.Debug("load superseded before first page")
		return nil
	}

	if err := l.cache.loadFirstAt(ctx, epoch, l.fetcher(ownerKey)); err != nil {
		return err
	}
	logger.WithField("entries", l.cache.Len()).Debug("list loaded")
	return nil
}

func (l *List) current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen == gen
}

// LoadNextPage fetches the next page of the current owner's list.
func (l *List) LoadNextPage(ctx context.Context) error {
	owner := l.Owner()
	if owner == "" {
		return ErrNotLoaded
	}
	return l.cache.LoadNext(ctx, l.fetcher(owner))
}

func (l *List) fetcher(owner string) PageFunc {
	c := l.cache.coll
	return func(ctx context.Context, page int) (*ListResult, error) {
		res, err := l.store.ListPage(ctx, ListQuery{
			Collection: c,
			OwnerKey:   owner,
			Page:       page,
			PageSize:   c.PageSize,
		})
		if err != nil {
			pageLoads.WithLabelValues(c.Name, "error").Inc()
			return nil, err
		}
		pageLoads.WithLabelValues(c.Name, "ok").Inc()
		return res, nil
	}
}

// Clear tears down the realtime subscription and empties the list. Loads
// still in flight are discarded when they complete.
func (l *List) Clear() {
	l.mu.Lock()
	l.owner = ""
	l.gen++
	l.mu.Unlock()

	if err := l.reconciler.Unsubscribe(); err != nil {
		log.WithError(err).WithField("collection", l.cache.coll.Name).Warn("failed to unsubscribe")
	}
	l.cache.Clear()
}

// Owner returns the owner key the list is scoped to.
func (l *List) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// Snapshot returns the current ordered entries and pagination flags.
func (l *List) Snapshot() Snapshot { return l.cache.Snapshot() }

// Observe registers fn for every change to the list.
func (l *List) Observe(fn func(Snapshot)) func() { return l.cache.Observe(fn) }

// Cache exposes the underlying mutation surface.
func (l *List) Cache() *Cache { return l.cache }

// Reconciler returns the list's realtime reconciler.
func (l *List) Reconciler() *Reconciler { return l.reconciler }

// Optimistic returns the list's placeholder manager.
func (l *List) Optimistic() *Optimistic { return l.optimistic }

// Merger returns the list's streaming merge engine.
func (l *List) Merger() *Merger { return l.merger }
