package chatsync

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrLoadInProgress is returned when a page fetch is already outstanding
// for the list.
var ErrLoadInProgress = errors.New("page load already in progress")

// PageState is the pagination cursor of one list.
type PageState struct {
	Page       int  `json:"page"`
	TotalPages int  `json:"totalPages"`
	TotalItems int  `json:"totalItems"`
	PageSize   int  `json:"pageSize"`
	Loading    bool `json:"loading"`
}

// HasMore reports whether another page can be requested.
func (p PageState) HasMore() bool {
	return p.Page < p.TotalPages
}

// Snapshot is an immutable view of a list at one version.
type Snapshot struct {
	Entries []Entry   `json:"entries"`
	Page    PageState `json:"page"`
	Version uint64    `json:"version"`
}

// PageFunc fetches one page of a list, newest first.
type PageFunc func(ctx context.Context, page int) (*ListResult, error)

// MergeFunc decides what to store when an incoming record lands on an id
// that is already present.
type MergeFunc func(existing, incoming Entry) Entry

// ============================================================================
// Cache
// ============================================================================

// Cache owns the ordered sequence and pagination cursor of one list. It is
// the only mutation surface for that sequence; every method is atomic with
// respect to the others.
//
// Observers are called synchronously, in mutation order, before the
// mutating call returns. They may read the cache but must not mutate it.
type Cache struct {
	coll Collection

	mu          sync.Mutex
	entries     *orderedmap.OrderedMap[string, Entry]
	provisional map[string]struct{}
	page        PageState
	epoch       uint64
	version     uint64
	observers   map[int]func(Snapshot)
	nextObs     int

	emitMu   sync.Mutex
	emitCond *sync.Cond
	emitted  uint64
}

// NewCache creates an empty cache for one list of c.
func NewCache(c Collection) *Cache {
	cache := &Cache{
		coll:        c,
		entries:     orderedmap.New[string, Entry](),
		provisional: make(map[string]struct{}),
		page:        initialPageState(c),
		observers:   make(map[int]func(Snapshot)),
	}
	cache.emitCond = sync.NewCond(&cache.emitMu)
	return cache
}

func initialPageState(c Collection) PageState {
	return PageState{Page: 1, PageSize: c.PageSize}
}

// Collection returns the list type this cache holds.
func (c *Cache) Collection() Collection { return c.coll }

// ── Read side ────────────────────────────────────────────

// Get returns the entry with the given id.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(id)
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Page returns the pagination cursor.
func (c *Cache) Page() PageState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// Find returns the first entry, in list order, matching fn.
func (c *Cache) Find(fn func(Entry) bool) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := c.entries.Oldest(); p != nil; p = p.Next() {
		if fn(p.Value) {
			return p.Value, true
		}
	}
	return Entry{}, false
}

// Snapshot returns the current ordered view.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Cache) snapshotLocked() Snapshot {
	entries := make([]Entry, 0, c.entries.Len())
	for p := c.entries.Oldest(); p != nil; p = p.Next() {
		entries = append(entries, p.Value)
	}
	return Snapshot{Entries: entries, Page: c.page, Version: c.version}
}

// Observe registers fn to receive a snapshot after every mutation. The
// returned func removes it.
func (c *Cache) Observe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

// ── Mutation primitives ──────────────────────────────────

// Initialize replaces the sequence with the first page.
func (c *Cache) Initialize(res *ListResult) {
	c.mutate(func() bool {
		c.initializeLocked(res)
		return true
	})
}

func (c *Cache) initializeLocked(res *ListResult) {
	c.entries = orderedmap.New[string, Entry]()
	c.provisional = make(map[string]struct{})
	c.page = initialPageState(c.coll)
	if res == nil {
		return
	}
	items := res.Items
	if c.coll.Order == Chronological {
		for i := len(items) - 1; i >= 0; i-- {
			c.setLocked(items[i])
		}
	} else {
		for _, e := range items {
			c.setLocked(e)
		}
	}
	c.setCursorLocked(res)
}

// LoadFirst fetches page one through fetch and initializes the cache with
// it. A Clear issued while the fetch is outstanding discards the result.
func (c *Cache) LoadFirst(ctx context.Context, fetch PageFunc) error {
	return c.load(ctx, fetch, true, nil)
}

// loadFirstAt is LoadFirst pinned to epoch: it does nothing if the cache
// has been cleared since epoch was read.
func (c *Cache) loadFirstAt(ctx context.Context, epoch uint64, fetch PageFunc) error {
	return c.load(ctx, fetch, true, &epoch)
}

// Epoch returns the number of Clear calls so far.
func (c *Cache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// LoadNext fetches the page after the current one and merges it at the
// position the list order dictates. It is a no-op once the last page is
// loaded and fails with ErrLoadInProgress while another fetch is
// outstanding. A failed fetch leaves the sequence untouched.
func (c *Cache) LoadNext(ctx context.Context, fetch PageFunc) error {
	return c.load(ctx, fetch, false, nil)
}

func (c *Cache) load(ctx context.Context, fetch PageFunc, first bool, at *uint64) error {
	var (
		page    int
		epoch   uint64
		started bool
		stale   bool
		err     error
	)
	c.mutate(func() bool {
		if at != nil && *at != c.epoch {
			stale = true
			return false
		}
		if c.page.Loading {
			err = ErrLoadInProgress
			return false
		}
		if !first && !c.page.HasMore() {
			return false
		}
		page = 1
		if !first {
			page = c.page.Page + 1
		}
		epoch = c.epoch
		started = true
		c.page.Loading = true
		return true
	})
	if stale {
		log.WithField("collection", c.coll.Name).Debug("skipping load pinned before clear")
		return nil
	}
	if !started {
		return err
	}

	res, ferr := fetch(ctx, page)

	c.mutate(func() bool {
		if c.epoch != epoch {
			stale = true
			return false
		}
		c.page.Loading = false
		if ferr != nil {
			return true
		}
		if first {
			c.initializeLocked(res)
		} else {
			c.mergePageLocked(res)
		}
		return true
	})
	if ferr != nil {
		return errors.Wrapf(ferr, "load %s page %d", c.coll.Name, page)
	}
	if stale {
		log.WithField("collection", c.coll.Name).WithField("page", page).Debug("discarding page loaded before clear")
	}
	return nil
}

// mergePageLocked joins an older page onto the loaded sequence. Ids that
// are already present were delivered out of band and are kept as they are.
func (c *Cache) mergePageLocked(res *ListResult) {
	if res == nil {
		return
	}
	for _, e := range res.Items {
		if _, ok := c.entries.Get(e.ID); ok {
			log.WithField("collection", c.coll.Name).WithField("id", e.ID).Debug("skipping duplicate from page")
			continue
		}
		c.setLocked(e)
		if c.coll.Order == Chronological {
			_ = c.entries.MoveToFront(e.ID)
		}
	}
	c.setCursorLocked(res)
}

func (c *Cache) setCursorLocked(res *ListResult) {
	c.page.Page = res.Page
	c.page.TotalPages = res.TotalPages
	c.page.TotalItems = res.TotalItems
	if c.page.Page < 1 {
		c.page.Page = 1
	}
}

// Insert places e at pos. An entry already present under e.ID is replaced
// in place instead.
func (c *Cache) Insert(e Entry, pos Position) {
	c.mutate(func() bool {
		c.insertLocked(e, pos)
		return true
	})
}

func (c *Cache) insertLocked(e Entry, pos Position) {
	if _, ok := c.entries.Get(e.ID); ok {
		c.setLocked(e)
		return
	}
	c.setLocked(e)
	if c.coll.Order.resolve(pos) == Head {
		_ = c.entries.MoveToFront(e.ID)
	}
}

// Replace swaps the entry stored under id for e, keeping its position.
// It returns false when id is absent.
func (c *Cache) Replace(id string, e Entry) bool {
	replaced := false
	c.mutate(func() bool {
		replaced = c.replaceLocked(id, e)
		return replaced
	})
	return replaced
}

func (c *Cache) replaceLocked(id string, e Entry) bool {
	if _, ok := c.entries.Get(id); !ok {
		return false
	}
	if e.ID == id {
		c.setLocked(e)
		return true
	}
	// Re-keying: the new id takes the old slot and must stay unique.
	if _, ok := c.entries.Get(e.ID); ok {
		c.deleteLocked(e.ID)
	}
	c.setLocked(e)
	_ = c.entries.MoveAfter(e.ID, id)
	c.deleteLocked(id)
	return true
}

// Update applies fn to the entry stored under id and writes the result
// back in place. fn returning false leaves the cache untouched. Update
// returns whether a write happened.
func (c *Cache) Update(id string, fn func(Entry) (Entry, bool)) bool {
	updated := false
	c.mutate(func() bool {
		cur, ok := c.entries.Get(id)
		if !ok {
			return false
		}
		next, changed := fn(cur.Clone())
		if !changed {
			return false
		}
		updated = c.replaceLocked(id, next)
		return updated
	})
	return updated
}

// Remove deletes the entry stored under id. It returns false when id is
// absent.
func (c *Cache) Remove(id string) bool {
	removed := false
	c.mutate(func() bool {
		if _, ok := c.entries.Get(id); !ok {
			return false
		}
		c.deleteLocked(id)
		removed = true
		return true
	})
	return removed
}

// Promote evicts every provisional entry and inserts e at the newest
// position, in one step. When e.ID is already present, merge decides the
// stored value and the entry keeps its position. It returns the number of
// placeholders evicted.
func (c *Cache) Promote(e Entry, merge MergeFunc) int {
	evicted := 0
	c.mutate(func() bool {
		for id := range c.provisional {
			if id == e.ID {
				continue
			}
			c.deleteLocked(id)
			evicted++
		}
		if cur, ok := c.entries.Get(e.ID); ok && merge != nil {
			e = merge(cur, e)
		}
		c.insertLocked(e, Newest)
		return true
	})
	return evicted
}

// Provisional returns the ids of entries awaiting promotion.
func (c *Cache) Provisional() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.provisional))
	for id := range c.provisional {
		ids = append(ids, id)
	}
	return ids
}

// Clear resets the list to its initial state. Fetches started before the
// clear are discarded when they complete.
func (c *Cache) Clear() {
	c.mutate(func() bool {
		c.entries = orderedmap.New[string, Entry]()
		c.provisional = make(map[string]struct{})
		c.page = initialPageState(c.coll)
		c.epoch++
		return true
	})
}

// ── Internals ────────────────────────────────────────────

func (c *Cache) setLocked(e Entry) {
	c.entries.Set(e.ID, e)
	if e.Provisional {
		c.provisional[e.ID] = struct{}{}
	} else {
		delete(c.provisional, e.ID)
	}
}

func (c *Cache) deleteLocked(id string) {
	c.entries.Delete(id)
	delete(c.provisional, id)
}

// mutate runs fn under the state lock. When fn reports a change, the new
// snapshot is delivered to observers before mutate returns. Deliveries are
// ordered by version without holding the state lock, so observers can read
// the cache.
func (c *Cache) mutate(fn func() bool) {
	c.mu.Lock()
	if !fn() {
		c.mu.Unlock()
		return
	}
	c.version++
	v := c.version
	var (
		snap      Snapshot
		observers []func(Snapshot)
	)
	if len(c.observers) > 0 {
		snap = c.snapshotLocked()
		observers = make([]func(Snapshot), 0, len(c.observers))
		for i := 0; i < c.nextObs; i++ {
			if o, ok := c.observers[i]; ok {
				observers = append(observers, o)
			}
		}
	}
	c.mu.Unlock()

	c.emitMu.Lock()
	for c.emitted != v-1 {
		c.emitCond.Wait()
	}
	c.emitMu.Unlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("collection", c.coll.Name).Errorf("observer panicked: %v", r)
				}
			}()
			o(snap)
		}()
	}

	c.emitMu.Lock()
	c.emitted = v
	c.emitCond.Broadcast()
	c.emitMu.Unlock()
}
