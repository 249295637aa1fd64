package chatsync

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Reconciler applies realtime notifications to one list and manages the
// subscription that produces them. At most one subscription is active per
// reconciler; switching owner tears the previous one down first.
type Reconciler struct {
	cache *Cache
	sub   Subscriber

	mu      sync.Mutex
	owner   string
	current Subscription
	epoch   uint64
}

// NewReconciler creates a reconciler writing into cache. sub may be nil
// when events are fed to Apply directly.
func NewReconciler(cache *Cache, sub Subscriber) *Reconciler {
	return &Reconciler{cache: cache, sub: sub}
}

// Apply folds one notification into the list. Updates and deletes for ids
// that are not present are ignored. It reports whether the list changed.
func (r *Reconciler) Apply(ev RecordEvent) bool {
	var changed bool
	switch ev.Action {
	case ActionCreate:
		evicted := r.cache.Promote(ev.Record, keepStreamed)
		if evicted > 0 {
			log.WithFields(log.Fields{
				"collection": r.cache.coll.Name,
				"id":         ev.Record.ID,
				"evicted":    evicted,
			}).Debug("promoted authoritative entry")
		}
		changed = true
	case ActionUpdate:
		incoming := ev.Record
		changed = r.cache.Update(incoming.ID, func(existing Entry) (Entry, bool) {
			return keepStreamed(existing, incoming), true
		})
	case ActionDelete:
		changed = r.cache.Remove(ev.Record.ID)
	default:
		log.WithField("action", ev.Action).Warn("ignoring realtime event with unknown action")
	}

	result := "applied"
	if !changed {
		result = "ignored"
		log.WithFields(log.Fields{
			"collection": r.cache.coll.Name,
			"action":     ev.Action,
			"id":         ev.Record.ID,
		}).Debug("realtime event had no target")
	}
	realtimeEvents.WithLabelValues(r.cache.coll.Name, string(ev.Action), result).Inc()
	return changed
}

// Owner returns the owner key of the active subscription, if any.
func (r *Reconciler) Owner() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

// Subscribe starts applying realtime events for ownerKey's list. Calling it
// again with the same key is a no-op; a different key replaces the active
// subscription.
func (r *Reconciler) Subscribe(ctx context.Context, ownerKey string) error {
	return r.subscribe(ctx, ownerKey, nil)
}

// subscribe is Subscribe that first checks valid under the reconciler's
// lock and does nothing if it reports false.
func (r *Reconciler) subscribe(ctx context.Context, ownerKey string, valid func() bool) error {
	if r.sub == nil {
		return errors.New("reconciler has no subscriber")
	}

	r.mu.Lock()
	if valid != nil && !valid() {
		r.mu.Unlock()
		return nil
	}
	if r.current != nil && r.owner == ownerKey {
		r.mu.Unlock()
		return nil
	}
	prev := r.current
	r.current = nil
	r.owner = ownerKey
	r.epoch++
	epoch := r.epoch
	r.mu.Unlock()

	if prev != nil {
		if err := prev.Unsubscribe(); err != nil {
			log.WithError(err).Warn("failed to close previous subscription")
		}
	}

	q := SubscribeQuery{Collection: r.cache.coll, OwnerKey: ownerKey}
	s, err := r.sub.Subscribe(ctx, q, func(ev RecordEvent) {
		if !r.active(epoch) {
			return
		}
		if ev.Record.ParentID != "" && ev.Record.ParentID != ownerKey {
			log.WithFields(log.Fields{"owner": ownerKey, "parent": ev.Record.ParentID}).Debug("dropping event for another owner")
			return
		}
		r.Apply(ev)
	})
	if err != nil {
		r.mu.Lock()
		if r.epoch == epoch {
			r.owner = ""
		}
		r.mu.Unlock()
		return errors.Wrapf(err, "subscribe %s for %q", r.cache.coll.Name, ownerKey)
	}

	r.mu.Lock()
	if r.epoch != epoch {
		// Torn down or re-targeted while the subscribe was in flight.
		r.mu.Unlock()
		return s.Unsubscribe()
	}
	r.current = s
	r.mu.Unlock()
	return nil
}

// Unsubscribe closes the active subscription. Subscribes still in flight
// are closed as soon as they complete. Safe to call repeatedly.
func (r *Reconciler) Unsubscribe() error {
	r.mu.Lock()
	s := r.current
	r.current = nil
	r.owner = ""
	r.epoch++
	r.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Unsubscribe()
}

func (r *Reconciler) active(epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch == epoch
}
