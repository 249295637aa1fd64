package chatsync

import "context"

// Store is the paginated backing store the lists are loaded from.
type Store interface {
	// ListPage returns one page of q.OwnerKey's entries, newest first.
	ListPage(ctx context.Context, q ListQuery) (*ListResult, error)
	// CreateEntry persists a draft and returns the authoritative record.
	CreateEntry(ctx context.Context, c Collection, d Draft) (*Entry, error)
}

// Subscriber delivers realtime mutations for one owner's list.
type Subscriber interface {
	// Subscribe starts delivering events to onEvent, in order, until the
	// returned Subscription is closed.
	Subscribe(ctx context.Context, q SubscribeQuery, onEvent func(RecordEvent)) (Subscription, error)
}

// Subscription is a live realtime subscription.
type Subscription interface {
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe() error
}

// Streamer opens token-streaming generation requests.
type Streamer interface {
	OpenStream(ctx context.Context, req StreamRequest) (*Stream, error)
}

// Backend bundles what a Session needs from the outside world.
type Backend interface {
	Store
	Subscriber
}
