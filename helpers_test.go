package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var epoch0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// numbered returns entries id-<from>..id-<to> newest first, the way the
// store pages them. Higher numbers are newer.
func numbered(prefix, owner string, from, to int) []Entry {
	out := make([]Entry, 0, from-to+1)
	for i := from; i >= to; i-- {
		out = append(out, Entry{
			ID:        fmt.Sprintf("%s-%d", prefix, i),
			ParentID:  owner,
			Content:   fmt.Sprintf("%s %d", prefix, i),
			Status:    StatusFinal,
			CreatedAt: epoch0.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

func page(items []Entry, n, totalPages, totalItems int) *ListResult {
	return &ListResult{Page: n, PerPage: len(items), TotalPages: totalPages, TotalItems: totalItems, Items: items}
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

// pagesFunc serves fixed pages and counts calls.
type pagesFunc struct {
	mu    sync.Mutex
	pages map[int]*ListResult
	err   error
	calls []int
}

func (p *pagesFunc) fetch(ctx context.Context, n int) (*ListResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, n)
	if p.err != nil {
		return nil, p.err
	}
	res, ok := p.pages[n]
	if !ok {
		return nil, fmt.Errorf("no page %d", n)
	}
	return res, nil
}

func (p *pagesFunc) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// gatedFetch blocks until release is closed, then serves res.
func gatedFetch(started chan<- struct{}, release <-chan struct{}, res *ListResult) PageFunc {
	return func(ctx context.Context, n int) (*ListResult, error) {
		close(started)
		select {
		case <-release:
			return res, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// recorder collects snapshots delivered to an observer.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) observe(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func (r *recorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return Snapshot{}
	}
	return r.snaps[len(r.snaps)-1]
}
