package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/lbsync/bar"
)

// Op names an asynchronous store request.
type Op int

const (
	OpLoad Op = iota + 1
	OpUpdate
	OpLookup
	OpFetch
)

func (o Op) String() string {
	switch o {
	case OpLoad:
		return "load"
	case OpUpdate:
		return "update"
	case OpLookup:
		return "lookup"
	case OpFetch:
		return "fetch"
	}
	return "unknown"
}

// Result is the outcome of one request. Tag is whatever the caller attached.
type Result struct {
	Op       Op
	Tag      interface{}
	Page     Page
	Bundle   Bundle
	Manifest []byte
	Body     []byte
	Err      error
	Took     time.Duration
}

// Async serialises access to a Store: at most one request is outstanding and
// the caller polls for its result instead of blocking.
type Async struct {
	store   Store
	timeout time.Duration
	ctx     context.Context

	busy    atomic.Bool
	results chan Result
	wg      sync.WaitGroup
}

// NewAsync wraps s. Every request runs under timeout and stops when ctx ends.
func NewAsync(ctx context.Context, s Store, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{store: s, timeout: timeout, ctx: ctx, results: make(chan Result, 1)}
}

// Busy reports whether a request is outstanding or its result unread.
func (a *Async) Busy() bool { return a.busy.Load() }

func (a *Async) start(op Op, tag interface{}, fn func(ctx context.Context, r *Result)) bool {
	if !a.busy.CompareAndSwap(false, true) {
		return false
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(a.ctx, a.timeout)
		defer cancel()
		r := Result{Op: op, Tag: tag}
		began := time.Now()
		fn(ctx, &r)
		r.Took = time.Since(began)
		a.results <- r
	}()
	return true
}

// Load starts a listing. It returns false while another request is pending.
func (a *Async) Load(token string) bool {
	return a.start(OpLoad, nil, func(ctx context.Context, r *Result) {
		r.Page, r.Err = a.store.Load(ctx, token)
	})
}

// Update starts an insertion.
func (a *Async) Update(manifest, body []byte, tag interface{}) bool {
	return a.start(OpUpdate, tag, func(ctx context.Context, r *Result) {
		r.Err = a.store.Update(ctx, manifest, body)
	})
}

// Lookup starts a metadata lookup.
func (a *Async) Lookup(prefix bar.BundlePrefix, version uint64, m Match, tag interface{}) bool {
	return a.start(OpLookup, tag, func(ctx context.Context, r *Result) {
		r.Bundle, r.Err = a.store.Lookup(ctx, prefix, version, m)
	})
}

// Fetch starts a content download.
func (a *Async) Fetch(id string, tag interface{}) bool {
	return a.start(OpFetch, tag, func(ctx context.Context, r *Result) {
		r.Manifest, r.Body, r.Err = a.store.Fetch(ctx, id)
	})
}

// Poll returns the finished result, if any, and frees the slot.
func (a *Async) Poll() (Result, bool) {
	select {
	case r := <-a.results:
		a.busy.Store(false)
		return r, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the outstanding request, if any, has finished. Its
// result stays available to Poll.
func (a *Async) Wait() { a.wg.Wait() }
