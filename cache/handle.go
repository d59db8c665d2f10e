package cache

import (
	"context"
	"sync"
)

// Asset is a decoded frame or an assembled volume as produced by a loader.
// The cache only reads its footprint.
type Asset interface {
	SizeInBytes() int64
}

// Future is the asynchronous result of a load.
// Await blocks until the load settles or ctx is done.
type Future interface {
	Await(ctx context.Context) (Asset, error)
}

// LoadHandle is what a loader hands to the cache.
//
//   - Future is required.
//   - Cancel, if set, aborts in-flight work. It is called when the entry is
//     evicted or removed; it may run after the load already finished.
//   - Release, if set, frees resources held outside the cache (GPU buffers,
//     pooled slices). It runs after Cancel on eviction and removal, and on
//     rollback of an asset the cache refused.
type LoadHandle struct {
	Future  Future
	Cancel  func()
	Release func()
}

// VolumeHandle is a LoadHandle for the volume tier. ImageKeys lists the
// frames the volume subsumes, in frame order; these frames are evicted last
// when room is made for the volume. If empty, the keys are taken from the
// settled asset when it implements ImageKeys() []string.
type VolumeHandle struct {
	LoadHandle
	ImageKeys []string
}

// Promise is a Future settled explicitly by the producer.
// The first Resolve or Reject wins; later calls are ignored.
type Promise struct {
	once  sync.Once
	done  chan struct{}
	asset Asset
	err   error
}

// NewPromise returns an unsettled promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolve settles the promise with a.
func (p *Promise) Resolve(a Asset) {
	p.once.Do(func() {
		p.asset = a
		close(p.done)
	})
}

// Reject settles the promise with err.
func (p *Promise) Reject(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once the promise settles.
func (p *Promise) Done() <-chan struct{} { return p.done }

// Await implements Future.
func (p *Promise) Await(ctx context.Context) (Asset, error) {
	select {
	case <-p.done:
		return p.asset, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Task runs a load function in its own goroutine with a cancellable context.
type Task struct {
	*Promise
	cancel context.CancelFunc
}

// Go starts fn and returns a Task tracking it. Cancelling the task cancels
// the context passed to fn; fn decides how quickly to honour it.
func Go(ctx context.Context, fn func(ctx context.Context) (Asset, error)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{Promise: NewPromise(), cancel: cancel}
	go func() {
		defer cancel()
		a, err := fn(ctx)
		if err != nil {
			t.Reject(err)
			return
		}
		t.Resolve(a)
	}()
	return t
}

// Cancel aborts the task's context.
func (t *Task) Cancel() { t.cancel() }

// Handle wraps the task into a LoadHandle with Cancel wired.
// release may be nil.
func (t *Task) Handle(release func()) LoadHandle {
	return LoadHandle{Future: t, Cancel: t.Cancel, Release: release}
}

// Resolved returns a handle whose future is already settled with a.
func Resolved(a Asset) LoadHandle {
	p := NewPromise()
	p.Resolve(a)
	return LoadHandle{Future: p}
}

// Bytes is a trivial Asset reporting a fixed size. Handy for loaders whose
// payload lives elsewhere and for tests.
type Bytes int64

// SizeInBytes implements Asset.
func (b Bytes) SizeInBytes() int64 { return int64(b) }
