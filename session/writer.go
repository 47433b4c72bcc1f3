package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshrail/gatekit/store"
)

type cacheWrite struct {
	key   string
	value string
	ttl   time.Duration
}

// cacheWriter performs best-effort cache population off the response path.
// Writes are queued on a bounded channel and dropped, not blocked on, when
// the queue is full.
type cacheWriter struct {
	cache     store.KV
	timeout   time.Duration
	ch        chan cacheWrite
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once

	// onWrite, when set, observes every completed write attempt. Tests use
	// it to assert population without coupling the response path to it.
	onWrite func(key string, err error)
}

func newCacheWriter(cache store.KV, buffer int, timeout time.Duration, onWrite func(string, error)) *cacheWriter {
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	w := &cacheWriter{
		cache:   cache,
		timeout: timeout,
		ch:      make(chan cacheWrite, buffer),
		done:    make(chan struct{}),
		onWrite: onWrite,
	}

	w.wg.Add(1)
	go w.run()

	return w
}

func (w *cacheWriter) run() {
	defer w.wg.Done()

	for {
		select {
		case write := <-w.ch:
			w.apply(write)
		case <-w.done:
			for {
				select {
				case write := <-w.ch:
					w.apply(write)
				default:
					return
				}
			}
		}
	}
}

func (w *cacheWriter) apply(write cacheWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	err := w.cache.Set(ctx, write.key, write.value, write.ttl)
	if err != nil {
		w.failed.Add(1)
	}
	if w.onWrite != nil {
		w.onWrite(write.key, err)
	}
}

// enqueue submits a write and returns immediately. Full queue and closed
// writer both drop the write.
func (w *cacheWriter) enqueue(write cacheWrite) {
	if w == nil || w.closed.Load() {
		return
	}

	select {
	case w.ch <- write:
	case <-w.done:
	default:
		w.dropped.Add(1)
	}
}

func (w *cacheWriter) close() {
	if w == nil {
		return
	}
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.done)
		w.wg.Wait()
	})
}

func (w *cacheWriter) droppedCount() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *cacheWriter) failedCount() uint64 {
	if w == nil {
		return 0
	}
	return w.failed.Load()
}
