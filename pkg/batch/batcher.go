package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrStopped is returned by Add after Stop.
	ErrStopped = errors.New("batcher stopped")
	// ErrFull is returned by Add when MaxPending items are already queued.
	ErrFull = errors.New("batcher queue full")
)

// FlushFunc handles one batch. Items are passed in the order they were added.
type FlushFunc[T any] func(ctx context.Context, items []T) error

type Config struct {
	// Size triggers a flush as soon as this many items are queued.
	Size int
	// Interval flushes whatever is queued on every tick.
	Interval time.Duration
	// MaxPending bounds the queue while flushes are slow or failing.
	// Zero means unbounded.
	MaxPending int
}

// Batcher groups items and hands them to a FlushFunc from a single
// background goroutine, so batches never overlap.
type Batcher[T any] struct {
	cfg   Config
	flush FlushFunc[T]

	mu      sync.Mutex
	pending []T
	stopped bool
	onError func(error)

	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New[T any](cfg Config, flush FlushFunc[T]) *Batcher[T] {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	b := &Batcher[T]{
		cfg:     cfg,
		flush:   flush,
		pending: make([]T, 0, cfg.Size),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// OnError sets the callback for batches that fail in the background.
func (b *Batcher[T]) OnError(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

func (b *Batcher[T]) Add(item T) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	if b.cfg.MaxPending > 0 && len(b.pending) >= b.cfg.MaxPending {
		b.mu.Unlock()
		return ErrFull
	}
	b.pending = append(b.pending, item)
	full := len(b.pending) >= b.cfg.Size
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Batcher[T]) take() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	items := b.pending
	b.pending = make([]T, 0, b.cfg.Size)
	return items
}

func (b *Batcher[T]) process() {
	items := b.take()
	if len(items) == 0 {
		return
	}
	if err := b.flush(context.Background(), items); err != nil {
		b.mu.Lock()
		onError := b.onError
		b.mu.Unlock()
		if onError != nil {
			onError(err)
		}
	}
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.process()
		case <-b.kick:
			b.process()
		case <-b.stop:
			b.process()
			return
		}
	}
}

// Stop refuses new items, flushes the queued ones and waits for the last
// batch to finish.
func (b *Batcher[T]) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()
		close(b.stop)
	})
	<-b.done
}

func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
