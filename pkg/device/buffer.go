package device

import (
	"context"
	"sync"
	"time"
)

type dispatchItem struct {
	client    Client
	data      any
	err       error
	timestamp time.Time
}

// dispatchBuffer is the FIFO between the fetch and dispatch loops. Put blocks
// while the buffer holds capacity items; a capacity of zero is unbounded.
type dispatchBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []dispatchItem
	capacity int
}

func newDispatchBuffer(capacity int) *dispatchBuffer {
	b := &dispatchBuffer{capacity: capacity}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *dispatchBuffer) full() bool {
	return b.capacity > 0 && len(b.items) >= b.capacity
}

// wakeOnDone wakes all waiters when ctx is done. Must be called with b.mu
// held; the returned func stops the registration.
func (b *dispatchBuffer) wakeOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
}

func (b *dispatchBuffer) Put(ctx context.Context, it dispatchItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.full() {
		stop := b.wakeOnDone(ctx)
		defer stop()
		for b.full() {
			if err := ctx.Err(); err != nil {
				return err
			}
			b.cond.Wait()
		}
	}

	b.items = append(b.items, it)
	b.cond.Broadcast()
	return nil
}

func (b *dispatchBuffer) Get(ctx context.Context) (dispatchItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		stop := b.wakeOnDone(ctx)
		defer stop()
		for len(b.items) == 0 {
			if err := ctx.Err(); err != nil {
				return dispatchItem{}, err
			}
			b.cond.Wait()
		}
	}

	it := b.items[0]
	b.items[0] = dispatchItem{}
	b.items = b.items[1:]
	b.cond.Broadcast()
	return it, nil
}

func (b *dispatchBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
