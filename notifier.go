package netdicom

import (
	"context"
	"sync"
)

// ArrivalNotifier is a counting wake-up for a downstream consumer of stored
// images. Signal adds to the count; Wait takes all of it.
//
// A ServiceProvider signals only when an association is released. Images
// committed to the watch directory by an association that is later aborted
// stay there but produce no wake-up of their own.
type ArrivalNotifier struct {
	mu    sync.Mutex
	count int
	ch    chan struct{}
}

func NewArrivalNotifier() *ArrivalNotifier {
	return &ArrivalNotifier{ch: make(chan struct{}, 1)}
}

// Signal reports n newly stored images. n <= 0 is ignored.
func (a *ArrivalNotifier) Signal(n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	a.count += n
	a.mu.Unlock()
	select {
	case a.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the count is positive, then returns it and resets it to
// zero.
func (a *ArrivalNotifier) Wait(ctx context.Context) (int, error) {
	for {
		if n := a.take(); n > 0 {
			return n, nil
		}
		select {
		case <-a.ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// C is readable after a Signal. Use Wait or Pending to collect the count.
func (a *ArrivalNotifier) C() <-chan struct{} { return a.ch }

// Pending returns and resets the count without blocking.
func (a *ArrivalNotifier) Pending() int { return a.take() }

func (a *ArrivalNotifier) take() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.count
	a.count = 0
	return n
}
