package dispatcher

import (
	"context"
	"sync"
)

// laneLimiter bounds how many jobs from one priority lane run at once. The
// dispatcher runs the high lane fully parallel and the low lane inline, so
// only the normal lane carries a limiter. It holds no lifecycle state: the
// dispatch cycle's own WaitGroup accounts for in-flight work, which keeps
// the limiter reusable across Stop/Start.
type laneLimiter struct {
	slots chan struct{}
}

func newLaneLimiter(size int) *laneLimiter {
	if size <= 0 {
		size = 1
	}
	return &laneLimiter{slots: make(chan struct{}, size)}
}

// Go runs fn on its own goroutine once a lane slot frees up, registering the
// work with wg before it starts. It reports false without running fn when ctx
// is cancelled while waiting for a slot.
func (l *laneLimiter) Go(ctx context.Context, wg *sync.WaitGroup, fn func()) bool {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return false
	}

	wg.Add(1)
	go func() {
		defer func() {
			<-l.slots
			wg.Done()
		}()
		fn()
	}()
	return true
}
