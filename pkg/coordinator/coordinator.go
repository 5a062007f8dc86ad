// Package coordinator keeps per-resource caches of CloudCharge data fresh.
// Each coordinator owns one remote resource, polls it on its own cadence and
// fans updates out to subscribers.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chargebridge/chargebridge/pkg/cloudcharge"
	"github.com/chargebridge/chargebridge/pkg/log"
)

// remoteTimeout bounds every individual remote call. The provider has no
// internal retries, a slow call just fails the cycle and the next tick tries
// again.
const remoteTimeout = 10 * time.Second

// Coordinator polls a single remote resource of type T. Refreshes are
// serialized so at most one fetch is in flight at a time.
type Coordinator[T any] struct {
	name  string
	fetch func(ctx context.Context) (T, error)

	// refreshMu serializes fetches.
	refreshMu sync.Mutex

	mu          sync.Mutex
	interval    time.Duration
	data        T
	hasData     bool
	lastSuccess time.Time
	lastErr     error
	listeners   map[int]func()
	nextID      int

	// wake nudges Run after SetInterval.
	wake chan struct{}
}

// New returns a coordinator that polls with fetch every interval once Run is
// started. name is used for logging only.
func New[T any](name string, interval time.Duration, fetch func(ctx context.Context) (T, error)) *Coordinator[T] {
	return &Coordinator[T]{
		name:      name,
		fetch:     fetch,
		interval:  interval,
		listeners: make(map[int]func()),
		wake:      make(chan struct{}, 1),
	}
}

// Run polls until ctx is canceled. The first refresh happens immediately.
// Transient errors are logged and retried on the next tick. An auth error is
// terminal: the token will not become valid by retrying, so Run returns it.
func (c *Coordinator[T]) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.Interval())
			continue
		case <-timer.C:
		}

		if err := c.Refresh(ctx); err != nil {
			var authErr *cloudcharge.AuthError
			if errors.As(err, &authErr) {
				log.Ctx(ctx).ErrorContext(ctx, "authentication rejected, stopping coordinator",
					slog.String("coordinator", c.name),
					slog.Any("error", err),
				)
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Ctx(ctx).WarnContext(ctx, "refresh failed",
				slog.String("coordinator", c.name),
				slog.Any("error", err),
			)
		}
		timer.Reset(c.Interval())
	}
}

// Refresh fetches the resource once and updates the cache. Concurrent calls
// are serialized. Subscribers are notified only on success.
func (c *Coordinator[T]) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	data, err := c.fetch(ctx)

	c.mu.Lock()
	if err != nil {
		c.lastErr = err
		c.mu.Unlock()
		return err
	}
	c.data = data
	c.hasData = true
	c.lastSuccess = time.Now()
	c.lastErr = nil
	listeners := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return nil
}

// notify runs all subscribers outside of any cache update.
func (c *Coordinator[T]) notify() {
	c.mu.Lock()
	listeners := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Data returns the cached value and whether a refresh has ever succeeded.
// A stale value is kept through failed cycles.
func (c *Coordinator[T]) Data() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data, c.hasData
}

// LastSuccess returns when the cache was last refreshed successfully, zero if
// never.
func (c *Coordinator[T]) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

// LastError returns the error from the most recent cycle, nil after a
// success.
func (c *Coordinator[T]) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Interval returns the current polling cadence.
func (c *Coordinator[T]) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// SetInterval changes the polling cadence. A running Run loop reschedules its
// next tick against the new interval.
func (c *Coordinator[T]) SetInterval(interval time.Duration) {
	c.mu.Lock()
	changed := c.interval != interval
	c.interval = interval
	c.mu.Unlock()

	if changed {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers fn to run after every successful refresh. The returned
// function unsubscribes. fn is called from the refreshing goroutine and must
// not block.
func (c *Coordinator[T]) Subscribe(fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}
