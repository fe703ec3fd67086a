// Package admission bounds how many tool calls may be in flight against the
// same origin at once. Waiters for an origin are admitted strictly in
// arrival order; different origins never block each other.
package admission

import (
	"container/list"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/mcpbridge/internal/net/origins"
)

// LimitSource resolves the concurrency limit for an origin. A limit <= 0
// means unbounded. Implementations are called with the controller's lock
// held and must not call back into the controller.
type LimitSource interface {
	OriginLimit(origin string) int
}

// LimitFunc adapts a function to LimitSource.
type LimitFunc func(origin string) int

// OriginLimit implements LimitSource.
func (f LimitFunc) OriginLimit(origin string) int { return f(origin) }

// Observer receives admission activity for metrics.
type Observer interface {
	AdmissionWaited(origin string, wait time.Duration)
	AdmissionGauge(origin string, inUse, waiting int)
}

type waiter struct {
	ready   chan struct{}
	granted bool
	elem    *list.Element
}

type originState struct {
	inUse int
	queue list.List
}

// Controller is a set of per-origin FIFO semaphores.
type Controller struct {
	limits   LimitSource
	logger   *slog.Logger
	observer Observer

	mu      sync.Mutex
	origins map[string]*originState
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// New creates a controller whose limits are resolved through limits on
// every acquire and release, so policy changes take effect immediately.
func New(limits LimitSource, opts ...Option) *Controller {
	c := &Controller{
		limits:  limits,
		logger:  slog.Default(),
		origins: make(map[string]*originState),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "admission")
	return c
}

func (c *Controller) limitFor(origin string) int {
	if c.limits == nil {
		return 0
	}
	return c.limits.OriginLimit(origin)
}

// Acquire blocks until a slot for origin is available or ctx is done. With
// no limit configured for origin the ticket is returned immediately and no
// shared state is touched.
//
// If ctx ends while waiting, the wait is abandoned. Should the slot have
// been handed over concurrently, it is released again before returning.
func (c *Controller) Acquire(ctx context.Context, origin string) (*Ticket, error) {
	if c.limitFor(origin) <= 0 {
		return &Ticket{origin: origin, unbounded: true}, nil
	}

	c.mu.Lock()
	limit := c.limitFor(origin)
	if limit <= 0 {
		c.mu.Unlock()
		return &Ticket{origin: origin, unbounded: true}, nil
	}
	st := c.stateLocked(origin)
	// A raised limit may leave earlier waiters admissible; serve them first.
	c.admitLocked(origin, st)
	if st.inUse < limit && st.queue.Len() == 0 {
		st.inUse++
		c.gaugeLocked(origin, st)
		c.mu.Unlock()
		return c.newTicket(origin), nil
	}

	w := &waiter{ready: make(chan struct{})}
	w.elem = st.queue.PushBack(w)
	c.gaugeLocked(origin, st)
	c.mu.Unlock()

	start := time.Now()
	select {
	case <-w.ready:
		if c.observer != nil {
			c.observer.AdmissionWaited(origin, time.Since(start))
		}
		return c.newTicket(origin), nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	if w.granted {
		c.mu.Unlock()
		c.logger.Debug("discarding ticket granted after wait was abandoned", "origin", origin)
		c.release(origin)
		return nil, ctx.Err()
	}
	st.queue.Remove(w.elem)
	// Removing a waiter can unblock those behind it if the limit grew.
	c.admitLocked(origin, st)
	c.gcLocked(origin, st)
	c.mu.Unlock()
	return nil, ctx.Err()
}

func (c *Controller) newTicket(origin string) *Ticket {
	return &Ticket{c: c, origin: origin, acquiredAt: time.Now()}
}

func (c *Controller) stateLocked(origin string) *originState {
	st, ok := c.origins[origin]
	if !ok {
		st = &originState{}
		c.origins[origin] = st
	}
	return st
}

// release frees one slot and hands it straight to the head waiter, if any.
// The decrement and the hand-off happen under one lock acquisition so no
// third party can observe the freed slot in between.
func (c *Controller) release(origin string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.origins[origin]
	if !ok || st.inUse == 0 {
		c.logger.Error("release without matching acquire", "origin", origin)
		return
	}
	st.inUse--
	c.admitLocked(origin, st)
	c.gcLocked(origin, st)
}

func (c *Controller) admitLocked(origin string, st *originState) {
	limit := c.limitFor(origin)
	for st.queue.Len() > 0 && (limit <= 0 || st.inUse < limit) {
		front := st.queue.Front()
		w := st.queue.Remove(front).(*waiter)
		w.granted = true
		st.inUse++
		close(w.ready)
	}
	c.gaugeLocked(origin, st)
}

// gcLocked drops idle origins so the map does not grow without bound.
func (c *Controller) gcLocked(origin string, st *originState) {
	if st.inUse == 0 && st.queue.Len() == 0 {
		delete(c.origins, origin)
	}
}

func (c *Controller) gaugeLocked(origin string, st *originState) {
	if c.observer != nil {
		c.observer.AdmissionGauge(origin, st.inUse, st.queue.Len())
	}
}

// AcquireAll acquires one ticket per distinct origin. Origins are
// normalized, deduplicated and acquired in lexicographic order so two calls
// sharing origins cannot deadlock. On failure every ticket already held is
// released and the error is returned.
func (c *Controller) AcquireAll(ctx context.Context, hosts []string) (Tickets, error) {
	unique := origins.Dedupe(hosts)
	tickets := make(Tickets, 0, len(unique))
	for _, origin := range unique {
		t, err := c.Acquire(ctx, origin)
		if err != nil {
			tickets.ReleaseAll()
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// OriginStats is a point-in-time view of one origin.
type OriginStats struct {
	Origin  string `json:"origin"`
	InUse   int    `json:"inUse"`
	Waiting int    `json:"waiting"`
	Limit   int    `json:"limit"`
}

// Stats returns the origins that currently hold or await slots.
func (c *Controller) Stats() []OriginStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]OriginStats, 0, len(c.origins))
	for origin, st := range c.origins {
		out = append(out, OriginStats{
			Origin:  origin,
			InUse:   st.inUse,
			Waiting: st.queue.Len(),
			Limit:   c.limitFor(origin),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}
