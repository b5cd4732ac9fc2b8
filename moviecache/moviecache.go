// Package moviecache implements MovieCache, spec.md §4.4's pre-roll ring
// buffer: a FIFO of recent framebuffers and sample buffers interposed
// between the graph and MovieOutput, so that starting to write can rewind
// the recording by up to cacheBuffersDuration seconds.
//
// The FIFO is a container/list.List, following the corpus's preference for
// stdlib containers over a hand-rolled ring slice; jonoton-go-framebuffer's
// Buffer keeps its frame history in a plain slice mutated through a
// config channel, and this package keeps the same "mutate the live
// structure directly under a lock" shape rather than introducing a
// separate command queue.
package moviecache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/e7canasta/moviepipe/framebuffer"
	"github.com/e7canasta/moviepipe/pixelbuffer"
	"github.com/e7canasta/moviepipe/samplebuffer"
	"github.com/e7canasta/moviepipe/timestamp"
)

// State is MovieCache's lifecycle state, per spec.md §4.4.
type State int

const (
	StateUnknown State = iota
	StateIdle
	StateCaching
	StateWriting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCaching:
		return "caching"
	case StateWriting:
		return "writing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var allowedTransitions = map[State]map[State]bool{
	StateUnknown: {StateIdle: true},
	StateIdle:    {StateCaching: true},
	StateCaching: {StateWriting: true, StateIdle: true},
	StateWriting: {StateStopped: true, StateIdle: true},
	StateStopped: {StateIdle: true},
}

// Sink is what MovieCache drains into: the subset of movieoutput.Output's
// API needed to forward a cached item once writing starts. *movieoutput.Output
// satisfies this interface without either package importing the other's
// concrete type, following the corpus's small-interface-at-the-call-site
// convention.
type Sink interface {
	NewFramebufferAvailable(fb *framebuffer.Framebuffer, sourceIndex int) error
	ProcessVideoBuffer(sample *samplebuffer.Buffer, invalidateWhenDone bool, pool *pixelbuffer.Pool) error
	ProcessAudioBuffer(sample *samplebuffer.Buffer) error
}

type itemKind int

const (
	kindFramebuffer itemKind = iota
	kindVideoSample
	kindAudioSample
)

type cachedItem struct {
	kind   itemKind
	fb     *framebuffer.Framebuffer
	sample *samplebuffer.Buffer
	ts     timestamp.T
}

// Config configures a Cache.
type Config struct {
	// CacheBuffersDuration is the pre-roll window length in seconds.
	CacheBuffersDuration float64
	// MaxBuffers caps the ring by item count in addition to age, resolving
	// spec.md §9's Open Question about a platform-specific count threshold
	// as configuration rather than a hard-coded constant. 0 disables it.
	MaxBuffers int
	// DrainBudget bounds how long one Drain call may run before yielding
	// back to the caller's display loop; defaults to 1/40s per spec.md §4.4.
	DrainBudget time.Duration
	// Pool is passed through to ProcessVideoBuffer's invalidate-when-done
	// path during drain.
	Pool *pixelbuffer.Pool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DrainBudget <= 0 {
		out.DrainBudget = time.Second / 40
	}
	return out
}

// Cache is spec.md §4.4's MovieCache.
type Cache struct {
	cfg Config

	mu    sync.Mutex
	state State
	items *list.List
	sink  Sink

	newestTS timestamp.T
	haveNewest bool
}

// New constructs an idle-ready Cache.
func New(cfg Config) *Cache {
	c := &Cache{cfg: cfg.withDefaults(), items: list.New(), state: StateUnknown}
	return c
}

func (c *Cache) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(to)
}

func (c *Cache) transitionLocked(to State) error {
	if !allowedTransitions[c.state][to] {
		return &ErrInvalidTransition{From: c.state, To: to}
	}
	c.state = to
	return nil
}

// State returns the cache's current lifecycle state.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Len reports the number of items currently held in the ring.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// Start transitions Unknown->Idle.
func (c *Cache) Start() error { return c.transition(StateIdle) }

// StartCaching transitions Idle->Caching: incoming items begin
// accumulating in the ring.
func (c *Cache) StartCaching() error { return c.transition(StateCaching) }

// PushFramebuffer offers a framebuffer to the cache. In Caching state it is
// retained (and Locked, taking an owned reference) subject to eviction; in
// Writing state it is forwarded directly to the sink, bypassing the ring;
// otherwise it is dropped.
func (c *Cache) PushFramebuffer(fb *framebuffer.Framebuffer, sourceIndex int) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateCaching:
		fb.Lock()
		c.enqueue(cachedItem{kind: kindFramebuffer, fb: fb, ts: fb.Timestamp()})
		return nil
	case StateWriting:
		sink := c.sinkRef()
		if sink == nil {
			return ErrNoSinkAttached
		}
		return sink.NewFramebufferAvailable(fb, sourceIndex)
	default:
		return nil
	}
}

// PushVideoSample offers a raw video sample buffer to the cache, following
// the same Caching/Writing/otherwise dispatch as PushFramebuffer.
func (c *Cache) PushVideoSample(sample *samplebuffer.Buffer) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateCaching:
		c.enqueue(cachedItem{kind: kindVideoSample, sample: sample, ts: sample.Timestamp()})
		return nil
	case StateWriting:
		sink := c.sinkRef()
		if sink == nil {
			return ErrNoSinkAttached
		}
		return sink.ProcessVideoBuffer(sample, false, c.cfg.Pool)
	default:
		return nil
	}
}

// PushAudioSample offers an audio sample buffer to the cache.
func (c *Cache) PushAudioSample(sample *samplebuffer.Buffer) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateCaching:
		c.enqueue(cachedItem{kind: kindAudioSample, sample: sample, ts: sample.Timestamp()})
		return nil
	case StateWriting:
		sink := c.sinkRef()
		if sink == nil {
			return ErrNoSinkAttached
		}
		return sink.ProcessAudioBuffer(sample)
	default:
		return nil
	}
}

func (c *Cache) sinkRef() Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

// enqueue appends item and evicts from the front per spec.md §4.4's
// age-based and (optional) count-based policy.
func (c *Cache) enqueue(item cachedItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items.PushBack(&item)
	if !c.haveNewest || item.ts.After(c.newestTS) {
		c.newestTS = item.ts
		c.haveNewest = true
	}
	c.evictLocked()
}

func (c *Cache) evictLocked() {
	for c.items.Len() > 0 {
		front := c.items.Front().Value.(*cachedItem)
		tooOld := c.cfg.CacheBuffersDuration > 0 && c.newestTS.Sub(front.ts) > c.cfg.CacheBuffersDuration
		tooMany := c.cfg.MaxBuffers > 0 && c.items.Len() > c.cfg.MaxBuffers
		if !tooOld && !tooMany {
			break
		}
		c.items.Remove(c.items.Front())
		if front.kind == kindFramebuffer && front.fb != nil {
			front.fb.Unlock()
		}
	}
}

// StartWriting attaches sink and transitions Caching->Writing, per spec.md
// §4.4. Draining the accumulated pre-roll happens across subsequent Drain
// calls, not synchronously here, so a single call cannot starve the
// display loop.
func (c *Cache) StartWriting(sink Sink) error {
	if sink == nil {
		return ErrNoSinkAttached
	}
	if err := c.transition(StateWriting); err != nil {
		return err
	}
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
	return nil
}

// Drain forwards queued items to the attached sink in FIFO order, spending
// at most cfg.DrainBudget before returning so callers can pump it once per
// display-refresh tick without starving the frame loop. It returns the
// number of items drained.
func (c *Cache) Drain() (int, error) {
	sink := c.sinkRef()
	if sink == nil {
		return 0, ErrNoSinkAttached
	}

	deadline := time.Now().Add(c.cfg.DrainBudget)
	drained := 0
	for {
		if time.Now().After(deadline) {
			break
		}
		c.mu.Lock()
		if c.items.Len() == 0 {
			c.mu.Unlock()
			break
		}
		front := c.items.Remove(c.items.Front()).(*cachedItem)
		c.mu.Unlock()

		if err := c.dispatch(sink, front); err != nil {
			return drained, fmt.Errorf("moviecache: drain dispatch failed: %w", err)
		}
		drained++
	}
	return drained, nil
}

func (c *Cache) dispatch(sink Sink, item *cachedItem) error {
	switch item.kind {
	case kindFramebuffer:
		err := sink.NewFramebufferAvailable(item.fb, 0)
		item.fb.Unlock()
		return err
	case kindVideoSample:
		return sink.ProcessVideoBuffer(item.sample, false, c.cfg.Pool)
	case kindAudioSample:
		return sink.ProcessAudioBuffer(item.sample)
	default:
		return nil
	}
}

// StopWriting releases the sink reference and clears remaining cached
// items, transitioning Writing->Stopped->Idle.
func (c *Cache) StopWriting() error {
	if err := c.transition(StateStopped); err != nil {
		return err
	}
	c.clear()
	return c.transition(StateIdle)
}

// CancelWriting is StopWriting's immediate-abort counterpart: same cleanup,
// but reachable directly from Writing without passing through Stopped.
func (c *Cache) CancelWriting() error {
	c.mu.Lock()
	c.sink = nil
	c.mu.Unlock()
	c.clear()
	return c.transition(StateIdle)
}

func (c *Cache) clear() {
	c.mu.Lock()
	items := c.items
	c.items = list.New()
	c.sink = nil
	c.haveNewest = false
	c.mu.Unlock()

	for e := items.Front(); e != nil; e = e.Next() {
		item := e.Value.(*cachedItem)
		if item.kind == kindFramebuffer && item.fb != nil {
			item.fb.Unlock()
		}
	}
}

// PreRollSpan reports newest-minus-oldest timestamp span currently held,
// used by tests to verify testable property 3 (pre-roll bound).
func (c *Cache) PreRollSpan() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items.Len() == 0 {
		return 0
	}
	front := c.items.Front().Value.(*cachedItem)
	return c.newestTS.Sub(front.ts)
}
