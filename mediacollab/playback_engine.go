package mediacollab

import (
	"sync"
	"time"

	"github.com/e7canasta/moviepipe/pixelbuffer"
	"github.com/e7canasta/moviepipe/timestamp"
)

// syntheticPlayerItem is the default PlayerItem: a fixed-size zero-filled
// pixel buffer served at most once per millisecond, standing in for a real
// display-tap since spec.md §1 treats the display-refresh timer and
// playback engine as abstract collaborators — no library in the example
// corpus implements a queue-of-video-items player.
type syntheticPlayerItem struct {
	mu        sync.Mutex
	status    PlayerItemStatus
	tapOn     bool
	width     int
	height    int
	served    map[int64]bool // per-tick dedup, keyed by whole-millisecond bucket
}

func newSyntheticPlayerItem(width, height int) *syntheticPlayerItem {
	return &syntheticPlayerItem{status: ItemReadyToPlay, tapOn: true, width: width, height: height, served: make(map[int64]bool)}
}

func (i *syntheticPlayerItem) Status() PlayerItemStatus { return i.status }

func (i *syntheticPlayerItem) SetTapEnabled(enabled bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tapOn = enabled
}

func (i *syntheticPlayerItem) HasNewPixelBuffer(at timestamp.T) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.tapOn {
		return false
	}
	bucket := int64(at.Seconds() * 1000)
	return !i.served[bucket]
}

func (i *syntheticPlayerItem) CopyPixelBuffer(at timestamp.T) (*pixelbuffer.Buffer, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	bucket := int64(at.Seconds() * 1000)
	i.served[bucket] = true
	return &pixelbuffer.Buffer{Data: make([]byte, i.width*i.height*4)}, nil
}

// syntheticPlaybackEngine is the default PlaybackEngine: an in-process
// queue-of-items player driven externally by a DisplayRefreshSource tick,
// with rate/seek bookkeeping implemented directly against the wall clock
// rather than a hardware playback pipeline.
type syntheticPlaybackEngine struct {
	mu           sync.Mutex
	items        []PlayerItem
	current      int
	rate         float64
	playStart    time.Time
	playStartAt  timestamp.T
	playing      bool
	didEndCbs    []func()
	stalledCbs   []func()
}

// NewSyntheticPlaybackEngine constructs the default PlaybackEngine adapter.
func NewSyntheticPlaybackEngine() PlaybackEngine {
	return &syntheticPlaybackEngine{rate: 1.0}
}

// NewSyntheticPlayerItem constructs the default PlayerItem, exposed so
// callers can build a queue without reaching into package internals.
func NewSyntheticPlayerItem(width, height int) PlayerItem {
	return newSyntheticPlayerItem(width, height)
}

func (e *syntheticPlaybackEngine) Items() []PlayerItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PlayerItem, len(e.items))
	copy(out, e.items)
	return out
}

func (e *syntheticPlaybackEngine) CurrentItem() PlayerItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current < 0 || e.current >= len(e.items) {
		return nil
	}
	return e.items[e.current]
}

func (e *syntheticPlaybackEngine) Insert(item PlayerItem, after PlayerItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if after == nil {
		e.items = append(e.items, item)
		return
	}
	for i, it := range e.items {
		if it == after {
			e.items = append(e.items[:i+1], append([]PlayerItem{item}, e.items[i+1:]...)...)
			return
		}
	}
	e.items = append(e.items, item)
}

func (e *syntheticPlaybackEngine) Remove(item PlayerItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, it := range e.items {
		if it == item {
			e.items = append(e.items[:i], e.items[i+1:]...)
			if e.current >= i && e.current > 0 {
				e.current--
			}
			return
		}
	}
}

func (e *syntheticPlaybackEngine) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = nil
	e.current = 0
}

func (e *syntheticPlaybackEngine) AdvanceToNextItem() {
	e.mu.Lock()
	atEnd := e.current >= len(e.items)-1
	if !atEnd {
		e.current++
	}
	e.mu.Unlock()
	if atEnd {
		e.fireDidPlayToEnd()
	}
}

func (e *syntheticPlaybackEngine) ReplaceCurrentItem(item PlayerItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current < len(e.items) {
		e.items[e.current] = item
	} else {
		e.items = append(e.items, item)
		e.current = len(e.items) - 1
	}
}

func (e *syntheticPlaybackEngine) Seek(to timestamp.T, toleranceBefore, toleranceAfter timestamp.T, completion func(finished bool)) {
	e.mu.Lock()
	e.playStartAt = to
	e.playStart = time.Now()
	e.mu.Unlock()
	if completion != nil {
		completion(true)
	}
}

func (e *syntheticPlaybackEngine) SetRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rate = rate
	e.playing = rate != 0
	e.playStart = time.Now()
}

func (e *syntheticPlaybackEngine) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

func (e *syntheticPlaybackEngine) CurrentTime() timestamp.T {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.playing {
		return e.playStartAt
	}
	elapsed := time.Since(e.playStart).Seconds() * e.rate
	return e.playStartAt.Add(elapsed)
}

func (e *syntheticPlaybackEngine) Status() PlayerItemStatus {
	if item := e.CurrentItem(); item != nil {
		return item.Status()
	}
	return ItemUnknown
}

func (e *syntheticPlaybackEngine) OnDidPlayToEnd(cb func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.didEndCbs = append(e.didEndCbs, cb)
}

func (e *syntheticPlaybackEngine) OnStalled(cb func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stalledCbs = append(e.stalledCbs, cb)
}

func (e *syntheticPlaybackEngine) fireDidPlayToEnd() {
	e.mu.Lock()
	cbs := append([]func(){}, e.didEndCbs...)
	e.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// tickerRefreshSource is the default DisplayRefreshSource: a time.Ticker
// standing in for a hardware vsync signal, since no vsync primitive exists
// in Go or in the example corpus.
type tickerRefreshSource struct {
	interval time.Duration
	ticker   *time.Ticker
	done     chan struct{}
}

// NewTickerRefreshSource constructs the default DisplayRefreshSource,
// ticking at the given refresh rate (e.g. 60 for 60 Hz).
func NewTickerRefreshSource(hz float64) DisplayRefreshSource {
	if hz <= 0 {
		hz = 60
	}
	return &tickerRefreshSource{interval: time.Duration(float64(time.Second) / hz)}
}

func (s *tickerRefreshSource) Start(tick func()) {
	s.ticker = time.NewTicker(s.interval)
	s.done = make(chan struct{})
	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-s.ticker.C:
				tick()
			}
		}
	}()
}

func (s *tickerRefreshSource) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.done != nil {
		close(s.done)
	}
}
