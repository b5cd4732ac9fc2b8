// Package movieplayer implements MoviePlayer, spec.md §4.2's display-tap
// source: a queue-of-items wrapper around a PlaybackEngine that taps pixel
// buffers on each display refresh and fires time-observer callbacks as
// play-time crosses their targets.
//
// Seek coalescing reuses framesupplier/internal/worker_slot.go's single-slot
// mailbox shape (a stored "next" request overwrites in place, drained once
// the in-flight one completes); time-observer bookkeeping follows
// framebus.Bus's subscribe/unsubscribe-by-id idiom.
package movieplayer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/moviepipe/framebuffer"
	"github.com/e7canasta/moviepipe/framebuffergen"
	"github.com/e7canasta/moviepipe/mediacollab"
	"github.com/e7canasta/moviepipe/timestamp"
)

// LoopDiscipline selects the end-of-item behavior of spec.md §4.2 and §9.
type LoopDiscipline int

const (
	// SeekOnEnd seeks back to the loop range start when playtime reaches the
	// range end. The only implemented discipline.
	SeekOnEnd LoopDiscipline = iota
	// Looper is reserved for a helper-object-per-player-instance looper,
	// disabled in the current configuration per spec.md §4.2.
	Looper
)

// TimeObserverHandle identifies a registered time observer for removal.
type TimeObserverHandle uint64

type timeObserver struct {
	id     TimeObserverHandle
	target timestamp.T
	cb     func()
}

type pendingInsertion struct {
	item    mediacollab.PlayerItem
	after   mediacollab.PlayerItem
	replace bool
}

// Config configures a Player.
type Config struct {
	Engine         mediacollab.PlaybackEngine
	RefreshSource  mediacollab.DisplayRefreshSource
	Generator      *framebuffergen.Generator
	Width, Height  int
	LoopDiscipline LoopDiscipline
}

// Player is spec.md §4.2's MoviePlayer.
type Player struct {
	cfg Config

	mu sync.Mutex

	isPlaying      bool
	isProcessing   bool // re-entrancy guard on the refresh callback
	itemPlayedToEnd bool
	lastPlayerItem mediacollab.PlayerItem
	pendingInsert  *pendingInsertion

	looping   bool
	loopStart timestamp.T
	loopEnd   timestamp.T
	endTimeFired bool

	activeSeek  *timestamp.SeekingInfo
	nextSeeking *timestamp.SeekingInfo

	nextObserverID uint64
	totalObservers []timeObserver // sorted descending by target
	activeObservers []timeObserver

	onFrame func(*framebuffer.Framebuffer)
}

// New constructs a Player, failing fast if the playback engine is nil.
func New(cfg Config) (*Player, error) {
	if cfg.Engine == nil {
		return nil, ErrNilEngine
	}
	p := &Player{cfg: cfg}
	cfg.Engine.OnDidPlayToEnd(p.handleDidPlayToEnd)
	return p, nil
}

// Subscribe registers the callback invoked with each tapped, converted
// framebuffer.
func (p *Player) Subscribe(fn func(*framebuffer.Framebuffer)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFrame = fn
}

// --- Item management -------------------------------------------------

func (p *Player) blocksDirectInsert() bool {
	return len(p.cfg.Engine.Items()) == 1 && p.itemPlayedToEnd && p.cfg.LoopDiscipline == SeekOnEnd
}

// Insert queues item after `after` (nil appends), or defers the insertion
// until the pending did-play-to-end notification drains it, per spec.md
// §4.2's pending-insert rule.
func (p *Player) Insert(item mediacollab.PlayerItem, after mediacollab.PlayerItem) {
	p.mu.Lock()
	if p.blocksDirectInsert() {
		p.pendingInsert = &pendingInsertion{item: item, after: after}
		p.mu.Unlock()
		return
	}
	p.lastPlayerItem = item
	p.mu.Unlock()
	p.cfg.Engine.Insert(item, after)
}

// ReplaceCurrentItem replaces the current item, subject to the same
// pending-insert deferral rule as Insert.
func (p *Player) ReplaceCurrentItem(item mediacollab.PlayerItem) {
	p.mu.Lock()
	if p.blocksDirectInsert() {
		p.pendingInsert = &pendingInsertion{item: item, replace: true}
		p.mu.Unlock()
		return
	}
	p.lastPlayerItem = item
	p.mu.Unlock()
	p.cfg.Engine.ReplaceCurrentItem(item)
}

// Remove removes item from the underlying engine's queue.
func (p *Player) Remove(item mediacollab.PlayerItem) { p.cfg.Engine.Remove(item) }

// RemoveAllItems clears the underlying engine's queue.
func (p *Player) RemoveAllItems() { p.cfg.Engine.RemoveAll() }

// AdvanceToNextItem skips to the next queued item.
func (p *Player) AdvanceToNextItem() { p.cfg.Engine.AdvanceToNextItem() }

// ReplayLastItem re-inserts the most recently played item.
func (p *Player) ReplayLastItem() {
	p.mu.Lock()
	item := p.lastPlayerItem
	p.mu.Unlock()
	if item != nil {
		p.Insert(item, nil)
	}
}

func (p *Player) handleDidPlayToEnd() {
	p.mu.Lock()
	p.itemPlayedToEnd = true
	pending := p.pendingInsert
	p.pendingInsert = nil
	p.mu.Unlock()

	if pending == nil {
		return
	}
	if pending.replace {
		p.cfg.Engine.ReplaceCurrentItem(pending.item)
	} else {
		p.cfg.Engine.Insert(pending.item, pending.after)
	}
	p.mu.Lock()
	p.lastPlayerItem = pending.item
	p.itemPlayedToEnd = false
	p.mu.Unlock()
}

// --- Playback control --------------------------------------------------

// Start begins playback: resets the current session's end-time and
// active-observer bookkeeping and starts the display-refresh source.
func (p *Player) Start() {
	p.mu.Lock()
	p.isPlaying = true
	p.itemPlayedToEnd = false
	p.endTimeFired = false
	p.rebuildActiveObserversLocked()
	p.mu.Unlock()

	p.cfg.Engine.SetRate(1.0)
	p.cfg.RefreshSource.Start(p.tick)
}

// Play resumes playback at normal rate.
func (p *Player) Play() { p.cfg.Engine.SetRate(1.0); p.setPlaying(true) }

// Pause stops playback without releasing the refresh source.
func (p *Player) Pause() { p.cfg.Engine.SetRate(0); p.setPlaying(false) }

// Resume is an alias for Play, matching the public contract's naming.
func (p *Player) Resume() { p.Play() }

// Stop halts playback and the refresh source.
func (p *Player) Stop() {
	p.setPlaying(false)
	p.cfg.Engine.SetRate(0)
	p.cfg.RefreshSource.Stop()
}

// PlayImmediately sets the play rate directly, bypassing ramping.
func (p *Player) PlayImmediately(rate float64) {
	p.cfg.Engine.SetRate(rate)
	p.setPlaying(rate != 0)
}

func (p *Player) setPlaying(playing bool) {
	p.mu.Lock()
	p.isPlaying = playing
	p.mu.Unlock()
}

// SetLoopEnabled toggles the loop-range discipline. When the player is
// configured with Looper, enabling a loop returns
// ErrLoopDisciplineUnsupported and the range is not stored.
func (p *Player) SetLoopEnabled(enabled bool, rangeStart, rangeEnd timestamp.T) error {
	if enabled && p.cfg.LoopDiscipline == Looper {
		return ErrLoopDisciplineUnsupported
	}
	p.mu.Lock()
	p.looping = enabled
	p.loopStart = rangeStart
	p.loopEnd = rangeEnd
	p.endTimeFired = false
	p.rebuildActiveObserversLocked()
	p.mu.Unlock()
	return nil
}

// SeekToTime records a seek request; at most one is ever in flight (spec.md
// §4.2's serialization rule).
func (p *Player) SeekToTime(t timestamp.T, shouldPlayAfterSeeking bool) {
	info := timestamp.SeekingInfo{TargetTime: t, ShouldPlayAfterSeek: shouldPlayAfterSeeking}
	p.mu.Lock()
	if p.activeSeek != nil {
		p.nextSeeking = &info
		p.mu.Unlock()
		return
	}
	if p.cfg.Engine.Status() != mediacollab.ItemReadyToPlay {
		p.nextSeeking = &info
		p.mu.Unlock()
		return
	}
	p.activeSeek = &info
	p.mu.Unlock()

	p.cfg.Engine.Seek(info.TargetTime, info.ToleranceBefore, info.ToleranceAfter, func(finished bool) {
		p.onSeekCompleted(info)
	})
}

func (p *Player) onSeekCompleted(completed timestamp.SeekingInfo) {
	p.mu.Lock()
	next := p.nextSeeking
	p.nextSeeking = nil
	p.activeSeek = nil
	p.itemPlayedToEnd = false
	p.rebuildActiveObserversLocked()
	p.mu.Unlock()

	if next != nil && !next.Equal(completed) {
		p.SeekToTime(next.TargetTime, next.ShouldPlayAfterSeek)
	}
}

// Cleanup stops the refresh source and drops all observer registrations.
// Per spec.md §4.2 it MUST be called before destruction.
func (p *Player) Cleanup() {
	p.cfg.RefreshSource.Stop()
	p.RemoveAllTimeObservers()
}

// --- Time observers ------------------------------------------------

// AddTimeObserver registers cb to fire once currentTime reaches at, during
// this or a future session in whose active range at falls.
func (p *Player) AddTimeObserver(at timestamp.T, cb func()) TimeObserverHandle {
	id := TimeObserverHandle(atomic.AddUint64(&p.nextObserverID, 1))
	obs := timeObserver{id: id, target: at, cb: cb}

	p.mu.Lock()
	defer p.mu.Unlock()
	idx := sort.Search(len(p.totalObservers), func(i int) bool {
		return p.totalObservers[i].target.Seconds() <= at.Seconds()
	})
	p.totalObservers = append(p.totalObservers, timeObserver{})
	copy(p.totalObservers[idx+1:], p.totalObservers[idx:])
	p.totalObservers[idx] = obs

	start, end := p.activeRangeLocked()
	if at.Seconds() >= start.Seconds() && at.Seconds() <= end.Seconds() {
		aidx := sort.Search(len(p.activeObservers), func(i int) bool {
			return p.activeObservers[i].target.Seconds() <= at.Seconds()
		})
		p.activeObservers = append(p.activeObservers, timeObserver{})
		copy(p.activeObservers[aidx+1:], p.activeObservers[aidx:])
		p.activeObservers[aidx] = obs
	}
	return id
}

// RemoveTimeObserver unregisters a single observer.
func (p *Player) RemoveTimeObserver(handle TimeObserverHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalObservers = removeByID(p.totalObservers, handle)
	p.activeObservers = removeByID(p.activeObservers, handle)
}

func removeByID(list []timeObserver, id TimeObserverHandle) []timeObserver {
	out := list[:0]
	for _, o := range list {
		if o.id != id {
			out = append(out, o)
		}
	}
	return out
}

// RemoveAllTimeObservers clears every registered observer.
func (p *Player) RemoveAllTimeObservers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalObservers = nil
	p.activeObservers = nil
}

func (p *Player) rebuildActiveObserversLocked() {
	start, end := p.activeRangeLocked()
	active := make([]timeObserver, 0, len(p.totalObservers))
	for _, o := range p.totalObservers {
		if o.target.Seconds() >= start.Seconds() && o.target.Seconds() <= end.Seconds() {
			active = append(active, o)
		}
	}
	p.activeObservers = active
}

func (p *Player) activeRangeLocked() (timestamp.T, timestamp.T) {
	if p.looping {
		return p.loopStart, p.loopEnd
	}
	return timestamp.Zero, timestamp.New(1<<62, 1)
}

// fireTimeObservers pops and invokes every active observer whose target has
// been reached, at most once per session (property #6).
func (p *Player) fireTimeObservers(currentTime timestamp.T) {
	p.mu.Lock()
	var fired []func()
	for len(p.activeObservers) > 0 {
		last := p.activeObservers[len(p.activeObservers)-1]
		if last.target.Seconds() > currentTime.Seconds() {
			break
		}
		p.activeObservers = p.activeObservers[:len(p.activeObservers)-1]
		fired = append(fired, last.cb)
	}
	p.mu.Unlock()

	for _, cb := range fired {
		cb()
	}
}

// --- Display-refresh tick -------------------------------------------

// Tick runs one display-refresh cycle synchronously. The default
// mediacollab.DisplayRefreshSource calls this internally on every vsync
// tick; it is exported so callers driving their own refresh loop (and
// tests) can invoke the same cycle directly.
func (p *Player) Tick() { p.tick() }

func (p *Player) tick() {
	p.mu.Lock()
	if len(p.cfg.Engine.Items()) == 0 && p.isPlaying && p.lastPlayerItem != nil {
		p.mu.Unlock()
		p.cfg.Engine.Insert(p.lastPlayerItem, nil)
		p.mu.Lock()
	}

	item := p.cfg.Engine.CurrentItem()
	if item == nil || item.Status() != mediacollab.ItemReadyToPlay {
		p.mu.Unlock()
		return
	}
	currentTime := p.cfg.Engine.CurrentTime()
	if currentTime.Seconds() <= 0 {
		p.mu.Unlock()
		return
	}

	if p.looping && !p.endTimeFired && currentTime.Seconds() >= p.loopEnd.Seconds() {
		p.endTimeFired = true
		loop := p.looping
		playing := p.isPlaying
		discipline := p.cfg.LoopDiscipline
		loopStart := p.loopStart
		p.mu.Unlock()
		if discipline == SeekOnEnd && loop && playing {
			p.SeekToTime(loopStart, true)
		}
		return
	}

	hasNew := item.HasNewPixelBuffer(currentTime)
	if !hasNew {
		p.mu.Unlock()
		p.fireTimeObservers(currentTime)
		return
	}
	if p.isProcessing {
		p.mu.Unlock()
		return
	}
	p.isProcessing = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.isProcessing = false
		p.mu.Unlock()
	}()

	if p.looping && (currentTime.Seconds() < p.loopStart.Seconds() || currentTime.Seconds() >= p.loopEnd.Seconds()) {
		// Loop-range out-of-bounds: drop, per scenario S6.
		return
	}

	pb, err := item.CopyPixelBuffer(currentTime)
	if err != nil {
		slog.Debug("movieplayer: copyPixelBuffer failed", "error", err)
		return
	}

	fb, err := p.cfg.Generator.GenerateFramebuffer(context.Background(), pb, p.cfg.Width, p.cfg.Height, currentTime)
	if err != nil {
		slog.Debug("movieplayer: framebuffer generation failed", "error", err)
		return
	}
	fb.SetUserInfo("source", "movieplayer")

	p.mu.Lock()
	cb := p.onFrame
	p.mu.Unlock()
	if cb != nil {
		cb(fb)
	} else {
		fb.Unlock()
	}

	p.fireTimeObservers(currentTime)
}

// String supports %v formatting of a Player in log lines.
func (p *Player) String() string { return fmt.Sprintf("movieplayer.Player{playing=%v}", p.isPlaying) }
