package poller

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/taxomap/internal/metrics"
)

// Source is one collection the poller watches. Fetch reads the remote ids
// and returns a commit func that replaces the local collection with what was
// fetched; commit is only called when the ids changed.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]string, func(), error)
	LocalIDs() []string
}

// Visibility reports whether anyone is observing the mirror. Subscribe
// returns an unsubscribe func.
type Visibility interface {
	Visible() bool
	Subscribe(func(visible bool)) func()
}

type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
)

// Tick outcomes, also the metric label.
type TickResult string

const (
	TickChanged   TickResult = "changed"
	TickUnchanged TickResult = "unchanged"
	TickPaused    TickResult = "paused"
	TickHidden    TickResult = "hidden"
	TickBusy      TickResult = "busy"
	TickDiscarded TickResult = "discarded"
)

type Options struct {
	Interval time.Duration
	// Jitter spreads each delay uniformly over Interval*(1±Jitter).
	Jitter  float64
	Timeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Registry

	// OnChanged runs once per tick that saw any source change, with the
	// names of the changed sources.
	OnChanged  func(sources []string)
	Visibility Visibility
	// Wake triggers an immediate tick, e.g. from a store watcher.
	Wake <-chan struct{}
	// Sample returns values in [0,1) for jitter; nil uses math/rand.
	Sample func() float64
}

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 20 * time.Second
)

// Poller periodically re-reads its sources and swaps changed collections
// into the mirror. It doubles as the write lock: while any Section is open
// ticks are skipped, and a tick whose fetch overlapped a section discards
// what it read.
type Poller struct {
	sources []Source
	opts    Options
	logger  *zap.Logger

	inflight atomic.Bool
	kick     chan struct{}

	mu          sync.Mutex
	paused      int
	generation  uint64
	snapshots   map[string]string
	visible     bool
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
}

func New(sources []Source, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	opts.Jitter = ClampJitterRatio(opts.Jitter)
	if opts.Sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		var rngMu sync.Mutex
		opts.Sample = func() float64 {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Float64()
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		sources:   sources,
		opts:      opts,
		logger:    logger,
		kick:      make(chan struct{}, 1),
		snapshots: map[string]string{},
		visible:   opts.Visibility == nil || opts.Visibility.Visible(),
	}
}

// Fingerprint is the sorted id list joined by commas. In-place edits of a
// row keep its fingerprint.
func Fingerprint(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return StatePolling
	}
	return StateIdle
}

// Start snapshots every source and begins the schedule. Starting a running
// poller does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	p.refreshSnapshotsLocked()
	if p.opts.Visibility != nil {
		p.visible = p.opts.Visibility.Visible()
		p.unsubscribe = p.opts.Visibility.Subscribe(p.setVisible)
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	p.logger.Info("poller started",
		zap.Duration("interval", p.opts.Interval),
		zap.Float64("jitter", p.opts.Jitter),
		zap.Int("sources", len(p.sources)))
}

// Stop clears the schedule and waits for the loop to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done, unsubscribe := p.cancel, p.done, p.unsubscribe
	p.cancel, p.done, p.unsubscribe = nil, nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	cancel()
	<-done
	p.logger.Info("poller stopped")
}

func (p *Poller) setVisible(visible bool) {
	p.mu.Lock()
	p.visible = visible
	p.mu.Unlock()
	p.signal()
}

func (p *Poller) signal() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Poller) isVisible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

func (p *Poller) nextDelay() time.Duration {
	return JitteredInterval(p.opts.Interval, p.opts.Jitter, p.opts.Sample())
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(p.nextDelay())
	defer timer.Stop()
	if !p.isVisible() {
		stopTimer(timer)
	}
	wake := p.opts.Wake
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.Tick(ctx)
		case <-p.kick:
			// Visibility changed. Hidden only clears the schedule.
			if !p.isVisible() {
				stopTimer(timer)
				continue
			}
			stopTimer(timer)
			p.Tick(ctx)
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			stopTimer(timer)
			p.Tick(ctx)
		}
		if p.isVisible() {
			timer.Reset(p.nextDelay())
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

type fetchResult struct {
	ids    []string
	commit func()
	err    error
}

// Tick runs one reconciliation cycle unless writes are in progress, nobody
// is watching, or another tick is still running.
func (p *Poller) Tick(ctx context.Context) TickResult {
	p.mu.Lock()
	switch {
	case p.paused > 0:
		p.mu.Unlock()
		return p.record(TickPaused)
	case !p.visible:
		p.mu.Unlock()
		return p.record(TickHidden)
	}
	generation := p.generation
	p.mu.Unlock()

	if !p.inflight.CompareAndSwap(false, true) {
		return p.record(TickBusy)
	}
	defer p.inflight.Store(false)

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	results := make([]fetchResult, len(p.sources))
	var wg sync.WaitGroup
	for i, src := range p.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			ids, commit, err := src.Fetch(ctx)
			results[i] = fetchResult{ids: ids, commit: commit, err: err}
		}(i, src)
	}
	wg.Wait()

	p.mu.Lock()
	if p.paused > 0 || p.generation != generation {
		p.mu.Unlock()
		return p.record(TickDiscarded)
	}
	var changed []string
	for i, src := range p.sources {
		r := results[i]
		if r.err != nil {
			p.logger.Warn("poll source failed", zap.String("source", src.Name()), zap.Error(r.err))
			p.opts.Metrics.PollSourceError(src.Name())
			continue
		}
		fp := Fingerprint(r.ids)
		if fp == p.snapshots[src.Name()] {
			continue
		}
		if r.commit != nil {
			r.commit()
		}
		p.snapshots[src.Name()] = fp
		changed = append(changed, src.Name())
	}
	p.mu.Unlock()

	if len(changed) == 0 {
		return p.record(TickUnchanged)
	}
	p.logger.Info("remote changes detected", zap.Strings("sources", changed))
	if p.opts.OnChanged != nil {
		p.opts.OnChanged(changed)
	}
	return p.record(TickChanged)
}

func (p *Poller) record(result TickResult) TickResult {
	p.opts.Metrics.PollTick(string(result))
	if result != TickChanged && result != TickUnchanged {
		p.logger.Debug("poll tick skipped", zap.String("result", string(result)))
	}
	return result
}

// Pause opens a write section. Sections nest.
func (p *Poller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused++
	p.generation++
}

// Resume closes a write section. Closing the outermost one re-reads the
// local collections into the snapshots, so the writes just made are not
// reported as remote changes.
func (p *Poller) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == 0 {
		return
	}
	p.paused--
	if p.paused == 0 {
		p.refreshSnapshotsLocked()
	}
}

// Section pauses polling and returns the matching release. Calling the
// release more than once has no further effect.
func (p *Poller) Section() func() {
	p.Pause()
	var once sync.Once
	return func() { once.Do(p.Resume) }
}

func (p *Poller) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused > 0
}

// Snapshot records the current local collections as the last seen state.
func (p *Poller) Snapshot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshSnapshotsLocked()
}

func (p *Poller) refreshSnapshotsLocked() {
	for _, src := range p.sources {
		p.snapshots[src.Name()] = Fingerprint(src.LocalIDs())
	}
}
