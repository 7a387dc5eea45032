package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/taxomap/internal/metrics"
)

type fakeSource struct {
	name string

	mu      sync.Mutex
	remote  []string
	local   []string
	err     error
	commits int
	started chan struct{}
	release chan struct{}
}

func newFakeSource(name string, ids ...string) *fakeSource {
	return &fakeSource{name: name, remote: ids, local: append([]string(nil), ids...)}
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Fetch(ctx context.Context) ([]string, func(), error) {
	s.mu.Lock()
	started, release := s.started, s.release
	s.mu.Unlock()
	if started != nil {
		close(started)
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, nil, s.err
	}
	ids := append([]string(nil), s.remote...)
	return ids, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.local = ids
		s.commits++
	}, nil
}

func (s *fakeSource) LocalIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.local...)
}

func (s *fakeSource) setRemote(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = ids
}

func (s *fakeSource) setLocal(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = ids
}

func (s *fakeSource) blockNextFetch() (started, release chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started, s.release = make(chan struct{}), make(chan struct{})
	return s.started, s.release
}

func (s *fakeSource) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

type changeRecorder struct {
	mu    sync.Mutex
	calls [][]string
	ch    chan []string
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{ch: make(chan []string, 16)}
}

func (r *changeRecorder) onChanged(sources []string) {
	r.mu.Lock()
	r.calls = append(r.calls, sources)
	r.mu.Unlock()
	r.ch <- sources
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *changeRecorder) wait(t *testing.T) []string {
	t.Helper()
	select {
	case got := <-r.ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onChanged")
		return nil
	}
}

func TestFingerprintIgnoresOrder(t *testing.T) {
	assert.Equal(t, "a,b,c", Fingerprint([]string{"c", "a", "b"}))
	assert.Equal(t, "", Fingerprint(nil))
}

func TestTickDetectsChangesOncePerTick(t *testing.T) {
	ctx := context.Background()
	maps := newFakeSource("MapCategories", "m1")
	opts := newFakeSource("MpOptions", "o1", "o2")
	rec := newChangeRecorder()
	reg := metrics.New()
	p := New([]Source{maps, opts}, Options{OnChanged: rec.onChanged, Metrics: reg})
	p.Resume() // no-op on an idle counter
	p.Snapshot()

	assert.Equal(t, TickUnchanged, p.Tick(ctx))

	maps.setRemote("m1", "m2")
	opts.setRemote("o2")
	assert.Equal(t, TickChanged, p.Tick(ctx))
	assert.Equal(t, [][]string{{"MapCategories", "MpOptions"}}, rec.calls)
	assert.Equal(t, []string{"m1", "m2"}, maps.LocalIDs())
	assert.Equal(t, []string{"o2"}, opts.LocalIDs())

	assert.Equal(t, TickUnchanged, p.Tick(ctx))
	assert.Equal(t, 1, rec.count())
	series, err := testutil.GatherAndCount(reg.Gatherer(), "taxomap_poll_ticks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
}

func TestSameIDSetIsNotAChange(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("MapOptions", "a", "b")
	rec := newChangeRecorder()
	p := New([]Source{src}, Options{OnChanged: rec.onChanged})
	p.Snapshot()

	// reordered rows, or edited fields behind the same ids
	src.setRemote("b", "a")
	assert.Equal(t, TickUnchanged, p.Tick(ctx))
	assert.Zero(t, src.commitCount())
	assert.Zero(t, rec.count())
}

func TestFailedSourceDoesNotAbortTick(t *testing.T) {
	ctx := context.Background()
	broken := newFakeSource("MapCharacteristics", "x")
	broken.err = errors.New("quota exceeded")
	ok := newFakeSource("MpCategories", "c1")
	ok.setRemote("c1", "c2")
	reg := metrics.New()
	rec := newChangeRecorder()
	p := New([]Source{broken, ok}, Options{OnChanged: rec.onChanged, Metrics: reg})
	p.Snapshot()

	assert.Equal(t, TickChanged, p.Tick(ctx))
	assert.Equal(t, [][]string{{"MpCategories"}}, rec.calls)
	assert.Zero(t, broken.commitCount())
	series, err := testutil.GatherAndCount(reg.Gatherer(), "taxomap_poll_source_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestPausedTicksAreSkippedAndResumeAbsorbsLocalWrites(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("MapCategories", "m1")
	rec := newChangeRecorder()
	p := New([]Source{src}, Options{OnChanged: rec.onChanged})
	p.Snapshot()

	outer := p.Section()
	inner := p.Section()
	assert.Equal(t, TickPaused, p.Tick(ctx))

	// a local write lands remotely and in the mirror
	src.setRemote("m1", "m2")
	src.setLocal("m1", "m2")
	inner()
	inner()
	assert.True(t, p.Paused())
	assert.Equal(t, TickPaused, p.Tick(ctx))
	outer()
	assert.False(t, p.Paused())

	assert.Equal(t, TickUnchanged, p.Tick(ctx))
	assert.Zero(t, rec.count())
}

func TestTickOverlappingASectionDiscardsResults(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("MapCategories", "m1")
	src.setRemote("m1", "m2")
	p := New([]Source{src}, Options{})
	p.Snapshot()
	started, release := src.blockNextFetch()

	result := make(chan TickResult, 1)
	go func() { result <- p.Tick(ctx) }()
	<-started

	// a write section opens and closes while the fetch is in flight
	p.Section()()
	close(release)
	assert.Equal(t, TickDiscarded, <-result)
	assert.Zero(t, src.commitCount())

	assert.Equal(t, TickChanged, p.Tick(ctx))
	assert.Equal(t, 1, src.commitCount())
}

func TestConcurrentTickIsBusy(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("MapCategories", "m1")
	p := New([]Source{src}, Options{})
	started, release := src.blockNextFetch()

	result := make(chan TickResult, 1)
	go func() { result <- p.Tick(ctx) }()
	<-started
	assert.Equal(t, TickBusy, p.Tick(ctx))
	close(release)
	<-result
}

func TestTickTimesOutStalledSources(t *testing.T) {
	src := newFakeSource("MapCategories", "m1")
	src.blockNextFetch()
	p := New([]Source{src}, Options{Timeout: 20 * time.Millisecond})
	p.Snapshot()
	assert.Equal(t, TickUnchanged, p.Tick(context.Background()))
}

type fakeVisibility struct {
	mu        sync.Mutex
	visible   bool
	listeners map[int]func(bool)
	next      int
}

func newFakeVisibility(visible bool) *fakeVisibility {
	return &fakeVisibility{visible: visible, listeners: map[int]func(bool){}}
}

func (v *fakeVisibility) Visible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

func (v *fakeVisibility) Subscribe(fn func(bool)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.next++
	id := v.next
	v.listeners[id] = fn
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.listeners, id)
	}
}

func (v *fakeVisibility) set(visible bool) {
	v.mu.Lock()
	v.visible = visible
	listeners := make([]func(bool), 0, len(v.listeners))
	for _, fn := range v.listeners {
		listeners = append(listeners, fn)
	}
	v.mu.Unlock()
	for _, fn := range listeners {
		fn(visible)
	}
}

func (v *fakeVisibility) subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.listeners)
}

func TestHiddenSkipsAndVisibleTicksImmediately(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("MapCategories", "m1")
	vis := newFakeVisibility(false)
	rec := newChangeRecorder()
	p := New([]Source{src}, Options{Interval: time.Hour, Visibility: vis, OnChanged: rec.onChanged})

	p.Start(ctx)
	p.Start(ctx)
	defer p.Stop()
	assert.Equal(t, StatePolling, p.State())
	assert.Equal(t, 1, vis.subscribers())
	assert.Equal(t, TickHidden, p.Tick(ctx))

	src.setRemote("m1", "m2")
	vis.set(true)
	assert.Equal(t, []string{"MapCategories"}, rec.wait(t))

	p.Stop()
	assert.Equal(t, StateIdle, p.State())
	assert.Zero(t, vis.subscribers())
}

func TestWakeTriggersTick(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource("MpOptions", "o1")
	wake := make(chan struct{}, 1)
	rec := newChangeRecorder()
	p := New([]Source{src}, Options{Interval: time.Hour, Wake: wake, OnChanged: rec.onChanged})
	p.Start(ctx)
	defer p.Stop()

	src.setRemote("o1", "o2")
	wake <- struct{}{}
	assert.Equal(t, []string{"MpOptions"}, rec.wait(t))

	close(wake)
	src.setRemote("o2")
	// a closed wake channel does not spin the loop or stop it
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatePolling, p.State())
	assert.Equal(t, 1, rec.count())
}

func TestScheduleTicksOnInterval(t *testing.T) {
	src := newFakeSource("MapOptions", "a")
	rec := newChangeRecorder()
	p := New([]Source{src}, Options{Interval: 10 * time.Millisecond, Jitter: 0.5, OnChanged: rec.onChanged})
	p.Start(context.Background())
	defer p.Stop()

	src.setRemote("a", "b")
	require.Equal(t, []string{"MapOptions"}, rec.wait(t))
}
