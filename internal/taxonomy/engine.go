package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/taxomap/internal/metrics"
	"github.com/agentworkforce/taxomap/internal/sheets"
)

// WriteLock excludes background reconciliation while a multi-step write is
// in progress. Section acquires and returns the release func; sections nest.
type WriteLock interface {
	Section() func()
}

type nopWriteLock struct{}

func (nopWriteLock) Section() func() { return func() {} }

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
}

// Engine is the mirror of the remote store plus every operation over it.
// Construct one per store and pass it to the components that need it.
//
// Locking: opMu serialises writers, and a writer acquires the write lock
// section before touching state. mu guards the collections and is only held
// for local work, never across a remote call.
type Engine struct {
	repo    *Repository
	logger  *zap.Logger
	metrics *metrics.Registry
	bus     *Bus

	opMu      sync.Mutex
	writeLock WriteLock
	plugins   []Plugin

	mu              sync.RWMutex
	loaded          bool
	categories      []*Category
	characteristics []*Characteristic
	options         []*Option
	marketplaces    []*Marketplace
	mpEntities      map[Kind][]*MpEntity
	mappings        map[Kind][]*Mapping
	graphs          map[Kind]*MappingGraph
}

func NewEngine(client sheets.Client, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	repo := NewRepository(client, logger)
	if opts.Now != nil {
		repo.now = opts.Now
	}
	e := &Engine{
		repo:       repo,
		logger:     logger,
		metrics:    opts.Metrics,
		bus:        NewBus(),
		writeLock:  nopWriteLock{},
		mpEntities: map[Kind][]*MpEntity{},
		mappings:   map[Kind][]*Mapping{},
		graphs:     map[Kind]*MappingGraph{},
	}
	for _, kind := range Kinds {
		e.graphs[kind] = &MappingGraph{kind: kind, engine: e}
	}
	return e
}

func (e *Engine) Repository() *Repository { return e.repo }

func (e *Engine) Bus() *Bus { return e.bus }

func (e *Engine) Logger() *zap.Logger { return e.logger }

// SetWriteLock installs the reconciliation lock, typically the poller.
func (e *Engine) SetWriteLock(l WriteLock) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if l == nil {
		l = nopWriteLock{}
	}
	e.writeLock = l
}

// Use initialises plugins in order. Names must be unique.
func (e *Engine) Use(ctx context.Context, plugins ...Plugin) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	for _, p := range plugins {
		for _, existing := range e.plugins {
			if existing.Name() == p.Name() {
				return fmt.Errorf("%w: plugin %s already registered", ErrInvalidInput, p.Name())
			}
		}
		if err := p.Init(ctx, e); err != nil {
			return fmt.Errorf("init plugin %s: %w", p.Name(), err)
		}
		e.plugins = append(e.plugins, p)
	}
	return nil
}

func (e *Engine) Plugins() []string {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	out := make([]string, 0, len(e.plugins))
	for _, p := range e.plugins {
		out = append(out, p.Name())
	}
	return out
}

// writeScope collects the events a write raises so they are published once
// the write has released every lock.
type writeScope struct {
	events []Event
}

func (w *writeScope) emit(ev Event) {
	w.events = append(w.events, ev)
}

func (e *Engine) write(fn func(w *writeScope) error) error {
	e.opMu.Lock()
	w := &writeScope{}
	err := func() error {
		release := e.writeLock.Section()
		defer release()
		return fn(w)
	}()
	e.opMu.Unlock()
	for _, ev := range w.events {
		e.bus.Publish(ev)
	}
	return err
}

// Load reads every table from scratch and deduplicates the mapping tables.
// A table that fails to load is left empty; all failures are returned.
func (e *Engine) Load(ctx context.Context) error {
	return e.write(func(w *writeScope) error {
		var errs []error
		fail := func(err error) {
			if err != nil {
				errs = append(errs, err)
			}
		}

		categories, err := e.repo.LoadCategories(ctx)
		fail(err)
		characteristics, err := e.repo.LoadCharacteristics(ctx)
		fail(err)
		options, err := e.repo.LoadOptions(ctx)
		fail(err)
		marketplaces, err := e.repo.LoadMarketplaces(ctx)
		fail(err)
		mpEntities := map[Kind][]*MpEntity{}
		for _, kind := range Kinds {
			items, err := e.repo.LoadMpEntities(ctx, kind)
			fail(err)
			mpEntities[kind] = items
		}
		mappings := map[Kind][]*Mapping{}
		removed := map[string]int{}
		for _, kind := range Kinds {
			items, err := e.repo.LoadMappings(ctx, kind)
			if err != nil {
				fail(err)
				continue
			}
			table := mappingTables[kind].Title
			kept, n, err := Dedupe(ctx, e.repo, table, items, mappingKey(mpEntities[kind]))
			if err != nil {
				e.logger.Error("dedupe failed", zap.String("table", table), zap.Error(err))
				fail(err)
			}
			if n > 0 {
				e.metrics.DedupRemoved(table, n)
			}
			removed[table] = n
			mappings[kind] = kept
		}

		e.mu.Lock()
		e.categories = categories
		e.characteristics = characteristics
		e.options = options
		e.marketplaces = marketplaces
		e.mpEntities = mpEntities
		e.mappings = mappings
		e.loaded = true
		e.mu.Unlock()

		e.logger.Info("taxonomy loaded",
			zap.Int("categories", len(categories)),
			zap.Int("characteristics", len(characteristics)),
			zap.Int("options", len(options)),
			zap.Int("marketplaces", len(marketplaces)),
			zap.Int("errors", len(errs)))
		w.emit(Event{Kind: EventLoaded, Counts: removed})
		return errors.Join(errs...)
	})
}

// mappingKey identifies the pair a mapping row stands for. The marketplace
// side may hold either id of the entity, so both resolve to its internal id;
// an unknown reference is keyed as written.
func mappingKey(entities []*MpEntity) func(*Mapping) string {
	return func(m *Mapping) string {
		ref := m.MpEntityID
		if ent := resolveMp(entities, ref); ent != nil {
			ref = ent.ID
		}
		return m.CanonicalID + "|" + ref
	}
}

func (e *Engine) Loaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loaded
}

// NotifyRemoteChanged is the reconciliation callback: one event per tick
// that saw any change.
func (e *Engine) NotifyRemoteChanged(tables []string) {
	e.bus.Publish(Event{Kind: EventRemoteChanged, Tables: tables})
}

func (e *Engine) Graph(kind Kind) (*MappingGraph, error) {
	g, ok := e.graphs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	return g, nil
}

func (e *Engine) Categories() []Category {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyRecords(e.categories)
}

func (e *Engine) Characteristics() []Characteristic {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyRecords(e.characteristics)
}

func (e *Engine) Options() []Option {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyRecords(e.options)
}

func (e *Engine) Marketplaces() []Marketplace {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyRecords(e.marketplaces)
}

func (e *Engine) MpEntities(kind Kind) []MpEntity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyRecords(e.mpEntities[kind])
}

func (e *Engine) Mappings(kind Kind) []Mapping {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyRecords(e.mappings[kind])
}

// Canonicals returns the kind-independent view of one canonical collection.
func (e *Engine) Canonicals(kind Kind) []Canonical {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.canonicalsLocked(kind)
}

func (e *Engine) canonicalsLocked(kind Kind) []Canonical {
	var out []Canonical
	switch kind {
	case KindCategory:
		out = make([]Canonical, 0, len(e.categories))
		for _, c := range e.categories {
			out = append(out, c.Canonical())
		}
	case KindCharacteristic:
		out = make([]Canonical, 0, len(e.characteristics))
		for _, c := range e.characteristics {
			out = append(out, c.Canonical())
		}
	case KindOption:
		out = make([]Canonical, 0, len(e.options))
		for _, o := range e.options {
			out = append(out, o.Canonical())
		}
	}
	return out
}

func (e *Engine) canonicalExistsLocked(kind Kind, id string) bool {
	switch kind {
	case KindCategory:
		return findByKey(e.categories, id) != nil
	case KindCharacteristic:
		return findByKey(e.characteristics, id) != nil
	case KindOption:
		return findByKey(e.options, id) != nil
	}
	return false
}

func (e *Engine) marketplaceLocked(id string) *Marketplace {
	return findByKey(e.marketplaces, id)
}

// columnMappingLocked returns the column mapping of the entity's marketplace.
func (e *Engine) columnMappingLocked(ent *MpEntity) ColumnMapping {
	if m := e.marketplaceLocked(ent.MarketplaceID); m != nil {
		return m.ColumnMapping
	}
	return nil
}

func findByKey[T record](items []T, id string) T {
	var zero T
	if id == "" {
		return zero
	}
	for _, item := range items {
		if item.key() == id {
			return item
		}
	}
	return zero
}

func copyRecords[T any](items []*T) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return out
}
