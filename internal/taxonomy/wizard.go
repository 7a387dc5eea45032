package taxonomy

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type WizardPhase string

const (
	PhaseFilter WizardPhase = "filter"
	PhaseCards  WizardPhase = "cards"
	PhaseDone   WizardPhase = "done"
)

// Card resolutions.
const (
	CardOpen      = ""
	CardConfirmed = "confirmed"
	CardSkipped   = "skipped"
)

// maxBreadcrumbDepth bounds the parent walk on malformed trees.
const maxBreadcrumbDepth = 32

type WizardMember struct {
	Entity     MpEntity `json:"entity"`
	Name       string   `json:"name"`
	Breadcrumb []string `json:"breadcrumb"`
	Checked    bool     `json:"checked"`
}

// WizardGroup is one candidate: unmapped marketplace entities sharing a
// normalized name, and the canonical entity carrying that name.
type WizardGroup struct {
	Key                 string         `json:"key"`
	Canonical           Canonical      `json:"canonical"`
	CanonicalBreadcrumb []string       `json:"canonical_breadcrumb"`
	Members             []WizardMember `json:"members"`
	Resolution          string         `json:"resolution,omitempty"`
}

func (g WizardGroup) clone() WizardGroup {
	g.Members = append([]WizardMember(nil), g.Members...)
	return g
}

// DefaultWizardMinMatch is the threshold a zero MinMatch falls back to: the
// canonical entity plus two marketplace members.
const DefaultWizardMinMatch = 3

// WizardFilter selects the cards of a wizard. MinMatch counts the canonical
// entity and the marketplace members left after the marketplace filter.
type WizardFilter struct {
	Query        string   `json:"query"`
	Marketplaces []string `json:"marketplaces"`
	MinMatch     int      `json:"minMatch,omitempty"`
}

type WizardView struct {
	Kind     Kind         `json:"kind"`
	Phase    WizardPhase  `json:"phase"`
	Groups   int          `json:"groups"`
	Filter   WizardFilter `json:"filter"`
	Position int          `json:"position"`
	Total    int          `json:"total"`
	Card     *WizardGroup `json:"card,omitempty"`
	Mapped   int          `json:"mapped"`
	Skipped  int          `json:"skipped"`
	Failed   []ItemError  `json:"failed,omitempty"`
}

// MappingCreator is what a wizard confirms cards through; MappingGraph
// satisfies it.
type MappingCreator interface {
	BatchCreate(ctx context.Context, mpIDs []string, canonicalID string) BatchResult
}

// Wizard walks the operator through candidate groups. It starts in the
// filter phase; safe for concurrent use.
type Wizard struct {
	kind    Kind
	creator MappingCreator

	mu      sync.Mutex
	groups  []WizardGroup
	cards   []WizardGroup
	filter  WizardFilter
	phase   WizardPhase
	pos     int
	mapped  int
	skipped int
	failed  []ItemError
}

func NewWizard(kind Kind, groups []WizardGroup, creator MappingCreator) *Wizard {
	return &Wizard{kind: kind, creator: creator, groups: groups, phase: PhaseFilter}
}

// crumbNode is one entry of the breadcrumb pool.
type crumbNode struct {
	name   string
	parent string
	scope  string
}

type crumbPool struct {
	global map[string]crumbNode
	scoped map[string]crumbNode
}

func scopedKey(scope, ref string) string { return scope + "\x00" + ref }

func (p crumbPool) lookup(scope, ref string) (crumbNode, bool) {
	if scope != "" {
		if n, ok := p.scoped[scopedKey(scope, ref)]; ok {
			return n, true
		}
	}
	n, ok := p.global[ref]
	return n, ok
}

// walk returns ancestor names root first. A missing link or a cycle ends
// the walk.
func (p crumbPool) walk(scope, parent string) []string {
	var out []string
	seen := map[string]bool{}
	for parent != "" && len(out) < maxBreadcrumbDepth {
		key := scopedKey(scope, parent)
		if seen[key] {
			break
		}
		seen[key] = true
		n, ok := p.lookup(scope, parent)
		if !ok {
			break
		}
		out = append(out, n.name)
		scope, parent = n.scope, n.parent
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (e *Engine) crumbPoolLocked(kind Kind) crumbPool {
	p := crumbPool{global: map[string]crumbNode{}, scoped: map[string]crumbNode{}}
	for _, c := range e.canonicalsLocked(kind) {
		name := c.NameUA
		if name == "" {
			name = c.NameRU
		}
		p.global[c.ID] = crumbNode{name: name, parent: c.ParentID}
	}
	for _, ent := range e.mpEntities[kind] {
		cm := e.columnMappingLocked(ent)
		n := crumbNode{name: cm.Field(ent, FieldName), parent: cm.Field(ent, FieldParentID), scope: ent.MarketplaceID}
		for _, ref := range []string{ent.ID, ent.ExternalID} {
			if ref == "" {
				continue
			}
			p.scoped[scopedKey(ent.MarketplaceID, ref)] = n
			if _, taken := p.global[ref]; !taken {
				p.global[ref] = n
			}
		}
	}
	return p
}

// BuildWizard groups the unmapped entities of kind by normalized name and
// keeps the groups a canonical entity answers to.
func (e *Engine) BuildWizard(kind Kind) (*Wizard, error) {
	g, err := e.Graph(kind)
	if err != nil {
		return nil, err
	}
	unmapped := g.Unmapped()

	e.mu.RLock()
	defer e.mu.RUnlock()
	index := e.canonicalIndexLocked(kind)
	canonicals := map[string]Canonical{}
	for _, c := range e.canonicalsLocked(kind) {
		canonicals[c.ID] = c
	}
	pool := e.crumbPoolLocked(kind)

	var groups []WizardGroup
	byKey := map[string]int{}
	for i := range unmapped {
		ent := &unmapped[i]
		name := e.displayNameLocked(ent)
		key := Normalize(name)
		if key == "" {
			continue
		}
		canonicalID, ok := index[key]
		if !ok {
			continue
		}
		cm := e.columnMappingLocked(ent)
		member := WizardMember{
			Entity:     *ent,
			Name:       name,
			Breadcrumb: pool.walk(ent.MarketplaceID, cm.Field(ent, FieldParentID)),
			Checked:    true,
		}
		if at, ok := byKey[key]; ok {
			groups[at].Members = append(groups[at].Members, member)
			continue
		}
		c := canonicals[canonicalID]
		byKey[key] = len(groups)
		groups = append(groups, WizardGroup{
			Key:                 key,
			Canonical:           c,
			CanonicalBreadcrumb: pool.walk("", c.ParentID),
			Members:             []WizardMember{member},
		})
	}
	return NewWizard(kind, groups, g), nil
}

func (w *Wizard) Kind() Kind { return w.kind }

// Filter narrows the groups to those whose key contains query and that keep
// enough members from the selected marketplaces to reach MinMatch; no
// marketplaces means all of them. With survivors the wizard moves to the first card, otherwise
// it stays in the filter phase.
func (w *Wizard) Filter(f WizardFilter) (WizardView, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != PhaseFilter {
		return w.viewLocked(), fmt.Errorf("%w: filter from %s", ErrWizardState, w.phase)
	}
	if f.MinMatch <= 0 {
		f.MinMatch = DefaultWizardMinMatch
	}
	query := Normalize(f.Query)
	allowed := map[string]bool{}
	for _, id := range f.Marketplaces {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = true
		}
	}
	var cards []WizardGroup
	for _, g := range w.groups {
		if query != "" && !strings.Contains(g.Key, query) {
			continue
		}
		card := g.clone()
		card.Members = card.Members[:0]
		for _, m := range g.Members {
			if len(allowed) == 0 || allowed[m.Entity.MarketplaceID] {
				m.Checked = true
				card.Members = append(card.Members, m)
			}
		}
		// The canonical side counts as one.
		if len(card.Members) == 0 || len(card.Members)+1 < f.MinMatch {
			continue
		}
		card.Resolution = CardOpen
		cards = append(cards, card)
	}
	w.filter = f
	w.cards = cards
	w.pos = 0
	if len(cards) > 0 {
		w.phase = PhaseCards
	}
	return w.viewLocked(), nil
}

func (w *Wizard) Next() (WizardView, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != PhaseCards {
		return w.viewLocked(), fmt.Errorf("%w: next from %s", ErrWizardState, w.phase)
	}
	w.advanceLocked()
	return w.viewLocked(), nil
}

// Prev steps back; before the first card it returns to the filter phase.
func (w *Wizard) Prev() (WizardView, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != PhaseCards {
		return w.viewLocked(), fmt.Errorf("%w: prev from %s", ErrWizardState, w.phase)
	}
	if w.pos == 0 {
		w.phase = PhaseFilter
		return w.viewLocked(), nil
	}
	w.pos--
	return w.viewLocked(), nil
}

// Toggle flips one member of the current card.
func (w *Wizard) Toggle(mpID string) (WizardView, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != PhaseCards {
		return w.viewLocked(), fmt.Errorf("%w: toggle from %s", ErrWizardState, w.phase)
	}
	card := &w.cards[w.pos]
	for i := range card.Members {
		if card.Members[i].Entity.ID == mpID {
			card.Members[i].Checked = !card.Members[i].Checked
			return w.viewLocked(), nil
		}
	}
	return w.viewLocked(), fmt.Errorf("%w: %s is not on this card", ErrInvalidInput, mpID)
}

// Confirm maps every checked member of the current card to its canonical
// entity and advances. Member failures are reported, not returned.
func (w *Wizard) Confirm(ctx context.Context) (WizardView, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != PhaseCards {
		return w.viewLocked(), fmt.Errorf("%w: confirm from %s", ErrWizardState, w.phase)
	}
	card := &w.cards[w.pos]
	if card.Resolution != CardOpen {
		return w.viewLocked(), fmt.Errorf("%w: card already %s", ErrWizardState, card.Resolution)
	}
	var ids []string
	for _, m := range card.Members {
		if m.Checked {
			ids = append(ids, m.Entity.ID)
		}
	}
	if len(ids) == 0 {
		return w.viewLocked(), fmt.Errorf("%w: no member selected", ErrWizardState)
	}
	res := w.creator.BatchCreate(ctx, ids, card.Canonical.ID)
	w.mapped += len(res.Success)
	w.failed = res.Failed
	card.Resolution = CardConfirmed
	w.advanceLocked()
	return w.viewLocked(), nil
}

func (w *Wizard) Skip() (WizardView, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != PhaseCards {
		return w.viewLocked(), fmt.Errorf("%w: skip from %s", ErrWizardState, w.phase)
	}
	card := &w.cards[w.pos]
	if card.Resolution != CardOpen {
		return w.viewLocked(), fmt.Errorf("%w: card already %s", ErrWizardState, card.Resolution)
	}
	card.Resolution = CardSkipped
	w.skipped++
	w.failed = nil
	w.advanceLocked()
	return w.viewLocked(), nil
}

func (w *Wizard) advanceLocked() {
	w.pos++
	if w.pos >= len(w.cards) {
		w.pos = len(w.cards)
		w.phase = PhaseDone
	}
}

func (w *Wizard) View() WizardView {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.viewLocked()
}

func (w *Wizard) viewLocked() WizardView {
	v := WizardView{
		Kind:     w.kind,
		Phase:    w.phase,
		Groups:   len(w.groups),
		Filter:   w.filter,
		Position: w.pos,
		Total:    len(w.cards),
		Mapped:   w.mapped,
		Skipped:  w.skipped,
		Failed:   append([]ItemError(nil), w.failed...),
	}
	if w.phase == PhaseCards && w.pos < len(w.cards) {
		card := w.cards[w.pos].clone()
		v.Card = &card
	}
	return v
}
