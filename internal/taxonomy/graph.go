package taxonomy

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Mapping sources reported by GetMapped.
const (
	SourceNew    = "new"
	SourceLegacy = "legacy"
)

var legacyFields = map[Kind]string{
	KindCategory:       "our_category_id",
	KindCharacteristic: "our_char_id",
	KindOption:         "our_option_id",
}

// MappingGraph answers which marketplace entities a canonical entity is
// linked to. Explicit mapping rows are consulted first; a legacy id stored
// in the entity payload is the read-only fallback.
type MappingGraph struct {
	kind   Kind
	engine *Engine
}

// MappedEntity is a marketplace entity linked to a canonical one. Source
// tells a mapping row (SourceNew, with its MappingID) from a legacy payload
// link (SourceLegacy).
type MappedEntity struct {
	Entity    MpEntity `json:"entity"`
	Source    string   `json:"source"`
	MappingID string   `json:"mapping_id,omitempty"`
}

// BatchResult splits a batch create into the mappings it produced, existing
// ones included, and the ids that failed.
type BatchResult struct {
	Success []Mapping   `json:"success"`
	Failed  []ItemError `json:"failed"`
}

func (g *MappingGraph) Kind() Kind { return g.kind }

// legacyCanonicalID reads the embedded mapping, if any.
func legacyCanonicalID(kind Kind, e *MpEntity) string {
	field, ok := legacyFields[kind]
	if !ok {
		return ""
	}
	return payloadString(e.Payload, field)
}

func (e *Engine) resolveMpLocked(kind Kind, ref string) *MpEntity {
	return resolveMp(e.mpEntities[kind], ref)
}

func resolveMp(entities []*MpEntity, ref string) *MpEntity {
	if ref == "" {
		return nil
	}
	// Internal ids win over external ids that happen to collide.
	for _, ent := range entities {
		if ent.ID == ref {
			return ent
		}
	}
	for _, ent := range entities {
		if ent.ExternalID != "" && ent.ExternalID == ref {
			return ent
		}
	}
	return nil
}

// mappingsForLocked returns the mapping rows that reference ref, or the
// entity ref resolves to by either of its ids.
func (e *Engine) mappingsForLocked(kind Kind, ref string) []*Mapping {
	ent := e.resolveMpLocked(kind, ref)
	var out []*Mapping
	for _, m := range e.mappings[kind] {
		if m.MpEntityID == ref || (ent != nil && ent.Matches(m.MpEntityID)) {
			out = append(out, m)
		}
	}
	return out
}

func (e *Engine) isMappedLocked(kind Kind, ref string) bool {
	if len(e.mappingsForLocked(kind, ref)) > 0 {
		return true
	}
	if ent := e.resolveMpLocked(kind, ref); ent != nil {
		return legacyCanonicalID(kind, ent) != ""
	}
	return false
}

// IsMapped is true when a mapping row references the entity by either id,
// or its payload carries the legacy embedded field.
func (g *MappingGraph) IsMapped(mpID string) bool {
	g.engine.mu.RLock()
	defer g.engine.mu.RUnlock()
	return g.engine.isMappedLocked(g.kind, strings.TrimSpace(mpID))
}

// GetMapped merges explicit rows (source "new") with legacy matches not
// already covered, one entry per marketplace entity.
func (g *MappingGraph) GetMapped(canonicalID string) []MappedEntity {
	e := g.engine
	e.mu.RLock()
	defer e.mu.RUnlock()
	canonicalID = strings.TrimSpace(canonicalID)
	var out []MappedEntity
	seen := map[string]bool{}
	for _, m := range e.mappings[g.kind] {
		if m.CanonicalID != canonicalID {
			continue
		}
		ent := e.resolveMpLocked(g.kind, m.MpEntityID)
		if ent == nil || seen[ent.ID] {
			continue
		}
		seen[ent.ID] = true
		out = append(out, MappedEntity{Entity: *ent, Source: SourceNew, MappingID: m.ID})
	}
	for _, ent := range e.mpEntities[g.kind] {
		if seen[ent.ID] || legacyCanonicalID(g.kind, ent) != canonicalID {
			continue
		}
		seen[ent.ID] = true
		out = append(out, MappedEntity{Entity: *ent, Source: SourceLegacy})
	}
	return out
}

// Unmapped lists marketplace entities with neither a mapping row nor a
// legacy embedded mapping, in load order.
func (g *MappingGraph) Unmapped() []MpEntity {
	e := g.engine
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []MpEntity
	for _, ent := range e.mpEntities[g.kind] {
		if !e.isMappedLocked(g.kind, ent.ID) {
			out = append(out, *ent)
		}
	}
	return out
}

// Create links canonicalID to mpID. An existing link is returned unchanged
// and created reports false.
func (g *MappingGraph) Create(ctx context.Context, canonicalID, mpID string) (Mapping, bool, error) {
	var (
		out     Mapping
		created bool
	)
	err := g.engine.write(func(w *writeScope) error {
		m, ok, err := g.engine.createMapping(ctx, w, g.kind, canonicalID, mpID)
		if err != nil {
			return err
		}
		out, created = *m, ok
		return nil
	})
	return out, created, err
}

// Delete removes a mapping by its own id. Unknown ids are an error.
func (g *MappingGraph) Delete(ctx context.Context, mappingID string) error {
	return g.engine.write(func(w *writeScope) error {
		e := g.engine
		e.mu.RLock()
		m := findByKey(e.mappings[g.kind], strings.TrimSpace(mappingID))
		e.mu.RUnlock()
		if m == nil {
			return fmt.Errorf("%w: %s", ErrMappingNotFound, mappingID)
		}
		return e.deleteMappings(ctx, w, g.kind, []*Mapping{m})
	})
}

// DeleteByMpID removes whatever mapping references the marketplace entity;
// nothing to delete is not an error.
func (g *MappingGraph) DeleteByMpID(ctx context.Context, mpID string) error {
	return g.engine.write(func(w *writeScope) error {
		e := g.engine
		e.mu.RLock()
		found := e.mappingsForLocked(g.kind, strings.TrimSpace(mpID))
		e.mu.RUnlock()
		return e.deleteMappings(ctx, w, g.kind, found)
	})
}

// BatchCreate creates one mapping per id in order, collecting failures
// rather than stopping at the first.
func (g *MappingGraph) BatchCreate(ctx context.Context, mpIDs []string, canonicalID string) BatchResult {
	var res BatchResult
	_ = g.engine.write(func(w *writeScope) error {
		res = g.engine.batchCreate(ctx, w, g.kind, mpIDs, canonicalID)
		return nil
	})
	return res
}

// Remap replaces every mapping of mpID with one to canonicalID as a single
// write section.
func (g *MappingGraph) Remap(ctx context.Context, mpID, canonicalID string) (Mapping, error) {
	var out Mapping
	err := g.engine.write(func(w *writeScope) error {
		e := g.engine
		e.mu.RLock()
		ok := e.canonicalExistsLocked(g.kind, strings.TrimSpace(canonicalID))
		found := e.mappingsForLocked(g.kind, strings.TrimSpace(mpID))
		e.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s %s", ErrEntityNotFound, g.kind, canonicalID)
		}
		if err := e.deleteMappings(ctx, w, g.kind, found); err != nil {
			return err
		}
		m, _, err := e.createMapping(ctx, w, g.kind, canonicalID, mpID)
		if err != nil {
			return err
		}
		out = *m
		return nil
	})
	return out, err
}

func (e *Engine) batchCreate(ctx context.Context, w *writeScope, kind Kind, mpIDs []string, canonicalID string) BatchResult {
	res := BatchResult{Success: []Mapping{}, Failed: []ItemError{}}
	for _, id := range mpIDs {
		m, _, err := e.createMapping(ctx, w, kind, canonicalID, id)
		if err != nil {
			res.Failed = append(res.Failed, ItemError{ID: id, Err: err})
			continue
		}
		res.Success = append(res.Success, *m)
	}
	return res
}

// createMapping runs inside a write section.
func (e *Engine) createMapping(ctx context.Context, w *writeScope, kind Kind, canonicalID, mpID string) (*Mapping, bool, error) {
	canonicalID = strings.TrimSpace(canonicalID)
	mpID = strings.TrimSpace(mpID)
	if canonicalID == "" || mpID == "" {
		return nil, false, fmt.Errorf("%w: canonical and marketplace ids are required", ErrInvalidInput)
	}
	t, ok := mappingTables[kind]
	if !ok {
		return nil, false, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}

	e.mu.RLock()
	if !e.canonicalExistsLocked(kind, canonicalID) {
		e.mu.RUnlock()
		return nil, false, fmt.Errorf("%w: %s %s", ErrEntityNotFound, kind, canonicalID)
	}
	ent := e.resolveMpLocked(kind, mpID)
	if ent == nil {
		e.mu.RUnlock()
		return nil, false, fmt.Errorf("%w: marketplace %s %s", ErrEntityNotFound, kind, mpID)
	}
	for _, m := range e.mappings[kind] {
		if m.CanonicalID == canonicalID && ent.Matches(m.MpEntityID) {
			e.mu.RUnlock()
			return m, false, nil
		}
	}
	m := &Mapping{
		Kind:        kind,
		ID:          GenerateID(t.IDPrefix, e.mappings[kind]),
		CanonicalID: canonicalID,
		MpEntityID:  ent.ID,
		CreatedAt:   e.repo.timestamp(),
		RowIndex:    NextRowIndex(e.mappings[kind]),
	}
	e.mu.RUnlock()

	if err := e.repo.appendRow(ctx, t, m.fields()); err != nil {
		return nil, false, err
	}
	e.mu.Lock()
	e.mappings[kind] = append(e.mappings[kind], m)
	e.mu.Unlock()

	e.metrics.MappingCreated(string(kind))
	e.logger.Debug("mapping created",
		zap.String("kind", string(kind)),
		zap.String("mapping_id", m.ID),
		zap.Int("row_index", m.RowIndex))
	w.emit(Event{Kind: EventMappingCreated, Entity: kind, ID: m.ID, Tables: []string{t.Title}})
	return m, true, nil
}

// deleteMappings removes rows in one batch and splices the local table.
func (e *Engine) deleteMappings(ctx context.Context, w *writeScope, kind Kind, items []*Mapping) error {
	if len(items) == 0 {
		return nil
	}
	t := mappingTables[kind]
	rows := make([]int, 0, len(items))
	for _, m := range items {
		rows = append(rows, m.RowIndex)
	}
	if err := e.repo.HardDeleteBatch(ctx, t.Title, rows); err != nil {
		return err
	}
	e.mu.Lock()
	e.mappings[kind] = spliceDeleted(e.mappings[kind], rows)
	e.mu.Unlock()
	for _, m := range items {
		w.emit(Event{Kind: EventMappingDeleted, Entity: kind, ID: m.ID, Tables: []string{t.Title}})
	}
	return nil
}
