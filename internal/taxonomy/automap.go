package taxonomy

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// AutoMapResult buckets every requested id. Mapped holds the mappings, new
// or already present, that now link each matched entity.
type AutoMapResult struct {
	Mapped   []Mapping   `json:"mapped"`
	NotFound []string    `json:"notFound"`
	Failed   []ItemError `json:"failed"`
}

// canonicalIndexLocked keys canonical ids by normalized name in both
// locales. The first canonical with a given name wins.
func (e *Engine) canonicalIndexLocked(kind Kind) map[string]string {
	index := map[string]string{}
	for _, c := range e.canonicalsLocked(kind) {
		for _, name := range []string{c.NameUA, c.NameRU} {
			key := Normalize(name)
			if key == "" {
				continue
			}
			if _, taken := index[key]; !taken {
				index[key] = c.ID
			}
		}
	}
	return index
}

// displayNameLocked is the entity's name after its marketplace's column
// aliases are applied.
func (e *Engine) displayNameLocked(ent *MpEntity) string {
	return e.columnMappingLocked(ent).Field(ent, FieldName)
}

// AutoMap links marketplace entities to canonical entities whose normalized
// name equals theirs. No ids means every unmapped entity of the kind. Item
// failures land in the result; the batch always completes.
func (e *Engine) AutoMap(ctx context.Context, kind Kind, mpIDs []string) (AutoMapResult, error) {
	res := AutoMapResult{Mapped: []Mapping{}, NotFound: []string{}, Failed: []ItemError{}}
	if _, ok := mappingTables[kind]; !ok {
		return res, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	if len(mpIDs) == 0 {
		for _, ent := range e.graphs[kind].Unmapped() {
			mpIDs = append(mpIDs, ent.ID)
		}
	}
	err := e.write(func(w *writeScope) error {
		e.mu.RLock()
		index := e.canonicalIndexLocked(kind)
		e.mu.RUnlock()

		for _, raw := range mpIDs {
			id := strings.TrimSpace(raw)
			if err := ctx.Err(); err != nil {
				res.Failed = append(res.Failed, ItemError{ID: id, Err: err})
				continue
			}
			e.mu.RLock()
			ent := e.resolveMpLocked(kind, id)
			name := ""
			if ent != nil {
				name = e.displayNameLocked(ent)
			}
			e.mu.RUnlock()
			if ent == nil {
				res.Failed = append(res.Failed, ItemError{ID: id, Err: fmt.Errorf("%w: marketplace %s %s", ErrEntityNotFound, kind, id)})
				continue
			}
			canonicalID, ok := index[Normalize(name)]
			if !ok || name == "" {
				res.NotFound = append(res.NotFound, id)
				continue
			}
			m, _, err := e.createMapping(ctx, w, kind, canonicalID, ent.ID)
			if err != nil {
				res.Failed = append(res.Failed, ItemError{ID: id, Err: err})
				continue
			}
			res.Mapped = append(res.Mapped, *m)
		}
		return nil
	})
	e.logger.Info("auto-map finished",
		zap.String("kind", string(kind)),
		zap.Int("mapped", len(res.Mapped)),
		zap.Int("not_found", len(res.NotFound)),
		zap.Int("failed", len(res.Failed)))
	return res, err
}
