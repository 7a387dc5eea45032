package taxonomy

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// CascadeReport counts what a cascading delete removed, per table.
type CascadeReport struct {
	Removed map[string]int `json:"removed"`
}

func (r *CascadeReport) add(table string, n int) {
	if n == 0 {
		return
	}
	if r.Removed == nil {
		r.Removed = map[string]int{}
	}
	r.Removed[table] += n
}

// mpDeleteOrder is the order marketplace entity tables are emptied in.
var mpDeleteOrder = []Kind{KindOption, KindCharacteristic, KindCategory}

// DeleteMarketplace removes a marketplace and everything hanging off it:
// first every mapping referencing its entities, then the entities (options,
// characteristics, categories; one batch per table), then its own row.
func (e *Engine) DeleteMarketplace(ctx context.Context, id string) (CascadeReport, error) {
	var report CascadeReport
	id = strings.TrimSpace(id)
	err := e.write(func(w *writeScope) error {
		e.mu.RLock()
		mp := e.marketplaceLocked(id)
		owned := map[Kind][]*MpEntity{}
		doomed := map[Kind][]*Mapping{}
		if mp != nil {
			for _, kind := range Kinds {
				for _, ent := range e.mpEntities[kind] {
					if ent.MarketplaceID == id {
						owned[kind] = append(owned[kind], ent)
					}
				}
				for _, m := range e.mappings[kind] {
					for _, ent := range owned[kind] {
						if ent.Matches(m.MpEntityID) {
							doomed[kind] = append(doomed[kind], m)
							break
						}
					}
				}
			}
		}
		e.mu.RUnlock()
		if mp == nil {
			return fmt.Errorf("%w: marketplace %s", ErrEntityNotFound, id)
		}

		for _, kind := range Kinds {
			if err := e.deleteMappings(ctx, w, kind, doomed[kind]); err != nil {
				return err
			}
			report.add(mappingTables[kind].Title, len(doomed[kind]))
		}
		for _, kind := range mpDeleteOrder {
			if err := e.deleteMpEntities(ctx, kind, owned[kind]); err != nil {
				return err
			}
			report.add(mpTables[kind].Title, len(owned[kind]))
		}
		if err := e.repo.HardDelete(ctx, TableMarketplaces.Title, mp.RowIndex); err != nil {
			return err
		}
		e.mu.Lock()
		e.marketplaces = spliceDeleted(e.marketplaces, []int{mp.RowIndex})
		e.mu.Unlock()
		report.add(TableMarketplaces.Title, 1)

		e.logger.Info("marketplace deleted", zap.String("id", id), zap.Any("removed", report.Removed))
		w.emit(Event{Kind: EventMarketplaceDeleted, ID: id, Counts: report.Removed})
		return nil
	})
	return report, err
}

func (e *Engine) deleteMpEntities(ctx context.Context, kind Kind, items []*MpEntity) error {
	if len(items) == 0 {
		return nil
	}
	t := mpTables[kind]
	rows := make([]int, 0, len(items))
	for _, ent := range items {
		rows = append(rows, ent.RowIndex)
	}
	if err := e.repo.HardDeleteBatch(ctx, t.Title, rows); err != nil {
		return err
	}
	e.mu.Lock()
	e.mpEntities[kind] = spliceDeleted(e.mpEntities[kind], rows)
	e.mu.Unlock()
	return nil
}

// canonicalMappingsLocked collects mapping rows pointing at any of ids.
func (e *Engine) canonicalMappingsLocked(kind Kind, ids map[string]bool) []*Mapping {
	var out []*Mapping
	for _, m := range e.mappings[kind] {
		if ids[m.CanonicalID] {
			out = append(out, m)
		}
	}
	return out
}

// DeleteCategory removes the category's mappings, then the category.
func (e *Engine) DeleteCategory(ctx context.Context, id string) (CascadeReport, error) {
	var report CascadeReport
	err := e.write(func(w *writeScope) error {
		e.mu.RLock()
		c := findByKey(e.categories, strings.TrimSpace(id))
		var doomed []*Mapping
		if c != nil {
			doomed = e.canonicalMappingsLocked(KindCategory, map[string]bool{c.ID: true})
		}
		e.mu.RUnlock()
		if c == nil {
			return fmt.Errorf("%w: category %s", ErrEntityNotFound, id)
		}
		if err := e.deleteMappings(ctx, w, KindCategory, doomed); err != nil {
			return err
		}
		report.add(mappingTables[KindCategory].Title, len(doomed))
		if err := e.repo.HardDelete(ctx, TableCategories.Title, c.RowIndex); err != nil {
			return err
		}
		e.mu.Lock()
		e.categories = spliceDeleted(e.categories, []int{c.RowIndex})
		e.mu.Unlock()
		report.add(TableCategories.Title, 1)
		w.emit(Event{Kind: EventEntityChanged, Entity: KindCategory, ID: c.ID, Tables: []string{TableCategories.Title}})
		return nil
	})
	return report, err
}

// DeleteCharacteristic also removes the characteristic's options; mappings
// of both go first.
func (e *Engine) DeleteCharacteristic(ctx context.Context, id string) (CascadeReport, error) {
	var report CascadeReport
	err := e.write(func(w *writeScope) error {
		e.mu.RLock()
		c := findByKey(e.characteristics, strings.TrimSpace(id))
		var (
			options       []*Option
			optionMaps    []*Mapping
			characterMaps []*Mapping
		)
		if c != nil {
			optionIDs := map[string]bool{}
			for _, o := range e.options {
				if o.CharacteristicID == c.ID {
					options = append(options, o)
					optionIDs[o.ID] = true
				}
			}
			optionMaps = e.canonicalMappingsLocked(KindOption, optionIDs)
			characterMaps = e.canonicalMappingsLocked(KindCharacteristic, map[string]bool{c.ID: true})
		}
		e.mu.RUnlock()
		if c == nil {
			return fmt.Errorf("%w: characteristic %s", ErrEntityNotFound, id)
		}

		if err := e.deleteMappings(ctx, w, KindOption, optionMaps); err != nil {
			return err
		}
		report.add(mappingTables[KindOption].Title, len(optionMaps))
		if err := e.deleteMappings(ctx, w, KindCharacteristic, characterMaps); err != nil {
			return err
		}
		report.add(mappingTables[KindCharacteristic].Title, len(characterMaps))

		if len(options) > 0 {
			rows := make([]int, 0, len(options))
			for _, o := range options {
				rows = append(rows, o.RowIndex)
			}
			if err := e.repo.HardDeleteBatch(ctx, TableOptions.Title, rows); err != nil {
				return err
			}
			e.mu.Lock()
			e.options = spliceDeleted(e.options, rows)
			e.mu.Unlock()
			report.add(TableOptions.Title, len(options))
		}

		if err := e.repo.HardDelete(ctx, TableCharacteristics.Title, c.RowIndex); err != nil {
			return err
		}
		e.mu.Lock()
		e.characteristics = spliceDeleted(e.characteristics, []int{c.RowIndex})
		e.mu.Unlock()
		report.add(TableCharacteristics.Title, 1)
		w.emit(Event{Kind: EventEntityChanged, Entity: KindCharacteristic, ID: c.ID,
			Tables: []string{TableCharacteristics.Title, TableOptions.Title}})
		return nil
	})
	return report, err
}

// DeleteOption removes the option's mappings, then the option.
func (e *Engine) DeleteOption(ctx context.Context, id string) (CascadeReport, error) {
	var report CascadeReport
	err := e.write(func(w *writeScope) error {
		e.mu.RLock()
		o := findByKey(e.options, strings.TrimSpace(id))
		var doomed []*Mapping
		if o != nil {
			doomed = e.canonicalMappingsLocked(KindOption, map[string]bool{o.ID: true})
		}
		e.mu.RUnlock()
		if o == nil {
			return fmt.Errorf("%w: option %s", ErrEntityNotFound, id)
		}
		if err := e.deleteMappings(ctx, w, KindOption, doomed); err != nil {
			return err
		}
		report.add(mappingTables[KindOption].Title, len(doomed))
		if err := e.repo.HardDelete(ctx, TableOptions.Title, o.RowIndex); err != nil {
			return err
		}
		e.mu.Lock()
		e.options = spliceDeleted(e.options, []int{o.RowIndex})
		e.mu.Unlock()
		report.add(TableOptions.Title, 1)
		w.emit(Event{Kind: EventEntityChanged, Entity: KindOption, ID: o.ID, Tables: []string{TableOptions.Title}})
		return nil
	})
	return report, err
}

// DeleteCanonical dispatches to the kind's cascading delete.
func (e *Engine) DeleteCanonical(ctx context.Context, kind Kind, id string) (CascadeReport, error) {
	switch kind {
	case KindCategory:
		return e.DeleteCategory(ctx, id)
	case KindCharacteristic:
		return e.DeleteCharacteristic(ctx, id)
	case KindOption:
		return e.DeleteOption(ctx, id)
	}
	return CascadeReport{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
}
