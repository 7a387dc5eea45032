package taxonomy

import (
	"context"
	"fmt"
	"strings"
)

// appendRecord writes the row remotely, then adds the record to coll. The
// caller has already assigned id and local row.
func appendRecord[T record](ctx context.Context, e *Engine, t Table, coll *[]T, item T, fields func() map[string]string) error {
	if err := e.repo.appendRow(ctx, t, fields()); err != nil {
		return err
	}
	e.mu.Lock()
	*coll = append(*coll, item)
	e.mu.Unlock()
	return nil
}

func (e *Engine) CreateCategory(ctx context.Context, in Category) (Category, error) {
	var out Category
	err := e.write(func(w *writeScope) error {
		if strings.TrimSpace(in.NameUA) == "" {
			return fmt.Errorf("%w: name_ua is required", ErrInvalidInput)
		}
		e.mu.RLock()
		if in.ParentID != "" && findByKey(e.categories, in.ParentID) == nil {
			e.mu.RUnlock()
			return fmt.Errorf("%w: parent category %s", ErrEntityNotFound, in.ParentID)
		}
		c := in
		c.ID = GenerateID(TableCategories.IDPrefix, e.categories)
		c.RowIndex = NextRowIndex(e.categories)
		e.mu.RUnlock()
		c.NameUA = strings.TrimSpace(c.NameUA)
		c.CreatedAt = e.repo.timestamp()
		c.UpdatedAt = c.CreatedAt

		if err := appendRecord(ctx, e, TableCategories, &e.categories, &c, c.fields); err != nil {
			return err
		}
		out = c
		w.emit(Event{Kind: EventEntityChanged, Entity: KindCategory, ID: c.ID, Tables: []string{TableCategories.Title}})
		return nil
	})
	return out, err
}

// UpdateCategory overwrites the category's row. The id, row, creation time
// and unmodelled columns are kept from the stored record.
func (e *Engine) UpdateCategory(ctx context.Context, in Category) (Category, error) {
	var out Category
	err := e.write(func(w *writeScope) error {
		e.mu.RLock()
		cur := findByKey(e.categories, strings.TrimSpace(in.ID))
		var next Category
		if cur != nil {
			next = in
			next.ID, next.RowIndex, next.CreatedAt, next.Extra = cur.ID, cur.RowIndex, cur.CreatedAt, cur.Extra
		}
		e.mu.RUnlock()
		if cur == nil {
			return fmt.Errorf("%w: category %s", ErrEntityNotFound, in.ID)
		}
		if strings.TrimSpace(next.NameUA) == "" {
			return fmt.Errorf("%w: name_ua is required", ErrInvalidInput)
		}
		if next.ParentID == next.ID {
			return fmt.Errorf("%w: category cannot be its own parent", ErrInvalidInput)
		}
		next.UpdatedAt = e.repo.timestamp()
		if err := e.repo.updateRow(ctx, TableCategories, next.RowIndex, next.fields()); err != nil {
			return err
		}
		e.mu.Lock()
		*cur = next
		e.mu.Unlock()
		out = next
		w.emit(Event{Kind: EventEntityChanged, Entity: KindCategory, ID: next.ID, Tables: []string{TableCategories.Title}})
		return nil
	})
	return out, err
}

func (e *Engine) CreateCharacteristic(ctx context.Context, in Characteristic) (Characteristic, error) {
	var out Characteristic
	err := e.write(func(w *writeScope) error {
		if strings.TrimSpace(in.NameUA) == "" {
			return fmt.Errorf("%w: name_ua is required", ErrInvalidInput)
		}
		e.mu.RLock()
		c := in
		c.ID = GenerateID(TableCharacteristics.IDPrefix, e.characteristics)
		c.RowIndex = NextRowIndex(e.characteristics)
		e.mu.RUnlock()
		c.NameUA = strings.TrimSpace(c.NameUA)
		c.CategoryIDs = append([]string(nil), in.CategoryIDs...)
		c.UpdatedAt = e.repo.timestamp()

		if err := appendRecord(ctx, e, TableCharacteristics, &e.characteristics, &c, c.fields); err != nil {
			return err
		}
		out = c
		w.emit(Event{Kind: EventEntityChanged, Entity: KindCharacteristic, ID: c.ID, Tables: []string{TableCharacteristics.Title}})
		return nil
	})
	return out, err
}

func (e *Engine) UpdateCharacteristic(ctx context.Context, in Characteristic) (Characteristic, error) {
	var out Characteristic
	err := e.write(func(w *writeScope) error {
		e.mu.RLock()
		cur := findByKey(e.characteristics, strings.TrimSpace(in.ID))
		var next Characteristic
		if cur != nil {
			next = in
			next.ID, next.RowIndex, next.Extra = cur.ID, cur.RowIndex, cur.Extra
		}
		e.mu.RUnlock()
		if cur == nil {
			return fmt.Errorf("%w: characteristic %s", ErrEntityNotFound, in.ID)
		}
		if strings.TrimSpace(next.NameUA) == "" {
			return fmt.Errorf("%w: name_ua is required", ErrInvalidInput)
		}
		next.CategoryIDs = append([]string(nil), in.CategoryIDs...)
		next.UpdatedAt = e.repo.timestamp()
		if err := e.repo.updateRow(ctx, TableCharacteristics, next.RowIndex, next.fields()); err != nil {
			return err
		}
		e.mu.Lock()
		*cur = next
		e.mu.Unlock()
		out = next
		w.emit(Event{Kind: EventEntityChanged, Entity: KindCharacteristic, ID: next.ID, Tables: []string{TableCharacteristics.Title}})
		return nil
	})
	return out, err
}

func (e *Engine) CreateOption(ctx context.Context, in Option) (Option, error) {
	var out Option
	err := e.write(func(w *writeScope) error {
		if strings.TrimSpace(in.ValueUA) == "" {
			return fmt.Errorf("%w: value_ua is required", ErrInvalidInput)
		}
		e.mu.RLock()
		if findByKey(e.characteristics, strings.TrimSpace(in.CharacteristicID)) == nil {
			e.mu.RUnlock()
			return fmt.Errorf("%w: characteristic %s", ErrEntityNotFound, in.CharacteristicID)
		}
		o := in
		o.ID = GenerateID(TableOptions.IDPrefix, e.options)
		o.RowIndex = NextRowIndex(e.options)
		e.mu.RUnlock()
		o.CharacteristicID = strings.TrimSpace(o.CharacteristicID)
		o.ValueUA = strings.TrimSpace(o.ValueUA)
		o.CreatedAt = e.repo.timestamp()

		if err := appendRecord(ctx, e, TableOptions, &e.options, &o, o.fields); err != nil {
			return err
		}
		out = o
		w.emit(Event{Kind: EventEntityChanged, Entity: KindOption, ID: o.ID, Tables: []string{TableOptions.Title}})
		return nil
	})
	return out, err
}

func (e *Engine) UpdateOption(ctx context.Context, in Option) (Option, error) {
	var out Option
	err := e.write(func(w *writeScope) error {
		e.mu.RLock()
		cur := findByKey(e.options, strings.TrimSpace(in.ID))
		var next Option
		if cur != nil {
			next = in
			next.ID, next.RowIndex, next.CreatedAt, next.Extra = cur.ID, cur.RowIndex, cur.CreatedAt, cur.Extra
			if next.CharacteristicID == "" {
				next.CharacteristicID = cur.CharacteristicID
			}
		}
		e.mu.RUnlock()
		if cur == nil {
			return fmt.Errorf("%w: option %s", ErrEntityNotFound, in.ID)
		}
		if strings.TrimSpace(next.ValueUA) == "" {
			return fmt.Errorf("%w: value_ua is required", ErrInvalidInput)
		}
		if err := e.repo.updateRow(ctx, TableOptions, next.RowIndex, next.fields()); err != nil {
			return err
		}
		e.mu.Lock()
		*cur = next
		e.mu.Unlock()
		out = next
		w.emit(Event{Kind: EventEntityChanged, Entity: KindOption, ID: next.ID, Tables: []string{TableOptions.Title}})
		return nil
	})
	return out, err
}

// MarketplaceInput is the writable part of a marketplace. ColumnMapping is
// the raw JSON dictionary and is validated before anything is written.
type MarketplaceInput struct {
	Name          string `json:"name"`
	Slug          string `json:"slug"`
	IsActive      *bool  `json:"is_active,omitempty"`
	ColumnMapping string `json:"column_mapping"`
}

func (in MarketplaceInput) columnMapping() (ColumnMapping, error) {
	return ParseColumnMapping(in.ColumnMapping)
}

func slugify(name string) string {
	return strings.ReplaceAll(Normalize(name), " ", "-")
}

func (e *Engine) CreateMarketplace(ctx context.Context, in MarketplaceInput) (Marketplace, error) {
	var out Marketplace
	err := e.write(func(w *writeScope) error {
		if strings.TrimSpace(in.Name) == "" {
			return fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		cm, err := in.columnMapping()
		if err != nil {
			return err
		}
		m := Marketplace{
			Name:          strings.TrimSpace(in.Name),
			Slug:          strings.TrimSpace(in.Slug),
			IsActive:      in.IsActive == nil || *in.IsActive,
			ColumnMapping: cm,
			CreatedAt:     e.repo.timestamp(),
		}
		if m.Slug == "" {
			m.Slug = slugify(m.Name)
		}
		e.mu.RLock()
		m.ID = GenerateID(TableMarketplaces.IDPrefix, e.marketplaces)
		m.RowIndex = NextRowIndex(e.marketplaces)
		e.mu.RUnlock()

		if err := appendRecord(ctx, e, TableMarketplaces, &e.marketplaces, &m, m.fields); err != nil {
			return err
		}
		out = m
		w.emit(Event{Kind: EventEntityChanged, ID: m.ID, Tables: []string{TableMarketplaces.Title}})
		return nil
	})
	return out, err
}

func (e *Engine) UpdateMarketplace(ctx context.Context, id string, in MarketplaceInput) (Marketplace, error) {
	var out Marketplace
	err := e.write(func(w *writeScope) error {
		cm, err := in.columnMapping()
		if err != nil {
			return err
		}
		e.mu.RLock()
		cur := e.marketplaceLocked(strings.TrimSpace(id))
		var next Marketplace
		if cur != nil {
			next = *cur
		}
		e.mu.RUnlock()
		if cur == nil {
			return fmt.Errorf("%w: marketplace %s", ErrEntityNotFound, id)
		}
		if name := strings.TrimSpace(in.Name); name != "" {
			next.Name = name
		}
		if slug := strings.TrimSpace(in.Slug); slug != "" {
			next.Slug = slug
		}
		if in.IsActive != nil {
			next.IsActive = *in.IsActive
		}
		next.ColumnMapping = cm
		if err := e.repo.updateRow(ctx, TableMarketplaces, next.RowIndex, next.fields()); err != nil {
			return err
		}
		e.mu.Lock()
		*cur = next
		e.mu.Unlock()
		out = next
		w.emit(Event{Kind: EventEntityChanged, ID: next.ID, Tables: []string{TableMarketplaces.Title}})
		return nil
	})
	return out, err
}
