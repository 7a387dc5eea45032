package taxonomy

import (
	"strings"
)

// Table describes one sheet: its title, the column order new sheets are
// created with, the id prefix and the legacy column names still accepted
// on read.
type Table struct {
	Title    string
	Columns  []string
	IDPrefix string
	aliases  map[string]string
}

var (
	TableCategories = Table{
		Title:    "Categories",
		Columns:  []string{"id", "name_ua", "name_ru", "parent_id", "grouping", "created_at", "updated_at"},
		IDPrefix: "cat",
		aliases:  map[string]string{"name": "name_ua", "parent": "parent_id"},
	}
	TableCharacteristics = Table{
		Title: "Characteristics",
		Columns: []string{"id", "id_directory", "name_ua", "name_ru", "type", "unit", "filter_type", "is_global",
			"category_ids", "block_number", "updated_at", "sort_order", "col_size", "hint"},
		IDPrefix: "char",
		aliases:  map[string]string{"name": "name_ua", "category_id": "category_ids"},
	}
	TableOptions = Table{
		Title:    "Options",
		Columns:  []string{"id", "id_directory", "characteristic_id", "value_ua", "value_ru", "sort_order", "parent_option_id", "created_at"},
		IDPrefix: "opt",
		aliases:  map[string]string{"char_id": "characteristic_id", "value": "value_ua"},
	}
	TableMarketplaces = Table{
		Title:    "Marketplaces",
		Columns:  []string{"id", "name", "slug", "is_active", "column_mapping", "created_at"},
		IDPrefix: "mp",
	}
)

var mappingAliases = map[string]string{
	"category_id":          "canonical_id",
	"characteristic_id":    "canonical_id",
	"option_id":            "canonical_id",
	"mp_category_id":       "marketplace_entity_id",
	"mp_characteristic_id": "marketplace_entity_id",
	"mp_option_id":         "marketplace_entity_id",
}

var mappingTables = map[Kind]Table{
	KindCategory: {
		Title:    "MapCategories",
		Columns:  []string{"id", "canonical_id", "marketplace_entity_id", "created_at"},
		IDPrefix: "map-cat",
		aliases:  mappingAliases,
	},
	KindCharacteristic: {
		Title:    "MapCharacteristics",
		Columns:  []string{"id", "canonical_id", "marketplace_entity_id", "created_at"},
		IDPrefix: "map-char",
		aliases:  mappingAliases,
	},
	KindOption: {
		Title:    "MapOptions",
		Columns:  []string{"id", "canonical_id", "marketplace_entity_id", "created_at"},
		IDPrefix: "map-opt",
		aliases:  mappingAliases,
	},
}

var mpTables = map[Kind]Table{
	KindCategory: {
		Title:   "MpCategories",
		Columns: []string{"id", "marketplace_id", "external_id", "name", "parent_id", "data", "file_id"},
	},
	KindCharacteristic: {
		Title:   "MpCharacteristics",
		Columns: []string{"id", "marketplace_id", "external_id", "name", "type", "data"},
	},
	KindOption: {
		Title:   "MpOptions",
		Columns: []string{"id", "marketplace_id", "external_id", "char_id", "name", "data"},
	},
}

var canonicalTables = map[Kind]Table{
	KindCategory:       TableCategories,
	KindCharacteristic: TableCharacteristics,
	KindOption:         TableOptions,
}

func MappingTable(kind Kind) Table { return mappingTables[kind] }

func MpTable(kind Kind) Table { return mpTables[kind] }

func CanonicalTable(kind Kind) Table { return canonicalTables[kind] }

// AllTables lists every sheet the engine reads, in creation order.
func AllTables() []Table {
	out := []Table{TableCategories, TableCharacteristics, TableOptions, TableMarketplaces}
	for _, kind := range Kinds {
		out = append(out, mpTables[kind])
	}
	for _, kind := range Kinds {
		out = append(out, mappingTables[kind])
	}
	return out
}

// resolveHeader turns raw header cells into field names. An alias only
// applies when the current name is absent, so a sheet carrying both keeps
// the current column.
func (t Table) resolveHeader(raw []string) []string {
	present := make(map[string]bool, len(raw))
	for _, cell := range raw {
		present[normalizeColumn(cell)] = true
	}
	out := make([]string, len(raw))
	for i, cell := range raw {
		name := normalizeColumn(cell)
		if target, ok := t.aliases[name]; ok && !present[target] {
			name = target
		}
		out[i] = name
	}
	return out
}

func normalizeColumn(cell string) string {
	return strings.ToLower(strings.TrimSpace(cell))
}

// rowData is one decoded sheet row keyed by field name.
type rowData struct {
	fields   map[string]string
	rowIndex int
}

func (r rowData) get(name string) string {
	return strings.TrimSpace(r.fields[name])
}

// decodeRows keys each data row by the resolved header. Row 0 is the header
// and occupies sheet row 1, so data row i sits at sheet row i+1. Rows with
// an empty id, or an id equal to the header's own id cell, are dropped.
func decodeRows(t Table, values [][]string) ([]string, []rowData) {
	if len(values) == 0 {
		return nil, nil
	}
	header := t.resolveHeader(values[0])
	idCol := -1
	for i, name := range header {
		if name == "id" {
			idCol = i
			break
		}
	}
	if idCol < 0 {
		return header, nil
	}
	headerID := strings.TrimSpace(values[0][idCol])
	out := make([]rowData, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		row := values[i]
		fields := make(map[string]string, len(header))
		for j, name := range header {
			if name == "" || j >= len(row) {
				continue
			}
			if _, dup := fields[name]; dup {
				continue
			}
			fields[name] = row[j]
		}
		id := strings.TrimSpace(fields["id"])
		if id == "" || id == headerID {
			continue
		}
		out = append(out, rowData{fields: fields, rowIndex: i + 1})
	}
	return header, out
}

// encodeRow lays fields out in header order; unknown columns stay blank.
func encodeRow(header []string, fields map[string]string) []string {
	row := make([]string, len(header))
	for i, name := range header {
		row[i] = fields[name]
	}
	return row
}

// extraFields returns the columns a typed record does not model, so an
// update writes them back unchanged.
func extraFields(r rowData, known []string) map[string]string {
	var out map[string]string
	skip := make(map[string]bool, len(known))
	for _, k := range known {
		skip[k] = true
	}
	for name, value := range r.fields {
		if skip[name] {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[name] = value
	}
	return out
}

func mergeExtra(fields, extra map[string]string) map[string]string {
	for k, v := range extra {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	return fields
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "y", "x", "так", "да":
		return true
	}
	return false
}

func formatBool(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}

func splitIDs(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var categoryColumns = TableCategories.Columns

func categoryFromRow(r rowData) *Category {
	return &Category{
		ID:        r.get("id"),
		NameUA:    r.get("name_ua"),
		NameRU:    r.get("name_ru"),
		ParentID:  r.get("parent_id"),
		Grouping:  r.get("grouping"),
		CreatedAt: r.get("created_at"),
		UpdatedAt: r.get("updated_at"),
		Extra:     extraFields(r, categoryColumns),
		RowIndex:  r.rowIndex,
	}
}

func (c *Category) fields() map[string]string {
	return mergeExtra(map[string]string{
		"id":         c.ID,
		"name_ua":    c.NameUA,
		"name_ru":    c.NameRU,
		"parent_id":  c.ParentID,
		"grouping":   c.Grouping,
		"created_at": c.CreatedAt,
		"updated_at": c.UpdatedAt,
	}, c.Extra)
}

var characteristicColumns = append(append([]string(nil), TableCharacteristics.Columns...), "parent_option_id")

func characteristicFromRow(r rowData) *Characteristic {
	return &Characteristic{
		ID:             r.get("id"),
		IDDirectory:    r.get("id_directory"),
		NameUA:         r.get("name_ua"),
		NameRU:         r.get("name_ru"),
		Type:           r.get("type"),
		Unit:           r.get("unit"),
		FilterType:     r.get("filter_type"),
		IsGlobal:       parseBool(r.get("is_global")),
		CategoryIDs:    splitIDs(r.get("category_ids")),
		BlockNumber:    r.get("block_number"),
		UpdatedAt:      r.get("updated_at"),
		SortOrder:      r.get("sort_order"),
		ColSize:        r.get("col_size"),
		Hint:           r.get("hint"),
		ParentOptionID: r.get("parent_option_id"),
		Extra:          extraFields(r, characteristicColumns),
		RowIndex:       r.rowIndex,
	}
}

func (c *Characteristic) fields() map[string]string {
	return mergeExtra(map[string]string{
		"id":               c.ID,
		"id_directory":     c.IDDirectory,
		"name_ua":          c.NameUA,
		"name_ru":          c.NameRU,
		"type":             c.Type,
		"unit":             c.Unit,
		"filter_type":      c.FilterType,
		"is_global":        formatBool(c.IsGlobal),
		"category_ids":     strings.Join(c.CategoryIDs, ","),
		"block_number":     c.BlockNumber,
		"updated_at":       c.UpdatedAt,
		"sort_order":       c.SortOrder,
		"col_size":         c.ColSize,
		"hint":             c.Hint,
		"parent_option_id": c.ParentOptionID,
	}, c.Extra)
}

var optionColumns = TableOptions.Columns

func optionFromRow(r rowData) *Option {
	return &Option{
		ID:               r.get("id"),
		IDDirectory:      r.get("id_directory"),
		CharacteristicID: r.get("characteristic_id"),
		ValueUA:          r.get("value_ua"),
		ValueRU:          r.get("value_ru"),
		SortOrder:        r.get("sort_order"),
		ParentOptionID:   r.get("parent_option_id"),
		CreatedAt:        r.get("created_at"),
		Extra:            extraFields(r, optionColumns),
		RowIndex:         r.rowIndex,
	}
}

func (o *Option) fields() map[string]string {
	return mergeExtra(map[string]string{
		"id":                o.ID,
		"id_directory":      o.IDDirectory,
		"characteristic_id": o.CharacteristicID,
		"value_ua":          o.ValueUA,
		"value_ru":          o.ValueRU,
		"sort_order":        o.SortOrder,
		"parent_option_id":  o.ParentOptionID,
		"created_at":        o.CreatedAt,
	}, o.Extra)
}

func mappingFromRow(kind Kind, r rowData) *Mapping {
	return &Mapping{
		Kind:        kind,
		ID:          r.get("id"),
		CanonicalID: r.get("canonical_id"),
		MpEntityID:  r.get("marketplace_entity_id"),
		CreatedAt:   r.get("created_at"),
		RowIndex:    r.rowIndex,
	}
}

func (m *Mapping) fields() map[string]string {
	return map[string]string{
		"id":                    m.ID,
		"canonical_id":          m.CanonicalID,
		"marketplace_entity_id": m.MpEntityID,
		"created_at":            m.CreatedAt,
	}
}
