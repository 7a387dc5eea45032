package taxonomy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Standard field names a marketplace's native columns can be aliased to.
const (
	FieldName     = "name"
	FieldParentID = "parent_id"
	FieldType     = "type"
	FieldCharID   = "char_id"
	FieldCharName = "char_name"
)

// ColumnMapping aliases native field names to standard ones, per kind:
// {"category": {"subjectName": "name", "parentID": "parent_id"}}.
type ColumnMapping map[Kind]map[string]string

const columnMappingSchemaURL = "column_mapping.schema.json"

const columnMappingSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"category": {"$ref": "#/$defs/aliases"},
		"characteristic": {"$ref": "#/$defs/aliases"},
		"option": {"$ref": "#/$defs/aliases"}
	},
	"additionalProperties": false,
	"$defs": {
		"aliases": {
			"type": "object",
			"propertyNames": {"minLength": 1},
			"additionalProperties": {"enum": ["name", "parent_id", "type", "char_id", "char_name"]}
		}
	}
}`

var (
	columnSchemaOnce sync.Once
	columnSchema     *jsonschema.Schema
	columnSchemaErr  error
)

func compiledColumnSchema() (*jsonschema.Schema, error) {
	columnSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(columnMappingSchema))
		if err != nil {
			columnSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(columnMappingSchemaURL, doc); err != nil {
			columnSchemaErr = err
			return
		}
		columnSchema, columnSchemaErr = c.Compile(columnMappingSchemaURL)
	})
	return columnSchema, columnSchemaErr
}

// ParseColumnMapping validates raw against the column mapping schema. An
// empty cell is an empty mapping.
func ParseColumnMapping(raw string) (ColumnMapping, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ColumnMapping{}, nil
	}
	schema, err := compiledColumnSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidColumnMapping, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidColumnMapping, err)
	}
	var out ColumnMapping
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidColumnMapping, err)
	}
	if out == nil {
		out = ColumnMapping{}
	}
	return out, nil
}

func (cm ColumnMapping) String() string {
	if len(cm) == 0 {
		return ""
	}
	data, err := json.Marshal(cm)
	if err != nil {
		return ""
	}
	return string(data)
}

// nativeNames lists the native columns aliased to standard for kind, sorted
// so resolution is deterministic.
func (cm ColumnMapping) nativeNames(kind Kind, standard string) []string {
	var out []string
	for native, std := range cm[kind] {
		if std == standard {
			out = append(out, native)
		}
	}
	sort.Strings(out)
	return out
}

var standardFallbacks = map[string][]string{
	FieldName:     {"name", "name_ua", "title", "value", "value_ua", "name_ru"},
	FieldParentID: {"parent_id", "parentid", "parent"},
	FieldType:     {"type"},
	FieldCharID:   {"char_id", "characteristic_id"},
	FieldCharName: {"char_name", "characteristic_name"},
}

// Field resolves a standard field on a marketplace entity: aliased native
// columns first, then the conventional names.
func (cm ColumnMapping) Field(e *MpEntity, standard string) string {
	if e == nil {
		return ""
	}
	for _, native := range cm.nativeNames(e.Kind, standard) {
		if v := payloadString(e.Payload, native); v != "" {
			return v
		}
	}
	for _, name := range standardFallbacks[standard] {
		if v := payloadString(e.Payload, name); v != "" {
			return v
		}
	}
	return ""
}

func payloadString(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		lower := strings.ToLower(key)
		for k, candidate := range payload {
			if strings.ToLower(k) == lower {
				v, ok = candidate, true
				break
			}
		}
		if !ok {
			return ""
		}
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}
