package taxonomy

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrEntityNotFound       = fmt.Errorf("entity %w", ErrNotFound)
	ErrMappingNotFound      = fmt.Errorf("mapping %w", ErrNotFound)
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidColumnMapping = errors.New("invalid column mapping")
	ErrWizardState          = errors.New("wizard state")
)

// ItemError reports the failure of one item inside a batch.
type ItemError struct {
	ID  string
	Err error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.ID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

func (e ItemError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		ID    string `json:"id"`
		Error string `json:"error"`
	}{ID: e.ID, Error: msg})
}

// Kind selects one of the three parallel taxonomies.
type Kind string

const (
	KindCategory       Kind = "category"
	KindCharacteristic Kind = "characteristic"
	KindOption         Kind = "option"
)

var Kinds = []Kind{KindCategory, KindCharacteristic, KindOption}

func ParseKind(raw string) (Kind, error) {
	switch raw {
	case "category", "categories":
		return KindCategory, nil
	case "characteristic", "characteristics":
		return KindCharacteristic, nil
	case "option", "options":
		return KindOption, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, raw)
}

type Category struct {
	ID        string            `json:"id"`
	NameUA    string            `json:"name_ua"`
	NameRU    string            `json:"name_ru"`
	ParentID  string            `json:"parent_id"`
	Grouping  string            `json:"grouping"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
	Extra     map[string]string `json:"extra,omitempty"`
	RowIndex  int               `json:"row_index"`
}

type Characteristic struct {
	ID             string            `json:"id"`
	IDDirectory    string            `json:"id_directory"`
	NameUA         string            `json:"name_ua"`
	NameRU         string            `json:"name_ru"`
	Type           string            `json:"type"`
	Unit           string            `json:"unit"`
	FilterType     string            `json:"filter_type"`
	IsGlobal       bool              `json:"is_global"`
	CategoryIDs    []string          `json:"category_ids"`
	BlockNumber    string            `json:"block_number"`
	UpdatedAt      string            `json:"updated_at"`
	SortOrder      string            `json:"sort_order"`
	ColSize        string            `json:"col_size"`
	Hint           string            `json:"hint"`
	ParentOptionID string            `json:"parent_option_id,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
	RowIndex       int               `json:"row_index"`
}

// AppliesTo reports whether the characteristic is offered under a category.
func (c *Characteristic) AppliesTo(categoryID string) bool {
	if c.IsGlobal {
		return true
	}
	for _, id := range c.CategoryIDs {
		if id == categoryID {
			return true
		}
	}
	return false
}

type Option struct {
	ID               string            `json:"id"`
	IDDirectory      string            `json:"id_directory"`
	CharacteristicID string            `json:"characteristic_id"`
	ValueUA          string            `json:"value_ua"`
	ValueRU          string            `json:"value_ru"`
	SortOrder        string            `json:"sort_order"`
	ParentOptionID   string            `json:"parent_option_id"`
	CreatedAt        string            `json:"created_at"`
	Extra            map[string]string `json:"extra,omitempty"`
	RowIndex         int               `json:"row_index"`
}

// Canonical is the kind-independent view of a canonical entity used by the
// matchers.
type Canonical struct {
	Kind     Kind   `json:"kind"`
	ID       string `json:"id"`
	NameUA   string `json:"name_ua"`
	NameRU   string `json:"name_ru"`
	ParentID string `json:"parent_id,omitempty"`
}

func (c *Category) Canonical() Canonical {
	return Canonical{Kind: KindCategory, ID: c.ID, NameUA: c.NameUA, NameRU: c.NameRU, ParentID: c.ParentID}
}

func (c *Characteristic) Canonical() Canonical {
	return Canonical{Kind: KindCharacteristic, ID: c.ID, NameUA: c.NameUA, NameRU: c.NameRU, ParentID: c.ParentOptionID}
}

func (o *Option) Canonical() Canonical {
	return Canonical{Kind: KindOption, ID: o.ID, NameUA: o.ValueUA, NameRU: o.ValueRU, ParentID: o.ParentOptionID}
}

// MpEntity is a category, characteristic or option as published by one
// marketplace. Payload holds every source-native column plus the fields of
// the data blob.
type MpEntity struct {
	Kind          Kind           `json:"kind"`
	ID            string         `json:"id"`
	MarketplaceID string         `json:"marketplace_id"`
	ExternalID    string         `json:"external_id"`
	FileID        string         `json:"file_id,omitempty"`
	Data          string         `json:"data,omitempty"`
	Payload       map[string]any `json:"payload"`
	RowIndex      int            `json:"row_index"`
}

// Matches reports whether ref names this entity by internal or external id.
func (m *MpEntity) Matches(ref string) bool {
	return ref != "" && (ref == m.ID || (m.ExternalID != "" && ref == m.ExternalID))
}

type Mapping struct {
	Kind        Kind   `json:"kind"`
	ID          string `json:"id"`
	CanonicalID string `json:"canonical_id"`
	MpEntityID  string `json:"marketplace_entity_id"`
	CreatedAt   string `json:"created_at"`
	RowIndex    int    `json:"row_index"`
}

type Marketplace struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Slug          string        `json:"slug"`
	IsActive      bool          `json:"is_active"`
	ColumnMapping ColumnMapping `json:"column_mapping"`
	CreatedAt     string        `json:"created_at"`
	RowIndex      int           `json:"row_index"`
}

// Row-indexed records share these accessors so the mutator can splice and
// shift any collection.
type record interface {
	key() string
	rowIndex() int
	setRowIndex(int)
}

func (c *Category) key() string       { return c.ID }
func (c *Category) rowIndex() int     { return c.RowIndex }
func (c *Category) setRowIndex(i int) { c.RowIndex = i }

func (c *Characteristic) key() string       { return c.ID }
func (c *Characteristic) rowIndex() int     { return c.RowIndex }
func (c *Characteristic) setRowIndex(i int) { c.RowIndex = i }

func (o *Option) key() string       { return o.ID }
func (o *Option) rowIndex() int     { return o.RowIndex }
func (o *Option) setRowIndex(i int) { o.RowIndex = i }

func (m *MpEntity) key() string       { return m.ID }
func (m *MpEntity) rowIndex() int     { return m.RowIndex }
func (m *MpEntity) setRowIndex(i int) { m.RowIndex = i }

func (m *Mapping) key() string       { return m.ID }
func (m *Mapping) rowIndex() int     { return m.RowIndex }
func (m *Mapping) setRowIndex(i int) { m.RowIndex = i }

func (m *Marketplace) key() string       { return m.ID }
func (m *Marketplace) rowIndex() int     { return m.RowIndex }
func (m *Marketplace) setRowIndex(i int) { m.RowIndex = i }
