package taxonomy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/taxomap/internal/sheets"
)

// Repository reads and writes typed records through the remote store. It
// holds no records itself; callers own the collections and must apply the
// splice and shift that follows every delete.
type Repository struct {
	client sheets.Client
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	sheetIDs map[string]int
	headers  map[string][]string
}

// NewRepository wraps client; a nil logger discards output.
func NewRepository(client sheets.Client, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		client:   client,
		logger:   logger,
		now:      time.Now,
		sheetIDs: map[string]int{},
		headers:  map[string][]string{},
	}
}

// Client is the store the repository talks to.
func (r *Repository) Client() sheets.Client {
	return r.client
}

func (r *Repository) timestamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

// fetch reads a whole table and remembers its header for later writes.
func (r *Repository) fetch(ctx context.Context, t Table) ([]rowData, error) {
	values, err := r.client.Get(ctx, t.Title)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", t.Title, err)
	}
	header, rows := decodeRows(t, values)
	if len(header) > 0 {
		r.mu.Lock()
		r.headers[t.Title] = header
		r.mu.Unlock()
	}
	return rows, nil
}

func (r *Repository) header(t Table) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.headers[t.Title]; ok && len(h) > 0 {
		return h
	}
	return t.Columns
}

func (r *Repository) LoadCategories(ctx context.Context) ([]*Category, error) {
	rows, err := r.fetch(ctx, TableCategories)
	if err != nil {
		return nil, err
	}
	out := make([]*Category, 0, len(rows))
	for _, row := range rows {
		out = append(out, categoryFromRow(row))
	}
	return out, nil
}

func (r *Repository) LoadCharacteristics(ctx context.Context) ([]*Characteristic, error) {
	rows, err := r.fetch(ctx, TableCharacteristics)
	if err != nil {
		return nil, err
	}
	out := make([]*Characteristic, 0, len(rows))
	for _, row := range rows {
		out = append(out, characteristicFromRow(row))
	}
	return out, nil
}

func (r *Repository) LoadOptions(ctx context.Context) ([]*Option, error) {
	rows, err := r.fetch(ctx, TableOptions)
	if err != nil {
		return nil, err
	}
	out := make([]*Option, 0, len(rows))
	for _, row := range rows {
		out = append(out, optionFromRow(row))
	}
	return out, nil
}

func (r *Repository) LoadMappings(ctx context.Context, kind Kind) ([]*Mapping, error) {
	rows, err := r.fetch(ctx, mappingTables[kind])
	if err != nil {
		return nil, err
	}
	out := make([]*Mapping, 0, len(rows))
	for _, row := range rows {
		out = append(out, mappingFromRow(kind, row))
	}
	return out, nil
}

var mpKnownColumns = map[string]bool{"id": true, "marketplace_id": true, "external_id": true, "data": true, "file_id": true}

// LoadMpEntities decodes marketplace entities. Columns outside the known set
// land in the payload over the parsed data blob; a blob that does not parse
// is logged and dropped without failing the load.
func (r *Repository) LoadMpEntities(ctx context.Context, kind Kind) ([]*MpEntity, error) {
	t := mpTables[kind]
	rows, err := r.fetch(ctx, t)
	if err != nil {
		return nil, err
	}
	out := make([]*MpEntity, 0, len(rows))
	for _, row := range rows {
		e := &MpEntity{
			Kind:          kind,
			ID:            row.get("id"),
			MarketplaceID: row.get("marketplace_id"),
			ExternalID:    row.get("external_id"),
			FileID:        row.get("file_id"),
			Data:          row.get("data"),
			Payload:       map[string]any{},
			RowIndex:      row.rowIndex,
		}
		if e.Data != "" {
			var blob map[string]any
			if err := json.Unmarshal([]byte(e.Data), &blob); err != nil {
				r.logger.Warn("malformed data blob on marketplace entity",
					zap.String("table", t.Title),
					zap.String("id", e.ID),
					zap.Int("row_index", e.RowIndex),
					zap.Error(err))
				e.Data = ""
			} else {
				for k, v := range blob {
					e.Payload[k] = v
				}
			}
		}
		for name, value := range row.fields {
			if mpKnownColumns[name] || strings.TrimSpace(value) == "" {
				continue
			}
			e.Payload[name] = value
		}
		out = append(out, e)
	}
	return out, nil
}

// LoadMarketplaces keeps marketplaces whose column mapping fails validation,
// with an empty mapping.
func (r *Repository) LoadMarketplaces(ctx context.Context) ([]*Marketplace, error) {
	rows, err := r.fetch(ctx, TableMarketplaces)
	if err != nil {
		return nil, err
	}
	out := make([]*Marketplace, 0, len(rows))
	for _, row := range rows {
		m := &Marketplace{
			ID:        row.get("id"),
			Name:      row.get("name"),
			Slug:      row.get("slug"),
			IsActive:  row.get("is_active") == "" || parseBool(row.get("is_active")),
			CreatedAt: row.get("created_at"),
			RowIndex:  row.rowIndex,
		}
		cm, err := ParseColumnMapping(row.get("column_mapping"))
		if err != nil {
			r.logger.Warn("ignoring column mapping",
				zap.String("table", TableMarketplaces.Title),
				zap.String("id", m.ID),
				zap.Error(err))
			cm = ColumnMapping{}
		}
		m.ColumnMapping = cm
		out = append(out, m)
	}
	return out, nil
}

func (m *Marketplace) fields() map[string]string {
	return map[string]string{
		"id":             m.ID,
		"name":           m.Name,
		"slug":           m.Slug,
		"is_active":      formatBool(m.IsActive),
		"column_mapping": m.ColumnMapping.String(),
		"created_at":     m.CreatedAt,
	}
}

// appendRow writes one record at the end of the table.
func (r *Repository) appendRow(ctx context.Context, t Table, fields map[string]string) error {
	header := r.header(t)
	return r.client.Append(ctx, sheets.ColumnsRange(t.Title, len(header)), [][]string{encodeRow(header, fields)})
}

// updateRow overwrites exactly the record's row.
func (r *Repository) updateRow(ctx context.Context, t Table, rowIndex int, fields map[string]string) error {
	if rowIndex < 2 {
		return fmt.Errorf("%w: row %d in %s", ErrInvalidInput, rowIndex, t.Title)
	}
	header := r.header(t)
	return r.client.Update(ctx, sheets.RowRange(t.Title, rowIndex, len(header)), [][]string{encodeRow(header, fields)})
}

func (r *Repository) sheetID(ctx context.Context, title string) (int, error) {
	r.mu.Lock()
	id, ok := r.sheetIDs[title]
	r.mu.Unlock()
	if ok {
		return id, nil
	}
	infos, err := r.client.GetSheetNames(ctx)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range infos {
		r.sheetIDs[info.Title] = info.SheetID
	}
	id, ok = r.sheetIDs[title]
	if !ok {
		return 0, fmt.Errorf("%w: %s", sheets.ErrSheetNotFound, title)
	}
	return id, nil
}

// HardDelete removes exactly one row. The caller splices the local
// collection afterwards.
func (r *Repository) HardDelete(ctx context.Context, title string, rowIndex int) error {
	return r.HardDeleteBatch(ctx, title, []int{rowIndex})
}

// HardDeleteBatch removes rows in one structural call. Requests run in
// descending row order so no delete shifts a row a later one targets.
func (r *Repository) HardDeleteBatch(ctx context.Context, title string, rowIndices []int) error {
	rows := uniqueDescending(rowIndices)
	if len(rows) == 0 {
		return nil
	}
	if rows[len(rows)-1] < 2 {
		return fmt.Errorf("%w: cannot delete header row of %s", ErrInvalidInput, title)
	}
	id, err := r.sheetID(ctx, title)
	if err != nil {
		return err
	}
	requests := make([]sheets.Request, 0, len(rows))
	for _, row := range rows {
		requests = append(requests, sheets.DeleteRows(id, row-1, row))
	}
	if err := r.client.BatchUpdateSpreadsheet(ctx, requests); err != nil {
		return fmt.Errorf("delete rows from %s: %w", title, err)
	}
	return nil
}

func uniqueDescending(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// NextRowIndex estimates where an appended row lands: 2 for an empty table,
// otherwise one past the highest known row. The next full load corrects it.
func NextRowIndex[T record](items []T) int {
	next := 2
	for _, item := range items {
		if item.rowIndex()+1 > next {
			next = item.rowIndex() + 1
		}
	}
	return next
}

// GenerateID returns prefix-NNNNNN one past the highest numeric suffix
// already used with that prefix.
func GenerateID[T record](prefix string, items []T) string {
	highest := 0
	for _, item := range items {
		rest, ok := strings.CutPrefix(item.key(), prefix+"-")
		if !ok || rest == "" || strings.Trim(rest, "0123456789") != "" {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		highest = max(highest, n)
	}
	return fmt.Sprintf("%s-%06d", prefix, highest+1)
}

// spliceDeleted drops records sitting on deleted rows and moves every later
// record up by the number of deleted rows above it.
func spliceDeleted[T record](items []T, deleted []int) []T {
	if len(deleted) == 0 {
		return items
	}
	rows := uniqueDescending(deleted)
	sort.Ints(rows)
	gone := make(map[int]bool, len(rows))
	for _, row := range rows {
		gone[row] = true
	}
	out := items[:0]
	for _, item := range items {
		idx := item.rowIndex()
		if gone[idx] {
			continue
		}
		// rows is ascending; count how many deleted rows sit above idx.
		shift := sort.SearchInts(rows, idx)
		item.setRowIndex(idx - shift)
		out = append(out, item)
	}
	var zero T
	for i := len(out); i < len(items); i++ {
		items[i] = zero
	}
	return out
}
