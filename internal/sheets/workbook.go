package sheets

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

type workbook struct {
	NextSheetID int      `json:"nextSheetId"`
	Sheets      []*sheet `json:"sheets"`
}

type sheet struct {
	ID    int        `json:"id"`
	Title string     `json:"title"`
	Rows  [][]string `json:"rows"`
}

func newWorkbook() *workbook {
	return &workbook{NextSheetID: 1}
}

func (w *workbook) sheetByTitle(title string) (*sheet, error) {
	for _, s := range w.Sheets {
		if s.Title == title {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSheetNotFound, title)
}

func (w *workbook) sheetByID(id int) (*sheet, error) {
	for _, s := range w.Sheets {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: id %d", ErrSheetNotFound, id)
}

func (w *workbook) ensureSheet(title string, header []string) SheetInfo {
	if s, err := w.sheetByTitle(title); err == nil {
		if len(s.Rows) == 0 && len(header) > 0 {
			s.Rows = append(s.Rows, append([]string(nil), header...))
		}
		return SheetInfo{Title: s.Title, SheetID: s.ID}
	}
	if w.NextSheetID <= 0 {
		w.NextSheetID = 1
	}
	s := &sheet{ID: w.NextSheetID, Title: title}
	w.NextSheetID++
	if len(header) > 0 {
		s.Rows = [][]string{append([]string(nil), header...)}
	}
	w.Sheets = append(w.Sheets, s)
	return SheetInfo{Title: s.Title, SheetID: s.ID}
}

func (w *workbook) get(rng string) ([][]string, error) {
	a1, err := ParseA1(rng)
	if err != nil {
		return nil, err
	}
	s, err := w.sheetByTitle(a1.Sheet)
	if err != nil {
		return nil, err
	}
	first := 0
	if a1.StartRow > 0 {
		first = a1.StartRow - 1
	}
	last := len(s.Rows)
	if a1.EndRow > 0 && a1.EndRow < last {
		last = a1.EndRow
	}
	out := make([][]string, 0, max(last-first, 0))
	for i := first; i < last; i++ {
		out = append(out, sliceColumns(s.Rows[i], a1.StartCol, a1.EndCol))
	}
	return out, nil
}

func (w *workbook) appendRows(rng string, values [][]string) error {
	a1, err := ParseA1(rng)
	if err != nil {
		return err
	}
	s, err := w.sheetByTitle(a1.Sheet)
	if err != nil {
		return err
	}
	for _, row := range values {
		cells := make([]string, a1.StartCol, a1.StartCol+len(row))
		cells = append(cells, row...)
		s.Rows = append(s.Rows, cells)
	}
	return nil
}

func (w *workbook) update(rng string, values [][]string) error {
	a1, err := ParseA1(rng)
	if err != nil {
		return err
	}
	s, err := w.sheetByTitle(a1.Sheet)
	if err != nil {
		return err
	}
	startRow := a1.StartRow
	if startRow <= 0 {
		startRow = 1
	}
	for i, row := range values {
		idx := startRow - 1 + i
		if a1.EndRow > 0 && idx >= a1.EndRow {
			return fmt.Errorf("%w: %d rows exceed %s", ErrInvalidRange, len(values), rng)
		}
		for len(s.Rows) <= idx {
			s.Rows = append(s.Rows, nil)
		}
		for j, cell := range row {
			col := a1.StartCol + j
			if a1.EndCol >= 0 && col > a1.EndCol {
				return fmt.Errorf("%w: %d columns exceed %s", ErrInvalidRange, len(row), rng)
			}
			for len(s.Rows[idx]) <= col {
				s.Rows[idx] = append(s.Rows[idx], "")
			}
			s.Rows[idx][col] = cell
		}
	}
	return nil
}

func (w *workbook) apply(requests []Request) error {
	// Validate everything first so a bad request leaves the book untouched.
	for _, req := range requests {
		if req.DeleteDimension == nil {
			return fmt.Errorf("%w: unsupported structural request", ErrNotImplemented)
		}
		r := req.DeleteDimension.Range
		if !strings.EqualFold(r.Dimension, DimensionRows) {
			return fmt.Errorf("%w: dimension %s", ErrNotImplemented, r.Dimension)
		}
		if r.StartIndex < 0 || r.EndIndex <= r.StartIndex {
			return fmt.Errorf("%w: delete range [%d,%d)", ErrInvalidInput, r.StartIndex, r.EndIndex)
		}
		if _, err := w.sheetByID(r.SheetID); err != nil {
			return err
		}
	}
	for _, req := range requests {
		r := req.DeleteDimension.Range
		s, _ := w.sheetByID(r.SheetID)
		if r.StartIndex >= len(s.Rows) {
			continue
		}
		end := min(r.EndIndex, len(s.Rows))
		s.Rows = append(s.Rows[:r.StartIndex], s.Rows[end:]...)
	}
	return nil
}

func (w *workbook) sheetInfos() []SheetInfo {
	out := make([]SheetInfo, 0, len(w.Sheets))
	for _, s := range w.Sheets {
		out = append(out, SheetInfo{Title: s.Title, SheetID: s.ID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SheetID < out[j].SheetID })
	return out
}

func sliceColumns(row []string, start, end int) []string {
	if start >= len(row) {
		return []string{}
	}
	stop := len(row)
	if end >= 0 && end+1 < stop {
		stop = end + 1
	}
	return append([]string(nil), row[start:stop]...)
}

// gridBackend persists a workbook. view and mutate each run fn under the
// backend's own isolation; mutate persists the book when fn succeeds.
type gridBackend interface {
	view(ctx context.Context, fn func(*workbook) error) error
	mutate(ctx context.Context, fn func(*workbook) error) error
	Close() error
}

// gridClient implements Client for every backend that stores the workbook
// itself rather than proxying to a remote spreadsheet.
type gridClient struct {
	backend gridBackend
}

func (c *gridClient) Get(ctx context.Context, rng string) ([][]string, error) {
	var out [][]string
	err := c.backend.view(ctx, func(w *workbook) error {
		rows, err := w.get(rng)
		out = rows
		return err
	})
	return out, err
}

func (c *gridClient) Append(ctx context.Context, rng string, values [][]string) error {
	return c.backend.mutate(ctx, func(w *workbook) error {
		return w.appendRows(rng, values)
	})
}

func (c *gridClient) Update(ctx context.Context, rng string, values [][]string) error {
	return c.backend.mutate(ctx, func(w *workbook) error {
		return w.update(rng, values)
	})
}

func (c *gridClient) BatchUpdate(ctx context.Context, data []ValueRange) error {
	return c.backend.mutate(ctx, func(w *workbook) error {
		for _, vr := range data {
			if err := w.update(vr.Range, vr.Values); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *gridClient) BatchUpdateSpreadsheet(ctx context.Context, requests []Request) error {
	if len(requests) == 0 {
		return nil
	}
	return c.backend.mutate(ctx, func(w *workbook) error {
		return w.apply(requests)
	})
}

func (c *gridClient) GetSheetNames(ctx context.Context) ([]SheetInfo, error) {
	var out []SheetInfo
	err := c.backend.view(ctx, func(w *workbook) error {
		out = w.sheetInfos()
		return nil
	})
	return out, err
}

func (c *gridClient) EnsureSheet(ctx context.Context, title string, header []string) (SheetInfo, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return SheetInfo{}, ErrInvalidInput
	}
	var info SheetInfo
	err := c.backend.mutate(ctx, func(w *workbook) error {
		info = w.ensureSheet(title, header)
		return nil
	})
	return info, err
}

func (c *gridClient) Close() error {
	return c.backend.Close()
}
