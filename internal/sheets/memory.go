package sheets

import (
	"context"
	"sync"
)

type memoryBackend struct {
	mu   sync.RWMutex
	book *workbook
}

// NewMemoryClient returns a workbook held in process memory. Writes are
// applied to a copy and swapped in, so a failing call changes nothing.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{gridClient{backend: &memoryBackend{book: newWorkbook()}}}
}

type MemoryClient struct {
	gridClient
}

// Seed replaces a sheet's rows wholesale, creating the sheet if needed.
// Intended for tests and fixtures.
func (c *MemoryClient) Seed(title string, rows [][]string) SheetInfo {
	b := c.backend.(*memoryBackend)
	b.mu.Lock()
	defer b.mu.Unlock()
	info := b.book.ensureSheet(title, nil)
	s, _ := b.book.sheetByID(info.SheetID)
	s.Rows = cloneRows(rows)
	return info
}

// Rows returns a copy of a sheet's rows including the header.
func (c *MemoryClient) Rows(title string) [][]string {
	b := c.backend.(*memoryBackend)
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, err := b.book.sheetByTitle(title)
	if err != nil {
		return nil
	}
	return cloneRows(s.Rows)
}

func (b *memoryBackend) view(ctx context.Context, fn func(*workbook) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fn(b.book)
}

func (b *memoryBackend) mutate(ctx context.Context, fn func(*workbook) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.book.clone()
	if err := fn(next); err != nil {
		return err
	}
	b.book = next
	return nil
}

func (b *memoryBackend) Close() error {
	return nil
}

func (w *workbook) clone() *workbook {
	out := &workbook{NextSheetID: w.NextSheetID, Sheets: make([]*sheet, 0, len(w.Sheets))}
	for _, s := range w.Sheets {
		out.Sheets = append(out.Sheets, &sheet{ID: s.ID, Title: s.Title, Rows: cloneRows(s.Rows)})
	}
	return out
}

func cloneRows(rows [][]string) [][]string {
	if rows == nil {
		return nil
	}
	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = append([]string(nil), row...)
	}
	return out
}
