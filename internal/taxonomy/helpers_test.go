package taxonomy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/taxomap/internal/sheets"
)

var fixedNow = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

// seedBook creates every table with its default header followed by rows.
func seedBook(data map[string][][]string) *sheets.MemoryClient {
	c := sheets.NewMemoryClient()
	for _, table := range AllTables() {
		rows := [][]string{table.Columns}
		rows = append(rows, data[table.Title]...)
		c.Seed(table.Title, rows)
	}
	return c
}

func loadedEngine(t *testing.T, c sheets.Client) *Engine {
	t.Helper()
	e := NewEngine(c, Options{Now: fixedNow})
	require.NoError(t, e.Load(context.Background()))
	return e
}

// requireRowsInSync checks that every record's row index points at the
// remote row carrying its id, and that no remote data row is unaccounted for.
func requireRowsInSync[T record](t *testing.T, c *sheets.MemoryClient, title string, items []T) {
	t.Helper()
	rows := c.Rows(title)
	require.Equal(t, len(rows)-1, len(items), "record count for %s", title)
	for _, item := range items {
		idx := item.rowIndex()
		require.GreaterOrEqual(t, idx, 2, "%s row index", item.key())
		require.LessOrEqual(t, idx, len(rows), "%s row index", item.key())
		require.Equal(t, item.key(), rows[idx-1][0], "row %d of %s", idx, title)
	}
}

func pointers[T any](items []T) []*T {
	out := make([]*T, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out
}

type recordingObserver struct {
	events []Event
}

func (r *recordingObserver) OnEvent(ev Event) { r.events = append(r.events, ev) }

func (r *recordingObserver) kinds() []EventKind {
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}
