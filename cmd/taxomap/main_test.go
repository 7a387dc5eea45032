package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/taxomap/internal/sheets"
	"github.com/agentworkforce/taxomap/internal/taxonomy"
)

func newBook(t *testing.T) (string, *sheets.FileClient) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "book.json")
	c, err := sheets.NewFileClient(path)
	require.NoError(t, err)
	ctx := context.Background()
	for _, table := range taxonomy.AllTables() {
		_, err := c.EnsureSheet(ctx, table.Title, table.Columns)
		require.NoError(t, err)
	}
	return path, c
}

func run(t *testing.T, path string, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	argv := append([]string{"taxomap", "--store", "file://" + path, "--log-level", "error"}, args...)
	err := app.Run(context.Background(), argv)
	return out.String(), err
}

func TestSheetsInitCreatesEveryTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.json")

	out, err := run(t, path, "sheets", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Categories sheetId=")
	assert.Contains(t, out, "MapOptions sheetId=")

	c, err := sheets.NewFileClient(path)
	require.NoError(t, err)
	infos, err := c.GetSheetNames(context.Background())
	require.NoError(t, err)
	assert.Len(t, infos, len(taxonomy.AllTables()))
	header, err := c.Get(context.Background(), "Marketplaces!A1:F1")
	require.NoError(t, err)
	assert.Equal(t, [][]string{taxonomy.TableMarketplaces.Columns}, header)

	// running it again is harmless
	_, err = run(t, path, "sheets", "init")
	require.NoError(t, err)
}

func TestAutomapCommand(t *testing.T) {
	path, c := newBook(t)
	ctx := context.Background()
	require.NoError(t, c.Append(ctx, "Categories!A:G", [][]string{{"cat-000001", "Протеїн", "Протеин", "", "", "", ""}}))
	require.NoError(t, c.Append(ctx, "Marketplaces!A:F", [][]string{{"mp-000001", "Rozetka", "rozetka", "TRUE", "", ""}}))
	require.NoError(t, c.Append(ctx, "MpCategories!A:G", [][]string{
		{"mpcat-1", "mp-000001", "101", "протеїн", "", "", ""},
		{"mpcat-2", "mp-000001", "102", "Невідоме", "", "", ""},
	}))

	out, err := run(t, path, "automap", "--kind", "category")
	require.NoError(t, err)
	var res taxonomy.AutoMapResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Mapped, 1)
	assert.Equal(t, "mpcat-1", res.Mapped[0].MpEntityID)
	assert.Equal(t, []string{"mpcat-2"}, res.NotFound)

	rows, err := c.Get(ctx, "MapCategories!A:D")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestAutomapRejectsUnknownKind(t *testing.T) {
	path, _ := newBook(t)
	_, err := run(t, path, "automap", "--kind", "brand")
	assert.ErrorIs(t, err, taxonomy.ErrInvalidInput)
}

func TestDedupeCommandReportsRemovals(t *testing.T) {
	path, c := newBook(t)
	ctx := context.Background()
	require.NoError(t, c.Append(ctx, "MapCategories!A:D", [][]string{
		{"map-cat-000001", "cat-000001", "mpcat-1", ""},
		{"map-cat-000002", "cat-000001", "mpcat-1", ""},
		{"map-cat-000003", "cat-000002", "mpcat-2", ""},
	}))

	out, err := run(t, path, "dedupe")
	require.NoError(t, err)
	assert.Contains(t, out, "MapCategories removed=1\n")
	assert.Contains(t, out, "MapOptions removed=0\n")

	rows, err := c.Get(ctx, "MapCategories!A:D")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "map-cat-000003", rows[2][0])
}

func TestSyncOncePrintsSummary(t *testing.T) {
	path, c := newBook(t)
	require.NoError(t, c.Append(context.Background(), "Categories!A:G", [][]string{{"cat-000001", "Спорт", "", "", "", "", ""}}))

	out, err := run(t, path, "sync", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "categories=1 characteristics=0 options=0 marketplaces=0")
	assert.Contains(t, out, "category: marketplace=0 mappings=0")
}
