package sheets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileClientPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "book", "workbook.json")

	first, err := NewFileClient(path)
	require.NoError(t, err)
	_, err = first.EnsureSheet(ctx, "Categories", []string{"id", "name_ua"})
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, "Categories!A:B", [][]string{{"cat-000001", "Взуття"}}))

	second, err := NewFileClient(path)
	require.NoError(t, err)
	rows, err := second.Get(ctx, "Categories!A:B")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"id", "name_ua"}, {"cat-000001", "Взуття"}}, rows)

	names, err := second.GetSheetNames(ctx)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, 1, names[0].SheetID)
}

func TestFileClientMissingFileIsEmptyBook(t *testing.T) {
	client, err := NewFileClient(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	names, err := client.GetSheetNames(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestFileClientFailedWriteLeavesFileUntouched(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "workbook.json")
	client, err := NewFileClient(path)
	require.NoError(t, err)
	_, err = client.EnsureSheet(ctx, "Options", []string{"id"})
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	err = client.Append(ctx, "Missing!A:A", [][]string{{"x"}})
	assert.ErrorIs(t, err, ErrSheetNotFound)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFileClientWatchSignalsExternalWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := filepath.Join(t.TempDir(), "workbook.json")
	client, err := NewFileClient(path)
	require.NoError(t, err)

	events, err := client.Watch(ctx)
	require.NoError(t, err)

	other, err := NewFileClient(path)
	require.NoError(t, err)
	_, err = other.EnsureSheet(ctx, "MapOptions", []string{"id"})
	require.NoError(t, err)

	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected a watch event after an external write")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewFileClientRejectsEmptyPath(t *testing.T) {
	_, err := NewFileClient("  ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
