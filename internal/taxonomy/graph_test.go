package taxonomy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func graphBook() map[string][][]string {
	return map[string][][]string{
		"Categories": {
			{"cat-000001", "Спорт", "Спорт", "", "", "", ""},
			{"cat-000002", "Протеїн", "Протеин", "cat-000001", "", "", ""},
		},
		"Marketplaces": {
			{"mp-000001", "Rozetka", "rozetka", "TRUE", "", ""},
			{"mp-000002", "Prom", "prom", "TRUE", `{"category":{"title":"name"}}`, ""},
		},
		"MpCategories": {
			{"mpcat-1", "mp-000001", "101", "Протеїн", "", "", ""},
			{"mpcat-2", "mp-000001", "102", "Креатин", "", `{"our_category_id":"cat-000002"}`, ""},
			{"mpcat-3", "mp-000002", "201", "", "", `{"title":" протеїн "}`, ""},
		},
		"MapCategories": {
			{"map-cat-000001", "cat-000002", "101", "2024-01-01"},
		},
	}
}

func TestMappingGraphLookupsHonourBothIDsAndLegacy(t *testing.T) {
	e := loadedEngine(t, seedBook(graphBook()))
	g, err := e.Graph(KindCategory)
	require.NoError(t, err)

	// mapped through its external id
	assert.True(t, g.IsMapped("mpcat-1"))
	assert.True(t, g.IsMapped("101"))
	// mapped through the legacy payload field only
	assert.True(t, g.IsMapped("mpcat-2"))
	assert.False(t, g.IsMapped("mpcat-3"))
	assert.False(t, g.IsMapped("missing"))

	mapped := g.GetMapped("cat-000002")
	require.Len(t, mapped, 2)
	assert.Equal(t, "mpcat-1", mapped[0].Entity.ID)
	assert.Equal(t, SourceNew, mapped[0].Source)
	assert.Equal(t, "map-cat-000001", mapped[0].MappingID)
	assert.Equal(t, "mpcat-2", mapped[1].Entity.ID)
	assert.Equal(t, SourceLegacy, mapped[1].Source)

	unmapped := g.Unmapped()
	require.Len(t, unmapped, 1)
	assert.Equal(t, "mpcat-3", unmapped[0].ID)
}

func TestLegacyMatchIsNotDuplicatedByExplicitRow(t *testing.T) {
	book := graphBook()
	book["MapCategories"] = append(book["MapCategories"], []string{"map-cat-000002", "cat-000002", "mpcat-2", ""})
	e := loadedEngine(t, seedBook(book))
	g, _ := e.Graph(KindCategory)

	mapped := g.GetMapped("cat-000002")
	require.Len(t, mapped, 2)
	for _, m := range mapped {
		assert.Equal(t, SourceNew, m.Source)
	}
}

func TestMappingCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := seedBook(graphBook())
	e := loadedEngine(t, c)
	g, _ := e.Graph(KindCategory)

	first, created, err := g.Create(ctx, "cat-000001", "mpcat-3")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "map-cat-000002", first.ID)
	assert.Equal(t, 3, first.RowIndex)
	assert.Equal(t, "2024-05-01T12:00:00Z", first.CreatedAt)

	// same pair, referenced through the external id
	second, created, err := g.Create(ctx, "cat-000001", "201")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)

	assert.Len(t, e.Mappings(KindCategory), 2)
	requireRowsInSync(t, c, "MapCategories", pointers(e.Mappings(KindCategory)))
}

func TestMappingCreateValidatesBothSides(t *testing.T) {
	ctx := context.Background()
	e := loadedEngine(t, seedBook(graphBook()))
	g, _ := e.Graph(KindCategory)

	_, _, err := g.Create(ctx, "cat-404", "mpcat-3")
	assert.ErrorIs(t, err, ErrEntityNotFound)
	_, _, err = g.Create(ctx, "cat-000001", "mpcat-404")
	assert.ErrorIs(t, err, ErrEntityNotFound)
	_, _, err = g.Create(ctx, "", "mpcat-3")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMappingDeleteSemantics(t *testing.T) {
	ctx := context.Background()
	c := seedBook(graphBook())
	e := loadedEngine(t, c)
	g, _ := e.Graph(KindCategory)

	assert.ErrorIs(t, g.Delete(ctx, "map-cat-999999"), ErrMappingNotFound)
	assert.ErrorIs(t, g.Delete(ctx, "map-cat-999999"), ErrNotFound)
	assert.NoError(t, g.DeleteByMpID(ctx, "mpcat-3"))

	_, _, err := g.Create(ctx, "cat-000001", "mpcat-3")
	require.NoError(t, err)
	require.NoError(t, g.Delete(ctx, "map-cat-000001"))
	remaining := e.Mappings(KindCategory)
	require.Len(t, remaining, 1)
	assert.Equal(t, 2, remaining[0].RowIndex)
	requireRowsInSync(t, c, "MapCategories", pointers(remaining))

	require.NoError(t, g.DeleteByMpID(ctx, "201"))
	assert.Empty(t, e.Mappings(KindCategory))
	assert.Len(t, c.Rows("MapCategories"), 1)
}

func TestBatchCreateCollectsFailures(t *testing.T) {
	ctx := context.Background()
	e := loadedEngine(t, seedBook(graphBook()))
	g, _ := e.Graph(KindCategory)

	res := g.BatchCreate(ctx, []string{"mpcat-3", "nope", "mpcat-2"}, "cat-000001")
	require.Len(t, res.Success, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "nope", res.Failed[0].ID)
	assert.ErrorIs(t, &res.Failed[0], ErrEntityNotFound)
}

func TestRemapReplacesMapping(t *testing.T) {
	ctx := context.Background()
	c := seedBook(graphBook())
	e := loadedEngine(t, c)
	g, _ := e.Graph(KindCategory)
	rec := &recordingObserver{}
	e.Bus().Subscribe(rec)

	m, err := g.Remap(ctx, "mpcat-1", "cat-000001")
	require.NoError(t, err)
	assert.Equal(t, "cat-000001", m.CanonicalID)
	assert.Equal(t, "mpcat-1", m.MpEntityID)
	assert.Equal(t, 2, m.RowIndex)
	assert.Equal(t, []EventKind{EventMappingDeleted, EventMappingCreated}, rec.kinds())
	requireRowsInSync(t, c, "MapCategories", pointers(e.Mappings(KindCategory)))

	_, err = g.Remap(ctx, "mpcat-1", "cat-404")
	assert.ErrorIs(t, err, ErrEntityNotFound)
	assert.Len(t, e.Mappings(KindCategory), 1)
}

type countingLock struct {
	depth, max, sections int
}

func (l *countingLock) Section() func() {
	l.depth++
	l.sections++
	l.max = max(l.max, l.depth)
	return func() { l.depth-- }
}

func TestWritesHoldTheWriteLock(t *testing.T) {
	ctx := context.Background()
	e := loadedEngine(t, seedBook(graphBook()))
	lock := &countingLock{}
	e.SetWriteLock(lock)
	g, _ := e.Graph(KindCategory)

	var depthDuringEvent int
	e.Bus().Subscribe(ObserverFunc(func(Event) { depthDuringEvent = lock.depth }))
	_, err := g.Remap(ctx, "mpcat-3", "cat-000001")
	require.NoError(t, err)
	assert.Equal(t, 1, lock.sections)
	assert.Zero(t, lock.depth)
	// events are published after the section is released
	assert.Zero(t, depthDuringEvent)
}
