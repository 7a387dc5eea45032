package taxonomy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cascadeBook() map[string][][]string {
	return map[string][][]string{
		"Categories": {
			{"cat-000001", "Спорт", "", "", "", "", ""},
		},
		"Characteristics": {
			{"char-000001", "", "Колір", "Цвет", "select", "", "", "FALSE", "cat-000001", "", "", "", "", ""},
			{"char-000002", "", "Вага", "Вес", "number", "кг", "", "TRUE", "", "", "", "", "", ""},
		},
		"Options": {
			{"opt-000001", "", "char-000001", "Червоний", "Красный", "", "", ""},
			{"opt-000002", "", "char-000002", "1", "1", "", "", ""},
			{"opt-000003", "", "char-000001", "Синій", "Синий", "", "", ""},
		},
		"Marketplaces": {
			{"mp-000001", "Rozetka", "rozetka", "TRUE", "", ""},
			{"mp-000002", "Prom", "prom", "TRUE", "", ""},
		},
		"MpCategories": {
			{"mpcat-1", "mp-000001", "101", "Спорт", "", "", ""},
			{"mpcat-2", "mp-000002", "201", "Спорт", "", "", ""},
			{"mpcat-3", "mp-000001", "102", "Інше", "", "", ""},
		},
		"MpCharacteristics": {
			{"mpchar-1", "mp-000002", "c-1", "Колір", "", ""},
			{"mpchar-2", "mp-000001", "c-2", "Колір", "", ""},
		},
		"MpOptions": {
			{"mpopt-1", "mp-000001", "o-1", "c-2", "Червоний", ""},
			{"mpopt-2", "mp-000002", "o-2", "c-1", "Червоний", ""},
			{"mpopt-3", "mp-000001", "o-3", "c-2", "Синій", ""},
		},
		"MapCategories": {
			{"map-cat-000001", "cat-000001", "101", ""},
			{"map-cat-000002", "cat-000001", "mpcat-2", ""},
		},
		"MapCharacteristics": {
			{"map-char-000001", "char-000001", "mpchar-2", ""},
			{"map-char-000002", "char-000001", "c-1", ""},
		},
		"MapOptions": {
			{"map-opt-000001", "opt-000001", "o-1", ""},
			{"map-opt-000002", "opt-000001", "mpopt-2", ""},
			{"map-opt-000003", "opt-000003", "mpopt-3", ""},
			{"map-opt-000004", "opt-000002", "mpopt-2", ""},
		},
	}
}

func TestDeleteMarketplaceLeavesNoOrphans(t *testing.T) {
	ctx := context.Background()
	c := seedBook(cascadeBook())
	e := loadedEngine(t, c)
	rec := &recordingObserver{}
	e.Bus().Subscribe(rec)

	report, err := e.DeleteMarketplace(ctx, "mp-000001")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		"MapCategories":      1,
		"MapCharacteristics": 1,
		"MapOptions":         2,
		"MpOptions":          2,
		"MpCharacteristics":  1,
		"MpCategories":       2,
		"Marketplaces":       1,
	}, report.Removed)

	for _, kind := range Kinds {
		for _, ent := range e.MpEntities(kind) {
			assert.NotEqual(t, "mp-000001", ent.MarketplaceID, ent.ID)
		}
		g, _ := e.Graph(kind)
		for _, m := range e.Mappings(kind) {
			e.mu.RLock()
			ent := e.resolveMpLocked(kind, m.MpEntityID)
			e.mu.RUnlock()
			require.NotNil(t, ent, "mapping %s points at a deleted entity", m.ID)
			assert.Equal(t, "mp-000002", ent.MarketplaceID)
		}
		assert.Empty(t, g.Unmapped())
		requireRowsInSync(t, c, MappingTable(kind).Title, pointers(e.Mappings(kind)))
		requireRowsInSync(t, c, MpTable(kind).Title, pointers(e.MpEntities(kind)))
	}
	requireRowsInSync(t, c, "Marketplaces", pointers(e.Marketplaces()))
	assert.Equal(t, []string{"mp-000002"}, recordIDs(pointers(e.Marketplaces())))

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, EventMarketplaceDeleted, last.Kind)
	assert.Equal(t, "mp-000001", last.ID)

	_, err = e.DeleteMarketplace(ctx, "mp-000001")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestDeleteCharacteristicTakesOptionsAndTheirMappings(t *testing.T) {
	ctx := context.Background()
	c := seedBook(cascadeBook())
	e := loadedEngine(t, c)

	report, err := e.DeleteCharacteristic(ctx, "char-000001")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Removed["MapOptions"])
	assert.Equal(t, 2, report.Removed["MapCharacteristics"])
	assert.Equal(t, 2, report.Removed["Options"])
	assert.Equal(t, 1, report.Removed["Characteristics"])

	assert.Equal(t, []string{"opt-000002"}, recordIDs(pointers(e.Options())))
	assert.Equal(t, []string{"map-opt-000004"}, recordIDs(pointers(e.Mappings(KindOption))))
	requireRowsInSync(t, c, "Options", pointers(e.Options()))
	requireRowsInSync(t, c, "MapOptions", pointers(e.Mappings(KindOption)))
	requireRowsInSync(t, c, "Characteristics", pointers(e.Characteristics()))
}

func TestDeleteCanonicalDispatch(t *testing.T) {
	ctx := context.Background()
	c := seedBook(cascadeBook())
	e := loadedEngine(t, c)

	report, err := e.DeleteCanonical(ctx, KindOption, "opt-000001")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Removed["MapOptions"])
	assert.Equal(t, 1, report.Removed["Options"])
	requireRowsInSync(t, c, "MapOptions", pointers(e.Mappings(KindOption)))

	report, err = e.DeleteCanonical(ctx, KindCategory, "cat-000001")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Removed["MapCategories"])
	assert.Empty(t, e.Categories())

	_, err = e.DeleteCanonical(ctx, Kind("brand"), "x")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.DeleteCanonical(ctx, KindCharacteristic, "char-404")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}
