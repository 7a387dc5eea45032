package taxonomy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wizardBook() map[string][][]string {
	return map[string][][]string{
		"Categories": {
			{"cat-000001", "Спорт", "Спорт", "", "", "", ""},
			{"cat-000002", "Протеїн", "Протеин", "cat-000001", "", "", ""},
			{"cat-000003", "Креатин", "Креатин", "cat-000001", "", "", ""},
			{"cat-000004", "Вітаміни", "Витамины", "", "", "", ""},
		},
		"Marketplaces": {
			{"mp-000001", "Rozetka", "rozetka", "TRUE", "", ""},
			{"mp-000002", "Prom", "prom", "TRUE", `{"category":{"title":"name","up":"parent_id"}}`, ""},
		},
		"MpCategories": {
			{"mpcat-1", "mp-000001", "100", "Спортивне харчування", "", "", ""},
			{"mpcat-2", "mp-000001", "101", " Протеїн ", "100", "", ""},
			{"mpcat-3", "mp-000002", "200", "", "", `{"title":"Спорт"}`, ""},
			{"mpcat-4", "mp-000002", "201", "", "", `{"title":"протеїн","up":"200"}`, ""},
			{"mpcat-5", "mp-000001", "102", "Креатин", "101", "", ""},
			{"mpcat-6", "mp-000001", "103", "Невідоме", "", "", ""},
			// a parent cycle must not hang the breadcrumb walk
			{"mpcat-7", "mp-000001", "104", "Вітаміни", "105", "", ""},
			{"mpcat-8", "mp-000001", "105", "Цикл", "104", "", ""},
		},
	}
}

func buildWizard(t *testing.T) (*Engine, *Wizard) {
	t.Helper()
	e := loadedEngine(t, seedBook(wizardBook()))
	w, err := e.BuildWizard(KindCategory)
	require.NoError(t, err)
	return e, w
}

func groupByKey(w *Wizard, key string) *WizardGroup {
	for i := range w.groups {
		if w.groups[i].Key == key {
			return &w.groups[i]
		}
	}
	return nil
}

func TestWizardBuildGroupsByNormalizedName(t *testing.T) {
	_, w := buildWizard(t)

	keys := make([]string, 0, len(w.groups))
	for _, g := range w.groups {
		keys = append(keys, g.Key)
	}
	// no canonical answers to "спортивне харчування", "невідоме" or "цикл"
	assert.Equal(t, []string{"протеїн", "спорт", "креатин", "вітаміни"}, keys)

	protein := groupByKey(w, "протеїн")
	require.NotNil(t, protein)
	assert.Equal(t, "cat-000002", protein.Canonical.ID)
	assert.Equal(t, []string{"Спорт"}, protein.CanonicalBreadcrumb)
	require.Len(t, protein.Members, 2)
	assert.Equal(t, "mpcat-2", protein.Members[0].Entity.ID)
	assert.Equal(t, []string{"Спортивне харчування"}, protein.Members[0].Breadcrumb)
	assert.Equal(t, "mpcat-4", protein.Members[1].Entity.ID)
	assert.Equal(t, []string{"Спорт"}, protein.Members[1].Breadcrumb)

	creatine := groupByKey(w, "креатин")
	require.NotNil(t, creatine)
	assert.Equal(t, []string{"Спортивне харчування", "Протеїн"}, creatine.Members[0].Breadcrumb)

	vitamins := groupByKey(w, "вітаміни")
	require.NotNil(t, vitamins)
	assert.Equal(t, []string{"Вітаміни", "Цикл"}, vitamins.Members[0].Breadcrumb)
}

func TestWizardFilterThreshold(t *testing.T) {
	_, w := buildWizard(t)

	// only протеїн has two marketplace members
	v, err := w.Filter(WizardFilter{})
	require.NoError(t, err)
	assert.Equal(t, PhaseCards, v.Phase)
	assert.Equal(t, 1, v.Total)
	assert.Equal(t, "протеїн", v.Card.Key)
	assert.Equal(t, DefaultWizardMinMatch, v.Filter.MinMatch)

	_, w = buildWizard(t)
	v, err = w.Filter(WizardFilter{MinMatch: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, v.Total)

	_, w = buildWizard(t)
	v, err = w.Filter(WizardFilter{Marketplaces: []string{"mp-000002"}, MinMatch: 2})
	require.NoError(t, err)
	// only groups keeping a Prom member survive
	assert.Equal(t, 2, v.Total)
	require.NotNil(t, v.Card)
	assert.Equal(t, "протеїн", v.Card.Key)
	require.Len(t, v.Card.Members, 1)
	assert.Equal(t, "mpcat-4", v.Card.Members[0].Entity.ID)

	// the marketplace filter runs before the threshold
	_, w = buildWizard(t)
	v, err = w.Filter(WizardFilter{Marketplaces: []string{"mp-000002"}})
	require.NoError(t, err)
	assert.Equal(t, PhaseFilter, v.Phase)
	assert.Zero(t, v.Total)

	_, w = buildWizard(t)
	v, err = w.Filter(WizardFilter{Query: "ПРОТ"})
	require.NoError(t, err)
	assert.Equal(t, 1, v.Total)

	_, w = buildWizard(t)
	v, err = w.Filter(WizardFilter{Query: "зовсім інше", MinMatch: 2})
	require.NoError(t, err)
	assert.Equal(t, PhaseFilter, v.Phase)
	assert.Zero(t, v.Total)
}

func thresholdWizard() *Wizard {
	return NewWizard(KindCategory, []WizardGroup{
		{Key: "порожня", Canonical: Canonical{ID: "cat-000001"}},
		{Key: "одна", Canonical: Canonical{ID: "cat-000002"}, Members: []WizardMember{
			{Entity: MpEntity{ID: "a", MarketplaceID: "mp-1"}},
		}},
		{Key: "дві", Canonical: Canonical{ID: "cat-000003"}, Members: []WizardMember{
			{Entity: MpEntity{ID: "b", MarketplaceID: "mp-1"}},
			{Entity: MpEntity{ID: "c", MarketplaceID: "mp-2"}},
		}},
	}, nil)
}

func TestWizardThresholdExcludesSingleMemberGroups(t *testing.T) {
	for _, minMatch := range []int{0, 3} {
		v, err := thresholdWizard().Filter(WizardFilter{MinMatch: minMatch})
		require.NoError(t, err)
		require.Equal(t, 1, v.Total, "minMatch=%d", minMatch)
		assert.Equal(t, "дві", v.Card.Key)
		assert.True(t, v.Card.Members[0].Checked)
		assert.True(t, v.Card.Members[1].Checked)
	}

	v, err := thresholdWizard().Filter(WizardFilter{MinMatch: 2})
	require.NoError(t, err)
	require.Equal(t, 2, v.Total)
	assert.Equal(t, "одна", v.Card.Key)

	// a group without members never makes a card
	v, err = thresholdWizard().Filter(WizardFilter{MinMatch: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, v.Total)

	v, err = thresholdWizard().Filter(WizardFilter{MinMatch: 4})
	require.NoError(t, err)
	assert.Equal(t, PhaseFilter, v.Phase)
	assert.Zero(t, v.Total)
}

func TestWizardCardFlow(t *testing.T) {
	ctx := context.Background()
	e, w := buildWizard(t)

	_, err := w.Next()
	assert.ErrorIs(t, err, ErrWizardState)

	v, err := w.Filter(WizardFilter{MinMatch: 2})
	require.NoError(t, err)
	require.Equal(t, "протеїн", v.Card.Key)

	// uncheck the Prom member, map only Rozetka
	v, err = w.Toggle("mpcat-4")
	require.NoError(t, err)
	assert.False(t, v.Card.Members[1].Checked)
	_, err = w.Toggle("mpcat-404")
	assert.ErrorIs(t, err, ErrInvalidInput)

	v, err = w.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Mapped)
	assert.Equal(t, 1, v.Position)
	assert.Equal(t, "спорт", v.Card.Key)

	g, _ := e.Graph(KindCategory)
	assert.True(t, g.IsMapped("mpcat-2"))
	assert.False(t, g.IsMapped("mpcat-4"))

	v, err = w.Skip()
	require.NoError(t, err)
	assert.Equal(t, 1, v.Skipped)

	v, err = w.Prev()
	require.NoError(t, err)
	assert.Equal(t, "спорт", v.Card.Key)
	assert.Equal(t, CardSkipped, v.Card.Resolution)
	_, err = w.Confirm(ctx)
	assert.ErrorIs(t, err, ErrWizardState)

	_, err = w.Prev()
	require.NoError(t, err)
	v, err = w.Prev()
	require.NoError(t, err)
	assert.Equal(t, PhaseFilter, v.Phase)
	assert.Nil(t, v.Card)

	v, err = w.Filter(WizardFilter{Query: "креатин", MinMatch: 2})
	require.NoError(t, err)
	for i := range v.Card.Members {
		_, err = w.Toggle(v.Card.Members[i].Entity.ID)
		require.NoError(t, err)
	}
	_, err = w.Confirm(ctx)
	assert.ErrorIs(t, err, ErrWizardState)

	v, err = w.Next()
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, v.Phase)
	assert.Equal(t, 1, v.Mapped)
	assert.Equal(t, 1, v.Skipped)
	_, err = w.Prev()
	assert.ErrorIs(t, err, ErrWizardState)
}

type stubCreator struct {
	calls [][]string
	res   BatchResult
}

func (s *stubCreator) BatchCreate(_ context.Context, ids []string, _ string) BatchResult {
	s.calls = append(s.calls, ids)
	return s.res
}

func TestWizardConfirmReportsMemberFailures(t *testing.T) {
	creator := &stubCreator{res: BatchResult{
		Success: []Mapping{{ID: "map-cat-000001"}},
		Failed:  []ItemError{{ID: "b", Err: ErrEntityNotFound}},
	}}
	w := NewWizard(KindCategory, []WizardGroup{{
		Key:       "протеїн",
		Canonical: Canonical{ID: "cat-000002"},
		Members: []WizardMember{
			{Entity: MpEntity{ID: "a", MarketplaceID: "mp-1"}},
			{Entity: MpEntity{ID: "b", MarketplaceID: "mp-2"}},
		},
	}}, creator)
	_, err := w.Filter(WizardFilter{})
	require.NoError(t, err)

	v, err := w.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}}, creator.calls)
	assert.Equal(t, PhaseDone, v.Phase)
	assert.Equal(t, 1, v.Mapped)
	require.Len(t, v.Failed, 1)
	assert.Equal(t, "b", v.Failed[0].ID)
}
