package taxonomy

import (
	"context"
)

// Source is one table the reconciliation loop re-reads. Fetch returns the
// remote ids plus a commit func that swaps the fetched records into the
// mirror; the loop calls commit only when the ids changed.
type Source struct {
	name  string
	fetch func(ctx context.Context) ([]string, func(), error)
	local func() []string
}

func (s *Source) Name() string { return s.name }

func (s *Source) Fetch(ctx context.Context) ([]string, func(), error) {
	return s.fetch(ctx)
}

func (s *Source) LocalIDs() []string { return s.local() }

func recordIDs[T record](items []T) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.key())
	}
	return out
}

// Sources lists the tables other clients edit concurrently: the three
// mapping tables and the three marketplace entity tables.
func (e *Engine) Sources() []*Source {
	out := make([]*Source, 0, 2*len(Kinds))
	for _, kind := range Kinds {
		kind := kind
		out = append(out, &Source{
			name: mappingTables[kind].Title,
			fetch: func(ctx context.Context) ([]string, func(), error) {
				items, err := e.repo.LoadMappings(ctx, kind)
				if err != nil {
					return nil, nil, err
				}
				return recordIDs(items), func() {
					e.mu.Lock()
					e.mappings[kind] = items
					e.mu.Unlock()
				}, nil
			},
			local: func() []string {
				e.mu.RLock()
				defer e.mu.RUnlock()
				return recordIDs(e.mappings[kind])
			},
		})
	}
	for _, kind := range Kinds {
		kind := kind
		out = append(out, &Source{
			name: mpTables[kind].Title,
			fetch: func(ctx context.Context) ([]string, func(), error) {
				items, err := e.repo.LoadMpEntities(ctx, kind)
				if err != nil {
					return nil, nil, err
				}
				return recordIDs(items), func() {
					e.mu.Lock()
					e.mpEntities[kind] = items
					e.mu.Unlock()
				}, nil
			},
			local: func() []string {
				e.mu.RLock()
				defer e.mu.RUnlock()
				return recordIDs(e.mpEntities[kind])
			},
		})
	}
	return out
}
