package taxonomy

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Plugin is an optional feature wired into the engine at startup.
type Plugin interface {
	Name() string
	Init(ctx context.Context, e *Engine) error
}

// AutoDedupe logs what each cold load removed from the mapping tables.
type AutoDedupe struct {
	Logger *zap.Logger

	unsubscribe func()
}

func (p *AutoDedupe) Name() string { return "auto-dedupe" }

func (p *AutoDedupe) Init(_ context.Context, e *Engine) error {
	logger := p.Logger
	if logger == nil {
		logger = e.logger
	}
	p.unsubscribe = e.Bus().Subscribe(ObserverFunc(func(ev Event) {
		if ev.Kind != EventLoaded {
			return
		}
		tables := make([]string, 0, len(ev.Counts))
		total := 0
		for table, n := range ev.Counts {
			tables = append(tables, table)
			total += n
		}
		sort.Strings(tables)
		if total == 0 {
			logger.Info("mapping tables clean after load")
			return
		}
		for _, table := range tables {
			if ev.Counts[table] > 0 {
				logger.Warn("removed duplicate mappings",
					zap.String("table", table),
					zap.Int("removed", ev.Counts[table]))
			}
		}
	}))
	return nil
}

// Close detaches the plugin from the bus.
func (p *AutoDedupe) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}
